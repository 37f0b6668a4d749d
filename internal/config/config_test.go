package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	cfg := Default()
	err := cfg.Decode(strings.NewReader(`
max_uploads_per_frame = 16
num_gather_tasks = 2
masked_page_table_updates = false
`))
	require.NoError(t, err)
	require.Equal(t, 16, cfg.MaxUploadsPerFrame)
	require.Equal(t, 2, cfg.NumGatherTasks)
	require.False(t, cfg.MaskedPageTableUpdates)
	// Untouched fields keep their defaults.
	require.Equal(t, 4, cfg.NumFeedbackTasks)
	require.Equal(t, uint32(3), cfg.FeedbackFrameDelay)

	require.Error(t, cfg.Decode(strings.NewReader(`no_such_option = 1`)))
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Verbose = true
	var buf bytes.Buffer
	require.NoError(t, cfg.Encode(&buf))

	var got Config
	require.NoError(t, got.Decode(&buf))
	require.Equal(t, cfg, got)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"VTEX_MAX_UPLOADS_PER_FRAME":     "128",
		"VTEX_FEEDBACK_FRAME_DELAY":      "0",
		"VTEX_REFRESH_ENTIRE_PAGE_TABLE": "true",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	require.Equal(t, 128, cfg.MaxUploadsPerFrame)
	require.Zero(t, cfg.FeedbackFrameDelay)
	require.True(t, cfg.RefreshEntirePageTable)

	env["VTEX_NUM_GATHER_TASKS"] = "lots"
	require.Error(t, cfg.ApplyEnv(lookup))
}

func TestClamp(t *testing.T) {
	cfg := Default()
	cfg.NumFeedbackTasks = 0
	cfg.NumGatherTasks = 100
	cfg.PageUpdateFlushCount = 1000
	cfg.MaxUploadsPerFrame = -5
	cfg.Clamp()
	require.Equal(t, 1, cfg.NumFeedbackTasks)
	require.Equal(t, MaxTasks, cfg.NumGatherTasks)
	require.Equal(t, PageUpdateCapacity, cfg.PageUpdateFlushCount)
	require.Zero(t, cfg.MaxUploadsPerFrame)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vtex.toml")
	require.NoError(t, os.WriteFile(path, []byte("num_feedback_tasks = 64\n"), 0o644))
	t.Setenv("VTEX_VERBOSE", "1")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, MaxTasks, cfg.NumFeedbackTasks)
	require.True(t, cfg.Verbose)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
