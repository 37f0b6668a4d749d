// Package config holds the tunables of the paging core. Values come from
// defaults, then an optional TOML file, then VTEX_* environment variables.
package config

import (
	"io"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

// MaxTasks bounds the worker counts.
const MaxTasks = 16

// PageUpdateCapacity bounds PageUpdateFlushCount; it's the size of the
// per-worker buffer of pending LRU touches.
const PageUpdateCapacity = 128

// Config configures a virtual texture system.
type Config struct {
	// MaxUploadsPerFrame bounds the tiles loaded per frame, not counting
	// locked tiles.
	MaxUploadsPerFrame int `toml:"max_uploads_per_frame"`
	// NumFeedbackTasks and NumGatherTasks size the worker pools of the two
	// parallel phases.
	NumFeedbackTasks int `toml:"num_feedback_tasks"`
	NumGatherTasks   int `toml:"num_gather_tasks"`
	// PageUpdateFlushCount is the number of buffered LRU touches past which
	// gather workers try to flush them into the pool.
	PageUpdateFlushCount int `toml:"page_update_flush_count"`
	// FeedbackFrameDelay is how many frames old feedback is when it reaches
	// the CPU.
	FeedbackFrameDelay uint32 `toml:"feedback_frame_delay"`
	// PrefetchDistance is how far above the resident ancestor a missing tile
	// triggers an intermediate load.
	PrefetchDistance uint8 `toml:"prefetch_distance"`
	// LevelWeight is added to a tile's level when weighing requests.
	LevelWeight uint32 `toml:"level_weight"`
	// PoolSizeInTiles is the side of each physical atlas, in tiles.
	PoolSizeInTiles uint32 `toml:"pool_size_in_tiles"`

	EnableFeedback         bool `toml:"enable_feedback"`
	MaskedPageTableUpdates bool `toml:"masked_page_table_updates"`
	RefreshEntirePageTable bool `toml:"refresh_entire_page_table"`
	Verbose                bool `toml:"verbose"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		MaxUploadsPerFrame:     64,
		NumFeedbackTasks:       4,
		NumGatherTasks:         4,
		PageUpdateFlushCount:   8,
		FeedbackFrameDelay:     3,
		PrefetchDistance:       2,
		LevelWeight:            1,
		PoolSizeInTiles:        32,
		EnableFeedback:         true,
		MaskedPageTableUpdates: true,
	}
}

// Load returns the defaults overlaid with the TOML file at path (if path is
// non-empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "opening config")
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return Config{}, errors.Wrapf(err, "reading %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.Clamp()
	return cfg, nil
}

// Decode overlays TOML from r. Unknown keys are an error.
func (c *Config) Decode(r io.Reader) error {
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(c)
}

// Encode writes the configuration as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// ApplyEnv overlays VTEX_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		name string
		dst  *int
	}{
		{"VTEX_MAX_UPLOADS_PER_FRAME", &c.MaxUploadsPerFrame},
		{"VTEX_NUM_FEEDBACK_TASKS", &c.NumFeedbackTasks},
		{"VTEX_NUM_GATHER_TASKS", &c.NumGatherTasks},
		{"VTEX_PAGE_UPDATE_FLUSH_COUNT", &c.PageUpdateFlushCount},
	}
	for _, v := range ints {
		s, ok := lookup(v.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return errors.Wrapf(err, "parsing %s", v.name)
		}
		*v.dst = n
	}

	if s, ok := lookup("VTEX_FEEDBACK_FRAME_DELAY"); ok {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return errors.Wrap(err, "parsing VTEX_FEEDBACK_FRAME_DELAY")
		}
		c.FeedbackFrameDelay = uint32(n)
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"VTEX_ENABLE_FEEDBACK", &c.EnableFeedback},
		{"VTEX_MASKED_PAGE_TABLE_UPDATES", &c.MaskedPageTableUpdates},
		{"VTEX_REFRESH_ENTIRE_PAGE_TABLE", &c.RefreshEntirePageTable},
		{"VTEX_VERBOSE", &c.Verbose},
	}
	for _, v := range bools {
		s, ok := lookup(v.name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return errors.Wrapf(err, "parsing %s", v.name)
		}
		*v.dst = b
	}
	return nil
}

// Clamp brings out of range values back into range.
func (c *Config) Clamp() {
	c.MaxUploadsPerFrame = max(c.MaxUploadsPerFrame, 0)
	c.NumFeedbackTasks = min(max(c.NumFeedbackTasks, 1), MaxTasks)
	c.NumGatherTasks = min(max(c.NumGatherTasks, 1), MaxTasks)
	c.PageUpdateFlushCount = min(max(c.PageUpdateFlushCount, 1), PageUpdateCapacity)
	if c.PoolSizeInTiles == 0 {
		c.PoolSizeInTiles = 1
	}
}
