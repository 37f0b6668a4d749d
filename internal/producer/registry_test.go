package producer

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestRegistryHandles(t *testing.T) {
	r := NewRegistry()
	a := &Producer{Description: Description{Name: "a"}}
	b := &Producer{Description: Description{Name: "b"}}

	ha := r.Register(a)
	require.False(t, ha.IsNull())
	require.Equal(t, uint32(1), ha.Index())

	got, ok := r.Find(ha)
	require.True(t, ok)
	require.Same(t, a, got)

	released, err := r.Release(ha)
	require.NoError(t, err)
	require.Same(t, a, released)
	_, ok = r.Find(ha)
	require.False(t, ok)

	_, err = r.Release(ha)
	require.True(t, errors.Is(err, ErrStaleHandle))

	// The slot is reused with a new generation; the old handle stays stale.
	hb := r.Register(b)
	require.Equal(t, ha.Index(), hb.Index())
	require.NotEqual(t, ha.Magic(), hb.Magic())
	_, ok = r.Find(ha)
	require.False(t, ok)
	got, ok = r.Find(hb)
	require.True(t, ok)
	require.Same(t, b, got)
	require.Equal(t, 1, r.Len())
}

func TestRegistryRejectsNullAndOutOfRange(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Find(0)
	require.False(t, ok)
	_, ok = r.Find(makeHandle(5, 1))
	require.False(t, ok)
}

func TestRegistryEach(t *testing.T) {
	r := NewRegistry()
	var handles []Handle
	for i := 0; i < 3; i++ {
		handles = append(handles, r.Register(&Producer{}))
	}
	_, err := r.Release(handles[1])
	require.NoError(t, err)

	var seen []Handle
	r.Each(func(h Handle, _ *Producer) { seen = append(seen, h) })
	require.Equal(t, []Handle{handles[0], handles[2]}, seen)
}
