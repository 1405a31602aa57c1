package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestUUIDv7NewID ensures generated IDs are unique, valid and version 7.
func TestUUIDv7NewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := uuid.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestSequenceNewID(t *testing.T) {
	t.Parallel()

	seq := NewSequence("url")
	first, _ := seq.NewID()
	second, _ := seq.NewID()
	require.Equal(t, "url-1", first)
	require.Equal(t, "url-2", second)
}
