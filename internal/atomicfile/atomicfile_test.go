package atomicfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, WriteJSON(path, map[string]int{"a": 1}, 0o600))
	require.NoError(t, WriteJSON(path, map[string]int{"b": 2}, 0o600))

	var got map[string]int
	found, err := ReadJSON(path, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, map[string]int{"b": 2}, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestReadJSONMissingAndEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	var v map[string]any
	found, err := ReadJSON(filepath.Join(dir, "absent.json"), &v)
	require.NoError(t, err)
	assert.False(t, found)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	found, err = ReadJSON(empty, &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadJSONCorrupt(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	var v map[string]any
	found, err := ReadJSON(path, &v)
	assert.True(t, found)
	assert.Error(t, err)
}
