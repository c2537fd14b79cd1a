package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "rewind.lock")

	first, err := New(path)
	require.NoError(t, err)
	second, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, path, first.Path())

	ok, err := first.TryLock()
	require.NoError(t, err)
	require.True(t, ok, "first lock should succeed")

	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "second lock must fail while the first is held")

	require.NoError(t, first.Unlock())

	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, ok, "lock should be available after release")
	require.NoError(t, second.Unlock())
}

func TestNew_UnwritableDirectory(t *testing.T) {
	_, err := New("/proc/rewind-test/rewind.lock")
	assert.Error(t, err)
}
