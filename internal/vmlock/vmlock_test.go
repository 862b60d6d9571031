package vmlock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriansa/pve-exe-runner/internal/failure"
)

func TestAcquire_ExclusivePerVM(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, 100)
	require.NoError(t, err)

	_, err = Acquire(dir, 100)
	require.ErrorIs(t, err, failure.ErrPrecondition)

	other, err := Acquire(dir, 101)
	require.NoError(t, err, "different vm is independent")
	require.NoError(t, other.Release())

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "double release")

	again, err := Acquire(dir, 100)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquire_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "locks")

	l, err := Acquire(dir, 200)
	require.NoError(t, err)
	defer l.Release()

	assert.FileExists(t, Path(dir, 200))
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/run/x", "pve-exe-runner-123.lock"), Path("/run/x", 123))
}

func TestRelease_Nil(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
