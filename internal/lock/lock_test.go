package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_AcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.lock")

	fl := New(path)
	require.NoError(t, fl.TryLock())

	pid, err := OwnerPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, fl.Unlock())

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "unlock removes the pid file")
}

func TestFileLock_SecondHolderRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.lock")

	first := New(path)
	require.NoError(t, first.TryLock())
	defer func() { _ = first.Unlock() }()

	second := New(path)
	err := second.TryLock()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another daemon may be running")
}

func TestFileLock_ReacquireAfterUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.lock")

	first := New(path)
	require.NoError(t, first.TryLock())
	require.NoError(t, first.Unlock())

	second := New(path)
	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())
}

func TestFileLock_UnlockWithoutLock(t *testing.T) {
	fl := New(filepath.Join(t.TempDir(), "warden.lock"))
	assert.NoError(t, fl.Unlock())
}

func TestOwnerPID(t *testing.T) {
	dir := t.TempDir()

	pid, err := OwnerPID(filepath.Join(dir, "absent.lock"))
	require.NoError(t, err)
	assert.Zero(t, pid)

	garbled := filepath.Join(dir, "garbled.lock")
	require.NoError(t, os.WriteFile(garbled, []byte("not-a-pid\n"), 0o600))
	_, err = OwnerPID(garbled)
	assert.Error(t, err)
}
