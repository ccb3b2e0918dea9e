package sys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireDirLock_Exclusive(t *testing.T) {
	dir := t.TempDir()

	release, err := AcquireDirLock(dir)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, LockFileName))
	require.NoError(t, err)

	_, err = AcquireDirLock(dir)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release())

	release, err = AcquireDirLock(dir)
	require.NoError(t, err, "lock should be free again after release")
	require.NoError(t, release())
}

func TestAcquireDirLock_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	release, err := AcquireDirLock(dir)
	require.NoError(t, err)
	defer release()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSyncDir(t *testing.T) {
	assert.NoError(t, SyncDir(t.TempDir()))
	assert.Error(t, SyncDir(filepath.Join(t.TempDir(), "missing")))
}

func TestHandlersAreSwappable(t *testing.T) {
	orig := Rename
	t.Cleanup(func() { Rename = orig })

	var got [2]string
	Rename = func(oldpath, newpath string) error {
		got = [2]string{oldpath, newpath}
		return os.ErrPermission
	}
	assert.ErrorIs(t, Rename("a", "b"), os.ErrPermission)
	assert.Equal(t, [2]string{"a", "b"}, got)

	f, err := Create(filepath.Join(t.TempDir(), "f"))
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())
}
