package staging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AllocateCreatesDir(t *testing.T) {
	tmpDir := t.TempDir()
	mgr, err := NewManager(filepath.Join(tmpDir, "scratch"), "", false, 20)
	require.NoError(t, err)

	h, err := mgr.Allocate("2024-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.DirExists(t, h.Dir)
	assert.Contains(t, h.Dir, "2024-01-01T00:00:00Z")
}

func TestManager_FinalizeRenamesIntoPlace(t *testing.T) {
	tmpDir := t.TempDir()
	mgr, err := NewManager(filepath.Join(tmpDir, "scratch"), "", false, 20)
	require.NoError(t, err)

	h, err := mgr.Allocate("")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.Dir, "data.ms"), []byte("x"), 0644))

	dest := filepath.Join(tmpDir, "output", "2024-01-01T00:00:00.ms")
	require.NoError(t, mgr.Finalize(h, dest))

	assert.DirExists(t, dest)
	assert.NoDirExists(t, h.Dir)
	assert.FileExists(t, filepath.Join(dest, "data.ms"))
}

func TestManager_FinalizeRefusesOverwrite(t *testing.T) {
	tmpDir := t.TempDir()
	mgr, err := NewManager(filepath.Join(tmpDir, "scratch"), "", false, 20)
	require.NoError(t, err)

	dest := filepath.Join(tmpDir, "output", "existing.ms")
	require.NoError(t, os.MkdirAll(dest, 0755))

	h, err := mgr.Allocate("")
	require.NoError(t, err)

	err = mgr.Finalize(h, dest)
	assert.ErrorIs(t, err, ErrExists)
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	mgr, err := NewManager(filepath.Join(tmpDir, "scratch"), "", false, 20)
	require.NoError(t, err)

	h, err := mgr.Allocate("")
	require.NoError(t, err)

	require.NoError(t, mgr.Release(h))
	require.NoError(t, mgr.Release(h))
	assert.NoDirExists(t, h.Dir)
}

func TestSweep_RemovesStaleScratchDirs(t *testing.T) {
	tmpDir := t.TempDir()
	scratch := filepath.Join(tmpDir, "scratch")
	stale := filepath.Join(scratch, "stale-job")
	fresh := filepath.Join(scratch, "fresh-job")
	require.NoError(t, os.MkdirAll(stale, 0755))
	require.NoError(t, os.MkdirAll(fresh, 0755))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	removed, err := Sweep([]string{scratch}, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
}
