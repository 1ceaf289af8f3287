// Package staging manages scratch allocation and atomic finalization of
// measurement set directories.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
)

// ErrExists is returned by Finalize when the destination path already exists.
var ErrExists = errors.New("staging: destination already exists")

// Handle references a scratch directory allocated for one conversion job.
type Handle struct {
	ID      string
	Dir     string
	onTmpfs bool
}

// Manager allocates scratch directories (preferring tmpfs when there is
// headroom) and finalizes them into the canonical output tree via rename,
// falling back to copy when the rename would cross filesystems.
type Manager struct {
	scratchDir     string
	tmpfsPath      string
	stageToTmpfs   bool
	tmpfsMinFreePc int
}

// NewManager constructs a Manager. scratchDir is always created; tmpfsPath
// is only used when stageToTmpfs is true and has sufficient free space.
func NewManager(scratchDir, tmpfsPath string, stageToTmpfs bool, tmpfsMinFreePc int) (*Manager, error) {
	if scratchDir == "" {
		return nil, fmt.Errorf("staging: scratch dir required")
	}
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Manager{
		scratchDir:     scratchDir,
		tmpfsPath:      tmpfsPath,
		stageToTmpfs:   stageToTmpfs,
		tmpfsMinFreePc: tmpfsMinFreePc,
	}, nil
}

// Allocate creates a fresh scratch directory named by the hint (when given)
// followed by a random ID, on tmpfs
// when configured and there is enough headroom, otherwise under scratchDir.
func (m *Manager) Allocate(hint string) (*Handle, error) {
	id := uuid.NewString()
	if hint != "" {
		id = hint + "-" + id
	}

	base := m.scratchDir
	onTmpfs := false
	if m.stageToTmpfs && m.tmpfsPath != "" && m.hasTmpfsHeadroom() {
		base = m.tmpfsPath
		onTmpfs = true
	}

	dir := filepath.Join(base, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		if onTmpfs {
			// tmpfs may be absent in this environment; fall back to scratch.
			dir = filepath.Join(m.scratchDir, id)
			if err2 := os.MkdirAll(dir, 0755); err2 != nil {
				return nil, fmt.Errorf("allocate scratch dir: %w", err2)
			}
			onTmpfs = false
		} else {
			return nil, fmt.Errorf("allocate scratch dir: %w", err)
		}
	}

	return &Handle{ID: id, Dir: dir, onTmpfs: onTmpfs}, nil
}

func (m *Manager) hasTmpfsHeadroom() bool {
	usage, err := disk.Usage(m.tmpfsPath)
	if err != nil {
		return false
	}
	freePct := 100 - int(usage.UsedPercent)
	return freePct >= m.tmpfsMinFreePc
}

// Finalize atomically moves the scratch handle's directory into destination.
// It never overwrites an existing destination. When the scratch directory
// and destination share a filesystem this is a pure os.Rename; otherwise it
// copies every file (fsyncing each one and the destination directory) before
// renaming the copy into place, so a crash mid-copy never leaves a partial
// canonical artifact.
func (m *Manager) Finalize(h *Handle, destination string) error {
	if _, err := os.Stat(destination); err == nil {
		return ErrExists
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat destination: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}

	if sameFilesystem(h.Dir, filepath.Dir(destination)) {
		if err := os.Rename(h.Dir, destination); err != nil {
			return fmt.Errorf("rename into place: %w", err)
		}
		return nil
	}

	staged := destination + ".finalize-tmp"
	_ = os.RemoveAll(staged)
	if err := copyTree(h.Dir, staged); err != nil {
		_ = os.RemoveAll(staged)
		return fmt.Errorf("copy to destination filesystem: %w", err)
	}
	if err := os.Rename(staged, destination); err != nil {
		_ = os.RemoveAll(staged)
		return fmt.Errorf("rename staged copy into place: %w", err)
	}
	_ = os.RemoveAll(h.Dir)
	return nil
}

// Release removes the scratch directory. Idempotent.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	return os.RemoveAll(h.Dir)
}

// Sweep removes scratch directories (under both scratchDir and tmpfsPath)
// whose modification time predates olderThan, recovering leaks from a
// crash between Allocate and Release.
func Sweep(dirs []string, olderThan time.Duration) (removed int, err error) {
	cutoff := time.Now().Add(-olderThan)
	for _, root := range dirs {
		if root == "" {
			continue
		}
		entries, rerr := os.ReadDir(root)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				continue
			}
			return removed, fmt.Errorf("read scratch root %s: %w", root, rerr)
		}
		for _, e := range entries {
			info, ierr := e.Info()
			if ierr != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if rmErr := os.RemoveAll(filepath.Join(root, e.Name())); rmErr == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}

func sameFilesystem(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(filepath.Dir(b))
	if err != nil {
		bi, err = os.Stat(b)
		if err != nil {
			return false
		}
	}
	return sameDevice(ai, bi)
}

func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		sp := filepath.Join(src, e.Name())
		dp := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyTree(sp, dp); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(sp, dp); err != nil {
			return err
		}
	}
	dir, err := os.Open(dst)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
