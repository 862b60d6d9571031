// Package vmlock keeps two runs on the same controller from driving one VM
// at the same time.
package vmlock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/kriansa/pve-exe-runner/internal/failure"
)

// Lock is an acquired per-VM file lock
type Lock struct {
	fl *flock.Flock
}

// Path returns the lock file used for vmid inside dir
func Path(dir string, vmid int) string {
	return filepath.Join(dir, fmt.Sprintf("pve-exe-runner-%d.lock", vmid))
}

// Acquire takes the lock for vmid without blocking. A lock held by another
// process is a precondition failure.
func Acquire(dir string, vmid int) (*Lock, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := Path(dir, vmid)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire flock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: vm %d is in use by another run (%s)", failure.ErrPrecondition, vmid, path)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	if err != nil {
		return fmt.Errorf("release flock: %w", err)
	}
	return nil
}
