package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by a Locker when another process holds the resource.
var ErrLocked = errors.New("resource locked by another process")

// Locker guards a resource across processes for the lifetime of a job.
type Locker interface {
	Lock(resourceID string) (unlock func(), err error)
}

// FileLocker takes a non-blocking flock on <Dir>/<resource>.lock.
type FileLocker struct {
	Dir string
}

// NewFileLocker creates dir if needed.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileLocker{Dir: dir}, nil
}

// Lock implements Locker.
func (l *FileLocker) Lock(resourceID string) (func(), error) {
	fl := flock.New(filepath.Join(l.Dir, lockName(resourceID)))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() { _ = fl.Unlock() }, nil
}

func lockName(resourceID string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	return r.Replace(resourceID) + ".lock"
}
