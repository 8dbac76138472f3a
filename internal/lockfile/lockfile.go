// Package lockfile provides the exclusive, process-level lock that
// serializes install pipeline invocations for a single app. It is a thin
// wrapper over github.com/gofrs/flock: acquisition blocks until granted (no
// timeout, by design — see spec §5), and the guard releases on every exit
// path via defer.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockError wraps failures to create the lock directory or open the lock file.
// Contention is not an error: Acquire blocks until the lock is granted.
type LockError struct {
	App string
	Err error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock error for app %q: %v", e.App, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// Guard holds an acquired lock and releases it exactly once.
type Guard struct {
	fl *flock.Flock
}

// Path returns the path of the lock directory's app lock file.
func Path(lockDir, app string) string {
	return filepath.Join(lockDir, app+".lock")
}

// Acquire blocks until it holds an exclusive lock on <lockDir>/<app>.lock,
// creating the lock directory if necessary.
func Acquire(lockDir, app string) (*Guard, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, &LockError{App: app, Err: fmt.Errorf("create lock directory: %w", err)}
	}
	path := Path(lockDir, app)
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, &LockError{App: app, Err: fmt.Errorf("acquire lock %s: %w", path, err)}
	}
	return &Guard{fl: fl}, nil
}

// Release unlocks and closes the underlying file descriptor. Safe to call
// more than once.
func (g *Guard) Release() error {
	if g == nil || g.fl == nil {
		return nil
	}
	return g.fl.Unlock()
}

// ForceRelease removes the lock file unconditionally. It is a diagnostic
// operation for the `unlock` subcommand and is not part of the install
// pipeline: a live holder's open file descriptor survives the unlink and
// will still release cleanly, but any waiter blocked in Acquire against the
// old inode keeps waiting, and a new Acquire call opens a fresh file and a
// fresh lock immediately.
func ForceRelease(lockDir, app string) error {
	path := Path(lockDir, app)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &LockError{App: app, Err: fmt.Errorf("remove lock file: %w", err)}
	}
	return nil
}
