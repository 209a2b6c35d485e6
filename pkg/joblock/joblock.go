// Package joblock guards a configuration file's permission bits around a
// batch run: the file is made read-only before the analysis program starts
// and restored to a writable mode once it has finished, no matter how.
package joblock

import (
	"fmt"
	"os"

	"github.com/saworbit/batchkeeper/internal/platform"
)

// Guard tracks a configuration file whose permissions are locked for the
// duration of a run.
type Guard struct {
	path         string
	previousMode os.FileMode
	lockMode     os.FileMode
	restoreMode  os.FileMode
	restored     bool
}

// Lock applies lockMode to the file at path and returns a guard that will
// later apply restoreMode. The file must exist, be a regular file, and be
// owned by the effective user (chmod would fail otherwise).
func Lock(path string, lockMode, restoreMode os.FileMode) (*Guard, error) {
	path = platform.LongPathname(path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config file %s is not a regular file", path)
	}

	if err := ensureLockable(path, info); err != nil {
		return nil, err
	}

	if err := os.Chmod(path, lockMode); err != nil {
		return nil, fmt.Errorf("lock config file: %w", err)
	}

	return &Guard{
		path:         path,
		previousMode: info.Mode().Perm(),
		lockMode:     lockMode,
		restoreMode:  restoreMode,
	}, nil
}

// Restore applies the restore mode. It is idempotent: the second and later
// calls are no-ops, so a deferred Restore can coexist with an explicit one.
func (g *Guard) Restore() error {
	if g == nil || g.restored {
		return nil
	}

	if err := os.Chmod(g.path, g.restoreMode); err != nil {
		return fmt.Errorf("restore config file mode: %w", err)
	}

	g.restored = true
	return nil
}

// Path returns the guarded file path.
func (g *Guard) Path() string {
	return g.path
}

// PreviousMode returns the permission bits the file had before locking.
func (g *Guard) PreviousMode() os.FileMode {
	return g.previousMode
}

// Restored reports whether the restore mode has been applied.
func (g *Guard) Restored() bool {
	return g != nil && g.restored
}
