//go:build !windows

package joblock

import (
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// ensureLockable returns an error if the current user would normally be
// denied a chmod on the file. Only the file's owner (or root) may change
// its mode, so failing early gives a clearer message than the chmod EPERM.
func ensureLockable(path string, info fs.FileInfo) error {
	if info == nil {
		var err error
		info, err = os.Stat(path)
		if err != nil {
			return err
		}
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}

	euid := os.Geteuid()
	if euid == 0 {
		return nil
	}

	if int(stat.Uid) != euid {
		return fmt.Errorf("cannot lock %s: owned by uid %d, not the current user", path, stat.Uid)
	}

	return nil
}
