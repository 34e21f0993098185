//go:build unix

package image

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Blocks until an exclusive advisory lock on f is granted.
func lockFile(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
