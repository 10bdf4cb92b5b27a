//go:build unix

package filestore

import (
	"errors"

	"golang.org/x/sys/unix"

	vfs "github.com/hupe1980/mvstore/internal/fs"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

func lockFile(f vfs.File, shared bool) error {
	how := unix.LOCK_EX
	if shared {
		how = unix.LOCK_SH
	}
	err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		return storeerr.ErrFileLocked
	}
	return storeerr.IO(err)
}

func unlockFile(f vfs.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
