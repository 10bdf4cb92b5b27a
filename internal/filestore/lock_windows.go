//go:build windows

package filestore

import (
	"errors"

	"golang.org/x/sys/windows"

	vfs "github.com/hupe1980/mvstore/internal/fs"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

func lockFile(f vfs.File, shared bool) error {
	flags := uint32(windows.LOCKFILE_FAIL_IMMEDIATELY)
	if !shared {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, ^uint32(0), ^uint32(0), ol)
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return storeerr.ErrFileLocked
	}
	return storeerr.IO(err)
}

func unlockFile(f vfs.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, ^uint32(0), ^uint32(0), ol)
}
