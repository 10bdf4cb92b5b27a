//go:build !unix && !windows

package filestore

import vfs "github.com/hupe1980/mvstore/internal/fs"

// Platforms without advisory locks rely on the process-wide open registry alone.
func lockFile(vfs.File, bool) error { return nil }

func unlockFile(vfs.File) error { return nil }
