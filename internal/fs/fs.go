package fs

import (
	"errors"
	"io"
	"io/fs"
	"os"
)

// File is an open store file. The store only does positional I/O, so there
// is no read or write cursor.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
	Truncate(size int64) error
	// Size returns the current length of the file.
	Size() (int64, error)
	// Fd returns the OS descriptor, used for advisory locking.
	Fd() uintptr
}

// FileSystem is everything the store does with paths: opening the store file,
// and the renames and removals of file compaction.
type FileSystem interface {
	// Open opens name for reading and writing, creating it if needed, or
	// only for reading when readOnly is set.
	Open(name string, readOnly bool) (File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	Exists(name string) (bool, error)
	MkdirAll(path string) error
}

// LocalFS is the FileSystem of the operating system.
type LocalFS struct{}

func (LocalFS) Open(name string, readOnly bool) (File, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(name, flag, 0o644)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (LocalFS) Remove(name string) error             { return os.Remove(name) }
func (LocalFS) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }
func (LocalFS) MkdirAll(path string) error           { return os.MkdirAll(path, 0o755) }

func (LocalFS) Exists(name string) (bool, error) {
	_, err := os.Stat(name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

type osFile struct{ *os.File }

func (f osFile) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Default is the default local file system.
var Default FileSystem = LocalFS{}
