package filestore

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	vfs "github.com/hupe1980/mvstore/internal/fs"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

// BlockSize is the allocation unit of the store file.
const BlockSize = 4096

// Stats is a snapshot of the I/O counters.
type Stats struct {
	ReadCount  int64
	ReadBytes  int64
	WriteCount int64
	WriteBytes int64
	Size       int64
}

// FileStore is a locked store file.
type FileStore struct {
	path     string
	readOnly bool
	file     vfs.File

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	size       atomic.Int64
	readCount  atomic.Int64
	readBytes  atomic.Int64
	writeCount atomic.Int64
	writeBytes atomic.Int64

	free *FreeSpace
}

// Open opens path through fsys and locks it. A writable open creates the
// file if needed; creating parent directories is the caller's job.
func Open(fsys vfs.FileSystem, path string, readOnly bool) (*FileStore, error) {
	if fsys == nil {
		fsys = vfs.Default
	}

	f, err := fsys.Open(path, readOnly)
	if err != nil {
		return nil, &storeerr.Error{Op: "open", Path: path, Pos: -1, ChunkID: storeerr.NoChunk, Err: storeerr.IO(err)}
	}

	if err := lockFile(f, readOnly); err != nil {
		_ = f.Close()
		return nil, &storeerr.Error{Op: "lock", Path: path, Pos: -1, ChunkID: storeerr.NoChunk, Err: err}
	}

	size, err := f.Size()
	if err != nil {
		_ = unlockFile(f)
		_ = f.Close()
		return nil, &storeerr.Error{Op: "size", Path: path, Pos: -1, ChunkID: storeerr.NoChunk, Err: storeerr.IO(err)}
	}

	s := &FileStore{
		path:     path,
		readOnly: readOnly,
		file:     f,
		free:     NewFreeSpace(),
	}
	s.size.Store(size)
	return s, nil
}

// Path returns the file name.
func (s *FileStore) Path() string { return s.path }

// ReadOnly reports whether the file was opened read-only.
func (s *FileStore) ReadOnly() bool { return s.readOnly }

// Size returns the current file extent.
func (s *FileStore) Size() int64 { return s.size.Load() }

// FreeSpace returns the block allocation map.
func (s *FileStore) FreeSpace() *FreeSpace { return s.free }

func (s *FileStore) fail(op string, pos int64, err error) error {
	return &storeerr.Error{Op: op, Path: s.path, Pos: pos, ChunkID: storeerr.NoChunk, Err: err}
}

// ReadFully reads exactly n bytes at pos.
func (s *FileStore) ReadFully(pos int64, n int) ([]byte, error) {
	if s.closed.Load() {
		return nil, s.fail("read", pos, storeerr.ErrClosed)
	}
	if pos < 0 || n < 0 {
		return nil, s.fail("read", pos, storeerr.Corrupt("negative range (%d bytes)", n))
	}
	buf := make([]byte, n)
	got, err := s.file.ReadAt(buf, pos)
	s.readCount.Add(1)
	s.readBytes.Add(int64(got))
	if got < n {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, s.fail("read", pos, storeerr.IO(err))
	}
	return buf, nil
}

// WriteFully writes all of data at pos.
func (s *FileStore) WriteFully(pos int64, data []byte) error {
	if s.closed.Load() {
		return s.fail("write", pos, storeerr.ErrClosed)
	}
	if s.readOnly {
		return s.fail("write", pos, storeerr.ErrReadOnly)
	}
	n, err := s.file.WriteAt(data, pos)
	s.writeCount.Add(1)
	s.writeBytes.Add(int64(n))
	if err == nil && n < len(data) {
		err = errors.New("short write")
	}
	if err != nil {
		return s.fail("write", pos, storeerr.IO(err))
	}
	end := pos + int64(len(data))
	for {
		cur := s.size.Load()
		if end <= cur || s.size.CompareAndSwap(cur, end) {
			return nil
		}
	}
}

// Sync flushes written data to stable storage.
func (s *FileStore) Sync() error {
	if s.closed.Load() {
		return s.fail("sync", -1, storeerr.ErrClosed)
	}
	if s.readOnly {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return s.fail("sync", -1, storeerr.IO(err))
	}
	return nil
}

// Truncate cuts the file to size bytes.
func (s *FileStore) Truncate(size int64) error {
	if s.closed.Load() {
		return s.fail("truncate", size, storeerr.ErrClosed)
	}
	if s.readOnly {
		return s.fail("truncate", size, storeerr.ErrReadOnly)
	}
	s.writeCount.Add(1)
	if err := s.file.Truncate(size); err != nil {
		return s.fail("truncate", size, storeerr.IO(err))
	}
	s.size.Store(size)
	return nil
}

// Stats returns the I/O counters.
func (s *FileStore) Stats() Stats {
	return Stats{
		ReadCount:  s.readCount.Load(),
		ReadBytes:  s.readBytes.Load(),
		WriteCount: s.writeCount.Load(),
		WriteBytes: s.writeBytes.Load(),
		Size:       s.size.Load(),
	}
}

// Close releases the lock and the file handle. It is idempotent.
func (s *FileStore) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		uerr := unlockFile(s.file)
		cerr := s.file.Close()
		if err := errors.Join(uerr, cerr); err != nil {
			s.closeErr = s.fail("close", -1, storeerr.IO(err))
		}
	})
	return s.closeErr
}

// ShrinkIfPossible truncates the file after the last used block.
// It reports whether the file got smaller.
func (s *FileStore) ShrinkIfPossible() (bool, error) {
	if s.readOnly {
		return false, nil
	}
	end := int64(s.free.End()) * BlockSize
	if end >= s.Size() {
		return false, nil
	}
	if err := s.Truncate(end); err != nil {
		return false, err
	}
	return true, nil
}
