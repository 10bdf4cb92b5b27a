package storeerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIoFailure is returned when an underlying read, write, open or sync failed.
	ErrIoFailure = errors.New("io failure")

	// ErrFileLocked is returned when another process holds a conflicting lock.
	ErrFileLocked = errors.New("file locked")

	// ErrCorruptStore is returned when a page, chunk or metadata record cannot be decoded,
	// or when a position references an unknown or retired chunk.
	ErrCorruptStore = errors.New("corrupt store")

	// ErrInvalidEncoding is returned for malformed variable-length numbers or buffers.
	ErrInvalidEncoding = fmt.Errorf("%w: invalid encoding", ErrCorruptStore)

	// ErrCorruptMetadata is returned for malformed key:value metadata text.
	ErrCorruptMetadata = fmt.Errorf("%w: corrupt metadata", ErrInvalidEncoding)

	// ErrConcurrentModification is returned when a root update exceeded its retry bound.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrUnsupportedFormat is returned when the on-disk format is not readable by this engine.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrClosed is returned when operating on a closed store or file.
	ErrClosed = errors.New("store closed")

	// ErrReadOnly is returned when writing to a store opened read-only.
	ErrReadOnly = errors.New("store is read-only")

	// ErrUnknownDataType is returned when a map's persisted data type is not registered.
	ErrUnknownDataType = errors.New("unknown data type")

	// ErrTypeMismatch is returned when a map is opened with data types other than
	// the ones it was created with.
	ErrTypeMismatch = errors.New("data type mismatch")

	// ErrUnknownVersion is returned when a requested version is no longer retained.
	ErrUnknownVersion = errors.New("unknown version")
)

// NoChunk marks an Error that does not refer to a chunk.
const NoChunk = -1

// Error wraps an error kind with the context it occurred in.
type Error struct {
	Op      string
	Path    string
	Pos     int64
	ChunkID int
	Err     error
}

// E builds an Error for op without file position or chunk.
func E(op string, err error) *Error {
	return &Error{Op: op, Pos: -1, ChunkID: NoChunk, Err: err}
}

// At builds an Error for op at a file or page position.
func At(op string, pos int64, err error) *Error {
	return &Error{Op: op, Pos: pos, ChunkID: NoChunk, Err: err}
}

// InChunk builds an Error for op inside chunk id.
func InChunk(op string, id int, err error) *Error {
	return &Error{Op: op, Pos: -1, ChunkID: id, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.ChunkID != NoChunk {
		fmt.Fprintf(&b, " chunk %d", e.ChunkID)
	}
	if e.Pos >= 0 {
		fmt.Fprintf(&b, " pos %d", e.Pos)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Corrupt returns an ErrCorruptStore error with a formatted message.
func Corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptStore, fmt.Sprintf(format, args...))
}

// Encoding returns an ErrInvalidEncoding error with a formatted message.
func Encoding(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEncoding, fmt.Sprintf(format, args...))
}

// Metadata returns an ErrCorruptMetadata error with a formatted message.
func Metadata(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptMetadata, fmt.Sprintf(format, args...))
}

// IO wraps an OS error as ErrIoFailure, keeping the OS error reachable.
func IO(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrIoFailure, err)
}
