package mvstore

import (
	"github.com/hupe1980/mvstore/internal/storeerr"
)

var (
	// ErrIoFailure is returned when a read, write, open or sync of the store
	// file failed. The OS error is reachable through errors.Unwrap.
	ErrIoFailure = storeerr.ErrIoFailure

	// ErrFileLocked is returned when the file is locked by another process or
	// already open in this one.
	ErrFileLocked = storeerr.ErrFileLocked

	// ErrCorruptStore is returned when stored data cannot be decoded or refers
	// to chunks that do not exist.
	ErrCorruptStore = storeerr.ErrCorruptStore

	// ErrInvalidEncoding wraps ErrCorruptStore for malformed binary data.
	ErrInvalidEncoding = storeerr.ErrInvalidEncoding

	// ErrCorruptMetadata wraps ErrInvalidEncoding for malformed metadata text.
	ErrCorruptMetadata = storeerr.ErrCorruptMetadata

	// ErrConcurrentModification is returned when a map update lost too many races.
	ErrConcurrentModification = storeerr.ErrConcurrentModification

	// ErrUnsupportedFormat is returned for files written in an unknown format.
	ErrUnsupportedFormat = storeerr.ErrUnsupportedFormat

	// ErrClosed is returned by operations on a closed store or map.
	ErrClosed = storeerr.ErrClosed

	// ErrReadOnly is returned by writes to a store opened read-only.
	ErrReadOnly = storeerr.ErrReadOnly

	// ErrUnknownDataType is returned when a persisted data type name is not registered.
	ErrUnknownDataType = storeerr.ErrUnknownDataType

	// ErrTypeMismatch is returned when a map is opened with other data types
	// than it was created with.
	ErrTypeMismatch = storeerr.ErrTypeMismatch

	// ErrUnknownVersion is returned when a version is no longer retained.
	ErrUnknownVersion = storeerr.ErrUnknownVersion
)

// Error carries the operation, file, position and chunk an error occurred at.
// Use errors.As to inspect it and errors.Is to test its kind.
type Error = storeerr.Error
