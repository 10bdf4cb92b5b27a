// Package filestore owns the store file: its handle, its advisory lock and
// all positional I/O.
//
// A [FileStore] reads and writes exact byte ranges, never accepting short
// transfers, and keeps monotonic operation and byte counters for
// diagnostics. Block allocation for chunks is tracked by [FreeSpace], a
// roaring bitmap of used blocks.
//
// The lock is an advisory whole-file lock: exclusive for writers, shared for
// read-only opens. It is non-blocking; a conflict fails immediately with
// [storeerr.ErrFileLocked]. The lock is tied to the open file description,
// so a second open of the same file conflicts even inside one process.
package filestore
