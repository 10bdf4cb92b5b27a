// Package fs provides the filesystem abstraction the store file is opened through.
//
//   - [File]: an open file with positional reads and writes, sync, truncate
//     and access to the descriptor for advisory locking
//   - [FileSystem]: open for read-write or read-only, remove, rename,
//     existence checks and directory creation
//
// [LocalFS] is the production implementation. [FaultyFS] wraps another
// FileSystem and injects write, read, sync and close failures for files
// matching a name pattern:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".mv.db", fs.Fault{FailAfterBytes: 8192})
//
// Operations take no context.Context: local file I/O is not interruptible
// at the syscall level.
package fs
