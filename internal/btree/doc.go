// Package btree implements the copy-on-write B-tree behind every map of a store.
//
// A Map publishes its tree through an atomically swapped RootReference.
// Mutations copy the path from the changed leaf to the root and share every
// other page with the previous root, so a RootReference captured by a reader
// is an immutable snapshot that needs no locks.
//
// Pages have a position of 0 while they only exist in memory. A commit
// serializes the unsaved part of each tree post-order through a PageWriter,
// which assigns every page its position in the new chunk. Saved pages are
// loaded on demand through the Storage the store provides, which caches
// decoded pages by position.
//
// Writers race on a compare-and-swap of the root. A writer that lost three
// times locks the root for its next attempt so that it cannot starve; after
// Config.MaxUpdateAttempts the operation fails with
// storeerr.ErrConcurrentModification.
package btree
