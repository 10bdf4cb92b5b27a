// Package mvstore provides an embedded, multi-version key-value store for Go.
//
// A store is a single file holding any number of named, ordered maps. Maps
// are copy-on-write B-trees: readers work on immutable snapshots and never
// block, writers publish new roots with compare-and-swap. A commit writes all
// changes since the previous commit into a new chunk at the end of the file,
// so the file always holds a consistent version.
//
// # Quick Start
//
//	s, _ := mvstore.Open(mvstore.DefaultConfig("data.mv.db"))
//	defer s.Close()
//
//	m, _ := mvstore.OpenMap(s, "users", mvstore.LongType{}, mvstore.StringType{})
//	m.Put(1, "alice")
//	s.Commit()
//
// # Snapshots
//
// A snapshot keeps answering queries for the version it was taken at, while
// the map changes:
//
//	snap := m.Snapshot()
//	m.Put(2, "bob")
//	snap.ContainsKey(2) // false
//
// Snapshots of committed versions stay readable from disk as long as their
// chunks are not reclaimed. RegisterVersionUsage pins the last committed
// version until the returned VersionUsage is released.
//
// # Durability Model
//
//	m.Put(3, "carol")  // in memory
//	s.Commit()         // durable after this
//
// With AutoCommitDelay set, a background writer commits periodically and
// whenever the unsaved memory exceeds AutoCommitBufferSize. Close commits
// pending changes. Rollback discards everything since the last commit.
//
// A commit that fails to write closes the store. The file keeps the last
// committed version and is recovered on the next Open.
//
// # Space Reclamation
//
// Chunks whose pages are all replaced are dropped from the file after
// RetentionTime. Compact rewrites the live pages of sparsely filled chunks,
// and CompactFile rewrites a closed store into a new file.
//
// # Data Types
//
// Keys and values are encoded by a DataType. LongType, IntType, StringType
// and BytesType are built in; custom types are registered with RegisterType
// so that compaction and the mvstore tool can open maps using them.
package mvstore
