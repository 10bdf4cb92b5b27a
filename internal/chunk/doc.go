// Package chunk describes the versioned segments of the store file.
//
// A chunk is written once, in one commit, and never modified afterwards;
// only its liveness accounting changes as the pages it holds are superseded.
// Chunk metadata is persisted as key:value text in the layout map under
// chunk.<hex id>, next to the root.<hex map id> root positions.
//
// On disk a chunk is laid out as
//
//	[header, HeaderLength bytes][pages ...][padding][footer, FooterLength bytes]
//
// spanning a whole number of blocks. The header and footer both carry a
// CRC32C. The file itself starts with two store headers, one per block,
// pointing at the newest chunk.
package chunk
