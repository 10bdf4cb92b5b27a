// Package hash provides the checksums and hash mixing used by the store.
//
// # CRC32-Castagnoli (CRC32C)
//
// Store headers, chunk headers and chunk footers are protected by CRC32C,
// which is hardware accelerated on x86 (SSE4.2) and ARM (CRC extension):
//
//	checksum := hash.CRC32C(data)
//
// # Key spreading
//
// [Spread64] turns page positions, whose low bits are mostly offsets and
// length codes, into hashes suitable for picking a cache segment from the
// high bits.
package hash
