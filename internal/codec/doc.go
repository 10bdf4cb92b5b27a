// Package codec implements the binary and textual encodings of the store file.
//
// It covers:
//
//   - LEB128 variable-length ints and longs ([AppendVarInt], [VarInt], ...)
//   - bit-packed page positions ([ComposePagePos], [DecodePagePos])
//   - key:value metadata text used by chunk headers, footers and the layout map
//   - [WriteBuffer] and [ReadBuffer] for page serialization
//   - LZ4 and ZSTD compression of page bodies
//
// # Position layout
//
//	bits 38..63  chunk id (26 bits)
//	bits  6..37  offset within the chunk (32 bits)
//	bits  1..5   length code
//	bit   0      page type (0 = leaf, 1 = node)
//
// Position 0 denotes a page that has never been saved. Decoding never panics:
// truncated or malformed input yields an error wrapping
// [storeerr.ErrInvalidEncoding].
package codec
