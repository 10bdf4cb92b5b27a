package codec

import "math/bits"

// PageType distinguishes leaf pages from internal node pages.
type PageType uint8

const (
	PageLeaf PageType = 0
	PageNode PageType = 1
)

func (t PageType) String() string {
	if t == PageNode {
		return "node"
	}
	return "leaf"
}

const (
	// ChunkIDBits is the width of the chunk id field of a position.
	ChunkIDBits = 26

	// MaxChunkID is the largest chunk id a position can address.
	MaxChunkID = 1<<ChunkIDBits - 1

	// PageLarge is the read size used for pages whose length code is 31.
	PageLarge = 2 * 1024 * 1024

	// Unsaved is the position of a page that only exists in memory.
	Unsaved uint64 = 0

	// RemovedUnsaved marks an in-memory page that was superseded before it was saved.
	RemovedUnsaved uint64 = 1

	largeCode = 31
)

// ComposePagePos packs a page location into a position.
func ComposePagePos(chunkID uint32, offset uint32, length int, typ PageType) uint64 {
	pos := uint64(chunkID&MaxChunkID) << 38
	pos |= uint64(offset) << 6
	pos |= uint64(EncodeLength(length)) << 1
	pos |= uint64(typ & 1)
	return pos
}

// DecodePagePos unpacks a position.
func DecodePagePos(pos uint64) (chunkID uint32, offset uint32, lengthCode uint8, typ PageType) {
	return PageChunkID(pos), PageOffset(pos), uint8(pos>>1) & 31, PageTypeOf(pos)
}

// PageChunkID returns the chunk id of a position.
func PageChunkID(pos uint64) uint32 { return uint32(pos >> 38) }

// PageOffset returns the offset of a page within its chunk.
func PageOffset(pos uint64) uint32 { return uint32(pos >> 6) }

// PageTypeOf returns the page type stored in a position.
func PageTypeOf(pos uint64) PageType { return PageType(pos & 1) }

// PageMaxLength returns the upper bound of the page length encoded in pos.
func PageMaxLength(pos uint64) int { return DecodeLength(int(pos>>1) & 31) }

// IsPageSaved reports whether pos refers to a page on disk.
func IsPageSaved(pos uint64) bool { return pos&^1 != 0 }

// EncodeLength returns the smallest length code whose maximum covers n.
func EncodeLength(n int) int {
	if n <= 32 {
		return 0
	}
	code := bits.LeadingZeros32(uint32(n))
	remaining := uint32(n) << (code + 1)
	code += code
	if remaining&(1<<31) != 0 {
		code--
	}
	if remaining<<1 != 0 {
		code--
	}
	return min(largeCode, 52-code)
}

// DecodeLength returns the maximum page length for a length code.
func DecodeLength(code int) int {
	if code == largeCode {
		return PageLarge
	}
	return (2 + (code & 1)) << ((code >> 1) + 4)
}

// CheckValue folds x into the 16-bit value stored in page headers.
func CheckValue(x uint32) uint16 {
	return uint16((x >> 16) ^ x)
}
