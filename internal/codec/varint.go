package codec

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/hupe1980/mvstore/internal/storeerr"
)

const (
	// CompressedVarIntMax is the largest int that encodes in at most 3 bytes.
	CompressedVarIntMax = 0x1fffff

	// CompressedVarLongMax is the largest long that encodes in at most 7 bytes.
	CompressedVarLongMax = 0x1ffffffffffff

	// MaxVarIntLen is the maximum encoded length of a 32-bit value.
	MaxVarIntLen = 5

	// MaxVarLongLen is the maximum encoded length of a 64-bit value.
	MaxVarLongLen = binary.MaxVarintLen64
)

// AppendVarInt appends the variable-length encoding of v.
// Negative values are encoded as their unsigned 32-bit pattern and take 5 bytes.
func AppendVarInt(dst []byte, v int32) []byte {
	return binary.AppendUvarint(dst, uint64(uint32(v)))
}

// AppendVarLong appends the variable-length encoding of v.
// Negative values take 10 bytes.
func AppendVarLong(dst []byte, v int64) []byte {
	return binary.AppendUvarint(dst, uint64(v))
}

// VarInt decodes a variable-length int from src and returns it with the
// number of bytes consumed.
func VarInt(src []byte) (int32, int, error) {
	u, n := binary.Uvarint(src)
	switch {
	case n == 0:
		return 0, 0, storeerr.Encoding("truncated var int")
	case n < 0 || n > MaxVarIntLen || u > math.MaxUint32:
		return 0, 0, storeerr.Encoding("var int overflow")
	}
	return int32(uint32(u)), n, nil
}

// VarLong decodes a variable-length long from src and returns it with the
// number of bytes consumed.
func VarLong(src []byte) (int64, int, error) {
	u, n := binary.Uvarint(src)
	switch {
	case n == 0:
		return 0, 0, storeerr.Encoding("truncated var long")
	case n < 0:
		return 0, 0, storeerr.Encoding("var long overflow")
	}
	return int64(u), n, nil
}

// VarIntLen returns the encoded length of v.
func VarIntLen(v int32) int {
	return uvarintLen(uint64(uint32(v)))
}

// VarLongLen returns the encoded length of v.
func VarLongLen(v int64) int {
	return uvarintLen(uint64(v))
}

func uvarintLen(u uint64) int {
	if u == 0 {
		return 1
	}
	return (bits.Len64(u) + 6) / 7
}
