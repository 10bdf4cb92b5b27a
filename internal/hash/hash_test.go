package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C(t *testing.T) {
	// Known answer for the Castagnoli polynomial.
	assert.Equal(t, uint32(0xe3069283), CRC32C([]byte("123456789")))

	assert.Equal(t, CRC32C([]byte("chunk:1,block:2")), CRC32CString("chunk:1,block:2"))
	assert.Equal(t, uint32(0), CRC32C(nil))
}

func TestSpread64(t *testing.T) {
	assert.Equal(t, uint32(0), Spread64(0))

	// Positions that differ only in the chunk id land in different top nibbles often enough.
	seen := make(map[uint32]bool)
	for chunk := uint64(1); chunk <= 64; chunk++ {
		seen[Spread64(chunk<<38)>>28] = true
	}
	assert.Greater(t, len(seen), 8)
}
