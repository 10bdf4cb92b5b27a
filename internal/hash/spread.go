package hash

// Spread64 mixes the bits of a 64-bit key into a 32-bit hash whose high bits
// are well distributed, so they can select a cache segment.
func Spread64(key uint64) uint32 {
	h := uint32(key>>32) ^ uint32(key)
	h = ((h >> 16) ^ h) * 0x45d9f3b
	h = ((h >> 16) ^ h) * 0x45d9f3b
	return (h >> 16) ^ h
}
