package hash

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the checksum stored in the crc attribute of store headers,
// chunk headers and chunk footers. It covers every byte of the metadata text
// before the ",crc:" separator.
func CRC32C(text []byte) uint32 {
	return crc32.Update(0, castagnoli, text)
}

// CRC32CString is CRC32C for metadata text read back as a string.
func CRC32CString(text string) uint32 {
	return crc32.Update(0, castagnoli, []byte(text))
}
