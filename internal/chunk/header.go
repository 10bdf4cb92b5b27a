package chunk

import (
	"time"

	"github.com/hupe1980/mvstore/internal/codec"
	"github.com/hupe1980/mvstore/internal/filestore"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

const (
	// FormatWrite is the file format version written by this engine.
	FormatWrite = 1

	// FormatRead is the newest file format version this engine reads.
	FormatRead = 1

	headerMagic = "2"
)

// StoreHeader is the superblock stored in each of the first two blocks.
type StoreHeader struct {
	Chunk   int    // id of the newest chunk, 0 if none
	Block   uint64 // first block of that chunk
	Version uint64 // version of that chunk
	Created int64  // unix ms
	Format  int
}

// Bytes returns the header padded to one block.
func (h StoreHeader) Bytes() []byte {
	b := codec.AppendMap(nil, "H", headerMagic)
	b = codec.AppendMapHex(b, "block", h.Block)
	b = codec.AppendMapHex(b, "blockSize", filestore.BlockSize)
	b = codec.AppendMapHex(b, "chunk", uint64(h.Chunk))
	b = codec.AppendMapHex(b, "created", uint64(h.Created))
	b = codec.AppendMapHex(b, "format", uint64(h.Format))
	b = codec.AppendMapHex(b, "version", h.Version)
	b = codec.AppendChecksum(b)
	b = append(b, '\n')
	out := make([]byte, filestore.BlockSize)
	copy(out, b)
	return out
}

// CreatedAt returns the creation time.
func (h StoreHeader) CreatedAt() time.Time { return time.UnixMilli(h.Created) }

// ParseStoreHeader reads a store header block.
func ParseStoreHeader(buf []byte) (StoreHeader, error) {
	m, err := codec.ParseChecksummedMap(firstLine(buf))
	if err != nil {
		return StoreHeader{}, err
	}
	if m["H"] != headerMagic {
		return StoreHeader{}, storeerr.Metadata("not a store header")
	}
	r := attrReader{m: m}
	h := StoreHeader{
		Chunk:   r.int("chunk", 0),
		Block:   uint64(r.long("block", 0)),
		Version: uint64(r.long("version", 0)),
		Created: r.long("created", 0),
		Format:  r.int("format", 1),
	}
	blockSize := r.long("blockSize", filestore.BlockSize)
	if r.err != nil {
		return StoreHeader{}, r.err
	}
	if h.Format > FormatRead {
		return StoreHeader{}, storeerr.E("read header", storeerr.ErrUnsupportedFormat)
	}
	if blockSize != filestore.BlockSize {
		return StoreHeader{}, storeerr.E("read header", storeerr.ErrUnsupportedFormat)
	}
	return h, nil
}
