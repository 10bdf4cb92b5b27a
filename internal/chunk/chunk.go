package chunk

import (
	"encoding/hex"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/mvstore/internal/codec"
	"github.com/hupe1980/mvstore/internal/filestore"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

const (
	// HeaderLength is the space reserved for the header at the start of a chunk.
	HeaderLength = 512

	// FooterLength is the size of the footer at the end of a chunk.
	FooterLength = 128

	// MaxHeaderLength bounds the bytes read to find a chunk header.
	MaxHeaderLength = 1024
)

// Chunk is the metadata of one chunk.
type Chunk struct {
	ID      int
	Version uint64

	// LayoutRoot is the position of the layout map root written in this chunk.
	LayoutRoot uint64

	// MapID is the highest map id allocated when the chunk was written.
	MapID int

	Block uint64 // first block
	Len   uint64 // length in blocks
	Next  uint64 // predicted block of the following chunk

	Pages     int
	LivePages int
	Max       int64 // sum of the maximum lengths of all pages
	LiveMax   int64 // same, for live pages only

	Time            int64 // ms since the store was created
	Unused          int64 // ms since creation when the chunk lost its last live page
	UnusedAtVersion uint64

	// Occupancy holds the offsets of dead pages.
	Occupancy *roaring.Bitmap
}

// MetaKey returns the layout key of chunk id.
func MetaKey(id int) string { return "chunk." + strconv.FormatUint(uint64(id), 16) }

// RootKey returns the layout key holding the root position of a map.
func RootKey(mapID int) string { return "root." + strconv.FormatUint(uint64(mapID), 16) }

// MapKey returns the layout key holding the metadata of a map.
func MapKey(mapID int) string { return "map." + strconv.FormatUint(uint64(mapID), 16) }

// NameKey returns the layout key mapping a map name to its id.
func NameKey(name string) string { return "name." + name }

// Start returns the file position of the chunk.
func (c *Chunk) Start() int64 { return int64(c.Block) * filestore.BlockSize }

// Size returns the chunk length in bytes.
func (c *Chunk) Size() int64 { return int64(c.Len) * filestore.BlockSize }

// FooterPos returns the file position of the footer.
func (c *Chunk) FooterPos() int64 { return c.Start() + c.Size() - FooterLength }

// IsLive reports whether any page of the chunk is still referenced.
func (c *Chunk) IsLive() bool { return c.LivePages > 0 }

// FillRate returns the live share of the chunk in percent, from 0 to 100.
func (c *Chunk) FillRate() int {
	switch {
	case c.Max <= 0:
		return 0
	case c.Max == c.LiveMax:
		return 100
	default:
		return 1 + int(98*c.LiveMax/c.Max)
	}
}

// RemovePage accounts a page of this chunk as no longer referenced.
func (c *Chunk) RemovePage(pos uint64) error {
	offset := codec.PageOffset(pos)
	if c.Occupancy == nil {
		c.Occupancy = roaring.New()
	}
	if !c.Occupancy.CheckedAdd(offset) {
		return storeerr.InChunk("remove page", c.ID, storeerr.Corrupt("page at offset %d removed twice", offset))
	}
	c.LivePages--
	c.LiveMax -= int64(codec.PageMaxLength(pos))
	return nil
}

// Clone returns a deep copy.
func (c *Chunk) Clone() *Chunk {
	cp := *c
	if c.Occupancy != nil {
		cp.Occupancy = c.Occupancy.Clone()
	}
	return &cp
}

// String formats the full metadata stored in the layout map.
func (c *Chunk) String() string {
	b := c.appendHeader(nil)
	if c.LiveMax != c.Max {
		b = codec.AppendMapHex(b, "liveMax", uint64(c.LiveMax))
	}
	if c.LivePages != c.Pages {
		b = codec.AppendMapHex(b, "livePages", uint64(c.LivePages))
	}
	if c.Unused != 0 {
		b = codec.AppendMapHex(b, "unused", uint64(c.Unused))
		b = codec.AppendMapHex(b, "unusedAtVersion", c.UnusedAtVersion)
	}
	if c.Occupancy != nil && !c.Occupancy.IsEmpty() {
		if raw, err := c.Occupancy.ToBytes(); err == nil {
			b = codec.AppendMap(b, "occupancy", hex.EncodeToString(raw))
		}
	}
	return string(b)
}

func (c *Chunk) appendHeader(b []byte) []byte {
	b = codec.AppendMapHex(b, "chunk", uint64(c.ID))
	b = codec.AppendMapHex(b, "block", c.Block)
	b = codec.AppendMapHex(b, "len", c.Len)
	b = codec.AppendMapHex(b, "map", uint64(c.MapID))
	b = codec.AppendMapHex(b, "max", uint64(c.Max))
	b = codec.AppendMapHex(b, "next", c.Next)
	b = codec.AppendMapHex(b, "pages", uint64(c.Pages))
	b = codec.AppendMapHex(b, "root", c.LayoutRoot)
	b = codec.AppendMapHex(b, "time", uint64(c.Time))
	b = codec.AppendMapHex(b, "version", c.Version)
	return b
}

// Header returns the chunk header padded to HeaderLength.
func (c *Chunk) Header() []byte {
	return pad(codec.AppendChecksum(c.appendHeader(nil)), HeaderLength)
}

// Footer returns the chunk footer.
func (c *Chunk) Footer() []byte {
	b := codec.AppendMapHex(nil, "chunk", uint64(c.ID))
	b = codec.AppendMapHex(b, "block", c.Block)
	b = codec.AppendMapHex(b, "version", c.Version)
	return pad(codec.AppendChecksum(b), FooterLength)
}

// pad fills b with spaces to n-1 bytes and terminates it with a newline.
func pad(b []byte, n int) []byte {
	for len(b) < n-1 {
		b = append(b, ' ')
	}
	return append(b, '\n')
}

// Parse reads chunk metadata written by String.
func Parse(s string) (*Chunk, error) {
	m, err := codec.ParseMap(s)
	if err != nil {
		return nil, err
	}
	return FromMap(m)
}

// ParseHeader reads a chunk header from the start of buf.
func ParseHeader(buf []byte) (*Chunk, error) {
	m, err := codec.ParseChecksummedMap(firstLine(buf))
	if err != nil {
		return nil, err
	}
	return FromMap(m)
}

// Footer is the identity stored at the end of a chunk.
type Footer struct {
	ID      int
	Block   uint64
	Version uint64
}

// ParseFooter reads a chunk footer.
func ParseFooter(buf []byte) (Footer, error) {
	m, err := codec.ParseChecksummedMap(firstLine(buf))
	if err != nil {
		return Footer{}, err
	}
	r := attrReader{m: m}
	f := Footer{
		ID:      r.int("chunk", -1),
		Block:   uint64(r.long("block", 0)),
		Version: uint64(r.long("version", 0)),
	}
	if r.err != nil {
		return Footer{}, r.err
	}
	if f.ID < 0 {
		return Footer{}, storeerr.Metadata("footer without chunk id")
	}
	return f, nil
}

// Matches reports whether the footer belongs to c.
func (f Footer) Matches(c *Chunk) bool {
	return f.ID == c.ID && f.Block == c.Block && f.Version == c.Version
}

func firstLine(buf []byte) string {
	for i, b := range buf {
		if b == '\n' {
			return trimRight(buf[:i])
		}
	}
	return trimRight(buf)
}

func trimRight(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}

// FromMap builds chunk metadata from parsed attributes.
func FromMap(m map[string]string) (*Chunk, error) {
	r := attrReader{m: m}
	c := &Chunk{
		ID:              r.int("chunk", -1),
		Block:           uint64(r.long("block", 0)),
		Len:             uint64(r.long("len", 0)),
		MapID:           r.int("map", 0),
		Max:             r.long("max", 0),
		Next:            uint64(r.long("next", 0)),
		Pages:           r.int("pages", 0),
		LayoutRoot:      uint64(r.long("root", 0)),
		Time:            r.long("time", 0),
		Version:         uint64(r.long("version", 0)),
		Unused:          r.long("unused", 0),
		UnusedAtVersion: uint64(r.long("unusedAtVersion", 0)),
	}
	c.LivePages = r.int("livePages", c.Pages)
	c.LiveMax = r.long("liveMax", c.Max)
	if r.err != nil {
		return nil, r.err
	}
	if c.ID < 0 || c.ID > codec.MaxChunkID {
		return nil, storeerr.Metadata("invalid chunk id %d", c.ID)
	}
	if c.LayoutRoot != 0 && int(codec.PageChunkID(c.LayoutRoot)) != c.ID {
		return nil, storeerr.InChunk("parse", c.ID, storeerr.Corrupt("layout root %x points into chunk %d", c.LayoutRoot, codec.PageChunkID(c.LayoutRoot)))
	}

	if s, ok := m["occupancy"]; ok {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, storeerr.Metadata("chunk %d: occupancy is not hex", c.ID)
		}
		c.Occupancy = roaring.New()
		if err := c.Occupancy.UnmarshalBinary(raw); err != nil {
			return nil, storeerr.Metadata("chunk %d: occupancy: %v", c.ID, err)
		}
		if dead := int(c.Occupancy.GetCardinality()); dead != c.Pages-c.LivePages {
			return nil, storeerr.InChunk("parse", c.ID, storeerr.Corrupt("inconsistent occupancy: %d dead pages, expected %d", dead, c.Pages-c.LivePages))
		}
	}
	return c, nil
}

type attrReader struct {
	m   map[string]string
	err error
}

func (r *attrReader) long(key string, def int64) int64 {
	if r.err != nil {
		return 0
	}
	v, err := codec.HexLong(r.m, key, def)
	r.err = err
	return v
}

func (r *attrReader) int(key string, def int) int {
	if r.err != nil {
		return 0
	}
	v, err := codec.HexInt(r.m, key, def)
	r.err = err
	return v
}
