package btree

import (
	"errors"
	"math"

	"github.com/hupe1980/mvstore/internal/codec"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

// Page type byte flags.
const (
	typeNode           = 1
	typeCompressedLZ4  = 2
	typeCompressedZSTD = 4
)

// pageHeaderMin is length, check value, and one byte each for map id,
// key count and type.
const pageHeaderMin = 4 + 2 + 1 + 1 + 1

const maxPageBody = 256 << 20

func pageCheck(chunkID, offset, length uint32) uint16 {
	return codec.CheckValue(chunkID) ^ codec.CheckValue(offset) ^ codec.CheckValue(length)
}

// encode appends p to w and returns its position. Every child of a node must
// already be saved.
func (p *Page[K, V]) encode(w *PageWriter) (uint64, error) {
	buf := w.buf
	start := buf.Len()
	if int64(start) > math.MaxUint32 {
		return 0, storeerr.InChunk("write page", int(w.chunkID), errors.New("chunk exceeds 4 GiB"))
	}

	buf.PutUint32(0)
	buf.PutUint16(0)
	buf.PutVarInt(int32(p.m.id))
	buf.PutVarInt(int32(len(p.keys)))
	typePos := buf.Len()
	typ := byte(p.pageType())
	buf.PutByte(typ)

	if !p.IsLeaf() {
		for _, ref := range p.children {
			pos := ref.position()
			if !codec.IsPageSaved(pos) {
				return 0, storeerr.InChunk("write page", int(w.chunkID), storeerr.Corrupt("unsaved child"))
			}
			buf.PutUint64(pos)
		}
		for _, ref := range p.children {
			buf.PutVarLong(ref.count)
		}
	}

	bodyPos := buf.Len()
	for _, k := range p.keys {
		p.m.keyType.Write(buf, k)
	}
	for _, v := range p.values {
		p.m.valueType.Write(buf, v)
	}

	if w.compression != codec.CompressionNone {
		body := buf.Bytes()[bodyPos:]
		compressed, ok, err := codec.Compress(body, w.compression)
		if err != nil {
			return 0, storeerr.InChunk("write page", int(w.chunkID), err)
		}
		if ok {
			n := len(body)
			buf.Truncate(bodyPos)
			buf.PutVarInt(int32(n))
			buf.Put(compressed)
			flag := byte(typeCompressedLZ4)
			if w.compression == codec.CompressionZSTD {
				flag = typeCompressedZSTD
			}
			buf.SetByte(typePos, typ|flag)
		}
	}

	length := buf.Len() - start
	buf.SetUint32(start, uint32(length))
	buf.SetUint16(start+4, pageCheck(w.chunkID, uint32(start), uint32(length)))
	return codec.ComposePagePos(w.chunkID, uint32(start), length, p.pageType()), nil
}

// decodePage parses the page at pos from data, which starts at the page and
// may extend past its end.
func (m *Map[K, V]) decodePage(pos uint64, data []byte) (*Page[K, V], error) {
	fail := func(format string, args ...any) error {
		return storeerr.At("read page", int64(pos), storeerr.Corrupt(format, args...))
	}

	if len(data) < pageHeaderMin {
		return nil, fail("page truncated: %d bytes", len(data))
	}
	r := codec.NewReadBuffer(data)
	length := r.Uint32()
	check := r.Uint16()
	if length < pageHeaderMin || int64(length) > int64(len(data)) {
		return nil, fail("page length %d out of range", length)
	}
	if limit := codec.PageMaxLength(pos); limit != codec.PageLarge && int(length) > limit {
		return nil, fail("page length %d exceeds position limit", length)
	}
	chunkID := codec.PageChunkID(pos)
	if want := pageCheck(chunkID, codec.PageOffset(pos), length); check != want {
		return nil, fail("check value %#x, expected %#x", check, want)
	}
	r = codec.NewReadBuffer(data[:length])
	r.Next(6)

	mapID := r.VarInt()
	keyCount := int(r.VarInt())
	typ := r.Byte()
	if err := r.Err(); err != nil {
		return nil, storeerr.At("read page", int64(pos), err)
	}
	if int(mapID) != m.id {
		return nil, fail("page of map %d, expected map %d", mapID, m.id)
	}
	if keyCount < 0 || keyCount > int(length) {
		return nil, fail("key count %d", keyCount)
	}
	node := typ&typeNode != 0
	if node != (codec.PageTypeOf(pos) == codec.PageNode) {
		return nil, fail("page type does not match position")
	}

	p := &Page[K, V]{m: m}
	p.pos.Store(pos)

	if node {
		p.children = make([]*childRef[K, V], keyCount+1)
		for i := range p.children {
			ref := &childRef[K, V]{}
			childPos := r.Uint64()
			if r.Err() == nil && !codec.IsPageSaved(childPos) {
				return nil, fail("child %d is not saved", i)
			}
			ref.pos.Store(childPos)
			p.children[i] = ref
		}
		for _, ref := range p.children {
			ref.count = r.VarLong()
			p.totalCount += ref.count
		}
	}

	if flags := typ &^ typeNode; flags != 0 {
		c := codec.CompressionLZ4
		if flags == typeCompressedZSTD {
			c = codec.CompressionZSTD
		} else if flags != typeCompressedLZ4 {
			return nil, fail("unknown page type %#x", typ)
		}
		size := int(r.VarInt())
		if err := r.Err(); err != nil {
			return nil, storeerr.At("read page", int64(pos), err)
		}
		// The compressed bytes are bounded by the page length, and with
		// them the size they can expand to.
		compressed := r.Next(r.Remaining())
		if size < 0 || size > min(maxPageBody, codec.MaxDecompressedSize(c, len(compressed))) {
			return nil, fail("uncompressed size %d for %d compressed bytes", size, len(compressed))
		}
		body, err := codec.Decompress(compressed, c, size)
		if err != nil {
			return nil, storeerr.At("read page", int64(pos), err)
		}
		r = codec.NewReadBuffer(body)
	}

	p.keys = make([]K, keyCount)
	for i := range p.keys {
		p.keys[i] = m.keyType.Read(r)
	}
	if !node {
		p.values = make([]V, keyCount)
		for i := range p.values {
			p.values[i] = m.valueType.Read(r)
		}
	}
	if err := r.Err(); err != nil {
		return nil, storeerr.At("read page", int64(pos), err)
	}
	p.recalculateMemory()
	return p, nil
}
