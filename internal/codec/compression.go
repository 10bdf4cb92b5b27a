package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/mvstore/internal/storeerr"
)

// Compression selects the algorithm used for page bodies.
type Compression uint8

const (
	// CompressionNone stores page bodies as is.
	CompressionNone Compression = 0
	// CompressionLZ4 favours speed.
	CompressionLZ4 Compression = 1
	// CompressionZSTD favours ratio.
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Compress compresses data and reports whether the result is worth storing.
// It returns false when compression is off or saves less than an eighth.
func Compress(data []byte, c Compression) ([]byte, bool, error) {
	if c == CompressionNone || len(data) == 0 {
		return nil, false, nil
	}

	var out []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, false, err
		}
		if n == 0 {
			return nil, false, nil // incompressible
		}
		out = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		out = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, false, fmt.Errorf("%w: %s", storeerr.ErrUnsupportedFormat, c)
	}

	if len(out) > len(data)-len(data)/8 {
		return nil, false, nil
	}
	return out, true, nil
}

// Expansion limits of the compressed formats. An LZ4 length byte adds at
// most 255 output bytes; the smallest zstd block is a 4-byte RLE block of
// up to 128 KiB.
const (
	lz4MaxRatio  = 255
	zstdMaxRatio = (128 << 10) / 4
)

// MaxDecompressedSize returns the largest output n compressed bytes can
// expand to.
func MaxDecompressedSize(c Compression, n int) int {
	switch c {
	case CompressionLZ4:
		return n*lz4MaxRatio + 16
	case CompressionZSTD:
		return n * zstdMaxRatio
	default:
		return n
	}
}

// Decompress restores size bytes from data. Sizes data cannot expand to are
// rejected before anything is allocated.
func Decompress(data []byte, c Compression, size int) ([]byte, error) {
	if size < 0 || size > MaxDecompressedSize(c, len(data)) {
		return nil, storeerr.Encoding("%s: %d bytes cannot expand to %d", c, len(data), size)
	}
	out := make([]byte, size)
	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, storeerr.Encoding("lz4: %v", err)
		}
		if n != size {
			return nil, storeerr.Encoding("lz4: decompressed %d bytes, want %d", n, size)
		}
		return out, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		decoded, err := dec.DecodeAll(data, out[:0])
		if err != nil {
			return nil, storeerr.Encoding("zstd: %v", err)
		}
		if len(decoded) != size {
			return nil, storeerr.Encoding("zstd: decompressed %d bytes, want %d", len(decoded), size)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: %s", storeerr.ErrUnsupportedFormat, c)
	}
}
