package codec

import (
	"slices"
	"strconv"
	"strings"

	"github.com/hupe1980/mvstore/internal/hash"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

// ChecksumKey is the attribute that closes a checksummed map.
const ChecksumKey = "crc"

// AppendMap appends key:value to b, separated from earlier entries by a comma.
// Values containing a comma, quote or backslash are quoted, keys also when
// they contain a colon.
func AppendMap(b []byte, key, value string) []byte {
	if len(b) > 0 {
		b = append(b, ',')
	}
	b = appendField(b, key, ":,\"\\")
	b = append(b, ':')
	return appendField(b, value, ",\"\\")
}

func appendField(b []byte, s, special string) []byte {
	if !strings.ContainsAny(s, special) {
		return append(b, s...)
	}
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || c == '"' {
			b = append(b, '\\')
		}
		b = append(b, c)
	}
	return append(b, '"')
}

// AppendMapHex appends key with v formatted as lowercase hex.
func AppendMapHex(b []byte, key string, v uint64) []byte {
	return AppendMap(b, key, strconv.FormatUint(v, 16))
}

// FormatMap formats m with keys in sorted order.
func FormatMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b []byte
	for _, k := range keys {
		b = AppendMap(b, k, m[k])
	}
	return string(b)
}

// ParseMap parses text produced by AppendMap or FormatMap.
func ParseMap(s string) (map[string]string, error) {
	m := make(map[string]string)
	for i := 0; i < len(s); {
		key, next, err := parseField(s, i, ':')
		if err != nil {
			return nil, err
		}
		if next == len(s) || s[next] != ':' {
			return nil, storeerr.Metadata("not a map: missing colon in %q", s)
		}
		value, next, err := parseField(s, next+1, ',')
		if err != nil {
			return nil, err
		}
		m[key] = value
		i = next
		if i < len(s) {
			// Skip the comma.
			i++
		}
	}
	return m, nil
}

// parseField reads s from i up to the first unquoted stop byte and returns
// the unquoted text and the index of the stop byte, or len(s).
func parseField(s string, i int, stop byte) (string, int, error) {
	var b strings.Builder
	for i < len(s) {
		c := s[i]
		switch c {
		case stop:
			return b.String(), i, nil
		case '"':
			i++
			closed := false
			for i < len(s) {
				c = s[i]
				i++
				if c == '\\' {
					if i == len(s) {
						return "", 0, storeerr.Metadata("not a map: dangling escape in %q", s)
					}
					c = s[i]
					i++
				} else if c == '"' {
					closed = true
					break
				}
				b.WriteByte(c)
			}
			if !closed {
				return "", 0, storeerr.Metadata("not a map: unterminated quote in %q", s)
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), i, nil
}

// AppendChecksum appends the CRC32C of b as the final crc attribute.
func AppendChecksum(b []byte) []byte {
	return AppendMapHex(b, ChecksumKey, uint64(hash.CRC32C(b)))
}

// ParseChecksummedMap parses s, verifies its trailing crc attribute and
// returns the map without it.
func ParseChecksummedMap(s string) (map[string]string, error) {
	idx := strings.LastIndex(s, ","+ChecksumKey+":")
	if idx < 0 {
		return nil, storeerr.Metadata("missing checksum")
	}
	m, err := ParseMap(s)
	if err != nil {
		return nil, err
	}
	want, err := HexLong(m, ChecksumKey, -1)
	if err != nil {
		return nil, err
	}
	if got := int64(hash.CRC32CString(s[:idx])); got != want {
		return nil, storeerr.Metadata("checksum mismatch: got %x, want %x", got, want)
	}
	delete(m, ChecksumKey)
	return m, nil
}

// HexLong reads a hex attribute, returning def if it is absent.
func HexLong(m map[string]string, key string, def int64) (int64, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	u, err := strconv.ParseUint(v, 16, 64)
	if err != nil {
		return 0, storeerr.Metadata("attribute %s: not a hex number: %q", key, v)
	}
	return int64(u), nil
}

// HexInt reads a hex attribute that must fit in 32 bits.
func HexInt(m map[string]string, key string, def int) (int, error) {
	if _, ok := m[key]; !ok {
		return def, nil
	}
	v, err := HexLong(m, key, 0)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 0xffffffff {
		return 0, storeerr.Metadata("attribute %s: out of range: %x", key, v)
	}
	return int(v), nil
}
