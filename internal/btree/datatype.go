package btree

import (
	"bytes"
	"cmp"
	"fmt"
	"sync"

	"github.com/hupe1980/mvstore/internal/codec"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

// DataType describes how keys or values of type T are ordered, sized and
// serialized.
type DataType[T any] interface {
	// Name identifies the type in the persisted map metadata.
	Name() string
	Compare(a, b T) int
	// Memory estimates the in-memory size of v in bytes.
	Memory(v T) int
	Write(w *codec.WriteBuffer, v T)
	// Read decodes one value. Errors are reported through r.Err.
	Read(r *codec.ReadBuffer) T
}

// LongType stores int64 values as variable-length longs.
type LongType struct{}

func (LongType) Name() string                        { return "long" }
func (LongType) Compare(a, b int64) int              { return cmp.Compare(a, b) }
func (LongType) Memory(int64) int                    { return 8 }
func (LongType) Write(w *codec.WriteBuffer, v int64) { w.PutVarLong(v) }
func (LongType) Read(r *codec.ReadBuffer) int64      { return r.VarLong() }

// IntType stores int32 values as variable-length ints.
type IntType struct{}

func (IntType) Name() string                        { return "int" }
func (IntType) Compare(a, b int32) int              { return cmp.Compare(a, b) }
func (IntType) Memory(int32) int                    { return 4 }
func (IntType) Write(w *codec.WriteBuffer, v int32) { w.PutVarInt(v) }
func (IntType) Read(r *codec.ReadBuffer) int32      { return r.VarInt() }

// StringType stores length-prefixed strings, ordered bytewise.
type StringType struct{}

func (StringType) Name() string                         { return "string" }
func (StringType) Compare(a, b string) int              { return cmp.Compare(a, b) }
func (StringType) Memory(v string) int                  { return 16 + len(v) }
func (StringType) Write(w *codec.WriteBuffer, v string) { w.PutString(v) }
func (StringType) Read(r *codec.ReadBuffer) string      { return r.ReadString() }

// BytesType stores length-prefixed byte slices, ordered bytewise.
type BytesType struct{}

func (BytesType) Name() string                         { return "bytes" }
func (BytesType) Compare(a, b []byte) int              { return bytes.Compare(a, b) }
func (BytesType) Memory(v []byte) int                  { return 24 + len(v) }
func (BytesType) Write(w *codec.WriteBuffer, v []byte) { w.PutBytes(v) }
func (BytesType) Read(r *codec.ReadBuffer) []byte      { return r.ReadBytes() }

type erased[T any] struct {
	dt DataType[T]
}

// Erase adapts dt to untyped values. Values passed in must hold a T.
func Erase[T any](dt DataType[T]) DataType[any] {
	if e, ok := any(dt).(DataType[any]); ok {
		return e
	}
	return erased[T]{dt: dt}
}

func (e erased[T]) Name() string                      { return e.dt.Name() }
func (e erased[T]) Compare(a, b any) int              { return e.dt.Compare(a.(T), b.(T)) }
func (e erased[T]) Memory(v any) int                  { return e.dt.Memory(v.(T)) }
func (e erased[T]) Write(w *codec.WriteBuffer, v any) { e.dt.Write(w, v.(T)) }
func (e erased[T]) Read(r *codec.ReadBuffer) any      { return e.dt.Read(r) }

var (
	typesMu sync.RWMutex
	types   = map[string]DataType[any]{}
)

func init() {
	RegisterType[int64](LongType{})
	RegisterType[int32](IntType{})
	RegisterType[string](StringType{})
	RegisterType[[]byte](BytesType{})
}

// RegisterType makes dt available to TypeByName under dt.Name().
func RegisterType[T any](dt DataType[T]) {
	typesMu.Lock()
	defer typesMu.Unlock()
	types[dt.Name()] = Erase(dt)
}

// TypeByName returns the registered type with the given name.
func TypeByName(name string) (DataType[any], error) {
	typesMu.RLock()
	defer typesMu.RUnlock()
	dt, ok := types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", storeerr.ErrUnknownDataType, name)
	}
	return dt, nil
}

// BinarySearch looks key up in the sorted keys. It returns the index of key,
// or -(insertion point)-1 when absent. initialGuess is the index probed
// first; out-of-range guesses start in the middle.
func BinarySearch[K any](dt DataType[K], keys []K, key K, initialGuess int) int {
	low, high := 0, len(keys)-1
	x := initialGuess
	if x < 0 || x > high {
		x = high >> 1
	}
	for low <= high {
		c := dt.Compare(key, keys[x])
		switch {
		case c > 0:
			low = x + 1
		case c < 0:
			high = x - 1
		default:
			return x
		}
		x = int(uint(low+high) >> 1)
	}
	return -(low + 1)
}
