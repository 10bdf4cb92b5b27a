package mvstore

import (
	"fmt"
	"strings"

	"github.com/hupe1980/mvstore/internal/btree"
	"github.com/hupe1980/mvstore/internal/chunk"
	"github.com/hupe1980/mvstore/internal/codec"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

// Map is an ordered map of a Store. Readers never block; writers publish new
// roots with compare-and-swap.
type Map[K, V any] = btree.Map[K, V]

// RootReference is an immutable snapshot of a map.
type RootReference[K, V any] = btree.RootReference[K, V]

// Cursor iterates a snapshot in key order.
type Cursor[K, V any] = btree.Cursor[K, V]

// DataType describes how keys or values are compared, sized and serialized.
type DataType[T any] = btree.DataType[T]

// WriteBuffer and ReadBuffer are what a DataType serializes to and from.
type (
	WriteBuffer = codec.WriteBuffer
	ReadBuffer  = codec.ReadBuffer
)

// Built-in data types.
type (
	LongType   = btree.LongType
	IntType    = btree.IntType
	StringType = btree.StringType
	BytesType  = btree.BytesType
)

// RegisterType makes a custom data type known by name, so tools and
// compaction can open maps that use it without knowing its Go type.
func RegisterType[T any](dt DataType[T]) { btree.RegisterType(dt) }

// mapMeta is the metadata stored under map.<id> in the layout.
type mapMeta struct {
	name          string
	keyType       string
	valueType     string
	createVersion int64
}

func (m mapMeta) String() string {
	return codec.FormatMap(map[string]string{
		"name":          m.name,
		"key":           m.keyType,
		"val":           m.valueType,
		"createVersion": hexPos(uint64(m.createVersion)),
	})
}

func parseMapMeta(s string) (mapMeta, error) {
	attrs, err := codec.ParseMap(s)
	if err != nil {
		return mapMeta{}, err
	}
	v, err := codec.HexLong(attrs, "createVersion", 0)
	if err != nil {
		return mapMeta{}, err
	}
	return mapMeta{
		name:          attrs["name"],
		keyType:       attrs["key"],
		valueType:     attrs["val"],
		createVersion: v,
	}, nil
}

// OpenMap opens the map called name, creating it if it does not exist. An
// existing map must have been created with data types of the same names.
// Opening an open map returns the same instance.
func OpenMap[K, V any](s *Store, name string, keyType DataType[K], valueType DataType[V]) (*Map[K, V], error) {
	if err := s.checkOpen("open map"); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("mvstore: map name must not be empty")
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	id, meta, found, err := s.lookupMap(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return createMap(s, name, keyType, valueType)
	}
	if meta.keyType != keyType.Name() || meta.valueType != valueType.Name() {
		return nil, &storeerr.Error{Op: "open map", Path: s.path, Pos: -1, ChunkID: storeerr.NoChunk,
			Err: fmt.Errorf("%w: map %q has types %s/%s, not %s/%s", storeerr.ErrTypeMismatch, name, meta.keyType, meta.valueType, keyType.Name(), valueType.Name())}
	}

	s.mapsMu.RLock()
	existing := s.maps[id]
	s.mapsMu.RUnlock()
	if existing != nil {
		if !existing.IsClosed() {
			m, ok := existing.(*Map[K, V])
			if !ok {
				return nil, &storeerr.Error{Op: "open map", Path: s.path, Pos: -1, ChunkID: storeerr.NoChunk,
					Err: fmt.Errorf("%w: map %q is open with other Go types", storeerr.ErrTypeMismatch, name)}
			}
			return m, nil
		}
		// The closed instance may still hold changes; they are committed
		// before its pages are dropped.
		if existing.HasUnsavedChanges() {
			if _, err := s.commitLocked(); err != nil {
				return nil, err
			}
		}
		s.mapsMu.Lock()
		delete(s.maps, id)
		s.mapsMu.Unlock()
		s.purgeCachedPages(id)
	}

	m := btree.New[K, V](id, name, keyType, valueType, s.pages(), s.treeConfig())
	if err := s.loadRoot(m, id); err != nil {
		return nil, err
	}
	s.mapsMu.Lock()
	s.maps[id] = m
	s.mapsMu.Unlock()
	return m, nil
}

func createMap[K, V any](s *Store, name string, keyType DataType[K], valueType DataType[V]) (*Map[K, V], error) {
	if s.cfg.ReadOnly {
		return nil, &storeerr.Error{Op: "create map", Path: s.path, Pos: -1, ChunkID: storeerr.NoChunk, Err: storeerr.ErrReadOnly}
	}
	id := s.lastMapID + 1
	meta := mapMeta{name: name, keyType: keyType.Name(), valueType: valueType.Name(), createVersion: s.currentVersion.Load()}
	if _, _, err := s.layout.Put(chunk.MapKey(id), meta.String()); err != nil {
		return nil, err
	}
	if _, _, err := s.layout.Put(chunk.NameKey(name), hexPos(uint64(id))); err != nil {
		return nil, err
	}
	s.lastMapID = id

	m := btree.New[K, V](id, name, keyType, valueType, s.pages(), s.treeConfig())
	s.mapsMu.Lock()
	s.maps[id] = m
	s.mapsMu.Unlock()
	s.logger.Debug("map created", "map", name, "id", id)
	return m, nil
}

// lookupMap resolves a map name to its id and metadata.
func (s *Store) lookupMap(name string) (int, mapMeta, bool, error) {
	v, ok, err := s.layout.Get(chunk.NameKey(name))
	if err != nil || !ok {
		return 0, mapMeta{}, false, err
	}
	id, err := parseHexPos(v)
	if err != nil {
		return 0, mapMeta{}, false, err
	}
	raw, ok, err := s.layout.Get(chunk.MapKey(int(id)))
	if err != nil {
		return 0, mapMeta{}, false, err
	}
	if !ok {
		return 0, mapMeta{}, false, &storeerr.Error{Op: "open map", Path: s.path, Pos: -1, ChunkID: storeerr.NoChunk,
			Err: storeerr.Metadata("map %q has no metadata", name)}
	}
	meta, err := parseMapMeta(raw)
	if err != nil {
		return 0, mapMeta{}, false, err
	}
	return int(id), meta, true, nil
}

type rootSetter interface {
	SetRoot(pos uint64, storeVersion int64) error
}

// loadRoot points m at the committed root of map id.
func (s *Store) loadRoot(m rootSetter, id int) error {
	v, ok, err := s.layout.Get(chunk.RootKey(id))
	if err != nil {
		return err
	}
	var pos uint64
	if ok {
		if pos, err = parseHexPos(v); err != nil {
			return err
		}
	}
	return m.SetRoot(pos, s.lastCommitted.Load())
}

// openErased opens map id with the registered data types named in its
// metadata. The instance is not registered with the store.
func (s *Store) openErased(id int, meta mapMeta) (*Map[any, any], error) {
	kt, err := btree.TypeByName(meta.keyType)
	if err != nil {
		return nil, err
	}
	vt, err := btree.TypeByName(meta.valueType)
	if err != nil {
		return nil, err
	}
	m := btree.New[any, any](id, meta.name, kt, vt, s.pages(), s.treeConfig())
	if err := s.loadRoot(m, id); err != nil {
		return nil, err
	}
	return m, nil
}

// RemoveMap drops the map called name and all of its data. Removing a map
// that does not exist does nothing.
func (s *Store) RemoveMap(name string) error {
	if err := s.checkWritable("remove map"); err != nil {
		return err
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	id, meta, found, err := s.lookupMap(name)
	if err != nil || !found {
		return err
	}

	s.mapsMu.Lock()
	m := s.maps[id]
	delete(s.maps, id)
	s.mapsMu.Unlock()
	if m == nil || m.IsClosed() {
		if m != nil {
			s.purgeCachedPages(id)
		}
		if m, err = s.openErased(id, meta); err != nil {
			return err
		}
	}
	if err := m.RemoveAllPages(); err != nil {
		return err
	}
	m.Close()
	s.purgeCachedPages(id)

	for _, key := range []string{chunk.NameKey(name), chunk.MapKey(id), chunk.RootKey(id)} {
		if _, _, err := s.layout.Remove(key); err != nil {
			return err
		}
	}
	s.logger.Debug("map removed", "map", name, "id", id)
	return nil
}

// HasMap reports whether a map called name exists.
func (s *Store) HasMap(name string) (bool, error) {
	if err := s.checkOpen("has map"); err != nil {
		return false, err
	}
	return s.layout.ContainsKey(chunk.NameKey(name))
}

// MapNames returns the names of all maps in ascending order.
func (s *Store) MapNames() ([]string, error) {
	if err := s.checkOpen("map names"); err != nil {
		return nil, err
	}
	prefix := chunk.NameKey("")
	var names []string
	cur := s.layout.Cursor(&prefix)
	for cur.Next() {
		if !strings.HasPrefix(cur.Key(), prefix) {
			break
		}
		names = append(names, strings.TrimPrefix(cur.Key(), prefix))
	}
	return names, cur.Err()
}

// MapInfo describes a map without opening it.
type MapInfo struct {
	ID            int
	Name          string
	KeyType       string
	ValueType     string
	CreateVersion int64
	Root          uint64
}

// MapInfo returns the metadata of the map called name.
func (s *Store) MapInfo(name string) (MapInfo, bool, error) {
	if err := s.checkOpen("map info"); err != nil {
		return MapInfo{}, false, err
	}
	id, meta, found, err := s.lookupMap(name)
	if err != nil || !found {
		return MapInfo{}, false, err
	}
	info := MapInfo{ID: id, Name: meta.name, KeyType: meta.keyType, ValueType: meta.valueType, CreateVersion: meta.createVersion}
	if v, ok, err := s.layout.Get(chunk.RootKey(id)); err != nil {
		return MapInfo{}, false, err
	} else if ok {
		if info.Root, err = parseHexPos(v); err != nil {
			return MapInfo{}, false, err
		}
	}
	return info, true, nil
}

// OpenUntypedMap opens the existing map called name with the registered data
// types its metadata names, so keys and values are returned as any. It fails
// with ErrTypeMismatch while the map is open with concrete Go types.
func (s *Store) OpenUntypedMap(name string) (*Map[any, any], bool, error) {
	info, found, err := s.MapInfo(name)
	if err != nil || !found {
		return nil, false, err
	}
	kt, err := btree.TypeByName(info.KeyType)
	if err != nil {
		return nil, false, err
	}
	vt, err := btree.TypeByName(info.ValueType)
	if err != nil {
		return nil, false, err
	}
	m, err := OpenMap(s, name, kt, vt)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}
