package btree

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mvstore/internal/codec"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

// memStorage keeps chunks in memory and caches decoded pages by position.
type memStorage struct {
	vmu       sync.RWMutex
	mu        sync.Mutex
	chunks    map[uint32][]byte
	cache     map[uint64]any
	removed   []uint64
	unsaved   int
	version   int64
	nextChunk uint32
	loads     int

	compression codec.Compression
}

func newMemStorage() *memStorage {
	return &memStorage{
		chunks: make(map[uint32][]byte),
		cache:  make(map[uint64]any),
	}
}

func (s *memStorage) LoadPage(pos uint64, decode func([]byte) (any, int, error)) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache[pos]; ok {
		return p, nil
	}
	data, ok := s.chunks[codec.PageChunkID(pos)]
	if !ok {
		return nil, storeerr.Corrupt("unknown chunk %d", codec.PageChunkID(pos))
	}
	p, _, err := decode(data[codec.PageOffset(pos):])
	if err != nil {
		return nil, err
	}
	s.loads++
	s.cache[pos] = p
	return p, nil
}

func (s *memStorage) RemovePage(pos uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, pos)
}

func (s *memStorage) RegisterUnsavedMemory(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsaved += n
}

func (s *memStorage) BeforeWrite(int) error { return nil }

func (s *memStorage) CurrentVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *memStorage) VersionLock() sync.Locker { return s.vmu.RLocker() }

// advance seals the current version and returns it.
func (s *memStorage) advance() int64 {
	s.vmu.Lock()
	defer s.vmu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	return s.version - 1
}

func (s *memStorage) removedPages() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.removed...)
}

func (s *memStorage) resetCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[uint64]any)
}

// commit writes the snapshot of m into a new chunk and returns the root
// position and the writer.
func commit[K, V any](t *testing.T, s *memStorage, m *Map[K, V]) (uint64, *PageWriter) {
	t.Helper()
	return commitRef(t, s, m, m.Snapshot())
}

func commitRef[K, V any](t *testing.T, s *memStorage, m *Map[K, V], ref *RootReference[K, V]) (uint64, *PageWriter) {
	t.Helper()
	s.mu.Lock()
	s.nextChunk++
	id := s.nextChunk
	s.mu.Unlock()

	buf := codec.NewWriteBuffer(4096)
	buf.Fill(64, ' ')
	w := NewPageWriter(buf, id, s.compression)
	pos, err := m.Write(w, ref)
	require.NoError(t, err)

	s.mu.Lock()
	s.chunks[id] = append([]byte(nil), buf.Bytes()...)
	for _, wp := range w.Written() {
		s.cache[wp.Pos] = wp.Page
	}
	s.mu.Unlock()
	s.advance()

	w.Finish()
	return pos, w
}
