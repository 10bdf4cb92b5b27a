package btree

import (
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/mvstore/internal/codec"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

func smallPages() Config {
	cfg := DefaultConfig()
	cfg.KeysPerPage = 8
	return cfg
}

func newLongMap(s *memStorage, cfg Config) *Map[int64, string] {
	var storage Storage
	if s != nil {
		storage = s
	}
	return New[int64, string](1, "test", LongType{}, StringType{}, storage, cfg)
}

func fill(t *testing.T, m *Map[int64, string], keys ...int64) {
	t.Helper()
	for _, k := range keys {
		_, _, err := m.Put(k, fmt.Sprintf("v%d", k))
		require.NoError(t, err)
	}
}

func seq(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for k := from; k <= to; k++ {
		out = append(out, k)
	}
	return out
}

func TestBinarySearch(t *testing.T) {
	keys := []int64{10, 20, 30, 40, 50}
	for _, guess := range []int{-1, 0, 2, 4, 9} {
		assert.Equal(t, 2, BinarySearch[int64](LongType{}, keys, 30, guess))
		assert.Equal(t, -1, BinarySearch[int64](LongType{}, keys, 5, guess))
		assert.Equal(t, -4, BinarySearch[int64](LongType{}, keys, 35, guess))
		assert.Equal(t, -6, BinarySearch[int64](LongType{}, keys, 60, guess))
	}
	assert.Equal(t, -1, BinarySearch[int64](LongType{}, nil, 1, 0))
}

func TestPutGetRemove(t *testing.T) {
	m := newLongMap(nil, smallPages())

	keys := seq(1, 1000)
	rand.New(rand.NewSource(7)).Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	fill(t, m, keys...)
	assert.Equal(t, int64(1000), m.Size())
	assert.False(t, m.Root().Root.IsLeaf())

	for k := int64(1); k <= 1000; k++ {
		v, ok, err := m.Get(k)
		require.NoError(t, err)
		require.True(t, ok, "key %d", k)
		assert.Equal(t, fmt.Sprintf("v%d", k), v)
	}

	old, ok, err := m.Put(5, "five")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v5", old)

	for k := int64(1); k <= 1000; k += 2 {
		v, ok, err := m.Remove(k)
		require.NoError(t, err)
		require.True(t, ok)
		if k == 5 {
			assert.Equal(t, "five", v)
		}
	}
	assert.Equal(t, int64(500), m.Size())

	_, ok, err = m.Remove(1)
	require.NoError(t, err)
	assert.False(t, ok)

	var got []int64
	for k := range m.All() {
		got = append(got, k)
	}
	assert.Len(t, got, 500)
	assert.True(t, slices.IsSorted(got))
	assert.Equal(t, int64(2), got[0])

	for k := int64(2); k <= 1000; k += 2 {
		_, _, err := m.Remove(k)
		require.NoError(t, err)
	}
	assert.True(t, m.IsEmpty())
	assert.True(t, m.Root().Root.IsLeaf())
}

func TestPutIfAbsentAndReplace(t *testing.T) {
	m := newLongMap(nil, DefaultConfig())

	_, ok, err := m.Replace(1, "x")
	require.NoError(t, err)
	assert.False(t, ok)
	present, err := m.ContainsKey(1)
	require.NoError(t, err)
	assert.False(t, present)

	_, ok, err = m.PutIfAbsent(1, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	existing, ok, err := m.PutIfAbsent(1, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", existing)

	old, ok, err := m.Replace(1, "c")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", old)

	v, _, _ := m.Get(1)
	assert.Equal(t, "c", v)
	assert.Equal(t, int64(2), m.Snapshot().Version)
}

func TestSplitBySize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageSplitSize = 1024
	m := newLongMap(nil, cfg)

	big := strings.Repeat("x", 300)
	for k := int64(0); k < 20; k++ {
		_, _, err := m.Put(k, big)
		require.NoError(t, err)
	}
	root := m.Root().Root
	require.False(t, root.IsLeaf())
	for i := range root.children {
		c := root.children[i].page.Load()
		assert.LessOrEqual(t, c.KeyCount(), 4)
	}
}

func TestRankQueries(t *testing.T) {
	m := newLongMap(nil, smallPages())
	for k := int64(0); k < 300; k++ {
		fill(t, m, k*2)
	}

	for i := int64(0); i < 300; i++ {
		k, ok, err := m.KeyAt(i)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i*2, k)

		idx, err := m.IndexOf(i * 2)
		require.NoError(t, err)
		assert.Equal(t, i, idx)

		idx, err = m.IndexOf(i*2 + 1)
		require.NoError(t, err)
		assert.Equal(t, -(i+1)-1, idx)
	}
	_, ok, err := m.KeyAt(300)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, _ = m.KeyAt(-1)
	assert.False(t, ok)
}

func TestNearestKeys(t *testing.T) {
	m := newLongMap(nil, smallPages())
	for k := int64(1); k <= 200; k++ {
		fill(t, m, k*10)
	}

	check := func(f func(int64) (int64, bool, error), key int64, want int64, wantOK bool) {
		t.Helper()
		got, ok, err := f(key)
		require.NoError(t, err)
		assert.Equal(t, wantOK, ok, "key %d", key)
		if wantOK {
			assert.Equal(t, want, got, "key %d", key)
		}
	}

	check(m.CeilingKey, 55, 60, true)
	check(m.CeilingKey, 60, 60, true)
	check(m.CeilingKey, 2001, 0, false)
	check(m.HigherKey, 60, 70, true)
	check(m.HigherKey, 2000, 0, false)
	check(m.FloorKey, 55, 50, true)
	check(m.FloorKey, 50, 50, true)
	check(m.FloorKey, 5, 0, false)
	check(m.LowerKey, 50, 40, true)
	check(m.LowerKey, 10, 0, false)
	check(m.LowerKey, 100000, 2000, true)

	for k := int64(10); k < 2000; k += 10 {
		check(m.HigherKey, k, k+10, true)
		check(m.LowerKey, k+10, k, true)
	}

	first, ok, err := m.FirstKey()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), first)
	last, ok, err := m.LastKey()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2000), last)

	empty := newLongMap(nil, DefaultConfig())
	_, ok, err = empty.FirstKey()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCursor(t *testing.T) {
	m := newLongMap(nil, smallPages())
	for k := int64(1); k <= 100; k++ {
		fill(t, m, k*2)
	}

	collect := func(c *Cursor[int64, string]) []int64 {
		var out []int64
		for c.Next() {
			assert.Equal(t, fmt.Sprintf("v%d", c.Key()), c.Value())
			out = append(out, c.Key())
		}
		require.NoError(t, c.Err())
		return out
	}

	from := int64(51)
	got := collect(m.Cursor(&from))
	require.Len(t, got, 75)
	assert.Equal(t, int64(52), got[0])
	assert.Equal(t, int64(200), got[len(got)-1])

	got = collect(m.ReverseCursor(&from))
	require.Len(t, got, 25)
	assert.Equal(t, int64(50), got[0])
	assert.Equal(t, int64(2), got[len(got)-1])

	got = collect(m.ReverseCursor(nil))
	require.Len(t, got, 100)
	assert.True(t, slices.IsSortedFunc(got, func(a, b int64) int { return int(b - a) }))

	beyond := int64(1000)
	assert.Empty(t, collect(m.Cursor(&beyond)))

	n := 0
	for range m.All() {
		n++
		if n == 10 {
			break
		}
	}
	assert.Equal(t, 10, n)
}

func TestSnapshotIsolation(t *testing.T) {
	m := newLongMap(nil, smallPages())
	fill(t, m, seq(1, 100)...)

	snap := m.Snapshot()
	fill(t, m, 1000)
	_, _, err := m.Remove(1)
	require.NoError(t, err)

	ok, err := snap.ContainsKey(1000)
	require.NoError(t, err)
	assert.False(t, ok)
	v, ok, err := snap.Get(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
	assert.Equal(t, int64(100), snap.Size())

	ok, _ = m.ContainsKey(1000)
	assert.True(t, ok)
	ok, _ = m.ContainsKey(1)
	assert.False(t, ok)

	var keys []int64
	for k := range snap.All() {
		keys = append(keys, k)
	}
	assert.Equal(t, seq(1, 100), keys)
}

func TestCopyOnWriteSharing(t *testing.T) {
	m := newLongMap(nil, smallPages())
	fill(t, m, seq(0, 39)...)

	before := m.Snapshot()
	oldRoot := before.Root
	require.False(t, oldRoot.IsLeaf())

	const key = 21
	changed := oldRoot.childIndex(key)
	_, _, err := m.Put(key, "changed")
	require.NoError(t, err)

	newRoot := m.Snapshot().Root
	require.NotSame(t, oldRoot, newRoot)
	require.Len(t, newRoot.children, len(oldRoot.children))
	for i := range oldRoot.children {
		oldChild := oldRoot.children[i].page.Load()
		newChild := newRoot.children[i].page.Load()
		if i == changed {
			assert.NotSame(t, oldChild, newChild)
		} else {
			assert.Same(t, oldChild, newChild, "child %d", i)
		}
	}

	v, ok, err := before.Get(key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v21", v)
	assert.Same(t, before, m.Snapshot().Previous())
	assert.Equal(t, before.Version+1, m.Snapshot().Version)
}

func TestConcurrentWriters(t *testing.T) {
	m := newLongMap(newMemStorage(), smallPages())

	var g errgroup.Group
	const writers, perWriter = 8, 250
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				k := int64(i*writers + w)
				if _, _, err := m.Put(k, fmt.Sprintf("v%d", k)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(writers*perWriter), m.Size())
	for k := int64(0); k < writers*perWriter; k++ {
		ok, err := m.ContainsKey(k)
		require.NoError(t, err)
		require.True(t, ok, "key %d lost", k)
	}
	ref := m.Snapshot()
	assert.Equal(t, int64(writers*perWriter), ref.UpdateCounter)
	assert.GreaterOrEqual(t, ref.UpdateAttemptCounter, ref.UpdateCounter)
	assert.False(t, ref.IsLocked())
}

func TestNoRootTaggedWithSealedVersion(t *testing.T) {
	s := newMemStorage()
	m := newLongMap(s, smallPages())

	const writers, perWriter = 4, 2000
	var g errgroup.Group
	for w := range writers {
		g.Go(func() error {
			for i := range perWriter {
				if _, _, err := m.Put(int64(i*writers+w), "x"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	// A root tagged with a version must be published before that version is
	// sealed, so the sealed size bounds every snapshot of the version.
	sealed := make(map[int64]int64)
	for running := true; running; {
		select {
		case err := <-done:
			require.NoError(t, err)
			running = false
		default:
		}
		v := s.advance()
		sealed[v] = m.Size()
		time.Sleep(100 * time.Microsecond)
	}

	for v, size := range sealed {
		ref, err := m.OpenVersion(v)
		require.NoError(t, err)
		require.LessOrEqual(t, ref.Size(), size, "version %d", v)
	}
	assert.Equal(t, int64(writers*perWriter), m.Size())
}

func TestRootReferenceCounters(t *testing.T) {
	m := newLongMap(nil, DefaultConfig())
	ref := m.Root()
	ref.AppendCounter = 3

	l := ref.locked(7, 2)
	assert.True(t, l.IsLocked())
	assert.Equal(t, int64(7), l.Owner)
	assert.Equal(t, int64(3), l.AppendCounter)
	assert.Equal(t, ref.UpdateAttemptCounter+2, l.UpdateAttemptCounter)

	n := l.next(ref.Root, 5, 3)
	assert.False(t, n.IsLocked())
	assert.Same(t, ref, n.Previous())
	assert.Equal(t, ref.Version+1, n.Version)
	assert.Equal(t, ref.UpdateCounter+1, n.UpdateCounter)
	assert.Equal(t, ref.UpdateAttemptCounter+3, n.UpdateAttemptCounter)
	assert.Equal(t, int64(3), n.AppendCounter)
	assert.Equal(t, int64(5), n.StoreVersion())
}

func TestConcurrentModification(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUpdateAttempts = 6
	m := newLongMap(nil, cfg)
	fill(t, m, 1)

	ref := m.Root()
	m.root.Store(ref.locked(-1, 0))

	_, _, err := m.Put(2, "v2")
	require.ErrorIs(t, err, storeerr.ErrConcurrentModification)

	// Readers are not affected by the lock.
	v, ok, err := m.Get(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	m.root.Store(ref)
	fill(t, m, 2)
	assert.Equal(t, int64(2), m.Size())
	assert.Equal(t, ref.Version+1, m.Snapshot().Version)
}

func TestVersionsAndTrim(t *testing.T) {
	s := newMemStorage()
	m := newLongMap(s, smallPages())

	fill(t, m, 1)
	commit(t, s, m) // store version 0 -> 1
	fill(t, m, 2)
	commit(t, s, m) // 1 -> 2
	fill(t, m, 3)

	v0, err := m.OpenVersion(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v0.Size())
	v1, err := m.OpenVersion(1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v1.Size())
	v2, err := m.OpenVersion(2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v2.Size())

	m.TrimVersions(1)
	_, err = m.OpenVersion(0)
	require.ErrorIs(t, err, storeerr.ErrUnknownVersion)
	_, err = m.OpenVersion(1)
	require.NoError(t, err)

	// A captured snapshot survives trimming.
	assert.Equal(t, int64(1), v0.Size())

	require.NoError(t, m.RollbackTo(1))
	assert.Equal(t, int64(2), m.Size())
	ok, _ := m.ContainsKey(3)
	assert.False(t, ok)
}

func TestPersistRoundTrip(t *testing.T) {
	for _, c := range []codec.Compression{codec.CompressionNone, codec.CompressionLZ4, codec.CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			s := newMemStorage()
			s.compression = c
			m := newLongMap(s, smallPages())
			for k := int64(1); k <= 500; k++ {
				_, _, err := m.Put(k, strings.Repeat(fmt.Sprintf("v%d-", k), 8))
				require.NoError(t, err)
			}
			assert.Positive(t, s.unsaved)

			pos, w := commit(t, s, m)
			require.True(t, codec.IsPageSaved(pos))
			assert.Equal(t, codec.PageNode, codec.PageTypeOf(pos))
			assert.Positive(t, w.Pages())
			assert.Positive(t, w.MaxLength())
			assert.Empty(t, w.Removed())

			// Children of written nodes are loaded by position from now on.
			root := m.Snapshot().Root
			assert.Nil(t, root.children[0].page.Load())
			assert.Equal(t, pos, root.Pos())

			s.resetCache()
			reopened := newLongMap(s, smallPages())
			require.NoError(t, reopened.SetRoot(pos, 1))
			assert.Equal(t, int64(500), reopened.Size())
			for k := int64(1); k <= 500; k++ {
				v, ok, err := reopened.Get(k)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, strings.Repeat(fmt.Sprintf("v%d-", k), 8), v)
			}
			assert.Positive(t, s.loads)
		})
	}
}

func TestRemovedPageAccounting(t *testing.T) {
	s := newMemStorage()
	m := newLongMap(s, smallPages())
	fill(t, m, seq(1, 30)...)
	rootPos, _ := commit(t, s, m)

	fill(t, m, 15)
	removed := s.removedPages()
	require.Len(t, removed, 2, "root and leaf of a two-level tree")
	assert.Contains(t, removed, rootPos)
	for _, pos := range removed {
		assert.Equal(t, uint32(1), codec.PageChunkID(pos))
	}

	// A page replaced before it was written is dead on arrival.
	fill(t, m, 500)
	snap := m.Snapshot()
	fill(t, m, 501)
	_, w := commitRef(t, s, m, snap)
	assert.NotEmpty(t, w.Removed())
	for _, pos := range w.Removed() {
		assert.Equal(t, uint32(2), codec.PageChunkID(pos))
	}
}

func TestClearRemovesAllPages(t *testing.T) {
	s := newMemStorage()
	m := newLongMap(s, smallPages())
	fill(t, m, seq(1, 200)...)
	_, w := commit(t, s, m)

	require.NoError(t, m.Clear())
	assert.True(t, m.IsEmpty())
	assert.Len(t, s.removedPages(), w.Pages())

	// Clearing an empty map is a no-op.
	v := m.Snapshot().Version
	require.NoError(t, m.Clear())
	assert.Equal(t, v, m.Snapshot().Version)
}

func TestRewrite(t *testing.T) {
	s := newMemStorage()
	m := newLongMap(s, smallPages())
	fill(t, m, seq(1, 200)...)
	_, w1 := commit(t, s, m)

	inFirstChunk := func(pos uint64) bool { return codec.PageChunkID(pos) == 1 }
	n, err := m.Rewrite(inFirstChunk)
	require.NoError(t, err)
	assert.Equal(t, w1.Pages(), n)
	assert.Len(t, s.removedPages(), w1.Pages())
	assert.False(t, codec.IsPageSaved(m.Snapshot().Root.Pos()))

	_, w2 := commit(t, s, m)
	assert.Equal(t, w1.Pages(), w2.Pages())
	for _, wp := range w2.Written() {
		assert.Equal(t, uint32(2), codec.PageChunkID(wp.Pos))
	}

	n, err = m.Rewrite(inFirstChunk)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(200), m.Size())
}

func TestCorruptPage(t *testing.T) {
	s := newMemStorage()
	m := newLongMap(s, smallPages())
	fill(t, m, seq(1, 100)...)
	pos, _ := commit(t, s, m)

	s.resetCache()
	data := s.chunks[1]
	off := codec.PageOffset(pos)
	data[off+5] ^= 0xff // check value

	reopened := newLongMap(s, smallPages())
	err := reopened.SetRoot(pos, 1)
	require.ErrorIs(t, err, storeerr.ErrCorruptStore)

	other := New[int64, string](2, "other", LongType{}, StringType{}, s, smallPages())
	data[off+5] ^= 0xff
	err = other.SetRoot(pos, 1)
	require.ErrorIs(t, err, storeerr.ErrCorruptStore, "page of another map")
}

func TestCompressedSizeBound(t *testing.T) {
	s := newMemStorage()
	s.compression = codec.CompressionLZ4
	m := newLongMap(s, smallPages())
	_, _, err := m.Put(1, strings.Repeat("abcdefgh", 125))
	require.NoError(t, err)
	pos, _ := commit(t, s, m)
	require.Equal(t, codec.PageLeaf, codec.PageTypeOf(pos))

	// Length, check value, map id, key count and type precede the
	// uncompressed size, which takes two bytes here.
	data := s.chunks[1]
	off := codec.PageOffset(pos) + 9
	require.Equal(t, byte(typeCompressedLZ4), data[off-1])
	data[off], data[off+1] = 0xff, 0x7f

	s.resetCache()
	reopened := newLongMap(s, smallPages())
	err = reopened.SetRoot(pos, 1)
	require.ErrorIs(t, err, storeerr.ErrCorruptStore)
}

func TestClosedMap(t *testing.T) {
	m := newLongMap(nil, DefaultConfig())
	m.Close()
	_, _, err := m.Put(1, "x")
	require.ErrorIs(t, err, storeerr.ErrClosed)
	_, _, err = m.Get(1)
	require.ErrorIs(t, err, storeerr.ErrClosed)
}

func TestTypeRegistry(t *testing.T) {
	dt, err := TypeByName("string")
	require.NoError(t, err)
	assert.Equal(t, "string", dt.Name())
	assert.Negative(t, dt.Compare("a", "b"))

	_, err = TypeByName("decimal")
	require.ErrorIs(t, err, storeerr.ErrUnknownDataType)

	erased := Erase[int64](LongType{})
	w := codec.NewWriteBuffer(16)
	erased.Write(w, int64(-42))
	r := codec.NewReadBuffer(w.Bytes())
	assert.Equal(t, int64(-42), erased.Read(r))
	require.NoError(t, r.Err())
	assert.Equal(t, erased, Erase(erased))
}
