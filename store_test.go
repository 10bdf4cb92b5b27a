package mvstore_test

import (
	"fmt"
	"maps"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/mvstore"
	"github.com/hupe1980/mvstore/internal/filestore"
	vfs "github.com/hupe1980/mvstore/internal/fs"
)

func testConfig(t *testing.T) mvstore.Config {
	t.Helper()
	cfg := mvstore.DefaultConfig(filepath.Join(t.TempDir(), "test"+mvstore.FileSuffix))
	cfg.AutoCommitDelay = 0
	return cfg
}

func openStore(t *testing.T, cfg mvstore.Config, opts ...mvstore.Option) *mvstore.Store {
	t.Helper()
	s, err := mvstore.Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openLongMap(t *testing.T, s *mvstore.Store, name string) *mvstore.Map[int64, string] {
	t.Helper()
	m, err := mvstore.OpenMap(s, name, mvstore.LongType{}, mvstore.StringType{})
	require.NoError(t, err)
	return m
}

func TestEndToEnd(t *testing.T) {
	for _, compression := range []mvstore.Compression{mvstore.CompressionNone, mvstore.CompressionLZ4, mvstore.CompressionZSTD} {
		t.Run(compression.String(), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Compression = compression
			s, err := mvstore.Open(cfg)
			require.NoError(t, err)

			m := openLongMap(t, s, "data")
			var snap *mvstore.RootReference[int64, string]
			for i := int64(1); i <= 1000; i++ {
				if i == 500 {
					snap = m.Snapshot()
				}
				_, _, err := m.Put(i, fmt.Sprintf("v%d", i))
				require.NoError(t, err)
			}

			assert.Equal(t, int64(499), snap.Size())
			ok, err := snap.ContainsKey(500)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, int64(1000), m.Size())

			v, err := s.Commit()
			require.NoError(t, err)
			assert.Equal(t, int64(1), v)
			require.NoError(t, s.Close())

			s = openStore(t, cfg)
			assert.Equal(t, int64(1), s.LastCommittedVersion())
			m = openLongMap(t, s, "data")
			assert.Equal(t, int64(1000), m.Size())
			for i := int64(1); i <= 1000; i++ {
				v, ok, err := m.Get(i)
				require.NoError(t, err)
				require.True(t, ok, "key %d", i)
				require.Equal(t, fmt.Sprintf("v%d", i), v)
			}

			var keys []int64
			for k := range m.All() {
				keys = append(keys, k)
			}
			require.Len(t, keys, 1000)
			assert.IsIncreasing(t, keys)
		})
	}
}

func TestCommitVersions(t *testing.T) {
	s := openStore(t, testConfig(t))
	assert.Equal(t, int64(1), s.CurrentVersion())
	assert.Equal(t, int64(0), s.LastCommittedVersion())
	assert.False(t, s.HasUnsavedChanges())

	m := openLongMap(t, s, "data")
	_, _, err := m.Put(1, "a")
	require.NoError(t, err)
	assert.True(t, s.HasUnsavedChanges())

	v, err := s.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, int64(2), s.CurrentVersion())
	assert.False(t, s.HasUnsavedChanges())

	v, err = s.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "commit without changes writes nothing")

	_, _, err = m.Put(2, "b")
	require.NoError(t, err)
	v, err = s.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	st := s.Stats()
	assert.Equal(t, 2, st.Chunks)
	assert.Equal(t, int64(2), st.LastCommittedVersion)
	assert.Equal(t, 1, st.Maps)
	assert.Positive(t, st.IO.WriteBytes)
}

func TestReopenKeepsVersion(t *testing.T) {
	cfg := testConfig(t)
	s, err := mvstore.Open(cfg)
	require.NoError(t, err)
	m := openLongMap(t, s, "data")
	for i := int64(0); i < 3; i++ {
		_, _, err := m.Put(i, "x")
		require.NoError(t, err)
		_, err = s.Commit()
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s = openStore(t, cfg)
	assert.Equal(t, int64(3), s.LastCommittedVersion())
	assert.Equal(t, int64(4), s.CurrentVersion())

	m = openLongMap(t, s, "data")
	_, _, err = m.Put(10, "y")
	require.NoError(t, err)
	v, err := s.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
}

func TestReopenManyChunks(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxCompactTime = 0
	s, err := mvstore.Open(cfg)
	require.NoError(t, err)
	for i := range 60 {
		m := openLongMap(t, s, fmt.Sprintf("m%d", i))
		_, _, err := m.Put(int64(i), fmt.Sprintf("x%d", i))
		require.NoError(t, err)
		_, err = s.Commit()
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s = openStore(t, cfg)
	assert.Equal(t, int64(60), s.LastCommittedVersion())
	assert.Len(t, s.Chunks(), 60)
	for i := range 60 {
		m := openLongMap(t, s, fmt.Sprintf("m%d", i))
		v, ok, err := m.Get(int64(i))
		require.NoError(t, err)
		require.True(t, ok, "map m%d", i)
		assert.Equal(t, fmt.Sprintf("x%d", i), v)
	}
}

// TestReopenMatchesModel runs random operations against a store and a plain
// map and compares both after every reopen.
func TestReopenMatchesModel(t *testing.T) {
	for _, seed := range []int64{1, 2, 3, 4, 5, 6} {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rnd := rand.New(rand.NewSource(seed))
			cfg := testConfig(t)
			cfg.KeysPerPage = 4
			cfg.RetentionTime = 0
			cfg.MaxCompactTime = 0

			s, err := mvstore.Open(cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			m := openLongMap(t, s, "data")
			_, _, err = m.Put(0, "init")
			require.NoError(t, err)
			_, err = s.Commit()
			require.NoError(t, err)

			model := map[int64]string{0: "init"}
			committed := maps.Clone(model)

			verify := func(step int) {
				t.Helper()
				require.Equal(t, int64(len(model)), m.Size(), "step %d", step)
				for k, want := range model {
					v, ok, err := m.Get(k)
					require.NoError(t, err)
					require.True(t, ok, "step %d key %d", step, k)
					require.Equal(t, want, v, "step %d key %d", step, k)
				}
				n := 0
				for k, v := range m.All() {
					require.Equal(t, model[k], v, "step %d key %d", step, k)
					n++
				}
				require.Equal(t, len(model), n, "step %d", step)
			}

			for step := range 400 {
				key := rnd.Int63n(200)
				switch op := rnd.Intn(100); {
				case op < 50:
					value := fmt.Sprintf("v%d-%d", step, key)
					_, _, err := m.Put(key, value)
					require.NoError(t, err)
					model[key] = value
				case op < 70:
					_, _, err := m.Remove(key)
					require.NoError(t, err)
					delete(model, key)
				case op < 85:
					_, err := s.Commit()
					require.NoError(t, err)
					committed = maps.Clone(model)
				case op < 90:
					require.NoError(t, s.Rollback())
					model = maps.Clone(committed)
					verify(step)
				case op < 95:
					_, err := s.Compact(90, 1<<20)
					require.NoError(t, err)
					committed = maps.Clone(model)
					verify(step)
				default:
					require.NoError(t, s.Close())
					committed = maps.Clone(model)
					s, err = mvstore.Open(cfg)
					require.NoError(t, err)
					m = openLongMap(t, s, "data")
					verify(step)
				}
			}

			require.NoError(t, s.Close())
			s, err = mvstore.Open(cfg)
			require.NoError(t, err)
			m = openLongMap(t, s, "data")
			verify(400)
		})
	}
}

func TestCloseCommits(t *testing.T) {
	cfg := testConfig(t)
	s, err := mvstore.Open(cfg)
	require.NoError(t, err)
	m := openLongMap(t, s, "data")
	_, _, err = m.Put(7, "seven")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	assert.True(t, s.IsClosed())
	_, err = s.Commit()
	require.ErrorIs(t, err, mvstore.ErrClosed)
	_, _, err = m.Put(8, "eight")
	require.ErrorIs(t, err, mvstore.ErrClosed)

	s = openStore(t, cfg)
	m = openLongMap(t, s, "data")
	v, ok, err := m.Get(7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "seven", v)
}

func TestRollback(t *testing.T) {
	s := openStore(t, testConfig(t))
	m := openLongMap(t, s, "data")
	_, _, err := m.Put(1, "one")
	require.NoError(t, err)
	_, err = s.Commit()
	require.NoError(t, err)

	_, _, err = m.Put(2, "two")
	require.NoError(t, err)
	_, _, err = m.Put(1, "uno")
	require.NoError(t, err)
	tmp := openLongMap(t, s, "tmp")
	_, _, err = tmp.Put(1, "x")
	require.NoError(t, err)

	require.NoError(t, s.Rollback())
	assert.False(t, s.HasUnsavedChanges())

	v, ok, err := m.Get(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "one", v)
	ok, err = m.ContainsKey(2)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.HasMap("tmp")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, tmp.IsClosed())

	// The map id of the dropped map is handed out again.
	again := openLongMap(t, s, "tmp")
	assert.Equal(t, tmp.ID(), again.ID())
	assert.Equal(t, int64(0), again.Size())
}

func TestVersionUsage(t *testing.T) {
	s := openStore(t, testConfig(t))
	m := openLongMap(t, s, "data")
	_, _, err := m.Put(1, "a")
	require.NoError(t, err)
	_, err = s.Commit()
	require.NoError(t, err)

	usage := s.RegisterVersionUsage()
	assert.Equal(t, int64(1), usage.Version())

	_, _, err = m.Put(1, "b")
	require.NoError(t, err)
	_, err = s.Commit()
	require.NoError(t, err)

	old, err := m.OpenVersion(usage.Version())
	require.NoError(t, err)
	v, ok, err := old.Get(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	usage.Release()
	usage.Release()
}

func TestFileLocked(t *testing.T) {
	cfg := testConfig(t)
	openStore(t, cfg)

	_, err := mvstore.Open(cfg)
	require.ErrorIs(t, err, mvstore.ErrFileLocked)

	ro := cfg
	ro.ReadOnly = true
	_, err = mvstore.Open(ro)
	require.ErrorIs(t, err, mvstore.ErrFileLocked)
}

func TestReadOnly(t *testing.T) {
	cfg := testConfig(t)
	s, err := mvstore.Open(cfg)
	require.NoError(t, err)
	m := openLongMap(t, s, "data")
	_, _, err = m.Put(1, "a")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cfg.ReadOnly = true
	s = openStore(t, cfg)
	assert.True(t, s.IsReadOnly())

	m = openLongMap(t, s, "data")
	v, ok, err := m.Get(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	_, _, err = m.Put(2, "b")
	require.ErrorIs(t, err, mvstore.ErrReadOnly)
	_, err = mvstore.OpenMap(s, "other", mvstore.LongType{}, mvstore.StringType{})
	require.ErrorIs(t, err, mvstore.ErrReadOnly)
	_, err = s.Commit()
	require.ErrorIs(t, err, mvstore.ErrReadOnly)
	require.ErrorIs(t, s.RemoveMap("data"), mvstore.ErrReadOnly)
}

func TestHeaderFallback(t *testing.T) {
	cfg := testConfig(t)
	s, err := mvstore.Open(cfg)
	require.NoError(t, err)
	m := openLongMap(t, s, "data")
	for i := int64(1); i <= 2; i++ {
		_, _, err := m.Put(i, fmt.Sprint(i))
		require.NoError(t, err)
		_, err = s.Commit()
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	// Block 0 holds the header of the second commit. The other header
	// points at the first chunk, whose successor is found by prediction.
	f, err := os.OpenFile(cfg.FileName, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, filestore.BlockSize), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStore(t, cfg)
	assert.Equal(t, int64(2), s.LastCommittedVersion())
	m = openLongMap(t, s, "data")
	assert.Equal(t, int64(2), m.Size())
}

func TestNoValidHeader(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.FileName, make([]byte, 2*filestore.BlockSize), 0o644))

	_, err := mvstore.Open(cfg)
	require.ErrorIs(t, err, mvstore.ErrCorruptStore)

	// A failed open does not keep the path registered.
	require.NoError(t, os.Remove(cfg.FileName))
	s, err := mvstore.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLegacyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.data.db"), []byte("legacy"), 0o644))

	_, err := mvstore.Open(mvstore.DefaultConfig(filepath.Join(dir, "old"+mvstore.FileSuffix)))
	require.ErrorIs(t, err, mvstore.ErrUnsupportedFormat)
}

func TestFailedCommitClosesStore(t *testing.T) {
	cfg := testConfig(t)
	fsys := vfs.NewFaultyFS(nil)
	// Both store headers fit, the first chunk does not.
	fsys.AddRule(mvstore.FileSuffix, vfs.Fault{FailAfterBytes: 2 * filestore.BlockSize})

	mc := &mvstore.BasicMetricsCollector{}
	s, err := mvstore.Open(cfg, mvstore.WithFileSystem(fsys), mvstore.WithMetricsCollector(mc))
	require.NoError(t, err)
	m := openLongMap(t, s, "data")
	_, _, err = m.Put(1, "a")
	require.NoError(t, err)

	_, err = s.Commit()
	require.ErrorIs(t, err, mvstore.ErrIoFailure)
	require.ErrorIs(t, err, vfs.ErrInjected)
	assert.True(t, s.IsClosed())
	assert.Equal(t, int64(1), mc.CommitErrors.Load())

	_, err = s.Commit()
	require.ErrorIs(t, err, mvstore.ErrClosed)
	_, _, err = m.Put(2, "b")
	require.ErrorIs(t, err, mvstore.ErrClosed)
	require.NoError(t, s.Close())

	s = openStore(t, cfg)
	assert.Equal(t, int64(0), s.LastCommittedVersion())
	ok, err := s.HasMap("data")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAutoCommit(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoCommitDelay = 10 * time.Millisecond
	s := openStore(t, cfg)

	m := openLongMap(t, s, "data")
	_, _, err := m.Put(1, "a")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.LastCommittedVersion() >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAutoCommitOnMemory(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoCommitDelay = time.Hour
	cfg.AutoCommitBufferSize = 4 * 1024
	s := openStore(t, cfg)

	m := openLongMap(t, s, "data")
	for i := int64(0); i < 1000; i++ {
		_, _, err := m.Put(i, "some value that takes memory")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return s.LastCommittedVersion() >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOptions(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rc := mvstore.NewResourceController(mvstore.ResourceConfig{AutoCommitMemory: 1 << 20})
	s := openStore(t, testConfig(t),
		mvstore.WithLogger(mvstore.NoopLogger()),
		mvstore.WithClock(func() time.Time { return now }),
		mvstore.WithResourceController(rc),
		mvstore.WithFileSystem(vfs.Default),
	)
	m := openLongMap(t, s, "data")
	_, _, err := m.Put(1, "a")
	require.NoError(t, err)
	_, err = s.Commit()
	require.NoError(t, err)

	chunks := s.Chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].ID)
	assert.Equal(t, int64(1), chunks[0].Version)
	assert.Equal(t, 100, chunks[0].FillRate)
}

func TestConfigValidation(t *testing.T) {
	_, err := mvstore.Open(mvstore.DefaultConfig(""))
	require.Error(t, err)

	cfg := testConfig(t)
	cfg.AutoCompactFillRate = 150
	_, err = mvstore.Open(cfg)
	require.Error(t, err)
}

func TestConfigFromSettings(t *testing.T) {
	cfg, err := mvstore.ConfigFromSettings(map[string]string{
		"MV_STORE":               "true",
		"PAGE_SIZE":              "8192",
		"CACHE_SIZE":             "1024",
		"COMPRESS":               "true",
		"READ_ONLY":              "true",
		"AUTO_COMPACT_FILL_RATE": "50",
		"RETENTION_TIME":         "1000",
		"WRITE_DELAY":            "0",
		"MAX_COMPACT_TIME":       "200",
		"UNKNOWN":                "ignored",
	})
	require.NoError(t, err)
	assert.Empty(t, cfg.FileName)
	assert.Equal(t, 8192, cfg.PageSplitSize)
	assert.Equal(t, int64(1<<20), cfg.CacheSize)
	assert.Equal(t, mvstore.CompressionLZ4, cfg.Compression)
	assert.True(t, cfg.ReadOnly)
	assert.Equal(t, 50, cfg.AutoCompactFillRate)
	assert.Equal(t, time.Second, cfg.RetentionTime)
	assert.Equal(t, time.Duration(0), cfg.AutoCommitDelay)
	assert.Equal(t, 200*time.Millisecond, cfg.MaxCompactTime)

	cfg, err = mvstore.ConfigFromSettings(map[string]string{"COMPRESS": "2"})
	require.NoError(t, err)
	assert.Equal(t, mvstore.CompressionZSTD, cfg.Compression)

	_, err = mvstore.ConfigFromSettings(map[string]string{"MV_STORE": "false"})
	require.ErrorIs(t, err, mvstore.ErrUnsupportedFormat)

	_, err = mvstore.ConfigFromSettings(map[string]string{"PAGE_SIZE": "big"})
	require.Error(t, err)
}
