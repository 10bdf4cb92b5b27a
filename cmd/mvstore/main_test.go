package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/hupe1980/mvstore"
)

// counterType is deliberately left unregistered.
type counterType struct{ mvstore.LongType }

func (counterType) Name() string { return "cli.counter" }

func newFixture(t *testing.T) string {
	t.Helper()
	cfg := mvstore.DefaultConfig(filepath.Join(t.TempDir(), "cli.mv.db"))
	cfg.AutoCommitDelay = 0
	s, err := mvstore.Open(cfg)
	require.NoError(t, err)

	users, err := mvstore.OpenMap(s, "users", mvstore.LongType{}, mvstore.StringType{})
	require.NoError(t, err)
	blobs, err := mvstore.OpenMap(s, "blobs", mvstore.StringType{}, mvstore.BytesType{})
	require.NoError(t, err)
	hits, err := mvstore.OpenMap(s, "hits", mvstore.StringType{}, counterType{})
	require.NoError(t, err)

	for round := range 3 {
		for i := int64(0); i < 50; i++ {
			_, _, err := users.Put(i, fmt.Sprintf("user-%d-%d", i, round))
			require.NoError(t, err)
		}
		_, err = s.Commit()
		require.NoError(t, err)
	}
	_, _, err = blobs.Put("k", []byte{0xca, 0xfe})
	require.NoError(t, err)
	_, _, err = hits.Put("h", 7)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	return cfg.FileName
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	stdout = &buf
	t.Cleanup(func() { stdout = os.Stdout })
	return &buf
}

func TestInfo(t *testing.T) {
	file := newFixture(t)
	out := captureStdout(t)

	cmd := &cmdInfo{Format: "table"}
	cmd.File.Path = file
	require.NoError(t, cmd.Execute(nil))
	assert.Contains(t, out.String(), "Chunk fill rate")
	assert.Contains(t, out.String(), "KiB")

	out.Reset()
	cmd.Format = "yaml"
	require.NoError(t, cmd.Execute(nil))

	var doc infoDoc
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &doc))
	assert.Equal(t, int64(4), doc.Version)
	assert.Equal(t, []string{"blobs", "hits", "users"}, doc.Maps)
	assert.Len(t, doc.ChunkList, doc.Chunks)
	assert.Equal(t, int64(16<<20), doc.Cache.MaxMemory)
}

func TestInfoMissingFile(t *testing.T) {
	cmd := &cmdInfo{Format: "table"}
	cmd.File.Path = filepath.Join(t.TempDir(), "missing.mv.db")
	require.Error(t, cmd.Execute(nil))
	assert.NoFileExists(t, cmd.File.Path)
}

func TestDump(t *testing.T) {
	file := newFixture(t)
	out := captureStdout(t)

	cmd := &cmdDump{}
	cmd.File.Path = file
	require.NoError(t, cmd.Execute(nil))
	assert.Contains(t, out.String(), "users")
	assert.Contains(t, out.String(), "cli.counter")
	assert.Contains(t, out.String(), "?")

	out.Reset()
	cmd.Map = "users"
	cmd.Limit = 5
	require.NoError(t, cmd.Execute(nil))
	assert.Contains(t, out.String(), "user-4-2")
	assert.NotContains(t, out.String(), "user-5-2")

	out.Reset()
	cmd.Map = "blobs"
	require.NoError(t, cmd.Execute(nil))
	assert.Contains(t, out.String(), "cafe")

	cmd.Map = "hits"
	require.ErrorIs(t, cmd.Execute(nil), mvstore.ErrUnknownDataType)

	cmd.Map = "nope"
	require.Error(t, cmd.Execute(nil))
}

func TestCompactAndCleanup(t *testing.T) {
	file := newFixture(t)
	out := captureStdout(t)

	compact := &cmdCompact{}
	compact.File.Path = file
	require.ErrorIs(t, compact.Execute(nil), mvstore.ErrUnknownDataType)
	assert.NoFileExists(t, file+".tempFile")

	require.NoError(t, os.WriteFile(file+".tempFile", []byte("partial"), 0o644))
	cleanup := &cmdCleanup{}
	cleanup.File.Path = file
	require.NoError(t, cleanup.Execute(nil))
	assert.NoFileExists(t, file+".tempFile")
	assert.FileExists(t, file)
	assert.Empty(t, out.String())
}

func TestCompactCommand(t *testing.T) {
	cfg := mvstore.DefaultConfig(filepath.Join(t.TempDir(), "c.mv.db"))
	cfg.AutoCommitDelay = 0
	s, err := mvstore.Open(cfg)
	require.NoError(t, err)
	m, err := mvstore.OpenMap(s, "data", mvstore.LongType{}, mvstore.StringType{})
	require.NoError(t, err)
	for round := range 4 {
		for i := int64(0); i < 100; i++ {
			_, _, err := m.Put(i, fmt.Sprint(round))
			require.NoError(t, err)
		}
		_, err = s.Commit()
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	out := captureStdout(t)
	_, err = parser.ParseArgs([]string{"compact", cfg.FileName})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "compacted")
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("CACHE_SIZE: 1024\nCOMPRESS: lz4\nRETENTION_TIME: 0\n"), 0o644))

	cfg, err := loadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), cfg.CacheSize)
	assert.Equal(t, mvstore.CompressionLZ4, cfg.Compression)

	require.NoError(t, os.WriteFile(path, []byte("- not a map\n"), 0o644))
	_, err = loadSettings(path)
	require.Error(t, err)

	cfg, err = loadSettings("")
	require.NoError(t, err)
	assert.Equal(t, mvstore.DefaultConfig("").CacheSize, cfg.CacheSize)
}
