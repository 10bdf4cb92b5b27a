package mvstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/mvstore/internal/codec"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

// Compression selects how page bodies are compressed.
type Compression = codec.Compression

const (
	// CompressionNone stores pages uncompressed.
	CompressionNone = codec.CompressionNone
	// CompressionLZ4 compresses pages with LZ4 (fast).
	CompressionLZ4 = codec.CompressionLZ4
	// CompressionZSTD compresses pages with Zstandard (high).
	CompressionZSTD = codec.CompressionZSTD
)

// FileSuffix is the suffix of store files.
const FileSuffix = ".mv.db"

// legacySuffix marks files of the older page store format.
const legacySuffix = ".data.db"

// Config configures a Store.
type Config struct {
	// FileName is the path of the store file, usually ending in ".mv.db".
	FileName string

	// EncryptionKey is kept for API compatibility. Pages are not encrypted.
	EncryptionKey []byte

	// ReadOnly opens the file with a shared lock and rejects writes.
	ReadOnly bool

	// PageSplitSize splits pages whose estimated memory exceeds it. Default 16 KiB.
	PageSplitSize int

	// KeysPerPage splits pages with more keys. Default 48.
	KeysPerPage int

	// Compression of page bodies. Default none.
	Compression Compression

	// CacheSize is the page cache budget in bytes. Default 16 MiB.
	CacheSize int64

	// CacheConcurrency is the number of cache segments. Default 16.
	CacheConcurrency int

	// AutoCommitBufferSize is the unsaved page memory in bytes that triggers a
	// background commit. Default 1 MiB.
	AutoCommitBufferSize int64

	// AutoCommitDelay is the period of the background writer.
	// 0 disables background commits. Default 1s.
	AutoCommitDelay time.Duration

	// AutoCompactFillRate is the chunk fill rate in percent below which the
	// background writer compacts. 0 disables auto-compaction. Default 90.
	AutoCompactFillRate int

	// RetentionTime is how long unused chunks are kept before their space
	// is reused. Default 45s.
	RetentionTime time.Duration

	// MaxCompactTime bounds the compaction done when the store is closed.
	// 0 disables it.
	MaxCompactTime time.Duration
}

// DefaultConfig returns the default configuration for fileName.
func DefaultConfig(fileName string) Config {
	return Config{
		FileName:             fileName,
		PageSplitSize:        16 * 1024,
		KeysPerPage:          48,
		Compression:          CompressionNone,
		CacheSize:            16 << 20,
		CacheConcurrency:     16,
		AutoCommitBufferSize: 1 << 20,
		AutoCommitDelay:      time.Second,
		AutoCompactFillRate:  90,
		RetentionTime:        45 * time.Second,
	}
}

func (c *Config) validate() error {
	if c.FileName == "" {
		return fmt.Errorf("mvstore: file name is required")
	}
	def := DefaultConfig(c.FileName)
	if c.PageSplitSize <= 0 {
		c.PageSplitSize = def.PageSplitSize
	}
	if c.KeysPerPage < 2 {
		c.KeysPerPage = def.KeysPerPage
	}
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
	if c.CacheConcurrency <= 0 {
		c.CacheConcurrency = def.CacheConcurrency
	}
	if c.AutoCompactFillRate < 0 || c.AutoCompactFillRate > 100 {
		return fmt.Errorf("mvstore: auto compact fill rate %d out of range", c.AutoCompactFillRate)
	}
	switch c.Compression {
	case CompressionNone, CompressionLZ4, CompressionZSTD:
	default:
		return fmt.Errorf("mvstore: unknown compression %d", c.Compression)
	}
	if c.RetentionTime < 0 {
		c.RetentionTime = 0
	}
	return nil
}

// ConfigFromSettings builds a Config from string settings, as found in a
// connection URL or settings file. Recognized keys are MV_STORE, PAGE_SIZE
// (bytes), CACHE_SIZE (KiB), COMPRESS (false, true, lz4, zstd, 0, 1, 2),
// READ_ONLY, AUTO_COMPACT_FILL_RATE (percent), RETENTION_TIME, WRITE_DELAY
// and MAX_COMPACT_TIME (milliseconds). Unknown keys are ignored. The file
// name is left empty for the caller to set.
func ConfigFromSettings(settings map[string]string) (Config, error) {
	cfg := DefaultConfig("")
	for key, value := range settings {
		value = strings.TrimSpace(value)
		var err error
		switch strings.ToUpper(key) {
		case "MV_STORE":
			var on bool
			if on, err = strconv.ParseBool(value); err == nil && !on {
				return Config{}, storeerr.E("settings", fmt.Errorf("%w: MV_STORE=false", storeerr.ErrUnsupportedFormat))
			}
		case "PAGE_SIZE":
			cfg.PageSplitSize, err = strconv.Atoi(value)
		case "CACHE_SIZE":
			var kb int64
			if kb, err = strconv.ParseInt(value, 10, 64); err == nil {
				cfg.CacheSize = kb * 1024
			}
		case "COMPRESS":
			cfg.Compression, err = parseCompression(value)
		case "READ_ONLY":
			cfg.ReadOnly, err = strconv.ParseBool(value)
		case "AUTO_COMPACT_FILL_RATE":
			cfg.AutoCompactFillRate, err = strconv.Atoi(value)
		case "RETENTION_TIME":
			cfg.RetentionTime, err = parseMillis(value)
		case "WRITE_DELAY":
			cfg.AutoCommitDelay, err = parseMillis(value)
		case "MAX_COMPACT_TIME":
			cfg.MaxCompactTime, err = parseMillis(value)
		}
		if err != nil {
			return Config{}, fmt.Errorf("mvstore: setting %s=%q: %w", key, value, err)
		}
	}
	return cfg, nil
}

func parseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "0", "false", "none":
		return CompressionNone, nil
	case "1", "true", "lz4":
		return CompressionLZ4, nil
	case "2", "zstd":
		return CompressionZSTD, nil
	}
	return 0, fmt.Errorf("unknown compression")
}

func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
