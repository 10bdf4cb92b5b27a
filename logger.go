package mvstore

import (
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// Logger wraps slog.Logger with store-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithPath adds the store file to the logger.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("path", path),
	}
}

// WithMap adds a map name to the logger.
func (l *Logger) WithMap(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("map", name),
	}
}

// LogOpen logs opening a store.
func (l *Logger) LogOpen(version int64, chunks int, size int64, err error) {
	if err != nil {
		l.Error("open failed",
			"error", err,
		)
	} else {
		l.Info("store opened",
			"version", version,
			"chunks", chunks,
			"size", humanize.IBytes(uint64(size)),
		)
	}
}

// LogRecovery logs a newest chunk that was found past the one the store
// header pointed to.
func (l *Logger) LogRecovery(headerChunk, chunk int, version int64) {
	l.Warn("recovered chunks past store header",
		"header_chunk", headerChunk,
		"chunk", chunk,
		"version", version,
	)
}

// LogCommit logs a commit.
func (l *Logger) LogCommit(version int64, chunk int, bytes int64, pages int, duration time.Duration, err error) {
	if err != nil {
		l.Error("commit failed",
			"version", version,
			"chunk", chunk,
			"error", err,
		)
	} else {
		l.Debug("commit completed",
			"version", version,
			"chunk", chunk,
			"size", humanize.IBytes(uint64(bytes)),
			"pages", pages,
			"duration", duration,
		)
	}
}

// LogRetire logs chunks that lost their last reader and will be freed.
func (l *Logger) LogRetire(chunks []int) {
	l.Debug("chunks retired",
		"chunks", chunks,
	)
}

// LogCompaction logs a compaction pass.
func (l *Logger) LogCompaction(chunks, pages int, duration time.Duration, err error) {
	if err != nil {
		l.Error("compaction failed",
			"chunks", chunks,
			"error", err,
		)
	} else {
		l.Info("compaction completed",
			"chunks", chunks,
			"pages", pages,
			"duration", duration,
		)
	}
}

// LogCleanup logs a file left over by an interrupted offline compaction.
func (l *Logger) LogCleanup(action, file string) {
	l.Info("compaction cleanup",
		"action", action,
		"file", file,
	)
}
