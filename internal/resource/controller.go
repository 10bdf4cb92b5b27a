package resource

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// AutoCommitMemory is the unsaved memory in bytes that triggers a commit.
	// If 0, commits are never triggered by memory.
	AutoCommitMemory int64

	// MaxBackgroundWorkers is the maximum number of concurrent background jobs.
	// If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec is the maximum write throughput of compaction.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages resources shared by stores.
type Controller struct {
	cfg Config

	// Unsaved memory
	unsaved      atomic.Int64
	commitNeeded chan struct{}

	// Concurrency
	bgSem *semaphore.Weighted

	// IO
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}

	c := &Controller{
		cfg:          cfg,
		commitNeeded: make(chan struct{}, 1),
		bgSem:        semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AddUnsaved records bytes of unsaved page memory. It returns true and
// signals CommitNeeded when the total reaches the auto-commit threshold.
func (c *Controller) AddUnsaved(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return false
	}
	total := c.unsaved.Add(bytes)
	if c.cfg.AutoCommitMemory <= 0 || total < c.cfg.AutoCommitMemory {
		return false
	}
	select {
	case c.commitNeeded <- struct{}{}:
	default:
	}
	return true
}

// ReleaseUnsaved subtracts bytes that were written by a commit or dropped
// by a rollback.
func (c *Controller) ReleaseUnsaved(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	for {
		cur := c.unsaved.Load()
		next := max(cur-bytes, 0)
		if c.unsaved.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Unsaved returns the current unsaved memory in bytes.
func (c *Controller) Unsaved() int64 {
	if c == nil {
		return 0
	}
	return c.unsaved.Load()
}

// AutoCommitMemory returns the configured threshold (0 if disabled).
func (c *Controller) AutoCommitMemory() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.AutoCommitMemory
}

// NeedsCommit reports whether unsaved memory is at or above the threshold.
func (c *Controller) NeedsCommit() bool {
	if c == nil || c.cfg.AutoCommitMemory <= 0 {
		return false
	}
	return c.unsaved.Load() >= c.cfg.AutoCommitMemory
}

// CommitNeeded is signalled when AddUnsaved crosses the threshold.
// A nil Controller returns a nil channel, which never fires.
func (c *Controller) CommitNeeded() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.commitNeeded
}

// AcquireBackground attempts to reserve a background worker slot.
// Blocks if all slots are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// TryAcquireBackground attempts to reserve a background worker slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// ReleaseBackground releases a background worker slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
// Requests larger than the burst are split.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}

// TryAcquireIO attempts to acquire IO tokens without blocking.
// Returns true if tokens were acquired, false otherwise.
func (c *Controller) TryAcquireIO(bytes int) bool {
	if c == nil || c.ioLimiter == nil {
		return true
	}
	return c.ioLimiter.AllowN(time.Now(), bytes)
}
