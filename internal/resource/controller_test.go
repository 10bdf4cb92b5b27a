package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Unsaved(t *testing.T) {
	c := NewController(Config{AutoCommitMemory: 100})

	assert.False(t, c.AddUnsaved(50))
	assert.Equal(t, int64(50), c.Unsaved())
	assert.False(t, c.NeedsCommit())

	assert.True(t, c.AddUnsaved(60))
	assert.True(t, c.NeedsCommit())

	select {
	case <-c.CommitNeeded():
	default:
		t.Fatal("expected commit signal")
	}

	// The signal does not pile up.
	assert.True(t, c.AddUnsaved(10))
	assert.True(t, c.AddUnsaved(10))
	<-c.CommitNeeded()
	select {
	case <-c.CommitNeeded():
		t.Fatal("unexpected second signal")
	default:
	}

	c.ReleaseUnsaved(100)
	assert.Equal(t, int64(30), c.Unsaved())
	assert.False(t, c.NeedsCommit())

	// Never negative.
	c.ReleaseUnsaved(1000)
	assert.Equal(t, int64(0), c.Unsaved())
}

func TestController_UnsavedWithoutThreshold(t *testing.T) {
	c := NewController(Config{})

	assert.False(t, c.AddUnsaved(1 << 30))
	assert.Equal(t, int64(1<<30), c.Unsaved())
	assert.False(t, c.NeedsCommit())
	assert.Equal(t, int64(0), c.AutoCommitMemory())
}

func TestController_Concurrency(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 2})

	// Acquire 2
	require.NoError(t, c.AcquireBackground(t.Context()))
	require.NoError(t, c.AcquireBackground(t.Context()))

	// Try 3rd
	assert.False(t, c.TryAcquireBackground())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireBackground(ctx))

	// Release 1
	c.ReleaseBackground()

	// Try 3rd again
	assert.True(t, c.TryAcquireBackground())
}

func TestController_IO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1000})

	assert.True(t, c.TryAcquireIO(100))
	require.NoError(t, c.AcquireIO(t.Context(), 100))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.Error(t, c.AcquireIO(ctx, 5000))

	// Unlimited
	c2 := NewController(Config{})
	require.NoError(t, c2.AcquireIO(t.Context(), 1000000))
	assert.True(t, c2.TryAcquireIO(1000000))
}

func TestController_NilSafe(t *testing.T) {
	var c *Controller

	assert.False(t, c.AddUnsaved(100))
	c.ReleaseUnsaved(100)
	assert.Equal(t, int64(0), c.Unsaved())
	assert.False(t, c.NeedsCommit())
	assert.Nil(t, c.CommitNeeded())

	assert.NoError(t, c.AcquireBackground(context.Background()))
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()

	assert.NoError(t, c.AcquireIO(context.Background(), 100))
	assert.True(t, c.TryAcquireIO(100))
}
