package background

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_RunsTasks(t *testing.T) {
	r := NewRunner(4, time.Second)

	var ran atomic.Int64
	done := make(chan struct{})
	r.Go(func(ctx context.Context) {
		ran.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	assert.Equal(t, int64(1), ran.Load())
	assert.Equal(t, int64(0), r.Dropped())
}

func TestRunner_DropsAtCapacity(t *testing.T) {
	r := NewRunner(1, time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	r.Go(func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	// The single slot is held; this submission must be dropped, not block.
	r.Go(func(ctx context.Context) {})
	assert.Equal(t, int64(1), r.Dropped())

	close(release)
	r.Close(time.Second)
}

func TestRunner_CloseWaitsForInFlight(t *testing.T) {
	r := NewRunner(2, time.Second)

	var finished atomic.Bool
	r.Go(func(ctx context.Context) {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})

	r.Close(time.Second)
	assert.True(t, finished.Load(), "Close must wait for in-flight tasks")
}

func TestRunner_RejectsAfterClose(t *testing.T) {
	r := NewRunner(2, time.Second)
	r.Close(time.Second)

	r.Go(func(ctx context.Context) {
		t.Error("task ran after Close")
	})
	assert.Equal(t, int64(1), r.Dropped())
}

func TestRunner_TaskContextHasDeadline(t *testing.T) {
	r := NewRunner(1, 50*time.Millisecond)

	got := make(chan bool, 1)
	r.Go(func(ctx context.Context) {
		_, ok := ctx.Deadline()
		got <- ok
	})

	select {
	case ok := <-got:
		require.True(t, ok, "task context must carry the runner timeout")
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}
