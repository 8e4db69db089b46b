package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no task event received")
		return Event{}
	}
}

func TestPoolEmitsTerminalEvents(t *testing.T) {
	events := make(chan Event, 8)
	p := NewPool(Config{Workers: 2, QueueSize: 4, Events: events}, zap.NewNop())
	defer p.Stop(context.Background())

	t.Run("success", func(t *testing.T) {
		p.Go("broadcast", "user-1", func(ctx context.Context) error { return nil })
		ev := waitEvent(t, events)
		assert.Equal(t, "broadcast", ev.Name)
		assert.Equal(t, "user-1", ev.UserID)
		assert.NoError(t, ev.Err)
		assert.False(t, ev.Panicked)
	})

	t.Run("error", func(t *testing.T) {
		boom := errors.New("socket closed")
		p.Go("broadcast", "user-2", func(ctx context.Context) error { return boom })
		ev := waitEvent(t, events)
		assert.ErrorIs(t, ev.Err, boom)
		assert.False(t, ev.Panicked)
	})

	t.Run("panic", func(t *testing.T) {
		p.Go("auto_topup", "user-3", func(ctx context.Context) error { panic("nil account") })
		ev := waitEvent(t, events)
		assert.True(t, ev.Panicked)
		assert.Error(t, ev.Err)
	})
}

func TestPoolRunsUnderPoolContext(t *testing.T) {
	events := make(chan Event, 1)
	p := NewPool(Config{Workers: 1, QueueSize: 1, Events: events}, zap.NewNop())
	defer p.Stop(context.Background())

	p.Go("usage", "u", func(ctx context.Context) error { return ctx.Err() })
	ev := waitEvent(t, events)
	assert.NoError(t, ev.Err)
}

func TestPoolFullQueueStillRuns(t *testing.T) {
	events := make(chan Event, 16)
	release := make(chan struct{})
	p := NewPool(Config{Workers: 1, QueueSize: 0, Events: events}, zap.NewNop())

	var ran int32
	for i := 0; i < 5; i++ {
		p.Go("slow", "u", func(ctx context.Context) error {
			<-release
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}
	close(release)

	for i := 0; i < 5; i++ {
		waitEvent(t, events)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
	require.NoError(t, p.Stop(context.Background()))
}

func TestPoolSubmitAfterStop(t *testing.T) {
	events := make(chan Event, 1)
	p := NewPool(Config{Workers: 1, Events: events}, zap.NewNop())
	require.NoError(t, p.Stop(context.Background()))

	p.Go("late", "u", func(ctx context.Context) error { return nil })
	ev := waitEvent(t, events)
	assert.ErrorIs(t, ev.Err, ErrPoolStopped)

	// idempotent
	assert.NoError(t, p.Stop(context.Background()))
}

func TestPoolStopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p := NewPool(Config{Workers: 1}, zap.NewNop())

	p.Go("stuck", "u", func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Stop(ctx))
}

func TestPoolOnDone(t *testing.T) {
	done := make(chan Event, 1)
	p := NewPool(Config{Workers: 1, OnDone: func(ev Event) { done <- ev }}, zap.NewNop())
	defer p.Stop(context.Background())

	p.Go("x", "u", func(ctx context.Context) error { return nil })
	ev := waitEvent(t, done)
	assert.Equal(t, "x", ev.Name)
}
