package disco

import (
	"context"
	"errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, modify func(cfg *QueueConfig)) *RequestQueue {
	t.Helper()
	cfg := DefaultTestConfig(t).Queue
	if modify != nil {
		modify(cfg)
	}
	return NewRequestQueue(cfg, nil, NewMetrics(prometheus.NewRegistry()))
}

func TestRequestQueue_FIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, nil)
	first := NewAIRequest("a", "", "one", nil)
	second := NewAIRequest("b", "", "two", nil)

	require.NoError(t, q.Push(ctx, first))
	require.NoError(t, q.Push(ctx, second))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(q.metrics.queueSize))

	assert.Same(t, first, q.Pop(ctx))
	assert.Same(t, second, q.Pop(ctx))
	assert.Nil(t, q.Pop(ctx))
	assert.Equal(t, 0.0, testutil.ToFloat64(q.metrics.queueSize))
}

func TestRequestQueue_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, func(cfg *QueueConfig) { cfg.Size = 2 })

	reqs := []*AIRequest{
		NewAIRequest("a", "", "1", nil),
		NewAIRequest("a", "", "2", nil),
		NewAIRequest("a", "", "3", nil),
	}
	for _, r := range reqs {
		require.NoError(t, q.Push(ctx, r))
	}
	assert.Equal(t, 2, q.Len())
	assert.Same(t, reqs[1], q.Pop(ctx))
	assert.Same(t, reqs[2], q.Pop(ctx))
	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(q.metrics.queueDropped.WithLabelValues(queueDropFull)),
	)
}

func TestRequestQueue_MaxAge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, func(cfg *QueueConfig) { cfg.MaxAge = time.Minute })

	old := NewAIRequest("a", "", "old", nil)
	old.CreatedAt = time.Now().Add(-time.Hour)
	err := q.Push(ctx, old)
	assert.ErrorIs(t, err, ErrRequestTooOld)
	assert.Equal(t, 0, q.Len())

	// requests that age out while queued are skipped by Pop
	stale := NewAIRequest("a", "", "stale", nil)
	fresh := NewAIRequest("a", "", "fresh", nil)
	require.NoError(t, q.Push(ctx, stale))
	require.NoError(t, q.Push(ctx, fresh))
	stale.CreatedAt = time.Now().Add(-time.Hour)

	assert.Same(t, fresh, q.Pop(ctx))
	assert.Equal(
		t,
		2.0,
		testutil.ToFloat64(q.metrics.queueDropped.WithLabelValues(queueDropExpired)),
	)
}

func TestRequestQueue_Clear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := newTestQueue(t, nil)
	require.NoError(t, q.Push(ctx, NewAIRequest("a", "", "1", nil)))
	require.NoError(t, q.Push(ctx, NewAIRequest("a", "", "2", nil)))

	cleared := q.Clear()
	assert.Len(t, cleared, 2)
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Pop(ctx))
}

func TestRequestQueue_Watch(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, func(cfg *QueueConfig) { cfg.Workers = 2 })
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	var mu sync.Mutex
	var handled []string
	var running, maxRunning atomic.Int32
	done := make(chan struct{})
	const total = 6

	for i := 0; i < total; i++ {
		require.NoError(t, q.Push(ctx, NewAIRequest("s", "", string(rune('a'+i)), nil)))
	}

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- q.watch(
			ctx, func(ctx context.Context, req *AIRequest) error {
				n := running.Add(1)
				defer running.Add(-1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				_, ok := ContextLogger(ctx)
				assert.True(t, ok)
				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				defer mu.Unlock()
				handled = append(handled, req.Prompt)
				if len(handled) == total {
					close(done)
				}
				if req.Prompt == "a" {
					panic("recovered")
				}
				return errors.New("logged")
			},
		)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for requests to be handled")
	}
	cancel()

	select {
	case err := <-watchErr:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("watch didn't return")
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e", "f"}, handled)
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}
