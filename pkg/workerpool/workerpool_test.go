package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andrej220/remotectl/internal/lg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietCtx() context.Context {
	return lg.Attach(context.Background(), lg.Discard)
}

func TestPoolRunsEveryJobOnce(t *testing.T) {
	p := NewPool[string](2)
	targets := []string{"app1", "app2", "app3", "app4", "app5"}

	var mu sync.Mutex
	runs := map[string]int{}
	done := map[string]error{}
	for _, target := range targets {
		err := p.Submit(Job[string]{
			Payload: target,
			Ctx:     quietCtx(),
			Fn: func(_ context.Context, tgt string) error {
				mu.Lock()
				defer mu.Unlock()
				runs[tgt]++
				return nil
			},
			Done: func(tgt string, err error) {
				mu.Lock()
				defer mu.Unlock()
				done[tgt] = err
			},
		})
		require.NoError(t, err)
	}
	p.Stop()

	assert.Len(t, runs, len(targets))
	for _, target := range targets {
		assert.Equal(t, 1, runs[target], target)
		assert.Contains(t, done, target)
		assert.NoError(t, done[target])
	}
	assert.Zero(t, p.ActiveWorkers())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool[int](3)
	var current, peak int32
	for i := 0; i < 12; i++ {
		require.NoError(t, p.Submit(Job[int]{
			Payload: i,
			Ctx:     quietCtx(),
			Fn: func(context.Context, int) error {
				n := atomic.AddInt32(&current, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			},
		}))
	}
	p.Stop()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Positive(t, atomic.LoadInt32(&peak))
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	p := NewPool[string](0)
	boom := errors.New("unreachable")
	var mu sync.Mutex
	got := map[string]error{}
	record := func(tgt string, err error) {
		mu.Lock()
		defer mu.Unlock()
		got[tgt] = err
	}

	require.NoError(t, p.Submit(Job[string]{Payload: "err", Ctx: quietCtx(), Done: record,
		Fn: func(context.Context, string) error { return boom }}))
	require.NoError(t, p.Submit(Job[string]{Payload: "panic", Ctx: quietCtx(), Done: record,
		Fn: func(context.Context, string) error { panic("nil map") }}))
	p.Stop()

	assert.ErrorIs(t, got["err"], boom)
	require.Error(t, got["panic"])
	assert.Contains(t, got["panic"].Error(), "nil map")
}

func TestPoolCanceledBeforeStart(t *testing.T) {
	p := NewPool[string](1)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Job[string]{Payload: "busy", Ctx: quietCtx(),
		Fn: func(context.Context, string) error {
			close(started)
			<-release
			return nil
		}}))
	<-started

	ctx, cancel := context.WithCancel(quietCtx())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	require.NoError(t, p.Submit(Job[string]{Payload: "queued", Ctx: ctx,
		Fn:   func(context.Context, string) error { ran.Store(true); return nil },
		Done: func(_ string, err error) { errCh <- err }}))
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	close(release)
	p.Stop()
	assert.False(t, ran.Load())
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := NewPool[string](1)
	p.Stop()
	err := p.Submit(Job[string]{Payload: "late", Ctx: quietCtx(), Fn: func(context.Context, string) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolStopped)
}
