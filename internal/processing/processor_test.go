package processing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilPoolRunsInline(t *testing.T) {
	var p *Pool
	ran := false
	err := p.Do(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(2, nil)
	p.Start(ctx)

	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(ctx, func(context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPoolReturnsJobError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(1, nil)
	p.Start(ctx)

	boom := errors.New("boom")
	err := p.Do(ctx, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPoolRecoversPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(1, nil)
	p.Start(ctx)

	err := p.Do(ctx, func(context.Context) error { panic("bad zip") })
	require.Error(t, err)

	// The worker survives and keeps serving.
	require.NoError(t, p.Do(ctx, func(context.Context) error { return nil }))
}

func TestPoolStoppedRejectsWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(1, nil)
	p.Start(ctx)
	cancel()

	require.Eventually(t, func() bool {
		err := p.Do(context.Background(), func(context.Context) error { return nil })
		return errors.Is(err, ErrPoolClosed)
	}, time.Second, 5*time.Millisecond)
}
