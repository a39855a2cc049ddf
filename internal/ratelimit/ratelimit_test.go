package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"intraday_trader/pkg/apperrors"
	"intraday_trader/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newThrottle(t *testing.T, lim Limits) *Throttle {
	t.Helper()
	return New(lim, logging.NewNop())
}

func TestWaitAllowsWithinBudget(t *testing.T) {
	th := newThrottle(t, Limits{OrdersPerSec: 100, QuotesPerSec: 100, DataPerSec: 100})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, th.Wait(ctx, ClassOrders))
	}
}

func TestWaitFailsFastPastHighWater(t *testing.T) {
	th := newThrottle(t, Limits{OrdersPerSec: 1, QuotesPerSec: 1, DataPerSec: 1, QueueHighWater: 2})

	ctx := context.Background()
	var full atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := th.Wait(ctx, ClassQuotes); err != nil {
				assert.ErrorIs(t, err, apperrors.ErrThrottleQueueFull)
				full.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Greater(t, full.Load(), int64(0), "expected some callers shed past high water")
}

func TestWaitPriorityIgnoresHighWater(t *testing.T) {
	th := newThrottle(t, Limits{OrdersPerSec: 1000, QuotesPerSec: 1, DataPerSec: 1, QueueHighWater: 1, PriorityBurst: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- th.WaitPriority(ctx, ClassOrders)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestUnknownClass(t *testing.T) {
	th := newThrottle(t, Limits{})
	assert.Error(t, th.Wait(context.Background(), Class("bogus")))
}

func TestWaitRespectsContextCancel(t *testing.T) {
	th := newThrottle(t, Limits{OrdersPerSec: 1, QuotesPerSec: 1, DataPerSec: 1, QueueHighWater: 100})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// drain the single token, then the next wait must give up on ctx
	require.NoError(t, th.Wait(ctx, ClassData))
	require.NoError(t, th.Wait(ctx, ClassData)) // burst of 2 on data
	err := th.Wait(ctx, ClassData)
	assert.Error(t, err)
}
