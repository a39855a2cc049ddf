// Package ratelimit throttles broker API calls per request class so the
// trader never trips broker-side limits. Each class has its own token
// bucket and a bounded wait queue; callers beyond the high-water mark
// fail fast instead of piling up stale work.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"intraday_trader/internal/core"
	"intraday_trader/pkg/apperrors"
	"intraday_trader/pkg/telemetry"
)

// Class identifies a broker request class with its own budget.
type Class string

const (
	ClassOrders Class = "orders"
	ClassQuotes Class = "quotes"
	ClassData   Class = "data"
)

// sustainedRounds is how many consecutive saturated observations it
// takes before the throttle reports sustained pressure.
const sustainedRounds = 10

type classLimiter struct {
	limiter   *rate.Limiter
	depth     atomic.Int64
	highWater int64
	sustained int64
}

// Throttle implements per-class rate limiting with bounded queues.
type Throttle struct {
	mu      sync.RWMutex
	classes map[Class]*classLimiter
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	// onSustained fires once per pressure episode so risk can pause
	// new entries while the queue drains.
	onSustained func(class Class, depth int64)
}

// Limits configures per-class requests per second and queueing.
type Limits struct {
	OrdersPerSec  int
	QuotesPerSec  int
	DataPerSec    int
	QueueHighWater int
	// PriorityBurst is extra token-bucket headroom on the orders class
	// so flatten-all never waits behind routine traffic.
	PriorityBurst int
}

func New(lim Limits, logger core.ILogger) *Throttle {
	if lim.QueueHighWater <= 0 {
		lim.QueueHighWater = 32
	}
	if lim.PriorityBurst <= 0 {
		lim.PriorityBurst = 10
	}
	mk := func(rps, burst int) *classLimiter {
		if rps <= 0 {
			rps = 1
		}
		if burst < 1 {
			burst = 1
		}
		return &classLimiter{
			limiter:   rate.NewLimiter(rate.Limit(rps), burst),
			highWater: int64(lim.QueueHighWater),
		}
	}
	return &Throttle{
		classes: map[Class]*classLimiter{
			ClassOrders: mk(lim.OrdersPerSec, lim.PriorityBurst),
			ClassQuotes: mk(lim.QuotesPerSec, 1),
			ClassData:   mk(lim.DataPerSec, 2),
		},
		logger:  logger.WithField("component", "ratelimit"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// OnSustained registers the sustained-pressure callback.
func (t *Throttle) OnSustained(fn func(class Class, depth int64)) {
	t.onSustained = fn
}

// Wait blocks until a token for class is available, or fails fast with
// ErrThrottleQueueFull when the wait queue is past high water.
func (t *Throttle) Wait(ctx context.Context, class Class) error {
	return t.wait(ctx, class, false)
}

// WaitPriority is Wait without the queue bound. Reserved for flatten
// and cancel traffic that must never be shed.
func (t *Throttle) WaitPriority(ctx context.Context, class Class) error {
	return t.wait(ctx, class, true)
}

func (t *Throttle) wait(ctx context.Context, class Class, priority bool) error {
	cl, ok := t.classes[class]
	if !ok {
		return fmt.Errorf("unknown rate limit class %q", class)
	}

	depth := cl.depth.Add(1)
	defer func() {
		d := cl.depth.Add(-1)
		t.metrics.SetThrottleDepth(string(class), d)
	}()
	t.metrics.SetThrottleDepth(string(class), depth)

	if !priority && depth > cl.highWater {
		t.observePressure(class, cl, depth)
		return fmt.Errorf("class %s depth %d: %w", class, depth, apperrors.ErrThrottleQueueFull)
	}
	t.observePressure(class, cl, depth)

	if err := cl.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait %s: %w", class, err)
	}
	return nil
}

// Depth reports the current wait-queue depth for class.
func (t *Throttle) Depth(class Class) int64 {
	if cl, ok := t.classes[class]; ok {
		return cl.depth.Load()
	}
	return 0
}

func (t *Throttle) observePressure(class Class, cl *classLimiter, depth int64) {
	if depth*2 <= cl.highWater {
		atomic.StoreInt64(&cl.sustained, 0)
		return
	}
	n := atomic.AddInt64(&cl.sustained, 1)
	if n == sustainedRounds {
		t.logger.Warn("sustained throttle pressure", "class", string(class), "depth", depth)
		if t.onSustained != nil {
			t.onSustained(class, depth)
		}
	}
}
