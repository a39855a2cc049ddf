// Package leader implements a single-leader lease on a shared backend.
// Only the elected instance may run the scan loop and place orders.
package leader

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"intraday_trader/internal/core"
	"intraday_trader/pkg/telemetry"
)

// Backend is the minimal key/value surface the lock needs. Values are
// returned as raw bytes because not every backend normalizes to string.
type Backend interface {
	// SetNX sets key to value with a TTL iff the key does not exist.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Expire refreshes the TTL iff the key exists.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// Lock acquires and holds the leadership lease. Holding means the key
// exists, its value matches our instance ID, and the TTL keeps being
// refreshed at a third of the lease.
type Lock struct {
	backend    Backend
	key        string
	instanceID string
	lease      time.Duration
	logger     core.ILogger
	metrics    *telemetry.MetricsHolder

	onElected func()
	onDemoted func()

	mu       sync.RWMutex
	isLeader bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewLock(backend Backend, key, instanceID string, lease time.Duration, logger core.ILogger) *Lock {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Lock{
		backend:    backend,
		key:        key,
		instanceID: instanceID,
		lease:      lease,
		logger:     logger.WithField("component", "leader"),
		metrics:    telemetry.GetGlobalMetrics(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// OnElected registers the callback fired on each acquisition.
func (l *Lock) OnElected(fn func()) { l.onElected = fn }

// OnDemoted registers the callback fired on each loss of the lease.
func (l *Lock) OnDemoted(fn func()) { l.onDemoted = fn }

// IsLeader reports the last observed leadership state.
func (l *Lock) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// Run drives the acquire/refresh loop until ctx is done or Stop is
// called. Blocks; run it on its own goroutine.
func (l *Lock) Run(ctx context.Context) {
	defer close(l.doneCh)
	defer l.release(context.Background())

	backoff := 250 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		held, err := l.tryHold(ctx)
		if err != nil {
			l.logger.Warn("leader backend error", "error", err)
		}
		l.setLeader(held)

		var wait time.Duration
		if held {
			backoff = 250 * time.Millisecond
			wait = l.lease / 3
		} else {
			// jittered exponential backoff while someone else leads
			wait = backoff + time.Duration(rand.Int63n(int64(backoff)/5+1))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// Stop releases the lease and stops the loop.
func (l *Lock) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

func (l *Lock) tryHold(ctx context.Context) (bool, error) {
	ok, err := l.backend.SetNX(ctx, l.key, l.instanceID, l.lease)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	raw, err := l.backend.Get(ctx, l.key)
	if err != nil {
		return false, err
	}
	// backends differ in value framing; compare normalized text
	if strings.TrimSpace(string(raw)) != l.instanceID {
		return false, nil
	}

	refreshed, err := l.backend.Expire(ctx, l.key, l.lease)
	if err != nil {
		return false, err
	}
	if !refreshed {
		// key expired between Get and Expire; re-acquire next round
		return false, nil
	}
	return true, nil
}

func (l *Lock) setLeader(held bool) {
	l.mu.Lock()
	was := l.isLeader
	l.isLeader = held
	l.mu.Unlock()
	if was == held {
		return
	}

	l.metrics.SetLeader(l.instanceID, held)
	l.metrics.Count(l.metrics.LeaderChangesTotal, 1, attribute.Bool("leader", held))
	if held {
		l.logger.Info("elected leader", "instance_id", l.instanceID, "key", l.key)
		if l.onElected != nil {
			l.onElected()
		}
	} else {
		l.logger.Warn("lost leadership", "instance_id", l.instanceID, "key", l.key)
		if l.onDemoted != nil {
			l.onDemoted()
		}
	}
}

func (l *Lock) release(ctx context.Context) {
	l.mu.RLock()
	held := l.isLeader
	l.mu.RUnlock()
	if !held {
		return
	}
	raw, err := l.backend.Get(ctx, l.key)
	if err == nil && strings.TrimSpace(string(raw)) == l.instanceID {
		if err := l.backend.Del(ctx, l.key); err != nil {
			l.logger.Warn("failed to release leader key", "error", err)
		}
	}
	l.setLeader(false)
}
