// Package marketdata ingests broker ticks, keeps the last-tick cache,
// and aggregates one-minute bars for the strategies. Every tick marks
// the marketdata heartbeat; /ready goes red when this stream stalls.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"intraday_trader/internal/core"
	"intraday_trader/pkg/telemetry"
)

// TopicTicks is the bus topic carrying every ingested tick.
const TopicTicks = "marketdata.ticks"

// maxBars bounds the per-symbol bar history held in memory. Intraday
// strategies never look back more than a session.
const maxBars = 400

type partialBar struct {
	bar    core.Bar
	active bool
}

// Stream implements the market data pipeline.
type Stream struct {
	broker  core.IBroker
	bus     core.IEventBus
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	mu       sync.RWMutex
	last     map[string]core.Tick
	bars     map[string][]core.Bar
	partials map[string]*partialBar
}

func NewStream(broker core.IBroker, eventBus core.IEventBus, logger core.ILogger) *Stream {
	return &Stream{
		broker:   broker,
		bus:      eventBus,
		logger:   logger.WithField("component", "marketdata"),
		metrics:  telemetry.GetGlobalMetrics(),
		last:     make(map[string]core.Tick),
		bars:     make(map[string][]core.Bar),
		partials: make(map[string]*partialBar),
	}
}

// Run subscribes to the broker tick stream for tokens and blocks until
// ctx is done or the stream fails terminally.
func (s *Stream) Run(ctx context.Context, tokens []uint32) error {
	s.logger.Info("starting tick stream", "instruments", len(tokens))
	return s.broker.StartTickStream(ctx, tokens, s.Ingest)
}

// Ingest processes one tick. Safe for concurrent use.
func (s *Stream) Ingest(t core.Tick) {
	s.mu.Lock()
	s.last[t.Symbol] = t
	s.aggregate(t)
	s.mu.Unlock()

	s.metrics.MarkHeartbeat(telemetry.MetricMarketDataHeartbeat)
	s.bus.Publish(TopicTicks, t)
}

// aggregate folds the tick into the current minute bar. Caller holds mu.
func (s *Stream) aggregate(t core.Tick) {
	minute := t.At.Truncate(time.Minute)
	p := s.partials[t.Symbol]
	if p == nil {
		p = &partialBar{}
		s.partials[t.Symbol] = p
	}

	if p.active && !p.bar.Start.Equal(minute) {
		s.appendBar(t.Symbol, p.bar)
		p.active = false
	}
	if !p.active {
		p.bar = core.Bar{
			Symbol: t.Symbol,
			Start:  minute,
			Open:   t.Last,
			High:   t.Last,
			Low:    t.Last,
			Close:  t.Last,
			Volume: t.Qty,
		}
		p.active = true
		return
	}

	if t.Last.GreaterThan(p.bar.High) {
		p.bar.High = t.Last
	}
	if t.Last.LessThan(p.bar.Low) {
		p.bar.Low = t.Last
	}
	p.bar.Close = t.Last
	p.bar.Volume += t.Qty
}

func (s *Stream) appendBar(symbol string, b core.Bar) {
	bars := append(s.bars[symbol], b)
	if len(bars) > maxBars {
		bars = bars[len(bars)-maxBars:]
	}
	s.bars[symbol] = bars
}

// LastTick returns the most recent tick for symbol.
func (s *Stream) LastTick(symbol string) (core.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.last[symbol]
	return t, ok
}

// LastTicks snapshots the last-tick cache.
func (s *Stream) LastTicks() map[string]core.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]core.Tick, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}

// Bars returns up to n completed minute bars for symbol, oldest first.
func (s *Stream) Bars(symbol string, n int) []core.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bars := s.bars[symbol]
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]core.Bar, len(bars))
	copy(out, bars)
	return out
}

// Mid returns the quote midpoint for symbol, falling back to last trade
// when the book is one-sided.
func (s *Stream) Mid(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	t, ok := s.last[symbol]
	s.mu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}
	if t.Bid.IsPositive() && t.Ask.IsPositive() {
		return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2)), true
	}
	return t.Last, true
}
