// Package paper implements an in-process broker simulator. Orders fill
// against the tick feed: MARKET at the last trade, LIMIT and stop
// orders when a tick crosses their level. It is the default broker in
// PAPER mode and the workhorse of the integration tests.
package paper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"intraday_trader/internal/core"
	"intraday_trader/pkg/apperrors"
)

type workingOrder struct {
	req      core.OrderRequest
	brokerID string
}

// Broker is the simulator. Feed ticks via Feed or the internal walk.
type Broker struct {
	logger      core.ILogger
	instruments []core.Instrument

	mu     sync.Mutex
	open   map[string]*workingOrder
	last   map[string]core.Tick
	seq    atomic.Int64
	events chan core.OrderEvent

	tickHandler func(core.Tick)
	stopOnce    sync.Once
	stopped     chan struct{}
}

func New(instruments []core.Instrument, logger core.ILogger) *Broker {
	return &Broker{
		logger:      logger.WithField("component", "paper"),
		instruments: instruments,
		open:        make(map[string]*workingOrder),
		last:        make(map[string]core.Tick),
		events:      make(chan core.OrderEvent, 256),
		stopped:     make(chan struct{}),
	}
}

func (b *Broker) Name() string { return "paper" }

func (b *Broker) CheckHealth(context.Context) error { return nil }

func (b *Broker) Instruments(context.Context) ([]core.Instrument, error) {
	return b.instruments, nil
}

func (b *Broker) Quote(_ context.Context, symbol string) (core.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.last[symbol]
	if !ok {
		return core.Quote{}, fmt.Errorf("no tick for %s: %w", symbol, apperrors.ErrTimeout)
	}
	return core.Quote{Symbol: symbol, Bid: t.Bid, Ask: t.Ask, Last: t.Last, At: t.At}, nil
}

// PlaceOrder accepts the order and emits PLACED. Marketable orders fill
// on the spot against the last tick; the rest rest in the book.
func (b *Broker) PlaceOrder(_ context.Context, req core.OrderRequest) (core.OrderAck, error) {
	if req.Qty <= 0 {
		return core.OrderAck{}, fmt.Errorf("qty %d: %w", req.Qty, apperrors.ErrFreezeQty)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.open[req.ClientOrderID]; dup {
		return core.OrderAck{}, fmt.Errorf("order %s: %w", req.ClientOrderID, apperrors.ErrDuplicateOrder)
	}

	brokerID := fmt.Sprintf("P%06d", b.seq.Add(1))
	w := &workingOrder{req: req, brokerID: brokerID}
	b.open[req.ClientOrderID] = w
	b.emit(core.OrderEvent{
		ClientOrderID: req.ClientOrderID, BrokerID: brokerID,
		Status: core.OrderPlaced, At: time.Now(),
	})

	if last, ok := b.last[req.Symbol]; ok {
		b.tryFill(w, last)
	} else if req.Type == core.TypeMarket {
		// no tick yet: fill a market order at its reference price
		b.fill(w, req.Price)
	}
	return core.OrderAck{BrokerID: brokerID}, nil
}

func (b *Broker) CancelOrder(_ context.Context, coid string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.open[coid]; !ok {
		return fmt.Errorf("order %s: %w", coid, apperrors.ErrOrderNotFound)
	}
	delete(b.open, coid)
	b.emit(core.OrderEvent{ClientOrderID: coid, Status: core.OrderCanceled, At: time.Now()})
	return nil
}

func (b *Broker) ModifyOrder(_ context.Context, coid string, req core.OrderRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.open[coid]
	if !ok {
		return fmt.Errorf("order %s: %w", coid, apperrors.ErrOrderNotFound)
	}
	w.req.Qty = req.Qty
	if !req.Price.IsZero() {
		w.req.Price = req.Price
	}
	if !req.TriggerPrice.IsZero() {
		w.req.TriggerPrice = req.TriggerPrice
	}
	return nil
}

// Feed pushes a tick into the simulator: the book is evaluated and the
// tick forwarded to the subscribed tick handler.
func (b *Broker) Feed(t core.Tick) {
	b.mu.Lock()
	b.last[t.Symbol] = t
	for _, w := range b.openForSymbol(t.Symbol) {
		b.tryFill(w, t)
	}
	handler := b.tickHandler
	b.mu.Unlock()

	if handler != nil {
		handler(t)
	}
}

func (b *Broker) openForSymbol(symbol string) []*workingOrder {
	var out []*workingOrder
	for _, w := range b.open {
		if w.req.Symbol == symbol {
			out = append(out, w)
		}
	}
	return out
}

// tryFill checks one working order against a tick. Caller holds mu.
func (b *Broker) tryFill(w *workingOrder, t core.Tick) {
	price := t.Last
	switch w.req.Type {
	case core.TypeMarket:
		b.fill(w, price)
	case core.TypeLimit:
		if w.req.Side == core.OrderBuy && price.LessThanOrEqual(w.req.Price) {
			b.fill(w, w.req.Price)
		} else if w.req.Side == core.OrderSell && price.GreaterThanOrEqual(w.req.Price) {
			b.fill(w, w.req.Price)
		}
	case core.TypeSL, core.TypeSLM:
		if w.req.Side == core.OrderSell && price.LessThanOrEqual(w.req.TriggerPrice) {
			b.fill(w, price)
		} else if w.req.Side == core.OrderBuy && price.GreaterThanOrEqual(w.req.TriggerPrice) {
			b.fill(w, price)
		}
	}
}

// fill completes a working order at price. Caller holds mu.
func (b *Broker) fill(w *workingOrder, price decimal.Decimal) {
	delete(b.open, w.req.ClientOrderID)
	b.emit(core.OrderEvent{
		ClientOrderID: w.req.ClientOrderID,
		BrokerID:      w.brokerID,
		Status:        core.OrderFilled,
		FilledQty:     w.req.Qty,
		AvgPrice:      price,
		At:            time.Now(),
	})
}

func (b *Broker) emit(ev core.OrderEvent) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("event buffer full, dropping", "client_order_id", ev.ClientOrderID)
	}
}

// StartOrderStream delivers simulated order events until ctx is done.
func (b *Broker) StartOrderStream(ctx context.Context, fn func(core.OrderEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopped:
			return nil
		case ev := <-b.events:
			fn(ev)
		}
	}
}

// PollOrders drains any queued events. Used when the stream consumer is
// not running.
func (b *Broker) PollOrders(context.Context) ([]core.OrderEvent, error) {
	var out []core.OrderEvent
	for {
		select {
		case ev := <-b.events:
			out = append(out, ev)
		default:
			return out, nil
		}
	}
}

// StartTickStream registers the tick handler. The paper broker has no
// upstream feed; ticks arrive via Feed.
func (b *Broker) StartTickStream(ctx context.Context, _ []uint32, fn func(core.Tick)) error {
	b.mu.Lock()
	b.tickHandler = fn
	b.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		return nil
	}
}

func (b *Broker) StopStreams() {
	b.stopOnce.Do(func() { close(b.stopped) })
}

// OpenOrderCount reports the resting book size; used by tests and the
// debug surface.
func (b *Broker) OpenOrderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}
