// Package watcher reconciles broker order events into the Store and
// routes the resulting transitions to orchestrator callbacks. It is the
// only component that applies broker truth to order rows; everything
// downstream reacts to what it persisted, never to the raw event.
package watcher

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"intraday_trader/internal/core"
	"intraday_trader/pkg/telemetry"
)

// pollInterval is the fallback cadence for brokers without a push
// stream and the safety sweep alongside one.
const pollInterval = 2 * time.Second

// TopicOrders is the bus topic carrying every persisted order
// transition.
const TopicOrders = "orders.updates"

// Callbacks route persisted transitions to the orchestrator. Nil
// members are skipped. Handlers must not block; heavy work goes to the
// worker pool on the orchestrator side.
type Callbacks struct {
	OnEntryFilled     func(ctx context.Context, o core.Order)
	OnEntryTerminated func(ctx context.Context, o core.Order)
	OnChildFilled     func(ctx context.Context, o core.Order)
	OnPartialStop     func(ctx context.Context, o core.Order)
	OnOrderRejected   func(ctx context.Context, o core.Order, reason string)
}

// Watcher consumes order events from the broker port.
type Watcher struct {
	store   core.IStore
	broker  core.IBroker
	bus     core.IEventBus
	cb      Callbacks
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

func New(store core.IStore, broker core.IBroker, eventBus core.IEventBus, cb Callbacks, logger core.ILogger) *Watcher {
	return &Watcher{
		store:   store,
		broker:  broker,
		bus:     eventBus,
		cb:      cb,
		logger:  logger.WithField("component", "watcher"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// Run consumes the push stream, falling back to polling when the broker
// has none or the stream dies. Blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		sctx, stop := context.WithCancel(ctx)
		go w.beat(sctx)
		err := w.broker.StartOrderStream(sctx, func(ev core.OrderEvent) {
			w.Handle(sctx, ev)
		})
		stop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("order stream down, polling", "error", err)
		}
		if err := w.pollUntil(ctx, pollInterval); err != nil {
			return err
		}
	}
}

// beat ticks the order-stream heartbeat while the push stream is
// connected, so a quiet book never reads as a dead stream.
func (w *Watcher) beat(ctx context.Context) {
	w.metrics.MarkHeartbeat(telemetry.MetricOrderStreamHeartbeat)
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.metrics.MarkHeartbeat(telemetry.MetricOrderStreamHeartbeat)
		}
	}
}

// pollUntil runs one polling sweep and waits out the interval, so a
// dead stream degrades to polling rather than a hot reconnect loop.
// A clean sweep counts as a heartbeat even when it returns no events.
func (w *Watcher) pollUntil(ctx context.Context, wait time.Duration) error {
	events, err := w.broker.PollOrders(ctx)
	if err != nil {
		w.logger.Warn("order poll failed", "error", err)
	} else {
		w.metrics.MarkHeartbeat(telemetry.MetricOrderStreamHeartbeat)
		for _, ev := range events {
			w.Handle(ctx, ev)
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// Handle applies one broker event. Duplicate and stale events are
// no-ops; callbacks fire only when the row actually transitioned.
func (w *Watcher) Handle(ctx context.Context, ev core.OrderEvent) {
	w.metrics.MarkHeartbeat(telemetry.MetricOrderStreamHeartbeat)

	order, changed, err := w.store.UpdateOrderStatus(ctx, ev.ClientOrderID, ev)
	if err != nil {
		w.logger.Warn("event for unknown or failed order",
			"client_order_id", ev.ClientOrderID, "status", string(ev.Status), "error", err)
		return
	}
	if !changed {
		return
	}

	w.logger.Info("order transition",
		"client_order_id", order.ClientOrderID, "tag", string(order.Tag),
		"status", string(order.Status), "filled_qty", order.FilledQty)
	if w.bus != nil {
		w.bus.Publish(TopicOrders, order)
	}

	switch {
	case order.Status == core.OrderFilled:
		w.metrics.Count(w.metrics.OrdersFilledTotal, 1, attribute.String("tag", string(order.Tag)))
		if order.Tag == core.TagEntry {
			w.invoke(ctx, w.cb.OnEntryFilled, order)
		} else {
			w.invoke(ctx, w.cb.OnChildFilled, order)
		}
	case order.Status == core.OrderPartial && order.Tag == core.TagStop:
		w.invoke(ctx, w.cb.OnPartialStop, order)
	case order.Status == core.OrderRejected:
		if w.cb.OnOrderRejected != nil {
			w.cb.OnOrderRejected(ctx, order, ev.Reason)
		}
		if order.Tag == core.TagEntry {
			w.invoke(ctx, w.cb.OnEntryTerminated, order)
		}
	case order.Status == core.OrderCanceled && order.Tag == core.TagEntry:
		w.invoke(ctx, w.cb.OnEntryTerminated, order)
	}
}

func (w *Watcher) invoke(ctx context.Context, fn func(context.Context, core.Order), o core.Order) {
	if fn != nil {
		fn(ctx, o)
	}
}
