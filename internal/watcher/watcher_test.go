package watcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"intraday_trader/internal/bus"
	"intraday_trader/internal/core"
	"intraday_trader/internal/store"
	"intraday_trader/pkg/logging"
	"intraday_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	entryFills   []string
	childFills   []string
	partialStops []string
	rejected     []string
	terminated   []string
}

func newWatcher(t *testing.T) (*Watcher, core.IStore, *recorded) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "trader.db"), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rec := &recorded{}
	cb := Callbacks{
		OnEntryFilled: func(_ context.Context, o core.Order) {
			rec.entryFills = append(rec.entryFills, o.ClientOrderID)
		},
		OnChildFilled: func(_ context.Context, o core.Order) {
			rec.childFills = append(rec.childFills, o.ClientOrderID)
		},
		OnPartialStop: func(_ context.Context, o core.Order) {
			rec.partialStops = append(rec.partialStops, o.ClientOrderID)
		},
		OnOrderRejected: func(_ context.Context, o core.Order, _ string) {
			rec.rejected = append(rec.rejected, o.ClientOrderID)
		},
		OnEntryTerminated: func(_ context.Context, o core.Order) {
			rec.terminated = append(rec.terminated, o.ClientOrderID)
		},
	}
	return New(st, nil, nil, cb, logging.NewNop()), st, rec
}

// quietBroker has a healthy push stream that never delivers an event
// and a poll surface that always comes back empty.
type quietBroker struct{}

func (quietBroker) Name() string                                           { return "quiet" }
func (quietBroker) CheckHealth(context.Context) error                      { return nil }
func (quietBroker) PlaceOrder(context.Context, core.OrderRequest) (core.OrderAck, error) {
	return core.OrderAck{}, nil
}
func (quietBroker) CancelOrder(context.Context, string) error                   { return nil }
func (quietBroker) ModifyOrder(context.Context, string, core.OrderRequest) error { return nil }
func (quietBroker) Quote(context.Context, string) (core.Quote, error)           { return core.Quote{}, nil }
func (quietBroker) Instruments(context.Context) ([]core.Instrument, error)      { return nil, nil }
func (quietBroker) PollOrders(context.Context) ([]core.OrderEvent, error)       { return nil, nil }
func (quietBroker) StartTickStream(context.Context, []uint32, func(core.Tick)) error {
	return nil
}
func (quietBroker) StopStreams() {}

func (quietBroker) StartOrderStream(ctx context.Context, _ func(core.OrderEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

func insertOrder(t *testing.T, st core.IStore, coid string, tag core.OrderTag) {
	t.Helper()
	require.NoError(t, st.InsertOrder(context.Background(), core.Order{
		ID: "ord-" + coid, DecisionID: "dec-1", ClientOrderID: coid, Tag: tag,
		Group: "grp-1", Symbol: "NIFTY", Side: core.OrderBuy, Qty: 50,
		Price: decimal.NewFromInt(21480), Type: core.TypeLimit,
		Status: core.OrderNew, CreatedAt: time.Now(),
	}))
}

func TestEntryFillRoutesCallback(t *testing.T) {
	w, st, rec := newWatcher(t)
	ctx := context.Background()
	insertOrder(t, st, "p:ENTRY", core.TagEntry)

	w.Handle(ctx, core.OrderEvent{ClientOrderID: "p:ENTRY", BrokerID: "B1", Status: core.OrderPlaced, At: time.Now()})
	w.Handle(ctx, core.OrderEvent{
		ClientOrderID: "p:ENTRY", Status: core.OrderFilled,
		FilledQty: 50, AvgPrice: decimal.NewFromFloat(21480.5), At: time.Now(),
	})

	assert.Equal(t, []string{"p:ENTRY"}, rec.entryFills)

	// duplicate fill event must not re-fire the callback
	w.Handle(ctx, core.OrderEvent{ClientOrderID: "p:ENTRY", Status: core.OrderFilled, At: time.Now()})
	assert.Equal(t, []string{"p:ENTRY"}, rec.entryFills)
}

func TestChildFillAndPartialStopRouting(t *testing.T) {
	w, st, rec := newWatcher(t)
	ctx := context.Background()
	insertOrder(t, st, "p:STOP", core.TagStop)
	insertOrder(t, st, "p:TP", core.TagTP)

	w.Handle(ctx, core.OrderEvent{ClientOrderID: "p:STOP", Status: core.OrderPlaced, At: time.Now()})
	w.Handle(ctx, core.OrderEvent{ClientOrderID: "p:STOP", Status: core.OrderPartial, FilledQty: 25, At: time.Now()})
	assert.Equal(t, []string{"p:STOP"}, rec.partialStops)

	w.Handle(ctx, core.OrderEvent{ClientOrderID: "p:TP", Status: core.OrderFilled, FilledQty: 50, At: time.Now()})
	assert.Equal(t, []string{"p:TP"}, rec.childFills)
	assert.Empty(t, rec.entryFills)
}

func TestRejectionRouting(t *testing.T) {
	w, st, rec := newWatcher(t)
	ctx := context.Background()
	insertOrder(t, st, "p:ENTRY", core.TagEntry)

	w.Handle(ctx, core.OrderEvent{
		ClientOrderID: "p:ENTRY", Status: core.OrderRejected, Reason: "margin", At: time.Now(),
	})
	assert.Equal(t, []string{"p:ENTRY"}, rec.rejected)
	assert.Equal(t, []string{"p:ENTRY"}, rec.terminated)
}

func TestUnknownOrderEventIgnored(t *testing.T) {
	w, _, rec := newWatcher(t)
	w.Handle(context.Background(), core.OrderEvent{ClientOrderID: "ghost", Status: core.OrderFilled, At: time.Now()})
	assert.Empty(t, rec.entryFills)
	assert.Empty(t, rec.childFills)
}

func TestIdleStreamKeepsHeartbeatFresh(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "trader.db"), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := telemetry.GetGlobalMetrics()
	// far enough ahead that any mark from an earlier test reads stale
	base := time.Now().Add(time.Hour)
	m.SetNowFunc(func() time.Time { return base })
	t.Cleanup(func() { m.SetNowFunc(time.Now) })

	w := New(st, quietBroker{}, nil, Callbacks{}, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// no order ever arrives, yet the connected stream must keep the
	// heartbeat from going stale
	require.Eventually(t, func() bool {
		return m.HeartbeatAge(telemetry.MetricOrderStreamHeartbeat) < 5.0
	}, time.Second, 5*time.Millisecond)
}

func TestEmptyPollSweepMarksHeartbeat(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "trader.db"), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := telemetry.GetGlobalMetrics()
	now := time.Now()
	m.SetNowFunc(func() time.Time { return now })
	t.Cleanup(func() { m.SetNowFunc(time.Now) })

	w := New(st, quietBroker{}, nil, Callbacks{}, logging.NewNop())

	m.MarkHeartbeat(telemetry.MetricOrderStreamHeartbeat)
	now = now.Add(100 * time.Second)
	require.Greater(t, m.HeartbeatAge(telemetry.MetricOrderStreamHeartbeat), 5.0)

	require.NoError(t, w.pollUntil(context.Background(), time.Millisecond))
	assert.Less(t, m.HeartbeatAge(telemetry.MetricOrderStreamHeartbeat), 5.0)
}

func TestOrderTransitionPublishedOnBus(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "trader.db"), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eb := bus.New(logging.NewNop())
	t.Cleanup(eb.Close)
	w := New(st, nil, eb, Callbacks{}, logging.NewNop())

	insertOrder(t, st, "p:ENTRY", core.TagEntry)
	ch, cancelSub := eb.Subscribe(TopicOrders, 4)
	defer cancelSub()

	w.Handle(context.Background(), core.OrderEvent{
		ClientOrderID: "p:ENTRY", BrokerID: "B1", Status: core.OrderPlaced, At: time.Now(),
	})

	select {
	case msg := <-ch:
		order, ok := msg.(core.Order)
		require.True(t, ok)
		assert.Equal(t, "p:ENTRY", order.ClientOrderID)
		assert.Equal(t, core.OrderPlaced, order.Status)
	case <-time.After(time.Second):
		t.Fatal("no order transition published")
	}
}
