package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"intraday_trader/internal/bus"
	"intraday_trader/internal/clock"
	"intraday_trader/internal/core"
	"intraday_trader/internal/execution"
	"intraday_trader/internal/marketdata"
	"intraday_trader/internal/oco"
	"intraday_trader/internal/ratelimit"
	"intraday_trader/internal/risk"
	"intraday_trader/internal/store"
	"intraday_trader/pkg/concurrency"
	"intraday_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	mu       sync.Mutex
	placed   []core.OrderRequest
	canceled []string
}

func (b *fakeBroker) Name() string                      { return "fake" }
func (b *fakeBroker) CheckHealth(context.Context) error { return nil }
func (b *fakeBroker) Quote(context.Context, string) (core.Quote, error) {
	return core.Quote{}, nil
}
func (b *fakeBroker) Instruments(context.Context) ([]core.Instrument, error)        { return nil, nil }
func (b *fakeBroker) StartOrderStream(context.Context, func(core.OrderEvent)) error { return nil }
func (b *fakeBroker) PollOrders(context.Context) ([]core.OrderEvent, error)         { return nil, nil }
func (b *fakeBroker) StartTickStream(context.Context, []uint32, func(core.Tick)) error {
	return nil
}
func (b *fakeBroker) StopStreams() {}

func (b *fakeBroker) PlaceOrder(_ context.Context, req core.OrderRequest) (core.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, req)
	return core.OrderAck{BrokerID: "B-" + req.ClientOrderID}, nil
}

func (b *fakeBroker) CancelOrder(_ context.Context, coid string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = append(b.canceled, coid)
	return nil
}

func (b *fakeBroker) ModifyOrder(context.Context, string, core.OrderRequest) error { return nil }

func (b *fakeBroker) placedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.placed))
	for _, req := range b.placed {
		out = append(out, req.ClientOrderID)
	}
	return out
}

func (b *fakeBroker) canceledIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.canceled))
	copy(out, b.canceled)
	return out
}

type stubStrategy struct {
	signals []core.Signal
}

func (s *stubStrategy) Name() string { return "stub" }
func (s *stubStrategy) GenerateSignals(context.Context, core.StrategyContext) ([]core.Signal, error) {
	return s.signals, nil
}

type fixture struct {
	orch   *Orchestrator
	store  core.IStore
	broker *fakeBroker
	clk    *clock.Fake
	strat  *stubStrategy
	market *marketdata.Stream
	bus    *bus.Bus
	sig    core.Signal
}

func sessionTime(t *testing.T, hhmm string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	parsed, err := time.Parse("15:04", hhmm)
	require.NoError(t, err)
	return time.Date(2026, 1, 6, parsed.Hour(), parsed.Minute(), 0, 0, loc)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.NewNop()
	st, err := store.Open(filepath.Join(t.TempDir(), "trader.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFake(sessionTime(t, "10:30"))
	hours, err := clock.NewHoursGate("Asia/Kolkata", "09:30", "14:45", "15:15", nil, clk)
	require.NoError(t, err)

	broker := &fakeBroker{}
	throttle := ratelimit.New(ratelimit.Limits{OrdersPerSec: 1000, QuotesPerSec: 1000, DataPerSec: 1000}, log)
	exec := execution.NewEngine(st, broker, throttle, nil, log)
	manager := oco.NewManager(st, exec, log)
	eb := bus.New(log)
	t.Cleanup(eb.Close)
	market := marketdata.NewStream(broker, eb, log)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test"}, log)
	t.Cleanup(pool.Stop)

	require.NoError(t, st.UpsertInstruments(context.Background(), []core.Instrument{{
		Symbol:    "NIFTY",
		Token:     256265,
		TickSize:  decimal.NewFromFloat(0.05),
		LotSize:   25,
		FreezeQty: 1800,
	}}))

	sig := core.Signal{
		ID: "sig-1", At: clk.Now(), Symbol: "NIFTY", Side: core.SideLong,
		Strategy: "stub", Score: 0.8,
		Entry: decimal.NewFromInt(21480), Stop: decimal.NewFromInt(21385),
		TP: decimal.NewFromInt(21623), ConfigSHA: "abc123",
	}
	strat := &stubStrategy{signals: []core.Signal{sig}}

	riskEngine := risk.NewEngine(risk.Params{
		Capital:          decimal.NewFromInt(1_000_000),
		PerTradeRiskPct:  decimal.NewFromFloat(0.005),
		MaxHeatPct:       decimal.NewFromFloat(0.02),
		DailyLossStopPct: decimal.NewFromFloat(0.03),
		MaxSpreadMidPct:  decimal.NewFromFloat(0.005),
	}, log)

	orch := New(Deps{
		Store:      st,
		Clock:      clk,
		Hours:      hours,
		Risk:       riskEngine,
		Exec:       exec,
		OCO:        manager,
		Market:     market,
		Bus:        eb,
		Strategies: []core.IStrategy{strat},
		Pool:       pool,
		Logger:     log,
		ConfigSHA:  "abc123",
		GitHead:    "deadbeef",
		Capital:    decimal.NewFromInt(1_000_000),
	})

	market.Ingest(core.Tick{
		Token: 256265, Symbol: "NIFTY",
		Last: decimal.NewFromInt(21480),
		Bid:  decimal.NewFromFloat(21479.5), Ask: decimal.NewFromFloat(21480.5),
		At: clk.Now(),
	})

	return &fixture{orch: orch, store: st, broker: broker, clk: clk, strat: strat, market: market, bus: eb, sig: sig}
}

func TestScanOncePlacesEntryAndGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.ScanOnce(ctx))

	planID := execution.PlanClientID(f.sig, 50)
	dec, err := f.store.DecisionByPlanID(ctx, planID)
	require.NoError(t, err)
	assert.True(t, dec.Approved)
	assert.Equal(t, int64(50), dec.Qty)
	assert.Equal(t, core.DecisionExecuted, dec.Status)

	placed := f.broker.placedIDs()
	require.Len(t, placed, 1)
	assert.Equal(t, planID+":ENTRY", placed[0])

	orders, err := f.store.OrdersByGroup(ctx, planID)
	require.NoError(t, err)
	assert.Len(t, orders, 3) // entry plus both resting children

	snap := f.orch.Snapshot()
	assert.Equal(t, "4750", snap.Heat)
}

func TestScanOnceDuplicatePlanShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.ScanOnce(ctx))
	require.NoError(t, f.orch.ScanOnce(ctx))

	assert.Len(t, f.broker.placedIDs(), 1)
}

func TestScanOnceRejectionRecordsDecisionAndRiskEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// stop distance too wide for the budget to cover one lot
	f.sig.Stop = decimal.NewFromInt(21000)
	f.strat.signals = []core.Signal{f.sig}

	require.NoError(t, f.orch.ScanOnce(ctx))

	planID := execution.PlanClientID(f.sig, 0)
	dec, err := f.store.DecisionByPlanID(ctx, planID)
	require.NoError(t, err)
	assert.False(t, dec.Approved)
	assert.Equal(t, core.DecisionRejected, dec.Status)
	assert.NotEmpty(t, dec.RejectReason)
	assert.Empty(t, f.broker.placedIDs())

	events, err := f.store.RiskEvents(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestScanOnceSkipsWhenPaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.Pause(ctx, "manual", "ops"))
	require.NoError(t, f.orch.ScanOnce(ctx))
	assert.Empty(t, f.broker.placedIDs())

	require.NoError(t, f.orch.Resume(ctx, "ops"))
	require.NoError(t, f.orch.ScanOnce(ctx))
	assert.Len(t, f.broker.placedIDs(), 1)
}

func TestScanOnceSkipsOutsideEntryWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clk.Set(sessionTime(t, "15:00")) // exit-only window
	require.NoError(t, f.orch.ScanOnce(ctx))
	assert.Empty(t, f.broker.placedIDs())
}

func TestPauseResumeState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.Pause(ctx, "drill", "ops"))
	snap := f.orch.Snapshot()
	assert.True(t, snap.Paused)
	assert.Equal(t, "drill", snap.PauseReason)

	require.NoError(t, f.orch.Resume(ctx, "ops"))
	snap = f.orch.Snapshot()
	assert.False(t, snap.Paused)
	assert.Empty(t, snap.PauseReason)
}

func TestSetModeRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.orch.SetMode(ctx, core.ModeLive, "", "ops")
	require.Error(t, err)
	assert.Equal(t, core.ModePaper, f.orch.Mode())

	err = f.orch.SetMode(ctx, core.ModeLive, "confirm live trading", "ops")
	require.Error(t, err)
	assert.Equal(t, core.ModePaper, f.orch.Mode())

	require.NoError(t, f.orch.SetMode(ctx, core.ModeLive, core.ConfirmLiveTrading, "ops"))
	assert.Equal(t, core.ModeLive, f.orch.Mode())

	require.NoError(t, f.orch.SetMode(ctx, core.ModePaper, "", "ops"))
	assert.Equal(t, core.ModePaper, f.orch.Mode())

	err = f.orch.SetMode(ctx, core.Mode("TURBO"), "", "ops")
	require.Error(t, err)
}

func TestStartupForcesPaper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.SetMode(ctx, core.ModeLive, core.ConfirmLiveTrading, "ops"))
	require.NoError(t, f.orch.Startup(ctx))
	assert.Equal(t, core.ModePaper, f.orch.Mode())
}

// seedOpenPosition plants an open position with two working children.
func seedOpenPosition(t *testing.T, f *fixture, group string) (stopID, tpID string) {
	t.Helper()
	ctx := context.Background()
	stopID = group + ":STOP"
	tpID = group + ":TP"
	for _, o := range []core.Order{
		{ID: "o-stop-" + group, ClientOrderID: stopID, Tag: core.TagStop, Group: group,
			Symbol: "NIFTY", Side: core.OrderSell, Qty: 50, Type: core.TypeSLM,
			Status: core.OrderNew, CreatedAt: f.clk.Now()},
		{ID: "o-tp-" + group, ClientOrderID: tpID, Tag: core.TagTP, Group: group,
			Symbol: "NIFTY", Side: core.OrderSell, Qty: 50, Type: core.TypeLimit,
			Status: core.OrderNew, CreatedAt: f.clk.Now()},
	} {
		require.NoError(t, f.store.InsertOrder(ctx, o))
		_, _, err := f.store.UpdateOrderStatus(ctx, o.ClientOrderID, core.OrderEvent{
			ClientOrderID: o.ClientOrderID, Status: core.OrderPlaced, At: f.clk.Now(),
		})
		require.NoError(t, err)
	}
	require.NoError(t, f.store.CreatePosition(ctx, core.Position{
		ID: "pos-" + group, Symbol: "NIFTY", Side: core.SideLong, Qty: 50,
		AvgEntry: decimal.NewFromInt(21480), Group: group,
		StopOrderID: stopID, TPOrderID: tpID,
		Status: core.PositionOpen, OpenedAt: f.clk.Now(),
	}))
	return stopID, tpID
}

func shortFlattenBudget(t *testing.T, d time.Duration) {
	t.Helper()
	old := flattenBudget
	flattenBudget = d
	t.Cleanup(func() { flattenBudget = old })
}

func TestFlattenCancelsChildrenAndExits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	shortFlattenBudget(t, 300*time.Millisecond)

	group := "plan-flat"
	stopID, tpID := seedOpenPosition(t, f, group)

	start := time.Now()
	outcomes, err := f.orch.Flatten(ctx, "manual", "ops")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.ElementsMatch(t, []string{stopID, tpID}, f.broker.canceledIDs())
	placed := f.broker.placedIDs()
	require.Len(t, placed, 1)
	assert.Equal(t, group+":STOP:flat", placed[0])
	assert.True(t, f.orch.IsPaused())

	// the exit never fills here, so the summary reports the position
	// still open at the deadline
	require.Len(t, outcomes, 1)
	assert.Equal(t, "NIFTY", outcomes[0].Symbol)
	assert.Equal(t, group, outcomes[0].Group)
	assert.Equal(t, string(core.PositionOpen), outcomes[0].Status)
}

func TestFlattenWaitsForPositionClosure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group := "plan-close"
	seedOpenPosition(t, f, group)

	// simulate the exit fill landing while Flatten waits
	go func() {
		time.Sleep(80 * time.Millisecond)
		pos, err := f.store.PositionByGroup(context.Background(), group)
		if err != nil {
			return
		}
		pos.Status = core.PositionClosed
		pos.ClosedAt = time.Now()
		_ = f.store.UpdatePosition(context.Background(), pos)
	}()

	start := time.Now()
	outcomes, err := f.orch.Flatten(ctx, "eod", "scheduler")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, outcomes, 1)
	assert.Equal(t, string(core.PositionClosed), outcomes[0].Status)
	assert.Empty(t, outcomes[0].Error)
}

func TestDailyLossStopAutoPauses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// realized losses already at the stop level for the day
	require.NoError(t, f.store.SaveTrade(ctx, core.Trade{
		ID: "tr-loss", PositionID: "pos-x", Symbol: "NIFTY", Qty: 50,
		EntryPrice: decimal.NewFromInt(21480), ExitPrice: decimal.NewFromInt(20880),
		ExitReason: "STOP", GrossPnL: decimal.NewFromInt(-30000),
		NetPnL: decimal.NewFromInt(-30000), At: f.clk.Now(),
	}))

	require.NoError(t, f.orch.ScanOnce(ctx))

	assert.True(t, f.orch.IsPaused())
	assert.Equal(t, "daily loss stop", f.orch.Snapshot().PauseReason)
	assert.Empty(t, f.broker.placedIDs())

	events, err := f.store.RiskEvents(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, core.RiskDailyLossStop, events[0].Type)

	// paused now; the next scan must not evaluate signals at all
	require.NoError(t, f.orch.ScanOnce(ctx))
	assert.Empty(t, f.broker.placedIDs())
}

func TestRejectedDecisionWritesAuditRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sig.Stop = decimal.NewFromInt(21000)
	f.strat.signals = []core.Signal{f.sig}
	require.NoError(t, f.orch.ScanOnce(ctx))

	recs, err := f.store.AuditRecords(ctx, 20)
	require.NoError(t, err)
	var found *core.AuditRecord
	for i := range recs {
		if recs[i].Action == core.AuditDecisionRejected {
			found = &recs[i]
		}
	}
	require.NotNil(t, found, "rejected decision must leave an audit row")
	assert.Equal(t, "NIFTY", found.Details["symbol"])
	assert.NotEmpty(t, found.Details["reason"])
	assert.Equal(t, "abc123", found.ConfigSHA)
	assert.Equal(t, "deadbeef", found.GitHead)
}

func TestStartupRebuildsHeatFromOpenGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a working entry left over from the previous process
	group := "warm-group"
	require.NoError(t, f.store.SaveDecision(ctx, core.Decision{
		ID: "dec-warm", SignalID: "sig-warm", ClientPlanID: group,
		Mode: core.ModePaper, Approved: true,
		RiskPct: decimal.NewFromFloat(0.005), RiskAmount: decimal.NewFromInt(4750),
		Qty: 50, HeatBefore: decimal.Zero, HeatAfter: decimal.NewFromInt(4750),
		Status: core.DecisionExecuted, ConfigSHA: "abc123", CreatedAt: f.clk.Now(),
	}))
	require.NoError(t, f.store.InsertOrder(ctx, core.Order{
		ID: "o-warm", DecisionID: "dec-warm", ClientOrderID: group + ":ENTRY",
		Tag: core.TagEntry, Group: group, Symbol: "NIFTY", Side: core.OrderBuy,
		Qty: 50, Price: decimal.NewFromInt(21480), Type: core.TypeLimit,
		Status: core.OrderNew, CreatedAt: f.clk.Now(),
	}))
	_, _, err := f.store.UpdateOrderStatus(ctx, group+":ENTRY", core.OrderEvent{
		ClientOrderID: group + ":ENTRY", Status: core.OrderPlaced, At: f.clk.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveGroup(ctx, core.OCOGroup{
		ID: group, Symbol: "NIFTY", Side: core.SideLong,
		EntryOrderID: group + ":ENTRY", StopOrderID: group + ":STOP",
		TPOrderID: group + ":TP", State: core.GroupAwaitingEntry, CreatedAt: f.clk.Now(),
	}))

	require.NoError(t, f.orch.Startup(ctx))
	assert.Equal(t, "4750", f.orch.Snapshot().Heat)
}

func TestRiskEventsPublishedOnBus(t *testing.T) {
	f := newFixture(t)

	ch, cancelSub := f.bus.Subscribe(TopicRisk, 4)
	defer cancelSub()

	f.orch.OnThrottleSustained(ratelimit.ClassOrders, 99)

	select {
	case msg := <-ch:
		ev, ok := msg.(core.RiskEvent)
		require.True(t, ok)
		assert.Equal(t, core.RiskThrottleDepth, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no risk event published")
	}
}

func TestEscalationHooksPauseTrading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.OnThrottleSustained(ratelimit.ClassOrders, 99)
	assert.True(t, f.orch.IsPaused())

	events, err := f.store.RiskEvents(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, core.RiskThrottleDepth, events[0].Type)

	require.NoError(t, f.orch.Resume(ctx, "ops"))
	f.orch.OnScanSickness(3, context.DeadlineExceeded)
	assert.True(t, f.orch.IsPaused())
}
