// Package orchestrator glues the trading pipeline together: it owns the
// mutable session state (mode, pause flag, portfolio heat, daily PnL),
// drives the scan cycle, and routes order-watcher callbacks into the
// OCO manager. Mode and pause transitions are audited; going LIVE
// requires the operator's literal confirmation phrase.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"intraday_trader/internal/clock"
	"intraday_trader/internal/core"
	"intraday_trader/internal/execution"
	"intraday_trader/internal/marketdata"
	"intraday_trader/internal/oco"
	"intraday_trader/internal/ratelimit"
	"intraday_trader/internal/risk"
	"intraday_trader/pkg/concurrency"
	"intraday_trader/pkg/telemetry"
)

// flattenBudget bounds how long Flatten may take end to end. Variable
// so tests can shrink the wait.
var flattenBudget = 2 * time.Second

// Bus topics published by the orchestrator.
const (
	TopicSignals = "signals.generated"
	TopicRisk    = "risk.events"
)

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Store      core.IStore
	Clock      core.IClock
	Hours      *clock.HoursGate
	Risk       *risk.Engine
	Exec       *execution.Engine
	OCO        *oco.Manager
	Market     *marketdata.Stream
	Bus        core.IEventBus
	Strategies []core.IStrategy
	Pool       *concurrency.WorkerPool
	Logger     core.ILogger

	ConfigSHA string
	GitHead   string
	Capital   decimal.Decimal
}

// Orchestrator implements the trading session control flow.
type Orchestrator struct {
	deps    Deps
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	sessionID string

	mu       sync.Mutex
	mode     core.Mode
	paused   bool
	pauseWhy string
	heat     decimal.Decimal
	dailyPnL decimal.Decimal
}

func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		deps:      deps,
		logger:    deps.Logger.WithField("component", "orchestrator"),
		metrics:   telemetry.GetGlobalMetrics(),
		sessionID: uuid.NewString(),
		mode:      core.ModePaper,
	}
	deps.OCO.SetKillSwitch(o.killSwitch)
	return o
}

// SessionID returns the UUID stamped on this session's audit rows.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Snapshot is the state served by the control plane.
type Snapshot struct {
	SessionID   string `json:"session_id"`
	Mode        string `json:"mode"`
	Paused      bool   `json:"paused"`
	PauseReason string `json:"pause_reason,omitempty"`
	Heat        string `json:"portfolio_heat"`
	DailyPnL    string `json:"daily_pnl"`
	ConfigSHA   string `json:"config_sha"`
	GitHead     string `json:"git_head"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		SessionID:   o.sessionID,
		Mode:        string(o.mode),
		Paused:      o.paused,
		PauseReason: o.pauseWhy,
		Heat:        o.heat.String(),
		DailyPnL:    o.dailyPnL.String(),
		ConfigSHA:   o.deps.ConfigSHA,
		GitHead:     o.deps.GitHead,
	}
}

func (o *Orchestrator) Mode() core.Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

func (o *Orchestrator) IsPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Startup audits process start and runs crash recovery. The session
// always begins in PAPER regardless of how it ended.
func (o *Orchestrator) Startup(ctx context.Context) error {
	o.mu.Lock()
	o.mode = core.ModePaper
	o.mu.Unlock()

	if err := o.audit(ctx, core.AuditStartup, "system", map[string]string{"mode": string(core.ModePaper)}); err != nil {
		return err
	}
	if err := o.deps.OCO.Recover(ctx); err != nil {
		return fmt.Errorf("oco recovery: %w", err)
	}
	if err := o.rebuildHeat(ctx); err != nil {
		return err
	}
	if err := o.refreshPortfolio(ctx); err != nil {
		return err
	}
	return o.audit(ctx, core.AuditRecovery, "system", nil)
}

// Shutdown audits process stop.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if err := o.audit(ctx, core.AuditShutdown, "system", nil); err != nil {
		o.logger.Warn("shutdown audit failed", "error", err)
	}
}

// ScanOnce runs one full scan cycle: gate by window and pause state,
// generate signals, risk-gate each, place approved entries, and create
// their OCO groups.
func (o *Orchestrator) ScanOnce(ctx context.Context) error {
	now := o.deps.Clock.Now()
	window := o.deps.Hours.Classify(now)

	if err := o.refreshPortfolio(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	paused := o.paused
	mode := o.mode
	o.mu.Unlock()

	if paused || window != clock.WindowEntry {
		return nil
	}

	instruments, sc := o.strategyContext(ctx, now)
	signals := o.collectSignals(ctx, sc)
	if len(signals) == 0 {
		return nil
	}
	// best score first; ties resolved by symbol for determinism
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Score != signals[j].Score {
			return signals[i].Score > signals[j].Score
		}
		return signals[i].Symbol < signals[j].Symbol
	})

	for _, sig := range signals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.deps.Store.SaveSignal(ctx, sig); err != nil {
			o.logger.Error("failed to persist signal", "symbol", sig.Symbol, "error", err)
			continue
		}
		o.publish(TopicSignals, sig)
		o.metrics.Count(o.metrics.SignalsTotal, 1, attribute.String("strategy", sig.Strategy))
		o.decide(ctx, sig, instruments[sig.Symbol], window, mode, now)
	}
	return nil
}

func (o *Orchestrator) strategyContext(ctx context.Context, now time.Time) (map[string]core.Instrument, core.StrategyContext) {
	instruments := make(map[string]core.Instrument)
	bars := make(map[string][]core.Bar)
	for symbol := range o.deps.Market.LastTicks() {
		if in, err := o.deps.Store.Instrument(ctx, symbol); err == nil {
			instruments[symbol] = in
		}
		bars[symbol] = o.deps.Market.Bars(symbol, 0)
	}
	return instruments, core.StrategyContext{
		Now:         now,
		Instruments: instruments,
		Bars:        bars,
		LastTicks:   o.deps.Market.LastTicks(),
		ConfigSHA:   o.deps.ConfigSHA,
	}
}

func (o *Orchestrator) collectSignals(ctx context.Context, sc core.StrategyContext) []core.Signal {
	var out []core.Signal
	for _, st := range o.deps.Strategies {
		sigs, err := st.GenerateSignals(ctx, sc)
		if err != nil {
			o.logger.Error("strategy failed", "strategy", st.Name(), "error", err)
			continue
		}
		out = append(out, sigs...)
	}
	return out
}

// decide risk-gates one signal and, when approved, places its entry and
// creates the OCO group.
func (o *Orchestrator) decide(ctx context.Context, sig core.Signal, in core.Instrument,
	window clock.Window, mode core.Mode, now time.Time) {

	o.mu.Lock()
	portfolio := core.PortfolioState{
		Capital:          o.deps.Capital,
		Heat:             o.heat,
		DailyRealizedPnL: o.dailyPnL,
		Paused:           o.paused,
	}
	o.mu.Unlock()

	quote := core.Quote{}
	if t, ok := o.deps.Market.LastTick(sig.Symbol); ok {
		quote = core.Quote{Symbol: sig.Symbol, Bid: t.Bid, Ask: t.Ask, Last: t.Last, At: t.At}
	}

	assessment := o.deps.Risk.CanEnter(risk.Input{
		Instrument: in,
		Signal:     sig,
		Quote:      quote,
		Window:     window,
		Portfolio:  portfolio,
	})

	planID := execution.PlanClientID(sig, assessment.Qty)
	dec := core.Decision{
		ID:           uuid.NewString(),
		SignalID:     sig.ID,
		ClientPlanID: planID,
		Mode:         mode,
		Approved:     assessment.Approved,
		RiskPct:      o.deps.Risk.Params().PerTradeRiskPct,
		RiskAmount:   assessment.RiskAmount,
		Qty:          assessment.Qty,
		HeatBefore:   portfolio.Heat,
		HeatAfter:    assessment.HeatAfter,
		Status:       core.DecisionPlanned,
		RejectReason: assessment.Reason,
		ConfigSHA:    sig.ConfigSHA,
		CreatedAt:    now,
	}
	if !assessment.Approved {
		dec.Status = core.DecisionRejected
		dec.HeatAfter = portfolio.Heat
	}

	// an identical plan this session already ran; do not double-trade
	if prior, err := o.deps.Store.DecisionByPlanID(ctx, planID); err == nil && prior.Approved {
		o.logger.Debug("duplicate plan short-circuited", "plan", planID)
		return
	}
	if err := o.deps.Store.SaveDecision(ctx, dec); err != nil {
		o.logger.Error("failed to persist decision", "plan", planID, "error", err)
		return
	}
	o.metrics.Count(o.metrics.DecisionsTotal, 1, attribute.Bool("approved", assessment.Approved))

	if !assessment.Approved {
		o.saveRiskEvent(ctx, assessment.EventType, dec.ID, sig.Symbol, assessment.Reason)
		if err := o.audit(ctx, core.AuditDecisionRejected, "system", map[string]string{
			"decision": dec.ID, "symbol": sig.Symbol, "reason": assessment.Reason,
		}); err != nil {
			o.logger.Warn("rejection audit failed", "decision", dec.ID, "error", err)
		}
		// a breached daily loss stop halts the session, not just this plan
		if assessment.EventType == core.RiskDailyLossStop {
			if err := o.Pause(ctx, "daily loss stop", "system"); err != nil {
				o.logger.Warn("daily loss pause failed", "error", err)
			}
		}
		return
	}

	sig.Entry = risk.ClampToTick(sig.Entry, in.TickSize)
	if err := o.placeEntry(ctx, dec, sig, now); err != nil {
		o.logger.Error("entry placement failed", "plan", planID, "error", err)
		if uerr := o.deps.Store.UpdateDecisionStatus(ctx, dec.ID, core.DecisionRejected); uerr != nil {
			o.logger.Warn("failed to mark decision rejected", "decision", dec.ID, "error", uerr)
		}
		return
	}

	o.mu.Lock()
	o.heat = assessment.HeatAfter
	heat, _ := o.heat.Float64()
	o.mu.Unlock()
	o.metrics.SetPortfolioHeat(heat)

	if err := o.deps.Store.UpdateDecisionStatus(ctx, dec.ID, core.DecisionExecuted); err != nil {
		o.logger.Warn("failed to mark decision executed", "decision", dec.ID, "error", err)
	}
	o.metrics.Observe(o.metrics.TickToDecisionMs, float64(time.Since(now).Milliseconds()))
}

func (o *Orchestrator) placeEntry(ctx context.Context, dec core.Decision, sig core.Signal, now time.Time) error {
	entry := core.Order{
		ID:            uuid.NewString(),
		DecisionID:    dec.ID,
		ClientOrderID: execution.OrderClientID(dec.ClientPlanID, core.TagEntry, ""),
		Tag:           core.TagEntry,
		Group:         dec.ClientPlanID,
		Symbol:        sig.Symbol,
		Side:          core.EntrySide(sig.Side),
		Qty:           dec.Qty,
		Price:         sig.Entry,
		Type:          core.TypeLimit,
		Status:        core.OrderNew,
		CreatedAt:     now,
	}
	placed, err := o.deps.Exec.PlaceOrder(ctx, entry)
	if err != nil {
		return err
	}
	if _, err := o.deps.OCO.CreateGroup(ctx, dec, sig, placed); err != nil {
		return fmt.Errorf("create oco group: %w", err)
	}
	return nil
}

// submit hands work to the pool; a full pool is logged, not fatal, as
// the watcher's next sweep redelivers the event.
func (o *Orchestrator) submit(name string, fn func()) {
	if err := o.deps.Pool.Submit(fn); err != nil {
		o.logger.Error("pool submit failed", "task", name, "error", err)
	}
}

// OnEntryFilled is the watcher callback for a filled entry. Heavy work
// moves to the pool so the watcher never blocks on broker calls.
func (o *Orchestrator) OnEntryFilled(_ context.Context, order core.Order) {
	o.submit("entry_filled", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.deps.OCO.OnEntryFilled(ctx, order.Group, order); err != nil {
			o.logger.Error("arming oco group failed", "group", order.Group, "error", err)
		}
		o.updatePositionGauges(ctx)
	})
}

// OnChildFilled is the watcher callback for a filled stop or TP.
func (o *Orchestrator) OnChildFilled(_ context.Context, order core.Order) {
	o.submit("child_filled", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.deps.OCO.OnChildFilled(ctx, order.Group, order); err != nil {
			o.logger.Error("closing oco group failed", "group", order.Group, "error", err)
		}
		o.releaseHeat(ctx, order.Group)
		if err := o.refreshPortfolio(ctx); err != nil {
			o.logger.Warn("portfolio refresh failed", "error", err)
		}
		o.updatePositionGauges(ctx)
	})
}

// OnPartialStop shrinks the TP leg after a partial stop fill.
func (o *Orchestrator) OnPartialStop(_ context.Context, order core.Order) {
	remaining := order.Qty - order.FilledQty
	o.submit("partial_stop", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.deps.OCO.AdjustForPartialStop(ctx, order.Group, remaining); err != nil {
			o.logger.Error("tp adjust failed", "group", order.Group, "error", err)
		}
	})
}

// OnEntryTerminated finalizes a group whose entry died.
func (o *Orchestrator) OnEntryTerminated(_ context.Context, order core.Order) {
	o.submit("entry_terminated", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.deps.OCO.OnEntryTerminated(ctx, order.Group); err != nil {
			o.logger.Error("terminating oco group failed", "group", order.Group, "error", err)
		}
		o.releaseHeat(ctx, order.Group)
	})
}

// OnOrderRejected records the broker rejection for the audit trail.
func (o *Orchestrator) OnOrderRejected(ctx context.Context, order core.Order, reason string) {
	o.saveRiskEvent(ctx, core.RiskOrderRejected, order.DecisionID, order.Symbol,
		fmt.Sprintf("%s rejected: %s", order.ClientOrderID, reason))
}

// releaseHeat gives back the risk attributed to a finished group.
func (o *Orchestrator) releaseHeat(ctx context.Context, group string) {
	dec, err := o.deps.Store.DecisionByPlanID(ctx, group)
	if err != nil {
		return
	}
	o.mu.Lock()
	o.heat = o.heat.Sub(dec.RiskAmount)
	if o.heat.IsNegative() {
		o.heat = decimal.Zero
	}
	heat, _ := o.heat.Float64()
	o.mu.Unlock()
	o.metrics.SetPortfolioHeat(heat)
}

// Pause halts new entries. Exits and cancels keep working.
func (o *Orchestrator) Pause(ctx context.Context, reason, actor string) error {
	o.mu.Lock()
	o.paused = true
	o.pauseWhy = reason
	o.mu.Unlock()
	o.logger.Warn("trading paused", "reason", reason, "actor", actor)
	return o.audit(ctx, core.AuditPause, actor, map[string]string{"reason": reason})
}

// Resume lifts a pause.
func (o *Orchestrator) Resume(ctx context.Context, actor string) error {
	o.mu.Lock()
	o.paused = false
	o.pauseWhy = ""
	o.mu.Unlock()
	o.logger.Info("trading resumed", "actor", actor)
	return o.audit(ctx, core.AuditResume, actor, nil)
}

// SetMode switches PAPER/LIVE. Going LIVE demands the exact
// confirmation phrase; anything else is refused.
func (o *Orchestrator) SetMode(ctx context.Context, mode core.Mode, confirmation, actor string) error {
	if mode != core.ModePaper && mode != core.ModeLive {
		return fmt.Errorf("unknown mode %q", mode)
	}
	if mode == core.ModeLive && confirmation != core.ConfirmLiveTrading {
		return fmt.Errorf("live mode requires confirmation %q", core.ConfirmLiveTrading)
	}

	o.mu.Lock()
	from := o.mode
	o.mode = mode
	o.mu.Unlock()
	if from == mode {
		return nil
	}

	o.logger.Warn("mode changed", "from", string(from), "to", string(mode), "actor", actor)
	return o.audit(ctx, core.AuditModeChange, actor, map[string]string{
		"from": string(from), "to": string(mode),
	})
}

// FlattenOutcome reports how one position ended during a flatten:
// the last observed state within the budget plus any placement error.
type FlattenOutcome struct {
	Symbol string `json:"symbol"`
	Group  string `json:"group"`
	Qty    int64  `json:"qty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Flatten pauses trading, cancels all working children, market-exits
// every open position, and waits for the positions to close. The whole
// operation is bounded by flattenBudget; positions still open at the
// deadline are reported with their last observed state.
func (o *Orchestrator) Flatten(ctx context.Context, reason, actor string) ([]FlattenOutcome, error) {
	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, flattenBudget)
	defer cancel()

	o.mu.Lock()
	o.paused = true
	o.pauseWhy = "flatten: " + reason
	o.mu.Unlock()
	o.metrics.Count(o.metrics.KillSwitchTotal, 1, attribute.String("reason", reason))

	positions, err := o.deps.Store.OpenPositions(fctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	placeErrs := make([]error, len(positions))
	eg, egCtx := errgroup.WithContext(fctx)
	for i, pos := range positions {
		i, pos := i, pos
		eg.Go(func() error {
			placeErrs[i] = o.flattenPosition(egCtx, pos)
			return placeErrs[i]
		})
	}
	err = eg.Wait()

	outcomes := o.awaitFlat(fctx, positions, placeErrs)

	elapsed := time.Since(start)
	o.metrics.Observe(o.metrics.FlattenDurationMs, float64(elapsed.Milliseconds()),
		attribute.String("reason", reason))
	o.logger.Warn("flatten finished", "reason", reason, "positions", len(positions),
		"elapsed", elapsed.String(), "error", err)

	if aerr := o.audit(ctx, core.AuditFlatten, actor, map[string]string{
		"reason": reason, "positions": fmt.Sprintf("%d", len(positions)),
	}); aerr != nil {
		o.logger.Warn("flatten audit failed", "error", aerr)
	}
	return outcomes, err
}

// awaitFlat polls the store until every exited position reaches a
// terminal state or ctx runs out. Positions whose exit never reached
// the broker are not waited on.
func (o *Orchestrator) awaitFlat(ctx context.Context, positions []core.Position, placeErrs []error) []FlattenOutcome {
	states := make([]core.PositionStatus, len(positions))
	for i, pos := range positions {
		states[i] = pos.Status
	}

wait:
	for {
		pending := 0
		for i, pos := range positions {
			if placeErrs[i] != nil || states[i] == core.PositionClosed {
				continue
			}
			cur, err := o.deps.Store.PositionByGroup(ctx, pos.Group)
			if err != nil {
				pending++
				continue
			}
			states[i] = cur.Status
			if cur.Status != core.PositionClosed {
				pending++
			}
		}
		if pending == 0 {
			break wait
		}
		select {
		case <-ctx.Done():
			break wait
		case <-time.After(50 * time.Millisecond):
		}
	}

	out := make([]FlattenOutcome, len(positions))
	for i, pos := range positions {
		out[i] = FlattenOutcome{
			Symbol: pos.Symbol,
			Group:  pos.Group,
			Qty:    pos.Qty,
			Status: string(states[i]),
		}
		if placeErrs[i] != nil {
			out[i].Error = placeErrs[i].Error()
		}
	}
	return out
}

// flattenPosition cancels the position's children and sends a priority
// market exit.
func (o *Orchestrator) flattenPosition(ctx context.Context, pos core.Position) error {
	for _, coid := range []string{pos.StopOrderID, pos.TPOrderID} {
		if coid == "" {
			continue
		}
		if err := o.deps.Exec.CancelOrder(ctx, coid, true); err != nil {
			o.logger.Warn("flatten: child cancel failed", "client_order_id", coid, "error", err)
		}
	}

	exit := core.Order{
		ID:            uuid.NewString(),
		ClientOrderID: execution.OrderClientID(pos.Group, core.TagStop, "flat"),
		Tag:           core.TagStop,
		Group:         pos.Group,
		Symbol:        pos.Symbol,
		Side:          core.ExitSide(pos.Side),
		Qty:           pos.Qty,
		Type:          core.TypeMarket,
		Status:        core.OrderNew,
		CreatedAt:     time.Now(),
	}
	if _, err := o.deps.Exec.PlaceOrder(ctx, exit); err != nil {
		return fmt.Errorf("flatten exit %s: %w", pos.Symbol, err)
	}
	return nil
}

// killSwitch is the OCO escalation hook: flatten one position now.
func (o *Orchestrator) killSwitch(ctx context.Context, reason string, pos core.Position) {
	o.metrics.Count(o.metrics.KillSwitchTotal, 1, attribute.String("reason", reason))
	if err := o.audit(ctx, core.AuditKillSwitch, "system", map[string]string{
		"reason": reason, "symbol": pos.Symbol,
	}); err != nil {
		o.logger.Warn("kill switch audit failed", "error", err)
	}
	if err := o.flattenPosition(ctx, pos); err != nil {
		o.logger.Error("kill switch flatten failed", "symbol", pos.Symbol, "error", err)
	}
}

// OnLeaderElected audits acquisition of the leader lock.
func (o *Orchestrator) OnLeaderElected() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.audit(ctx, core.AuditLeaderAcquired, "system", nil); err != nil {
		o.logger.Warn("leader audit failed", "error", err)
	}
}

// OnLeaderLost pauses entries until leadership returns.
func (o *Orchestrator) OnLeaderLost() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.audit(ctx, core.AuditLeaderLost, "system", nil); err != nil {
		o.logger.Warn("leader audit failed", "error", err)
	}
	if err := o.Pause(ctx, "leadership lost", "system"); err != nil {
		o.logger.Warn("leader pause failed", "error", err)
	}
}

// OnThrottleSustained pauses entries while the broker queue drains.
func (o *Orchestrator) OnThrottleSustained(class ratelimit.Class, depth int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.saveRiskEvent(ctx, core.RiskThrottleDepth, "", "",
		fmt.Sprintf("sustained %s queue depth %d", class, depth))
	if err := o.Pause(ctx, "throttle pressure", "system"); err != nil {
		o.logger.Warn("throttle pause failed", "error", err)
	}
}

// OnScanSickness pauses entries after repeated scan failures.
func (o *Orchestrator) OnScanSickness(consecutive int, lastErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.saveRiskEvent(ctx, core.RiskScanFailures, "", "",
		fmt.Sprintf("%d consecutive scan failures: %v", consecutive, lastErr))
	if err := o.Pause(ctx, "scan failures", "system"); err != nil {
		o.logger.Warn("scan pause failed", "error", err)
	}
}

// rebuildHeat re-derives portfolio heat from the groups still working
// after a restart. Each open group carries the risk amount its decision
// committed; without the rebuild a restarted process would size new
// entries as if the book were flat.
func (o *Orchestrator) rebuildHeat(ctx context.Context) error {
	groups, err := o.deps.Store.OpenGroups(ctx)
	if err != nil {
		return fmt.Errorf("open groups: %w", err)
	}
	heat := decimal.Zero
	for _, g := range groups {
		dec, err := o.deps.Store.DecisionByPlanID(ctx, g.ID)
		if err != nil {
			o.logger.Warn("heat rebuild: no decision for group", "group", g.ID, "error", err)
			continue
		}
		heat = heat.Add(dec.RiskAmount)
	}
	o.mu.Lock()
	o.heat = heat
	o.mu.Unlock()
	v, _ := heat.Float64()
	o.metrics.SetPortfolioHeat(v)
	return nil
}

// refreshPortfolio reloads the day's realized PnL; the risk gate reads
// it to enforce the daily loss stop.
func (o *Orchestrator) refreshPortfolio(ctx context.Context) error {
	pnl, err := o.deps.Store.DailyRealizedPnL(ctx, o.deps.Clock.Now())
	if err != nil {
		return fmt.Errorf("daily pnl: %w", err)
	}
	o.mu.Lock()
	o.dailyPnL = pnl
	o.mu.Unlock()
	v, _ := pnl.Float64()
	o.metrics.SetDailyPnL(v)
	return nil
}

func (o *Orchestrator) updatePositionGauges(ctx context.Context) {
	positions, err := o.deps.Store.OpenPositions(ctx)
	if err != nil {
		return
	}
	o.metrics.SetPositionsOpen(int64(len(positions)))
}

func (o *Orchestrator) saveRiskEvent(ctx context.Context, typ core.RiskEventType, decisionID, symbol, details string) {
	ev := core.RiskEvent{
		ID:         uuid.NewString(),
		At:         o.deps.Clock.Now(),
		Type:       typ,
		DecisionID: decisionID,
		Symbol:     symbol,
		Details:    details,
	}
	if err := o.deps.Store.SaveRiskEvent(ctx, ev); err != nil {
		o.logger.Error("failed to persist risk event", "type", string(typ), "error", err)
		return
	}
	o.publish(TopicRisk, ev)
}

func (o *Orchestrator) publish(topic string, msg interface{}) {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(topic, msg)
	}
}

func (o *Orchestrator) audit(ctx context.Context, action core.AuditAction, actor string, details map[string]string) error {
	rec := core.AuditRecord{
		ID:        uuid.NewString(),
		At:        o.deps.Clock.Now(),
		Action:    action,
		SessionID: o.sessionID,
		Actor:     actor,
		Details:   details,
		ConfigSHA: o.deps.ConfigSHA,
		GitHead:   o.deps.GitHead,
	}
	if err := o.deps.Store.AppendAudit(ctx, rec); err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}
