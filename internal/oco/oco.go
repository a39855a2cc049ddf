// Package oco manages one-cancels-other bracket groups. Every approved
// entry gets a group holding the entry order plus a stop and take-profit
// child; when one child fills, the sibling is canceled before the group
// closes. All transitions are single-flight per group and persisted
// before any broker call, so a crash mid-transition is recoverable.
package oco

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"intraday_trader/internal/core"
	"intraday_trader/internal/execution"
	"intraday_trader/pkg/telemetry"
)

// cancelAttempts bounds sibling-cancel retries before the kill switch
// takes over. Each attempt already carries the broker retry policy.
const cancelAttempts = 3

// KillSwitchFunc flattens a position after an unrecoverable sibling
// cancel failure.
type KillSwitchFunc func(ctx context.Context, reason string, pos core.Position)

// Manager implements the OCO state machine.
type Manager struct {
	store   core.IStore
	exec    *execution.Engine
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	killSwitch KillSwitchFunc

	mu     sync.Mutex
	groups map[string]*sync.Mutex
}

func NewManager(store core.IStore, exec *execution.Engine, logger core.ILogger) *Manager {
	return &Manager{
		store:   store,
		exec:    exec,
		logger:  logger.WithField("component", "oco"),
		metrics: telemetry.GetGlobalMetrics(),
		groups:  make(map[string]*sync.Mutex),
	}
}

// SetKillSwitch registers the flatten escalation hook.
func (m *Manager) SetKillSwitch(fn KillSwitchFunc) { m.killSwitch = fn }

func (m *Manager) lock(groupID string) func() {
	m.mu.Lock()
	gl, ok := m.groups[groupID]
	if !ok {
		gl = &sync.Mutex{}
		m.groups[groupID] = gl
	}
	m.mu.Unlock()
	gl.Lock()
	return gl.Unlock
}

// CreateGroup persists a new bracket for an approved decision. The
// entry order must already exist in the Store; the child rows are
// written in NEW so their shape survives a crash before placement.
func (m *Manager) CreateGroup(ctx context.Context, dec core.Decision, sig core.Signal, entry core.Order) (core.OCOGroup, error) {
	stop, tp := childOrders(dec, sig, entry)

	g := core.OCOGroup{
		ID:           entry.Group,
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		EntryOrderID: entry.ClientOrderID,
		StopOrderID:  stop.ClientOrderID,
		TPOrderID:    tp.ClientOrderID,
		State:        core.GroupAwaitingEntry,
		CreatedAt:    time.Now(),
	}
	if err := m.store.SaveGroup(ctx, g); err != nil {
		return core.OCOGroup{}, fmt.Errorf("save group: %w", err)
	}
	for _, child := range []core.Order{stop, tp} {
		if err := m.store.InsertOrder(ctx, child); err != nil {
			return core.OCOGroup{}, fmt.Errorf("insert child %s: %w", child.ClientOrderID, err)
		}
	}
	m.logger.Info("oco group created", "group", g.ID, "symbol", g.Symbol, "entry", g.EntryOrderID)
	return g, nil
}

// childOrders derives the stop and take-profit orders from the decision
// and signal. IDs are deterministic so replacement after a crash reuses
// the same identity.
func childOrders(dec core.Decision, sig core.Signal, entry core.Order) (core.Order, core.Order) {
	exitSide := core.ExitSide(sig.Side)
	now := time.Now()
	stop := core.Order{
		ID:            uuid.NewString(),
		DecisionID:    dec.ID,
		ClientOrderID: execution.OrderClientID(dec.ClientPlanID, core.TagStop, ""),
		Tag:           core.TagStop,
		Group:         entry.Group,
		Symbol:        sig.Symbol,
		Side:          exitSide,
		Qty:           entry.Qty,
		TriggerPrice:  sig.Stop,
		Type:          core.TypeSLM,
		Status:        core.OrderNew,
		CreatedAt:     now,
	}
	tp := core.Order{
		ID:            uuid.NewString(),
		DecisionID:    dec.ID,
		ClientOrderID: execution.OrderClientID(dec.ClientPlanID, core.TagTP, ""),
		Tag:           core.TagTP,
		Group:         entry.Group,
		Symbol:        sig.Symbol,
		Side:          exitSide,
		Qty:           entry.Qty,
		Price:         sig.TP,
		Type:          core.TypeLimit,
		Status:        core.OrderNew,
		CreatedAt:     now,
	}
	return stop, tp
}

// OnEntryFilled arms the group: opens the position and places both
// children concurrently. Idempotent; a repeated fill event finds the
// group already ARMED and returns.
func (m *Manager) OnEntryFilled(ctx context.Context, groupID string, entry core.Order) error {
	defer m.lock(groupID)()

	g, err := m.store.GroupByID(ctx, groupID)
	if err != nil {
		return fmt.Errorf("group %s: %w", groupID, err)
	}
	if g.State != core.GroupAwaitingEntry {
		m.logger.Debug("entry fill on non-awaiting group ignored", "group", groupID, "state", string(g.State))
		return nil
	}

	pos := core.Position{
		ID:          uuid.NewString(),
		Symbol:      entry.Symbol,
		Side:        g.Side,
		Qty:         entry.FilledQty,
		AvgEntry:    entry.AvgFillPrice,
		Group:       groupID,
		StopOrderID: g.StopOrderID,
		TPOrderID:   g.TPOrderID,
		Status:      core.PositionOpen,
		OpenedAt:    time.Now(),
	}
	if pos.Qty == 0 {
		pos.Qty = entry.Qty
	}
	if pos.AvgEntry.IsZero() {
		pos.AvgEntry = entry.Price
	}
	if err := m.store.CreatePosition(ctx, pos); err != nil {
		return fmt.Errorf("create position: %w", err)
	}

	if err := m.placeChildren(ctx, g, pos.Qty); err != nil {
		return err
	}

	g.State = core.GroupArmed
	if err := m.store.UpdateGroup(ctx, g); err != nil {
		return fmt.Errorf("arm group: %w", err)
	}
	m.logger.Info("oco group armed", "group", groupID, "qty", pos.Qty)
	return nil
}

// placeChildren sends both child orders concurrently. A partial entry
// fill shrinks the child quantities to the filled amount first.
func (m *Manager) placeChildren(ctx context.Context, g core.OCOGroup, qty int64) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, coid := range []string{g.StopOrderID, g.TPOrderID} {
		coid := coid
		eg.Go(func() error {
			child, err := m.store.OrderByClientID(egCtx, coid)
			if err != nil {
				return err
			}
			if child.Status != core.OrderNew {
				return nil // already placed or terminal
			}
			if child.Qty != qty {
				child.Qty = qty
			}
			if _, err := m.exec.PlaceOrder(egCtx, child); err != nil {
				return fmt.Errorf("place child %s: %w", coid, err)
			}
			m.metrics.Count(m.metrics.OCOChildrenTotal, 1, attribute.String("tag", string(child.Tag)))
			return nil
		})
	}
	return eg.Wait()
}

// OnChildFilled cancels the sibling and closes out the group. The
// filled child decides the exit reason; repeated events are no-ops.
func (m *Manager) OnChildFilled(ctx context.Context, groupID string, filled core.Order) error {
	defer m.lock(groupID)()

	g, err := m.store.GroupByID(ctx, groupID)
	if err != nil {
		return fmt.Errorf("group %s: %w", groupID, err)
	}
	if g.State != core.GroupArmed && g.State != core.GroupChildFilled {
		m.logger.Debug("child fill in unexpected state ignored", "group", groupID, "state", string(g.State))
		return nil
	}

	if g.State == core.GroupArmed {
		g.State = core.GroupChildFilled
		if err := m.store.UpdateGroup(ctx, g); err != nil {
			return fmt.Errorf("mark child filled: %w", err)
		}
	}

	sibling := g.StopOrderID
	if filled.ClientOrderID == g.StopOrderID {
		sibling = g.TPOrderID
	}
	return m.finishClose(ctx, g, filled, sibling)
}

// finishClose cancels the sibling, closes the position, and records the
// trade. On persistent cancel failure the kill switch flattens.
func (m *Manager) finishClose(ctx context.Context, g core.OCOGroup, filled core.Order, sibling string) error {
	var cancelErr error
	for attempt := 1; attempt <= cancelAttempts; attempt++ {
		if cancelErr = m.exec.CancelOrder(ctx, sibling, true); cancelErr == nil {
			break
		}
		m.logger.Warn("sibling cancel failed", "group", g.ID, "sibling", sibling,
			"attempt", attempt, "error", cancelErr)
	}

	pos, perr := m.store.PositionByGroup(ctx, g.ID)
	if perr != nil {
		return fmt.Errorf("position for group %s: %w", g.ID, perr)
	}

	if cancelErr != nil {
		ev := core.RiskEvent{
			ID: uuid.NewString(), At: time.Now(), Type: core.RiskOCOCancelFail,
			Symbol:  g.Symbol,
			Details: fmt.Sprintf("sibling %s cancel failed after %d attempts: %v", sibling, cancelAttempts, cancelErr),
		}
		if err := m.store.SaveRiskEvent(ctx, ev); err != nil {
			m.logger.Error("failed to persist risk event", "error", err)
		}
		if m.killSwitch != nil {
			m.killSwitch(ctx, "oco_cancel_failed", pos)
		}
		return fmt.Errorf("sibling cancel %s: %w", sibling, cancelErr)
	}

	if _, _, err := m.store.UpdateOrderStatus(ctx, sibling, core.OrderEvent{
		ClientOrderID: sibling, Status: core.OrderCanceled, At: time.Now(),
	}); err != nil {
		m.logger.Warn("failed to mark sibling canceled locally", "sibling", sibling, "error", err)
	}

	if err := m.recordExit(ctx, g, pos, filled); err != nil {
		return err
	}

	g.State = core.GroupClosed
	if err := m.store.UpdateGroup(ctx, g); err != nil {
		return fmt.Errorf("close group: %w", err)
	}
	m.logger.Info("oco group closed", "group", g.ID, "exit", string(filled.Tag))
	return nil
}

func (m *Manager) recordExit(ctx context.Context, g core.OCOGroup, pos core.Position, filled core.Order) error {
	exitPrice := filled.AvgFillPrice
	if exitPrice.IsZero() {
		exitPrice = filled.Price
	}

	qty := decimal.NewFromInt(pos.Qty)
	gross := exitPrice.Sub(pos.AvgEntry).Mul(qty)
	if g.Side == core.SideShort {
		gross = gross.Neg()
	}

	var slippage decimal.Decimal
	intended := filled.TriggerPrice
	if filled.Tag == core.TagTP {
		intended = filled.Price
	}
	if intended.IsPositive() {
		slippage = exitPrice.Sub(intended).Abs().Div(intended).Mul(decimal.NewFromInt(10000))
	}
	var latencyMs int64
	if !filled.AckedAt.IsZero() && !filled.FilledAt.IsZero() {
		latencyMs = filled.FilledAt.Sub(filled.AckedAt).Milliseconds()
	}

	trade := core.Trade{
		ID:          uuid.NewString(),
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Qty:         pos.Qty,
		EntryPrice:  pos.AvgEntry,
		ExitPrice:   exitPrice,
		ExitReason:  string(filled.Tag),
		GrossPnL:    gross,
		NetPnL:      gross,
		SlippageBps: slippage,
		LatencyMs:   latencyMs,
		At:          time.Now(),
	}
	if err := m.store.SaveTrade(ctx, trade); err != nil {
		return fmt.Errorf("save trade: %w", err)
	}

	pos.Status = core.PositionClosed
	pos.ClosedAt = time.Now()
	if err := m.store.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	return nil
}

// OnEntryTerminated handles a canceled or rejected entry: the group is
// dead and any pre-created child rows are finalized locally.
func (m *Manager) OnEntryTerminated(ctx context.Context, groupID string) error {
	defer m.lock(groupID)()

	g, err := m.store.GroupByID(ctx, groupID)
	if err != nil {
		return fmt.Errorf("group %s: %w", groupID, err)
	}
	if g.State != core.GroupAwaitingEntry {
		return nil
	}
	g.State = core.GroupCanceled
	if err := m.store.UpdateGroup(ctx, g); err != nil {
		return fmt.Errorf("cancel group: %w", err)
	}
	now := time.Now()
	for _, coid := range []string{g.StopOrderID, g.TPOrderID} {
		if _, _, err := m.store.UpdateOrderStatus(ctx, coid, core.OrderEvent{
			ClientOrderID: coid, Status: core.OrderCanceled, At: now,
		}); err != nil {
			m.logger.Warn("failed to finalize unplaced child", "client_order_id", coid, "error", err)
		}
	}
	return nil
}

// Recover replays every non-terminal group after a restart: entries
// that filled while we were down get their children placed, and
// half-closed groups finish their sibling cancel.
func (m *Manager) Recover(ctx context.Context) error {
	groups, err := m.store.OpenGroups(ctx)
	if err != nil {
		return fmt.Errorf("load open groups: %w", err)
	}
	m.logger.Info("oco recovery", "open_groups", len(groups))

	for _, g := range groups {
		entry, err := m.store.OrderByClientID(ctx, g.EntryOrderID)
		if err != nil {
			m.logger.Error("recovery: entry order missing", "group", g.ID, "error", err)
			continue
		}
		switch g.State {
		case core.GroupAwaitingEntry:
			switch entry.Status {
			case core.OrderFilled:
				if err := m.OnEntryFilled(ctx, g.ID, entry); err != nil {
					m.logger.Error("recovery: arm failed", "group", g.ID, "error", err)
				}
			case core.OrderCanceled, core.OrderRejected:
				if err := m.OnEntryTerminated(ctx, g.ID); err != nil {
					m.logger.Error("recovery: terminate failed", "group", g.ID, "error", err)
				}
			}
		case core.GroupArmed:
			if err := m.recoverArmed(ctx, g); err != nil {
				m.logger.Error("recovery: rearm failed", "group", g.ID, "error", err)
			}
		case core.GroupChildFilled:
			if err := m.recoverChildFilled(ctx, g); err != nil {
				m.logger.Error("recovery: close failed", "group", g.ID, "error", err)
			}
		}
	}
	return nil
}

// recoverArmed re-places any child that never reached the broker and
// finishes the close if a child filled while we were down.
func (m *Manager) recoverArmed(ctx context.Context, g core.OCOGroup) error {
	for _, coid := range []string{g.StopOrderID, g.TPOrderID} {
		child, err := m.store.OrderByClientID(ctx, coid)
		if err != nil {
			return err
		}
		if child.Status == core.OrderFilled {
			return m.OnChildFilled(ctx, g.ID, child)
		}
	}

	pos, err := m.store.PositionByGroup(ctx, g.ID)
	if err != nil {
		return err
	}
	defer m.lock(g.ID)()
	return m.placeChildren(ctx, g, pos.Qty)
}

func (m *Manager) recoverChildFilled(ctx context.Context, g core.OCOGroup) error {
	for _, coid := range []string{g.StopOrderID, g.TPOrderID} {
		child, err := m.store.OrderByClientID(ctx, coid)
		if err != nil {
			return err
		}
		if child.Status == core.OrderFilled {
			return m.OnChildFilled(ctx, g.ID, child)
		}
	}
	return fmt.Errorf("group %s marked CHILD_FILLED but no filled child found", g.ID)
}

// AdjustForPartialStop shrinks the TP quantity after the stop leg
// partially fills, keeping the two legs covering the same exposure.
func (m *Manager) AdjustForPartialStop(ctx context.Context, groupID string, remaining int64) error {
	defer m.lock(groupID)()

	g, err := m.store.GroupByID(ctx, groupID)
	if err != nil {
		return fmt.Errorf("group %s: %w", groupID, err)
	}
	tp, err := m.store.OrderByClientID(ctx, g.TPOrderID)
	if err != nil {
		return err
	}
	if tp.Status.Terminal() || remaining <= 0 || remaining == tp.Qty {
		return nil
	}
	req := core.OrderRequest{
		ClientOrderID: tp.ClientOrderID,
		Symbol:        tp.Symbol,
		Side:          tp.Side,
		Qty:           remaining,
		Type:          tp.Type,
		Price:         tp.Price,
	}
	if err := m.exec.ModifyOrder(ctx, tp.ClientOrderID, req); err != nil {
		return fmt.Errorf("adjust tp %s: %w", tp.ClientOrderID, err)
	}
	m.logger.Info("tp qty adjusted after partial stop", "group", groupID, "qty", remaining)
	return nil
}
