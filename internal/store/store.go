// Package store implements durable persistence on SQLite. Every state
// transition commits in a single transaction and the orders table
// enforces client_order_id uniqueness as the last line of defense
// against duplicate placement.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"intraday_trader/internal/core"
	"intraday_trader/pkg/apperrors"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore implements core.IStore.
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

// Open opens (or creates) the trader database. WAL mode keeps the file
// consistent across crashes.
func Open(dbPath string, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	actions := make([]string, len(core.AuditActions))
	for i, a := range core.AuditActions {
		actions[i] = "'" + string(a) + "'"
	}
	if _, err := db.Exec(fmt.Sprintf(schema, strings.Join(actions, ","))); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "store"),
	}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// --- instruments ---

func (s *SQLiteStore) UpsertInstruments(ctx context.Context, ins []core.Instrument) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO instruments (symbol, token, tick_size, lot_size, freeze_qty, lower_band, upper_band)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol) DO UPDATE SET
				token=excluded.token, tick_size=excluded.tick_size, lot_size=excluded.lot_size,
				freeze_qty=excluded.freeze_qty, lower_band=excluded.lower_band, upper_band=excluded.upper_band`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, in := range ins {
			if _, err := stmt.ExecContext(ctx, in.Symbol, in.Token, in.TickSize.String(),
				in.LotSize, in.FreezeQty, in.LowerBand.String(), in.UpperBand.String()); err != nil {
				return fmt.Errorf("upsert instrument %s: %w", in.Symbol, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Instrument(ctx context.Context, symbol string) (core.Instrument, error) {
	var in core.Instrument
	var tickSize, lower, upper string
	err := s.db.QueryRowContext(ctx, `
		SELECT symbol, token, tick_size, lot_size, freeze_qty, lower_band, upper_band
		FROM instruments WHERE symbol = ?`, symbol).
		Scan(&in.Symbol, &in.Token, &tickSize, &in.LotSize, &in.FreezeQty, &lower, &upper)
	if err != nil {
		return core.Instrument{}, fmt.Errorf("instrument %s: %w", symbol, err)
	}
	in.TickSize, in.LowerBand, in.UpperBand = dec(tickSize), dec(lower), dec(upper)
	return in, nil
}

// --- signals ---

func (s *SQLiteStore) SaveSignal(ctx context.Context, sig core.Signal) error {
	features, err := json.Marshal(sig.Features)
	if err != nil {
		return fmt.Errorf("marshal signal features: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signals (id, at, symbol, side, strategy, score, entry, stop, tp, features, config_sha, rationale)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, nanos(sig.At), sig.Symbol, string(sig.Side), sig.Strategy, sig.Score,
		sig.Entry.String(), sig.Stop.String(), sig.TP.String(), string(features), sig.ConfigSHA, sig.Rationale)
	if err != nil {
		return fmt.Errorf("save signal: %w", err)
	}
	return nil
}

// --- decisions ---

func (s *SQLiteStore) SaveDecision(ctx context.Context, d core.Decision) error {
	approved := 0
	if d.Approved {
		approved = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, signal_id, client_plan_id, mode, approved, risk_pct, risk_amount, qty,
			heat_before, heat_after, status, reject_reason, config_sha, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SignalID, d.ClientPlanID, string(d.Mode), approved, d.RiskPct.String(), d.RiskAmount.String(),
		d.Qty, d.HeatBefore.String(), d.HeatAfter.String(), string(d.Status), d.RejectReason,
		d.ConfigSHA, nanos(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateDecisionStatus(ctx context.Context, id string, status core.DecisionStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE decisions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update decision status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("decision %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) DecisionByPlanID(ctx context.Context, planID string) (core.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, signal_id, client_plan_id, mode, approved, risk_pct, risk_amount, qty,
			heat_before, heat_after, status, reject_reason, config_sha, created_at
		FROM decisions WHERE client_plan_id = ? ORDER BY created_at DESC LIMIT 1`, planID)
	return scanDecision(row)
}

type rowScanner interface {
	Scan(dst ...interface{}) error
}

func scanDecision(row rowScanner) (core.Decision, error) {
	var d core.Decision
	var approved int
	var riskPct, riskAmount, heatBefore, heatAfter, mode, status string
	var createdAt int64
	err := row.Scan(&d.ID, &d.SignalID, &d.ClientPlanID, &mode, &approved, &riskPct, &riskAmount, &d.Qty,
		&heatBefore, &heatAfter, &status, &d.RejectReason, &d.ConfigSHA, &createdAt)
	if err != nil {
		return core.Decision{}, err
	}
	d.Mode, d.Status = core.Mode(mode), core.DecisionStatus(status)
	d.Approved = approved == 1
	d.RiskPct, d.RiskAmount = dec(riskPct), dec(riskAmount)
	d.HeatBefore, d.HeatAfter = dec(heatBefore), dec(heatAfter)
	d.CreatedAt = fromNanos(createdAt)
	return d, nil
}

// --- orders ---

const orderColumns = `id, decision_id, client_order_id, tag, group_id, symbol, side, qty, price,
	trigger_price, type, status, broker_id, filled_qty, avg_fill_price, created_at, acked_at, filled_at`

func (s *SQLiteStore) InsertOrder(ctx context.Context, o core.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.DecisionID, o.ClientOrderID, string(o.Tag), o.Group, o.Symbol, string(o.Side), o.Qty,
		o.Price.String(), o.TriggerPrice.String(), string(o.Type), string(o.Status), o.BrokerID,
		o.FilledQty, o.AvgFillPrice.String(), nanos(o.CreatedAt), nanos(o.AckedAt), nanos(o.FilledAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", o.ClientOrderID, apperrors.ErrDuplicateOrder)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func scanOrder(row rowScanner) (core.Order, error) {
	var o core.Order
	var tag, side, otype, status, price, trigger, avgFill string
	var createdAt, ackedAt, filledAt int64
	err := row.Scan(&o.ID, &o.DecisionID, &o.ClientOrderID, &tag, &o.Group, &o.Symbol, &side, &o.Qty,
		&price, &trigger, &otype, &status, &o.BrokerID, &o.FilledQty, &avgFill,
		&createdAt, &ackedAt, &filledAt)
	if err != nil {
		return core.Order{}, err
	}
	o.Tag, o.Side, o.Type, o.Status = core.OrderTag(tag), core.OrderSide(side), core.OrderType(otype), core.OrderStatus(status)
	o.Price, o.TriggerPrice, o.AvgFillPrice = dec(price), dec(trigger), dec(avgFill)
	o.CreatedAt, o.AckedAt, o.FilledAt = fromNanos(createdAt), fromNanos(ackedAt), fromNanos(filledAt)
	return o, nil
}

// UpdateOrderStatus applies a broker event inside one transaction.
// Terminal rows never regress; a repeated terminal event is a no-op,
// which makes watcher replays after reconnect harmless.
func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, coid string, ev core.OrderEvent) (core.Order, bool, error) {
	var out core.Order
	changed := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, coid)
		o, err := scanOrder(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("order %s: %w", coid, apperrors.ErrOrderNotFound)
			}
			return err
		}

		if o.Status.Terminal() {
			out = o
			return nil
		}
		if o.Status == ev.Status && ev.Status != core.OrderPartial {
			out = o
			return nil
		}

		o.Status = ev.Status
		if ev.BrokerID != "" {
			o.BrokerID = ev.BrokerID
		}
		if ev.FilledQty > 0 {
			o.FilledQty = ev.FilledQty
		}
		if !ev.AvgPrice.IsZero() {
			o.AvgFillPrice = ev.AvgPrice
		}
		if o.AckedAt.IsZero() && ev.Status != core.OrderNew {
			o.AckedAt = ev.At
		}
		if ev.Status == core.OrderFilled {
			o.FilledAt = ev.At
			if o.FilledQty == 0 {
				o.FilledQty = o.Qty
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET status = ?, broker_id = ?, filled_qty = ?, avg_fill_price = ?, acked_at = ?, filled_at = ?
			WHERE client_order_id = ?`,
			string(o.Status), o.BrokerID, o.FilledQty, o.AvgFillPrice.String(),
			nanos(o.AckedAt), nanos(o.FilledAt), coid)
		if err != nil {
			return fmt.Errorf("update order %s: %w", coid, err)
		}
		out = o
		changed = true
		return nil
	})
	return out, changed, err
}

func (s *SQLiteStore) OrderExists(ctx context.Context, coid string, statuses []core.OrderStatus) (bool, error) {
	if len(statuses) == 0 {
		statuses = []core.OrderStatus{core.OrderPlaced, core.OrderPartial, core.OrderFilled}
	}
	placeholders := make([]string, len(statuses))
	args := []interface{}{coid}
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM orders WHERE client_order_id = ? AND status IN (`+strings.Join(placeholders, ",")+`)`,
		args...).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("order exists %s: %w", coid, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) OrderByClientID(ctx context.Context, coid string) (core.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, coid)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Order{}, fmt.Errorf("order %s: %w", coid, apperrors.ErrOrderNotFound)
	}
	return o, err
}

func (s *SQLiteStore) queryOrders(ctx context.Context, query string, args ...interface{}) ([]core.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) OrdersByGroup(ctx context.Context, group string) ([]core.Order, error) {
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE group_id = ? ORDER BY created_at`, group)
}

func (s *SQLiteStore) OpenOrders(ctx context.Context) ([]core.Order, error) {
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE status IN ('NEW','PLACED','PARTIAL') ORDER BY created_at`)
}

// --- positions ---

const positionColumns = `id, symbol, side, qty, avg_entry, group_id, stop_order_id, tp_order_id, status, opened_at, closed_at`

// CreatePosition opens a position row. group_id is unique, so replaying
// an entry fill after a crash finds the existing row and is a no-op.
func (s *SQLiteStore) CreatePosition(ctx context.Context, p core.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, string(p.Side), p.Qty, p.AvgEntry.String(), p.Group,
		p.StopOrderID, p.TPOrderID, string(p.Status), nanos(p.OpenedAt), nanos(p.ClosedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("create position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, p core.Position) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET qty = ?, avg_entry = ?, stop_order_id = ?, tp_order_id = ?, status = ?, closed_at = ?
		WHERE id = ?`,
		p.Qty, p.AvgEntry.String(), p.StopOrderID, p.TPOrderID, string(p.Status), nanos(p.ClosedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s not found", p.ID)
	}
	return nil
}

func scanPosition(row rowScanner) (core.Position, error) {
	var p core.Position
	var side, status, avgEntry string
	var openedAt, closedAt int64
	err := row.Scan(&p.ID, &p.Symbol, &side, &p.Qty, &avgEntry, &p.Group,
		&p.StopOrderID, &p.TPOrderID, &status, &openedAt, &closedAt)
	if err != nil {
		return core.Position{}, err
	}
	p.Side, p.Status = core.Side(side), core.PositionStatus(status)
	p.AvgEntry = dec(avgEntry)
	p.OpenedAt, p.ClosedAt = fromNanos(openedAt), fromNanos(closedAt)
	return p, nil
}

func (s *SQLiteStore) PositionByGroup(ctx context.Context, group string) (core.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE group_id = ?`, group)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Position{}, fmt.Errorf("position for group %s: %w", group, sql.ErrNoRows)
	}
	return p, err
}

func (s *SQLiteStore) OpenPositions(ctx context.Context) ([]core.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status IN ('OPENING','OPEN','CLOSING') ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- trades ---

func (s *SQLiteStore) SaveTrade(ctx context.Context, t core.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, position_id, symbol, qty, entry_price, exit_price, exit_reason,
			gross_pnl, net_pnl, slippage_bps, latency_ms, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PositionID, t.Symbol, t.Qty, t.EntryPrice.String(), t.ExitPrice.String(), t.ExitReason,
		t.GrossPnL.String(), t.NetPnL.String(), t.SlippageBps.String(), t.LatencyMs, nanos(t.At))
	if err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Trades(ctx context.Context, limit int) ([]core.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position_id, symbol, qty, entry_price, exit_price, exit_reason,
			gross_pnl, net_pnl, slippage_bps, latency_ms, at
		FROM trades ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Trade
	for rows.Next() {
		var t core.Trade
		var entry, exit, gross, net, slip string
		var at int64
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Symbol, &t.Qty, &entry, &exit, &t.ExitReason,
			&gross, &net, &slip, &t.LatencyMs, &at); err != nil {
			return nil, err
		}
		t.EntryPrice, t.ExitPrice = dec(entry), dec(exit)
		t.GrossPnL, t.NetPnL, t.SlippageBps = dec(gross), dec(net), dec(slip)
		t.At = fromNanos(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// DailyRealizedPnL sums net PnL over the trading day containing `day`,
// evaluated in that day's location.
func (s *SQLiteStore) DailyRealizedPnL(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	rows, err := s.db.QueryContext(ctx,
		`SELECT net_pnl FROM trades WHERE at >= ? AND at < ?`, start.UnixNano(), end.UnixNano())
	if err != nil {
		return decimal.Zero, fmt.Errorf("daily pnl: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var pnl string
		if err := rows.Scan(&pnl); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(dec(pnl))
	}
	return total, rows.Err()
}

// --- OCO groups ---

func (s *SQLiteStore) SaveGroup(ctx context.Context, g core.OCOGroup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oco_groups (id, symbol, side, entry_order_id, stop_order_id, tp_order_id, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Symbol, string(g.Side), g.EntryOrderID, g.StopOrderID, g.TPOrderID, string(g.State), nanos(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("save oco group: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateGroup(ctx context.Context, g core.OCOGroup) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE oco_groups SET entry_order_id = ?, stop_order_id = ?, tp_order_id = ?, state = ? WHERE id = ?`,
		g.EntryOrderID, g.StopOrderID, g.TPOrderID, string(g.State), g.ID)
	if err != nil {
		return fmt.Errorf("update oco group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("oco group %s not found", g.ID)
	}
	return nil
}

func scanGroup(row rowScanner) (core.OCOGroup, error) {
	var g core.OCOGroup
	var side, state string
	var createdAt int64
	err := row.Scan(&g.ID, &g.Symbol, &side, &g.EntryOrderID, &g.StopOrderID, &g.TPOrderID, &state, &createdAt)
	if err != nil {
		return core.OCOGroup{}, err
	}
	g.Side, g.State = core.Side(side), core.GroupState(state)
	g.CreatedAt = fromNanos(createdAt)
	return g, nil
}

func (s *SQLiteStore) GroupByID(ctx context.Context, id string) (core.OCOGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, side, entry_order_id, stop_order_id, tp_order_id, state, created_at
		FROM oco_groups WHERE id = ?`, id)
	return scanGroup(row)
}

func (s *SQLiteStore) OpenGroups(ctx context.Context) ([]core.OCOGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, side, entry_order_id, stop_order_id, tp_order_id, state, created_at
		FROM oco_groups WHERE state IN ('AWAITING_ENTRY','ARMED','CHILD_FILLED') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.OCOGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- risk events and audit ---

func (s *SQLiteStore) SaveRiskEvent(ctx context.Context, ev core.RiskEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_events (id, at, type, decision_id, symbol, details) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, nanos(ev.At), string(ev.Type), ev.DecisionID, ev.Symbol, ev.Details)
	if err != nil {
		return fmt.Errorf("save risk event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RiskEvents(ctx context.Context, limit int) ([]core.RiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, type, decision_id, symbol, details FROM risk_events ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.RiskEvent
	for rows.Next() {
		var ev core.RiskEvent
		var at int64
		var typ string
		if err := rows.Scan(&ev.ID, &at, &typ, &ev.DecisionID, &ev.Symbol, &ev.Details); err != nil {
			return nil, err
		}
		ev.At, ev.Type = fromNanos(at), core.RiskEventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, rec core.AuditRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, at, action, session_id, actor, details, config_sha, git_head)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nanos(rec.At), string(rec.Action), rec.SessionID, rec.Actor, string(details),
		rec.ConfigSHA, rec.GitHead)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditRecords returns the newest audit rows first.
func (s *SQLiteStore) AuditRecords(ctx context.Context, limit int) ([]core.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, action, session_id, actor, details, config_sha, git_head
		FROM audit_logs ORDER BY at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []core.AuditRecord
	for rows.Next() {
		var rec core.AuditRecord
		var at int64
		var action, details string
		if err := rows.Scan(&rec.ID, &at, &action, &rec.SessionID, &rec.Actor, &details,
			&rec.ConfigSHA, &rec.GitHead); err != nil {
			return nil, err
		}
		rec.At, rec.Action = fromNanos(at), core.AuditAction(action)
		if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
			return nil, fmt.Errorf("unmarshal audit details: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
