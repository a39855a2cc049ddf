// Package core defines the domain types and interfaces shared by the
// trading control plane.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the trading mode. LIVE requires explicit confirmation.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

// ConfirmLiveTrading is the literal confirmation string required to
// switch into LIVE mode.
const ConfirmLiveTrading = "CONFIRM LIVE TRADING"

// Side is the direction of a signal or position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// OrderSide is the direction of a broker order.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// EntrySide maps a position side to the order side that opens it.
func EntrySide(s Side) OrderSide {
	if s == SideShort {
		return OrderSell
	}
	return OrderBuy
}

// ExitSide maps a position side to the order side that closes it.
func ExitSide(s Side) OrderSide {
	if s == SideShort {
		return OrderBuy
	}
	return OrderSell
}

// OrderTag identifies the role of an order within an OCO group.
type OrderTag string

const (
	TagEntry OrderTag = "ENTRY"
	TagStop  OrderTag = "STOP"
	TagTP    OrderTag = "TP"
)

// OrderType is the broker order type.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
	TypeSL     OrderType = "SL"
	TypeSLM    OrderType = "SL-M"
)

// OrderStatus is the internal order lifecycle status.
type OrderStatus string

const (
	OrderNew      OrderStatus = "NEW"
	OrderPlaced   OrderStatus = "PLACED"
	OrderPartial  OrderStatus = "PARTIAL"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderRejected OrderStatus = "REJECTED"
)

// Terminal reports whether the status is a terminal state.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// DecisionStatus is the outcome of a risk-gated trade plan.
type DecisionStatus string

const (
	DecisionPlanned  DecisionStatus = "PLANNED"
	DecisionSkipped  DecisionStatus = "SKIPPED"
	DecisionExecuted DecisionStatus = "EXECUTED"
	DecisionRejected DecisionStatus = "REJECTED"
)

// PositionStatus is the position lifecycle status.
type PositionStatus string

const (
	PositionOpening PositionStatus = "OPENING"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// GroupState is the OCO group state.
type GroupState string

const (
	GroupAwaitingEntry GroupState = "AWAITING_ENTRY"
	GroupArmed         GroupState = "ARMED"
	GroupChildFilled   GroupState = "CHILD_FILLED"
	GroupCanceled      GroupState = "CANCELED"
	GroupClosed        GroupState = "CLOSED"
)

// Terminal reports whether the group state is final.
func (s GroupState) Terminal() bool {
	return s == GroupCanceled || s == GroupClosed
}

// RiskEventType classifies a risk gate rejection or risk action.
type RiskEventType string

const (
	RiskMarketHours    RiskEventType = "MARKET_HOURS"
	RiskPaused         RiskEventType = "PAUSED"
	RiskPerTradeCap    RiskEventType = "PER_TRADE_CAP"
	RiskHeatCap        RiskEventType = "HEAT_CAP"
	RiskDailyLossStop  RiskEventType = "DAILY_LOSS_STOP"
	RiskFreezeQty      RiskEventType = "FREEZE_QTY"
	RiskPriceBand      RiskEventType = "PRICE_BAND"
	RiskSpreadBlowout  RiskEventType = "SPREAD_BLOWOUT"
	RiskZeroQty        RiskEventType = "ZERO_QTY"
	RiskThrottleDepth  RiskEventType = "THROTTLE_DEPTH"
	RiskScanFailures   RiskEventType = "SCAN_FAILURES"
	RiskOrderRejected  RiskEventType = "ORDER_REJECTED"
	RiskOCOCancelFail  RiskEventType = "OCO_CANCEL_FAILED"
	RiskBrokerDegraded RiskEventType = "BROKER_DEGRADED"
)

// AuditAction is the closed enum of auditable actions.
type AuditAction string

const (
	AuditStartup          AuditAction = "STARTUP"
	AuditShutdown         AuditAction = "SHUTDOWN"
	AuditModeChange       AuditAction = "MODE_CHANGE"
	AuditPause            AuditAction = "PAUSE"
	AuditResume           AuditAction = "RESUME"
	AuditFlatten          AuditAction = "FLATTEN"
	AuditKillSwitch       AuditAction = "KILL_SWITCH"
	AuditDecisionRejected AuditAction = "DECISION_REJECTED"
	AuditRecovery         AuditAction = "RECOVERY"
	AuditLeaderAcquired   AuditAction = "LEADER_ACQUIRED"
	AuditLeaderLost       AuditAction = "LEADER_LOST"
)

// AuditActions lists every valid audit action, in the order the store's
// CHECK constraint declares them.
var AuditActions = []AuditAction{
	AuditStartup, AuditShutdown, AuditModeChange, AuditPause, AuditResume,
	AuditFlatten, AuditKillSwitch, AuditDecisionRejected, AuditRecovery,
	AuditLeaderAcquired, AuditLeaderLost,
}

// Instrument is exchange metadata for a tradable symbol. Immutable per
// session, refreshed pre-open.
type Instrument struct {
	Symbol    string
	Token     uint32
	TickSize  decimal.Decimal
	LotSize   int64
	FreezeQty int64
	LowerBand decimal.Decimal
	UpperBand decimal.Decimal
}

// Tick is a market data update for one instrument.
type Tick struct {
	Token  uint32
	Symbol string
	Last   decimal.Decimal
	Qty    int64
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	At     time.Time
}

// Quote is a point-in-time top-of-book snapshot.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	At     time.Time
}

// Bar is an aggregated OHLCV candle.
type Bar struct {
	Symbol string
	Start  time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// Signal is a strategy trade candidate. Never mutated after creation.
type Signal struct {
	ID        string
	At        time.Time
	Symbol    string
	Side      Side
	Strategy  string
	Score     float64
	Entry     decimal.Decimal
	Stop      decimal.Decimal
	TP        decimal.Decimal
	Features  map[string]float64
	ConfigSHA string
	Rationale string
}

// Decision is the risk-gated outcome for a signal.
type Decision struct {
	ID           string
	SignalID     string
	ClientPlanID string
	Mode         Mode
	Approved     bool
	RiskPct      decimal.Decimal
	RiskAmount   decimal.Decimal
	Qty          int64
	HeatBefore   decimal.Decimal
	HeatAfter    decimal.Decimal
	Status       DecisionStatus
	RejectReason string
	ConfigSHA    string
	CreatedAt    time.Time
}

// Order is a persisted broker order.
type Order struct {
	ID            string
	DecisionID    string
	ClientOrderID string
	Tag           OrderTag
	Group         string
	Symbol        string
	Side          OrderSide
	Qty           int64
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
	Type          OrderType
	Status        OrderStatus
	BrokerID      string
	FilledQty     int64
	AvgFillPrice  decimal.Decimal
	CreatedAt     time.Time
	AckedAt       time.Time
	FilledAt      time.Time
}

// Position is a persisted open or closed position.
type Position struct {
	ID          string
	Symbol      string
	Side        Side
	Qty         int64
	AvgEntry    decimal.Decimal
	Group       string
	StopOrderID string
	TPOrderID   string
	Status      PositionStatus
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// Trade is the immutable record of a completed round trip.
type Trade struct {
	ID          string
	PositionID  string
	Symbol      string
	Qty         int64
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	ExitReason  string
	GrossPnL    decimal.Decimal
	NetPnL      decimal.Decimal
	SlippageBps decimal.Decimal
	LatencyMs   int64
	At          time.Time
}

// OCOGroup ties an entry order to its stop and take-profit children.
type OCOGroup struct {
	ID           string
	Symbol       string
	Side         Side
	EntryOrderID string
	StopOrderID  string
	TPOrderID    string
	State        GroupState
	CreatedAt    time.Time
}

// RiskEvent is an append-only audit of a risk gate outcome or action.
type RiskEvent struct {
	ID         string
	At         time.Time
	Type       RiskEventType
	DecisionID string
	Symbol     string
	Details    string
}

// AuditRecord is an append-only operator audit row.
type AuditRecord struct {
	ID        string
	At        time.Time
	Action    AuditAction
	SessionID string
	Actor     string
	Details   map[string]string
	ConfigSHA string
	GitHead   string
}

// OrderEvent is a broker-side order status update.
type OrderEvent struct {
	ClientOrderID string
	BrokerID      string
	Status        OrderStatus
	FilledQty     int64
	AvgPrice      decimal.Decimal
	Reason        string
	At            time.Time
}

// OrderRequest is the broker placement request. ClientOrderID is the
// deterministic idempotency key forwarded to the broker.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Qty           int64
	Type          OrderType
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
}

// OrderAck is the broker acknowledgement for a placement.
type OrderAck struct {
	BrokerID string
	AckAt    time.Time
}

// PortfolioState is the orchestrator-owned snapshot handed to risk gates.
type PortfolioState struct {
	Capital          decimal.Decimal
	Heat             decimal.Decimal
	DailyRealizedPnL decimal.Decimal
	OpenPositions    int
	Paused           bool
}
