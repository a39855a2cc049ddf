package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for structured logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IBroker defines the outbound broker port. Every call must honor its
// context deadline.
type IBroker interface {
	Name() string
	CheckHealth(ctx context.Context) error

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	ModifyOrder(ctx context.Context, clientOrderID string, req OrderRequest) error

	Quote(ctx context.Context, symbol string) (Quote, error)
	Instruments(ctx context.Context) ([]Instrument, error)

	// StartOrderStream delivers order events until ctx is done. PollOrders
	// is the fallback for brokers without a push stream; both feed the
	// order watcher behind the same port.
	StartOrderStream(ctx context.Context, fn func(OrderEvent)) error
	PollOrders(ctx context.Context) ([]OrderEvent, error)

	StartTickStream(ctx context.Context, tokens []uint32, fn func(Tick)) error
	StopStreams()
}

// IStore defines durable persistence. Every state transition is a single
// transaction; client_order_id carries a uniqueness constraint.
type IStore interface {
	UpsertInstruments(ctx context.Context, ins []Instrument) error
	Instrument(ctx context.Context, symbol string) (Instrument, error)

	SaveSignal(ctx context.Context, s Signal) error
	SaveDecision(ctx context.Context, d Decision) error
	UpdateDecisionStatus(ctx context.Context, id string, status DecisionStatus) error
	DecisionByPlanID(ctx context.Context, planID string) (Decision, error)

	InsertOrder(ctx context.Context, o Order) error
	// UpdateOrderStatus applies a broker event to the order row. The bool
	// reports whether the row actually transitioned; repeated terminal
	// events are no-ops.
	UpdateOrderStatus(ctx context.Context, coid string, ev OrderEvent) (Order, bool, error)
	OrderExists(ctx context.Context, coid string, statuses []OrderStatus) (bool, error)
	OrderByClientID(ctx context.Context, coid string) (Order, error)
	OrdersByGroup(ctx context.Context, group string) ([]Order, error)
	OpenOrders(ctx context.Context) ([]Order, error)

	CreatePosition(ctx context.Context, p Position) error
	UpdatePosition(ctx context.Context, p Position) error
	PositionByGroup(ctx context.Context, group string) (Position, error)
	OpenPositions(ctx context.Context) ([]Position, error)

	SaveTrade(ctx context.Context, t Trade) error
	Trades(ctx context.Context, limit int) ([]Trade, error)
	DailyRealizedPnL(ctx context.Context, day time.Time) (decimal.Decimal, error)

	SaveGroup(ctx context.Context, g OCOGroup) error
	UpdateGroup(ctx context.Context, g OCOGroup) error
	GroupByID(ctx context.Context, id string) (OCOGroup, error)
	OpenGroups(ctx context.Context) ([]OCOGroup, error)

	SaveRiskEvent(ctx context.Context, ev RiskEvent) error
	RiskEvents(ctx context.Context, limit int) ([]RiskEvent, error)
	AppendAudit(ctx context.Context, rec AuditRecord) error
	AuditRecords(ctx context.Context, limit int) ([]AuditRecord, error)

	Close() error
}

// IEventBus is the best-effort telemetry pub/sub. Delivery may be
// reordered or dropped; correctness never depends on it.
type IEventBus interface {
	Publish(topic string, payload interface{})
	Subscribe(topic string, buffer int) (<-chan interface{}, func())
}

// IClock provides time in the trading timezone. A fake implementation
// backs the tests.
type IClock interface {
	Now() time.Time
}

// StrategyContext carries the read-only inputs handed to a strategy.
type StrategyContext struct {
	Now         time.Time
	Instruments map[string]Instrument
	Bars        map[string][]Bar
	LastTicks   map[string]Tick
	ConfigSHA   string
}

// IStrategy is the pluggable signal producer contract. Implementations
// must be pure with respect to their inputs and observe ctx cancellation.
type IStrategy interface {
	Name() string
	GenerateSignals(ctx context.Context, sc StrategyContext) ([]Signal, error)
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
