package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricIsLeader             = "trader_is_leader"
	MetricLeaderChangesTotal   = "trader_leader_changes_total"
	MetricMarketDataHeartbeat  = "trader_marketdata_heartbeat_seconds"
	MetricOrderStreamHeartbeat = "trader_order_stream_heartbeat_seconds"
	MetricScanHeartbeat        = "trader_scan_heartbeat_seconds"
	MetricScanTicksTotal       = "trader_scan_ticks_total"
	MetricScanErrorsTotal      = "trader_scan_errors_total"
	MetricScanSupervisorState  = "trader_scan_supervisor_state"
	MetricSignalsTotal         = "trader_signals_total"
	MetricDecisionsTotal       = "trader_decisions_total"
	MetricRiskBlocksTotal      = "trader_risk_blocks_total"
	MetricOrdersPlacedTotal    = "trader_orders_placed_total"
	MetricOrdersFilledTotal    = "trader_orders_filled_total"
	MetricOCOChildrenTotal     = "trader_oco_children_created_total"
	MetricOrderLatencyMs       = "trader_order_latency_ms"
	MetricTickToDecisionMs     = "trader_tick_to_decision_ms"
	MetricThrottleQueueDepth   = "trader_throttle_queue_depth"
	MetricRetriesTotal         = "trader_retries_total"
	MetricPositionsOpen        = "trader_positions_open"
	MetricPortfolioHeatRupees  = "trader_portfolio_heat_rupees"
	MetricDailyPnLRupees       = "trader_daily_pnl_rupees"
	MetricKillSwitchTotal      = "trader_kill_switch_total"
	MetricFlattenDurationMs    = "trader_flatten_duration_ms"
)

// MetricsHolder holds the initialized instruments and the state backing
// the observable gauges.
type MetricsHolder struct {
	LeaderChangesTotal metric.Int64Counter
	ScanTicksTotal     metric.Int64Counter
	ScanErrorsTotal    metric.Int64Counter
	SignalsTotal       metric.Int64Counter
	DecisionsTotal     metric.Int64Counter
	RiskBlocksTotal    metric.Int64Counter
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	OCOChildrenTotal   metric.Int64Counter
	RetriesTotal       metric.Int64Counter
	KillSwitchTotal    metric.Int64Counter
	OrderLatencyMs     metric.Float64Histogram
	TickToDecisionMs   metric.Float64Histogram
	FlattenDurationMs  metric.Float64Histogram

	mu              sync.RWMutex
	instanceID      string
	isLeader        int64
	supervisorState int64
	positionsOpen   int64
	portfolioHeat   float64
	dailyPnL        float64
	throttleDepth   map[string]int64
	heartbeats      map[string]time.Time

	// now is swappable so heartbeat-age tests do not sleep.
	now func() time.Time
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			throttleDepth: make(map[string]int64),
			heartbeats:    make(map[string]time.Time),
			now:           time.Now,
		}
	})
	return globalMetrics
}

// InitMetrics registers all instruments with the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.LeaderChangesTotal, MetricLeaderChangesTotal, "Leader lock losses and reacquisitions"},
		{&m.ScanTicksTotal, MetricScanTicksTotal, "Successful scan supervisor ticks"},
		{&m.ScanErrorsTotal, MetricScanErrorsTotal, "Scan cycle failures"},
		{&m.SignalsTotal, MetricSignalsTotal, "Strategy signals produced"},
		{&m.DecisionsTotal, MetricDecisionsTotal, "Risk-gated decisions by outcome"},
		{&m.RiskBlocksTotal, MetricRiskBlocksTotal, "Risk gate rejections by type"},
		{&m.OrdersPlacedTotal, MetricOrdersPlacedTotal, "Orders acknowledged by the broker"},
		{&m.OrdersFilledTotal, MetricOrdersFilledTotal, "Orders reaching FILLED"},
		{&m.OCOChildrenTotal, MetricOCOChildrenTotal, "Stop and take-profit children placed"},
		{&m.RetriesTotal, MetricRetriesTotal, "Broker call retries by error type"},
		{&m.KillSwitchTotal, MetricKillSwitchTotal, "Kill switch activations by reason"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return err
		}
	}

	m.OrderLatencyMs, err = meter.Float64Histogram(MetricOrderLatencyMs,
		metric.WithDescription("Broker order placement latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	m.TickToDecisionMs, err = meter.Float64Histogram(MetricTickToDecisionMs,
		metric.WithDescription("Time from tick to decision commit"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	m.FlattenDurationMs, err = meter.Float64Histogram(MetricFlattenDurationMs,
		metric.WithDescription("End-to-end flatten duration"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(MetricIsLeader,
		metric.WithDescription("1 when this instance holds the leader lock"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.isLeader, metric.WithAttributes(attribute.String("instance_id", m.instanceID)))
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(MetricScanSupervisorState,
		metric.WithDescription("Scan supervisor state (0=stopped 1=running 2=done 3=exception 4=stopping)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.supervisorState)
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(MetricPositionsOpen,
		metric.WithDescription("Open positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.positionsOpen)
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = meter.Float64ObservableGauge(MetricPortfolioHeatRupees,
		metric.WithDescription("Aggregate open risk"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.portfolioHeat)
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = meter.Float64ObservableGauge(MetricDailyPnLRupees,
		metric.WithDescription("Realized profit and loss for the session day"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dailyPnL)
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(MetricThrottleQueueDepth,
		metric.WithDescription("Rate limiter waiter queue depth"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for class, depth := range m.throttleDepth {
				obs.Observe(depth, metric.WithAttributes(attribute.String("class", class)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	for _, hb := range []string{MetricMarketDataHeartbeat, MetricOrderStreamHeartbeat, MetricScanHeartbeat} {
		name := hb
		_, err = meter.Float64ObservableGauge(name,
			metric.WithDescription("Seconds since the last heartbeat"),
			metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
				obs.Observe(m.HeartbeatAge(name))
				return nil
			}))
		if err != nil {
			return err
		}
	}

	return nil
}

// SetLeader records leadership state for the is_leader gauge.
func (m *MetricsHolder) SetLeader(instanceID string, leader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instanceID = instanceID
	if leader {
		m.isLeader = 1
	} else {
		m.isLeader = 0
	}
}

// IsLeader reports the recorded leadership state.
func (m *MetricsHolder) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isLeader == 1
}

// SetSupervisorState records the scan supervisor state code.
func (m *MetricsHolder) SetSupervisorState(state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supervisorState = state
}

// SetPositionsOpen records the open position count.
func (m *MetricsHolder) SetPositionsOpen(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsOpen = n
}

// SetPortfolioHeat records aggregate open risk.
func (m *MetricsHolder) SetPortfolioHeat(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolioHeat = v
}

// SetDailyPnL records realized PnL for the session day.
func (m *MetricsHolder) SetDailyPnL(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = v
}

// SetThrottleDepth records the waiter queue depth for an endpoint class.
func (m *MetricsHolder) SetThrottleDepth(class string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.throttleDepth[class] = depth
}

// MarkHeartbeat resets a heartbeat gauge; its exported value is the age
// since the mark.
func (m *MetricsHolder) MarkHeartbeat(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats[name] = m.now()
}

// HeartbeatAge returns seconds since the last mark. A heartbeat that was
// never marked reads as a very large age so /ready fails closed.
func (m *MetricsHolder) HeartbeatAge(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	last, ok := m.heartbeats[name]
	if !ok {
		return 1e9
	}
	return m.now().Sub(last).Seconds()
}

// SetNowFunc swaps the clock used for heartbeat ages. Tests only.
func (m *MetricsHolder) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = fn
}

// Count adds to a counter, tolerating an uninitialized instrument so
// components stay usable before InitMetrics runs (tests, tooling).
func (m *MetricsHolder) Count(c metric.Int64Counter, n int64, kv ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(context.Background(), n, metric.WithAttributes(kv...))
}

// Observe records into a histogram; nil-safe like Count.
func (m *MetricsHolder) Observe(h metric.Float64Histogram, v float64, kv ...attribute.KeyValue) {
	if h == nil {
		return
	}
	h.Record(context.Background(), v, metric.WithAttributes(kv...))
}

// Attrs is shorthand for a single-attribute measurement option.
func Attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv...)
}

// String re-exports attribute.String for call-site brevity.
func String(k, v string) attribute.KeyValue {
	return attribute.String(k, v)
}
