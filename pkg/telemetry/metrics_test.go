package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatAgeFailsClosedWhenNeverMarked(t *testing.T) {
	m := GetGlobalMetrics()
	assert.Greater(t, m.HeartbeatAge("never_marked_heartbeat"), 1e8)
}

func TestHeartbeatAgeTracksMarks(t *testing.T) {
	m := GetGlobalMetrics()
	base := time.Date(2026, 1, 6, 10, 0, 0, 0, time.UTC)

	now := base
	m.SetNowFunc(func() time.Time { return now })
	defer m.SetNowFunc(time.Now)

	m.MarkHeartbeat(MetricMarketDataHeartbeat)
	assert.InDelta(t, 0, m.HeartbeatAge(MetricMarketDataHeartbeat), 0.001)

	now = base.Add(3 * time.Second)
	assert.InDelta(t, 3, m.HeartbeatAge(MetricMarketDataHeartbeat), 0.001)

	m.MarkHeartbeat(MetricMarketDataHeartbeat)
	assert.InDelta(t, 0, m.HeartbeatAge(MetricMarketDataHeartbeat), 0.001)
}

func TestNilSafeRecorders(t *testing.T) {
	m := GetGlobalMetrics()

	// instruments not registered yet; these must not panic
	m.Count(m.OrdersPlacedTotal, 1)
	m.Observe(m.OrderLatencyMs, 12.5)
}

func TestThrottleDepthGauge(t *testing.T) {
	m := GetGlobalMetrics()
	m.SetThrottleDepth("orders", 7)
	m.SetThrottleDepth("orders", 0)
}
