package risk

import (
	"testing"

	"intraday_trader/internal/clock"
	"intraday_trader/internal/core"
	"intraday_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testParams() Params {
	return Params{
		Capital:          d(1000000),
		PerTradeRiskPct:  d(0.005), // 5000 per trade
		MaxHeatPct:       d(0.02),  // 20000 heat cap
		DailyLossStopPct: d(0.01),  // -10000 stop
		MaxSpreadMidPct:  d(0.001),
	}
}

func testInput() Input {
	return Input{
		Instrument: core.Instrument{
			Symbol: "NIFTY24AUGFUT", TickSize: d(0.05), LotSize: 25, FreezeQty: 1800,
			LowerBand: d(20000), UpperBand: d(23000),
		},
		Signal: core.Signal{
			Symbol: "NIFTY24AUGFUT", Side: core.SideLong, Strategy: "orb",
			Entry: d(21480), Stop: d(21385), TP: d(21623),
		},
		Quote:  core.Quote{Bid: d(21479.5), Ask: d(21480.5)},
		Window: clock.WindowEntry,
		Portfolio: core.PortfolioState{
			Capital: d(1000000), Heat: decimal.Zero, DailyRealizedPnL: decimal.Zero,
		},
	}
}

func TestSizeLotRounding(t *testing.T) {
	// budget 5000, dist 95 → raw 52 → floor to lot 25 → 50
	assert.Equal(t, int64(50), Size(d(5000), d(21480), d(21385), 25))
	assert.Equal(t, int64(0), Size(d(5000), d(21480), d(21480), 25))
	assert.Equal(t, int64(0), Size(d(100), d(21480), d(21385), 25))
}

func TestApprovedPath(t *testing.T) {
	e := NewEngine(testParams(), logging.NewNop())
	a := e.CanEnter(testInput())
	require.True(t, a.Approved, "reject: %s", a.Reason)
	assert.Equal(t, int64(50), a.Qty)
	assert.True(t, a.RiskAmount.Equal(d(4750)), "risk %s", a.RiskAmount) // 50 * 95
	assert.True(t, a.HeatAfter.Equal(d(4750)))
}

func TestGateOrderFirstFailureWins(t *testing.T) {
	e := NewEngine(testParams(), logging.NewNop())

	in := testInput()
	in.Window = clock.WindowExitOnly
	in.Portfolio.Paused = true
	a := e.CanEnter(in)
	require.False(t, a.Approved)
	assert.Equal(t, core.RiskMarketHours, a.EventType)

	in = testInput()
	in.Portfolio.Paused = true
	a = e.CanEnter(in)
	assert.Equal(t, core.RiskPaused, a.EventType)
}

func TestHeatCap(t *testing.T) {
	e := NewEngine(testParams(), logging.NewNop())
	in := testInput()
	in.Portfolio.Heat = d(16000) // 16000 + 4750 > 20000
	a := e.CanEnter(in)
	require.False(t, a.Approved)
	assert.Equal(t, core.RiskHeatCap, a.EventType)
}

func TestDailyLossStopIsStrict(t *testing.T) {
	e := NewEngine(testParams(), logging.NewNop())

	in := testInput()
	in.Portfolio.DailyRealizedPnL = d(-10000) // exactly at the stop blocks
	a := e.CanEnter(in)
	require.False(t, a.Approved)
	assert.Equal(t, core.RiskDailyLossStop, a.EventType)

	in.Portfolio.DailyRealizedPnL = d(-9999.99)
	a = e.CanEnter(in)
	assert.True(t, a.Approved)
}

func TestFreezeQty(t *testing.T) {
	e := NewEngine(testParams(), logging.NewNop())
	in := testInput()
	in.Instrument.FreezeQty = 25
	a := e.CanEnter(in)
	require.False(t, a.Approved)
	assert.Equal(t, core.RiskFreezeQty, a.EventType)
}

func TestPriceBand(t *testing.T) {
	e := NewEngine(testParams(), logging.NewNop())
	in := testInput()
	in.Signal.Entry = d(23500)
	in.Signal.Stop = d(23405) // keep the same stop distance
	a := e.CanEnter(in)
	require.False(t, a.Approved)
	assert.Equal(t, core.RiskPriceBand, a.EventType)
}

func TestSpreadBlowout(t *testing.T) {
	e := NewEngine(testParams(), logging.NewNop())
	in := testInput()
	in.Quote = core.Quote{Bid: d(21400), Ask: d(21500)} // ~0.47% of mid
	a := e.CanEnter(in)
	require.False(t, a.Approved)
	assert.Equal(t, core.RiskSpreadBlowout, a.EventType)
}

func TestZeroQtyReject(t *testing.T) {
	e := NewEngine(testParams(), logging.NewNop())
	in := testInput()
	in.Instrument.LotSize = 5000 // budget never covers one lot
	a := e.CanEnter(in)
	require.False(t, a.Approved)
	assert.Equal(t, core.RiskZeroQty, a.EventType)
}

func TestDeterminism(t *testing.T) {
	e := NewEngine(testParams(), logging.NewNop())
	in := testInput()
	first := e.CanEnter(in)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, e.CanEnter(in))
	}
}

func TestClampToTick(t *testing.T) {
	assert.True(t, ClampToTick(d(21480.07), d(0.05)).Equal(d(21480.05)))
	assert.True(t, ClampToTick(d(21480), d(0.05)).Equal(d(21480)))
	assert.True(t, ClampToTick(d(100.3), decimal.Zero).Equal(d(100.3)))
}
