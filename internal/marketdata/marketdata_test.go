package marketdata

import (
	"testing"
	"time"

	"intraday_trader/internal/bus"
	"intraday_trader/internal/core"
	"intraday_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(symbol string, last float64, qty int64, at time.Time) core.Tick {
	return core.Tick{Symbol: symbol, Last: decimal.NewFromFloat(last), Qty: qty, At: at}
}

func newStream(t *testing.T) (*Stream, *bus.Bus) {
	t.Helper()
	b := bus.New(logging.NewNop())
	t.Cleanup(b.Close)
	return NewStream(nil, b, logging.NewNop()), b
}

func TestIngestUpdatesLastTickAndPublishes(t *testing.T) {
	s, b := newStream(t)
	ch, cancel := b.Subscribe(TopicTicks, 4)
	defer cancel()

	at := time.Date(2024, 8, 14, 9, 30, 12, 0, time.UTC)
	s.Ingest(tick("NIFTY24AUGFUT", 21480.5, 50, at))

	last, ok := s.LastTick("NIFTY24AUGFUT")
	require.True(t, ok)
	assert.True(t, last.Last.Equal(decimal.NewFromFloat(21480.5)))

	select {
	case msg := <-ch:
		assert.Equal(t, "NIFTY24AUGFUT", msg.(core.Tick).Symbol)
	case <-time.After(time.Second):
		t.Fatal("tick not published")
	}
}

func TestMinuteBarAggregation(t *testing.T) {
	s, _ := newStream(t)
	base := time.Date(2024, 8, 14, 9, 30, 0, 0, time.UTC)

	s.Ingest(tick("X", 100, 10, base.Add(5*time.Second)))
	s.Ingest(tick("X", 103, 5, base.Add(20*time.Second)))
	s.Ingest(tick("X", 99, 5, base.Add(40*time.Second)))
	s.Ingest(tick("X", 101, 10, base.Add(59*time.Second)))
	// next minute closes the first bar
	s.Ingest(tick("X", 102, 1, base.Add(61*time.Second)))

	bars := s.Bars("X", 10)
	require.Len(t, bars, 1)
	b := bars[0]
	assert.Equal(t, base, b.Start)
	assert.True(t, b.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, b.High.Equal(decimal.NewFromInt(103)))
	assert.True(t, b.Low.Equal(decimal.NewFromInt(99)))
	assert.True(t, b.Close.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, int64(30), b.Volume)
}

func TestBarHistoryBounded(t *testing.T) {
	s, _ := newStream(t)
	base := time.Date(2024, 8, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < maxBars+50; i++ {
		s.Ingest(tick("X", 100, 1, base.Add(time.Duration(i)*time.Minute)))
	}
	assert.Len(t, s.Bars("X", 0), maxBars)
}

func TestMidPrefersQuoteMidpoint(t *testing.T) {
	s, _ := newStream(t)
	at := time.Now()
	s.Ingest(core.Tick{
		Symbol: "X", Last: decimal.NewFromInt(100),
		Bid: decimal.NewFromInt(99), Ask: decimal.NewFromInt(101), At: at,
	})
	mid, ok := s.Mid("X")
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.NewFromInt(100)))

	s.Ingest(tick("Y", 250, 1, at))
	mid, ok = s.Mid("Y")
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.NewFromInt(250)))

	_, ok = s.Mid("Z")
	assert.False(t, ok)
}
