package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ist(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

func newGate(t *testing.T, holidays []string) (*HoursGate, *Fake) {
	t.Helper()
	clk := NewFake(time.Date(2026, 1, 6, 10, 0, 0, 0, ist(t)))
	g, err := NewHoursGate("Asia/Kolkata", "09:15", "15:20", "15:25", holidays, clk)
	require.NoError(t, err)
	return g, clk
}

func TestClassifyWindows(t *testing.T) {
	g, _ := newGate(t, nil)
	loc := ist(t)
	day := func(hh, mm int) time.Time {
		return time.Date(2026, 1, 6, hh, mm, 0, 0, loc) // a Tuesday
	}

	cases := []struct {
		at   time.Time
		want Window
	}{
		{day(9, 0), WindowClosed},
		{day(9, 14), WindowClosed},
		{day(9, 15), WindowEntry},
		{day(12, 0), WindowEntry},
		{day(15, 19), WindowEntry},
		{day(15, 20), WindowExitOnly},
		{day(15, 24), WindowExitOnly},
		{day(15, 25), WindowClosed},
		{day(18, 0), WindowClosed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, g.Classify(tc.at), tc.at.Format("15:04"))
	}
}

func TestClassifyWeekendsAndHolidays(t *testing.T) {
	g, _ := newGate(t, []string{"2026-01-26"})
	loc := ist(t)

	saturday := time.Date(2026, 1, 10, 11, 0, 0, 0, loc)
	assert.Equal(t, WindowClosed, g.Classify(saturday))

	sunday := time.Date(2026, 1, 11, 11, 0, 0, 0, loc)
	assert.Equal(t, WindowClosed, g.Classify(sunday))

	republicDay := time.Date(2026, 1, 26, 11, 0, 0, 0, loc)
	assert.Equal(t, WindowClosed, g.Classify(republicDay))
}

func TestClassifyEvaluatesInTradingTimezone(t *testing.T) {
	g, _ := newGate(t, nil)

	// 05:00 UTC on a weekday is 10:30 IST, inside the entry window
	utc := time.Date(2026, 1, 6, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, WindowEntry, g.Classify(utc))
}

func TestGateHelpers(t *testing.T) {
	g, clk := newGate(t, nil)
	loc := ist(t)

	assert.True(t, g.EntryAllowed())
	assert.True(t, g.ExitAllowed())

	clk.Set(time.Date(2026, 1, 6, 15, 22, 0, 0, loc))
	assert.False(t, g.EntryAllowed())
	assert.True(t, g.ExitAllowed())

	clk.Set(time.Date(2026, 1, 6, 16, 0, 0, 0, loc))
	assert.False(t, g.EntryAllowed())
	assert.False(t, g.ExitAllowed())
}

func TestNewHoursGateRejectsBadInput(t *testing.T) {
	clk := NewFake(time.Now())

	_, err := NewHoursGate("Mars/Olympus", "09:15", "15:20", "15:25", nil, clk)
	require.Error(t, err)

	_, err = NewHoursGate("Asia/Kolkata", "9am", "15:20", "15:25", nil, clk)
	require.Error(t, err)

	// entry close may not precede entry open
	_, err = NewHoursGate("Asia/Kolkata", "15:20", "09:15", "15:25", nil, clk)
	require.Error(t, err)
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 1, 6, 10, 0, 0, 0, time.UTC)
	clk := NewFake(start)
	assert.Equal(t, start, clk.Now())

	clk.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clk.Now())
}
