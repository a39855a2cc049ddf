// Package strategy hosts the signal producers. Strategies are pure
// functions of the StrategyContext; they never talk to the broker, the
// store, or the clock directly.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"intraday_trader/internal/core"
)

// ORB is an opening-range breakout strategy: the high/low of the first
// N minutes defines the range, and a close beyond it signals an entry
// with the stop at the opposite edge.
type ORB struct {
	// RangeMinutes is the opening-range length (default 15).
	RangeMinutes int
	// TargetR is the reward multiple applied to the range height for
	// the take-profit (default 1.5).
	TargetR decimal.Decimal
	// MinRangePct rejects dead sessions where the range is a sliver of
	// price (default 0.05%).
	MinRangePct decimal.Decimal

	// SessionOpen is the minute of day the session opens (e.g. 9*60+15).
	SessionOpen int
}

func NewORB(sessionOpenMinute int) *ORB {
	return &ORB{
		RangeMinutes: 15,
		TargetR:      decimal.NewFromFloat(1.5),
		MinRangePct:  decimal.NewFromFloat(0.0005),
		SessionOpen:  sessionOpenMinute,
	}
}

func (o *ORB) Name() string { return "orb" }

// GenerateSignals scans every symbol with enough bars for a breakout of
// the opening range.
func (o *ORB) GenerateSignals(ctx context.Context, sc core.StrategyContext) ([]core.Signal, error) {
	var out []core.Signal
	for symbol, bars := range sc.Bars {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sig, ok := o.evaluate(symbol, bars, sc)
		if ok {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (o *ORB) evaluate(symbol string, bars []core.Bar, sc core.StrategyContext) (core.Signal, bool) {
	high, low, ok := o.openingRange(bars, sc.Now)
	if !ok {
		return core.Signal{}, false
	}

	height := high.Sub(low)
	if high.IsPositive() && height.Div(high).LessThan(o.MinRangePct) {
		return core.Signal{}, false
	}

	last := bars[len(bars)-1]
	// the breakout bar must close outside the range, not just wick it
	var side core.Side
	var entry, stop decimal.Decimal
	switch {
	case last.Close.GreaterThan(high):
		side, entry, stop = core.SideLong, last.Close, low
	case last.Close.LessThan(low):
		side, entry, stop = core.SideShort, last.Close, high
	default:
		return core.Signal{}, false
	}

	target := height.Mul(o.TargetR)
	tp := entry.Add(target)
	if side == core.SideShort {
		tp = entry.Sub(target)
	}

	score := last.Close.Sub(high).Abs().Div(height)
	if side == core.SideShort {
		score = low.Sub(last.Close).Abs().Div(height)
	}
	scoreF, _ := score.Float64()

	return core.Signal{
		ID:        uuid.NewString(),
		At:        sc.Now,
		Symbol:    symbol,
		Side:      side,
		Strategy:  o.Name(),
		Score:     scoreF,
		Entry:     entry,
		Stop:      stop,
		TP:        tp,
		Features: map[string]float64{
			"or_high":   f(high),
			"or_low":    f(low),
			"or_height": f(height),
		},
		ConfigSHA: sc.ConfigSHA,
		Rationale: fmt.Sprintf("close %s broke %s range [%s, %s]", last.Close, side, low, high),
	}, true
}

// openingRange returns the high/low of the bars inside the opening
// window. Requires the window to be complete and at least one bar after
// it to evaluate a breakout.
func (o *ORB) openingRange(bars []core.Bar, now time.Time) (decimal.Decimal, decimal.Decimal, bool) {
	if len(bars) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	day := bars[len(bars)-1].Start
	open := time.Date(day.Year(), day.Month(), day.Day(), o.SessionOpen/60, o.SessionOpen%60, 0, 0, day.Location())
	rangeEnd := open.Add(time.Duration(o.RangeMinutes) * time.Minute)
	if now.Before(rangeEnd) {
		return decimal.Zero, decimal.Zero, false
	}

	var high, low decimal.Decimal
	found := false
	inWindow := 0
	for _, b := range bars {
		if b.Start.Before(open) || !b.Start.Before(rangeEnd) {
			continue
		}
		inWindow++
		if !found || b.High.GreaterThan(high) {
			high = b.High
		}
		if !found || b.Low.LessThan(low) {
			low = b.Low
		}
		found = true
	}
	if !found || inWindow < o.RangeMinutes/3 {
		return decimal.Zero, decimal.Zero, false
	}
	if !bars[len(bars)-1].Start.Before(rangeEnd) {
		return high, low, true
	}
	return decimal.Zero, decimal.Zero, false
}

func f(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}
