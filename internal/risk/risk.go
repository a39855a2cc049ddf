// Package risk gate-checks every trade candidate before any order is
// derived. Gates run in a fixed order and the first failure wins; the
// whole evaluation is deterministic for fixed inputs so the same signal
// under the same portfolio state always yields the same decision.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"intraday_trader/internal/clock"
	"intraday_trader/internal/core"
	"intraday_trader/pkg/telemetry"
)

// Params are the risk limits, fractions of capital in [0,1].
type Params struct {
	Capital          decimal.Decimal
	PerTradeRiskPct  decimal.Decimal
	MaxHeatPct       decimal.Decimal
	DailyLossStopPct decimal.Decimal
	MaxSpreadMidPct  decimal.Decimal
}

// Input is everything a single evaluation needs. The engine never
// reaches outside of it.
type Input struct {
	Instrument core.Instrument
	Signal     core.Signal
	Quote      core.Quote
	Window     clock.Window
	Portfolio  core.PortfolioState
}

// Assessment is the gate outcome. Qty and RiskAmount are set only when
// approved.
type Assessment struct {
	Approved   bool
	Qty        int64
	RiskAmount decimal.Decimal
	HeatAfter  decimal.Decimal
	Reason     string
	EventType  core.RiskEventType
}

// Engine implements the ordered gate chain.
type Engine struct {
	params  Params
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

func NewEngine(params Params, logger core.ILogger) *Engine {
	return &Engine{
		params:  params,
		logger:  logger.WithField("component", "risk"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// Params returns the engine's configured limits.
func (e *Engine) Params() Params { return e.params }

// Size computes the lot-rounded quantity for a risk budget and stop
// distance. Returns 0 when the distance is degenerate or the budget
// does not cover one lot.
func Size(riskAmount, entry, stop decimal.Decimal, lotSize int64) int64 {
	dist := entry.Sub(stop).Abs()
	if dist.IsZero() || lotSize <= 0 {
		return 0
	}
	qtyRaw := riskAmount.Div(dist).IntPart()
	return (qtyRaw / lotSize) * lotSize
}

// CanEnter runs the gate chain for one candidate.
func (e *Engine) CanEnter(in Input) Assessment {
	riskBudget := e.params.PerTradeRiskPct.Mul(e.params.Capital)
	qty := Size(riskBudget, in.Signal.Entry, in.Signal.Stop, in.Instrument.LotSize)

	if in.Window != clock.WindowEntry {
		return e.reject(in, core.RiskMarketHours, fmt.Sprintf("entry window closed (%s)", in.Window))
	}
	if in.Portfolio.Paused {
		return e.reject(in, core.RiskPaused, "trading paused")
	}
	if qty <= 0 {
		return e.reject(in, core.RiskZeroQty, "risk budget does not cover one lot")
	}

	dist := in.Signal.Entry.Sub(in.Signal.Stop).Abs()
	newRisk := decimal.NewFromInt(qty).Mul(dist)
	if newRisk.GreaterThan(riskBudget) {
		return e.reject(in, core.RiskPerTradeCap,
			fmt.Sprintf("risk %s exceeds per-trade cap %s", newRisk, riskBudget))
	}

	heatCap := e.params.MaxHeatPct.Mul(e.params.Capital)
	heatAfter := in.Portfolio.Heat.Add(newRisk)
	if heatAfter.GreaterThan(heatCap) {
		return e.reject(in, core.RiskHeatCap,
			fmt.Sprintf("heat %s + risk %s exceeds cap %s", in.Portfolio.Heat, newRisk, heatCap))
	}

	// strict: pnl exactly at the stop level already blocks
	lossStop := e.params.DailyLossStopPct.Mul(e.params.Capital).Neg()
	if !in.Portfolio.DailyRealizedPnL.GreaterThan(lossStop) {
		return e.reject(in, core.RiskDailyLossStop,
			fmt.Sprintf("daily pnl %s at or below stop %s", in.Portfolio.DailyRealizedPnL, lossStop))
	}

	if in.Instrument.FreezeQty > 0 && qty > in.Instrument.FreezeQty {
		return e.reject(in, core.RiskFreezeQty,
			fmt.Sprintf("qty %d exceeds freeze qty %d", qty, in.Instrument.FreezeQty))
	}

	entry := ClampToTick(in.Signal.Entry, in.Instrument.TickSize)
	if in.Instrument.UpperBand.IsPositive() &&
		(entry.LessThan(in.Instrument.LowerBand) || entry.GreaterThan(in.Instrument.UpperBand)) {
		return e.reject(in, core.RiskPriceBand,
			fmt.Sprintf("entry %s outside band [%s, %s]", entry, in.Instrument.LowerBand, in.Instrument.UpperBand))
	}

	if in.Quote.Bid.IsPositive() && in.Quote.Ask.IsPositive() {
		mid := in.Quote.Bid.Add(in.Quote.Ask).Div(decimal.NewFromInt(2))
		spread := in.Quote.Ask.Sub(in.Quote.Bid).Div(mid)
		if spread.GreaterThan(e.params.MaxSpreadMidPct) {
			return e.reject(in, core.RiskSpreadBlowout,
				fmt.Sprintf("spread/mid %s exceeds %s", spread, e.params.MaxSpreadMidPct))
		}
	}

	return Assessment{
		Approved:   true,
		Qty:        qty,
		RiskAmount: newRisk,
		HeatAfter:  heatAfter,
	}
}

func (e *Engine) reject(in Input, typ core.RiskEventType, details string) Assessment {
	e.logger.Debug("risk gate rejected signal",
		"symbol", in.Signal.Symbol, "type", string(typ), "details", details)
	e.metrics.Count(e.metrics.RiskBlocksTotal, 1, attribute.String("type", string(typ)))
	return Assessment{Reason: details, EventType: typ}
}

// ClampToTick rounds a price down to the instrument tick grid.
func ClampToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}
