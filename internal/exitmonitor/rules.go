package exitmonitor

import (
	"time"

	"github.com/GoPolymarket/polyexec/internal/config"
	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/shopspring/decimal"
)

// Rules are the exit thresholds, all in percent. A zero threshold disables
// its trigger.
type Rules struct {
	TakeProfitPercent         decimal.Decimal
	StopLossPercent           decimal.Decimal // negative, e.g. -15
	TrailingDropPercent       decimal.Decimal
	TrailingActivationPercent decimal.Decimal
	MaxHold                   time.Duration
}

func RulesFromConfig(c config.ExitConfig) Rules {
	return Rules{
		TakeProfitPercent:         decimal.NewFromFloat(c.TakeProfitPercent),
		StopLossPercent:           decimal.NewFromFloat(c.StopLossPercent),
		TrailingDropPercent:       decimal.NewFromFloat(c.TrailingDropPct),
		TrailingActivationPercent: decimal.NewFromFloat(c.TrailingActivation),
		MaxHold:                   time.Duration(c.MaxHoldHours * float64(time.Hour)),
	}
}

var hundred = decimal.NewFromInt(100)

// Evaluate returns the trigger that fires for pos at price, or nil.
//
// When several conditions hold at once the order is fixed:
// StopLoss, then TakeProfit, then TrailingStop, then TimeExit. Losses are
// cut before gains are locked in, and the age-based exit only applies when
// no price rule fired.
func Evaluate(r Rules, pos model.Position, peak model.Peak, price decimal.Decimal, now time.Time) model.ExitTrigger {
	if pos.Status != "" && pos.Status != model.PositionOpen {
		return nil
	}
	pnl := model.PnLPercent(pos.Side, pos.EntryPrice, price)

	if r.StopLossPercent.IsNegative() && pnl.LessThanOrEqual(r.StopLossPercent) {
		return model.StopLoss{Price: price, PnLPercent: pnl.Round(4)}
	}

	if r.TakeProfitPercent.IsPositive() && pnl.GreaterThanOrEqual(r.TakeProfitPercent) {
		return model.TakeProfit{Price: price, PnLPercent: pnl.Round(4)}
	}

	if t, ok := trailing(r, pos, peak, price); ok {
		return t
	}

	if r.MaxHold > 0 && !pos.OpenedAt.IsZero() {
		held := now.Sub(pos.OpenedAt)
		if held > r.MaxHold {
			return model.TimeExit{HoursHeld: held.Hours(), Price: price}
		}
	}
	return nil
}

func trailing(r Rules, pos model.Position, peak model.Peak, price decimal.Decimal) (model.TrailingStop, bool) {
	if !r.TrailingDropPercent.IsPositive() || !peak.PeakPrice.IsPositive() {
		return model.TrailingStop{}, false
	}
	// The position must have been far enough in profit first.
	peakGain := model.PnLPercent(pos.Side, pos.EntryPrice, peak.PeakPrice)
	if peakGain.LessThan(r.TrailingActivationPercent) {
		return model.TrailingStop{}, false
	}
	drop := peak.PeakPrice.Sub(price).Div(peak.PeakPrice).Mul(hundred)
	if drop.LessThan(r.TrailingDropPercent) {
		return model.TrailingStop{}, false
	}
	return model.TrailingStop{Peak: peak.PeakPrice, Price: price, DropPercent: drop.Round(4)}, true
}
