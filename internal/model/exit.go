package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type TriggerKind string

const (
	TriggerTakeProfit   TriggerKind = "take_profit"
	TriggerStopLoss     TriggerKind = "stop_loss"
	TriggerTrailingStop TriggerKind = "trailing_stop"
	TriggerTimeExit     TriggerKind = "time_exit"
)

// ExitTrigger is one of TakeProfit, StopLoss, TrailingStop or TimeExit.
type ExitTrigger interface {
	Kind() TriggerKind
	exitTrigger()
}

type TakeProfit struct {
	Price      decimal.Decimal `json:"price"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
}

type StopLoss struct {
	Price      decimal.Decimal `json:"price"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
}

type TrailingStop struct {
	Peak        decimal.Decimal `json:"peak"`
	Price       decimal.Decimal `json:"price"`
	DropPercent decimal.Decimal `json:"drop_percent"`
}

type TimeExit struct {
	HoursHeld float64         `json:"hours_held"`
	Price     decimal.Decimal `json:"price"`
}

func (TakeProfit) Kind() TriggerKind   { return TriggerTakeProfit }
func (StopLoss) Kind() TriggerKind     { return TriggerStopLoss }
func (TrailingStop) Kind() TriggerKind { return TriggerTrailingStop }
func (TimeExit) Kind() TriggerKind     { return TriggerTimeExit }

func (TakeProfit) exitTrigger()   {}
func (StopLoss) exitTrigger()     {}
func (TrailingStop) exitTrigger() {}
func (TimeExit) exitTrigger()     {}

// SellSignal asks the sell executor to close Position.
type SellSignal struct {
	Position Position    `json:"position"`
	Trigger  ExitTrigger `json:"-"`
	At       time.Time   `json:"at"`
}

func (s SellSignal) MarshalJSON() ([]byte, error) {
	type alias SellSignal
	var kind TriggerKind
	if s.Trigger != nil {
		kind = s.Trigger.Kind()
	}
	return json.Marshal(struct {
		alias
		Kind    TriggerKind `json:"trigger"`
		Details ExitTrigger `json:"details"`
	}{alias(s), kind, s.Trigger})
}
