package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position is an open or closed holding of one outcome token.
type Position struct {
	ID         string          `json:"id" gorm:"primaryKey;column:id"`
	Wallet     string          `json:"wallet" gorm:"column:wallet;index"`
	TokenID    string          `json:"token_id" gorm:"column:token_id"`
	Side       Side            `json:"side" gorm:"column:side"`
	EntryPrice decimal.Decimal `json:"entry_price" gorm:"column:entry_price;type:numeric"`
	Size       decimal.Decimal `json:"size" gorm:"column:size;type:numeric"`
	OpenedAt   time.Time       `json:"opened_at" gorm:"column:opened_at"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty" gorm:"column:closed_at"`
	Status     PositionStatus  `json:"status" gorm:"column:status;index"`
}

func (Position) TableName() string { return "positions" }

// Peak is the high-water mark of an open position. PeakPrice never decreases
// while the position stays open.
type Peak struct {
	PositionID string          `json:"position_id"`
	PeakPrice  decimal.Decimal `json:"peak_price"`
	PeakAt     time.Time       `json:"peak_at"`
}

// Observe raises the peak if price is higher and reports whether it moved.
func (p *Peak) Observe(price decimal.Decimal, at time.Time) bool {
	if p.PeakPrice.IsZero() || price.GreaterThan(p.PeakPrice) {
		p.PeakPrice = price
		p.PeakAt = at
		return true
	}
	return false
}

// PnLPercent is the percentage gain of price over entry for the given side.
func PnLPercent(side Side, entry, price decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	if side == SideSell {
		return entry.Sub(price).Div(entry).Mul(hundred)
	}
	return price.Sub(entry).Div(entry).Mul(hundred)
}

// AccountStatus is the hub payload for account-status.
type AccountStatus struct {
	Wallet        string    `json:"wallet"`
	AutoTrading   bool      `json:"auto_trading"`
	OpenPositions int       `json:"open_positions"`
	ActivePairs   int       `json:"active_pairs"`
	At            time.Time `json:"at"`
}
