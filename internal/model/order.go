package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LimitOrder is what the settlement layer asks the exchange to rest.
type LimitOrder struct {
	TokenID string
	Side    Side
	Price   decimal.Decimal
	Size    decimal.Decimal
}

// OrderFill is the latest known fill state of a resting order.
type OrderFill struct {
	OrderID      string          `json:"order_id"`
	SizeMatched  decimal.Decimal `json:"size_matched"`
	OriginalSize decimal.Decimal `json:"original_size"`
	Status       string          `json:"status"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (f OrderFill) Filled() bool {
	if f.OriginalSize.IsPositive() && f.SizeMatched.GreaterThanOrEqual(f.OriginalSize) {
		return true
	}
	return f.Status == "MATCHED" || f.Status == "FILLED"
}

// PlacePairRequest is the body of POST /v1/pairs.
type PlacePairRequest struct {
	Wallet      string     `json:"wallet" binding:"required"`
	ConditionID string     `json:"condition_id" binding:"required"`
	Market      MarketInfo `json:"market"`
	Size        string     `json:"size" binding:"required"`
}

type EnableAutoTradingRequest struct {
	Password string `json:"password" binding:"required"`
}
