package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPairTransitions(t *testing.T) {
	assert.True(t, PairPlaced.CanTransition(PairMatched))
	assert.True(t, PairPlaced.CanTransition(PairPartiallyFilled))
	assert.True(t, PairPartiallyFilled.CanTransition(PairCancelled))
	assert.True(t, PairMatched.CanTransition(PairMerging))
	assert.True(t, PairMatched.CanTransition(PairCancelled))
	assert.True(t, PairMerging.CanTransition(PairMerged))
	assert.True(t, PairMerging.CanTransition(PairMatched))

	assert.False(t, PairMerged.CanTransition(PairMerging))
	assert.False(t, PairMerged.CanTransition(PairMatched))
	assert.False(t, PairCancelled.CanTransition(PairPlaced))
	assert.False(t, PairPlaced.CanTransition(PairMerging))
	assert.False(t, PairMatched.CanTransition(PairMerged))
}

func TestPairPredecessors(t *testing.T) {
	assert.ElementsMatch(t, []PairStatus{PairMatched}, PairPredecessors(PairMerging))
	assert.ElementsMatch(t, []PairStatus{PairMerging}, PairPredecessors(PairMerged))
	assert.ElementsMatch(t, []PairStatus{PairPlaced, PairPartiallyFilled, PairMatched}, PairPredecessors(PairCancelled))
	assert.Empty(t, PairPredecessors(PairPlaced))
}

func TestPeakIsMonotone(t *testing.T) {
	var p Peak
	ticks := []string{"0.40", "0.55", "0.50", "0.61", "0.30", "0.61"}
	prev := decimal.Zero
	for _, tick := range ticks {
		p.Observe(decimal.RequireFromString(tick), p.PeakAt)
		assert.True(t, p.PeakPrice.GreaterThanOrEqual(prev))
		prev = p.PeakPrice
	}
	assert.True(t, p.PeakPrice.Equal(decimal.RequireFromString("0.61")))
}

func TestPnLPercent(t *testing.T) {
	entry := decimal.RequireFromString("0.50")
	price := decimal.RequireFromString("0.60")

	assert.True(t, PnLPercent(SideBuy, entry, price).Equal(decimal.NewFromInt(20)))
	assert.True(t, PnLPercent(SideSell, entry, price).Equal(decimal.NewFromInt(-20)))
	assert.True(t, PnLPercent(SideBuy, decimal.Zero, price).IsZero())
}
