package market

import (
	"sort"
	"sync"
	"time"

	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/shopspring/decimal"
)

type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Orderbook is the in-memory book of one outcome token.
type Orderbook struct {
	TokenID     string
	bids        []Level // high to low
	asks        []Level // low to high
	lastUpdated time.Time
	mu          sync.RWMutex
}

func NewOrderbook(tokenID string) *Orderbook {
	return &Orderbook{TokenID: tokenID}
}

// Snapshot replaces both sides. Levels are sorted here, callers may pass
// them in any order.
func (ob *Orderbook) Snapshot(bids, asks []Level, at time.Time) {
	bids = append([]Level(nil), bids...)
	asks = append([]Level(nil), asks...)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	ob.mu.Lock()
	ob.bids = dropEmpty(bids)
	ob.asks = dropEmpty(asks)
	ob.lastUpdated = at
	ob.mu.Unlock()
}

// Update applies one level change. Size zero removes the level.
func (ob *Orderbook) Update(side model.Side, price, size decimal.Decimal, at time.Time) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if side == model.SideBuy {
		ob.bids = upsertLevel(ob.bids, price, size, true)
	} else {
		ob.asks = upsertLevel(ob.asks, price, size, false)
	}
	ob.lastUpdated = at
}

// Polymarket books are sparse, a sorted slice is enough.
func upsertLevel(levels []Level, price, size decimal.Decimal, descending bool) []Level {
	i := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price.LessThanOrEqual(price)
		}
		return levels[i].Price.GreaterThanOrEqual(price)
	})
	found := i < len(levels) && levels[i].Price.Equal(price)

	switch {
	case size.IsZero() || size.IsNegative():
		if found {
			levels = append(levels[:i], levels[i+1:]...)
		}
	case found:
		levels[i].Size = size
	default:
		levels = append(levels, Level{})
		copy(levels[i+1:], levels[i:])
		levels[i] = Level{Price: price, Size: size}
	}
	return levels
}

func dropEmpty(levels []Level) []Level {
	out := levels[:0]
	for _, l := range levels {
		if l.Size.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

func (ob *Orderbook) BestBid() (Level, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.bids) == 0 {
		return Level{}, false
	}
	return ob.bids[0], true
}

func (ob *Orderbook) BestAsk() (Level, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.asks) == 0 {
		return Level{}, false
	}
	return ob.asks[0], true
}

func (ob *Orderbook) LastUpdated() time.Time {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastUpdated
}

// GetCopy returns copies of both sides.
func (ob *Orderbook) GetCopy() (bids, asks []Level) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	bids = append([]Level(nil), ob.bids...)
	asks = append([]Level(nil), ob.asks...)
	return
}
