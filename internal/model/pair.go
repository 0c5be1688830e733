package model

import (
	"fmt"
	"time"
)

// PairStatus is the lifecycle state of a mint-maker pair.
type PairStatus string

const (
	PairPlaced          PairStatus = "placed"
	PairPartiallyFilled PairStatus = "partially_filled"
	PairMatched         PairStatus = "matched"
	PairMerging         PairStatus = "merging"
	PairMerged          PairStatus = "merged"
	PairCancelled       PairStatus = "cancelled"
)

// pairTransitions lists the allowed successors of every state.
var pairTransitions = map[PairStatus][]PairStatus{
	PairPlaced:          {PairPartiallyFilled, PairMatched, PairCancelled},
	PairPartiallyFilled: {PairMatched, PairCancelled},
	PairMatched:         {PairMerging, PairCancelled},
	PairMerging:         {PairMerged, PairMatched},
	PairMerged:          nil,
	PairCancelled:       nil,
}

// ActivePairStatuses are the states the settlement scanner still drives.
var ActivePairStatuses = []PairStatus{PairPlaced, PairPartiallyFilled, PairMatched}

func (s PairStatus) Valid() bool {
	_, ok := pairTransitions[s]
	return ok
}

func (s PairStatus) Terminal() bool {
	return s == PairMerged || s == PairCancelled
}

// CanTransition reports whether from -> to is a legal move.
func (s PairStatus) CanTransition(to PairStatus) bool {
	for _, next := range pairTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// PairPredecessors returns every state that may move into to.
func PairPredecessors(to PairStatus) []PairStatus {
	var out []PairStatus
	for from, nexts := range pairTransitions {
		for _, n := range nexts {
			if n == to {
				out = append(out, from)
			}
		}
	}
	return out
}

type TransitionError struct {
	PairID string
	From   PairStatus
	To     PairStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("pair %s: illegal transition %s -> %s", e.PairID, e.From, e.To)
}

// MarketInfo 是 mint-maker 选中市场的元数据
type MarketInfo struct {
	Question   string `json:"question" gorm:"column:question"`
	Slug       string `json:"slug" gorm:"column:slug"`
	YesTokenID string `json:"yes_token_id" gorm:"column:yes_token_id"`
	NoTokenID  string `json:"no_token_id" gorm:"column:no_token_id"`
	YesPrice   string `json:"yes_price" gorm:"column:yes_price"`
	NoPrice    string `json:"no_price" gorm:"column:no_price"`
}

// Pair is a YES/NO order pair that is merged back into collateral once both
// legs fill. Size stays a string so a corrupt value is caught at merge time.
type Pair struct {
	ID          string     `json:"id" gorm:"primaryKey;column:id"`
	ConditionID string     `json:"condition_id" gorm:"column:condition_id;index"`
	Market      MarketInfo `json:"market" gorm:"embedded"`
	Wallet      string     `json:"wallet" gorm:"column:wallet;index"`
	YesOrderID  string     `json:"yes_order_id" gorm:"column:yes_order_id"`
	NoOrderID   string     `json:"no_order_id" gorm:"column:no_order_id"`
	Size        string     `json:"size" gorm:"column:size"`
	Status      PairStatus `json:"status" gorm:"column:status;index"`
	MergeTxID   string     `json:"merge_tx_id,omitempty" gorm:"column:merge_tx_id"`
	LastError   string     `json:"last_error,omitempty" gorm:"column:last_error"`
	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"column:updated_at"`
}

func (Pair) TableName() string { return "mint_maker_pairs" }

// PairStatusSnapshot is the hub payload for pair-status.
type PairStatusSnapshot struct {
	Pairs  []Pair            `json:"pairs"`
	Counts map[PairStatus]int `json:"counts"`
	At     time.Time         `json:"at"`
}

func NewPairStatusSnapshot(pairs []Pair, at time.Time) PairStatusSnapshot {
	counts := make(map[PairStatus]int)
	for _, p := range pairs {
		counts[p.Status]++
	}
	return PairStatusSnapshot{Pairs: pairs, Counts: counts, At: at}
}
