package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPair(t *testing.T, r *MemoryPairRepo, id string, status model.PairStatus) {
	t.Helper()
	require.NoError(t, r.CreatePair(context.Background(), &model.Pair{ID: id, Size: "10", Status: status}))
}

func TestPairStatusWritesFollowTransitions(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryPairRepo()
	seedPair(t, r, "p1", model.PairPlaced)

	require.NoError(t, r.UpdatePairStatus(ctx, "p1", model.PairMatched))

	err := r.UpdatePairStatus(ctx, "p1", model.PairPlaced)
	var te *model.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.PairMatched, te.From)

	// Merged only through MarkPairMerged from Merging.
	assert.Error(t, r.MarkPairMerged(ctx, "p1", "0xtx"))
	ok, err := r.CompareAndSwapPairStatus(ctx, "p1", model.PairMatched, model.PairMerging)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.MarkPairMerged(ctx, "p1", "0xtx"))
	assert.Error(t, r.MarkPairMerged(ctx, "p1", "0xtx2"))

	p, err := r.GetPair(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.PairMerged, p.Status)
	assert.Equal(t, "0xtx", p.MergeTxID)
}

func TestCompareAndSwapHasOneWinner(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryPairRepo()
	seedPair(t, r, "p1", model.PairMatched)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.CompareAndSwapPairStatus(ctx, "p1", model.PairMatched, model.PairMerging)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestCompareAndSwapRejectsIllegalEdge(t *testing.T) {
	r := NewMemoryPairRepo()
	seedPair(t, r, "p1", model.PairMerged)
	_, err := r.CompareAndSwapPairStatus(context.Background(), "p1", model.PairMerged, model.PairMerging)
	assert.Error(t, err)
}

func TestListPairsFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryPairRepo()
	seedPair(t, r, "a", model.PairPlaced)
	seedPair(t, r, "b", model.PairMerged)
	seedPair(t, r, "c", model.PairMatched)

	active, err := r.ListPairs(ctx, model.ActivePairStatuses...)
	require.NoError(t, err)
	ids := []string{}
	for _, p := range active {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)

	all, err := r.ListPairs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPositionsOpenVsAll(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryPositionRepo()
	require.NoError(t, r.UpsertPosition(ctx, &model.Position{ID: "1", Wallet: "0xABC", EntryPrice: decimal.NewFromFloat(0.5)}))
	require.NoError(t, r.UpsertPosition(ctx, &model.Position{ID: "2", Wallet: "0xabc", EntryPrice: decimal.NewFromFloat(0.4)}))
	require.NoError(t, r.ClosePosition(ctx, "2"))

	open, _ := r.GetOpenPositions(ctx, "0xAbC")
	all, _ := r.GetPositions(ctx, "0xabc")
	assert.Len(t, open, 1)
	assert.Len(t, all, 2)
	assert.ErrorIs(t, r.ClosePosition(ctx, "2"), ErrPositionNotFound)
}

func TestMemoryPeakStoreNeverLowers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPeakStore()
	require.NoError(t, s.SavePeak(ctx, model.Peak{PositionID: "p", PeakPrice: decimal.RequireFromString("0.6")}))
	require.NoError(t, s.SavePeak(ctx, model.Peak{PositionID: "p", PeakPrice: decimal.RequireFromString("0.5")}))

	p, ok, err := s.GetPeak(ctx, "p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.PeakPrice.Equal(decimal.RequireFromString("0.6")))

	require.NoError(t, s.DeletePeak(ctx, "p"))
	_, ok, _ = s.GetPeak(ctx, "p")
	assert.False(t, ok)
}

func TestWalletAutoTrading(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryWalletRepo()
	require.NoError(t, r.SaveWallet(ctx, &model.Wallet{Address: "0xABC", Keystore: []byte(`{}`), APIKey: "k"}))

	require.NoError(t, r.SetAutoTrading(ctx, "0xabc", true))
	w, err := r.GetWallet(ctx, "0xAbc")
	require.NoError(t, err)
	assert.True(t, w.AutoTrading)
	assert.ErrorIs(t, r.SetAutoTrading(ctx, "0xdef", true), ErrWalletNotFound)
}
