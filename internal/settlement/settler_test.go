package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/hub"
	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyexec/internal/ratelimit"
	"github.com/GoPolymarket/polyexec/internal/repository"
	"github.com/GoPolymarket/polyexec/internal/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "0xabc0000000000000000000000000000000000001"

type fakeExchange struct {
	mu        sync.Mutex
	placed    []model.LimitOrder
	cancelled []string
	failOn    string // token id that fails placement
	cancelErr error
	throttle  int // calls answered with a rate limit before succeeding
	calls     int
	nextID    int
}

func (f *fakeExchange) PlaceOrder(_ context.Context, key custody.Key, _ string, o model.LimitOrder) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.throttle > 0 {
		f.throttle--
		return "", &apperrors.ExchangeError{Kind: apperrors.KindRateLimited, Op: "post_order", Err: errors.New("429")}
	}
	if key.IsZero() {
		return "", errors.New("unsigned")
	}
	if o.TokenID == f.failOn {
		return "", &apperrors.ExchangeError{Kind: apperrors.KindInsufficientBalance, Op: "post_order", Err: errors.New("not enough balance")}
	}
	f.placed = append(f.placed, o)
	f.nextID++
	return "order-" + o.TokenID, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ custody.Key, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cancelled = append(f.cancelled, orderID)
	return f.cancelErr
}

type fakeMerger struct {
	calls   int32
	errs    []error // consumed per call, then success
	mu      sync.Mutex
	block   chan struct{}
	entered chan struct{}
}

func (m *fakeMerger) Merge(ctx context.Context, _ custody.Key, _ string, _ decimal.Decimal) (string, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}
	return "0xmergetx", nil
}

type fakeTracker map[string]model.OrderFill

func (f fakeTracker) Fill(id string) (model.OrderFill, bool) {
	v, ok := f[id]
	return v, ok
}

func filled(id string) model.OrderFill {
	return model.OrderFill{OrderID: id, SizeMatched: decimal.NewFromInt(10), OriginalSize: decimal.NewFromInt(10)}
}

type countingLimiter struct {
	mu       sync.Mutex
	acquired map[ratelimit.Class]int
}

func (l *countingLimiter) Acquire(_ context.Context, class ratelimit.Class) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquired == nil {
		l.acquired = map[ratelimit.Class]int{}
	}
	l.acquired[class]++
	return false, nil
}

func (l *countingLimiter) count(class ratelimit.Class) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired[class]
}

type harness struct {
	repo     *repository.MemoryPairRepo
	exchange *fakeExchange
	merger   *fakeMerger
	tracker  fakeTracker
	keys     *custody.Store
	settler  *Settler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     repository.NewMemoryPairRepo(),
		exchange: &fakeExchange{},
		merger:   &fakeMerger{},
		tracker:  fakeTracker{},
		keys:     custody.NewStore(),
	}
	h.keys.Store(testWallet, custody.NewKey("0x01"))
	h.settler = NewSettler(h.repo, h.exchange, h.merger, h.tracker, ratelimit.New(ratelimit.DefaultLimits()), h.keys, Options{
		Retry:              retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2},
		PartialFillTimeout: time.Minute,
	})
	return h
}

func (h *harness) seed(t *testing.T, id, size string, status model.PairStatus) model.Pair {
	t.Helper()
	p := model.Pair{
		ID: id, ConditionID: "0xcond", Wallet: testWallet, Size: size, Status: status,
		YesOrderID: id + "-yes", NoOrderID: id + "-no",
	}
	require.NoError(t, h.repo.CreatePair(context.Background(), &p))
	return p
}

func (h *harness) status(t *testing.T, id string) *model.Pair {
	t.Helper()
	p, err := h.repo.GetPair(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestMergeSuccess(t *testing.T) {
	h := newHarness(t)
	pair := h.seed(t, "p1", "10", model.PairMatched)

	require.NoError(t, h.settler.Merge(context.Background(), pair))

	got := h.status(t, "p1")
	assert.Equal(t, model.PairMerged, got.Status)
	assert.Equal(t, "0xmergetx", got.MergeTxID)
}

func TestMergeInvalidSizeCancels(t *testing.T) {
	for _, size := range []string{"0", "abc", "", "-5", "0.0000001"} {
		h := newHarness(t)
		pair := h.seed(t, "p", size, model.PairMatched)

		err := h.settler.Merge(context.Background(), pair)
		assert.ErrorIs(t, err, ErrInvalidSize, size)
		assert.Equal(t, model.PairCancelled, h.status(t, "p").Status, size)
		assert.Zero(t, atomic.LoadInt32(&h.merger.calls), size)
	}
}

func TestMergeFailureRevertsToMatched(t *testing.T) {
	h := newHarness(t)
	pair := h.seed(t, "p1", "10", model.PairMatched)
	h.merger.errs = []error{errors.New("execution reverted: invalid state")}

	err := h.settler.Merge(context.Background(), pair)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRateLimited))

	got := h.status(t, "p1")
	assert.Equal(t, model.PairMatched, got.Status)
	assert.Contains(t, got.LastError, "invalid state")

	// Next pass merges it.
	require.NoError(t, h.settler.Merge(context.Background(), *got))
	assert.Equal(t, model.PairMerged, h.status(t, "p1").Status)
}

func TestMergeRetriesTransientErrors(t *testing.T) {
	h := newHarness(t)
	pair := h.seed(t, "p1", "10", model.PairMatched)
	h.merger.errs = []error{errors.New("i/o timeout"), errors.New("503 service unavailable")}

	require.NoError(t, h.settler.Merge(context.Background(), pair))
	assert.Equal(t, int32(3), atomic.LoadInt32(&h.merger.calls))
}

func TestMergeRateLimitIsDistinguishable(t *testing.T) {
	h := newHarness(t)
	pair := h.seed(t, "p1", "10", model.PairMatched)
	rl := &apperrors.ExchangeError{Kind: apperrors.KindRateLimited, Op: "merge", Err: errors.New("429")}
	h.merger.errs = []error{rl, rl, rl}

	err := h.settler.Merge(context.Background(), pair)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, model.PairMatched, h.status(t, "p1").Status)
}

func TestMergeWithoutKey(t *testing.T) {
	h := newHarness(t)
	pair := h.seed(t, "p1", "10", model.PairMatched)
	h.keys.Remove(testWallet)

	err := h.settler.Merge(context.Background(), pair)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.Equal(t, model.PairMatched, h.status(t, "p1").Status)
	assert.Zero(t, atomic.LoadInt32(&h.merger.calls))
}

func TestConcurrentMergeCallsMergerOnce(t *testing.T) {
	h := newHarness(t)
	pair := h.seed(t, "p1", "10", model.PairMatched)
	h.merger.block = make(chan struct{})
	h.merger.entered = make(chan struct{}, 1)

	first := make(chan error, 1)
	go func() { first <- h.settler.Merge(context.Background(), pair) }()
	<-h.merger.entered

	err := h.settler.Merge(context.Background(), pair)
	assert.ErrorIs(t, err, ErrMergeInFlight)

	close(h.merger.block)
	require.NoError(t, <-first)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.merger.calls))

	// Merged pairs never merge again.
	err = h.settler.Merge(context.Background(), *h.status(t, "p1"))
	assert.ErrorIs(t, err, ErrNotMatched)
}

func TestAdvanceFills(t *testing.T) {
	h := newHarness(t)
	both := h.seed(t, "both", "10", model.PairPlaced)
	one := h.seed(t, "one", "10", model.PairPlaced)
	none := h.seed(t, "none", "10", model.PairPlaced)
	h.tracker["both-yes"] = filled("both-yes")
	h.tracker["both-no"] = filled("both-no")
	h.tracker["one-no"] = filled("one-no")

	ctx := context.Background()
	st, err := h.settler.Advance(ctx, both)
	require.NoError(t, err)
	assert.Equal(t, model.PairMatched, st)

	st, err = h.settler.Advance(ctx, one)
	require.NoError(t, err)
	assert.Equal(t, model.PairPartiallyFilled, st)

	st, err = h.settler.Advance(ctx, none)
	require.NoError(t, err)
	assert.Equal(t, model.PairPlaced, st)
}

func TestHalfFilledTimesOutIntoCancelled(t *testing.T) {
	h := newHarness(t)
	h.exchange.cancelErr = errors.New("order not found")
	h.seed(t, "p1", "10", model.PairPartiallyFilled)
	h.tracker["p1-yes"] = filled("p1-yes")

	// Not yet timed out.
	st, err := h.settler.Advance(context.Background(), *h.status(t, "p1"))
	require.NoError(t, err)
	assert.Equal(t, model.PairPartiallyFilled, st)

	h.settler.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	st, err = h.settler.Advance(context.Background(), *h.status(t, "p1"))
	require.NoError(t, err)
	assert.Equal(t, model.PairCancelled, st)
	assert.Equal(t, model.PairCancelled, h.status(t, "p1").Status)
	// Only the resting leg is cancelled, and its failure did not block.
	assert.Contains(t, h.exchange.cancelled, "p1-no")
	assert.NotContains(t, h.exchange.cancelled, "p1-yes")
}

func TestPlacePair(t *testing.T) {
	h := newHarness(t)
	market := model.MarketInfo{YesTokenID: "yes", NoTokenID: "no", YesPrice: "0.48", NoPrice: "0.49"}

	pair, err := h.settler.PlacePair(context.Background(), "0xABC0000000000000000000000000000000000001", "0xcond", market, "25")
	require.NoError(t, err)
	assert.Equal(t, model.PairPlaced, pair.Status)
	assert.Equal(t, "order-yes", pair.YesOrderID)
	assert.Equal(t, "order-no", pair.NoOrderID)
	assert.Equal(t, testWallet, pair.Wallet)
	require.Len(t, h.exchange.placed, 2)
	assert.Equal(t, model.SideBuy, h.exchange.placed[0].Side)
}

func TestPlacePairSecondLegFailureCancelsFirst(t *testing.T) {
	h := newHarness(t)
	h.exchange.failOn = "no"
	market := model.MarketInfo{YesTokenID: "yes", NoTokenID: "no", YesPrice: "0.48", NoPrice: "0.49"}

	_, err := h.settler.PlacePair(context.Background(), testWallet, "0xcond", market, "25")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInsufficientBalance, apperrors.Classify(err))
	assert.Equal(t, []string{"order-yes"}, h.exchange.cancelled)

	recorded, _ := h.repo.ListPairs(context.Background(), model.PairCancelled)
	require.Len(t, recorded, 1)
	assert.Contains(t, recorded[0].LastError, "no leg")
}

func TestPlacePairRequiresKey(t *testing.T) {
	h := newHarness(t)
	h.keys.Clear()
	market := model.MarketInfo{YesTokenID: "yes", NoTokenID: "no", YesPrice: "0.48", NoPrice: "0.49"}

	_, err := h.settler.PlacePair(context.Background(), testWallet, "0xcond", market, "25")
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.Empty(t, h.exchange.placed)
}

func TestScannerCycle(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "m", "10", model.PairMatched)
	h.seed(t, "z", "0", model.PairMatched)
	h.seed(t, "p", "10", model.PairPlaced)
	h.tracker["p-yes"] = filled("p-yes")
	h.tracker["p-no"] = filled("p-no")

	fan := hub.New(16)
	sub := fan.Subscribe(hub.TypePairStatus)
	defer sub.Close()

	sc := NewScanner(h.settler, h.repo, fan, h.keys, repository.NewMemoryPositionRepo(), time.Second)
	assert.False(t, sc.Cycle(context.Background()))

	assert.Equal(t, model.PairMerged, h.status(t, "m").Status)
	assert.Equal(t, model.PairCancelled, h.status(t, "z").Status)
	assert.Equal(t, model.PairMatched, h.status(t, "p").Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := sub.Next(ctx)
	require.NoError(t, err)
	snap, ok := env.Payload.(model.PairStatusSnapshot)
	require.True(t, ok)
	assert.Len(t, snap.Pairs, 3)

	acct, ok := fan.Latest(hub.TypeAccountStatus)
	require.True(t, ok)
	assert.Len(t, acct.Payload, 1)
}

func TestScannerReportsRateLimit(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "m", "10", model.PairMatched)
	rl := &apperrors.ExchangeError{Kind: apperrors.KindRateLimited, Op: "merge", Err: errors.New("429")}
	h.merger.errs = []error{rl, rl, rl}

	sc := NewScanner(h.settler, h.repo, nil, h.keys, nil, time.Second)
	assert.True(t, sc.Cycle(context.Background()))
	assert.Equal(t, model.PairMatched, h.status(t, "m").Status)
}

func newCountingHarness(t *testing.T) (*harness, *countingLimiter) {
	t.Helper()
	h := newHarness(t)
	limiter := &countingLimiter{}
	h.settler = NewSettler(h.repo, h.exchange, h.merger, h.tracker, limiter, h.keys, Options{
		Retry:              retry.Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2},
		PartialFillTimeout: time.Minute,
	})
	return h, limiter
}

func TestEveryPlacementAttemptTakesAToken(t *testing.T) {
	h, limiter := newCountingHarness(t)
	h.exchange.throttle = 2
	market := model.MarketInfo{YesTokenID: "yes", NoTokenID: "no", YesPrice: "0.48", NoPrice: "0.49"}

	_, err := h.settler.PlacePair(context.Background(), testWallet, "0xcond", market, "25")
	require.NoError(t, err)
	assert.Equal(t, 4, h.exchange.calls)
	assert.Equal(t, h.exchange.calls, limiter.count(ratelimit.PlaceOrder))
}

func TestEveryMergeAttemptTakesAToken(t *testing.T) {
	h, limiter := newCountingHarness(t)
	pair := h.seed(t, "p1", "10", model.PairMatched)
	rl := &apperrors.ExchangeError{Kind: apperrors.KindRateLimited, Op: "merge", Err: errors.New("429")}
	h.merger.errs = []error{rl, rl}

	require.NoError(t, h.settler.Merge(context.Background(), pair))
	assert.Equal(t, int32(3), atomic.LoadInt32(&h.merger.calls))
	assert.Equal(t, 3, limiter.count(ratelimit.General))
}

func TestEveryCancelAttemptTakesAToken(t *testing.T) {
	h, limiter := newCountingHarness(t)
	h.exchange.cancelErr = errors.New("503 service unavailable")
	h.seed(t, "p1", "10", model.PairPartiallyFilled)
	h.tracker["p1-yes"] = filled("p1-yes")
	h.settler.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	st, err := h.settler.Advance(context.Background(), *h.status(t, "p1"))
	require.NoError(t, err)
	assert.Equal(t, model.PairCancelled, st)
	assert.Equal(t, 4, h.exchange.calls)
	assert.Equal(t, h.exchange.calls, limiter.count(ratelimit.CancelOrder))
}

func TestPlacePairRejectsUnmergeableSize(t *testing.T) {
	h := newHarness(t)
	market := model.MarketInfo{YesTokenID: "yes", NoTokenID: "no", YesPrice: "0.48", NoPrice: "0.49"}

	for _, size := range []string{"0", "-1", "0.0000001", "0.0000009"} {
		_, err := h.settler.PlacePair(context.Background(), testWallet, "0xcond", market, size)
		assert.Error(t, err, size)
	}
	assert.Empty(t, h.exchange.placed)

	pair, err := h.settler.PlacePair(context.Background(), testWallet, "0xcond", market, "0.000001")
	require.NoError(t, err)
	assert.Equal(t, "0.000001", pair.Size)
}
