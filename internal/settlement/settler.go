package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/GoPolymarket/polyexec/internal/pkg/metrics"
	"github.com/GoPolymarket/polyexec/internal/ratelimit"
	"github.com/GoPolymarket/polyexec/internal/retry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrKeyUnavailable = errors.New("settlement: no signing key in custody for wallet")
	ErrMergeInFlight  = errors.New("settlement: merge already in flight")
	ErrRateLimited    = errors.New("settlement: rate limited by exchange")
	ErrInvalidSize    = errors.New("settlement: invalid merge size")
	ErrNotMatched     = errors.New("settlement: pair is not matched")
)

type PairRepo interface {
	CreatePair(ctx context.Context, p *model.Pair) error
	GetPair(ctx context.Context, id string) (*model.Pair, error)
	ListPairs(ctx context.Context, statuses ...model.PairStatus) ([]model.Pair, error)
	UpdatePairStatus(ctx context.Context, id string, status model.PairStatus) error
	CompareAndSwapPairStatus(ctx context.Context, id string, from, to model.PairStatus) (bool, error)
	MarkPairMerged(ctx context.Context, id, txID string) error
	RecordPairError(ctx context.Context, id, msg string) error
}

// Exchange places and cancels resting orders for a wallet.
type Exchange interface {
	PlaceOrder(ctx context.Context, key custody.Key, wallet string, order model.LimitOrder) (string, error)
	CancelOrder(ctx context.Context, key custody.Key, wallet, orderID string) error
}

// Merger converts a full YES+NO set back into collateral and returns the
// transaction id.
type Merger interface {
	Merge(ctx context.Context, key custody.Key, conditionID string, amount decimal.Decimal) (string, error)
}

// OrderTracker reports the latest fill state of an order.
type OrderTracker interface {
	Fill(orderID string) (model.OrderFill, bool)
}

type Limiter interface {
	Acquire(ctx context.Context, class ratelimit.Class) (bool, error)
}

type KeyStore interface {
	Get(wallet string) (custody.Key, bool)
}

// mergeDecimals is the collateral precision the CTF merge works in. Sizes
// that truncate to zero units cannot be merged.
const mergeDecimals = 6

func mergeable(amount decimal.Decimal) bool {
	return amount.Shift(mergeDecimals).Truncate(0).IsPositive()
}

type Options struct {
	Retry              retry.Policy
	PartialFillTimeout time.Duration
}

// Settler drives mint-maker pairs through their lifecycle. The persisted
// status is the lock: a pair only reaches Merging through a compare-and-swap
// from Matched.
type Settler struct {
	repo     PairRepo
	exchange Exchange
	merger   Merger
	tracker  OrderTracker
	limiter  Limiter
	keys     KeyStore
	opts     Options
	now      func() time.Time
}

func NewSettler(repo PairRepo, exchange Exchange, merger Merger, tracker OrderTracker, limiter Limiter, keys KeyStore, opts Options) *Settler {
	if opts.PartialFillTimeout <= 0 {
		opts.PartialFillTimeout = 5 * time.Minute
	}
	return &Settler{
		repo:     repo,
		exchange: exchange,
		merger:   merger,
		tracker:  tracker,
		limiter:  limiter,
		keys:     keys,
		opts:     opts,
		now:      time.Now,
	}
}

func (s *Settler) HasKey(wallet string) bool {
	_, ok := s.keys.Get(wallet)
	return ok
}

// PlacePair rests a BUY on both outcomes of market and records the pair.
func (s *Settler) PlacePair(ctx context.Context, wallet, conditionID string, market model.MarketInfo, size string) (*model.Pair, error) {
	key, ok := s.keys.Get(wallet)
	if !ok {
		return nil, ErrKeyUnavailable
	}
	amount, err := decimal.NewFromString(size)
	if err != nil || !mergeable(amount) {
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("invalid size %q", size))
	}
	yesPrice, err1 := decimal.NewFromString(market.YesPrice)
	noPrice, err2 := decimal.NewFromString(market.NoPrice)
	if err1 != nil || err2 != nil || !yesPrice.IsPositive() || !noPrice.IsPositive() {
		return nil, apperrors.NewInvalidRequest("market prices must be positive decimals")
	}
	if market.YesTokenID == "" || market.NoTokenID == "" {
		return nil, apperrors.NewInvalidRequest("market token ids are required")
	}

	pair := &model.Pair{
		ID:          uuid.NewString(),
		ConditionID: conditionID,
		Market:      market,
		Wallet:      custody.NormalizeWallet(wallet),
		Size:        amount.String(),
		Status:      model.PairPlaced,
	}
	log := logger.With("pair_id", pair.ID, "wallet", pair.Wallet, "condition_id", conditionID)

	pair.YesOrderID, err = s.placeLeg(ctx, key, pair.Wallet, model.LimitOrder{
		TokenID: market.YesTokenID, Side: model.SideBuy, Price: yesPrice, Size: amount,
	})
	if err != nil {
		return nil, s.placementFailed(ctx, pair, "yes leg", err)
	}

	pair.NoOrderID, err = s.placeLeg(ctx, key, pair.Wallet, model.LimitOrder{
		TokenID: market.NoTokenID, Side: model.SideBuy, Price: noPrice, Size: amount,
	})
	if err != nil {
		s.cancelLeg(ctx, key, pair, pair.YesOrderID)
		return nil, s.placementFailed(ctx, pair, "no leg", err)
	}

	if err := s.repo.CreatePair(ctx, pair); err != nil {
		log.Error("pair placed on exchange but not persisted", "yes_order_id", pair.YesOrderID, "no_order_id", pair.NoOrderID, "error", err.Error())
		return nil, fmt.Errorf("persist pair: %w", err)
	}
	metrics.PairTransitions.WithLabelValues(string(model.PairPlaced)).Inc()
	log.Info("pair placed", "size", pair.Size, "yes_order_id", pair.YesOrderID, "no_order_id", pair.NoOrderID)
	return pair, nil
}

func (s *Settler) placeLeg(ctx context.Context, key custody.Key, wallet string, order model.LimitOrder) (string, error) {
	// A placement that timed out may have rested; only resend when the
	// exchange refused it outright.
	id, err := retry.Do(ctx, s.opts.Retry, apperrors.IsRateLimited, gated(s.limiter, ratelimit.PlaceOrder, func(ctx context.Context) (string, error) {
		return s.exchange.PlaceOrder(ctx, key, wallet, order)
	}))
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.OrdersTotal.WithLabelValues(status, string(order.Side)).Inc()
	return id, err
}

// placementFailed records a pair that never made it to Placed so the failure
// is visible, then returns the cause.
func (s *Settler) placementFailed(ctx context.Context, pair *model.Pair, leg string, cause error) error {
	pair.Status = model.PairCancelled
	pair.LastError = fmt.Sprintf("%s: %v", leg, cause)
	if err := s.repo.CreatePair(context.WithoutCancel(ctx), pair); err != nil {
		logger.Warn("record failed placement", "pair_id", pair.ID, "error", err.Error())
	}
	metrics.PairTransitions.WithLabelValues(string(model.PairCancelled)).Inc()
	if apperrors.IsRateLimited(cause) {
		return fmt.Errorf("place %s: %w: %w", leg, ErrRateLimited, cause)
	}
	return fmt.Errorf("place %s: %w", leg, cause)
}

// Advance moves pair one step based on current fills and returns the status
// it ended in.
func (s *Settler) Advance(ctx context.Context, pair model.Pair) (model.PairStatus, error) {
	switch pair.Status {
	case model.PairPlaced, model.PairPartiallyFilled:
		return s.advanceFills(ctx, pair)
	case model.PairMatched:
		if err := s.Merge(ctx, pair); err != nil {
			if errors.Is(err, ErrInvalidSize) {
				return model.PairCancelled, nil
			}
			return model.PairMatched, err
		}
		return model.PairMerged, nil
	case model.PairMerging:
		// Left by a crash mid-merge. The tx may have landed, so never retry
		// blindly; an operator has to reconcile it.
		logger.Warn("pair stuck in merging", "pair_id", pair.ID, "since", pair.UpdatedAt)
		return pair.Status, nil
	case model.PairMerged, model.PairCancelled:
		return pair.Status, nil
	default:
		return pair.Status, fmt.Errorf("pair %s: unknown status %q", pair.ID, pair.Status)
	}
}

func (s *Settler) legFilled(orderID string) bool {
	if orderID == "" {
		return false
	}
	fill, ok := s.tracker.Fill(orderID)
	return ok && fill.Filled()
}

func (s *Settler) advanceFills(ctx context.Context, pair model.Pair) (model.PairStatus, error) {
	yes := s.legFilled(pair.YesOrderID)
	no := s.legFilled(pair.NoOrderID)

	switch {
	case yes && no:
		if err := s.transition(ctx, pair, model.PairMatched); err != nil {
			return pair.Status, err
		}
		return model.PairMatched, nil
	case yes || no:
		if pair.Status == model.PairPlaced {
			if err := s.transition(ctx, pair, model.PairPartiallyFilled); err != nil {
				return pair.Status, err
			}
			return model.PairPartiallyFilled, nil
		}
		if s.now().Sub(pair.UpdatedAt) >= s.opts.PartialFillTimeout {
			if err := s.CleanupHalfFilled(ctx, pair); err != nil {
				return pair.Status, err
			}
			return model.PairCancelled, nil
		}
	}
	return pair.Status, nil
}

func (s *Settler) transition(ctx context.Context, pair model.Pair, to model.PairStatus) error {
	if err := s.repo.UpdatePairStatus(ctx, pair.ID, to); err != nil {
		return fmt.Errorf("pair %s -> %s: %w", pair.ID, to, err)
	}
	metrics.PairTransitions.WithLabelValues(string(to)).Inc()
	logger.Info("pair transition", "pair_id", pair.ID, "from", pair.Status, "to", to)
	return nil
}

// Merge settles a Matched pair. On failure the pair goes back to Matched so
// a later scan retries it; only an unusable size cancels it.
func (s *Settler) Merge(ctx context.Context, pair model.Pair) error {
	if pair.Status != model.PairMatched {
		return fmt.Errorf("%w: %s is %s", ErrNotMatched, pair.ID, pair.Status)
	}
	key, ok := s.keys.Get(pair.Wallet)
	if !ok {
		return ErrKeyUnavailable
	}

	amount, err := decimal.NewFromString(pair.Size)
	if err != nil || !mergeable(amount) {
		msg := fmt.Sprintf("invalid merge size %q", pair.Size)
		if err := s.transition(ctx, pair, model.PairCancelled); err != nil {
			return err
		}
		if err := s.repo.RecordPairError(context.WithoutCancel(ctx), pair.ID, msg); err != nil {
			logger.Warn("record merge error", "pair_id", pair.ID, "error", err.Error())
		}
		metrics.Merges.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: pair %s: %s", ErrInvalidSize, pair.ID, msg)
	}

	swapped, err := s.repo.CompareAndSwapPairStatus(ctx, pair.ID, model.PairMatched, model.PairMerging)
	if err != nil {
		return fmt.Errorf("lock pair %s: %w", pair.ID, err)
	}
	if !swapped {
		return ErrMergeInFlight
	}
	metrics.PairTransitions.WithLabelValues(string(model.PairMerging)).Inc()
	log := logger.With("pair_id", pair.ID, "condition_id", pair.ConditionID, "amount", amount.String())

	txID, err := retry.Do(ctx, s.opts.Retry, apperrors.IsRetryable, gated(s.limiter, ratelimit.General, func(ctx context.Context) (string, error) {
		return s.merger.Merge(ctx, key, pair.ConditionID, amount)
	}))
	if err != nil {
		return s.mergeFailed(ctx, pair, err)
	}

	if err := s.repo.MarkPairMerged(context.WithoutCancel(ctx), pair.ID, txID); err != nil {
		// The merge landed; leaving the row in Merging blocks a second one.
		log.Error("merge succeeded but status write failed", "tx", txID, "error", err.Error())
		return fmt.Errorf("mark pair %s merged: %w", pair.ID, err)
	}
	metrics.PairTransitions.WithLabelValues(string(model.PairMerged)).Inc()
	metrics.Merges.WithLabelValues("merged").Inc()
	log.Info("pair merged", "tx", txID)
	return nil
}

func (s *Settler) mergeFailed(ctx context.Context, pair model.Pair, cause error) error {
	wctx := context.WithoutCancel(ctx)
	if err := s.repo.RecordPairError(wctx, pair.ID, cause.Error()); err != nil {
		logger.Warn("record merge error", "pair_id", pair.ID, "error", err.Error())
	}
	if err := s.repo.UpdatePairStatus(wctx, pair.ID, model.PairMatched); err != nil {
		logger.Error("revert pair to matched failed", "pair_id", pair.ID, "error", err.Error())
	} else {
		metrics.PairTransitions.WithLabelValues(string(model.PairMatched)).Inc()
	}

	logger.LogError(ctx, cause, "merge failed, pair back to matched", "pair_id", pair.ID)
	if apperrors.IsRateLimited(cause) {
		metrics.Merges.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("merge pair %s: %w: %w", pair.ID, ErrRateLimited, cause)
	}
	metrics.Merges.WithLabelValues("failed").Inc()
	return fmt.Errorf("merge pair %s: %w", pair.ID, cause)
}

// CleanupHalfFilled cancels whatever leg is still resting and cancels the
// pair. The filled leg's tokens stay in the wallet.
func (s *Settler) CleanupHalfFilled(ctx context.Context, pair model.Pair) error {
	key, hasKey := s.keys.Get(pair.Wallet)

	var resting []string
	if !s.legFilled(pair.YesOrderID) && pair.YesOrderID != "" {
		resting = append(resting, pair.YesOrderID)
	}
	if !s.legFilled(pair.NoOrderID) && pair.NoOrderID != "" {
		resting = append(resting, pair.NoOrderID)
	}

	for _, orderID := range resting {
		if !hasKey {
			logger.Warn("cannot cancel resting leg without key", "pair_id", pair.ID, "order_id", orderID)
			continue
		}
		s.cancelLeg(ctx, key, &pair, orderID)
	}

	return s.transition(ctx, pair, model.PairCancelled)
}

// cancelLeg is best effort; failures are logged only.
func (s *Settler) cancelLeg(ctx context.Context, key custody.Key, pair *model.Pair, orderID string) {
	if orderID == "" {
		return
	}
	_, err := retry.Do(ctx, s.opts.Retry, apperrors.IsRetryable, gated(s.limiter, ratelimit.CancelOrder, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.exchange.CancelOrder(ctx, key, pair.Wallet, orderID)
	}))
	if err != nil {
		logger.Warn("cancel leg failed", "pair_id", pair.ID, "order_id", orderID, "error", err.Error())
		return
	}
	logger.Info("leg cancelled", "pair_id", pair.ID, "order_id", orderID)
}

// gated takes a token of class before every attempt of op, so retries are
// throttled the same as first calls.
func gated[T any](l Limiter, class ratelimit.Class, op func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		if _, err := l.Acquire(ctx, class); err != nil {
			var zero T
			return zero, err
		}
		return op(ctx)
	}
}
