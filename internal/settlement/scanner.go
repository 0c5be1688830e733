package settlement

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/hub"
	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/GoPolymarket/polyexec/internal/pkg/metrics"
)

type Publisher interface {
	Publish(t hub.Type, payload any) hub.Envelope
}

type PositionCounter interface {
	GetOpenPositions(ctx context.Context, wallet string) ([]model.Position, error)
}

type WalletLister interface {
	Wallets() []string
}

// Scanner runs one settlement pass per tick over every active pair.
type Scanner struct {
	settler   *Settler
	repo      PairRepo
	hub       Publisher
	wallets   WalletLister
	positions PositionCounter
	interval  time.Duration
	now       func() time.Time
}

func NewScanner(settler *Settler, repo PairRepo, pub Publisher, wallets WalletLister, positions PositionCounter, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scanner{
		settler:   settler,
		repo:      repo,
		hub:       pub,
		wallets:   wallets,
		positions: positions,
		interval:  interval,
		now:       time.Now,
	}
}

// Run cycles until ctx ends. A cycle that hit an exchange rate limit adds a
// full extra interval before the next one.
func (s *Scanner) Run(ctx context.Context) {
	logger.Info("settlement scanner started", "interval", s.interval)
	for {
		wait := s.interval
		if s.Cycle(ctx) {
			wait += s.interval
			logger.Warn("settlement scanner backing off after rate limit", "wait", wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("settlement scanner stopped")
			return
		case <-timer.C:
		}
	}
}

// Cycle runs one pass and reports whether it stopped on a rate limit.
// Panics are recovered so the loop survives them.
func (s *Scanner) Cycle(ctx context.Context) (rateLimited bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.WithLabelValues("settlement").Inc()
			logger.Error("settlement cycle panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	pairs, err := s.repo.ListPairs(ctx, model.ActivePairStatuses...)
	if err != nil {
		logger.LogError(ctx, err, "list active pairs")
		return false
	}

	for _, pair := range pairs {
		if ctx.Err() != nil {
			break
		}
		if pair.Status == model.PairMatched && !s.settler.HasKey(pair.Wallet) {
			continue
		}
		to, err := s.settler.Advance(ctx, pair)
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				rateLimited = true
				break
			}
			if !errors.Is(err, ErrMergeInFlight) {
				logger.LogError(ctx, err, "advance pair", "pair_id", pair.ID, "status", pair.Status)
			}
			continue
		}
		if to != pair.Status {
			logger.Debug("pair advanced", "pair_id", pair.ID, "from", pair.Status, "to", to)
		}
	}

	s.publish(ctx)
	return rateLimited
}

func (s *Scanner) publish(ctx context.Context) {
	if s.hub == nil {
		return
	}
	all, err := s.repo.ListPairs(ctx)
	if err != nil {
		logger.LogError(ctx, err, "list pairs for snapshot")
		return
	}
	now := s.now()
	s.hub.Publish(hub.TypePairStatus, model.NewPairStatusSnapshot(all, now))

	if s.wallets == nil {
		return
	}
	active := make(map[string]int)
	for _, p := range all {
		if !p.Status.Terminal() {
			active[p.Wallet]++
		}
	}
	var accounts []model.AccountStatus
	for _, w := range s.wallets.Wallets() {
		w = custody.NormalizeWallet(w)
		st := model.AccountStatus{Wallet: w, AutoTrading: true, ActivePairs: active[w], At: now}
		if s.positions != nil {
			if open, err := s.positions.GetOpenPositions(ctx, w); err == nil {
				st.OpenPositions = len(open)
			}
		}
		accounts = append(accounts, st)
	}
	s.hub.Publish(hub.TypeAccountStatus, accounts)
}
