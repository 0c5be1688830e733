package exitmonitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/GoPolymarket/polyexec/internal/model"
	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/GoPolymarket/polyexec/internal/pkg/metrics"
	"github.com/shopspring/decimal"
)

type PositionRepo interface {
	GetOpenPositions(ctx context.Context, wallet string) ([]model.Position, error)
}

type PriceSource interface {
	Price(ctx context.Context, tokenID string) (decimal.Decimal, bool)
}

// PeakStore persists high-water marks so they survive restarts. Save must
// never lower a stored peak.
type PeakStore interface {
	GetPeak(ctx context.Context, positionID string) (model.Peak, bool, error)
	SavePeak(ctx context.Context, peak model.Peak) error
	DeletePeak(ctx context.Context, positionID string) error
}

// KeyHolder is the custody view the monitor needs.
type KeyHolder interface {
	Has(wallet string) bool
	Wallets() []string
}

// Monitor watches open positions and emits one SellSignal per position when
// an exit rule fires.
type Monitor struct {
	rules     Rules
	keys      KeyHolder
	positions PositionRepo
	prices    PriceSource
	peaks     PeakStore
	signals   chan model.SellSignal
	now       func() time.Time

	mu        sync.Mutex
	cache     map[string]model.Peak
	owners    map[string]string // position id -> wallet, for cache entries
	signalled map[string]string // position id -> wallet
}

func New(rules Rules, keys KeyHolder, positions PositionRepo, prices PriceSource, peaks PeakStore) *Monitor {
	return &Monitor{
		rules:     rules,
		keys:      keys,
		positions: positions,
		prices:    prices,
		peaks:     peaks,
		signals:   make(chan model.SellSignal, 128),
		now:       time.Now,
		cache:     make(map[string]model.Peak),
		owners:    make(map[string]string),
		signalled: make(map[string]string),
	}
}

// Signals is read by the sell executor.
func (m *Monitor) Signals() <-chan model.SellSignal {
	return m.signals
}

// Release lets a position be signalled again, e.g. after its sell failed.
func (m *Monitor) Release(positionID string) {
	m.mu.Lock()
	delete(m.signalled, positionID)
	m.mu.Unlock()
}

// Peak returns the cached high-water mark of a position.
func (m *Monitor) Peak(positionID string) (model.Peak, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.cache[positionID]
	return p, ok
}

// OnPrice updates the peak of pos with price and evaluates the exit rules.
// It returns the trigger if a signal was emitted.
func (m *Monitor) OnPrice(ctx context.Context, pos model.Position, price decimal.Decimal) (model.ExitTrigger, error) {
	if !m.keys.Has(pos.Wallet) {
		return nil, nil
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("position %s: invalid price %s", pos.ID, price)
	}

	peak, err := m.loadPeak(ctx, pos)
	if err != nil {
		return nil, err
	}

	now := m.now()
	m.mu.Lock()
	if cached, ok := m.cache[pos.ID]; ok && cached.PeakPrice.GreaterThan(peak.PeakPrice) {
		peak = cached
	}
	raised := peak.Observe(price, now)
	m.cache[pos.ID] = peak
	m.owners[pos.ID] = pos.Wallet
	_, already := m.signalled[pos.ID]
	m.mu.Unlock()

	if raised {
		if err := m.peaks.SavePeak(ctx, peak); err != nil {
			logger.Warn("persist peak failed", "position_id", pos.ID, "error", err.Error())
		}
	}

	if already {
		return nil, nil
	}
	trigger := Evaluate(m.rules, pos, peak, price, now)
	if trigger == nil {
		return nil, nil
	}

	m.mu.Lock()
	if _, dup := m.signalled[pos.ID]; dup {
		m.mu.Unlock()
		return nil, nil
	}
	m.signalled[pos.ID] = pos.Wallet
	m.mu.Unlock()

	signal := model.SellSignal{Position: pos, Trigger: trigger, At: now}
	select {
	case m.signals <- signal:
	default:
		// Executor is behind; forget the dedupe entry so the next tick retries.
		m.Release(pos.ID)
		logger.Warn("sell signal dropped, executor backlog", "position_id", pos.ID)
		return nil, nil
	}

	metrics.ExitSignals.WithLabelValues(string(trigger.Kind())).Inc()
	logger.Info("exit triggered",
		"position_id", pos.ID,
		"wallet", pos.Wallet,
		"trigger", trigger.Kind(),
		"price", price.String(),
		"peak", peak.PeakPrice.String(),
	)
	return trigger, nil
}

func (m *Monitor) loadPeak(ctx context.Context, pos model.Position) (model.Peak, error) {
	m.mu.Lock()
	cached, ok := m.cache[pos.ID]
	m.mu.Unlock()
	if ok {
		return cached, nil
	}

	stored, found, err := m.peaks.GetPeak(ctx, pos.ID)
	if err != nil {
		return model.Peak{}, fmt.Errorf("load peak %s: %w", pos.ID, err)
	}
	if found {
		return stored, nil
	}
	// A fresh position starts from its entry.
	return model.Peak{PositionID: pos.ID, PeakPrice: pos.EntryPrice, PeakAt: pos.OpenedAt}, nil
}

// Sweep evaluates every open position of every wallet holding a key.
func (m *Monitor) Sweep(ctx context.Context) error {
	wallets := m.keys.Wallets()
	open := make(map[string]struct{})
	swept := make(map[string]struct{}, len(wallets))

	var firstErr error
	for _, wallet := range wallets {
		positions, err := m.positions.GetOpenPositions(ctx, wallet)
		if err != nil {
			logger.LogError(ctx, err, "load open positions", "wallet", wallet)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		swept[wallet] = struct{}{}

		for _, pos := range positions {
			open[pos.ID] = struct{}{}
			price, ok := m.prices.Price(ctx, pos.TokenID)
			if !ok {
				continue
			}
			if _, err := m.OnPrice(ctx, pos, price); err != nil {
				logger.LogError(ctx, err, "evaluate position", "position_id", pos.ID)
			}
		}
	}

	m.forgetClosed(ctx, swept, open)
	return firstErr
}

// forgetClosed drops dedupe and peak state of positions that are no longer
// open. Only wallets that were swept this tick are considered; a wallet whose
// key is out or whose positions failed to load keeps its state.
func (m *Monitor) forgetClosed(ctx context.Context, swept, open map[string]struct{}) {
	closed := func(id, wallet string) bool {
		if _, ok := swept[wallet]; !ok {
			return false
		}
		_, ok := open[id]
		return !ok
	}

	var gone []string
	m.mu.Lock()
	for id, wallet := range m.signalled {
		if closed(id, wallet) {
			delete(m.signalled, id)
		}
	}
	for id, wallet := range m.owners {
		if closed(id, wallet) {
			gone = append(gone, id)
			delete(m.cache, id)
			delete(m.owners, id)
		}
	}
	m.mu.Unlock()

	for _, id := range gone {
		if err := m.peaks.DeletePeak(ctx, id); err != nil {
			logger.Warn("delete peak failed", "position_id", id, "error", err.Error())
		}
	}
}

// Run sweeps every interval until ctx ends. A panicking sweep is logged and
// the loop continues.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) sweepOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.WithLabelValues("exit_sweep").Inc()
			logger.Error("exit sweep panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	if err := m.Sweep(ctx); err != nil {
		logger.Warn("exit sweep incomplete", "error", err.Error())
	}
}
