package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/model"
)

// In-memory repos are used when no database is configured and in tests.
// Status writes follow the same rules as the Postgres repos.

type MemoryPairRepo struct {
	mu    sync.Mutex
	pairs map[string]model.Pair
}

func NewMemoryPairRepo() *MemoryPairRepo {
	return &MemoryPairRepo{pairs: make(map[string]model.Pair)}
}

func (r *MemoryPairRepo) CreatePair(_ context.Context, p *model.Pair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pairs[p.ID]; ok {
		return errors.New("pair already exists")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.pairs[p.ID] = *p
	return nil
}

func (r *MemoryPairRepo) GetPair(_ context.Context, id string) (*model.Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok {
		return nil, ErrPairNotFound
	}
	return &p, nil
}

func (r *MemoryPairRepo) ListPairs(_ context.Context, statuses ...model.PairStatus) ([]model.Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		if len(statuses) == 0 || containsStatus(statuses, p.Status) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryPairRepo) UpdatePairStatus(_ context.Context, id string, status model.PairStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok {
		return ErrPairNotFound
	}
	if !containsStatus(model.PairPredecessors(status), p.Status) {
		return transitionError(&p, status)
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	r.pairs[id] = p
	return nil
}

func (r *MemoryPairRepo) CompareAndSwapPairStatus(_ context.Context, id string, from, to model.PairStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, &model.TransitionError{PairID: id, From: from, To: to}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	r.pairs[id] = p
	return true, nil
}

func (r *MemoryPairRepo) MarkPairMerged(_ context.Context, id, txID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok {
		return ErrPairNotFound
	}
	if p.Status != model.PairMerging {
		return transitionError(&p, model.PairMerged)
	}
	p.Status = model.PairMerged
	p.MergeTxID = txID
	p.LastError = ""
	p.UpdatedAt = time.Now().UTC()
	r.pairs[id] = p
	return nil
}

func (r *MemoryPairRepo) RecordPairError(_ context.Context, id, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok {
		return ErrPairNotFound
	}
	p.LastError = msg
	p.UpdatedAt = time.Now().UTC()
	r.pairs[id] = p
	return nil
}

func containsStatus(list []model.PairStatus, s model.PairStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type MemoryPositionRepo struct {
	mu        sync.RWMutex
	positions map[string]model.Position
}

func NewMemoryPositionRepo() *MemoryPositionRepo {
	return &MemoryPositionRepo{positions: make(map[string]model.Position)}
}

func (r *MemoryPositionRepo) list(wallet string, onlyOpen bool) []model.Position {
	wallet = custody.NormalizeWallet(wallet)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Position
	for _, p := range r.positions {
		if p.Wallet != wallet {
			continue
		}
		if onlyOpen && p.Status != model.PositionOpen {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (r *MemoryPositionRepo) GetOpenPositions(_ context.Context, wallet string) ([]model.Position, error) {
	return r.list(wallet, true), nil
}

func (r *MemoryPositionRepo) GetPositions(_ context.Context, wallet string) ([]model.Position, error) {
	return r.list(wallet, false), nil
}

func (r *MemoryPositionRepo) UpsertPosition(_ context.Context, p *model.Position) error {
	p.Wallet = custody.NormalizeWallet(p.Wallet)
	if p.Status == "" {
		p.Status = model.PositionOpen
	}
	r.mu.Lock()
	r.positions[p.ID] = *p
	r.mu.Unlock()
	return nil
}

func (r *MemoryPositionRepo) ClosePosition(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok || p.Status != model.PositionOpen {
		return ErrPositionNotFound
	}
	now := time.Now().UTC()
	p.Status = model.PositionClosed
	p.ClosedAt = &now
	r.positions[id] = p
	return nil
}

type MemoryWalletRepo struct {
	mu      sync.RWMutex
	wallets map[string]model.Wallet
}

func NewMemoryWalletRepo() *MemoryWalletRepo {
	return &MemoryWalletRepo{wallets: make(map[string]model.Wallet)}
}

func (r *MemoryWalletRepo) GetWallet(_ context.Context, address string) (*model.Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[custody.NormalizeWallet(address)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return &w, nil
}

func (r *MemoryWalletRepo) GetKeystore(ctx context.Context, address string) ([]byte, error) {
	w, err := r.GetWallet(ctx, address)
	if err != nil {
		return nil, err
	}
	if len(w.Keystore) == 0 {
		return nil, errors.New("wallet has no keystore")
	}
	return w.Keystore, nil
}

func (r *MemoryWalletRepo) GetCreds(ctx context.Context, address string) (model.L2Creds, error) {
	w, err := r.GetWallet(ctx, address)
	if err != nil {
		return model.L2Creds{}, err
	}
	return w.Creds(), nil
}

func (r *MemoryWalletRepo) SaveWallet(_ context.Context, w *model.Wallet) error {
	w.Address = custody.NormalizeWallet(w.Address)
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	r.mu.Lock()
	r.wallets[w.Address] = *w
	r.mu.Unlock()
	return nil
}

func (r *MemoryWalletRepo) SetAutoTrading(_ context.Context, address string, enabled bool) error {
	key := custody.NormalizeWallet(address)
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[key]
	if !ok {
		return ErrWalletNotFound
	}
	w.AutoTrading = enabled
	w.UpdatedAt = time.Now().UTC()
	r.wallets[key] = w
	return nil
}

func (r *MemoryWalletRepo) ListWallets(_ context.Context) ([]model.Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Wallet, 0, len(r.wallets))
	for _, w := range r.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// MemoryPeakStore keeps peaks for the process lifetime only.
type MemoryPeakStore struct {
	mu    sync.Mutex
	peaks map[string]model.Peak
}

func NewMemoryPeakStore() *MemoryPeakStore {
	return &MemoryPeakStore{peaks: make(map[string]model.Peak)}
}

func (s *MemoryPeakStore) GetPeak(_ context.Context, positionID string) (model.Peak, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peaks[positionID]
	return p, ok, nil
}

func (s *MemoryPeakStore) SavePeak(_ context.Context, peak model.Peak) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.peaks[peak.PositionID]; ok && cur.PeakPrice.GreaterThanOrEqual(peak.PeakPrice) {
		return nil
	}
	s.peaks[peak.PositionID] = peak
	return nil
}

func (s *MemoryPeakStore) DeletePeak(_ context.Context, positionID string) error {
	s.mu.Lock()
	delete(s.peaks, positionID)
	s.mu.Unlock()
	return nil
}
