package repository

import (
	"context"
	"errors"
	"time"

	"github.com/GoPolymarket/polyexec/internal/model"
	"gorm.io/gorm"
)

// PostgresPairRepo persists mint-maker pairs. Every status write is a
// conditional UPDATE so the row status is the cross-process lock.
type PostgresPairRepo struct {
	db *gorm.DB
}

func NewPostgresPairRepo(db *gorm.DB) *PostgresPairRepo {
	return &PostgresPairRepo{db: db}
}

func (r *PostgresPairRepo) CreatePair(ctx context.Context, p *model.Pair) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *PostgresPairRepo) GetPair(ctx context.Context, id string) (*model.Pair, error) {
	var p model.Pair
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPairNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresPairRepo) ListPairs(ctx context.Context, statuses ...model.PairStatus) ([]model.Pair, error) {
	var pairs []model.Pair
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.Find(&pairs).Error; err != nil {
		return nil, err
	}
	return pairs, nil
}

// UpdatePairStatus moves the pair to status if its current status is a
// legal predecessor.
func (r *PostgresPairRepo) UpdatePairStatus(ctx context.Context, id string, status model.PairStatus) error {
	preds := model.PairPredecessors(status)
	if len(preds) == 0 {
		return r.refused(ctx, id, status)
	}
	res := r.db.WithContext(ctx).Model(&model.Pair{}).
		Where("id = ? AND status IN ?", id, preds).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.refused(ctx, id, status)
	}
	return nil
}

// CompareAndSwapPairStatus sets to only when the row is still in from.
// swapped is false when another writer got there first.
func (r *PostgresPairRepo) CompareAndSwapPairStatus(ctx context.Context, id string, from, to model.PairStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, &model.TransitionError{PairID: id, From: from, To: to}
	}
	res := r.db.WithContext(ctx).Model(&model.Pair{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkPairMerged is the only way into Merged and only succeeds from Merging.
func (r *PostgresPairRepo) MarkPairMerged(ctx context.Context, id, txID string) error {
	res := r.db.WithContext(ctx).Model(&model.Pair{}).
		Where("id = ? AND status = ?", id, model.PairMerging).
		Updates(map[string]any{
			"status":      model.PairMerged,
			"merge_tx_id": txID,
			"last_error":  "",
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.refused(ctx, id, model.PairMerged)
	}
	return nil
}

func (r *PostgresPairRepo) RecordPairError(ctx context.Context, id, msg string) error {
	res := r.db.WithContext(ctx).Model(&model.Pair{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_error": msg, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPairNotFound
	}
	return nil
}

func (r *PostgresPairRepo) refused(ctx context.Context, id string, to model.PairStatus) error {
	p, err := r.GetPair(ctx, id)
	if err != nil {
		return err
	}
	return transitionError(p, to)
}
