package repository

import (
	"context"
	"time"

	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresPositionRepo struct {
	db *gorm.DB
}

func NewPostgresPositionRepo(db *gorm.DB) *PostgresPositionRepo {
	return &PostgresPositionRepo{db: db}
}

func (r *PostgresPositionRepo) GetOpenPositions(ctx context.Context, wallet string) ([]model.Position, error) {
	var out []model.Position
	err := r.db.WithContext(ctx).
		Where("wallet = ? AND status = ?", custody.NormalizeWallet(wallet), model.PositionOpen).
		Order("opened_at ASC").
		Find(&out).Error
	return out, err
}

func (r *PostgresPositionRepo) GetPositions(ctx context.Context, wallet string) ([]model.Position, error) {
	var out []model.Position
	err := r.db.WithContext(ctx).
		Where("wallet = ?", custody.NormalizeWallet(wallet)).
		Order("opened_at ASC").
		Find(&out).Error
	return out, err
}

// UpsertPosition records a position reported by the fill stream.
func (r *PostgresPositionRepo) UpsertPosition(ctx context.Context, p *model.Position) error {
	p.Wallet = custody.NormalizeWallet(p.Wallet)
	if p.Status == "" {
		p.Status = model.PositionOpen
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "status", "closed_at"}),
	}).Create(p).Error
}

func (r *PostgresPositionRepo) ClosePosition(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&model.Position{}).
		Where("id = ? AND status = ?", id, model.PositionOpen).
		Updates(map[string]any{"status": model.PositionClosed, "closed_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPositionNotFound
	}
	return nil
}
