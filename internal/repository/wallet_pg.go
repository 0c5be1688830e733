package repository

import (
	"context"
	"errors"
	"time"

	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresWalletRepo struct {
	db *gorm.DB
}

func NewPostgresWalletRepo(db *gorm.DB) *PostgresWalletRepo {
	return &PostgresWalletRepo{db: db}
}

func (r *PostgresWalletRepo) GetWallet(ctx context.Context, address string) (*model.Wallet, error) {
	var w model.Wallet
	err := r.db.WithContext(ctx).Where("address = ?", custody.NormalizeWallet(address)).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetKeystore feeds custody.Unlocker.
func (r *PostgresWalletRepo) GetKeystore(ctx context.Context, address string) ([]byte, error) {
	w, err := r.GetWallet(ctx, address)
	if err != nil {
		return nil, err
	}
	if len(w.Keystore) == 0 {
		return nil, errors.New("wallet has no keystore")
	}
	return w.Keystore, nil
}

func (r *PostgresWalletRepo) GetCreds(ctx context.Context, address string) (model.L2Creds, error) {
	w, err := r.GetWallet(ctx, address)
	if err != nil {
		return model.L2Creds{}, err
	}
	return w.Creds(), nil
}

func (r *PostgresWalletRepo) SaveWallet(ctx context.Context, w *model.Wallet) error {
	w.Address = custody.NormalizeWallet(w.Address)
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(w).Error
}

func (r *PostgresWalletRepo) SetAutoTrading(ctx context.Context, address string, enabled bool) error {
	res := r.db.WithContext(ctx).Model(&model.Wallet{}).
		Where("address = ?", custody.NormalizeWallet(address)).
		Updates(map[string]any{"auto_trading": enabled, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (r *PostgresWalletRepo) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	var out []model.Wallet
	err := r.db.WithContext(ctx).Order("address ASC").Find(&out).Error
	return out, err
}
