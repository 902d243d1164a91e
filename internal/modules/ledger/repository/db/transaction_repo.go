package db

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/frankieli/carrom_arena/internal/modules/ledger/domain"
)

// TransactionRepository implements domain.TransactionRepository using GORM.
type TransactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a new DB transaction repository and
// migrates the transactions table.
func NewTransactionRepository(db *gorm.DB) (*TransactionRepository, error) {
	if err := db.AutoMigrate(&domain.Transaction{}); err != nil {
		return nil, err
	}
	return &TransactionRepository{db: db}, nil
}

func (r *TransactionRepository) Save(ctx context.Context, tx *domain.Transaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *TransactionRepository) Update(ctx context.Context, tx *domain.Transaction) error {
	result := r.db.WithContext(ctx).Model(&domain.Transaction{}).
		Where("id = ?", tx.ID).
		Updates(map[string]interface{}{
			"status":      tx.Status,
			"retry_count": tx.RetryCount,
			"reason":      tx.Reason,
			"resolved_at": tx.ResolvedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

func (r *TransactionRepository) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := r.db.WithContext(ctx).First(&tx, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *TransactionRepository) ListByPlayer(ctx context.Context, playerID int64, limit int) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	q := r.db.WithContext(ctx).
		Where("player_id = ?", playerID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return txs, q.Find(&txs).Error
}

func (r *TransactionRepository) ListByMatch(ctx context.Context, matchID string) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	return txs, r.db.WithContext(ctx).
		Where("match_id = ?", matchID).
		Order("created_at ASC").
		Find(&txs).Error
}

func (r *TransactionRepository) ListByStatus(ctx context.Context, status domain.TransactionStatus) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	return txs, r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&txs).Error
}

func (r *TransactionRepository) ListCompleted(ctx context.Context) ([]*domain.Transaction, error) {
	return r.ListByStatus(ctx, domain.StatusCompleted)
}
