// Package memory provides the in-memory transaction repository used by tests
// and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/frankieli/carrom_arena/internal/modules/ledger/domain"
)

// TransactionRepository implements domain.TransactionRepository using memory
type TransactionRepository struct {
	byID     map[string]*domain.Transaction
	byPlayer map[int64][]*domain.Transaction // append order, oldest first
	byMatch  map[string][]*domain.Transaction
	mu       sync.RWMutex
}

// NewTransactionRepository creates a new memory transaction repository
func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{
		byID:     make(map[string]*domain.Transaction),
		byPlayer: make(map[int64][]*domain.Transaction),
		byMatch:  make(map[string][]*domain.Transaction),
	}
}

func (r *TransactionRepository) Save(ctx context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *tx
	r.byID[tx.ID] = &cp
	r.byPlayer[tx.PlayerID] = append(r.byPlayer[tx.PlayerID], &cp)
	if tx.MatchID != "" {
		r.byMatch[tx.MatchID] = append(r.byMatch[tx.MatchID], &cp)
	}
	return nil
}

func (r *TransactionRepository) Update(ctx context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[tx.ID]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	*stored = *tx
	return nil
}

func (r *TransactionRepository) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.byID[id]
	if !ok {
		return nil, nil // Not found
	}
	cp := *stored
	return &cp, nil
}

func (r *TransactionRepository) ListByPlayer(ctx context.Context, playerID int64, limit int) ([]*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.byPlayer[playerID]
	out := make([]*domain.Transaction, 0, len(stored))
	// Newest first
	for i := len(stored) - 1; i >= 0; i-- {
		cp := *stored[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *TransactionRepository) ListByMatch(ctx context.Context, matchID string) ([]*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.byMatch[matchID]
	out := make([]*domain.Transaction, 0, len(stored))
	for _, tx := range stored {
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

func (r *TransactionRepository) ListByStatus(ctx context.Context, status domain.TransactionStatus) ([]*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Transaction, 0)
	for _, tx := range r.byID {
		if tx.Status == status {
			cp := *tx
			out = append(out, &cp)
		}
	}
	// Map iteration order is random; keep the oldest first so watchdog
	// processing is deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *TransactionRepository) ListCompleted(ctx context.Context) ([]*domain.Transaction, error) {
	return r.ListByStatus(ctx, domain.StatusCompleted)
}
