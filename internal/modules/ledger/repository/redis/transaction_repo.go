package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/frankieli/carrom_arena/internal/modules/ledger/domain"
)

// TransactionRepository implements domain.TransactionRepository using Redis.
// Layout:
//
//	txn:{id}                 JSON transaction
//	player_txns:{playerID}   list of transaction IDs, append order
//	match_txns:{matchID}     list of transaction IDs, append order
//	status_txns:{status}     set of transaction IDs in that status
type TransactionRepository struct {
	rdb *redis.Client
}

// NewTransactionRepository creates a new Redis transaction repository
func NewTransactionRepository(rdb *redis.Client) *TransactionRepository {
	return &TransactionRepository{rdb: rdb}
}

func txnKey(id string) string { return fmt.Sprintf("txn:%s", id) }

func playerKey(playerID int64) string { return fmt.Sprintf("player_txns:%d", playerID) }

func matchKey(matchID string) string { return fmt.Sprintf("match_txns:%s", matchID) }

func statusKey(s domain.TransactionStatus) string { return fmt.Sprintf("status_txns:%s", s) }

func (r *TransactionRepository) Save(ctx context.Context, tx *domain.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, txnKey(tx.ID), data, 0)
	pipe.RPush(ctx, playerKey(tx.PlayerID), tx.ID)
	if tx.MatchID != "" {
		pipe.RPush(ctx, matchKey(tx.MatchID), tx.ID)
	}
	pipe.SAdd(ctx, statusKey(tx.Status), tx.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *TransactionRepository) Update(ctx context.Context, tx *domain.Transaction) error {
	prev, err := r.Get(ctx, tx.ID)
	if err != nil {
		return err
	}
	if prev == nil {
		return domain.ErrTransactionNotFound
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, txnKey(tx.ID), data, 0)
	if prev.Status != tx.Status {
		pipe.SRem(ctx, statusKey(prev.Status), tx.ID)
		pipe.SAdd(ctx, statusKey(tx.Status), tx.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *TransactionRepository) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	data, err := r.rdb.Get(ctx, txnKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var tx domain.Transaction
	if err := json.Unmarshal([]byte(data), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *TransactionRepository) ListByPlayer(ctx context.Context, playerID int64, limit int) ([]*domain.Transaction, error) {
	// The list is append-ordered, so the tail holds the newest entries.
	stop := int64(-1)
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	ids, err := r.rdb.LRange(ctx, playerKey(playerID), start, stop).Result()
	if err != nil {
		return nil, err
	}

	txs, err := r.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	// Newest first
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	return txs, nil
}

func (r *TransactionRepository) ListByMatch(ctx context.Context, matchID string) ([]*domain.Transaction, error) {
	ids, err := r.rdb.LRange(ctx, matchKey(matchID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, ids)
}

func (r *TransactionRepository) ListByStatus(ctx context.Context, status domain.TransactionStatus) ([]*domain.Transaction, error) {
	ids, err := r.rdb.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, err
	}
	txs, err := r.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	// Set members come back unordered; keep the oldest first so watchdog
	// processing is deterministic.
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.Before(txs[j].CreatedAt) })
	return txs, nil
}

func (r *TransactionRepository) ListCompleted(ctx context.Context) ([]*domain.Transaction, error) {
	return r.ListByStatus(ctx, domain.StatusCompleted)
}

func (r *TransactionRepository) fetch(ctx context.Context, ids []string) ([]*domain.Transaction, error) {
	if len(ids) == 0 {
		return []*domain.Transaction{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = txnKey(id)
	}

	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	txs := make([]*domain.Transaction, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var tx domain.Transaction
		if err := json.Unmarshal([]byte(data), &tx); err != nil {
			continue
		}
		txs = append(txs, &tx)
	}
	return txs, nil
}
