package domain

import "context"

// TransactionRepository is the durable audit trail of postings. The ledger
// usecase owns balances and idempotency in-process; the repository records
// every transaction and serves history queries.
type TransactionRepository interface {
	Save(ctx context.Context, tx *Transaction) error
	Update(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)

	// ListByPlayer returns the player's transactions, newest first.
	ListByPlayer(ctx context.Context, playerID int64, limit int) ([]*Transaction, error)
	// ListByMatch returns all transactions posted for a match.
	ListByMatch(ctx context.Context, matchID string) ([]*Transaction, error)
	// ListByStatus returns all transactions currently in the given status.
	ListByStatus(ctx context.Context, status TransactionStatus) ([]*Transaction, error)
	// ListCompleted returns every completed transaction, for reconciliation replay.
	ListCompleted(ctx context.Context) ([]*Transaction, error)
}
