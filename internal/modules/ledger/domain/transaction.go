// Package domain holds the ledger's transaction model. The ledger is
// append-only: balances are never stored on their own, they are the running
// sum of completed transaction amounts per player.
package domain

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransactionType classifies a money movement.
type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeBet        TransactionType = "bet"
	TypeWin        TransactionType = "win"
	TypeRefund     TransactionType = "refund"
	TypeFee        TransactionType = "fee"
)

// TransactionStatus is the lifecycle state of a transaction. Only completed
// transactions count toward a balance.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusReview    TransactionStatus = "review"
)

// Terminal reports whether the status can no longer change.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transaction is a single ledger posting. ID is the idempotency key: replaying
// a posting with an already-resolved ID is a no-op.
type Transaction struct {
	ID         string            `gorm:"primaryKey;type:varchar(64)" json:"id"`
	PlayerID   int64             `gorm:"not null;index:idx_transactions_player_id" json:"player_id"`
	Type       TransactionType   `gorm:"type:varchar(16);not null" json:"type"`
	Amount     int64             `gorm:"not null" json:"amount"` // signed, debits negative
	Status     TransactionStatus `gorm:"type:varchar(16);not null;index:idx_transactions_status" json:"status"`
	MatchID    string            `gorm:"type:varchar(64);index:idx_transactions_match_id" json:"match_id,omitempty"`
	Reason     string            `gorm:"type:varchar(255)" json:"reason,omitempty"`
	RetryCount int               `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time         `gorm:"not null;index:idx_transactions_created_at" json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// TableName overrides the table name
func (Transaction) TableName() string {
	return "transactions"
}

var (
	node *snowflake.Node
	once sync.Once
)

func initSnowflake() {
	var err error
	node, err = snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
}

// NewTransaction creates a transaction with a fresh snowflake ID.
func NewTransaction(playerID int64, txType TransactionType, amount int64, matchID, reason string) *Transaction {
	return &Transaction{
		ID:        GenerateTransactionID(),
		PlayerID:  playerID,
		Type:      txType,
		Amount:    amount,
		Status:    StatusPending,
		MatchID:   matchID,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
}

// GenerateTransactionID returns a unique transaction ID.
func GenerateTransactionID() string {
	once.Do(initSnowflake)
	return node.Generate().String()
}
