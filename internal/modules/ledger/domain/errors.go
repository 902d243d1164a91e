package domain

import "errors"

// Ledger error taxonomy. Validation and funds errors are returned
// synchronously and never leave partial state behind; consistency errors are
// fatal for the affected players until an operator intervenes.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrDuplicateSettlement  = errors.New("match already settled")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrNotInReview          = errors.New("transaction not in review")
	ErrSettlementHalted     = errors.New("settlement halted for player pending investigation")
	ErrConsistency          = errors.New("ledger consistency violation")
)
