// Package settlement defines the pluggable adapter boundary toward external
// payment and bank-transfer providers. The ledger only sees a success/failure
// outcome; the real network integration lives behind this interface.
package settlement

import (
	"context"

	"github.com/frankieli/carrom_arena/internal/modules/ledger/domain"
)

// Outcome is the result of one external settlement attempt.
type Outcome struct {
	Success bool
	Reason  string
}

// Adapter attempts external settlement for deposit and withdrawal
// transactions. Internal bet/win/fee postings never reach the adapter.
// Attempt must not block beyond the context deadline; the ledger keeps the
// transaction pending and re-drives it on a later tick.
type Adapter interface {
	Attempt(ctx context.Context, tx *domain.Transaction) Outcome
}
