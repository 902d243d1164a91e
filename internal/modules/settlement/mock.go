package settlement

import (
	"context"
	"sync"

	"github.com/frankieli/carrom_arena/internal/modules/ledger/domain"
)

// MockAdapter implements Adapter with deterministic, scriptable outcomes.
type MockAdapter struct {
	mu       sync.Mutex
	defaultO Outcome
	byID     map[string]Outcome
	calls    []string
}

// NewMockAdapter creates a mock adapter that approves everything by default.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		defaultO: Outcome{Success: true},
		byID:     make(map[string]Outcome),
	}
}

// SetDefault sets the outcome returned for transactions without a scripted one.
func (m *MockAdapter) SetDefault(o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultO = o
}

// Script fixes the outcome for a specific transaction ID.
func (m *MockAdapter) Script(txID string, o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[txID] = o
}

// Attempt returns the scripted outcome and records the call.
func (m *MockAdapter) Attempt(ctx context.Context, tx *domain.Transaction) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, tx.ID)
	if o, ok := m.byID[tx.ID]; ok {
		return o
	}
	return m.defaultO
}

// Calls returns the transaction IDs attempted so far, in order.
func (m *MockAdapter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}
