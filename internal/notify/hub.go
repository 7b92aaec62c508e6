// Package notify carries balance-changed notifications from the ledger to
// interested consumers. The payment-confirmation handler and every credit
// deduction publish here; subscribers refresh whatever view of the balance
// they hold. Publication is best-effort and never blocks the money path.
package notify

import (
	"context"
	"sync"
)

// BalanceChanged describes a committed mutation of a principal's counters.
type BalanceChanged struct {
	PrincipalID string `json:"principal_id"`
	General     int    `json:"general"`
	Aux         int    `json:"aux"`
	Cause       string `json:"cause"`
}

// Publisher delivers balance-changed events.
type Publisher interface {
	Publish(ctx context.Context, ev BalanceChanged) error
}

// Memory is an in-process hub for single-node deployments and tests.
type Memory struct {
	mu   sync.RWMutex
	subs []func(BalanceChanged)
}

func NewMemory() *Memory {
	return &Memory{}
}

// Subscribe registers a handler invoked synchronously on every publish.
func (m *Memory) Subscribe(fn func(BalanceChanged)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *Memory) Publish(_ context.Context, ev BalanceChanged) error {
	m.mu.RLock()
	subs := make([]func(BalanceChanged), len(m.subs))
	copy(subs, m.subs)
	m.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

// Discard drops every event. Used where no consumer is wired.
type Discard struct{}

func (Discard) Publish(context.Context, BalanceChanged) error { return nil }

var (
	_ Publisher = (*Memory)(nil)
	_ Publisher = Discard{}
)
