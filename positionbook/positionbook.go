// Package positionbook holds every sub-account's positions, cash balance,
// and cached risk rules behind a single RWMutex-guarded map, the way
// backend/bbook/engine.go holds accounts and positions behind Engine.mu —
// generalized here to one Entry per sub-account instead of three parallel
// maps (accounts/positions/orders), since the liquidation engine only ever
// needs "everything for this sub-account" as a unit.
package positionbook

import (
	"errors"
	"sync"

	"github.com/quantedge/liqengine/domain"
)

var ErrUnknownAccount = errors.New("positionbook: unknown sub-account")

// Book is the PositionBook collaborator from spec.md §6.
type Book struct {
	mu      sync.RWMutex
	entries map[string]*domain.Entry
}

func New() *Book {
	return &Book{entries: make(map[string]*domain.Entry)}
}

// Open registers a new sub-account, or resets an existing one to the given
// state. Intended for test setup and the demo binary's seed data.
func (b *Book) Open(account domain.Account, rules domain.Rules) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[account.ID] = &domain.Entry{
		Account:   account,
		Positions: make(map[string]*domain.Position),
		Rules:     rules,
	}
}

// LoadEntry is one sub-account's starting state for a bulk Load call.
type LoadEntry struct {
	Account domain.Account
	Rules   domain.Rules
}

// Load bulk-registers sub-accounts under a single lock acquisition, e.g. at
// startup when the book is populated from whatever durable store sits
// upstream of it. Each entry is installed exactly as Open would install it.
func (b *Book) Load(entries []LoadEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, le := range entries {
		b.entries[le.Account.ID] = &domain.Entry{
			Account:   le.Account,
			Positions: make(map[string]*domain.Position),
			Rules:     le.Rules,
		}
	}
}

// Delete removes a sub-account from the book entirely. This is the
// cancellation mechanism from spec.md §5: a caller that wants to stop
// evaluations for a sub-account deletes its entry, and the next
// EvaluateAccount call for that id returns at step 1 (unknown account).
func (b *Book) Delete(subAccountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, subAccountID)
}

// Snapshot returns a deep-enough copy of one sub-account's entry so the
// caller can read it without holding the book's lock across a longer
// operation (evaluation, pre-trade validation).
func (b *Book) Snapshot(subAccountID string) (*domain.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[subAccountID]
	if !ok {
		return nil, ErrUnknownAccount
	}
	return e.Clone(), nil
}

// SubAccountIDs returns every known sub-account id, for the engine's tick
// loop to iterate over.
func (b *Book) SubAccountIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	return ids
}

// SetStatus transitions a sub-account's lifecycle status. The engine is the
// only caller that should ever move an account to StatusLiquidated.
func (b *Book) SetStatus(subAccountID string, status domain.AccountStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[subAccountID]
	if !ok {
		return ErrUnknownAccount
	}
	e.Account.Status = status
	return nil
}

// SetRules overwrites the cached rules for a sub-account, e.g. after a
// successful RulesProvider fetch.
func (b *Book) SetRules(subAccountID string, rules domain.Rules) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[subAccountID]
	if !ok {
		return ErrUnknownAccount
	}
	e.Rules = rules
	return nil
}

// AddPosition inserts or overwrites a position for a sub-account.
func (b *Book) AddPosition(subAccountID string, pos *domain.Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[subAccountID]
	if !ok {
		return ErrUnknownAccount
	}
	e.Positions[pos.ID] = pos
	return nil
}

// RemovePosition deletes a position, e.g. after the gateway confirms a
// close. A no-op if the position is already gone.
func (b *Book) RemovePosition(subAccountID, positionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[subAccountID]
	if !ok {
		return ErrUnknownAccount
	}
	delete(e.Positions, positionID)
	return nil
}

// ReducePosition applies the given mutation to one position in place under
// the book's lock, e.g. to scale its quantity and notional down after a
// partial ADL close. A no-op if the position is already gone.
func (b *Book) ReducePosition(subAccountID, positionID string, survivorFraction func(*domain.Position)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[subAccountID]
	if !ok {
		return ErrUnknownAccount
	}
	pos, ok := e.Positions[positionID]
	if !ok {
		return nil
	}
	survivorFraction(pos)
	return nil
}

// AdjustBalance applies a realized P&L delta to a sub-account's cash
// balance, e.g. after a position close settles.
func (b *Book) AdjustBalance(subAccountID string, delta func(*domain.Account)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[subAccountID]
	if !ok {
		return ErrUnknownAccount
	}
	delta(&e.Account)
	return nil
}
