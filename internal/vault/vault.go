// Package vault implements the external collateral custody adapter.
// DepositMargin and SettleMargin are the only two operations the Engine and
// Executor are allowed to call; everything else (deposits, withdrawals
// outside of a position lifecycle) is out of scope per spec.md's Non-goals.
//
// The ledger discipline here — an idempotency key per operation, a
// per-account version counter, and an append-only journal — is grounded
// on the exchange-clearing balance repository's Freeze/Unfreeze/Settle
// pattern. MemoryVault serializes writers with a mutex; the version counter
// is advanced on every write but never checked.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"github.com/perpcore/engine/internal/enginerr"
)

// ErrOptimisticLock reports a write against a balance version that a
// concurrent writer already advanced. MemoryVault serializes writers with a
// mutex and never returns it.
var ErrOptimisticLock = errors.New("vault: optimistic lock failed")

// LedgerReason tags why a balance changed, mirroring the exchange-clearing
// ledger's reason codes.
type LedgerReason int

const (
	ReasonDeposit LedgerReason = iota
	ReasonMarginLock
	ReasonMarginRelease
	ReasonSettlePnL
)

// LedgerEntry is an immutable record of one balance mutation.
type LedgerEntry struct {
	LedgerID       string
	IdempotencyKey string
	Trader         string
	Delta          *big.Int // signed
	BalanceAfter   *big.Int
	Reason         LedgerReason
	RefID          string // position/order id this entry settles
}

// Vault is the collateral custody adapter. Implementations must be safe
// for concurrent use.
type Vault interface {
	// DepositMargin locks trader collateral against an open position or
	// order. idempotencyKey deduplicates retried calls for the same
	// logical operation.
	DepositMargin(ctx context.Context, trader string, amount *big.Int, refID, idempotencyKey string) error

	// SettleMargin releases the original margin back to the trader and
	// applies signed pnl on top of it, in one atomic balance update.
	// A negative pnl that exceeds the margin posted is clamped so this
	// settlement credits nothing rather than drawing on the trader's
	// remaining balance. Engine.FinalizeClose already caps pnl at -margin
	// before calling, so the clamp here is a second guard.
	SettleMargin(ctx context.Context, trader string, margin, pnl *big.Int, refID, idempotencyKey string) error

	// Balance returns the trader's current available collateral.
	Balance(ctx context.Context, trader string) (*big.Int, error)
}

type account struct {
	balance *big.Int
	version int64
}

// MemoryVault is an in-memory Vault implementation suitable for testing and
// for deployments where collateral custody is delegated to an external
// settlement system reachable only through this adapter's interface.
type MemoryVault struct {
	mu       sync.Mutex
	accounts map[string]*account
	seenKeys map[string]bool
	ledger   []LedgerEntry
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		accounts: make(map[string]*account),
		seenKeys: make(map[string]bool),
	}
}

// Credit adds collateral to a trader's balance outside of the
// position-lifecycle calls above — used by tests and by an operator-facing
// deposit endpoint that is itself out of this engine's scope.
func (v *MemoryVault) Credit(trader string, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	acc := v.getOrCreate(trader)
	acc.balance.Add(acc.balance, amount)
	acc.version++
}

func (v *MemoryVault) getOrCreate(trader string) *account {
	acc, ok := v.accounts[trader]
	if !ok {
		acc = &account{balance: new(big.Int)}
		v.accounts[trader] = acc
	}
	return acc
}

func (v *MemoryVault) DepositMargin(_ context.Context, trader string, amount *big.Int, refID, idempotencyKey string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.seenKeys[idempotencyKey] {
		return nil // already applied, treat as success
	}

	acc := v.getOrCreate(trader)
	if acc.balance.Cmp(amount) < 0 {
		return fmt.Errorf("lock %s margin for %s: %w", amount, refID, enginerr.ErrInsufficientMargin)
	}

	acc.balance.Sub(acc.balance, amount)
	acc.version++
	v.seenKeys[idempotencyKey] = true
	v.ledger = append(v.ledger, LedgerEntry{
		LedgerID:       uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		Trader:         trader,
		Delta:          new(big.Int).Neg(amount),
		BalanceAfter:   new(big.Int).Set(acc.balance),
		Reason:         ReasonMarginLock,
		RefID:          refID,
	})
	return nil
}

func (v *MemoryVault) SettleMargin(_ context.Context, trader string, margin, pnl *big.Int, refID, idempotencyKey string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.seenKeys[idempotencyKey] {
		return nil
	}

	acc := v.getOrCreate(trader)
	delta := new(big.Int).Add(margin, pnl)

	// A settlement never returns less than nothing: the loss on this one
	// position is bounded by the margin it posted, never by (and never
	// reaching into) the trader's balance from other positions or orders.
	if delta.Sign() < 0 {
		delta = big.NewInt(0)
	}

	acc.balance.Add(acc.balance, delta)
	acc.version++
	v.seenKeys[idempotencyKey] = true
	v.ledger = append(v.ledger, LedgerEntry{
		LedgerID:       uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		Trader:         trader,
		Delta:          delta,
		BalanceAfter:   new(big.Int).Set(acc.balance),
		Reason:         ReasonSettlePnL,
		RefID:          refID,
	})
	return nil
}

func (v *MemoryVault) Balance(_ context.Context, trader string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	acc := v.getOrCreate(trader)
	return new(big.Int).Set(acc.balance), nil
}

// Ledger returns a copy of every ledger entry recorded so far, ordered by
// insertion. Intended for tests and admin inspection endpoints.
func (v *MemoryVault) Ledger() []LedgerEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]LedgerEntry, len(v.ledger))
	copy(out, v.ledger)
	return out
}
