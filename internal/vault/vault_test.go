package vault

import (
	"context"
	"math/big"
	"testing"
)

func TestDepositMargin_LocksFunds(t *testing.T) {
	v := NewMemoryVault()
	v.Credit("alice", big.NewInt(1000))

	if err := v.DepositMargin(context.Background(), "alice", big.NewInt(400), "pos-1", "key-1"); err != nil {
		t.Fatalf("DepositMargin: %v", err)
	}

	bal, _ := v.Balance(context.Background(), "alice")
	if bal.Cmp(big.NewInt(600)) != 0 {
		t.Errorf("balance = %s, want 600", bal)
	}
}

func TestDepositMargin_InsufficientFunds(t *testing.T) {
	v := NewMemoryVault()
	v.Credit("alice", big.NewInt(100))

	err := v.DepositMargin(context.Background(), "alice", big.NewInt(400), "pos-1", "key-1")
	if err == nil {
		t.Fatal("expected insufficient margin error")
	}
}

func TestDepositMargin_IdempotentRetry(t *testing.T) {
	v := NewMemoryVault()
	v.Credit("alice", big.NewInt(1000))

	if err := v.DepositMargin(context.Background(), "alice", big.NewInt(400), "pos-1", "key-1"); err != nil {
		t.Fatalf("DepositMargin: %v", err)
	}
	// Retry with the same idempotency key must not double-charge.
	if err := v.DepositMargin(context.Background(), "alice", big.NewInt(400), "pos-1", "key-1"); err != nil {
		t.Fatalf("DepositMargin retry: %v", err)
	}

	bal, _ := v.Balance(context.Background(), "alice")
	if bal.Cmp(big.NewInt(600)) != 0 {
		t.Errorf("balance = %s, want 600 (no double charge)", bal)
	}
}

func TestSettleMargin_ProfitablePosition(t *testing.T) {
	v := NewMemoryVault()
	v.Credit("alice", big.NewInt(1_000_000_000))
	v.DepositMargin(context.Background(), "alice", big.NewInt(100_000_000), "pos-1", "open-key")

	// size_usd=100_000_000, pnl=+100_000_000: close_margin/vault payout is 200_000_000.
	err := v.SettleMargin(context.Background(), "alice", big.NewInt(100_000_000), big.NewInt(100_000_000), "pos-1", "close-key")
	if err != nil {
		t.Fatalf("SettleMargin: %v", err)
	}

	bal, _ := v.Balance(context.Background(), "alice")
	want := big.NewInt(1_000_000_000 - 100_000_000 + 100_000_000 + 100_000_000)
	if bal.Cmp(want) != 0 {
		t.Errorf("balance = %s, want %s", bal, want)
	}
}

func TestSettleMargin_LossClampedAtZero(t *testing.T) {
	v := NewMemoryVault()
	// No credit: balance starts at zero, margin was locked previously
	// conceptually but balance tracking here only reflects this vault's view.
	err := v.SettleMargin(context.Background(), "bob", big.NewInt(100), big.NewInt(-500), "pos-2", "close-key")
	if err != nil {
		t.Fatalf("SettleMargin: %v", err)
	}

	bal, _ := v.Balance(context.Background(), "bob")
	if bal.Sign() < 0 {
		t.Errorf("balance went negative: %s", bal)
	}
}

// TestSettleMargin_LossClampedAtMarginNotAccountBalance closes a position
// for a total loss while the trader carries collateral for other, unrelated
// positions in the same vault. The clamp must be keyed to this settlement's
// own margin (100), never the account's larger balance (1_000_000) — a
// pnl worse than -margin must not seize collateral belonging to other
// positions/orders.
func TestSettleMargin_LossClampedAtMarginNotAccountBalance(t *testing.T) {
	v := NewMemoryVault()
	v.Credit("carol", big.NewInt(1_000_000))

	err := v.SettleMargin(context.Background(), "carol", big.NewInt(100), big.NewInt(-500), "pos-3", "close-key")
	if err != nil {
		t.Fatalf("SettleMargin: %v", err)
	}

	bal, _ := v.Balance(context.Background(), "carol")
	want := big.NewInt(1_000_000) // delta clamped to 0: nothing added, nothing seized
	if bal.Cmp(want) != 0 {
		t.Errorf("balance = %s, want %s (loss beyond margin must not touch other collateral)", bal, want)
	}
}

func TestLedger_RecordsEntries(t *testing.T) {
	v := NewMemoryVault()
	v.Credit("alice", big.NewInt(1000))
	v.DepositMargin(context.Background(), "alice", big.NewInt(100), "pos-1", "key-1")

	entries := v.Ledger()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].RefID != "pos-1" {
		t.Errorf("RefID = %s, want pos-1", entries[0].RefID)
	}
}
