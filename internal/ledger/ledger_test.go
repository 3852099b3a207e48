package ledger_test

import (
	"errors"
	"testing"

	"PerpVAMM/internal/ledger"

	"github.com/google/uuid"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.Wallet(userID)

	path := key.AccountPath()
	expected := "wallet:550e8400-e29b-41d4-a716-446655440000"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
	if key.Authority() != userID {
		t.Errorf("wallet authority should be its owner")
	}
}

func TestAccountKey_VaultPath(t *testing.T) {
	if got := ledger.CollateralVault.AccountPath(); got != "vault:collateral" {
		t.Errorf("got %q, want %q", got, "vault:collateral")
	}
	if got := ledger.InsuranceVault.AccountPath(); got != "vault:insurance" {
		t.Errorf("got %q, want %q", got, "vault:insurance")
	}
	if ledger.InsuranceVault.Authority() != ledger.VaultAuthority {
		t.Error("vaults are signed by the vault authority")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	for _, key := range []ledger.AccountKey{
		ledger.Wallet(uuid.New()),
		ledger.CollateralVault,
		ledger.InsuranceVault,
	} {
		got, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", key, err)
		}
		if got != key {
			t.Errorf("got %v, want %v", got, key)
		}
	}

	if _, err := ledger.ParseAccountPath("system:fees"); err == nil {
		t.Error("unknown path should fail")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if balance := bt.GetBalance(ledger.Wallet(uuid.New())); balance != 0 {
		t.Errorf("initial balance should be 0, got %d", balance)
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	user := ledger.Wallet(uuid.New())
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{JournalID: uuid.New(), BatchID: batchID, DebitAccount: ledger.CollateralVault, CreditAccount: user, Amount: 500},
			{JournalID: uuid.New(), BatchID: batchID, DebitAccount: ledger.InsuranceVault, CreditAccount: ledger.CollateralVault, Amount: 20},
		},
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := bt.GetBalance(user); got != -500 {
		t.Errorf("wallet: got %d, want -500", got)
	}
	if got := bt.GetBalance(ledger.CollateralVault); got != 480 {
		t.Errorf("collateral vault: got %d, want 480", got)
	}
	if got := bt.ComputeGlobalBalance(); got != 0 {
		t.Errorf("ledger should be zero-sum, got %d", got)
	}
}

func TestBatchValidate(t *testing.T) {
	batchID := uuid.New()
	user := ledger.Wallet(uuid.New())

	tests := []struct {
		name    string
		journal ledger.Journal
		wantErr bool
	}{
		{"valid", ledger.Journal{BatchID: batchID, DebitAccount: ledger.CollateralVault, CreditAccount: user, Amount: 1}, false},
		{"zero amount", ledger.Journal{BatchID: batchID, DebitAccount: ledger.CollateralVault, CreditAccount: user}, true},
		{"negative amount", ledger.Journal{BatchID: batchID, DebitAccount: ledger.CollateralVault, CreditAccount: user, Amount: -5}, true},
		{"self transfer", ledger.Journal{BatchID: batchID, DebitAccount: user, CreditAccount: user, Amount: 5}, true},
		{"mismatched batch", ledger.Journal{BatchID: uuid.New(), DebitAccount: ledger.CollateralVault, CreditAccount: user, Amount: 5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{tt.journal}}
			err := b.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ============================================================================
// Test: Custody transactions
// ============================================================================

func TestTx_StagesUntilCommit(t *testing.T) {
	l := ledger.New()
	owner := uuid.New()

	tx := l.Begin(1, 100)
	if err := tx.Transfer(ledger.Wallet(owner), ledger.CollateralVault, owner, 1_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := tx.VaultBalance(ledger.CollateralVault); got != 1_000 {
		t.Errorf("staged vault balance: got %d, want 1000", got)
	}
	if got := l.Balance(ledger.CollateralVault); got != 0 {
		t.Errorf("uncommitted transfer leaked: %d", got)
	}

	if err := l.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := l.Balance(ledger.CollateralVault); got != 1_000 {
		t.Errorf("committed vault balance: got %d, want 1000", got)
	}
}

func TestTx_RequiresAuthority(t *testing.T) {
	l := ledger.New()
	owner := uuid.New()

	tx := l.Begin(1, 100)
	err := tx.Transfer(ledger.Wallet(owner), ledger.CollateralVault, uuid.New(), 10)
	if !errors.Is(err, ledger.ErrUnauthorizedTransfer) {
		t.Errorf("expected ErrUnauthorizedTransfer, got %v", err)
	}

	err = tx.Transfer(ledger.CollateralVault, ledger.Wallet(owner), owner, 10)
	if !errors.Is(err, ledger.ErrUnauthorizedTransfer) {
		t.Errorf("vault debit signed by a user: expected ErrUnauthorizedTransfer, got %v", err)
	}
}

func TestTx_VaultCannotOverdraw(t *testing.T) {
	l := ledger.New()
	owner := uuid.New()

	tx := l.Begin(1, 100)
	if err := tx.Transfer(ledger.Wallet(owner), ledger.CollateralVault, owner, 50); err != nil {
		t.Fatal(err)
	}
	err := tx.Transfer(ledger.CollateralVault, ledger.Wallet(owner), ledger.VaultAuthority, 51)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := tx.Transfer(ledger.CollateralVault, ledger.InsuranceVault, ledger.VaultAuthority, 50); err != nil {
		t.Errorf("exact balance should move: %v", err)
	}
}

func TestTx_ZeroAmountIsNoop(t *testing.T) {
	l := ledger.New()
	tx := l.Begin(1, 100)
	if err := tx.Transfer(ledger.CollateralVault, ledger.InsuranceVault, ledger.VaultAuthority, 0); err != nil {
		t.Fatalf("zero transfer: %v", err)
	}
	if !tx.Batch().Empty() {
		t.Error("zero transfer should not journal")
	}
}
