package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

var (
	ErrUnauthorizedTransfer = errors.New("transfer not signed by account authority")
	ErrInsufficientFunds    = errors.New("insufficient vault balance")
	ErrInvalidTransfer      = errors.New("invalid transfer")
)

// Ledger owns committed balances. Transfers are staged in a Tx and only
// reach the tracker through Commit, so a failed command leaves no trace.
type Ledger struct {
	tracker   *BalanceTracker
	validator *InvariantValidator
}

func New() *Ledger {
	tracker := NewBalanceTracker()
	return &Ledger{tracker: tracker, validator: NewInvariantValidator(tracker)}
}

func (l *Ledger) Balance(key AccountKey) int64 { return l.tracker.GetBalance(key) }

func (l *Ledger) Tracker() *BalanceTracker { return l.tracker }

// batchNamespace seeds batch ids, which are derived from the command
// sequence so a replay regenerates the same journal ids.
var batchNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("vamm.ledger.batch"))

func deriveID(ns uuid.UUID, n int64) uuid.UUID {
	return uuid.NewSHA1(ns, binary.BigEndian.AppendUint64(nil, uint64(n)))
}

// Begin opens a staging transaction for one command.
func (l *Ledger) Begin(sequence, timestamp int64) *Tx {
	return &Tx{
		ledger: l,
		batch:  &Batch{BatchID: deriveID(batchNamespace, sequence), Sequence: sequence, Timestamp: timestamp},
		delta:  make(map[AccountKey]int64),
	}
}

// Commit applies a staged transaction and re-checks the ledger invariants.
func (l *Ledger) Commit(tx *Tx) error {
	if tx.batch.Empty() {
		return nil
	}
	if err := l.validator.ValidateBatchBalance(tx.batch); err != nil {
		return err
	}
	if err := l.tracker.ApplyBatch(tx.batch); err != nil {
		return err
	}
	if err := l.validator.ValidateVaults(); err != nil {
		return err
	}
	return l.validator.ValidateGlobalBalance()
}

// Restore replaces committed balances from a snapshot.
func (l *Ledger) Restore(balances map[AccountKey]int64) {
	for k, v := range balances {
		l.tracker.SetBalance(k, v)
	}
}

// Tx is a set of pending transfers. It satisfies clearing.Custody.
type Tx struct {
	ledger *Ledger
	batch  *Batch
	delta  map[AccountKey]int64
}

// Transfer moves amount from one account to another. Only the account's
// authority may debit it and vaults can never be overdrawn.
func (tx *Tx) Transfer(from, to AccountKey, authority uuid.UUID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if amount > math.MaxInt64 || from == to {
		return fmt.Errorf("%s -> %s amount %d: %w", from, to, amount, ErrInvalidTransfer)
	}
	if authority != from.Authority() {
		return fmt.Errorf("%s signed by %s: %w", from, authority, ErrUnauthorizedTransfer)
	}
	if from.IsVault() && tx.Balance(from) < int64(amount) {
		return fmt.Errorf("%s has %d, need %d: %w", from, tx.Balance(from), amount, ErrInsufficientFunds)
	}

	tx.batch.Journals = append(tx.batch.Journals, Journal{
		JournalID:     deriveID(tx.batch.BatchID, int64(len(tx.batch.Journals))),
		BatchID:       tx.batch.BatchID,
		Sequence:      tx.batch.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		Amount:        int64(amount),
		Authority:     authority,
		Timestamp:     tx.batch.Timestamp,
	})
	tx.delta[to] += int64(amount)
	tx.delta[from] -= int64(amount)
	return nil
}

// Balance is the committed balance plus everything staged so far.
func (tx *Tx) Balance(key AccountKey) int64 {
	return tx.ledger.tracker.GetBalance(key) + tx.delta[key]
}

// VaultBalance reports a vault balance as token units.
func (tx *Tx) VaultBalance(key AccountKey) uint64 {
	b := tx.Balance(key)
	if b < 0 {
		return 0
	}
	return uint64(b)
}

func (tx *Tx) Batch() *Batch { return tx.batch }
