package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID  // Unique identifier
	BatchID       uuid.UUID  // Groups the entries of one command
	Sequence      int64      // Global command sequence
	DebitAccount  AccountKey // Account receiving debit (balance increases)
	CreditAccount AccountKey // Account receiving credit (balance decreases)
	Amount        int64      // Quote precision token units (ALWAYS positive)
	Authority     uuid.UUID  // Signer of the transfer
	Timestamp     int64      // Command clock, unix seconds
}

// Batch is every transfer made by one command.
type Batch struct {
	BatchID   uuid.UUID
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal moves one positive
// amount from credit to debit, so debits equal credits per entry.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

func (b *Batch) Empty() bool { return len(b.Journals) == 0 }
