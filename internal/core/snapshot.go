package core

import (
	"fmt"

	"PerpVAMM/internal/history"
	"PerpVAMM/internal/ledger"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// SnapshotState is the full core state at a sequence. It is JSON-encoded
// as-is by the snapshot store.
type SnapshotState struct {
	// Sequence is the last sequenced command; -1 before the first.
	Sequence  int64                  `json:"sequence"`
	StateHash [32]byte               `json:"state_hash"`
	Admin     uuid.UUID              `json:"admin"`
	Params    state.Params           `json:"params"`
	Markets   []state.Market         `json:"markets"`
	Users     []state.User           `json:"users"`
	Balances  map[string]int64       `json:"balances"` // AccountPath -> balance
	// HistoryNextIDs are the next record id per stream.
	HistoryNextIDs  map[history.Kind]uint64 `json:"history_next_ids"`
	SequenceState   map[string]int64        `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string                `json:"idempotency_keys"` // oldest first
}

// LedgerBalances decodes the account paths.
func (s *SnapshotState) LedgerBalances() (map[ledger.AccountKey]int64, error) {
	out := make(map[ledger.AccountKey]int64, len(s.Balances))
	for path, v := range s.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot balance %q: %w", path, err)
		}
		out[key] = v
	}
	return out, nil
}
