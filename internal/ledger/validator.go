package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies every entry of the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateVaults verifies neither vault is overdrawn
func (v *InvariantValidator) ValidateVaults() error {
	for _, key := range []AccountKey{CollateralVault, InsuranceVault} {
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}
