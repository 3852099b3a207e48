package core

import (
	"fmt"

	"PerpVAMM/internal/errcode"
)

// SequenceValidator enforces gap-free source sequences per partition. Each
// signer is its own partition, so its sequence works as an account nonce.
// Not thread-safe; only the deterministic core touches it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering and advances the
// partition on success.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("partition=%s key=%s expected=%d got=%d: %w",
			partition, idempotencyKey, expected, sourceSequence, errcode.ErrSequenceOutOfOrder)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("partition=%s key=%s expected=%d got=%d: %w",
		partition, idempotencyKey, expected, sourceSequence, errcode.ErrSequenceGap)
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions copies the partition state for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

func (sv *SequenceValidator) Metrics() *SequenceMetrics { return sv.metrics }

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe; only the deterministic core touches it.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}
