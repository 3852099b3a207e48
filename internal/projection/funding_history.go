package projection

import (
	fpmath "PerpVAMM/internal/math"

	"github.com/google/uuid"
)

// FundingHistoryEntry is one settled funding payment of a user.
type FundingHistoryEntry struct {
	RecordID        uint64      `json:"record_id"`
	User            uuid.UUID   `json:"user"`
	MarketIndex     uint64      `json:"market_index"`
	Payment         fpmath.I128 `json:"payment"` // signed for the user, quote precision
	BaseAssetAmount fpmath.I128 `json:"base_asset_amount"`
	Timestamp       int64       `json:"timestamp"`
}

// FundingHistoryProjection keeps the newest funding payments per user.
// Not thread-safe; the View guards it.
type FundingHistoryProjection struct {
	perUser  int
	byUserID map[uuid.UUID][]FundingHistoryEntry
}

func NewFundingHistoryProjection(perUser int) *FundingHistoryProjection {
	if perUser <= 0 {
		perUser = 256
	}
	return &FundingHistoryProjection{
		perUser:  perUser,
		byUserID: make(map[uuid.UUID][]FundingHistoryEntry),
	}
}

// AddEntry records a funding payment, dropping the user's oldest beyond the cap.
func (p *FundingHistoryProjection) AddEntry(entry FundingHistoryEntry) {
	entries := append(p.byUserID[entry.User], entry)
	if len(entries) > p.perUser {
		entries = entries[len(entries)-p.perUser:]
	}
	p.byUserID[entry.User] = entries
}

// QueryByUser returns up to limit payments for a user, newest first.
func (p *FundingHistoryProjection) QueryByUser(userID uuid.UUID, limit int) []FundingHistoryEntry {
	entries := p.byUserID[userID]
	result := make([]FundingHistoryEntry, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, entries[i])
	}
	return result
}

// Forget drops a deleted user's history.
func (p *FundingHistoryProjection) Forget(userID uuid.UUID) {
	delete(p.byUserID, userID)
}
