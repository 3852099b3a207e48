package state

import (
	"encoding/binary"
	"fmt"

	"PerpVAMM/internal/errcode"
	fpmath "PerpVAMM/internal/math"
)

// MaxPositions is the number of position slots per user.
const MaxPositions = 5

// MarketPosition is one slot of a user's positions. A slot with zero base and
// no open orders is free and may be rebound to another market.
type MarketPosition struct {
	MarketIndex               uint64      `json:"market_index"`
	BaseAssetAmount           fpmath.I128 `json:"base_asset_amount"`
	QuoteAssetAmount          fpmath.U128 `json:"quote_asset_amount"`           // entry notional
	LastCumulativeFundingRate fpmath.I128 `json:"last_cumulative_funding_rate"`
	LastFundingRateTs         int64       `json:"last_funding_rate_ts"`
	OpenOrders                uint64      `json:"open_orders"`
}

func (p MarketPosition) IsOpenPosition() bool { return !p.BaseAssetAmount.IsZero() }

func (p MarketPosition) IsAvailable() bool {
	return !p.IsOpenPosition() && p.OpenOrders == 0
}

func (p MarketPosition) IsFor(marketIndex uint64) bool {
	return p.MarketIndex == marketIndex && !p.IsAvailable()
}

// IsLong reports the side of an open position.
func (p MarketPosition) IsLong() bool { return p.BaseAssetAmount.IsPositive() }

func (p MarketPosition) appendBytes(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, p.MarketIndex)
	buf = p.BaseAssetAmount.AppendBytes(buf)
	buf = p.QuoteAssetAmount.AppendBytes(buf)
	buf = p.LastCumulativeFundingRate.AppendBytes(buf)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.LastFundingRateTs))
	return binary.BigEndian.AppendUint64(buf, p.OpenOrders)
}

// Positions is the fixed array of position slots owned by a user.
type Positions [MaxPositions]MarketPosition

// Find returns the slot bound to marketIndex.
func (ps *Positions) Find(marketIndex uint64) (int, bool) {
	for i := range ps {
		if ps[i].IsFor(marketIndex) {
			return i, true
		}
	}
	return 0, false
}

// Get returns the slot bound to marketIndex or UserHasNoPositionInMarket.
func (ps *Positions) Get(marketIndex uint64) (int, error) {
	if i, ok := ps.Find(marketIndex); ok {
		return i, nil
	}
	return 0, fmt.Errorf("market %d: %w", marketIndex, errcode.ErrUserHasNoPositionInMarket)
}

// GetOrAdd returns the bound slot, or binds the first free slot to the market.
// The cumulative funding rate is seeded so a fresh position owes nothing.
func (ps *Positions) GetOrAdd(marketIndex uint64, cumulativeFundingRate fpmath.I128) (int, error) {
	if i, ok := ps.Find(marketIndex); ok {
		return i, nil
	}
	for i := range ps {
		if ps[i].IsAvailable() {
			ps[i] = MarketPosition{
				MarketIndex:               marketIndex,
				LastCumulativeFundingRate: cumulativeFundingRate,
			}
			return i, nil
		}
	}
	return 0, errcode.ErrMaxNumberOfPositions
}

// HasOpenPosition reports whether any slot holds base.
func (ps *Positions) HasOpenPosition() bool {
	for i := range ps {
		if ps[i].IsOpenPosition() {
			return true
		}
	}
	return false
}
