package state

import (
	"encoding/binary"
	"fmt"
	"sort"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/errcode"
	fpmath "PerpVAMM/internal/math"
)

// MaxMarkets bounds the market index space.
const MaxMarkets = 64

// Market is one perpetual market: its curve plus the aggregate exposure of
// every user position in it.
type Market struct {
	Index       uint64 `json:"index"`
	Initialized bool   `json:"initialized"`

	BaseAssetAmountLong  fpmath.I128 `json:"base_asset_amount_long"`
	BaseAssetAmountShort fpmath.I128 `json:"base_asset_amount_short"`
	BaseAssetAmount      fpmath.I128 `json:"base_asset_amount"`       // net
	OpenInterest         fpmath.U128 `json:"open_interest"`           // users with a position

	MarginRatioInitial     uint64 `json:"margin_ratio_initial"`
	MarginRatioPartial     uint64 `json:"margin_ratio_partial"`
	MarginRatioMaintenance uint64 `json:"margin_ratio_maintenance"`

	AMM amm.AMM `json:"amm"`
}

// MarginRatio returns the market's ratio for the requested requirement.
func (m Market) MarginRatio(t MarginRequirementType) uint64 {
	switch t {
	case MarginRequirementInitial:
		return m.MarginRatioInitial
	case MarginRequirementPartial:
		return m.MarginRatioPartial
	default:
		return m.MarginRatioMaintenance
	}
}

// ApplyBaseAssetDelta moves the long or short aggregate depending on which
// side of zero the affected position sits.
func (m Market) ApplyBaseAssetDelta(delta fpmath.I128, long bool) (Market, error) {
	var c fpmath.Checked
	m.BaseAssetAmount = c.AddI(m.BaseAssetAmount, delta)
	if long {
		m.BaseAssetAmountLong = c.AddI(m.BaseAssetAmountLong, delta)
	} else {
		m.BaseAssetAmountShort = c.AddI(m.BaseAssetAmountShort, delta)
	}
	return m, c.Err()
}

// AppendBytes writes a deterministic encoding of the market for state hashing.
func (m Market) AppendBytes(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, m.Index)
	buf = m.BaseAssetAmountLong.AppendBytes(buf)
	buf = m.BaseAssetAmountShort.AppendBytes(buf)
	buf = m.BaseAssetAmount.AppendBytes(buf)
	buf = m.OpenInterest.AppendBytes(buf)
	buf = binary.BigEndian.AppendUint64(buf, m.MarginRatioInitial)
	buf = binary.BigEndian.AppendUint64(buf, m.MarginRatioPartial)
	buf = binary.BigEndian.AppendUint64(buf, m.MarginRatioMaintenance)

	a := m.AMM
	for _, u := range []fpmath.U128{
		a.BaseAssetReserve, a.QuoteAssetReserve, a.SqrtK, a.PegMultiplier,
		a.LastMarkPriceTwap, a.TotalFee, a.TotalFeeMinusDistributions, a.TotalFeeWithdrawn,
		a.MinimumBaseAssetTradeSize, a.MinimumQuoteAssetTradeSize,
	} {
		buf = u.AppendBytes(buf)
	}
	for _, i := range []fpmath.I128{
		a.CumulativeFundingRateLong, a.CumulativeFundingRateShort, a.LastFundingRate,
		a.LastOraclePrice, a.LastOraclePriceTwap, a.NetRevenueSinceLastFunding,
	} {
		buf = i.AppendBytes(buf)
	}
	for _, ts := range []int64{a.LastFundingRateTs, a.FundingPeriod, a.LastOraclePriceTwapTs, a.LastMarkPriceTwapTs} {
		buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	}
	buf = binary.BigEndian.AppendUint16(buf, a.BaseSpread)
	buf = append(buf, a.Oracle...)
	return append(buf, string(a.OracleSource)...)
}

// Markets is the slot map of markets keyed by index. The zero value is empty
// and ready to use.
type Markets struct {
	byIndex map[uint64]Market
	touched map[uint64]struct{}
}

func NewMarkets() *Markets {
	return &Markets{byIndex: make(map[uint64]Market)}
}

// Get returns an initialized market by value.
func (ms *Markets) Get(index uint64) (Market, error) {
	m, ok := ms.byIndex[index]
	if !ok || !m.Initialized {
		return Market{}, fmt.Errorf("market %d: %w", index, errcode.ErrMarketIndexNotInitialized)
	}
	return m, nil
}

// Init stores a freshly initialized market in an empty slot.
func (ms *Markets) Init(m Market) error {
	if m.Index >= MaxMarkets {
		return fmt.Errorf("market %d out of range: %w", m.Index, errcode.ErrInvalidMarketParams)
	}
	if existing, ok := ms.byIndex[m.Index]; ok && existing.Initialized {
		return fmt.Errorf("market %d: %w", m.Index, errcode.ErrMarketIndexAlreadyInit)
	}
	if ms.byIndex == nil {
		ms.byIndex = make(map[uint64]Market)
	}
	m.Initialized = true
	ms.byIndex[m.Index] = m
	ms.touch(m.Index)
	return nil
}

// Set commits an updated market. The slot must already be initialized.
func (ms *Markets) Set(m Market) error {
	if _, err := ms.Get(m.Index); err != nil {
		return err
	}
	ms.byIndex[m.Index] = m
	ms.touch(m.Index)
	return nil
}

func (ms *Markets) touch(index uint64) {
	if ms.touched == nil {
		ms.touched = make(map[uint64]struct{})
	}
	ms.touched[index] = struct{}{}
}

// Touched lists the market indexes written since the copy was made.
func (ms *Markets) Touched() []uint64 {
	out := make([]uint64, 0, len(ms.touched))
	for i := range ms.touched {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// All returns every initialized market in index order.
func (ms *Markets) All() []Market {
	out := make([]Market, 0, len(ms.byIndex))
	for _, m := range ms.byIndex {
		if m.Initialized {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (ms *Markets) Len() int { return len(ms.byIndex) }

// Clone returns an independent copy. Market holds no pointers, so a shallow
// map copy is enough.
func (ms *Markets) Clone() *Markets {
	out := &Markets{byIndex: make(map[uint64]Market, len(ms.byIndex))}
	for k, v := range ms.byIndex {
		out.byIndex[k] = v
	}
	return out
}

// MarketsFrom rebuilds the slot map from a snapshot.
func MarketsFrom(markets []Market) *Markets {
	ms := &Markets{byIndex: make(map[uint64]Market, len(markets))}
	for _, m := range markets {
		ms.byIndex[m.Index] = m
	}
	return ms
}
