package state

import (
	"testing"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/errcode"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reserve = fpmath.MustU128("10000000000000000000")

func quote(units uint64) fpmath.U128 {
	return fpmath.NewU128(units * fpmath.QuotePrecision)
}

func newMarket(index uint64) Market {
	return Market{
		Index:                  index,
		MarginRatioInitial:     DefaultMarginRatios.Initial,
		MarginRatioPartial:     DefaultMarginRatios.Partial,
		MarginRatioMaintenance: DefaultMarginRatios.Maintenance,
		AMM: amm.AMM{
			BaseAssetReserve:           reserve,
			QuoteAssetReserve:          reserve,
			SqrtK:                      reserve,
			PegMultiplier:              fpmath.NewU128(1_000),
			FundingPeriod:              fpmath.OneHour,
			LastMarkPriceTwap:          fpmath.MarkPricePrecisionU,
			MinimumBaseAssetTradeSize:  fpmath.NewU128(fpmath.DefaultMinimumTradeSize),
			MinimumQuoteAssetTradeSize: fpmath.NewU128(fpmath.DefaultMinimumTradeSize),
		},
	}
}

func newMarkets(t *testing.T, ms ...Market) *Markets {
	t.Helper()
	out := NewMarkets()
	for _, m := range ms {
		require.NoError(t, out.Init(m))
	}
	return out
}

func newUser(collateral uint64) User {
	u := NewUser(uuid.New())
	u.Collateral = quote(collateral)
	return u
}

// openLong increases a fresh position and commits the result to markets.
func openLong(t *testing.T, user User, markets *Markets, marketIndex uint64, q fpmath.U128) User {
	t.Helper()
	m, err := markets.Get(marketIndex)
	require.NoError(t, err)
	idx, err := user.Positions.GetOrAdd(marketIndex, m.AMM.CumulativeFundingRateLong)
	require.NoError(t, err)
	res, err := IncreasePosition(user, idx, m, amm.Long, q, 1, nil)
	require.NoError(t, err)
	require.NoError(t, markets.Set(res.Market))
	return res.User
}

// ============================================================================
// Registries
// ============================================================================

func TestMarkets_InitTwice(t *testing.T) {
	ms := newMarkets(t, newMarket(0))
	err := ms.Init(newMarket(0))
	assert.ErrorIs(t, err, errcode.ErrMarketIndexAlreadyInit)

	_, err = ms.Get(1)
	assert.ErrorIs(t, err, errcode.ErrMarketIndexNotInitialized)
}

func TestMarkets_CloneIsIndependent(t *testing.T) {
	ms := newMarkets(t, newMarket(0))
	clone := ms.Clone()

	m, _ := clone.Get(0)
	m.OpenInterest = fpmath.NewU128(7)
	require.NoError(t, clone.Set(m))

	orig, _ := ms.Get(0)
	assert.True(t, orig.OpenInterest.IsZero())
}

func TestUsers_CreateAndDelete(t *testing.T) {
	us := NewUsers()
	u, err := us.Create(uuid.New())
	require.NoError(t, err)

	_, err = us.Create(u.Authority)
	assert.ErrorIs(t, err, errcode.ErrUserAlreadyExists)

	u.Collateral = quote(1)
	require.NoError(t, us.Set(u))
	assert.ErrorIs(t, us.Delete(u.Authority), errcode.ErrUserCantBeClosed)

	u.Collateral = fpmath.U128Zero
	require.NoError(t, us.Set(u))
	require.NoError(t, us.Delete(u.Authority))
	assert.Equal(t, 0, us.Len())
}

func TestPositions_SlotLimit(t *testing.T) {
	var ps Positions
	for i := uint64(0); i < MaxPositions; i++ {
		idx, err := ps.GetOrAdd(i, fpmath.I128Zero)
		require.NoError(t, err)
		ps[idx].BaseAssetAmount = fpmath.NewI128(1)
	}
	_, err := ps.GetOrAdd(MaxPositions, fpmath.I128Zero)
	assert.ErrorIs(t, err, errcode.ErrMaxNumberOfPositions)

	// An existing binding is returned, not duplicated.
	idx, err := ps.GetOrAdd(2, fpmath.I128Zero)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}

func TestUser_FreeOrderSlot(t *testing.T) {
	u := NewUser(uuid.New())
	for i := range u.Orders {
		u.Orders[i].Status = OrderStatusOpen
	}
	_, err := u.FreeOrderSlot()
	assert.ErrorIs(t, err, errcode.ErrMaxNumberOfOrders)
}

func TestParams_Validate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	p := DefaultParams()
	p.MarginRatios.Maintenance = p.MarginRatios.Initial + 1
	assert.ErrorIs(t, p.Validate(), errcode.ErrInvalidMarketParams)

	p = DefaultParams()
	p.Fees.FeeDenominator = 0
	assert.ErrorIs(t, p.Validate(), errcode.ErrInvalidMarketParams)

	assert.Equal(t, uint64(5), DefaultMarginRatios.MaxLeverage())
}

// ============================================================================
// Position controller
// ============================================================================

func TestIncreaseThenClose_RoundTrip(t *testing.T) {
	markets := newMarkets(t, newMarket(0))
	user := openLong(t, newUser(1_000), markets, 0, quote(100))

	pos := user.Positions[0]
	assert.True(t, pos.IsLong())
	assert.True(t, pos.QuoteAssetAmount.Eq(quote(100)))

	m, _ := markets.Get(0)
	assert.Equal(t, "1", m.OpenInterest.String())
	assert.True(t, m.BaseAssetAmount.Eq(pos.BaseAssetAmount))
	assert.True(t, m.BaseAssetAmountLong.Eq(pos.BaseAssetAmount))

	res, err := ClosePosition(user, 0, m, 2, nil)
	require.NoError(t, err)

	// Rounding always favours the curve.
	assert.False(t, res.Pnl.IsPositive())
	assert.True(t, res.User.Collateral.Lte(quote(1_000)))
	assert.True(t, res.User.Collateral.Gte(quote(999)))
	assert.True(t, res.Market.OpenInterest.IsZero())
	assert.True(t, res.Market.BaseAssetAmount.IsZero())
	assert.True(t, res.User.Positions[0].IsAvailable())
}

func TestReducePosition_RealizesShareOfEntry(t *testing.T) {
	markets := newMarkets(t, newMarket(0))
	user := openLong(t, newUser(1_000), markets, 0, quote(100))
	m, _ := markets.Get(0)

	res, err := ReducePosition(user, 0, m, amm.Short, quote(50), 2, nil)
	require.NoError(t, err)

	pos := res.User.Positions[0]
	assert.True(t, pos.IsLong(), "half the position remains")
	assert.True(t, res.BaseAssetAmount.IsNegative())
	// Entry notional shrinks in proportion to the base swapped out.
	assert.True(t, pos.QuoteAssetAmount.Lt(quote(51)))
	assert.True(t, pos.QuoteAssetAmount.Gt(quote(49)))
	assert.Equal(t, "1", res.Market.OpenInterest.String())
}

func TestIncreaseWithBase_Short(t *testing.T) {
	markets := newMarkets(t, newMarket(0))
	m, _ := markets.Get(0)
	user := newUser(1_000)
	base := fpmath.NewU128(10 * fpmath.AMMReservePrecision)

	res, err := IncreasePositionWithBase(user, 0, m, amm.Short, base, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "-"+base.String(), res.User.Positions[0].BaseAssetAmount.String())
	assert.True(t, res.Market.BaseAssetAmountShort.IsNegative())
	assert.True(t, res.Market.BaseAssetAmountLong.IsZero())
	// Selling 10 base at a mark of 1.0 yields just under 10 quote.
	assert.True(t, res.QuoteAssetAmount.Lt(quote(10)))
	assert.True(t, res.QuoteAssetAmount.Gt(quote(9)))
}

func TestIncreasePosition_SpreadCreditsFees(t *testing.T) {
	m := newMarket(0)
	m.AMM.BaseSpread = 100 // 1%
	markets := newMarkets(t, m)
	user := openLong(t, newUser(1_000), markets, 0, quote(100))

	got, _ := markets.Get(0)
	assert.False(t, got.AMM.TotalFee.IsZero())
	assert.True(t, got.AMM.TotalFee.Eq(got.AMM.TotalFeeMinusDistributions))

	value, err := amm.BaseAssetValue(user.Positions[0].BaseAssetAmount, got.AMM)
	require.NoError(t, err)
	assert.True(t, value.Lt(quote(100)), "spread makes the entry worth less than paid")
}

// ============================================================================
// Margin
// ============================================================================

func TestMarginRatio_NoPositions(t *testing.T) {
	markets := newMarkets(t, newMarket(0))
	r, err := CalculateMarginRatio(newUser(10), markets)
	require.NoError(t, err)
	assert.True(t, r.Ratio.Eq(fpmath.MaxU128))
	assert.True(t, r.TotalCollateral.Eq(quote(10)))

	ok, err := MeetsInitialMarginRequirement(newUser(0), markets)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarginRequirements_Ordering(t *testing.T) {
	markets := newMarkets(t, newMarket(0), newMarket(1))
	user := openLong(t, newUser(1_000), markets, 0, quote(300))
	user = openLong(t, user, markets, 1, quote(200))

	initial, err := CalculateMarginRequirement(user, markets, MarginRequirementInitial)
	require.NoError(t, err)
	partial, err := CalculateMarginRequirement(user, markets, MarginRequirementPartial)
	require.NoError(t, err)
	maintenance, err := CalculateMarginRequirement(user, markets, MarginRequirementMaintenance)
	require.NoError(t, err)

	assert.True(t, maintenance.Lte(partial))
	assert.True(t, partial.Lte(initial))

	free, _, err := CalculateFreeCollateral(user, markets, nil)
	require.NoError(t, err)
	r, err := CalculateMarginRatio(user, markets)
	require.NoError(t, err)
	want, err := r.TotalCollateral.Sub(initial)
	require.NoError(t, err)
	assert.True(t, free.Eq(want))

	closing := uint64(0)
	freeAfterClose, closedValue, err := CalculateFreeCollateral(user, markets, &closing)
	require.NoError(t, err)
	assert.True(t, freeAfterClose.Gt(free))
	assert.False(t, closedValue.IsZero())
}

func TestMeetsInitialMarginRequirement(t *testing.T) {
	markets := newMarkets(t, newMarket(0))
	// 20% initial: 100 collateral supports 500 notional, not 600.
	user := openLong(t, newUser(100), markets, 0, quote(450))
	ok, err := MeetsInitialMarginRequirement(user, markets)
	require.NoError(t, err)
	assert.True(t, ok)

	user = openLong(t, user, markets, 0, quote(150))
	ok, err = MeetsInitialMarginRequirement(user, markets)
	require.NoError(t, err)
	assert.False(t, ok)
}

// ============================================================================
// Liquidation
// ============================================================================

func TestLiquidationStatus_Classification(t *testing.T) {
	m := newMarket(0)
	m.MarginRatioPartial = 1_000
	m.MarginRatioMaintenance = 500

	tests := []struct {
		name       string
		collateral uint64
		want       LiquidationType
	}{
		{"partial", 100, LiquidationPartial}, // total 80 below partial 100
		{"full", 60, LiquidationFull},        // total 40 below maintenance 50
		{"healthy", 130, LiquidationNone},    // total 110
		{"at partial boundary", 120, LiquidationNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := []PositionValue{{
				MarketIndex:    0,
				BaseAssetValue: quote(1_000),
				UnrealizedPnl:  fpmath.NewI128(-20 * int64(fpmath.QuotePrecision)),
				Market:         m,
			}}
			s, err := statusFromValues(quote(tt.collateral), values)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Type)
			assert.True(t, s.PartialRequirement.Eq(quote(100)))
			assert.True(t, s.MaintenanceRequirement.Eq(quote(50)))
		})
	}
}

func TestLiquidationStatus_RanksByRequirement(t *testing.T) {
	markets := newMarkets(t, newMarket(0), newMarket(1), newMarket(2))
	user := openLong(t, newUser(1_000), markets, 0, quote(100))
	user = openLong(t, user, markets, 1, quote(300))
	user = openLong(t, user, markets, 2, quote(200))

	s, err := CalculateLiquidationStatus(user, markets)
	require.NoError(t, err)
	require.Len(t, s.MarketsToClose, 3)
	assert.Equal(t, uint64(1), s.MarketsToClose[0].MarketIndex)
	assert.Equal(t, uint64(2), s.MarketsToClose[1].MarketIndex)
	assert.Equal(t, uint64(0), s.MarketsToClose[2].MarketIndex)
	assert.Equal(t, LiquidationNone, s.Type)
}

func TestOracleLiquidationStatus_BothMustAgree(t *testing.T) {
	markets := newMarkets(t, newMarket(0))
	// 1000 notional against 55 collateral sits between maintenance and partial.
	user := openLong(t, newUser(55), markets, 0, quote(1_000))

	s, err := CalculateLiquidationStatus(user, markets)
	require.NoError(t, err)
	require.Equal(t, LiquidationPartial, s.Type)

	rails := oracle.DefaultGuardRails()
	price := fpmath.NewI128(12_000_000_000) // 1.2
	data := map[uint64]oracle.PriceData{0: {
		Price:             price,
		Twap:              price,
		HasSufficientData: true,
	}}

	s, err = CalculateOracleLiquidationStatus(user, markets, data, rails)
	require.NoError(t, err)
	assert.Equal(t, LiquidationNone, s.Type, "oracle marks the position healthy")

	stale := data[0]
	stale.Delay = rails.Validity.SlotsBeforeStale + 1
	s, err = CalculateOracleLiquidationStatus(user, markets, map[uint64]oracle.PriceData{0: stale}, rails)
	require.NoError(t, err)
	assert.Equal(t, LiquidationPartial, s.Type, "invalid oracle falls back to mark")

	rails.UseForLiquidations = false
	s, err = CalculateOracleLiquidationStatus(user, markets, data, rails)
	require.NoError(t, err)
	assert.Equal(t, LiquidationPartial, s.Type)
}

func TestOracleValue(t *testing.T) {
	base := fpmath.NewI128(-int64(2 * fpmath.AMMReservePrecision))
	value, pnl, err := OracleValue(base, quote(3), fpmath.NewI128(int64(fpmath.MarkPricePrecision)))
	require.NoError(t, err)
	assert.True(t, value.Eq(quote(2)))
	assert.Equal(t, "1000000", pnl.String(), "short gains when value falls below entry")
}
