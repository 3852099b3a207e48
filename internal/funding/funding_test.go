package funding_test

import (
	"testing"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/funding"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/repeg"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reserve = fpmath.MustU128("10000000000000000000")

func quote(units uint64) fpmath.U128 {
	return fpmath.NewU128(units * fpmath.QuotePrecision)
}

func price(hundredths int64) fpmath.I128 {
	return fpmath.NewI128(hundredths * int64(fpmath.MarkPricePrecision) / 100)
}

// newLongMarket returns a 1.0 market in which one user holds 100 quote of
// long exposure, with the oracle history seeded at oraclePrice.
func newLongMarket(t *testing.T, fees uint64, oraclePrice fpmath.I128) (state.Market, state.User) {
	t.Helper()
	m := state.Market{
		Initialized:            true,
		MarginRatioInitial:     state.DefaultMarginRatios.Initial,
		MarginRatioPartial:     state.DefaultMarginRatios.Partial,
		MarginRatioMaintenance: state.DefaultMarginRatios.Maintenance,
		AMM: amm.AMM{
			BaseAssetReserve:           reserve,
			QuoteAssetReserve:          reserve,
			SqrtK:                      reserve,
			PegMultiplier:              fpmath.NewU128(1_000),
			FundingPeriod:              fpmath.OneHour,
			LastMarkPriceTwap:          fpmath.MarkPricePrecisionU,
			LastOraclePrice:            oraclePrice,
			LastOraclePriceTwap:        oraclePrice,
			MinimumBaseAssetTradeSize:  fpmath.NewU128(fpmath.DefaultMinimumTradeSize),
			MinimumQuoteAssetTradeSize: fpmath.NewU128(fpmath.DefaultMinimumTradeSize),
			TotalFee:                   quote(fees),
			TotalFeeMinusDistributions: quote(fees),
		},
	}
	u := state.NewUser(uuid.New())
	u.Collateral = quote(100)
	res, err := state.IncreasePosition(u, 0, m, amm.Long, quote(100), 1, nil)
	require.NoError(t, err)
	return res.Market, res.User
}

func validOracle(p fpmath.I128) oracle.PriceData {
	return oracle.PriceData{Price: p, Twap: p, HasSufficientData: true}
}

// ============================================================================
// Scheduling
// ============================================================================

func TestNextUpdateWait(t *testing.T) {
	tests := []struct {
		name   string
		lastTs int64
		period int64
		want   int64
	}{
		{"on boundary", 7200, 3600, 3600},
		{"slightly late", 3700, 3600, 3500},
		{"a third late", 4800, 3600, 2400},
		{"more than a third late skips a boundary", 5600, 3600, 5200},
		{"unit period", 17, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, funding.NextUpdateWait(tt.lastTs, tt.period))
		})
	}
}

func TestUpdateFundingRate_Gates(t *testing.T) {
	rails := oracle.DefaultGuardRails()
	m, _ := newLongMarket(t, 10, price(100))

	t.Run("paused", func(t *testing.T) {
		u, err := funding.UpdateFundingRate(m, validOracle(price(100)), rails, true, fpmath.OneHour, nil)
		require.NoError(t, err)
		assert.False(t, u.Updated)
		assert.Equal(t, "funding paused", u.Reason)
		assert.Nil(t, u.Record)
	})

	t.Run("stale oracle", func(t *testing.T) {
		data := validOracle(price(100))
		data.Delay = rails.Validity.SlotsBeforeStale + 1
		u, err := funding.UpdateFundingRate(m, data, rails, false, fpmath.OneHour, nil)
		require.NoError(t, err)
		assert.False(t, u.Updated)
		assert.Equal(t, "oracle blocks funding", u.Reason)
	})

	t.Run("period not elapsed", func(t *testing.T) {
		early := m
		early.AMM.LastFundingRateTs = fpmath.OneHour
		u, err := funding.UpdateFundingRate(early, validOracle(price(100)), rails, false, fpmath.OneHour+60, nil)
		require.NoError(t, err)
		assert.False(t, u.Updated)
		assert.Equal(t, early, u.Market)
	})
}

// ============================================================================
// Rates
// ============================================================================

func TestUpdateFundingRate_NetPayersFundThePool(t *testing.T) {
	// Mark above the oracle with a net long book: longs pay, the market earns.
	m, _ := newLongMarket(t, 10, price(95))
	now := fpmath.OneHour

	u, err := funding.UpdateFundingRate(m, validOracle(price(95)), oracle.DefaultGuardRails(), false, now, nil)
	require.NoError(t, err)
	require.True(t, u.Updated)
	require.NotNil(t, u.Record)

	assert.True(t, u.Record.FundingRate.IsPositive())
	assert.Equal(t, u.Record.FundingRate, u.Record.FundingRateLong)
	assert.Equal(t, u.Record.FundingRate, u.Record.FundingRateShort)
	assert.True(t, u.ImbalanceCost.IsNegative(), "market earned")
	assert.True(t, u.Market.AMM.TotalFeeMinusDistributions.Gt(m.AMM.TotalFeeMinusDistributions))

	assert.Equal(t, now, u.Market.AMM.LastFundingRateTs)
	assert.Equal(t, u.Record.FundingRate, u.Market.AMM.CumulativeFundingRateLong)
	assert.True(t, u.Market.AMM.NetRevenueSinceLastFunding.IsZero(), "reset for the next period")

	require.NotNil(t, u.K)
	assert.NotEqual(t, repeg.OutcomeError, u.K.Outcome)
}

func TestUpdateFundingRate_PoolCoversImbalance(t *testing.T) {
	// Mark below the oracle: longs receive and nobody is short.
	m, _ := newLongMarket(t, 10, price(105))

	u, err := funding.UpdateFundingRate(m, validOracle(price(105)), oracle.DefaultGuardRails(), false, fpmath.OneHour, nil)
	require.NoError(t, err)
	require.True(t, u.Updated)

	assert.True(t, u.Record.FundingRate.IsNegative())
	assert.Equal(t, u.Record.FundingRateLong, u.Record.FundingRateShort)
	assert.True(t, u.ImbalanceCost.IsPositive(), "market paid")
	assert.Equal(t, u.ImbalanceCost, u.Record.FundingImbalanceCost)
}

func TestUpdateFundingRate_ReceiversCappedByEmptyPool(t *testing.T) {
	m, _ := newLongMarket(t, 0, price(105))

	u, err := funding.UpdateFundingRate(m, validOracle(price(105)), oracle.DefaultGuardRails(), false, fpmath.OneHour, nil)
	require.NoError(t, err)
	require.True(t, u.Updated)

	assert.True(t, u.Record.FundingRateShort.IsNegative(), "payers keep the full rate")
	assert.True(t, u.Record.FundingRateLong.IsZero(), "no shorts and no pool leaves nothing for longs")
	assert.True(t, u.ImbalanceCost.IsZero())
}

func TestCalculateFundingRateLongShort_PartialCap(t *testing.T) {
	m, _ := newLongMarket(t, 10, price(100))
	pool, err := repeg.FeePool(m)
	require.NoError(t, err)

	// A rate large enough that longs are owed more than the pool holds.
	rate := fpmath.NewI128(-int64(fpmath.MarkPricePrecision * fpmath.FundingPaymentPrecision))
	after, long, short, cost, err := funding.CalculateFundingRateLongShort(m, rate)
	require.NoError(t, err)

	assert.Equal(t, rate, short)
	assert.True(t, long.IsNegative())
	assert.True(t, long.Abs().Lt(rate.Abs()))
	assert.Equal(t, pool.String(), cost.String())

	drained, err := repeg.FeePool(after)
	require.NoError(t, err)
	assert.True(t, drained.IsZero())
}

// ============================================================================
// Settlement
// ============================================================================

func TestSettleFundingPayment(t *testing.T) {
	m, user := newLongMarket(t, 10, price(100))
	rate := fpmath.NewI128(int64(fpmath.MarkPricePrecision*fpmath.FundingPaymentPrecision) / 100) // 0.01 per base
	m.AMM.CumulativeFundingRateLong = rate
	m.AMM.CumulativeFundingRateShort = rate
	m.AMM.LastFundingRateTs = fpmath.OneHour

	markets := state.NewMarkets()
	require.NoError(t, markets.Init(m))

	i, err := user.Positions.Get(0)
	require.NoError(t, err)
	pos := user.Positions[i]
	want, err := fpmath.FundingPaymentInQuote(rate, pos.LastCumulativeFundingRate, pos.BaseAssetAmount)
	require.NoError(t, err)
	require.True(t, want.IsNegative(), "longs pay a positive rate")

	settled, recs, err := funding.SettleFundingPayment(user, markets, fpmath.OneHour+5)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	assert.Equal(t, want, recs[0].FundingPayment)
	wantCollateral, err := fpmath.UpdatedCollateral(user.Collateral, want)
	require.NoError(t, err)
	assert.Equal(t, wantCollateral.String(), settled.Collateral.String())

	i, err = settled.Positions.Get(0)
	require.NoError(t, err)
	pos = settled.Positions[i]
	assert.Equal(t, rate, pos.LastCumulativeFundingRate)
	assert.Equal(t, fpmath.OneHour, pos.LastFundingRateTs)

	// Nothing accrues twice.
	again, recs, err := funding.SettleFundingPayment(settled, markets, fpmath.OneHour+10)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, settled.Collateral, again.Collateral)
}
