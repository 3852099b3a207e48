package repeg_test

import (
	"testing"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/errcode"
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

func price(tenths int64) fpmath.I128 {
	return fpmath.NewI128(tenths * int64(fpmath.MarkPricePrecision) / 10)
}

// newMarket returns a 1.0 market; with long > 0 a user holds that much quote
// of net long exposure. fees seeds total_fee and the fee pool.
func newMarket(t *testing.T, long uint64, fees uint64) state.Market {
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
			MinimumBaseAssetTradeSize:  fpmath.NewU128(fpmath.DefaultMinimumTradeSize),
			MinimumQuoteAssetTradeSize: fpmath.NewU128(fpmath.DefaultMinimumTradeSize),
			TotalFee:                   quote(fees),
			TotalFeeMinusDistributions: quote(fees),
		},
	}
	if long == 0 {
		return m
	}
	u := state.NewUser(uuid.New())
	u.Collateral = quote(long)
	res, err := state.IncreasePosition(u, 0, m, amm.Long, quote(long), 1, nil)
	require.NoError(t, err)
	return res.Market
}

func validOracle(p fpmath.I128) oracle.PriceData {
	return oracle.PriceData{Price: p, Twap: p, HasSufficientData: true}
}

// ============================================================================
// Costs
// ============================================================================

func TestCalculatePegFromTargetPrice(t *testing.T) {
	peg, err := repeg.CalculatePegFromTargetPrice(reserve, reserve, fpmath.NewU128(12_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, "1200", peg.String())

	// Rounds to nearest: 1.20049 -> 1200, 1.20051 -> 1201.
	peg, _ = repeg.CalculatePegFromTargetPrice(reserve, reserve, fpmath.NewU128(12_004_900_000))
	assert.Equal(t, "1200", peg.String())
	peg, _ = repeg.CalculatePegFromTargetPrice(reserve, reserve, fpmath.NewU128(12_005_100_000))
	assert.Equal(t, "1201", peg.String())
}

func TestAdjustPegCost_Sign(t *testing.T) {
	flat := newMarket(t, 0, 0)
	_, cost, err := repeg.AdjustPegCost(flat, fpmath.NewU128(1_100))
	require.NoError(t, err)
	assert.True(t, cost.IsZero(), "no net position, no cost")

	long := newMarket(t, 100, 0)
	after, cost, err := repeg.AdjustPegCost(long, fpmath.NewU128(1_100))
	require.NoError(t, err)
	assert.True(t, cost.IsPositive(), "raising the peg pays net longs")
	assert.Equal(t, "1100", after.AMM.PegMultiplier.String())
	assert.Equal(t, "1000", long.AMM.PegMultiplier.String(), "input market untouched")

	_, cost, err = repeg.AdjustPegCost(long, fpmath.NewU128(900))
	require.NoError(t, err)
	assert.True(t, cost.IsNegative())
}

func TestApplyCost(t *testing.T) {
	m := newMarket(t, 0, 10) // fee pool: 10 - 5

	_, ok, err := repeg.ApplyCost(m, fpmath.NewI128(5*int64(fpmath.QuotePrecision)))
	require.NoError(t, err)
	assert.False(t, ok, "landing on the lower bound is not allowed")

	after, ok, err := repeg.ApplyCost(m, fpmath.NewI128(4*int64(fpmath.QuotePrecision)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, after.AMM.TotalFeeMinusDistributions.Eq(quote(6)))
	assert.Equal(t, "-4000000", after.AMM.NetRevenueSinceLastFunding.String())

	after, ok, err = repeg.ApplyCost(m, fpmath.NewI128(-3*int64(fpmath.QuotePrecision)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, after.AMM.TotalFeeMinusDistributions.Eq(quote(13)))
}

// ============================================================================
// Validity and admin repeg
// ============================================================================

func TestRepegValidity_InvalidOracleFailsAll(t *testing.T) {
	m := newMarket(t, 100, 0)
	v, err := repeg.CalculateRepegValidity(m, validOracle(price(12)), false, fpmath.MarkPricePrecisionU)
	require.NoError(t, err)
	assert.False(t, v.OracleValid)
	assert.False(t, v.DirectionValid)
	assert.False(t, v.ProfitabilityValid)
	assert.False(t, v.PriceImpactValid)
	assert.True(t, v.TerminalDivergencePct.IsPositive(), "oracle above terminal")
}

func TestRepeg_Admin(t *testing.T) {
	rails := oracle.DefaultGuardRails()
	data := validOracle(price(12))
	// 1.2 +/- 0.02: the near edge of the band is 1.18.
	banded := data
	banded.Confidence = fpmath.NewU128(200_000_000)

	tests := []struct {
		name    string
		fees    uint64
		peg     uint64
		oracle  oracle.PriceData
		wantErr error
	}{
		{"redundant", 100, 1_000, data, errcode.ErrInvalidRepegRedundant},
		{"stale oracle", 100, 1_100, oracle.PriceData{Price: price(12), Twap: price(12), Delay: 10_000, HasSufficientData: true}, errcode.ErrInvalidOracle},
		{"away from oracle", 100, 900, data, errcode.ErrInvalidRepegDirection},
		{"past the oracle", 100, 1_300, data, errcode.ErrInvalidRepegDirection},
		{"inside the confidence band", 100, 1_190, banded, errcode.ErrInvalidRepegProfitability},
		{"fee pool too small", 2, 1_100, data, errcode.ErrInvalidRepegProfitability},
		{"ok", 100, 1_100, data, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMarket(t, 100, tt.fees)
			after, rec, err := repeg.Repeg(m, fpmath.NewU128(tt.peg), tt.oracle, rails, 5)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, after.AMM.PegMultiplier.Eq(m.AMM.PegMultiplier))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "1100", after.AMM.PegMultiplier.String())
			assert.True(t, rec.AdjustmentCost.IsPositive())
			assert.True(t, after.AMM.TotalFeeMinusDistributions.Lt(m.AMM.TotalFeeMinusDistributions))
			assert.Equal(t, "1000", rec.PegMultiplierBefore.String())
		})
	}
}

// ============================================================================
// Formulaic repeg
// ============================================================================

func TestFormulaicRepeg(t *testing.T) {
	rails := oracle.DefaultGuardRails()
	budget := quote(1_000)

	t.Run("within tolerance", func(t *testing.T) {
		m := newMarket(t, 100, 100)
		res := repeg.FormulaicRepeg(m, validOracle(price(10)), rails, budget, 5)
		assert.Equal(t, repeg.OutcomeSkipped, res.Outcome)
		assert.Nil(t, res.Record)
	})

	t.Run("invalid oracle", func(t *testing.T) {
		m := newMarket(t, 100, 100)
		res := repeg.FormulaicRepeg(m, oracle.PriceData{Price: price(15)}, rails, budget, 5)
		assert.Equal(t, repeg.OutcomeSkipped, res.Outcome)
		assert.Equal(t, "oracle invalid", res.Reason)
	})

	t.Run("nudges toward oracle", func(t *testing.T) {
		m := newMarket(t, 100, 100)
		res := repeg.FormulaicRepeg(m, validOracle(price(15)), rails, budget, 5)
		require.Equal(t, repeg.OutcomeApplied, res.Outcome, res.Reason)
		assert.Equal(t, "1001", res.Market.AMM.PegMultiplier.String())
		require.NotNil(t, res.Record)
		assert.True(t, res.Cost.IsPositive())
		lb, err := repeg.TotalFeeLowerBound(res.Market)
		require.NoError(t, err)
		assert.True(t, res.Market.AMM.TotalFeeMinusDistributions.Gt(lb))
	})

	t.Run("empty fee pool", func(t *testing.T) {
		m := newMarket(t, 100, 0)
		res := repeg.FormulaicRepeg(m, validOracle(price(15)), rails, budget, 5)
		assert.Equal(t, repeg.OutcomeSkipped, res.Outcome)
		assert.True(t, res.Market.AMM.PegMultiplier.Eq(m.AMM.PegMultiplier))
	})
}

func TestCalculateBudgetedPeg_CapsSpend(t *testing.T) {
	m := newMarket(t, 100, 0)
	budget := quote(5)
	peg, cost, after, err := repeg.CalculateBudgetedPeg(m, budget, fpmath.NewU128(12_000_000_000))
	require.NoError(t, err)

	assert.True(t, peg.Gt(m.AMM.PegMultiplier))
	assert.True(t, peg.Lt(fpmath.NewU128(1_200)))
	assert.True(t, cost.Lte(fpmath.NewI128(5*int64(fpmath.QuotePrecision))), "cost %s", cost)
	assert.True(t, after.AMM.PegMultiplier.Eq(peg))

	// A revenue move goes straight to the target.
	peg, cost, _, err = repeg.CalculateBudgetedPeg(m, budget, fpmath.NewU128(8_000_000_000))
	require.NoError(t, err)
	assert.True(t, cost.IsNegative())
	assert.True(t, peg.Lt(fpmath.NewU128(805)))
}

// ============================================================================
// K
// ============================================================================

func TestGetUpdateKResult(t *testing.T) {
	m := newMarket(t, 0, 0)

	_, err := repeg.GetUpdateKResult(m, fpmath.MustU128("9700000000000000000"))
	assert.ErrorIs(t, err, errcode.ErrInvalidUpdateK)

	r, err := repeg.GetUpdateKResult(m, fpmath.MustU128("10100000000000000000"))
	require.NoError(t, err)
	after := repeg.UpdateK(m, r)
	before, _ := m.AMM.MarkPrice()
	got, _ := after.AMM.MarkPrice()
	assert.True(t, before.Eq(got), "price held: %s vs %s", before, got)
	assert.Equal(t, "10100000000000000000", after.AMM.BaseAssetReserve.String())
}

func TestAdjustKCost_IncreaseCostsNetLong(t *testing.T) {
	m := newMarket(t, 100, 0)
	up, err := repeg.GetUpdateKResult(m, fpmath.MustU128("10100000000000000000"))
	require.NoError(t, err)
	_, cost, err := repeg.AdjustKCost(m, up)
	require.NoError(t, err)
	assert.True(t, cost.IsPositive())

	down, err := repeg.GetUpdateKResult(m, fpmath.MustU128("9900000000000000000"))
	require.NoError(t, err)
	_, cost, err = repeg.AdjustKCost(m, down)
	require.NoError(t, err)
	assert.True(t, cost.IsNegative())
}

func TestAdminUpdateK_CostAboveFeePool(t *testing.T) {
	m := newMarket(t, 100, 0)
	_, _, err := repeg.AdminUpdateK(m, fpmath.MustU128("10100000000000000000"), price(10), 5)
	assert.ErrorIs(t, err, errcode.ErrInvalidUpdateKCost)

	// Shrinking earns, so it needs no pool.
	after, rec, err := repeg.AdminUpdateK(m, fpmath.MustU128("9900000000000000000"), price(10), 5)
	require.NoError(t, err)
	assert.True(t, rec.AdjustmentCost.IsNegative())
	assert.True(t, after.AMM.TotalFeeMinusDistributions.Gt(m.AMM.TotalFeeMinusDistributions))
}

func TestCalculateBudgetedKScale(t *testing.T) {
	m := newMarket(t, 100, 0)

	num, den, err := repeg.CalculateBudgetedKScale(m, fpmath.NewI128(1_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, repeg.KScaleMax, mustU64(t, num))
	assert.Equal(t, repeg.KScaleDenominator, mustU64(t, den))

	flat := newMarket(t, 0, 0)
	num, _, err = repeg.CalculateBudgetedKScale(flat, fpmath.NewI128(-1))
	require.NoError(t, err)
	assert.Equal(t, repeg.KScaleMin, mustU64(t, num), "nothing to earn from: shrink fully")

	// A full 0.1% step costs about ten units here; one unit buys a fraction.
	num, _, err = repeg.CalculateBudgetedKScale(m, fpmath.NewI128(1))
	require.NoError(t, err)
	s := mustU64(t, num)
	assert.True(t, s > repeg.KScaleDenominator && s < repeg.KScaleMax, "scale %d", s)
}

func TestKBudget(t *testing.T) {
	tests := []struct {
		name      string
		imbalance int64
		revenue   int64
		want      string
	}{
		{"revenue funds half", -10, 0, "5"},
		{"cost above revenue", 10, 4, "-3"},
		{"negative revenue floors at zero", 10, -4, "-5"},
		{"covered cost", 10, 20, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repeg.KBudget(fpmath.NewI128(tt.imbalance), fpmath.NewI128(tt.revenue))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormulaicUpdateK(t *testing.T) {
	data := validOracle(price(10))

	res := repeg.FormulaicUpdateK(newMarket(t, 100, 100), data, fpmath.I128Zero, 5)
	assert.Equal(t, repeg.OutcomeSkipped, res.Outcome)

	m := newMarket(t, 100, 100)
	res = repeg.FormulaicUpdateK(m, data, fpmath.NewI128(-2*int64(fpmath.QuotePrecision)), 5)
	require.Equal(t, repeg.OutcomeApplied, res.Outcome, res.Reason)
	assert.True(t, res.Market.AMM.SqrtK.Gt(m.AMM.SqrtK))
	require.NotNil(t, res.Record)
	assert.True(t, res.Record.SqrtKAfter.Eq(res.Market.AMM.SqrtK))
}

func mustU64(t *testing.T, v fpmath.U128) uint64 {
	t.Helper()
	u, ok := v.Uint64()
	require.True(t, ok)
	return u
}
