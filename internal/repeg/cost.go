// Package repeg prices and applies curve maintenance: peg moves and K
// scaling. Every function takes a market value and returns a new one; the
// caller decides whether to commit.
package repeg

import (
	"PerpVAMM/internal/amm"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"
)

// TotalFeeLowerBound is the share of total_fee that curve maintenance may
// never spend.
func TotalFeeLowerBound(m state.Market) (fpmath.U128, error) {
	return fpmath.MulDiv(m.AMM.TotalFee,
		fpmath.NewU128(fpmath.ShareOfFeesAllocatedToClearingHouseNumerator),
		fpmath.NewU128(fpmath.ShareOfFeesAllocatedToClearingHouseDenominator))
}

// FeePool is what maintenance can still spend: fees above the lower bound.
func FeePool(m state.Market) (fpmath.U128, error) {
	lb, err := TotalFeeLowerBound(m)
	if err != nil {
		return fpmath.U128{}, err
	}
	return m.AMM.TotalFeeMinusDistributions.SaturatingSub(lb), nil
}

// revalue prices the market's net position before and after mutate and
// returns the change owed to users. Positive cost is an expense for the
// market, negative is revenue.
func revalue(m state.Market, mutate func(a amm.AMM) (amm.AMM, error)) (state.Market, fpmath.I128, error) {
	before, err := amm.BaseAssetValue(m.BaseAssetAmount, m.AMM)
	if err != nil {
		return m, fpmath.I128{}, err
	}
	a, err := mutate(m.AMM)
	if err != nil {
		return m, fpmath.I128{}, err
	}
	m.AMM = a
	_, cost, err := amm.BaseAssetValueAndPnl(m.BaseAssetAmount, before, m.AMM)
	if err != nil {
		return m, fpmath.I128{}, err
	}
	return m, cost, nil
}

// AdjustPegCost returns the market with newPeg applied and the cost of the move.
func AdjustPegCost(m state.Market, newPeg fpmath.U128) (state.Market, fpmath.I128, error) {
	return revalue(m, func(a amm.AMM) (amm.AMM, error) {
		a.PegMultiplier = newPeg
		return a, nil
	})
}

// ApplyCost charges cost to the fee pool. An expense is only applied when
// total_fee_minus_distributions stays strictly above the lower bound; the
// market is returned unchanged with applied=false otherwise. Revenue is
// always applied.
func ApplyCost(m state.Market, cost fpmath.I128) (state.Market, bool, error) {
	var c fpmath.Checked
	if cost.IsPositive() {
		lb := c.U(TotalFeeLowerBound(m))
		if err := c.Err(); err != nil {
			return m, false, err
		}
		remaining, err := m.AMM.TotalFeeMinusDistributions.Sub(cost.Abs())
		if err != nil || !remaining.Gt(lb) {
			return m, false, nil
		}
		m.AMM.TotalFeeMinusDistributions = remaining
	} else {
		m.AMM.TotalFeeMinusDistributions = c.Add(m.AMM.TotalFeeMinusDistributions, cost.Abs())
	}
	m.AMM.NetRevenueSinceLastFunding = c.SubI(m.AMM.NetRevenueSinceLastFunding, cost)
	if err := c.Err(); err != nil {
		return m, false, err
	}
	return m, true, nil
}
