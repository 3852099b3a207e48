package repeg

import (
	"fmt"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/errcode"
	"PerpVAMM/internal/history"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/state"
)

// K scale bounds for one formulaic step, over KScaleDenominator.
const (
	KScaleDenominator uint64 = 1_000_000
	KScaleMax         uint64 = 1_001_000 // +0.1%
	KScaleMin         uint64 = 999_100   // -0.09%
)

// minSqrtKRatio caps a single decrease at 2.5%.
var minSqrtKRatio = fpmath.NewU128(fpmath.MarkPricePrecision / 1000 * 975)

// UpdateKResult is a curve rescaled to a new sqrt_k at constant price.
type UpdateKResult struct {
	SqrtK             fpmath.U128
	BaseAssetReserve  fpmath.U128
	QuoteAssetReserve fpmath.U128
}

// GetUpdateKResult scales the base reserve by new/old sqrt_k and derives the
// quote reserve from the new k.
func GetUpdateKResult(m state.Market, newSqrtK fpmath.U128) (UpdateKResult, error) {
	var c fpmath.Checked
	ratio := c.MulDiv(newSqrtK, fpmath.MarkPricePrecisionU, m.AMM.SqrtK)
	if err := c.Err(); err != nil {
		return UpdateKResult{}, err
	}
	if ratio.Lt(minSqrtKRatio) {
		return UpdateKResult{}, fmt.Errorf("sqrt_k ratio %s: %w", ratio, errcode.ErrInvalidUpdateK)
	}
	base := c.MulDiv(m.AMM.BaseAssetReserve, ratio, fpmath.MarkPricePrecisionU)
	k := fpmath.Square(newSqrtK)
	quote := c.Narrow(c.DivW(k, base.Wide()))
	if err := c.Err(); err != nil {
		return UpdateKResult{}, err
	}
	return UpdateKResult{SqrtK: newSqrtK, BaseAssetReserve: base, QuoteAssetReserve: quote}, nil
}

func applyK(a amm.AMM, r UpdateKResult) amm.AMM {
	a.SqrtK = r.SqrtK
	a.BaseAssetReserve = r.BaseAssetReserve
	a.QuoteAssetReserve = r.QuoteAssetReserve
	return a
}

// UpdateK installs a K result on the market.
func UpdateK(m state.Market, r UpdateKResult) state.Market {
	m.AMM = applyK(m.AMM, r)
	return m
}

// AdjustKCost returns the rescaled market and the cost of the change.
// Deeper liquidity improves the exit price of the net position, so a larger
// K costs the market and a smaller K earns.
func AdjustKCost(m state.Market, r UpdateKResult) (state.Market, fpmath.I128, error) {
	return revalue(m, func(a amm.AMM) (amm.AMM, error) {
		return applyK(a, r), nil
	})
}

// AdminUpdateK sets sqrt_k directly. An expense larger than the fee pool is
// rejected with InvalidUpdateKCost.
func AdminUpdateK(m state.Market, newSqrtK fpmath.U128, oraclePrice fpmath.I128, now int64) (state.Market, history.CurveRecord, error) {
	r, err := GetUpdateKResult(m, newSqrtK)
	if err != nil {
		return m, history.CurveRecord{}, err
	}
	after, cost, err := AdjustKCost(m, r)
	if err != nil {
		return m, history.CurveRecord{}, err
	}

	var c fpmath.Checked
	if cost.IsPositive() {
		pool := c.U(FeePool(m))
		if err := c.Err(); err != nil {
			return m, history.CurveRecord{}, err
		}
		if cost.Abs().Gt(pool) {
			return m, history.CurveRecord{}, fmt.Errorf("cost %s above fee pool %s: %w", cost, pool, errcode.ErrInvalidUpdateKCost)
		}
		after.AMM.TotalFeeMinusDistributions = c.Sub(after.AMM.TotalFeeMinusDistributions, cost.Abs())
	} else {
		after.AMM.TotalFeeMinusDistributions = c.Add(after.AMM.TotalFeeMinusDistributions, cost.Abs())
	}
	if err := c.Err(); err != nil {
		return m, history.CurveRecord{}, err
	}
	return after, history.NewCurveRecord(now, history.CurveAdjustmentUpdateK, m, after, cost, oraclePrice), nil
}

func kScaleCost(m state.Market, scale fpmath.U128) (fpmath.I128, error) {
	sqrtK, err := fpmath.MulDiv(m.AMM.SqrtK, scale, fpmath.NewU128(KScaleDenominator))
	if err != nil {
		return fpmath.I128{}, err
	}
	r, err := GetUpdateKResult(m, sqrtK)
	if err != nil {
		return fpmath.I128{}, err
	}
	_, cost, err := AdjustKCost(m, r)
	return cost, err
}

// CalculateBudgetedKScale returns the largest scale in [KScaleMin, KScaleMax]
// whose cost stays within budget. A positive budget funds an increase; a
// negative budget asks the curve to earn at least |budget| by shrinking,
// falling back to KScaleMin when even that earns less. Cost grows
// monotonically with the scale, so the search is a bisection.
func CalculateBudgetedKScale(m state.Market, budget fpmath.I128) (fpmath.U128, fpmath.U128, error) {
	den := fpmath.NewU128(KScaleDenominator)
	within := func(scale uint64) (bool, error) {
		cost, err := kScaleCost(m, fpmath.NewU128(scale))
		if err != nil {
			return false, err
		}
		return cost.Lte(budget), nil
	}

	var lo, hi uint64
	if budget.IsPositive() {
		lo, hi = KScaleDenominator, KScaleMax
	} else {
		lo, hi = KScaleMin, KScaleDenominator
	}

	ok, err := within(hi)
	if err != nil {
		return fpmath.U128{}, fpmath.U128{}, err
	}
	if ok {
		return fpmath.NewU128(hi), den, nil
	}
	if ok, err = within(lo); err != nil {
		return fpmath.U128{}, fpmath.U128{}, err
	}
	if !ok {
		// Only reachable for a negative budget: shrink as far as allowed.
		return fpmath.NewU128(lo), den, nil
	}
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		ok, err := within(mid)
		if err != nil {
			return fpmath.U128{}, fpmath.U128{}, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	return fpmath.NewU128(lo), den, nil
}

// KBudget converts the funding imbalance of a period into a K budget. Half
// of period revenue funds an increase; a cost above the period's revenue
// takes back half the shortfall through a decrease.
func KBudget(fundingImbalanceCost, netRevenue fpmath.I128) (fpmath.I128, error) {
	two := fpmath.NewI128(2)
	switch {
	case fundingImbalanceCost.IsNegative():
		half, err := fundingImbalanceCost.Div(two)
		return half.Neg(), err
	case netRevenue.Lt(fundingImbalanceCost):
		var c fpmath.Checked
		shortfall := c.SubI(fpmath.MaxI128(fpmath.I128Zero, netRevenue), fundingImbalanceCost)
		return c.DivI(shortfall, two), c.Err()
	default:
		return fpmath.I128Zero, nil
	}
}

// FormulaicUpdateK rescales K by the funding-imbalance budget at the end of
// a funding period.
func FormulaicUpdateK(m state.Market, data oracle.PriceData, fundingImbalanceCost fpmath.I128, now int64) Maintenance {
	budget, err := KBudget(fundingImbalanceCost, m.AMM.NetRevenueSinceLastFunding)
	if err != nil {
		return failed(m, err)
	}
	if budget.IsZero() {
		return skipped(m, "no k budget")
	}

	num, den, err := CalculateBudgetedKScale(m, budget)
	if err != nil {
		return failed(m, err)
	}
	if num.Eq(den) {
		return skipped(m, "k scale unchanged")
	}
	newSqrtK, err := fpmath.MulDiv(m.AMM.SqrtK, num, den)
	if err != nil {
		return failed(m, err)
	}
	r, err := GetUpdateKResult(m, newSqrtK)
	if err != nil {
		return failed(m, err)
	}
	after, cost, err := AdjustKCost(m, r)
	if err != nil {
		return failed(m, err)
	}
	after, ok, err := ApplyCost(after, cost)
	if err != nil {
		return failed(m, err)
	}
	if !ok {
		return skipped(m, "fee pool floor")
	}
	return applied(after, cost, history.NewCurveRecord(now, history.CurveAdjustmentFormulaicK, m, after, cost, data.Price))
}
