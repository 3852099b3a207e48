package amm

import (
	fpmath "PerpVAMM/internal/math"
)

// CalculateTwap blends a new observation into the running average:
// (new*newWeight + old*oldWeight) / (newWeight + oldWeight).
func CalculateTwap(newData, oldData, newWeight, oldWeight fpmath.I128) (fpmath.I128, error) {
	var c fpmath.Checked
	denom := c.AddI(newWeight, oldWeight)
	sum := c.AddI(c.MulI(oldData, oldWeight), c.MulI(newData, newWeight))
	return c.DivI(sum, denom), c.Err()
}

// twapWeights returns max(1, now-lastTs) and max(1, period - that).
func twapWeights(now, lastTs, fundingPeriod int64) (fpmath.I128, fpmath.I128) {
	sinceLast := now - lastTs
	if sinceLast < 1 {
		sinceLast = 1
	}
	fromStart := fundingPeriod - sinceLast
	if fromStart < 1 {
		fromStart = 1
	}
	return fpmath.NewI128(sinceLast), fpmath.NewI128(fromStart)
}

// NewMarkTwap computes the mark twap at now without storing it.
func NewMarkTwap(a AMM, now int64, precomputedMark *fpmath.U128) (fpmath.U128, error) {
	var current fpmath.U128
	if precomputedMark != nil {
		current = *precomputedMark
	} else {
		m, err := a.MarkPrice()
		if err != nil {
			return fpmath.U128{}, err
		}
		current = m
	}

	newW, oldW := twapWeights(now, a.LastMarkPriceTwapTs, a.FundingPeriod)
	var c fpmath.Checked
	twap := c.I(CalculateTwap(c.ToI128(current), c.ToI128(a.LastMarkPriceTwap), newW, oldW))
	return c.ToU128(twap), c.Err()
}

// UpdateMarkTwap stores the mark twap at now.
func UpdateMarkTwap(a AMM, now int64, precomputedMark *fpmath.U128) (AMM, fpmath.U128, error) {
	twap, err := NewMarkTwap(a, now, precomputedMark)
	if err != nil {
		return a, fpmath.U128{}, err
	}
	a.LastMarkPriceTwap = twap
	a.LastMarkPriceTwapTs = now
	return a, twap, nil
}

// NewOraclePriceTwap computes the oracle twap at now. The last stored oracle
// price is moved at most 0.1% toward the reading before blending.
func NewOraclePriceTwap(a AMM, now int64, oraclePrice fpmath.I128) (fpmath.I128, error) {
	newW, oldW := twapWeights(now, a.LastOraclePriceTwapTs, a.FundingPeriod)

	last := a.LastOraclePrice
	if !last.IsPositive() {
		last = oraclePrice
	}

	var c fpmath.Checked
	step := c.DivI(last, fpmath.NewI128(1000))
	hi := c.AddI(last, step)
	lo := c.SubI(last, step)
	interpolated := fpmath.MinI128(hi, fpmath.MaxI128(lo, oraclePrice))
	if err := c.Err(); err != nil {
		return fpmath.I128{}, err
	}
	return CalculateTwap(interpolated, a.LastOraclePriceTwap, newW, oldW)
}

// UpdateOraclePriceTwap caps a reading to a third of its value around the
// current twap and folds it in. Non-positive readings leave the AMM unchanged.
func UpdateOraclePriceTwap(a AMM, now int64, oraclePrice fpmath.I128) (AMM, fpmath.I128, error) {
	var c fpmath.Checked
	spread := c.SubI(oraclePrice, a.LastOraclePriceTwap)
	third := c.DivI(oraclePrice, fpmath.NewI128(3))
	if err := c.Err(); err != nil {
		return a, fpmath.I128{}, err
	}

	capped := oraclePrice
	if spread.Abs().Gt(third.Abs()) {
		if oraclePrice.Gt(a.LastOraclePriceTwap) {
			capped = c.AddI(a.LastOraclePriceTwap, third)
		} else {
			capped = c.SubI(a.LastOraclePriceTwap, third)
		}
	}
	if err := c.Err(); err != nil {
		return a, fpmath.I128{}, err
	}

	if !capped.IsPositive() || !oraclePrice.IsPositive() {
		return a, a.LastOraclePriceTwap, nil
	}

	twap, err := NewOraclePriceTwap(a, now, capped)
	if err != nil {
		return a, fpmath.I128{}, err
	}
	a.LastOraclePrice = capped
	a.LastOraclePriceTwap = twap
	a.LastOraclePriceTwapTs = now
	return a, twap, nil
}
