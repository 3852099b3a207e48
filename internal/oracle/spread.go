package oracle

import (
	fpmath "PerpVAMM/internal/math"
)

// NormalisedPrice pulls the oracle price toward mark by up to its confidence
// interval, but never past one basis point short of mark.
func NormalisedPrice(markPrice fpmath.U128, data PriceData) (fpmath.I128, error) {
	var c fpmath.Checked
	mark := c.ToI128(markPrice)
	mark1bp := c.DivI(mark, fpmath.NewI128(10_000))
	conf := c.ToI128(data.Confidence)
	if err := c.Err(); err != nil {
		return fpmath.I128{}, err
	}

	if mark.Gt(data.Price) {
		lo := c.SubI(mark, mark1bp)
		hi := c.AddI(data.Price, conf)
		return fpmath.MinI128(fpmath.MaxI128(lo, data.Price), hi), c.Err()
	}
	hi := c.AddI(mark, mark1bp)
	lo := c.SubI(data.Price, conf)
	return fpmath.MaxI128(fpmath.MinI128(hi, data.Price), lo), c.Err()
}

// MarkSpread returns the processed oracle price and the raw mark - oracle spread.
// With normalise the returned price is NormalisedPrice; the spread always
// uses the raw oracle price.
func MarkSpread(markPrice fpmath.U128, data PriceData, normalise bool) (fpmath.I128, fpmath.I128, error) {
	var c fpmath.Checked
	mark := c.ToI128(markPrice)
	spread := c.SubI(mark, data.Price)
	if err := c.Err(); err != nil {
		return fpmath.I128{}, fpmath.I128{}, err
	}
	if !normalise {
		return data.Price, spread, nil
	}
	processed, err := NormalisedPrice(markPrice, data)
	if err != nil {
		return fpmath.I128{}, fpmath.I128{}, err
	}
	return processed, spread, nil
}

// MarkSpreadPct returns the signed spread on the <<10 scale:
// (mark - oracle) * 1024 / normalised_oracle.
func MarkSpreadPct(markPrice fpmath.U128, data PriceData) (fpmath.I128, error) {
	processed, spread, err := MarkSpread(markPrice, data, true)
	if err != nil {
		return fpmath.I128{}, err
	}
	var c fpmath.Checked
	scaled := c.MulI(spread, fpmath.SpreadPctScaleI)
	pct := c.DivI(scaled, processed)
	return pct, c.Err()
}

// IsMarkTooDivergent compares |pct| to numerator/denominator on the same scale.
func IsMarkTooDivergent(spreadPct fpmath.I128, rails PriceDivergenceGuardRails) (bool, error) {
	var c fpmath.Checked
	maxDivergence := c.MulDiv(rails.MarkOracleDivergenceNumerator, fpmath.NewU128(fpmath.SpreadPctScale), rails.MarkOracleDivergenceDenominator)
	if err := c.Err(); err != nil {
		return false, err
	}
	return spreadPct.Abs().Gt(maxDivergence), nil
}

// Status is the gate's verdict for one invocation.
type Status struct {
	Price            fpmath.I128 `json:"price"`
	SpreadPct        fpmath.I128 `json:"spread_pct"`
	IsValid          bool        `json:"is_valid"`
	MarkTooDivergent bool        `json:"mark_too_divergent"`
}

// GetStatus evaluates validity and divergence together.
func GetStatus(markPrice fpmath.U128, data PriceData, rails GuardRails) (Status, error) {
	valid, err := IsValid(data, rails.Validity)
	if err != nil {
		return Status{}, err
	}
	pct, err := MarkSpreadPct(markPrice, data)
	if err != nil {
		return Status{}, err
	}
	divergent, err := IsMarkTooDivergent(pct, rails.PriceDivergence)
	if err != nil {
		return Status{}, err
	}
	return Status{Price: data.Price, SpreadPct: pct, IsValid: valid, MarkTooDivergent: divergent}, nil
}

// BlockOperation reports whether oracle-dependent maintenance (funding) must wait.
func BlockOperation(markPrice fpmath.U128, data PriceData, rails GuardRails) (bool, fpmath.I128, error) {
	st, err := GetStatus(markPrice, data, rails)
	if err != nil {
		return true, fpmath.I128{}, err
	}
	return !st.IsValid || st.MarkTooDivergent, st.Price, nil
}
