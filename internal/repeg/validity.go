package repeg

import (
	"PerpVAMM/internal/amm"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/state"
)

// Validity is the outcome of the peg-change checks against the oracle.
type Validity struct {
	OracleValid        bool
	DirectionValid     bool
	ProfitabilityValid bool
	PriceImpactValid   bool
	// TerminalDivergencePct is (oracle - terminal after) << 10 / oracle.
	TerminalDivergencePct fpmath.I128
}

func (v Validity) OK() bool {
	return v.OracleValid && v.DirectionValid && v.ProfitabilityValid && v.PriceImpactValid
}

// CalculateRepegValidity checks a repegged market against the oracle.
// The terminal price may only move toward the oracle, may not cross the near
// edge of the confidence band, and the mark may not pass the far edge. An
// invalid oracle fails every check.
func CalculateRepegValidity(after state.Market, data oracle.PriceData, oracleValid bool, terminalBefore fpmath.U128) (Validity, error) {
	v := Validity{OracleValid: oracleValid}
	if !data.Price.IsPositive() {
		v.OracleValid = false
		return v, nil
	}

	var c fpmath.Checked
	terminalAfter := c.U(amm.TerminalPrice(after.AMM, after.BaseAssetAmount))
	spread := c.SubI(data.Price, c.ToI128(terminalAfter))
	v.TerminalDivergencePct = c.DivI(c.I(spread.Shl10()), data.Price)
	if err := c.Err(); err != nil {
		return Validity{}, err
	}
	if !oracleValid {
		return v, nil
	}

	v.DirectionValid, v.ProfitabilityValid, v.PriceImpactValid = true, true, true
	price := c.ToU128(data.Price)
	markAfter := c.U(after.AMM.MarkPrice())
	bandTop := c.Add(price, data.Confidence)
	bandBottom := c.Sub(price, data.Confidence)
	if err := c.Err(); err != nil {
		return Validity{}, err
	}

	switch {
	case price.Gt(terminalAfter):
		if terminalAfter.Lt(terminalBefore) {
			v.DirectionValid = false
		}
		if bandBottom.Lt(terminalAfter) {
			v.ProfitabilityValid = false
		}
		if markAfter.Gt(bandTop) {
			v.PriceImpactValid = false
		}
	case price.Lt(terminalAfter):
		if terminalAfter.Gt(terminalBefore) {
			v.DirectionValid = false
		}
		if bandTop.Gt(terminalAfter) {
			v.ProfitabilityValid = false
		}
		if markAfter.Lt(bandBottom) {
			v.PriceImpactValid = false
		}
	}
	return v, nil
}
