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

// tenPct is 10% on the <<10 spread scale.
var tenPct = fpmath.NewU128(fpmath.SpreadPctScale / 10)

// CalculatePegFromTargetPrice returns the peg that puts the mark at target
// for the given reserves, rounded to nearest.
func CalculatePegFromTargetPrice(quoteReserve, baseReserve, target fpmath.U128) (fpmath.U128, error) {
	var c fpmath.Checked
	p := c.MulW(target.Wide(), baseReserve.Wide())
	p = c.DivW(p, quoteReserve.Wide())
	half := fpmath.NewU256(fpmath.PriceToPegPrecisionRatio / 2)
	p = c.W(p.Add(half))
	p = c.DivW(p, fpmath.PriceToPegPrecisionRatioU.Wide())
	return c.Narrow(p), c.Err()
}

// OptimalPeg is the result of CalculateOptimalPegAndCost. Needed is false
// when mark and terminal are already close enough to the oracle.
type OptimalPeg struct {
	Peg    fpmath.U128
	Cost   fpmath.I128
	Market state.Market
	Needed bool
}

func spreadPct(oraclePrice, price fpmath.I128) (fpmath.I128, fpmath.I128, error) {
	var c fpmath.Checked
	spread := c.SubI(oraclePrice, price)
	pct := c.DivI(c.I(spread.Shl10()), oraclePrice)
	return spread, pct, c.Err()
}

func withinTolerance(spread, pct fpmath.I128) bool {
	return pct.Abs().Lt(tenPct) || spread.Abs().Lt(fpmath.PegPrecisionU)
}

// CalculateOptimalPegAndCost picks the peg that moves the curve toward the
// oracle. It re-anchors fully to the oracle when the net position sits on
// the profitable side of the mark, nudges the peg by one unit when only the
// direction is clear, and keeps the current peg when the move costs more
// than budget.
func CalculateOptimalPegAndCost(m state.Market, oraclePrice fpmath.I128, mark, terminal fpmath.U128, budget fpmath.U128) (OptimalPeg, error) {
	if !oraclePrice.IsPositive() {
		return OptimalPeg{}, fmt.Errorf("oracle price %s: %w", oraclePrice, errcode.ErrInvalidOracle)
	}
	var c fpmath.Checked
	markI := c.ToI128(mark)
	termI := c.ToI128(terminal)
	if err := c.Err(); err != nil {
		return OptimalPeg{}, err
	}
	markSpread, markPct, err := spreadPct(oraclePrice, markI)
	if err != nil {
		return OptimalPeg{}, err
	}
	termSpread, termPct, err := spreadPct(oraclePrice, termI)
	if err != nil {
		return OptimalPeg{}, err
	}

	current := m.AMM.PegMultiplier
	if withinTolerance(termSpread, termPct) && withinTolerance(markSpread, markPct) {
		return OptimalPeg{Peg: current, Market: m}, nil
	}

	var optimal fpmath.U128
	switch {
	case markSpread.IsPositive() && termSpread.IsPositive() && terminal.Gte(mark),
		markSpread.IsNegative() && termSpread.IsNegative() && terminal.Lte(mark):
		optimal = c.U(CalculatePegFromTargetPrice(m.AMM.QuoteAssetReserve, m.AMM.BaseAssetReserve, c.ToU128(oraclePrice)))
	case markSpread.IsPositive() && termSpread.IsPositive():
		optimal = c.Add(current, fpmath.U128One)
	case markSpread.IsNegative() && termSpread.IsNegative():
		optimal = c.Sub(current, fpmath.U128One)
	default:
		optimal = current
	}
	if err := c.Err(); err != nil {
		return OptimalPeg{}, err
	}

	repegged, cost, err := AdjustPegCost(m, optimal)
	if err != nil {
		return OptimalPeg{}, err
	}
	if cost.IsPositive() && cost.Abs().Gt(budget) {
		return OptimalPeg{Peg: current, Market: m, Needed: true}, nil
	}
	return OptimalPeg{Peg: optimal, Cost: cost, Market: repegged, Needed: true}, nil
}

// CalculateBudgetedPeg moves the peg toward the peg implied by target,
// spending at most budget. Unwinding the net position shifts the quote
// reserve by dq, so a peg move of dpeg costs dq*dpeg/(AMMReserve/Quote*Peg):
// the step is capped at budget*1e10/|dq|. A move that earns revenue goes all
// the way to the target peg.
func CalculateBudgetedPeg(m state.Market, budget, target fpmath.U128) (fpmath.U128, fpmath.I128, state.Market, error) {
	var c fpmath.Checked
	optimal := c.U(CalculatePegFromTargetPrice(m.AMM.QuoteAssetReserve, m.AMM.BaseAssetReserve, target))
	if err := c.Err(); err != nil {
		return fpmath.U128{}, fpmath.I128{}, m, err
	}
	current := m.AMM.PegMultiplier

	peg := optimal
	if !m.BaseAssetAmount.IsZero() && !optimal.Eq(current) {
		direction := amm.SwapRemove
		if m.BaseAssetAmount.IsPositive() {
			direction = amm.SwapAdd
		}
		newQuote, _, err := amm.CalculateSwapOutput(m.BaseAssetAmount.Abs(), m.AMM.BaseAssetReserve, direction, m.AMM.SqrtK)
		if err != nil {
			return fpmath.U128{}, fpmath.I128{}, m, err
		}
		dq := c.SubI(c.ToI128(m.AMM.QuoteAssetReserve), c.ToI128(newQuote))
		up := optimal.Gt(current)
		var delta fpmath.U128
		if up {
			delta = c.Sub(optimal, current)
		} else {
			delta = c.Sub(current, optimal)
		}
		// The move is an expense when dq and the peg step share a sign.
		expense := !dq.IsZero() && (dq.IsPositive() == up)
		if expense {
			maxDelta := c.MulDiv(budget, fpmath.AMMTimesPegToQuotePrecisionU, dq.Abs())
			delta = fpmath.MinU128(delta, maxDelta)
			if up {
				peg = c.Add(current, delta)
			} else {
				peg = c.Sub(current, delta)
			}
		}
		if err := c.Err(); err != nil {
			return fpmath.U128{}, fpmath.I128{}, m, err
		}
	}

	repegged, cost, err := AdjustPegCost(m, peg)
	if err != nil {
		return fpmath.U128{}, fpmath.I128{}, m, err
	}
	return peg, cost, repegged, nil
}

// Repeg is the admin peg change. Unlike the formulaic path every failed
// check is an error, and the cost must leave the fee pool above its lower
// bound.
func Repeg(m state.Market, newPeg fpmath.U128, data oracle.PriceData, rails oracle.GuardRails, now int64) (state.Market, history.CurveRecord, error) {
	if newPeg.Eq(m.AMM.PegMultiplier) {
		return m, history.CurveRecord{}, errcode.ErrInvalidRepegRedundant
	}
	if newPeg.IsZero() {
		return m, history.CurveRecord{}, fmt.Errorf("zero peg: %w", errcode.ErrInvalidMarketParams)
	}

	terminalBefore, err := amm.TerminalPrice(m.AMM, m.BaseAssetAmount)
	if err != nil {
		return m, history.CurveRecord{}, err
	}
	after, cost, err := AdjustPegCost(m, newPeg)
	if err != nil {
		return m, history.CurveRecord{}, err
	}

	valid, err := oracle.IsValid(data, rails.Validity)
	if err != nil {
		return m, history.CurveRecord{}, err
	}
	if !valid {
		return m, history.CurveRecord{}, errcode.ErrInvalidOracle
	}
	v, err := CalculateRepegValidity(after, data, valid, terminalBefore)
	if err != nil {
		return m, history.CurveRecord{}, err
	}
	switch {
	case !v.DirectionValid:
		return m, history.CurveRecord{}, errcode.ErrInvalidRepegDirection
	case !v.ProfitabilityValid:
		return m, history.CurveRecord{}, errcode.ErrInvalidRepegProfitability
	case !v.PriceImpactValid:
		return m, history.CurveRecord{}, errcode.ErrInvalidRepegPriceImpact
	}

	var c fpmath.Checked
	if cost.IsPositive() {
		lb := c.U(TotalFeeLowerBound(after))
		if err := c.Err(); err != nil {
			return m, history.CurveRecord{}, err
		}
		remaining, err := after.AMM.TotalFeeMinusDistributions.Sub(cost.Abs())
		if err != nil || remaining.Lt(lb) {
			return m, history.CurveRecord{}, fmt.Errorf("repeg cost %s: %w", cost, errcode.ErrInvalidRepegProfitability)
		}
		after.AMM.TotalFeeMinusDistributions = remaining
	} else {
		after.AMM.TotalFeeMinusDistributions = c.Add(after.AMM.TotalFeeMinusDistributions, cost.Abs())
	}
	if err := c.Err(); err != nil {
		return m, history.CurveRecord{}, err
	}
	return after, history.NewCurveRecord(now, history.CurveAdjustmentRepeg, m, after, cost, data.Price), nil
}

// FormulaicRepeg nudges the peg toward the oracle after a trade, spending at
// most min(budget, fee pool / 2). It tries the optimal peg first and falls
// back to the budgeted peg when the optimal one is unaffordable.
func FormulaicRepeg(m state.Market, data oracle.PriceData, rails oracle.GuardRails, budget fpmath.U128, now int64) Maintenance {
	valid, err := oracle.IsValid(data, rails.Validity)
	if err != nil {
		return failed(m, err)
	}
	if !valid {
		return skipped(m, "oracle invalid")
	}

	var c fpmath.Checked
	pool := c.U(FeePool(m))
	budget = fpmath.MinU128(budget, c.Div(pool, fpmath.NewU128(2)))
	mark := c.U(m.AMM.MarkPrice())
	terminalBefore := c.U(amm.TerminalPrice(m.AMM, m.BaseAssetAmount))
	if err := c.Err(); err != nil {
		return failed(m, err)
	}

	opt, err := CalculateOptimalPegAndCost(m, data.Price, mark, terminalBefore, budget)
	if err != nil {
		return failed(m, err)
	}
	if !opt.Needed {
		return skipped(m, "within tolerance")
	}

	peg, cost, after := opt.Peg, opt.Cost, opt.Market
	if peg.Eq(m.AMM.PegMultiplier) {
		target, err := data.Price.U128()
		if err != nil {
			return failed(m, err)
		}
		if peg, cost, after, err = CalculateBudgetedPeg(m, budget, target); err != nil {
			return failed(m, err)
		}
		if peg.Eq(m.AMM.PegMultiplier) {
			return skipped(m, "no affordable peg")
		}
	}

	v, err := CalculateRepegValidity(after, data, valid, terminalBefore)
	if err != nil {
		return failed(m, err)
	}
	if !v.OK() {
		return skipped(m, fmt.Sprintf("validity direction=%t profitability=%t price_impact=%t",
			v.DirectionValid, v.ProfitabilityValid, v.PriceImpactValid))
	}

	after, ok, err := ApplyCost(after, cost)
	if err != nil {
		return failed(m, err)
	}
	if !ok {
		return skipped(m, "fee pool floor")
	}
	return applied(after, cost, history.NewCurveRecord(now, history.CurveAdjustmentFormulaicRepeg, m, after, cost, data.Price))
}
