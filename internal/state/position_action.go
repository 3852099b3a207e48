package state

import (
	"PerpVAMM/internal/amm"
	fpmath "PerpVAMM/internal/math"
)

// PositionAction is the outcome of one position controller step. User and
// Market are the updated values; nothing is committed by the controller.
type PositionAction struct {
	User   User
	Market Market

	// BaseAssetAmount is the signed base added to the position.
	BaseAssetAmount fpmath.I128
	// QuoteAssetAmount is the quote exchanged with the curve.
	QuoteAssetAmount fpmath.U128
	// Pnl is realized on reduce and close.
	Pnl fpmath.I128
	// QuoteAssetAmountSurplus is the spread captured by the market on an increase.
	QuoteAssetAmountSurplus fpmath.U128
}

func cumulativeFundingRate(m Market, direction amm.PositionDirection) fpmath.I128 {
	if direction == amm.Long {
		return m.AMM.CumulativeFundingRateLong
	}
	return m.AMM.CumulativeFundingRateShort
}

// openIfNew seeds funding on an empty slot and counts the new holder.
func openIfNew(user User, idx int, m Market, direction amm.PositionDirection) (User, Market, error) {
	if user.Positions[idx].IsOpenPosition() {
		return user, m, nil
	}
	user.Positions[idx].LastCumulativeFundingRate = cumulativeFundingRate(m, direction)
	oi, err := m.OpenInterest.Add(fpmath.U128One)
	if err != nil {
		return user, m, err
	}
	m.OpenInterest = oi
	return user, m, nil
}

// IncreasePosition spends quote to grow (or open) the position at idx. When
// the market quotes a spread the trader pays the spread price and the
// difference to the canonical curve is credited to the market's fee pool.
func IncreasePosition(
	user User, idx int, m Market,
	direction amm.PositionDirection,
	quote fpmath.U128,
	now int64,
	precomputedMark *fpmath.U128,
) (PositionAction, error) {
	if quote.IsZero() {
		return PositionAction{User: user, Market: m}, nil
	}
	user, m, err := openIfNew(user, idx, m, direction)
	if err != nil {
		return PositionAction{}, err
	}

	var (
		base    fpmath.I128
		surplus fpmath.U128
	)
	if m.AMM.BaseSpread > 0 {
		s, err := amm.SwapQuoteWithSpread(m.AMM, quote, direction, now)
		if err != nil {
			return PositionAction{}, err
		}
		m.AMM, base, surplus = s.AMM, s.BaseDelta, s.Surplus
	} else {
		m.AMM, base, err = amm.SwapQuote(m.AMM, quote, amm.QuoteSwapDirection(direction), now, precomputedMark)
		if err != nil {
			return PositionAction{}, err
		}
	}

	var c fpmath.Checked
	pos := &user.Positions[idx]
	pos.QuoteAssetAmount = c.Add(pos.QuoteAssetAmount, quote)
	pos.BaseAssetAmount = c.AddI(pos.BaseAssetAmount, base)
	if !surplus.IsZero() {
		m.AMM.TotalFee = c.Add(m.AMM.TotalFee, surplus)
		m.AMM.TotalFeeMinusDistributions = c.Add(m.AMM.TotalFeeMinusDistributions, surplus)
	}
	if err := c.Err(); err != nil {
		return PositionAction{}, err
	}
	if m, err = m.ApplyBaseAssetDelta(base, base.IsPositive()); err != nil {
		return PositionAction{}, err
	}
	return PositionAction{
		User:                    user,
		Market:                  m,
		BaseAssetAmount:         base,
		QuoteAssetAmount:        quote,
		QuoteAssetAmountSurplus: surplus,
	}, nil
}

// IncreasePositionWithBase grows the position by an exact base amount.
func IncreasePositionWithBase(
	user User, idx int, m Market,
	direction amm.PositionDirection,
	base fpmath.U128,
	now int64,
	precomputedMark *fpmath.U128,
) (PositionAction, error) {
	if base.IsZero() {
		return PositionAction{User: user, Market: m}, nil
	}
	user, m, err := openIfNew(user, idx, m, direction)
	if err != nil {
		return PositionAction{}, err
	}

	var quote fpmath.U128
	m.AMM, quote, err = amm.SwapBase(m.AMM, base, amm.BaseSwapDirection(direction), now, precomputedMark)
	if err != nil {
		return PositionAction{}, err
	}

	var c fpmath.Checked
	delta := c.ToI128(base)
	if direction == amm.Short {
		delta = delta.Neg()
	}
	pos := &user.Positions[idx]
	pos.QuoteAssetAmount = c.Add(pos.QuoteAssetAmount, quote)
	pos.BaseAssetAmount = c.AddI(pos.BaseAssetAmount, delta)
	if err := c.Err(); err != nil {
		return PositionAction{}, err
	}
	if m, err = m.ApplyBaseAssetDelta(delta, direction == amm.Long); err != nil {
		return PositionAction{}, err
	}
	return PositionAction{User: user, Market: m, BaseAssetAmount: delta, QuoteAssetAmount: quote}, nil
}

// realize closes the share of entry notional matching swapped and books the
// pnl against collateral.
func realize(user User, idx int, m Market, baseBefore, swapped fpmath.I128, quote fpmath.U128) (PositionAction, error) {
	var c fpmath.Checked
	pos := &user.Positions[idx]
	pos.BaseAssetAmount = c.AddI(pos.BaseAssetAmount, swapped)
	closed := c.MulDiv(pos.QuoteAssetAmount, swapped.Abs(), baseBefore.Abs())
	pos.QuoteAssetAmount = c.Sub(pos.QuoteAssetAmount, closed)

	var pnl fpmath.I128
	if baseBefore.IsPositive() {
		pnl = c.SubI(c.ToI128(quote), c.ToI128(closed))
	} else {
		pnl = c.SubI(c.ToI128(closed), c.ToI128(quote))
	}
	user.Collateral = c.U(fpmath.UpdatedCollateral(user.Collateral, pnl))
	if err := c.Err(); err != nil {
		return PositionAction{}, err
	}

	m, err := m.ApplyBaseAssetDelta(swapped, baseBefore.IsPositive())
	if err != nil {
		return PositionAction{}, err
	}
	return PositionAction{User: user, Market: m, BaseAssetAmount: swapped, QuoteAssetAmount: quote, Pnl: pnl}, nil
}

// ReducePosition trades quote in direction against an opposite-side position
// at idx and realizes pnl on the closed share.
func ReducePosition(
	user User, idx int, m Market,
	direction amm.PositionDirection,
	quote fpmath.U128,
	now int64,
	precomputedMark *fpmath.U128,
) (PositionAction, error) {
	baseBefore := user.Positions[idx].BaseAssetAmount
	a, swapped, err := amm.SwapQuote(m.AMM, quote, amm.QuoteSwapDirection(direction), now, precomputedMark)
	if err != nil {
		return PositionAction{}, err
	}
	m.AMM = a
	return realize(user, idx, m, baseBefore, swapped, quote)
}

// ReducePositionWithBase reduces the position at idx by an exact base amount.
func ReducePositionWithBase(
	user User, idx int, m Market,
	direction amm.PositionDirection,
	base fpmath.U128,
	now int64,
	precomputedMark *fpmath.U128,
) (PositionAction, error) {
	baseBefore := user.Positions[idx].BaseAssetAmount
	a, quote, err := amm.SwapBase(m.AMM, base, amm.BaseSwapDirection(direction), now, precomputedMark)
	if err != nil {
		return PositionAction{}, err
	}
	m.AMM = a
	swapped, err := fpmath.I128FromU128(base)
	if err != nil {
		return PositionAction{}, err
	}
	if direction == amm.Short {
		swapped = swapped.Neg()
	}
	return realize(user, idx, m, baseBefore, swapped, quote)
}

// ClosePosition swaps the whole position at idx back into the curve,
// realizes pnl and frees the slot's base.
func ClosePosition(user User, idx int, m Market, now int64, precomputedMark *fpmath.U128) (PositionAction, error) {
	pos := user.Positions[idx]
	if !pos.IsOpenPosition() {
		return PositionAction{User: user, Market: m}, nil
	}
	direction := amm.SwapRemove
	if pos.IsLong() {
		direction = amm.SwapAdd
	}
	a, quote, err := amm.SwapBase(m.AMM, pos.BaseAssetAmount.Abs(), direction, now, precomputedMark)
	if err != nil {
		return PositionAction{}, err
	}
	m.AMM = a

	var c fpmath.Checked
	var pnl fpmath.I128
	if pos.IsLong() {
		pnl = c.SubI(c.ToI128(quote), c.ToI128(pos.QuoteAssetAmount))
	} else {
		pnl = c.SubI(c.ToI128(pos.QuoteAssetAmount), c.ToI128(quote))
	}
	user.Collateral = c.U(fpmath.UpdatedCollateral(user.Collateral, pnl))
	m.OpenInterest = c.Sub(m.OpenInterest, fpmath.U128One)
	if err := c.Err(); err != nil {
		return PositionAction{}, err
	}
	if m, err = m.ApplyBaseAssetDelta(pos.BaseAssetAmount.Neg(), pos.IsLong()); err != nil {
		return PositionAction{}, err
	}

	p := &user.Positions[idx]
	p.BaseAssetAmount = fpmath.I128Zero
	p.QuoteAssetAmount = fpmath.U128Zero
	p.LastCumulativeFundingRate = fpmath.I128Zero
	return PositionAction{
		User:             user,
		Market:           m,
		BaseAssetAmount:  pos.BaseAssetAmount.Neg(),
		QuoteAssetAmount: quote,
		Pnl:              pnl,
	}, nil
}
