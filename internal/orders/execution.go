package orders

import (
	"fmt"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/errcode"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"
)

// LimitPrice is the order's price, or oracle + offset for oracle-pegged
// orders.
func LimitPrice(o state.Order, oraclePrice fpmath.I128) (fpmath.U128, error) {
	if o.OraclePriceOffset.IsZero() {
		return o.Price, nil
	}
	p, err := oraclePrice.Add(o.OraclePriceOffset)
	if err != nil {
		return fpmath.U128{}, err
	}
	if !p.IsPositive() {
		return fpmath.U128{}, fmt.Errorf("oracle offset price %s: %w", p, errcode.ErrInvalidOrder)
	}
	return p.U128()
}

// triggered reports whether mark has crossed the order's trigger price.
func triggered(o state.Order, mark fpmath.U128) bool {
	if o.TriggerCondition == state.TriggerAbove {
		return mark.Gt(o.TriggerPrice)
	}
	return mark.Lt(o.TriggerPrice)
}

func limitAmount(o state.Order, m state.Market, limit fpmath.U128) (fpmath.U128, error) {
	maxBase, direction, err := amm.MaxBaseAssetAmountToTrade(m.AMM, limit)
	if err != nil {
		return fpmath.U128{}, err
	}
	if direction != o.Direction || maxBase.IsZero() {
		return fpmath.U128Zero, nil
	}
	return fpmath.MinU128(o.RemainingBase(), maxBase), nil
}

// BaseAssetAmountMarketCanExecute is how much of the order the curve can
// take without crossing its limit price or while its trigger is unmet.
// Market orders with a price treat it as a slippage limit.
func BaseAssetAmountMarketCanExecute(o state.Order, m state.Market, mark fpmath.U128, oraclePrice fpmath.I128) (fpmath.U128, error) {
	switch o.OrderType {
	case state.OrderTypeMarket:
		if o.Price.IsZero() {
			return o.RemainingBase(), nil
		}
		return limitAmount(o, m, o.Price)
	case state.OrderTypeLimit:
		limit, err := LimitPrice(o, oraclePrice)
		if err != nil {
			return fpmath.U128{}, err
		}
		return limitAmount(o, m, limit)
	case state.OrderTypeTriggerMarket:
		if !triggered(o, mark) {
			return fpmath.U128Zero, nil
		}
		return o.RemainingBase(), nil
	case state.OrderTypeTriggerLimit:
		// Once partly filled the trigger has already fired.
		if o.BaseAssetAmountFilled.IsZero() && !triggered(o, mark) {
			return fpmath.U128Zero, nil
		}
		return limitAmount(o, m, o.Price)
	default:
		return fpmath.U128{}, fmt.Errorf("order type %d: %w", o.OrderType, errcode.ErrInvalidOrder)
	}
}

// isIncrease reports whether trading direction grows (or opens) pos.
func isIncrease(pos state.MarketPosition, direction amm.PositionDirection) bool {
	return !pos.IsOpenPosition() ||
		(pos.IsLong() && direction == amm.Long) ||
		(!pos.IsLong() && direction == amm.Short)
}

// AvailableQuoteUserCanExecute is the notional the user can trade in the
// order's direction at the market's maximum leverage: free collateral for a
// risk-increasing order, or enough to close and flip otherwise.
func AvailableQuoteUserCanExecute(user state.User, o state.Order, markets *state.Markets) (fpmath.U128, error) {
	m, err := markets.Get(o.MarketIndex)
	if err != nil {
		return fpmath.U128{}, err
	}
	idx, err := user.Positions.Get(o.MarketIndex)
	if err != nil {
		return fpmath.U128{}, err
	}
	if m.MarginRatioInitial == 0 {
		return fpmath.U128{}, fmt.Errorf("market %d initial margin ratio: %w", m.Index, errcode.ErrInvalidMarketParams)
	}
	leverage := fpmath.NewU128(fpmath.MarginPrecision / m.MarginRatioInitial)
	pos := user.Positions[idx]

	var c fpmath.Checked
	if isIncrease(pos, o.Direction) {
		free, _, err := state.CalculateFreeCollateral(user, markets, nil)
		if err != nil {
			return fpmath.U128{}, err
		}
		return c.Mul(free, leverage), c.Err()
	}

	ratio, err := state.CalculateMarginRatio(user, markets)
	if err != nil {
		return fpmath.U128{}, err
	}
	value, err := amm.BaseAssetValue(pos.BaseAssetAmount, m.AMM)
	if err != nil {
		return fpmath.U128{}, err
	}
	return c.Add(c.Mul(ratio.TotalCollateral, leverage), value), c.Err()
}

// BaseAssetAmountUserCanExecute converts AvailableQuoteUserCanExecute into
// base through the curve, capped below the market's whole quote reserve.
func BaseAssetAmountUserCanExecute(user state.User, o state.Order, markets *state.Markets) (fpmath.U128, error) {
	quote, err := AvailableQuoteUserCanExecute(user, o, markets)
	if err != nil {
		return fpmath.U128{}, err
	}
	m, err := markets.Get(o.MarketIndex)
	if err != nil {
		return fpmath.U128{}, err
	}
	return quoteToBase(m.AMM, quote, o.Direction)
}

// quoteToBase is the base the curve gives for quote traded in direction.
func quoteToBase(a amm.AMM, quote fpmath.U128, direction amm.PositionDirection) (fpmath.U128, error) {
	var c fpmath.Checked
	reserve := c.U(fpmath.AssetToReserveAmount(quote, a.PegMultiplier))
	reserve = fpmath.MinU128(reserve, c.Sub(a.QuoteAssetReserve, fpmath.U128One))
	if err := c.Err(); err != nil {
		return fpmath.U128{}, err
	}
	if reserve.IsZero() {
		return fpmath.U128Zero, nil
	}
	newBase, _, err := amm.CalculateSwapOutput(reserve, a.QuoteAssetReserve, amm.QuoteSwapDirection(direction), a.SqrtK)
	if err != nil {
		return fpmath.U128{}, err
	}
	delta := c.SubI(c.ToI128(a.BaseAssetReserve), c.ToI128(newBase))
	return delta.Abs(), c.Err()
}

// FoldDust grows proposed to close the order when the remainder it would
// leave is below minimum and so could never be filled.
func FoldDust(o state.Order, proposed, minimum fpmath.U128) (fpmath.U128, error) {
	var c fpmath.Checked
	filled := c.Add(o.BaseAssetAmountFilled, proposed)
	if err := c.Err(); err != nil {
		return fpmath.U128{}, err
	}
	if filled.Gte(o.BaseAssetAmount) {
		return proposed, nil
	}
	left := c.Sub(o.BaseAssetAmount, filled)
	if left.Lt(minimum) {
		proposed = c.Add(proposed, left)
	}
	return proposed, c.Err()
}

// LimitPriceSatisfied checks the average fill price quote/base against the
// limit: at or below for longs, at or above for shorts.
func LimitPriceSatisfied(limit, quote, base fpmath.U128, direction amm.PositionDirection) (bool, error) {
	price, err := fpmath.MulDiv(quote, fpmath.MarkPriceTimesAMMToQuoteU, base)
	if err != nil {
		return false, err
	}
	if direction == amm.Long {
		return price.Lte(limit), nil
	}
	return price.Gte(limit), nil
}

// UpdateOrderAfterTrade books a fill into the order. A fill that leaves an
// unfillable remainder fails with OrderAmountTooSmall.
func UpdateOrderAfterTrade(o state.Order, minimum, base, quote fpmath.U128) (state.Order, error) {
	var c fpmath.Checked
	o.BaseAssetAmountFilled = c.Add(o.BaseAssetAmountFilled, base)
	o.QuoteAssetAmountFilled = c.Add(o.QuoteAssetAmountFilled, quote)
	left := c.Sub(o.BaseAssetAmount, o.BaseAssetAmountFilled)
	if err := c.Err(); err != nil {
		return o, err
	}
	if !left.IsZero() && left.Lt(minimum) {
		return o, fmt.Errorf("order %d leaves %s base: %w", o.OrderID, left, errcode.ErrOrderAmountTooSmall)
	}
	return o, nil
}
