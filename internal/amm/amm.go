// Package amm prices trades against a virtual constant-product curve
// anchored to an oracle through the peg multiplier.
package amm

import (
	"fmt"

	"PerpVAMM/internal/errcode"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
)

// SwapDirection says whether the input asset is added to or removed from its reserve.
type SwapDirection int8

const (
	SwapAdd SwapDirection = iota
	SwapRemove
)

func (d SwapDirection) String() string {
	if d == SwapAdd {
		return "add"
	}
	return "remove"
}

// PositionDirection is the side a trade or order opens.
type PositionDirection int8

const (
	Long PositionDirection = iota
	Short
)

func (d PositionDirection) String() string {
	if d == Long {
		return "long"
	}
	return "short"
}

// Opposite returns the closing side.
func (d PositionDirection) Opposite() PositionDirection {
	if d == Long {
		return Short
	}
	return Long
}

// QuoteSwapDirection maps a trade side to the quote reserve's direction.
// Buying base adds quote to the curve.
func QuoteSwapDirection(d PositionDirection) SwapDirection {
	if d == Long {
		return SwapAdd
	}
	return SwapRemove
}

// BaseSwapDirection maps a trade side to the base reserve's direction.
// Buying base removes base from the curve.
func BaseSwapDirection(d PositionDirection) SwapDirection {
	if d == Long {
		return SwapRemove
	}
	return SwapAdd
}

// AMM is the per-market curve state. Reserves are in AMMReservePrecision,
// prices in MarkPricePrecision, peg in PegPrecision, fee accumulators in
// QuotePrecision.
type AMM struct {
	Oracle       string        `json:"oracle"`
	OracleSource oracle.Source `json:"oracle_source"`

	BaseAssetReserve  fpmath.U128 `json:"base_asset_reserve"`
	QuoteAssetReserve fpmath.U128 `json:"quote_asset_reserve"`
	SqrtK             fpmath.U128 `json:"sqrt_k"`
	PegMultiplier     fpmath.U128 `json:"peg_multiplier"`

	CumulativeFundingRateLong  fpmath.I128 `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort fpmath.I128 `json:"cumulative_funding_rate_short"`
	LastFundingRate            fpmath.I128 `json:"last_funding_rate"`
	LastFundingRateTs          int64       `json:"last_funding_rate_ts"`
	FundingPeriod              int64       `json:"funding_period"`

	LastOraclePrice       fpmath.I128 `json:"last_oracle_price"`
	LastOraclePriceTwap   fpmath.I128 `json:"last_oracle_price_twap"`
	LastOraclePriceTwapTs int64       `json:"last_oracle_price_twap_ts"`
	LastMarkPriceTwap     fpmath.U128 `json:"last_mark_price_twap"`
	LastMarkPriceTwapTs   int64       `json:"last_mark_price_twap_ts"`

	TotalFee                   fpmath.U128 `json:"total_fee"`
	TotalFeeMinusDistributions fpmath.U128 `json:"total_fee_minus_distributions"`
	TotalFeeWithdrawn          fpmath.U128 `json:"total_fee_withdrawn"`
	NetRevenueSinceLastFunding fpmath.I128 `json:"net_revenue_since_last_funding"`

	MinimumBaseAssetTradeSize  fpmath.U128 `json:"minimum_base_asset_trade_size"`
	MinimumQuoteAssetTradeSize fpmath.U128 `json:"minimum_quote_asset_trade_size"`

	// BaseSpread is the full bid/ask spread in basis points.
	BaseSpread uint16 `json:"base_spread"`
}

// MarkPrice is the current reserve price.
func (a AMM) MarkPrice() (fpmath.U128, error) {
	return CalculatePrice(a.QuoteAssetReserve, a.BaseAssetReserve, a.PegMultiplier)
}

// CalculatePrice returns quote * peg * PriceToPegPrecisionRatio / base.
func CalculatePrice(quoteAssetReserve, baseAssetReserve, pegMultiplier fpmath.U128) (fpmath.U128, error) {
	var c fpmath.Checked
	n := c.MulW(quoteAssetReserve.Wide(), pegMultiplier.Wide())
	n = c.MulW(n, fpmath.PriceToPegPrecisionRatioU.Wide())
	p := c.DivW(n, baseAssetReserve.Wide())
	return c.Narrow(p), c.Err()
}

// CalculateSwapOutput applies swapAmount to inputReserve and returns the
// output reserve that keeps the product at sqrtK^2, followed by the new input reserve.
func CalculateSwapOutput(swapAmount, inputReserve fpmath.U128, direction SwapDirection, sqrtK fpmath.U128) (fpmath.U128, fpmath.U128, error) {
	k := fpmath.Square(sqrtK)

	var newInput fpmath.U128
	var err error
	if direction == SwapAdd {
		newInput, err = inputReserve.Add(swapAmount)
	} else {
		if swapAmount.Gte(inputReserve) {
			return fpmath.U128{}, fpmath.U128{}, fmt.Errorf("remove %s from reserve %s: %w", swapAmount, inputReserve, errcode.ErrTradeSizeTooLarge)
		}
		newInput, err = inputReserve.Sub(swapAmount)
	}
	if err != nil {
		return fpmath.U128{}, fpmath.U128{}, err
	}

	var c fpmath.Checked
	out := c.Narrow(c.DivW(k, newInput.Wide()))
	return out, newInput, c.Err()
}

// QuoteAssetAmountSwapped converts the change in quote reserve into QuotePrecision.
func QuoteAssetAmountSwapped(reserveBefore, reserveAfter fpmath.U128, direction SwapDirection, pegMultiplier fpmath.U128) (fpmath.U128, error) {
	var change fpmath.U128
	var err error
	if direction == SwapAdd {
		change, err = reserveBefore.Sub(reserveAfter)
	} else {
		change, err = reserveAfter.Sub(reserveBefore)
	}
	if err != nil {
		return fpmath.U128{}, err
	}
	return fpmath.ReserveToAssetAmount(change, pegMultiplier)
}

// swapQuoteReserves trades a quote reserve amount without touching the twap.
func swapQuoteReserves(a AMM, quoteReserveAmount fpmath.U128, direction SwapDirection) (AMM, fpmath.I128, error) {
	newBase, newQuote, err := CalculateSwapOutput(quoteReserveAmount, a.QuoteAssetReserve, direction, a.SqrtK)
	if err != nil {
		return a, fpmath.I128{}, err
	}

	var c fpmath.Checked
	baseDelta := c.SubI(c.ToI128(a.BaseAssetReserve), c.ToI128(newBase))
	if err := c.Err(); err != nil {
		return a, fpmath.I128{}, err
	}
	a.BaseAssetReserve = newBase
	a.QuoteAssetReserve = newQuote
	return a, baseDelta, nil
}

// swapBaseReserves trades a base amount without touching the twap.
func swapBaseReserves(a AMM, baseAmount fpmath.U128, direction SwapDirection) (AMM, fpmath.U128, error) {
	before := a.QuoteAssetReserve
	newQuote, newBase, err := CalculateSwapOutput(baseAmount, a.BaseAssetReserve, direction, a.SqrtK)
	if err != nil {
		return a, fpmath.U128{}, err
	}
	quote, err := QuoteAssetAmountSwapped(before, newQuote, direction, a.PegMultiplier)
	if err != nil {
		return a, fpmath.U128{}, err
	}
	a.BaseAssetReserve = newBase
	a.QuoteAssetReserve = newQuote
	return a, quote, nil
}

// SwapQuote trades quoteAmount (QuotePrecision) against the curve and
// returns the updated AMM with the signed base amount the trader received.
// The mark twap is updated before the reserves move.
func SwapQuote(a AMM, quoteAmount fpmath.U128, direction SwapDirection, now int64, precomputedMark *fpmath.U128) (AMM, fpmath.I128, error) {
	a, _, err := UpdateMarkTwap(a, now, precomputedMark)
	if err != nil {
		return a, fpmath.I128{}, err
	}

	reserveAmount, err := fpmath.AssetToReserveAmount(quoteAmount, a.PegMultiplier)
	if err != nil {
		return a, fpmath.I128{}, err
	}
	if reserveAmount.Lt(a.MinimumQuoteAssetTradeSize) {
		return a, fpmath.I128{}, fmt.Errorf("quote reserve amount %s below %s: %w",
			reserveAmount, a.MinimumQuoteAssetTradeSize, errcode.ErrTradeSizeTooSmall)
	}
	return swapQuoteReserves(a, reserveAmount, direction)
}

// SwapBase trades baseAmount against the curve and returns the quote amount
// exchanged, in QuotePrecision.
func SwapBase(a AMM, baseAmount fpmath.U128, direction SwapDirection, now int64, precomputedMark *fpmath.U128) (AMM, fpmath.U128, error) {
	a, _, err := UpdateMarkTwap(a, now, precomputedMark)
	if err != nil {
		return a, fpmath.U128{}, err
	}
	return swapBaseReserves(a, baseAmount, direction)
}

// TerminalPrice is the price after unwinding netBase fully against the curve.
func TerminalPrice(a AMM, netBase fpmath.I128) (fpmath.U128, error) {
	direction := SwapRemove
	if netBase.IsPositive() {
		direction = SwapAdd
	}
	newQuote, newBase, err := CalculateSwapOutput(netBase.Abs(), a.BaseAssetReserve, direction, a.SqrtK)
	if err != nil {
		return fpmath.U128{}, err
	}
	return CalculatePrice(newQuote, newBase, a.PegMultiplier)
}

// MovePrice sets the reserves and re-derives sqrt_k from them.
func MovePrice(a AMM, baseAssetReserve, quoteAssetReserve fpmath.U128) (AMM, error) {
	var c fpmath.Checked
	k := c.MulW(baseAssetReserve.Wide(), quoteAssetReserve.Wide())
	sqrtK := c.Narrow(k.Sqrt())
	if err := c.Err(); err != nil {
		return a, err
	}
	a.BaseAssetReserve = baseAssetReserve
	a.QuoteAssetReserve = quoteAssetReserve
	a.SqrtK = sqrtK
	return a, nil
}

// MoveToPrice moves the reserves along the curve until the mark equals targetPrice.
func MoveToPrice(a AMM, targetPrice fpmath.U128) (AMM, error) {
	if targetPrice.IsZero() {
		return a, fpmath.ErrDivideByZero
	}
	var c fpmath.Checked
	k := fpmath.Square(a.SqrtK)
	sq := c.MulW(k, a.PegMultiplier.Wide())
	sq = c.MulW(sq, fpmath.PriceToPegPrecisionRatioU.Wide())
	sq = c.DivW(sq, targetPrice.Wide())
	newBase := sq.Sqrt()
	newQuote := c.DivW(k, newBase)
	base := c.Narrow(newBase)
	quote := c.Narrow(newQuote)
	if err := c.Err(); err != nil {
		return a, err
	}
	a.BaseAssetReserve = base
	a.QuoteAssetReserve = quote
	return a, nil
}

// MaxBaseAssetAmountToTrade returns the base amount and side that would move
// the mark to limitPrice. A zero amount means the mark is already there.
func MaxBaseAssetAmountToTrade(a AMM, limitPrice fpmath.U128) (fpmath.U128, PositionDirection, error) {
	if limitPrice.IsZero() {
		return fpmath.U128{}, Long, fmt.Errorf("zero limit price: %w", errcode.ErrInvalidOrder)
	}
	var c fpmath.Checked
	k := fpmath.Square(a.SqrtK)
	sq := c.MulW(k, fpmath.MarkPricePrecisionU.Wide())
	sq = c.MulW(sq, a.PegMultiplier.Wide())
	sq = c.DivW(sq, limitPrice.Wide())
	sq = c.DivW(sq, fpmath.PegPrecisionU.Wide())
	newBase := c.Narrow(sq.Sqrt())
	if err := c.Err(); err != nil {
		return fpmath.U128{}, Long, err
	}

	switch newBase.Cmp(a.BaseAssetReserve) {
	case 1:
		amt, err := newBase.Sub(a.BaseAssetReserve)
		return amt, Short, err
	case -1:
		amt, err := a.BaseAssetReserve.Sub(newBase)
		return amt, Long, err
	default:
		return fpmath.U128{}, Long, nil
	}
}

// BaseAssetValueAndPnl values a position by closing it hypothetically
// against the curve. pnl is value - entry for longs and entry - value for shorts.
func BaseAssetValueAndPnl(baseAssetAmount fpmath.I128, quoteAssetAmount fpmath.U128, a AMM) (fpmath.U128, fpmath.I128, error) {
	if baseAssetAmount.IsZero() {
		return fpmath.U128{}, fpmath.I128{}, nil
	}

	direction := SwapRemove
	if baseAssetAmount.IsPositive() {
		direction = SwapAdd
	}
	newQuote, _, err := CalculateSwapOutput(baseAssetAmount.Abs(), a.BaseAssetReserve, direction, a.SqrtK)
	if err != nil {
		return fpmath.U128{}, fpmath.I128{}, err
	}

	var c fpmath.Checked
	var change fpmath.U128
	if direction == SwapAdd {
		change = c.Sub(a.QuoteAssetReserve, newQuote)
	} else {
		change = c.Sub(newQuote, a.QuoteAssetReserve)
	}
	value := c.U(fpmath.ReserveToAssetAmount(change, a.PegMultiplier))
	v := c.ToI128(value)
	entry := c.ToI128(quoteAssetAmount)
	var pnl fpmath.I128
	if baseAssetAmount.IsPositive() {
		pnl = c.SubI(v, entry)
	} else {
		pnl = c.SubI(entry, v)
	}
	return value, pnl, c.Err()
}

// BaseAssetValue is BaseAssetValueAndPnl without the pnl.
func BaseAssetValue(baseAssetAmount fpmath.I128, a AMM) (fpmath.U128, error) {
	v, _, err := BaseAssetValueAndPnl(baseAssetAmount, fpmath.U128Zero, a)
	return v, err
}

// ShouldRoundTrade reports whether the gap between a quote amount and a
// position's value is below the minimum tradable size.
func ShouldRoundTrade(a AMM, quoteAssetAmount, baseAssetValue fpmath.U128) (bool, error) {
	var diff fpmath.U128
	if quoteAssetAmount.Gt(baseAssetValue) {
		diff, _ = quoteAssetAmount.Sub(baseAssetValue)
	} else {
		diff, _ = baseAssetValue.Sub(quoteAssetAmount)
	}
	reserve, err := fpmath.AssetToReserveAmount(diff, a.PegMultiplier)
	if err != nil {
		return false, err
	}
	return reserve.Lt(a.MinimumQuoteAssetTradeSize), nil
}
