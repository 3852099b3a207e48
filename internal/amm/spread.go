package amm

import (
	"fmt"

	"PerpVAMM/internal/errcode"
	fpmath "PerpVAMM/internal/math"
)

var basisPoints = fpmath.NewU128(10_000)

// MaxBaseSpread is the widest full spread a market may quote: the half
// spread stays at or below half the mark, so the long side's price never
// reaches zero.
const MaxBaseSpread uint16 = 10_000

// ValidateBaseSpread rejects spreads above MaxBaseSpread.
func ValidateBaseSpread(spread uint16) error {
	if spread > MaxBaseSpread {
		return fmt.Errorf("base spread %d bps above %d: %w", spread, MaxBaseSpread, errcode.ErrInvalidMarketParams)
	}
	return nil
}

// halfSpread is mark * base_spread / 2 / 10000.
func halfSpread(a AMM, mark fpmath.U128) (fpmath.U128, error) {
	var c fpmath.Checked
	s := c.MulDiv(mark, fpmath.NewU128(uint64(a.BaseSpread)), basisPoints)
	return c.Div(s, fpmath.NewU128(2)), c.Err()
}

// SpreadReserves returns the reserves a trader on the given side executes
// against. The quote reserve is scaled by sqrt(mark / spread_price), where
// spread_price is mark minus the half spread for longs and plus it for
// shorts; the base reserve keeps the product at k.
func SpreadReserves(a AMM, direction PositionDirection) (fpmath.U128, fpmath.U128, error) {
	if a.BaseSpread == 0 {
		return a.BaseAssetReserve, a.QuoteAssetReserve, nil
	}
	mark, err := a.MarkPrice()
	if err != nil {
		return fpmath.U128{}, fpmath.U128{}, err
	}
	half, err := halfSpread(a, mark)
	if err != nil {
		return fpmath.U128{}, fpmath.U128{}, err
	}

	var c fpmath.Checked
	var spreadPrice fpmath.U128
	if direction == Long {
		spreadPrice = c.Sub(mark, half)
	} else {
		spreadPrice = c.Add(mark, half)
	}
	sq := c.MulW(fpmath.Square(a.QuoteAssetReserve), mark.Wide())
	sq = c.DivW(sq, spreadPrice.Wide())
	quote := c.Narrow(sq.Sqrt())
	base := c.Narrow(c.DivW(fpmath.Square(a.SqrtK), quote.Wide()))
	return base, quote, c.Err()
}

// BidAskPrice returns the prices a short and a long would see for an
// infinitesimal trade.
func BidAskPrice(a AMM) (fpmath.U128, fpmath.U128, error) {
	var c fpmath.Checked
	bb, bq, err := SpreadReserves(a, Short)
	c.Fail(err)
	ab, aq, err := SpreadReserves(a, Long)
	c.Fail(err)
	if err := c.Err(); err != nil {
		return fpmath.U128{}, fpmath.U128{}, err
	}
	bid := c.U(CalculatePrice(bq, bb, a.PegMultiplier))
	ask := c.U(CalculatePrice(aq, ab, a.PegMultiplier))
	return bid, ask, c.Err()
}

// SpreadSwap is the outcome of a quote swap executed with the bid/ask spread.
type SpreadSwap struct {
	AMM       AMM
	BaseDelta fpmath.I128 // base received by the trader, signed
	// QuoteWithoutSpread is what the same base amount costs on the canonical curve.
	QuoteWithoutSpread fpmath.U128
	// Surplus is the quote the protocol captured through the spread.
	Surplus fpmath.U128
}

// SwapQuoteWithSpread prices quoteAmount against the spread reserves for the
// trader, then moves the canonical reserves by the same base amount.
func SwapQuoteWithSpread(a AMM, quoteAmount fpmath.U128, direction PositionDirection, now int64) (SpreadSwap, error) {
	a, _, err := UpdateMarkTwap(a, now, nil)
	if err != nil {
		return SpreadSwap{}, err
	}

	reserveAmount, err := fpmath.AssetToReserveAmount(quoteAmount, a.PegMultiplier)
	if err != nil {
		return SpreadSwap{}, err
	}
	if reserveAmount.Lt(a.MinimumQuoteAssetTradeSize) {
		return SpreadSwap{}, fmt.Errorf("quote reserve amount %s below %s: %w",
			reserveAmount, a.MinimumQuoteAssetTradeSize, errcode.ErrTradeSizeTooSmall)
	}

	spreadBase, spreadQuote, err := SpreadReserves(a, direction)
	if err != nil {
		return SpreadSwap{}, err
	}
	withSpread := a
	withSpread.BaseAssetReserve = spreadBase
	withSpread.QuoteAssetReserve = spreadQuote
	_, baseDelta, err := swapQuoteReserves(withSpread, reserveAmount, QuoteSwapDirection(direction))
	if err != nil {
		return SpreadSwap{}, err
	}

	canonical, quoteWithout, err := swapBaseReserves(a, baseDelta.Abs(), BaseSwapDirection(direction))
	if err != nil {
		return SpreadSwap{}, err
	}

	var surplus fpmath.U128
	if direction == Long {
		surplus = quoteAmount.SaturatingSub(quoteWithout)
	} else {
		surplus = quoteWithout.SaturatingSub(quoteAmount)
	}

	return SpreadSwap{
		AMM:                canonical,
		BaseDelta:          baseDelta,
		QuoteWithoutSpread: quoteWithout,
		Surplus:            surplus,
	}, nil
}
