package math

// FundingPayment returns the payment owed on a position since its last
// settlement, in AMM reserve precision. Longs pay shorts when the rate delta
// is positive: the result is negative for a payer and positive for a receiver.
//
// Scale: rate (MarkPricePrecision * FundingPaymentPrecision) * base
// (AMMReservePrecision) / MarkPricePrecision / FundingPaymentPrecision.
func FundingPayment(cumulativeFundingRate, lastCumulativeFundingRate, baseAssetAmount I128) (I128, error) {
	var c Checked
	delta := c.SubI(cumulativeFundingRate, lastCumulativeFundingRate)
	magnitude := c.MulDiv(delta.Abs(), baseAssetAmount.Abs(), MarkPricePrecisionU)
	magnitude = c.Div(magnitude, FundingPaymentPrecisionU)
	payment := c.ToI128(magnitude)
	if err := c.Err(); err != nil {
		return I128{}, err
	}
	// Longs pay on a positive delta, shorts receive.
	if baseAssetAmount.IsPositive() {
		payment = payment.Neg()
	}
	if delta.IsNegative() {
		payment = payment.Neg()
	}
	return payment, nil
}

// FundingPaymentInQuote converts a FundingPayment result to QuotePrecision.
func FundingPaymentInQuote(cumulativeFundingRate, lastCumulativeFundingRate, baseAssetAmount I128) (I128, error) {
	p, err := FundingPayment(cumulativeFundingRate, lastCumulativeFundingRate, baseAssetAmount)
	if err != nil {
		return I128{}, err
	}
	return p.Div(AMMToQuotePrecisionRatioI)
}

// FundingRate converts a twap spread into a per-period funding rate:
// spread * FundingPaymentPrecision / (24h / period).
func FundingRate(markTwap U128, oracleTwap I128, fundingPeriod int64) (I128, error) {
	if fundingPeriod < 1 {
		return I128{}, ErrDivideByZero
	}
	period := fundingPeriod
	if period < OneHour {
		period = OneHour
	}
	periodAdjustment := OneDay / period
	if periodAdjustment < 1 {
		periodAdjustment = 1
	}

	var c Checked
	mark := c.ToI128(markTwap)
	spread := c.SubI(mark, oracleTwap)
	rate := c.MulI(spread, FundingPaymentPrecisionI)
	rate = c.DivI(rate, NewI128(periodAdjustment))
	return rate, c.Err()
}
