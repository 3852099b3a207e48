// Package oracle decides whether an external price reading can be trusted.
package oracle

import (
	fpmath "PerpVAMM/internal/math"
)

// PriceData is a decoded reading, scaled to MarkPricePrecision.
type PriceData struct {
	Price             fpmath.I128 `json:"price"`
	Twap              fpmath.I128 `json:"twap"`
	Confidence        fpmath.U128 `json:"confidence"`
	TwapConfidence    fpmath.U128 `json:"twap_confidence"`
	Delay             int64       `json:"delay"`               // slots since the feed last updated
	HasSufficientData bool        `json:"has_sufficient_data"`
}

// ValidityGuardRails bound how stale, volatile or uncertain a reading may be.
type ValidityGuardRails struct {
	SlotsBeforeStale          int64       `json:"slots_before_stale" toml:"slots_before_stale"`
	ConfidenceIntervalMaxSize fpmath.U128 `json:"confidence_interval_max_size" toml:"confidence_interval_max_size"`
	TooVolatileRatio          fpmath.I128 `json:"too_volatile_ratio" toml:"too_volatile_ratio"`
}

// PriceDivergenceGuardRails bound the mark/oracle spread for risk-increasing trades.
type PriceDivergenceGuardRails struct {
	MarkOracleDivergenceNumerator   fpmath.U128 `json:"mark_oracle_divergence_numerator" toml:"mark_oracle_divergence_numerator"`
	MarkOracleDivergenceDenominator fpmath.U128 `json:"mark_oracle_divergence_denominator" toml:"mark_oracle_divergence_denominator"`
}

type GuardRails struct {
	PriceDivergence    PriceDivergenceGuardRails `json:"price_divergence" toml:"price_divergence"`
	Validity           ValidityGuardRails        `json:"validity" toml:"validity"`
	UseForLiquidations bool                      `json:"use_for_liquidations" toml:"use_for_liquidations"`
}

// DefaultGuardRails: stale after 1000 slots, confidence under 2% of price,
// no more than a 5x jump against the twap, mark within 10% of the oracle.
func DefaultGuardRails() GuardRails {
	return GuardRails{
		PriceDivergence: PriceDivergenceGuardRails{
			MarkOracleDivergenceNumerator:   fpmath.NewU128(1),
			MarkOracleDivergenceDenominator: fpmath.NewU128(10),
		},
		Validity: ValidityGuardRails{
			SlotsBeforeStale:          1000,
			ConfidenceIntervalMaxSize: fpmath.NewU128(50),
			TooVolatileRatio:          fpmath.NewI128(5),
		},
		UseForLiquidations: true,
	}
}

// IsValid reports whether a reading passes every validity guard rail.
func IsValid(data PriceData, rails ValidityGuardRails) (bool, error) {
	if !data.Price.IsPositive() || !data.Twap.IsPositive() {
		return false, nil
	}
	if !data.HasSufficientData {
		return false, nil
	}

	var c fpmath.Checked
	one := fpmath.NewI128(1)
	priceOverTwap := c.DivI(data.Price, fpmath.MaxI128(one, data.Twap))
	twapOverPrice := c.DivI(data.Twap, fpmath.MaxI128(one, data.Price))

	price := c.ToU128(data.Price)
	twap := c.ToU128(data.Twap)
	confDenom := c.Div(price, fpmath.MaxOfU128(fpmath.U128One, data.Confidence))
	twapConfDenom := c.Div(twap, fpmath.MaxOfU128(fpmath.U128One, data.TwapConfidence))
	if err := c.Err(); err != nil {
		return false, err
	}

	tooVolatile := priceOverTwap.Gt(rails.TooVolatileRatio) || twapOverPrice.Gt(rails.TooVolatileRatio)
	confTooLarge := confDenom.Lt(rails.ConfidenceIntervalMaxSize) || twapConfDenom.Lt(rails.ConfidenceIntervalMaxSize)
	stale := data.Delay > rails.SlotsBeforeStale

	return !(tooVolatile || confTooLarge || stale), nil
}
