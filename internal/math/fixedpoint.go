package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DecimalConfig describes how a fixed-point quantity maps to a human decimal.
type DecimalConfig struct {
	Name  string
	Scale uint64 // 10^DecimalPrecision
	Exp   int32  // DecimalPrecision
}

var (
	PriceConfig   = DecimalConfig{Name: "price", Scale: MarkPricePrecision, Exp: 10}
	QuoteConfig   = DecimalConfig{Name: "quote", Scale: QuotePrecision, Exp: 6}
	BaseConfig    = DecimalConfig{Name: "base", Scale: AMMReservePrecision, Exp: 13}
	PegConfig     = DecimalConfig{Name: "peg", Scale: PegPrecision, Exp: 3}
	MarginConfig  = DecimalConfig{Name: "margin", Scale: MarginPrecision, Exp: 4}
	FundingConfig = DecimalConfig{Name: "funding", Scale: MarkPricePrecision * FundingPaymentPrecision, Exp: 14}
)

// ToDecimal renders an unsigned fixed-point value as a decimal.
func (dc DecimalConfig) ToDecimal(v U128) decimal.Decimal {
	return decimal.RequireFromString(v.String()).Shift(-dc.Exp)
}

// ToDecimalI renders a signed fixed-point value as a decimal.
func (dc DecimalConfig) ToDecimalI(v I128) decimal.Decimal {
	return decimal.RequireFromString(v.String()).Shift(-dc.Exp)
}

// Format renders v with the config's full precision, e.g. "42.5000000000".
func (dc DecimalConfig) Format(v U128) string {
	return dc.ToDecimal(v).StringFixed(dc.Exp)
}

// FromDecimal parses a decimal into the fixed-point scale. Digits beyond the
// scale are truncated toward zero; negative values are rejected.
func (dc DecimalConfig) FromDecimal(d decimal.Decimal) (U128, error) {
	if d.IsNegative() {
		return U128{}, fmt.Errorf("%s %s: %w", dc.Name, d.String(), ErrCastFailure)
	}
	scaled := d.Shift(dc.Exp).Truncate(0)
	return U128FromString(scaled.String())
}

// FromDecimalI is FromDecimal for signed quantities.
func (dc DecimalConfig) FromDecimalI(d decimal.Decimal) (I128, error) {
	scaled := d.Shift(dc.Exp).Truncate(0)
	return I128FromString(scaled.String())
}

// ParseDecimal parses a human string such as "42.5" into the scale.
func (dc DecimalConfig) ParseDecimal(s string) (U128, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return U128{}, fmt.Errorf("%s %q: %w", dc.Name, s, err)
	}
	return dc.FromDecimal(d)
}
