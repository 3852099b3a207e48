package math_test

import (
	"errors"
	"testing"

	fpmath "PerpVAMM/internal/math"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// U128
// ============================================================================

func TestU128_AddOverflow(t *testing.T) {
	_, err := fpmath.MaxU128.Add(fpmath.NewU128(1))
	assert.ErrorIs(t, err, fpmath.ErrMathOverflow)

	v, err := fpmath.NewU128(40).Add(fpmath.NewU128(2))
	require.NoError(t, err)
	assert.Equal(t, "42", v.String())
}

func TestU128_SubUnderflow(t *testing.T) {
	_, err := fpmath.NewU128(1).Sub(fpmath.NewU128(2))
	assert.ErrorIs(t, err, fpmath.ErrMathOverflow)
	assert.True(t, fpmath.NewU128(1).SaturatingSub(fpmath.NewU128(2)).IsZero())
}

func TestU128_MulOverflow(t *testing.T) {
	big := fpmath.MustU128("340282366920938463463374607431768211455") // 2^128-1
	_, err := big.Mul(fpmath.NewU128(2))
	assert.ErrorIs(t, err, fpmath.ErrMathOverflow)
}

func TestU128_DivByZero(t *testing.T) {
	_, err := fpmath.NewU128(1).Div(fpmath.U128Zero)
	assert.ErrorIs(t, err, fpmath.ErrDivideByZero)
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^127) * 4 / 8 overflows 128 bits in the middle but not at the end.
	a := fpmath.MustU128("170141183460469231731687303715884105728")
	got, err := fpmath.MulDiv(a, fpmath.NewU128(4), fpmath.NewU128(8))
	require.NoError(t, err)
	assert.Equal(t, "85070591730234615865843651857942052864", got.String())
}

func TestU128_TextRoundTrip(t *testing.T) {
	v := fpmath.MustU128("123456789012345678901234567890")
	b, err := v.MarshalText()
	require.NoError(t, err)

	var out fpmath.U128
	require.NoError(t, out.UnmarshalText(b))
	assert.True(t, v.Eq(out))
}

// ============================================================================
// I128
// ============================================================================

func TestI128_Arithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   func() (fpmath.I128, error)
		want string
	}{
		{"pos+neg", func() (fpmath.I128, error) { return fpmath.NewI128(5).Add(fpmath.NewI128(-8)) }, "-3"},
		{"neg-neg", func() (fpmath.I128, error) { return fpmath.NewI128(-5).Sub(fpmath.NewI128(-8)) }, "3"},
		{"neg*neg", func() (fpmath.I128, error) { return fpmath.NewI128(-4).Mul(fpmath.NewI128(-6)) }, "24"},
		{"truncate toward zero", func() (fpmath.I128, error) { return fpmath.NewI128(-7).Div(fpmath.NewI128(2)) }, "-3"},
		{"zero is not negative", func() (fpmath.I128, error) { return fpmath.NewI128(-3).Add(fpmath.NewI128(3)) }, "0"},
		{"shl10", func() (fpmath.I128, error) { return fpmath.NewI128(-1).Shl10() }, "-1024"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestI128_Range(t *testing.T) {
	// 2^127 does not fit the signed range.
	_, err := fpmath.I128FromU128(fpmath.MustU128("170141183460469231731687303715884105728"))
	assert.ErrorIs(t, err, fpmath.ErrCastFailure)

	_, err = fpmath.NewI128(-1).U128()
	assert.ErrorIs(t, err, fpmath.ErrCastFailure)
}

func TestI128_Int64(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 1<<63 - 1, -1 << 63} {
		got, ok := fpmath.NewI128(v).Int64()
		assert.True(t, ok)
		assert.Equal(t, v, got)
	}
}

// ============================================================================
// Checked
// ============================================================================

func TestChecked_FirstErrorWins(t *testing.T) {
	var c fpmath.Checked
	x := c.Sub(fpmath.NewU128(1), fpmath.NewU128(2))
	y := c.Div(x, fpmath.U128Zero)

	assert.True(t, y.IsZero())
	assert.True(t, errors.Is(c.Err(), fpmath.ErrMathOverflow), "expected the underflow, got %v", c.Err())
}

// ============================================================================
// Conversions
// ============================================================================

func TestAssetReserveConversion(t *testing.T) {
	peg := fpmath.NewU128(1_000) // 1.0
	quote := fpmath.NewU128(1_000_000)

	reserve, err := fpmath.AssetToReserveAmount(quote, peg)
	require.NoError(t, err)
	assert.Equal(t, "10000000000000", reserve.String())

	back, err := fpmath.ReserveToAssetAmount(reserve, peg)
	require.NoError(t, err)
	assert.True(t, quote.Eq(back))
}

func TestUpdatedCollateral_FloorsAtZero(t *testing.T) {
	got, err := fpmath.UpdatedCollateral(fpmath.NewU128(100), fpmath.NewI128(-150))
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = fpmath.UpdatedCollateral(fpmath.NewU128(100), fpmath.NewI128(25))
	require.NoError(t, err)
	assert.Equal(t, "125", got.String())
}

func TestDecimalConfig(t *testing.T) {
	v, err := fpmath.PriceConfig.ParseDecimal("42.5")
	require.NoError(t, err)
	assert.Equal(t, "425000000000", v.String())
	assert.True(t, decimal.RequireFromString("42.5").Equal(fpmath.PriceConfig.ToDecimal(v)))

	_, err = fpmath.QuoteConfig.ParseDecimal("-1")
	assert.Error(t, err)
}

// ============================================================================
// Funding
// ============================================================================

func TestFundingPayment_LongsPayOnPositiveDelta(t *testing.T) {
	rate := fpmath.NewI128(int64(fpmath.MarkPricePrecision * fpmath.FundingPaymentPrecision)) // 1.0 per base
	base := fpmath.NewI128(int64(fpmath.AMMReservePrecision))                                    // 1 base unit

	long, err := fpmath.FundingPaymentInQuote(rate, fpmath.I128Zero, base)
	require.NoError(t, err)
	assert.Equal(t, "-1000000", long.String())

	short, err := fpmath.FundingPaymentInQuote(rate, fpmath.I128Zero, base.Neg())
	require.NoError(t, err)
	assert.Equal(t, "1000000", short.String())
}

func TestFundingRate_PeriodAdjustment(t *testing.T) {
	mark := fpmath.NewU128(11 * fpmath.MarkPricePrecision)
	oracle := fpmath.NewI128(int64(10 * fpmath.MarkPricePrecision))

	rate, err := fpmath.FundingRate(mark, oracle, fpmath.OneHour)
	require.NoError(t, err)
	// spread 1.0 * 1e4 / 24
	want := int64(fpmath.MarkPricePrecision) * int64(fpmath.FundingPaymentPrecision) / 24
	assert.Equal(t, fpmath.NewI128(want).String(), rate.String())
}
