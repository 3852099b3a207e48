package math

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// maxI128Abs is 2^127 - 1.
var maxI128Abs = U128{u: *new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 127), uint256.NewInt(1))}

// I128 is a signed 128-bit integer stored as sign and magnitude.
// Zero is never negative. Division truncates toward zero.
type I128 struct {
	abs U128
	neg bool
}

// NewI128 creates an I128 from an int64.
func NewI128(v int64) I128 {
	if v < 0 {
		// -(v+1)+1 avoids overflow for MinInt64.
		return I128{abs: NewU128(uint64(-(v + 1)) + 1), neg: true}
	}
	return I128{abs: NewU128(uint64(v))}
}

func newI128(abs U128, neg bool) (I128, error) {
	if abs.Gt(maxI128Abs) {
		return I128{}, ErrMathOverflow
	}
	if abs.IsZero() {
		neg = false
	}
	return I128{abs: abs, neg: neg}, nil
}

// I128FromU128 casts a U128 into the signed range.
func I128FromU128(v U128) (I128, error) {
	if v.Gt(maxI128Abs) {
		return I128{}, ErrCastFailure
	}
	return I128{abs: v}, nil
}

// MustI128FromU128 panics if v does not fit. Intended for constants.
func MustI128FromU128(v U128) I128 {
	i, err := I128FromU128(v)
	if err != nil {
		panic(err)
	}
	return i
}

// I128FromString parses an optionally signed base-10 string.
func I128FromString(s string) (I128, error) {
	neg := strings.HasPrefix(s, "-")
	abs, err := U128FromString(strings.TrimPrefix(s, "-"))
	if err != nil {
		return I128{}, err
	}
	v, err := newI128(abs, neg)
	if err != nil {
		return I128{}, fmt.Errorf("parse %q: %w", s, err)
	}
	return v, nil
}

func MustI128(s string) I128 {
	v, err := I128FromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (a I128) IsZero() bool     { return a.abs.IsZero() }
func (a I128) IsNegative() bool { return a.neg }
func (a I128) IsPositive() bool { return !a.neg && !a.abs.IsZero() }

// Sign returns -1, 0 or 1.
func (a I128) Sign() int {
	switch {
	case a.abs.IsZero():
		return 0
	case a.neg:
		return -1
	default:
		return 1
	}
}

// Abs returns the magnitude (unsigned_abs).
func (a I128) Abs() U128 { return a.abs }

func (a I128) Neg() I128 {
	if a.abs.IsZero() {
		return a
	}
	return I128{abs: a.abs, neg: !a.neg}
}

// U128 casts a non-negative value; negative values fail.
func (a I128) U128() (U128, error) {
	if a.neg {
		return U128{}, ErrCastFailure
	}
	return a.abs, nil
}

// Int64 returns the value and whether it fits in 64 bits.
func (a I128) Int64() (int64, bool) {
	u, ok := a.abs.Uint64()
	if !ok {
		return 0, false
	}
	if a.neg {
		if u > 1<<63 {
			return 0, false
		}
		return -int64(u - 1) - 1, true
	}
	if u > 1<<63-1 {
		return 0, false
	}
	return int64(u), true
}

func (a I128) Cmp(b I128) int {
	switch {
	case a.neg && !b.neg:
		return -1
	case !a.neg && b.neg:
		return 1
	case a.neg:
		return b.abs.Cmp(a.abs)
	default:
		return a.abs.Cmp(b.abs)
	}
}

func (a I128) Eq(b I128) bool  { return a.Cmp(b) == 0 }
func (a I128) Lt(b I128) bool  { return a.Cmp(b) < 0 }
func (a I128) Gt(b I128) bool  { return a.Cmp(b) > 0 }
func (a I128) Lte(b I128) bool { return a.Cmp(b) <= 0 }
func (a I128) Gte(b I128) bool { return a.Cmp(b) >= 0 }

func (a I128) String() string {
	if a.neg {
		return "-" + a.abs.String()
	}
	return a.abs.String()
}

func (a I128) Add(b I128) (I128, error) {
	if a.neg == b.neg {
		sum, err := a.abs.Add(b.abs)
		if err != nil {
			return I128{}, err
		}
		return newI128(sum, a.neg)
	}
	if a.abs.Gte(b.abs) {
		d, _ := a.abs.Sub(b.abs)
		return newI128(d, a.neg)
	}
	d, _ := b.abs.Sub(a.abs)
	return newI128(d, b.neg)
}

func (a I128) Sub(b I128) (I128, error) {
	return a.Add(b.Neg())
}

func (a I128) Mul(b I128) (I128, error) {
	p, err := a.abs.Mul(b.abs)
	if err != nil {
		return I128{}, err
	}
	return newI128(p, a.neg != b.neg)
}

func (a I128) Div(b I128) (I128, error) {
	q, err := a.abs.Div(b.abs)
	if err != nil {
		return I128{}, err
	}
	return newI128(q, a.neg != b.neg)
}

func (a I128) MulI64(b int64) (I128, error) { return a.Mul(NewI128(b)) }
func (a I128) DivI64(b int64) (I128, error) { return a.Div(NewI128(b)) }

// MulDivI computes a*b/c with a 256-bit intermediate magnitude.
func MulDivI(a, b, c I128) (I128, error) {
	q, err := MulDiv(a.abs, b.abs, c.abs)
	if err != nil {
		return I128{}, err
	}
	return newI128(q, (a.neg != b.neg) != c.neg)
}

// Shl10 multiplies by 1024, the scale used for spread percentages.
func (a I128) Shl10() (I128, error) {
	return a.MulI64(1 << 10)
}

func MinI128(a, b I128) I128 {
	if a.Lt(b) {
		return a
	}
	return b
}

func MaxI128(a, b I128) I128 {
	if a.Gt(b) {
		return a
	}
	return b
}

func (a I128) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *I128) UnmarshalText(b []byte) error {
	v, err := I128FromString(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// AppendBytes appends a sign byte followed by the magnitude.
func (a I128) AppendBytes(buf []byte) []byte {
	if a.neg {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return a.abs.AppendBytes(buf)
}
