package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrMathOverflow = errors.New("math overflow")
	ErrDivideByZero = errors.New("division by zero")
	ErrCastFailure  = errors.New("cast failure")
)

// u128Limit is 2^128. Every U128 is strictly below it.
var u128Limit = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

// U128 is an unsigned 128-bit integer backed by uint256. The zero value is 0.
// Operations never wrap: anything that leaves [0, 2^128) returns ErrMathOverflow.
type U128 struct {
	u uint256.Int
}

// MaxU128 is 2^128 - 1.
var MaxU128 = U128{u: *new(uint256.Int).Sub(u128Limit, uint256.NewInt(1))}

// NewU128 creates a U128 from a uint64.
func NewU128(v uint64) U128 {
	return U128{u: *uint256.NewInt(v)}
}

// U128FromString parses a base-10 string.
func U128FromString(s string) (U128, error) {
	var z uint256.Int
	if err := z.SetFromDecimal(s); err != nil {
		return U128{}, fmt.Errorf("parse %q: %w", s, err)
	}
	return fromWide(&z)
}

// MustU128 parses a base-10 string and panics on failure. Intended for constants and tests.
func MustU128(s string) U128 {
	v, err := U128FromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func fromWide(z *uint256.Int) (U128, error) {
	if !z.Lt(u128Limit) {
		return U128{}, ErrMathOverflow
	}
	return U128{u: *z}, nil
}

func (a U128) IsZero() bool { return a.u.IsZero() }

func (a U128) Cmp(b U128) int { return a.u.Cmp(&b.u) }

func (a U128) Eq(b U128) bool  { return a.u.Eq(&b.u) }
func (a U128) Lt(b U128) bool  { return a.u.Lt(&b.u) }
func (a U128) Gt(b U128) bool  { return a.u.Gt(&b.u) }
func (a U128) Lte(b U128) bool { return !a.u.Gt(&b.u) }
func (a U128) Gte(b U128) bool { return !a.u.Lt(&b.u) }

// Uint64 returns the value and whether it fits in 64 bits.
func (a U128) Uint64() (uint64, bool) {
	return a.u.Uint64(), a.u.IsUint64()
}

func (a U128) String() string { return a.u.Dec() }

func (a U128) Add(b U128) (U128, error) {
	var z uint256.Int
	z.Add(&a.u, &b.u)
	return fromWide(&z)
}

func (a U128) Sub(b U128) (U128, error) {
	if a.u.Lt(&b.u) {
		return U128{}, ErrMathOverflow
	}
	var z uint256.Int
	z.Sub(&a.u, &b.u)
	return U128{u: z}, nil
}

// SaturatingSub returns max(0, a-b).
func (a U128) SaturatingSub(b U128) U128 {
	if a.u.Lt(&b.u) {
		return U128{}
	}
	var z uint256.Int
	z.Sub(&a.u, &b.u)
	return U128{u: z}
}

func (a U128) Mul(b U128) (U128, error) {
	// 128x128 always fits in 256 bits.
	var z uint256.Int
	z.Mul(&a.u, &b.u)
	return fromWide(&z)
}

// Div truncates toward zero.
func (a U128) Div(b U128) (U128, error) {
	if b.IsZero() {
		return U128{}, ErrDivideByZero
	}
	var z uint256.Int
	z.Div(&a.u, &b.u)
	return U128{u: z}, nil
}

func (a U128) AddU64(b uint64) (U128, error) { return a.Add(NewU128(b)) }
func (a U128) SubU64(b uint64) (U128, error) { return a.Sub(NewU128(b)) }
func (a U128) MulU64(b uint64) (U128, error) { return a.Mul(NewU128(b)) }
func (a U128) DivU64(b uint64) (U128, error) { return a.Div(NewU128(b)) }

// MulDiv computes a*b/c with a 256-bit intermediate, so only the
// final quotient has to fit in 128 bits.
func MulDiv(a, b, c U128) (U128, error) {
	if c.IsZero() {
		return U128{}, ErrDivideByZero
	}
	var z uint256.Int
	z.Mul(&a.u, &b.u)
	z.Div(&z, &c.u)
	return fromWide(&z)
}

// Sqrt returns floor(sqrt(a)).
func (a U128) Sqrt() U128 {
	var z uint256.Int
	z.Sqrt(&a.u)
	return U128{u: z}
}

// Wide widens a to 256 bits.
func (a U128) Wide() U256 {
	return U256{u: a.u}
}

// MinU128 returns the smaller of a and b.
func MinU128(a, b U128) U128 {
	if a.Lt(b) {
		return a
	}
	return b
}

// MaxOfU128 returns the larger of a and b.
func MaxOfU128(a, b U128) U128 {
	if a.Gt(b) {
		return a
	}
	return b
}

func (a U128) MarshalText() ([]byte, error) {
	return []byte(a.u.Dec()), nil
}

func (a *U128) UnmarshalText(b []byte) error {
	v, err := U128FromString(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// AppendBytes appends the 16-byte big-endian encoding of a.
func (a U128) AppendBytes(buf []byte) []byte {
	b := a.u.Bytes32()
	return append(buf, b[16:]...)
}
