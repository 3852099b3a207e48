package math

import "github.com/holiman/uint256"

// U256 holds wide intermediates such as sqrt_k^2. Like U128 it never wraps.
type U256 struct {
	u uint256.Int
}

func NewU256(v uint64) U256 {
	return U256{u: *uint256.NewInt(v)}
}

func (a U256) IsZero() bool   { return a.u.IsZero() }
func (a U256) Cmp(b U256) int { return a.u.Cmp(&b.u) }
func (a U256) Lt(b U256) bool { return a.u.Lt(&b.u) }
func (a U256) Gt(b U256) bool { return a.u.Gt(&b.u) }
func (a U256) String() string { return a.u.Dec() }

func (a U256) Add(b U256) (U256, error) {
	var z uint256.Int
	if _, overflow := z.AddOverflow(&a.u, &b.u); overflow {
		return U256{}, ErrMathOverflow
	}
	return U256{u: z}, nil
}

func (a U256) Sub(b U256) (U256, error) {
	var z uint256.Int
	if _, underflow := z.SubOverflow(&a.u, &b.u); underflow {
		return U256{}, ErrMathOverflow
	}
	return U256{u: z}, nil
}

func (a U256) Mul(b U256) (U256, error) {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&a.u, &b.u); overflow {
		return U256{}, ErrMathOverflow
	}
	return U256{u: z}, nil
}

func (a U256) Div(b U256) (U256, error) {
	if b.IsZero() {
		return U256{}, ErrDivideByZero
	}
	var z uint256.Int
	z.Div(&a.u, &b.u)
	return U256{u: z}, nil
}

func (a U256) MulU128(b U128) (U256, error) { return a.Mul(b.Wide()) }

func (a U256) DivU128(b U128) (U256, error) { return a.Div(b.Wide()) }

// Sqrt returns floor(sqrt(a)).
func (a U256) Sqrt() U256 {
	var z uint256.Int
	z.Sqrt(&a.u)
	return U256{u: z}
}

// U128 narrows back to 128 bits.
func (a U256) U128() (U128, error) {
	return fromWide(&a.u)
}

// Square returns a*a in 256 bits. It cannot overflow.
func Square(a U128) U256 {
	var z uint256.Int
	z.Mul(&a.u, &a.u)
	return U256{u: z}
}
