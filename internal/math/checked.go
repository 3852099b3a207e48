package math

// Checked chains fallible arithmetic and keeps the first error.
// Once an error is recorded every later call returns a zero value, so a
// formula can be written top to bottom and checked once:
//
//	var c fpmath.Checked
//	x := c.MulDiv(a, b, d)
//	y := c.Sub(x, e)
//	if err := c.Err(); err != nil { ... }
type Checked struct {
	err error
}

func (c *Checked) Err() error { return c.err }

func (c *Checked) u(v U128, err error) U128 {
	if c.err != nil {
		return U128{}
	}
	if err != nil {
		c.err = err
		return U128{}
	}
	return v
}

func (c *Checked) i(v I128, err error) I128 {
	if c.err != nil {
		return I128{}
	}
	if err != nil {
		c.err = err
		return I128{}
	}
	return v
}

func (c *Checked) w(v U256, err error) U256 {
	if c.err != nil {
		return U256{}
	}
	if err != nil {
		c.err = err
		return U256{}
	}
	return v
}

func (c *Checked) Add(a, b U128) U128 { return c.u(a.Add(b)) }
func (c *Checked) Sub(a, b U128) U128 { return c.u(a.Sub(b)) }
func (c *Checked) Mul(a, b U128) U128 { return c.u(a.Mul(b)) }
func (c *Checked) Div(a, b U128) U128 { return c.u(a.Div(b)) }

func (c *Checked) MulDiv(a, b, d U128) U128 { return c.u(MulDiv(a, b, d)) }

func (c *Checked) AddI(a, b I128) I128 { return c.i(a.Add(b)) }
func (c *Checked) SubI(a, b I128) I128 { return c.i(a.Sub(b)) }
func (c *Checked) MulI(a, b I128) I128 { return c.i(a.Mul(b)) }
func (c *Checked) DivI(a, b I128) I128 { return c.i(a.Div(b)) }

func (c *Checked) MulDivI(a, b, d I128) I128 { return c.i(MulDivI(a, b, d)) }

// ToI128 casts an unsigned value into the signed range.
func (c *Checked) ToI128(a U128) I128 { return c.i(I128FromU128(a)) }

// ToU128 casts a non-negative signed value.
func (c *Checked) ToU128(a I128) U128 { return c.u(a.U128()) }

func (c *Checked) MulW(a, b U256) U256 { return c.w(a.Mul(b)) }
func (c *Checked) DivW(a, b U256) U256 { return c.w(a.Div(b)) }

// Narrow converts a wide intermediate back to 128 bits.
func (c *Checked) Narrow(a U256) U128 { return c.u(a.U128()) }

// U and I fold a (value, error) pair from a non-Checked call into the chain.
func (c *Checked) U(v U128, err error) U128 { return c.u(v, err) }
func (c *Checked) I(v I128, err error) I128 { return c.i(v, err) }

// Fail records err unless an earlier error is already recorded.
func (c *Checked) Fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// W folds a wide (value, error) pair into the chain.
func (c *Checked) W(v U256, err error) U256 { return c.w(v, err) }
