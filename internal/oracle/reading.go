package oracle

import (
	"fmt"

	"PerpVAMM/internal/errcode"
	fpmath "PerpVAMM/internal/math"
)

// Source identifies the feed a market is priced against.
type Source string

const (
	SourcePyth        Source = "pyth"
	SourceSwitchboard Source = "switchboard"
)

// PythPrice is a Pyth aggregate with its twap (EMA) fields.
type PythPrice struct {
	Price     int64  `json:"price"`
	Conf      uint64 `json:"conf"`
	Twap      int64  `json:"twap"`
	Twac      uint64 `json:"twac"`
	Expo      int32  `json:"expo"`
	ValidSlot uint64 `json:"valid_slot"`
	Trading   bool   `json:"trading"`
}

// SwitchboardRound is the latest confirmed round of an aggregator.
// The value is Mantissa / 10^Scale.
type SwitchboardRound struct {
	Mantissa      fpmath.I128 `json:"mantissa"`
	Scale         uint32      `json:"scale"`
	StdDeviation  fpmath.I128 `json:"std_deviation"`
	RoundOpenSlot uint64      `json:"round_open_slot"`
	MinResponses  uint32      `json:"min_responses"`
	NumSuccess    uint32      `json:"num_success"`
}

// Reading is a raw feed value tagged with its source. Exactly one of the
// payload pointers matches Source.
type Reading struct {
	Source      Source            `json:"source"`
	Pyth        *PythPrice        `json:"pyth,omitempty"`
	Switchboard *SwitchboardRound `json:"switchboard,omitempty"`
}

// Decode converts the reading to MarkPricePrecision at the given slot.
func (r Reading) Decode(slot uint64) (PriceData, error) {
	switch r.Source {
	case SourcePyth:
		if r.Pyth == nil {
			return PriceData{}, fmt.Errorf("pyth reading without payload: %w", errcode.ErrUnableToLoadOracle)
		}
		return decodePyth(*r.Pyth, slot)
	case SourceSwitchboard:
		if r.Switchboard == nil {
			return PriceData{}, fmt.Errorf("switchboard reading without payload: %w", errcode.ErrUnableToLoadOracle)
		}
		return decodeSwitchboard(*r.Switchboard, slot)
	default:
		return PriceData{}, fmt.Errorf("unknown oracle source %q: %w", r.Source, errcode.ErrUnableToLoadOracle)
	}
}

// rescale maps v * 10^expo onto MarkPricePrecision (1e10).
func rescale(v fpmath.I128, expo int32) (fpmath.I128, error) {
	shift := int32(10) + expo
	var c fpmath.Checked
	switch {
	case shift > 0:
		v = c.MulI(v, c.I(pow10(uint32(shift))))
	case shift < 0:
		v = c.DivI(v, c.I(pow10(uint32(-shift))))
	}
	return v, c.Err()
}

func pow10(n uint32) (fpmath.I128, error) {
	out := fpmath.NewI128(1)
	ten := fpmath.NewI128(10)
	for i := uint32(0); i < n; i++ {
		var err error
		if out, err = out.Mul(ten); err != nil {
			return fpmath.I128{}, fmt.Errorf("10^%d: %w", n, err)
		}
	}
	return out, nil
}

func delaySince(slot, from uint64) int64 {
	if slot < from {
		return 0
	}
	return int64(slot - from)
}

func decodePyth(p PythPrice, slot uint64) (PriceData, error) {
	var c fpmath.Checked
	price := c.I(rescale(fpmath.NewI128(p.Price), p.Expo))
	twap := c.I(rescale(fpmath.NewI128(p.Twap), p.Expo))
	conf := c.I(rescale(c.ToI128(fpmath.NewU128(p.Conf)), p.Expo))
	twac := c.I(rescale(c.ToI128(fpmath.NewU128(p.Twac)), p.Expo))
	if err := c.Err(); err != nil {
		return PriceData{}, fmt.Errorf("decode pyth: %w: %w", errcode.ErrUnableToLoadOracle, err)
	}
	return PriceData{
		Price:             price,
		Twap:              twap,
		Confidence:        conf.Abs(),
		TwapConfidence:    twac.Abs(),
		Delay:             delaySince(slot, p.ValidSlot),
		HasSufficientData: p.Trading,
	}, nil
}

// WithEngineTwap fills the twap of a reading whose feed publishes none
// (Switchboard) with the twap the engine tracks itself.
func WithEngineTwap(data PriceData, engineTwap fpmath.I128) PriceData {
	if data.Twap.IsZero() {
		data.Twap = engineTwap
	}
	return data
}

func decodeSwitchboard(s SwitchboardRound, slot uint64) (PriceData, error) {
	if s.Scale > 38 {
		return PriceData{}, fmt.Errorf("switchboard scale %d: %w", s.Scale, errcode.ErrUnableToLoadOracle)
	}
	var c fpmath.Checked
	price := c.I(rescale(s.Mantissa, -int32(s.Scale)))
	conf := c.I(rescale(c.ToI128(s.StdDeviation.Abs()), -int32(s.Scale)))
	if err := c.Err(); err != nil {
		return PriceData{}, fmt.Errorf("decode switchboard: %w: %w", errcode.ErrUnableToLoadOracle, err)
	}
	return PriceData{
		Price:             price,
		Twap:              fpmath.I128Zero,
		Confidence:        conf.Abs(),
		TwapConfidence:    fpmath.U128Zero,
		Delay:             delaySince(slot, s.RoundOpenSlot),
		HasSufficientData: s.NumSuccess >= s.MinResponses,
	}, nil
}
