package config

import (
	"fmt"
	"sort"
	"strings"

	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Genesis seeds the exchange on a cold start. Params overlay
// state.DefaultParams key by key; Limits carry human decimals and are applied
// on top of Params.
//
//	admin = "6f1c..."
//	[params.fees]
//	fee_numerator = 1
//	fee_denominator = 1000
//	[limits]
//	max_deposit = "250000"
//	maintenance_margin = "0.0625"
type Genesis struct {
	Admin  uuid.UUID    `toml:"admin"`
	Params state.Params `toml:"params"`
	Limits Limits       `toml:"limits"`
}

// Limits are decimal strings in display units: quote amounts in USD,
// margin ratios as fractions of one.
type Limits struct {
	MaxDeposit        string `toml:"max_deposit"`
	MinOrderQuote     string `toml:"min_order_quote"`
	InitialMargin     string `toml:"initial_margin"`
	PartialMargin     string `toml:"partial_margin"`
	MaintenanceMargin string `toml:"maintenance_margin"`
}

// DefaultGenesis is used when no genesis file is configured.
func DefaultGenesis() Genesis {
	return Genesis{Params: state.DefaultParams()}
}

// LoadGenesis decodes path. Unknown keys are rejected so a typo cannot
// silently leave a default in place.
func LoadGenesis(path string) (Genesis, error) {
	g := DefaultGenesis()
	md, err := toml.DecodeFile(path, &g)
	if err != nil {
		return Genesis{}, fmt.Errorf("decode genesis %s: %w", path, err)
	}
	return g.finish(md)
}

// ParseGenesis is LoadGenesis over an in-memory document.
func ParseGenesis(doc string) (Genesis, error) {
	g := DefaultGenesis()
	md, err := toml.Decode(doc, &g)
	if err != nil {
		return Genesis{}, fmt.Errorf("decode genesis: %w", err)
	}
	return g.finish(md)
}

func (g Genesis) finish(md toml.MetaData) (Genesis, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Genesis{}, fmt.Errorf("genesis: unknown keys %s", strings.Join(keys, ", "))
	}
	if err := g.applyLimits(); err != nil {
		return Genesis{}, err
	}
	if err := g.Params.Validate(); err != nil {
		return Genesis{}, fmt.Errorf("genesis params: %w", err)
	}
	return g, nil
}

func (g *Genesis) applyLimits() error {
	l := g.Limits
	if l.MaxDeposit != "" {
		v, err := fpmath.QuoteConfig.ParseDecimal(l.MaxDeposit)
		if err != nil {
			return fmt.Errorf("limits.max_deposit: %w", err)
		}
		g.Params.MaxDeposit = v
	}
	if l.MinOrderQuote != "" {
		v, err := fpmath.QuoteConfig.ParseDecimal(l.MinOrderQuote)
		if err != nil {
			return fmt.Errorf("limits.min_order_quote: %w", err)
		}
		g.Params.Orders.MinOrderQuoteAssetAmount = v
	}
	for _, r := range []struct {
		key string
		src string
		dst *uint64
	}{
		{"initial_margin", l.InitialMargin, &g.Params.MarginRatios.Initial},
		{"partial_margin", l.PartialMargin, &g.Params.MarginRatios.Partial},
		{"maintenance_margin", l.MaintenanceMargin, &g.Params.MarginRatios.Maintenance},
	} {
		if r.src == "" {
			continue
		}
		v, err := fpmath.MarginConfig.ParseDecimal(r.src)
		if err != nil {
			return fmt.Errorf("limits.%s: %w", r.key, err)
		}
		ratio, ok := v.Uint64()
		if !ok || ratio > fpmath.MarginPrecision {
			return fmt.Errorf("limits.%s %q: above 1", r.key, r.src)
		}
		*r.dst = ratio
	}
	return nil
}
