package state

import (
	"PerpVAMM/internal/amm"
	fpmath "PerpVAMM/internal/math"
)

// MarginRequirementType selects which market ratio a requirement uses.
type MarginRequirementType int8

const (
	MarginRequirementInitial MarginRequirementType = iota
	MarginRequirementPartial
	MarginRequirementMaintenance
)

func (t MarginRequirementType) String() string {
	switch t {
	case MarginRequirementInitial:
		return "Initial"
	case MarginRequirementPartial:
		return "Partial"
	case MarginRequirementMaintenance:
		return "Maintenance"
	default:
		return "Unknown"
	}
}

// PositionValue is one open position marked against its market.
type PositionValue struct {
	MarketIndex    uint64
	BaseAssetValue fpmath.U128 // quote precision
	UnrealizedPnl  fpmath.I128
	Position       MarketPosition
	Market         Market
}

// Requirement returns value * ratio / MarginPrecision for the position's market.
func (pv PositionValue) Requirement(t MarginRequirementType) (fpmath.U128, error) {
	return fpmath.MulDiv(pv.BaseAssetValue, fpmath.NewU128(pv.Market.MarginRatio(t)), fpmath.MarginPrecisionU)
}

// MarkPositions values every open position at its AMM mark.
func MarkPositions(user User, markets *Markets) ([]PositionValue, error) {
	out := make([]PositionValue, 0, MaxPositions)
	for _, p := range user.Positions {
		if !p.IsOpenPosition() {
			continue
		}
		m, err := markets.Get(p.MarketIndex)
		if err != nil {
			return nil, err
		}
		value, pnl, err := amm.BaseAssetValueAndPnl(p.BaseAssetAmount, p.QuoteAssetAmount, m.AMM)
		if err != nil {
			return nil, err
		}
		out = append(out, PositionValue{
			MarketIndex:    p.MarketIndex,
			BaseAssetValue: value,
			UnrealizedPnl:  pnl,
			Position:       p,
			Market:         m,
		})
	}
	return out, nil
}

// MarginRatio summarises a user's portfolio.
type MarginRatio struct {
	TotalCollateral fpmath.U128
	UnrealizedPnl   fpmath.I128
	BaseAssetValue  fpmath.U128
	// Ratio is TotalCollateral * MarginPrecision / BaseAssetValue, or MaxU128
	// when the user holds nothing.
	Ratio fpmath.U128
}

// totals folds position values into collateral, pnl and notional. With no
// notional the collateral is reported as-is.
func totals(collateral fpmath.U128, values []PositionValue) (MarginRatio, error) {
	var c fpmath.Checked
	r := MarginRatio{}
	for _, v := range values {
		r.BaseAssetValue = c.Add(r.BaseAssetValue, v.BaseAssetValue)
		r.UnrealizedPnl = c.AddI(r.UnrealizedPnl, v.UnrealizedPnl)
	}
	if err := c.Err(); err != nil {
		return MarginRatio{}, err
	}
	if r.BaseAssetValue.IsZero() {
		r.TotalCollateral = collateral
		r.Ratio = fpmath.MaxU128
		return r, nil
	}
	r.TotalCollateral = c.U(fpmath.UpdatedCollateral(collateral, r.UnrealizedPnl))
	r.Ratio = c.MulDiv(r.TotalCollateral, fpmath.MarginPrecisionU, r.BaseAssetValue)
	return r, c.Err()
}

func CalculateMarginRatio(user User, markets *Markets) (MarginRatio, error) {
	values, err := MarkPositions(user, markets)
	if err != nil {
		return MarginRatio{}, err
	}
	return totals(user.Collateral, values)
}

func sumRequirements(values []PositionValue, t MarginRequirementType) (fpmath.U128, error) {
	var c fpmath.Checked
	total := fpmath.U128Zero
	for _, v := range values {
		total = c.Add(total, c.U(v.Requirement(t)))
	}
	return total, c.Err()
}

// CalculateMarginRequirement sums value * ratio over every open position.
func CalculateMarginRequirement(user User, markets *Markets, t MarginRequirementType) (fpmath.U128, error) {
	values, err := MarkPositions(user, markets)
	if err != nil {
		return fpmath.U128{}, err
	}
	return sumRequirements(values, t)
}

// CalculateFreeCollateral returns max(0, total collateral - initial requirement).
// When marketToClose is set, that position is left out of the requirement
// and its value is returned separately.
func CalculateFreeCollateral(user User, markets *Markets, marketToClose *uint64) (fpmath.U128, fpmath.U128, error) {
	values, err := MarkPositions(user, markets)
	if err != nil {
		return fpmath.U128{}, fpmath.U128{}, err
	}
	var c fpmath.Checked
	closedValue := fpmath.U128Zero
	notional := fpmath.U128Zero
	requirement := fpmath.U128Zero
	pnl := fpmath.I128Zero
	for _, v := range values {
		pnl = c.AddI(pnl, v.UnrealizedPnl)
		if marketToClose != nil && *marketToClose == v.MarketIndex {
			closedValue = v.BaseAssetValue
			continue
		}
		notional = c.Add(notional, v.BaseAssetValue)
		requirement = c.Add(requirement, c.U(v.Requirement(MarginRequirementInitial)))
	}
	total := user.Collateral
	if !notional.IsZero() {
		total = c.U(fpmath.UpdatedCollateral(user.Collateral, pnl))
	}
	if err := c.Err(); err != nil {
		return fpmath.U128{}, fpmath.U128{}, err
	}
	return total.SaturatingSub(requirement), closedValue, nil
}

// MeetsInitialMarginRequirement reports whether total collateral covers the
// initial requirement. A user with no positions always passes.
func MeetsInitialMarginRequirement(user User, markets *Markets) (bool, error) {
	values, err := MarkPositions(user, markets)
	if err != nil {
		return false, err
	}
	if len(values) == 0 {
		return true, nil
	}
	r, err := totals(user.Collateral, values)
	if err != nil {
		return false, err
	}
	req, err := sumRequirements(values, MarginRequirementInitial)
	if err != nil {
		return false, err
	}
	return r.TotalCollateral.Gte(req), nil
}
