package state

import (
	"sort"

	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
)

// LiquidationType is ordered by severity.
type LiquidationType int8

const (
	LiquidationNone LiquidationType = iota
	LiquidationPartial
	LiquidationFull
)

func (t LiquidationType) String() string {
	switch t {
	case LiquidationNone:
		return "None"
	case LiquidationPartial:
		return "Partial"
	case LiquidationFull:
		return "Full"
	default:
		return "Unknown"
	}
}

// MarketToClose is one entry of the liquidation close order.
type MarketToClose struct {
	MarketIndex        uint64
	BaseAssetValue     fpmath.U128
	PartialRequirement fpmath.U128
}

type LiquidationStatus struct {
	Type            LiquidationType
	TotalCollateral fpmath.U128
	UnrealizedPnl   fpmath.I128
	BaseAssetValue  fpmath.U128
	MarginRatio     fpmath.U128

	MaintenanceRequirement fpmath.U128
	PartialRequirement     fpmath.U128

	// MarketsToClose is sorted by descending partial requirement.
	MarketsToClose []MarketToClose
}

func classify(total, maintenance, partial fpmath.U128) LiquidationType {
	switch {
	case total.Lt(maintenance):
		return LiquidationFull
	case total.Lt(partial):
		return LiquidationPartial
	default:
		return LiquidationNone
	}
}

func statusFromValues(collateral fpmath.U128, values []PositionValue) (LiquidationStatus, error) {
	r, err := totals(collateral, values)
	if err != nil {
		return LiquidationStatus{}, err
	}
	s := LiquidationStatus{
		TotalCollateral: r.TotalCollateral,
		UnrealizedPnl:   r.UnrealizedPnl,
		BaseAssetValue:  r.BaseAssetValue,
		MarginRatio:     r.Ratio,
		MarketsToClose:  make([]MarketToClose, 0, len(values)),
	}

	var c fpmath.Checked
	for _, v := range values {
		partial := c.U(v.Requirement(MarginRequirementPartial))
		s.PartialRequirement = c.Add(s.PartialRequirement, partial)
		s.MaintenanceRequirement = c.Add(s.MaintenanceRequirement, c.U(v.Requirement(MarginRequirementMaintenance)))
		s.MarketsToClose = append(s.MarketsToClose, MarketToClose{
			MarketIndex:        v.MarketIndex,
			BaseAssetValue:     v.BaseAssetValue,
			PartialRequirement: partial,
		})
	}
	if err := c.Err(); err != nil {
		return LiquidationStatus{}, err
	}

	sort.SliceStable(s.MarketsToClose, func(i, j int) bool {
		return s.MarketsToClose[i].PartialRequirement.Gt(s.MarketsToClose[j].PartialRequirement)
	})
	s.Type = classify(s.TotalCollateral, s.MaintenanceRequirement, s.PartialRequirement)
	return s, nil
}

// CalculateLiquidationStatus classifies the user at AMM mark prices.
func CalculateLiquidationStatus(user User, markets *Markets) (LiquidationStatus, error) {
	values, err := MarkPositions(user, markets)
	if err != nil {
		return LiquidationStatus{}, err
	}
	return statusFromValues(user.Collateral, values)
}

// OracleValue marks a position at the oracle price:
// |base| * price / (MarkPricePrecision * AMMToQuotePrecisionRatio).
func OracleValue(base fpmath.I128, entry fpmath.U128, price fpmath.I128) (fpmath.U128, fpmath.I128, error) {
	var c fpmath.Checked
	value := c.MulDiv(base.Abs(), c.ToU128(price), fpmath.MarkPriceTimesAMMToQuoteU)
	pnl := c.SubI(c.ToI128(value), c.ToI128(entry))
	if base.IsNegative() {
		pnl = pnl.Neg()
	}
	return value, pnl, c.Err()
}

// CalculateOracleLiquidationStatus recomputes the status with each position
// marked at its oracle price wherever that market's oracle is valid, then
// returns the less severe of the mark and oracle classifications. The close
// order always comes from the mark-based status.
func CalculateOracleLiquidationStatus(
	user User,
	markets *Markets,
	oracles map[uint64]oracle.PriceData,
	rails oracle.GuardRails,
) (LiquidationStatus, error) {
	values, err := MarkPositions(user, markets)
	if err != nil {
		return LiquidationStatus{}, err
	}
	markStatus, err := statusFromValues(user.Collateral, values)
	if err != nil || !rails.UseForLiquidations || markStatus.Type == LiquidationNone {
		return markStatus, err
	}

	oracleValues := make([]PositionValue, len(values))
	copy(oracleValues, values)
	for i, v := range oracleValues {
		data, ok := oracles[v.MarketIndex]
		if !ok {
			continue
		}
		valid, err := oracle.IsValid(data, rails.Validity)
		if err != nil {
			return LiquidationStatus{}, err
		}
		if !valid {
			continue
		}
		value, pnl, err := OracleValue(v.Position.BaseAssetAmount, v.Position.QuoteAssetAmount, data.Price)
		if err != nil {
			return LiquidationStatus{}, err
		}
		oracleValues[i].BaseAssetValue = value
		oracleValues[i].UnrealizedPnl = pnl
	}
	oracleStatus, err := statusFromValues(user.Collateral, oracleValues)
	if err != nil {
		return LiquidationStatus{}, err
	}
	if oracleStatus.Type < markStatus.Type {
		markStatus.Type = oracleStatus.Type
	}
	return markStatus, nil
}
