// Package orders places, cancels and fills resting orders against the AMM.
package orders

import (
	"fmt"

	"PerpVAMM/internal/errcode"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"
)

// ValidateOrder checks the field combination of an order for its type and
// the market's minimum sizes. It runs before any state is touched.
func ValidateOrder(o state.Order, m state.Market, params state.OrderParams) error {
	switch o.OrderType {
	case state.OrderTypeMarket:
		return validateMarketOrder(o, m)
	case state.OrderTypeLimit:
		return validateLimitOrder(o, m, params)
	case state.OrderTypeTriggerMarket:
		return validateTriggerMarketOrder(o, m, params)
	case state.OrderTypeTriggerLimit:
		return validateTriggerLimitOrder(o, m, params)
	default:
		return fmt.Errorf("order type %d: %w", o.OrderType, errcode.ErrInvalidOrder)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errcode.ErrInvalidOrder)...)
}

func validateMarketOrder(o state.Order, m state.Market) error {
	if !o.QuoteAssetAmount.IsZero() && !o.BaseAssetAmount.IsZero() {
		return invalid("market order sets both quote and base amounts")
	}
	if o.BaseAssetAmount.IsZero() {
		if err := validateQuoteAssetAmount(o, m); err != nil {
			return err
		}
	} else if err := validateBaseAssetAmount(o, m); err != nil {
		return err
	}
	if !o.TriggerPrice.IsZero() {
		return invalid("market order has a trigger price")
	}
	if o.PostOnly {
		return invalid("market order cannot be post only")
	}
	return nil
}

func validateLimitOrder(o state.Order, m state.Market, params state.OrderParams) error {
	if err := validateBaseAssetAmount(o, m); err != nil {
		return err
	}
	if o.Price.IsZero() && o.OraclePriceOffset.IsZero() {
		return invalid("limit order without price")
	}
	if !o.TriggerPrice.IsZero() {
		return invalid("limit order has a trigger price")
	}
	// Oracle-offset orders have no fixed price to value.
	if o.Price.IsZero() {
		return nil
	}
	return validateMinimumValue(o.Price, o.BaseAssetAmount, params)
}

func validateTriggerMarketOrder(o state.Order, m state.Market, params state.OrderParams) error {
	if err := validateBaseAssetAmount(o, m); err != nil {
		return err
	}
	if !o.Price.IsZero() {
		return invalid("trigger market order has a price")
	}
	if o.TriggerPrice.IsZero() {
		return invalid("trigger market order without trigger price")
	}
	return validateMinimumValue(o.TriggerPrice, o.BaseAssetAmount, params)
}

func validateTriggerLimitOrder(o state.Order, m state.Market, params state.OrderParams) error {
	if err := validateBaseAssetAmount(o, m); err != nil {
		return err
	}
	if o.Price.IsZero() {
		return invalid("trigger limit order without price")
	}
	if o.TriggerPrice.IsZero() {
		return invalid("trigger limit order without trigger price")
	}
	return validateMinimumValue(o.Price, o.BaseAssetAmount, params)
}

func validateBaseAssetAmount(o state.Order, m state.Market) error {
	if o.BaseAssetAmount.IsZero() {
		return invalid("zero base asset amount")
	}
	if o.BaseAssetAmount.Lt(m.AMM.MinimumBaseAssetTradeSize) {
		return invalid("base asset amount %s below market minimum %s", o.BaseAssetAmount, m.AMM.MinimumBaseAssetTradeSize)
	}
	return nil
}

func validateQuoteAssetAmount(o state.Order, m state.Market) error {
	if o.QuoteAssetAmount.IsZero() {
		return invalid("zero quote asset amount")
	}
	reserve, err := fpmath.AssetToReserveAmount(o.QuoteAssetAmount, m.AMM.PegMultiplier)
	if err != nil {
		return err
	}
	if reserve.Lt(m.AMM.MinimumQuoteAssetTradeSize) {
		return invalid("quote reserve amount %s below market minimum %s", reserve, m.AMM.MinimumQuoteAssetTradeSize)
	}
	return nil
}

// ApproximateValue is price * base / AMM_RESERVE / (MARK / QUOTE), the
// order's notional in QuotePrecision.
func ApproximateValue(price, base fpmath.U128) (fpmath.U128, error) {
	var c fpmath.Checked
	v := c.MulDiv(price, base, fpmath.AMMReservePrecisionU)
	v = c.Div(v, fpmath.PriceToQuotePrecisionRatioU)
	return v, c.Err()
}

func validateMinimumValue(price, base fpmath.U128, params state.OrderParams) error {
	v, err := ApproximateValue(price, base)
	if err != nil {
		return err
	}
	if v.Lt(params.MinOrderQuoteAssetAmount) {
		return invalid("order value %s below minimum %s", v, params.MinOrderQuoteAssetAmount)
	}
	return nil
}
