package command

import (
	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/clearing"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/orders"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// OpenPosition is a market order executed immediately against the curve.
type OpenPosition struct {
	Header
	Request clearing.OpenPositionRequest `json:"request"`
}

func (c *OpenPosition) CommandType() Type    { return TypeOpenPosition }
func (c *OpenPosition) MarketIndex() *uint64 { return &c.Request.MarketIndex }

type ClosePosition struct {
	Header
	Market uint64 `json:"market_index"`
}

func (c *ClosePosition) CommandType() Type    { return TypeClosePosition }
func (c *ClosePosition) MarketIndex() *uint64 { return &c.Market }

// OrderParams is the wire form of an order request.
type OrderParams struct {
	OrderType         state.OrderType        `json:"order_type"`
	Direction         amm.PositionDirection  `json:"direction"`
	UserOrderID       uint8                  `json:"user_order_id"`
	Market            uint64                 `json:"market_index"`
	QuoteAssetAmount  fpmath.U128            `json:"quote_asset_amount"`
	BaseAssetAmount   fpmath.U128            `json:"base_asset_amount"`
	Price             fpmath.U128            `json:"price"`
	ReduceOnly        bool                   `json:"reduce_only"`
	PostOnly          bool                   `json:"post_only"`
	ImmediateOrCancel bool                   `json:"immediate_or_cancel"`
	TriggerPrice      fpmath.U128            `json:"trigger_price"`
	TriggerCondition  state.TriggerCondition `json:"trigger_condition"`
	OraclePriceOffset fpmath.I128            `json:"oracle_price_offset"`
}

func (p OrderParams) Request() orders.Request {
	return orders.Request{
		OrderType:         p.OrderType,
		Direction:         p.Direction,
		UserOrderID:       p.UserOrderID,
		MarketIndex:       p.Market,
		QuoteAssetAmount:  p.QuoteAssetAmount,
		BaseAssetAmount:   p.BaseAssetAmount,
		Price:             p.Price,
		ReduceOnly:        p.ReduceOnly,
		PostOnly:          p.PostOnly,
		ImmediateOrCancel: p.ImmediateOrCancel,
		TriggerPrice:      p.TriggerPrice,
		TriggerCondition:  p.TriggerCondition,
		OraclePriceOffset: p.OraclePriceOffset,
	}
}

type PlaceOrder struct {
	Header
	Order OrderParams `json:"order"`
}

func (c *PlaceOrder) CommandType() Type    { return TypePlaceOrder }
func (c *PlaceOrder) MarketIndex() *uint64 { return &c.Order.Market }

type CancelOrder struct {
	Header
	OrderID uint64 `json:"order_id"`
}

func (c *CancelOrder) CommandType() Type { return TypeCancelOrder }

type CancelOrderByUserID struct {
	Header
	UserOrderID uint8 `json:"user_order_id"`
}

func (c *CancelOrderByUserID) CommandType() Type { return TypeCancelOrderByUserID }

// FillOrder is signed by the filler.
type FillOrder struct {
	Header
	User    uuid.UUID `json:"user"`
	OrderID uint64    `json:"order_id"`
}

func (c *FillOrder) CommandType() Type { return TypeFillOrder }

type PlaceAndFillOrder struct {
	Header
	Order OrderParams `json:"order"`
}

func (c *PlaceAndFillOrder) CommandType() Type    { return TypePlaceAndFillOrder }
func (c *PlaceAndFillOrder) MarketIndex() *uint64 { return &c.Order.Market }

// Liquidate is signed by the liquidator.
type Liquidate struct {
	Header
	User uuid.UUID `json:"user"`
}

func (c *Liquidate) CommandType() Type { return TypeLiquidate }

// UpdateFundingRate is the funding crank for one market.
type UpdateFundingRate struct {
	Header
	Market uint64 `json:"market_index"`
}

func (c *UpdateFundingRate) CommandType() Type    { return TypeUpdateFundingRate }
func (c *UpdateFundingRate) MarketIndex() *uint64 { return &c.Market }
