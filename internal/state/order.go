package state

import (
	"encoding/binary"

	"PerpVAMM/internal/amm"
	fpmath "PerpVAMM/internal/math"

	"github.com/google/uuid"
)

// MaxOrders is the number of order slots per user.
const MaxOrders = 32

type OrderStatus int8

const (
	OrderStatusInit OrderStatus = iota
	OrderStatusOpen
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusInit:
		return "Init"
	case OrderStatusOpen:
		return "Open"
	default:
		return "Unknown"
	}
}

type OrderType int8

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeTriggerMarket
	OrderTypeTriggerLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "Market"
	case OrderTypeLimit:
		return "Limit"
	case OrderTypeTriggerMarket:
		return "TriggerMarket"
	case OrderTypeTriggerLimit:
		return "TriggerLimit"
	default:
		return "Unknown"
	}
}

type OrderDiscountTier int8

const (
	OrderDiscountTierNone OrderDiscountTier = iota
	OrderDiscountTierFirst
	OrderDiscountTierSecond
	OrderDiscountTierThird
	OrderDiscountTierFourth
)

func (t OrderDiscountTier) String() string {
	switch t {
	case OrderDiscountTierNone:
		return "None"
	case OrderDiscountTierFirst:
		return "First"
	case OrderDiscountTierSecond:
		return "Second"
	case OrderDiscountTierThird:
		return "Third"
	case OrderDiscountTierFourth:
		return "Fourth"
	default:
		return "Unknown"
	}
}

type TriggerCondition int8

const (
	TriggerAbove TriggerCondition = iota
	TriggerBelow
)

func (c TriggerCondition) String() string {
	if c == TriggerBelow {
		return "Below"
	}
	return "Above"
}

// Order is one slot of a user's order book. An Init order is an empty slot.
type Order struct {
	Status      OrderStatus           `json:"status"`
	OrderType   OrderType             `json:"order_type"`
	Ts          int64                 `json:"ts"`
	OrderID     uint64                `json:"order_id"`
	UserOrderID uint8                 `json:"user_order_id"`
	MarketIndex uint64                `json:"market_index"`
	Direction   amm.PositionDirection `json:"direction"`

	Price                  fpmath.U128 `json:"price"`
	QuoteAssetAmount       fpmath.U128 `json:"quote_asset_amount"`
	BaseAssetAmount        fpmath.U128 `json:"base_asset_amount"`
	BaseAssetAmountFilled  fpmath.U128 `json:"base_asset_amount_filled"`
	QuoteAssetAmountFilled fpmath.U128 `json:"quote_asset_amount_filled"`
	Fee                    fpmath.U128 `json:"fee"`

	ReduceOnly        bool `json:"reduce_only"`
	PostOnly          bool `json:"post_only"`
	ImmediateOrCancel bool `json:"immediate_or_cancel"`

	DiscountTier      OrderDiscountTier `json:"discount_tier"`
	TriggerPrice      fpmath.U128       `json:"trigger_price"`
	TriggerCondition  TriggerCondition  `json:"trigger_condition"`
	Referrer          uuid.UUID         `json:"referrer"`
	OraclePriceOffset fpmath.I128       `json:"oracle_price_offset"`
}

func (o Order) IsOpen() bool { return o.Status == OrderStatusOpen }

// RemainingBase is the unfilled part of the order.
func (o Order) RemainingBase() fpmath.U128 {
	return o.BaseAssetAmount.SaturatingSub(o.BaseAssetAmountFilled)
}

func (o Order) appendBytes(buf []byte) []byte {
	buf = append(buf, byte(o.Status), byte(o.OrderType), byte(o.Direction), byte(o.DiscountTier), byte(o.TriggerCondition), o.UserOrderID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(o.Ts))
	buf = binary.BigEndian.AppendUint64(buf, o.OrderID)
	buf = binary.BigEndian.AppendUint64(buf, o.MarketIndex)
	for _, u := range []fpmath.U128{
		o.Price, o.QuoteAssetAmount, o.BaseAssetAmount, o.BaseAssetAmountFilled,
		o.QuoteAssetAmountFilled, o.Fee, o.TriggerPrice,
	} {
		buf = u.AppendBytes(buf)
	}
	for _, b := range []bool{o.ReduceOnly, o.PostOnly, o.ImmediateOrCancel} {
		if b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	buf = append(buf, o.Referrer[:]...)
	return o.OraclePriceOffset.AppendBytes(buf)
}
