package orders

import (
	"fmt"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/errcode"
	"PerpVAMM/internal/history"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"
)

// Request is what a trader submits to place an order.
type Request struct {
	OrderType         state.OrderType
	Direction         amm.PositionDirection
	UserOrderID       uint8
	MarketIndex       uint64
	QuoteAssetAmount  fpmath.U128
	BaseAssetAmount   fpmath.U128
	Price             fpmath.U128
	ReduceOnly        bool
	PostOnly          bool
	ImmediateOrCancel bool
	TriggerPrice      fpmath.U128
	TriggerCondition  state.TriggerCondition
	OraclePriceOffset fpmath.I128
}

// PlaceOrder validates req and opens it in a free slot of the user's book,
// binding a position slot for the market so the order can be filled later.
// Quote-sized market orders are converted to base at the current curve.
func PlaceOrder(user state.User, markets *state.Markets, req Request, params state.Params, now int64, sink history.Sink) (state.User, state.Order, error) {
	m, err := markets.Get(req.MarketIndex)
	if err != nil {
		return user, state.Order{}, err
	}
	if req.UserOrderID != 0 {
		if _, err := user.FindOrderByUserID(req.UserOrderID); err == nil {
			return user, state.Order{}, fmt.Errorf("user order id %d in use: %w", req.UserOrderID, errcode.ErrInvalidOrder)
		}
	}
	slot, err := user.FreeOrderSlot()
	if err != nil {
		return user, state.Order{}, err
	}

	o := state.Order{
		Status:            state.OrderStatusOpen,
		OrderType:         req.OrderType,
		Ts:                now,
		OrderID:           user.NextOrderID,
		UserOrderID:       req.UserOrderID,
		MarketIndex:       req.MarketIndex,
		Direction:         req.Direction,
		Price:             req.Price,
		QuoteAssetAmount:  req.QuoteAssetAmount,
		BaseAssetAmount:   req.BaseAssetAmount,
		ReduceOnly:        req.ReduceOnly,
		PostOnly:          req.PostOnly,
		ImmediateOrCancel: req.ImmediateOrCancel,
		DiscountTier:      DiscountTier(user.DiscountTokenBalance, params.Fees),
		TriggerPrice:      req.TriggerPrice,
		TriggerCondition:  req.TriggerCondition,
		Referrer:          user.Referrer,
		OraclePriceOffset: req.OraclePriceOffset,
	}
	if err := ValidateOrder(o, m, params.Orders); err != nil {
		return user, state.Order{}, err
	}
	if o.BaseAssetAmount.IsZero() {
		base, err := quoteToBase(m.AMM, o.QuoteAssetAmount, o.Direction)
		if err != nil {
			return user, state.Order{}, err
		}
		if base.IsZero() {
			return user, state.Order{}, fmt.Errorf("quote %s buys no base: %w", o.QuoteAssetAmount, errcode.ErrTradeSizeTooSmall)
		}
		o.BaseAssetAmount = base
	}

	rate := m.AMM.CumulativeFundingRateShort
	if o.Direction == amm.Long {
		rate = m.AMM.CumulativeFundingRateLong
	}
	idx, err := user.Positions.GetOrAdd(o.MarketIndex, rate)
	if err != nil {
		return user, state.Order{}, err
	}
	user.Positions[idx].OpenOrders++
	user.Orders[slot] = o
	user.NextOrderID++

	if _, err := sink.Append(history.OrderRecord{Ts: now, User: user.Authority, Order: o, Action: history.OrderActionPlace}); err != nil {
		return user, state.Order{}, err
	}
	return user, o, nil
}

// CancelOrder frees the open order with orderID.
func CancelOrder(user state.User, orderID uint64, now int64, sink history.Sink) (state.User, error) {
	slot, err := user.FindOrder(orderID)
	if err != nil {
		return user, err
	}
	return cancelSlot(user, slot, now, sink)
}

// CancelOrderByUserID frees the open order with the client-assigned id.
func CancelOrderByUserID(user state.User, userOrderID uint8, now int64, sink history.Sink) (state.User, error) {
	slot, err := user.FindOrderByUserID(userOrderID)
	if err != nil {
		return user, err
	}
	return cancelSlot(user, slot, now, sink)
}

func cancelSlot(user state.User, slot int, now int64, sink history.Sink) (state.User, error) {
	o := user.Orders[slot]
	if _, err := sink.Append(history.OrderRecord{Ts: now, User: user.Authority, Order: o, Action: history.OrderActionCancel}); err != nil {
		return user, err
	}
	return releaseSlot(user, slot), nil
}

// releaseSlot returns the order slot to Init and drops the position's open
// order count.
func releaseSlot(user state.User, slot int) state.User {
	o := user.Orders[slot]
	if idx, ok := user.Positions.Find(o.MarketIndex); ok && user.Positions[idx].OpenOrders > 0 {
		user.Positions[idx].OpenOrders--
	}
	user.Orders[slot] = state.Order{}
	return user
}
