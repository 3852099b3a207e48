package clearing

import (
	"PerpVAMM/internal/history"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/orders"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// PlaceOrder settles the user's funding and rests a new order.
func PlaceOrder(x *Exchange, env *Env, authority uuid.UUID, req orders.Request) (state.Order, error) {
	user, err := x.Users.Get(authority)
	if err != nil {
		return state.Order{}, err
	}
	if user, err = settleFunding(x, env, user); err != nil {
		return state.Order{}, err
	}
	user, o, err := orders.PlaceOrder(user, x.Markets, req, x.Params, env.Now(), env.Sink)
	if err != nil {
		return state.Order{}, err
	}
	return o, x.Users.Set(user)
}

// CancelOrder cancels by engine order id.
func CancelOrder(x *Exchange, env *Env, authority uuid.UUID, orderID uint64) error {
	user, err := x.Users.Get(authority)
	if err != nil {
		return err
	}
	if user, err = orders.CancelOrder(user, orderID, env.Now(), env.Sink); err != nil {
		return err
	}
	return x.Users.Set(user)
}

// CancelOrderByUserID cancels by the client-assigned id.
func CancelOrderByUserID(x *Exchange, env *Env, authority uuid.UUID, userOrderID uint8) error {
	user, err := x.Users.Get(authority)
	if err != nil {
		return err
	}
	if user, err = orders.CancelOrderByUserID(user, userOrderID, env.Now(), env.Sink); err != nil {
		return err
	}
	return x.Users.Set(user)
}

// FillOrder fills an open order of authority on behalf of filler and pays
// the filler and the referrer their shares of the fee.
func FillOrder(x *Exchange, env *Env, filler, authority uuid.UUID, orderID uint64) (orders.FillResult, error) {
	user, err := x.Users.Get(authority)
	if err != nil {
		return orders.FillResult{}, err
	}
	if _, err := x.Users.Get(filler); err != nil {
		return orders.FillResult{}, err
	}
	o, err := findOrder(user, orderID)
	if err != nil {
		return orders.FillResult{}, err
	}
	data, err := env.Oracle(o.MarketIndex)
	if err != nil {
		return orders.FillResult{}, err
	}

	res, err := orders.FillOrder(orders.Fill{
		User:    user,
		OrderID: orderID,
		Filler:  filler,
		Markets: x.Markets,
		Oracle:  data,
		Params:  x.Params,
		Now:     env.Now(),
	}, env.Sink)
	if err != nil {
		return orders.FillResult{}, err
	}
	if res.Funding.K != nil {
		env.observe(res.Market.Index, history.CurveAdjustmentFormulaicK, *res.Funding.K)
	}

	if err := x.Markets.Set(res.Market); err != nil {
		return orders.FillResult{}, err
	}
	if err := x.Users.Set(res.User); err != nil {
		return orders.FillResult{}, err
	}
	if err := creditFiller(x, filler, res.Fees.FillerReward); err != nil {
		return orders.FillResult{}, err
	}
	if err := creditReferrer(x, res.Order.Referrer, res.Fees.ReferrerReward); err != nil {
		return orders.FillResult{}, err
	}

	m, err := x.Markets.Get(res.Market.Index)
	if err != nil {
		return orders.FillResult{}, err
	}
	// Funding already ran inside the fill; only the repeg is left.
	if res.Market, err = repegAfterTrade(x, env, m, data, res.Fees.FeeToMarket, res.TradeRecordID); err != nil {
		return orders.FillResult{}, err
	}
	if res.User, err = x.Users.Get(authority); err != nil {
		return orders.FillResult{}, err
	}
	return res, nil
}

// PlaceAndFillOrder places an order and fills it in the same command with
// the owner as filler. If the fill fails the place is discarded with it.
func PlaceAndFillOrder(x *Exchange, env *Env, authority uuid.UUID, req orders.Request) (orders.FillResult, error) {
	o, err := PlaceOrder(x, env, authority, req)
	if err != nil {
		return orders.FillResult{}, err
	}
	return FillOrder(x, env, authority, authority, o.OrderID)
}

func findOrder(user state.User, orderID uint64) (state.Order, error) {
	slot, err := user.FindOrder(orderID)
	if err != nil {
		return state.Order{}, err
	}
	return user.Orders[slot], nil
}

func creditFiller(x *Exchange, filler uuid.UUID, reward fpmath.U128) error {
	if reward.IsZero() {
		return nil
	}
	f, err := x.Users.Get(filler)
	if err != nil {
		return err
	}
	if f.Collateral, err = f.Collateral.Add(reward); err != nil {
		return err
	}
	return x.Users.Set(f)
}
