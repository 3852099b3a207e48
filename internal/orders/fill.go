package orders

import (
	"fmt"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/errcode"
	"PerpVAMM/internal/funding"
	"PerpVAMM/internal/history"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// Fill is one attempt to fill a user's open order against the AMM.
type Fill struct {
	User    state.User
	OrderID uint64
	Filler  uuid.UUID
	Markets *state.Markets
	Oracle  oracle.PriceData
	Params  state.Params
	Now     int64
}

// FillResult carries the updated user and market. Nothing is committed by
// FillOrder; the caller stores both on success.
type FillResult struct {
	User             state.User
	Market           state.Market
	Order            state.Order
	BaseAssetAmount  fpmath.U128
	QuoteAssetAmount fpmath.U128
	Fees             Fees
	RiskIncreasing   bool
	// OrderClosed is set when the fill released the order slot.
	OrderClosed   bool
	TradeRecordID uint64
	Funding       funding.Update
}

// Execution is the result of trading an exact base amount.
type Execution struct {
	User             state.User
	Market           state.Market
	BaseAssetAmount  fpmath.I128
	QuoteAssetAmount fpmath.U128
	RiskIncreasing   bool
}

// ExecuteBase trades base in direction against the position at idx. A trade
// larger than an opposite position closes it and opens the rest the other
// way; it only counts as risk increasing if the new side is the larger one.
func ExecuteBase(user state.User, idx int, m state.Market, direction amm.PositionDirection, base fpmath.U128, now int64, mark *fpmath.U128) (Execution, error) {
	pos := user.Positions[idx]
	if isIncrease(pos, direction) {
		res, err := state.IncreasePositionWithBase(user, idx, m, direction, base, now, mark)
		if err != nil {
			return Execution{}, err
		}
		return Execution{User: res.User, Market: res.Market, BaseAssetAmount: res.BaseAssetAmount, QuoteAssetAmount: res.QuoteAssetAmount, RiskIncreasing: true}, nil
	}

	existing := pos.BaseAssetAmount.Abs()
	if existing.Gt(base) {
		res, err := state.ReducePositionWithBase(user, idx, m, direction, base, now, mark)
		if err != nil {
			return Execution{}, err
		}
		return Execution{User: res.User, Market: res.Market, BaseAssetAmount: res.BaseAssetAmount, QuoteAssetAmount: res.QuoteAssetAmount}, nil
	}

	rest, err := base.Sub(existing)
	if err != nil {
		return Execution{}, err
	}
	closed, err := state.ClosePosition(user, idx, m, now, mark)
	if err != nil {
		return Execution{}, err
	}
	opened, err := state.IncreasePositionWithBase(closed.User, idx, closed.Market, direction, rest, now, nil)
	if err != nil {
		return Execution{}, err
	}
	var c fpmath.Checked
	quote := c.Add(closed.QuoteAssetAmount, opened.QuoteAssetAmount)
	delta := c.AddI(closed.BaseAssetAmount, opened.BaseAssetAmount)
	if err := c.Err(); err != nil {
		return Execution{}, err
	}
	return Execution{
		User:             opened.User,
		Market:           opened.Market,
		BaseAssetAmount:  delta,
		QuoteAssetAmount: quote,
		RiskIncreasing:   !rest.Lt(existing),
	}, nil
}

// FillOrder settles funding, sizes the fill from the user's and the
// market's capacity, trades it, charges fees and re-checks risk. Records go
// to sink; they are discarded with the rest of the command on error.
func FillOrder(f Fill, sink history.Sink) (FillResult, error) {
	user := f.User
	slot, err := user.FindOrder(f.OrderID)
	if err != nil {
		return FillResult{}, err
	}
	o := user.Orders[slot]
	if !o.IsOpen() {
		return FillResult{}, fmt.Errorf("order %d: %w", o.OrderID, errcode.ErrOrderNotOpen)
	}

	user, payments, err := funding.SettleFundingPayment(user, f.Markets, f.Now)
	if err != nil {
		return FillResult{}, err
	}
	for _, p := range payments {
		if _, err := sink.Append(p); err != nil {
			return FillResult{}, err
		}
	}

	m, err := f.Markets.Get(o.MarketIndex)
	if err != nil {
		return FillResult{}, err
	}
	rails := f.Params.OracleGuardRails
	markBefore, err := m.AMM.MarkPrice()
	if err != nil {
		return FillResult{}, err
	}
	before, err := oracle.GetStatus(markBefore, f.Oracle, rails)
	if err != nil {
		return FillResult{}, err
	}
	if before.IsValid {
		if m.AMM, _, err = amm.UpdateOraclePriceTwap(m.AMM, f.Now, f.Oracle.Price); err != nil {
			return FillResult{}, err
		}
	}

	idx, err := user.Positions.Get(o.MarketIndex)
	if err != nil {
		return FillResult{}, err
	}
	userBase, err := BaseAssetAmountUserCanExecute(user, o, f.Markets)
	if err != nil {
		return FillResult{}, err
	}
	marketBase, err := BaseAssetAmountMarketCanExecute(o, m, markBefore, f.Oracle.Price)
	if err != nil {
		return FillResult{}, err
	}
	base, err := FoldDust(o, fpmath.MinU128(userBase, marketBase), m.AMM.MinimumBaseAssetTradeSize)
	if err != nil {
		return FillResult{}, err
	}
	if base.IsZero() {
		return FillResult{}, fmt.Errorf("order %d: %w", o.OrderID, errcode.ErrCouldNotFillOrder)
	}

	ex, err := ExecuteBase(user, idx, m, o.Direction, base, f.Now, &markBefore)
	if err != nil {
		return FillResult{}, err
	}
	user, m = ex.User, ex.Market
	if ex.RiskIncreasing && o.ReduceOnly {
		return FillResult{}, fmt.Errorf("order %d: %w", o.OrderID, errcode.ErrReduceOnlyIncreasedRisk)
	}
	if o.OrderType == state.OrderTypeLimit || o.OrderType == state.OrderTypeTriggerLimit {
		limit, err := LimitPrice(o, f.Oracle.Price)
		if err != nil {
			return FillResult{}, err
		}
		ok, err := LimitPriceSatisfied(limit, ex.QuoteAssetAmount, base, o.Direction)
		if err != nil {
			return FillResult{}, err
		}
		if !ok {
			return FillResult{}, fmt.Errorf("order %d filled beyond %s: %w", o.OrderID, limit, errcode.ErrSlippageOutsideLimit)
		}
	}
	o, err = UpdateOrderAfterTrade(o, m.AMM.MinimumBaseAssetTradeSize, base, ex.QuoteAssetAmount)
	if err != nil {
		return FillResult{}, err
	}

	fees, err := CalculateFeeForOrder(ex.QuoteAssetAmount, f.Params.Fees, f.Params.Orders.FillerReward,
		o.DiscountTier, o.Referrer != uuid.Nil, o.Ts, f.Now)
	if err != nil {
		return FillResult{}, err
	}
	if user, m, err = ApplyFees(user, m, fees); err != nil {
		return FillResult{}, err
	}
	o.Fee, err = o.Fee.Add(fees.UserFee)
	if err != nil {
		return FillResult{}, err
	}

	markAfter, err := m.AMM.MarkPrice()
	if err != nil {
		return FillResult{}, err
	}
	after, err := oracle.GetStatus(markAfter, f.Oracle, rails)
	if err != nil {
		return FillResult{}, err
	}
	if ex.RiskIncreasing && before.IsValid && after.MarkTooDivergent && after.SpreadPct.Abs().Gte(before.SpreadPct.Abs()) {
		return FillResult{}, fmt.Errorf("order %d: %w", o.OrderID, errcode.ErrOracleMarkSpread)
	}

	markets := f.Markets.Clone()
	if err := markets.Set(m); err != nil {
		return FillResult{}, err
	}
	if ex.RiskIncreasing {
		ok, err := state.MeetsInitialMarginRequirement(user, markets)
		if err != nil {
			return FillResult{}, err
		}
		if !ok {
			return FillResult{}, fmt.Errorf("order %d: %w", o.OrderID, errcode.ErrInsufficientCollateral)
		}
	}

	tradeID, err := sink.Append(history.TradeRecord{
		Ts:               f.Now,
		User:             user.Authority,
		MarketIndex:      m.Index,
		Direction:        o.Direction,
		BaseAssetAmount:  base,
		QuoteAssetAmount: ex.QuoteAssetAmount,
		MarkPriceBefore:  markBefore,
		MarkPriceAfter:   markAfter,
		Fee:              fees.UserFee,
		TokenDiscount:    fees.TokenDiscount,
		ReferrerReward:   fees.ReferrerReward,
		RefereeDiscount:  fees.RefereeDiscount,
		OraclePrice:      f.Oracle.Price,
	})
	if err != nil {
		return FillResult{}, err
	}
	if _, err := sink.Append(history.OrderRecord{
		Ts:                     f.Now,
		User:                   user.Authority,
		Order:                  o,
		Action:                 history.OrderActionFill,
		Filler:                 f.Filler,
		TradeRecordID:          tradeID,
		BaseAssetAmountFilled:  base,
		QuoteAssetAmountFilled: ex.QuoteAssetAmount,
		Fee:                    fees.UserFee,
		FillerReward:           fees.FillerReward,
	}); err != nil {
		return FillResult{}, err
	}

	user.Orders[slot] = o
	closed := o.RemainingBase().IsZero() || o.ImmediateOrCancel
	if closed {
		user = releaseSlot(user, slot)
	}

	upd, err := funding.UpdateFundingRate(m, f.Oracle, rails, f.Params.FundingPaused, f.Now, &markAfter)
	if err == nil && upd.Updated {
		if err := appendFunding(sink, upd); err != nil {
			return FillResult{}, err
		}
		m = upd.Market
	}

	return FillResult{
		User:             user,
		Market:           m,
		Order:            o,
		BaseAssetAmount:  base,
		QuoteAssetAmount: ex.QuoteAssetAmount,
		Fees:             fees,
		RiskIncreasing:   ex.RiskIncreasing,
		OrderClosed:      closed,
		TradeRecordID:    tradeID,
		Funding:          upd,
	}, nil
}

// ApplyFees charges the user and credits the market's share.
func ApplyFees(user state.User, m state.Market, fees Fees) (state.User, state.Market, error) {
	var c fpmath.Checked
	user.Collateral = c.U(fpmath.UpdatedCollateral(user.Collateral, c.ToI128(fees.UserFee).Neg()))
	user.TotalFeePaid = c.Add(user.TotalFeePaid, fees.UserFee)
	user.TotalTokenDiscount = c.Add(user.TotalTokenDiscount, fees.TokenDiscount)
	user.TotalRefereeDiscount = c.Add(user.TotalRefereeDiscount, fees.RefereeDiscount)

	m.AMM.TotalFee = c.Add(m.AMM.TotalFee, fees.FeeToMarket)
	m.AMM.TotalFeeMinusDistributions = c.Add(m.AMM.TotalFeeMinusDistributions, fees.FeeToMarket)
	m.AMM.NetRevenueSinceLastFunding = c.AddI(m.AMM.NetRevenueSinceLastFunding, c.ToI128(fees.FeeToMarket))
	return user, m, c.Err()
}

// appendFunding records a funding update and the K step it ran.
func appendFunding(sink history.Sink, upd funding.Update) error {
	if upd.Record != nil {
		if _, err := sink.Append(*upd.Record); err != nil {
			return err
		}
	}
	if upd.K != nil && upd.K.Record != nil {
		if _, err := sink.Append(*upd.K.Record); err != nil {
			return err
		}
	}
	return nil
}
