package clearing

import (
	"fmt"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/errcode"
	"PerpVAMM/internal/funding"
	"PerpVAMM/internal/history"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/orders"
	"PerpVAMM/internal/repeg"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// OpenPositionRequest is a market order executed immediately against the
// curve. Exactly one of QuoteAssetAmount and BaseAssetAmount is set.
type OpenPositionRequest struct {
	MarketIndex      uint64                `json:"market_index"`
	Direction        amm.PositionDirection `json:"direction"`
	QuoteAssetAmount fpmath.U128           `json:"quote_asset_amount"`
	BaseAssetAmount  fpmath.U128           `json:"base_asset_amount"`
	// LimitPrice bounds the average fill price; zero disables the check.
	LimitPrice fpmath.U128 `json:"limit_price"`
}

// TradeResult summarises one executed trade.
type TradeResult struct {
	User             state.User
	Market           state.Market
	BaseAssetAmount  fpmath.I128
	QuoteAssetAmount fpmath.U128
	Fees             orders.Fees
	RiskIncreasing   bool
	TradeRecordID    uint64
}

// executeQuote trades quote in direction against the position at idx.
// A reduce whose remainder would be dust closes the position instead, and
// a trade worth more than an opposite position flips it.
func executeQuote(user state.User, idx int, m state.Market, direction amm.PositionDirection, quote fpmath.U128, now int64, mark *fpmath.U128) (orders.Execution, fpmath.U128, error) {
	pos := user.Positions[idx]
	if !pos.IsOpenPosition() || (pos.IsLong() == (direction == amm.Long)) {
		res, err := state.IncreasePosition(user, idx, m, direction, quote, now, mark)
		if err != nil {
			return orders.Execution{}, fpmath.U128{}, err
		}
		return orders.Execution{
			User:             res.User,
			Market:           res.Market,
			BaseAssetAmount:  res.BaseAssetAmount,
			QuoteAssetAmount: res.QuoteAssetAmount,
			RiskIncreasing:   true,
		}, res.QuoteAssetAmountSurplus, nil
	}

	value, err := amm.BaseAssetValue(pos.BaseAssetAmount, m.AMM)
	if err != nil {
		return orders.Execution{}, fpmath.U128{}, err
	}
	round, err := amm.ShouldRoundTrade(m.AMM, quote, value)
	if err != nil {
		return orders.Execution{}, fpmath.U128{}, err
	}
	if value.Gt(quote) && !round {
		res, err := state.ReducePosition(user, idx, m, direction, quote, now, mark)
		if err != nil {
			return orders.Execution{}, fpmath.U128{}, err
		}
		return orders.Execution{
			User:             res.User,
			Market:           res.Market,
			BaseAssetAmount:  res.BaseAssetAmount,
			QuoteAssetAmount: res.QuoteAssetAmount,
		}, fpmath.U128Zero, nil
	}

	closed, err := state.ClosePosition(user, idx, m, now, mark)
	if err != nil {
		return orders.Execution{}, fpmath.U128{}, err
	}
	ex := orders.Execution{
		User:             closed.User,
		Market:           closed.Market,
		BaseAssetAmount:  closed.BaseAssetAmount,
		QuoteAssetAmount: closed.QuoteAssetAmount,
	}
	if round || !quote.Gt(value) {
		return ex, fpmath.U128Zero, nil
	}

	rest, err := quote.Sub(value)
	if err != nil {
		return orders.Execution{}, fpmath.U128{}, err
	}
	opened, err := state.IncreasePosition(closed.User, idx, closed.Market, direction, rest, now, nil)
	if err != nil {
		return orders.Execution{}, fpmath.U128{}, err
	}
	var c fpmath.Checked
	ex.User, ex.Market = opened.User, opened.Market
	ex.BaseAssetAmount = c.AddI(ex.BaseAssetAmount, opened.BaseAssetAmount)
	ex.QuoteAssetAmount = c.Add(ex.QuoteAssetAmount, opened.QuoteAssetAmount)
	ex.RiskIncreasing = rest.Gte(value)
	return ex, opened.QuoteAssetAmountSurplus, c.Err()
}

// OpenPosition executes a market order for authority. Funding is settled
// first; risk-increasing trades must keep the mark near the oracle and the
// user above the initial margin requirement.
func OpenPosition(x *Exchange, env *Env, authority uuid.UUID, req OpenPositionRequest) (TradeResult, error) {
	if req.QuoteAssetAmount.IsZero() == req.BaseAssetAmount.IsZero() {
		return TradeResult{}, fmt.Errorf("exactly one of quote and base amount: %w", errcode.ErrTradeSizeTooSmall)
	}
	user, err := x.Users.Get(authority)
	if err != nil {
		return TradeResult{}, err
	}
	if user, err = settleFunding(x, env, user); err != nil {
		return TradeResult{}, err
	}
	m, err := x.Markets.Get(req.MarketIndex)
	if err != nil {
		return TradeResult{}, err
	}
	data, err := env.Oracle(req.MarketIndex)
	if err != nil {
		return TradeResult{}, err
	}
	rate := m.AMM.CumulativeFundingRateLong
	if req.Direction == amm.Short {
		rate = m.AMM.CumulativeFundingRateShort
	}
	idx, err := user.Positions.GetOrAdd(req.MarketIndex, rate)
	if err != nil {
		return TradeResult{}, err
	}

	now := env.Now()
	markBefore, err := m.AMM.MarkPrice()
	if err != nil {
		return TradeResult{}, err
	}
	rails := x.Params.OracleGuardRails
	before, err := oracle.GetStatus(markBefore, data, rails)
	if err != nil {
		return TradeResult{}, err
	}
	if before.IsValid {
		if m.AMM, _, err = amm.UpdateOraclePriceTwap(m.AMM, now, data.Price); err != nil {
			return TradeResult{}, err
		}
	}

	var (
		ex      orders.Execution
		surplus fpmath.U128
	)
	if !req.QuoteAssetAmount.IsZero() {
		ex, surplus, err = executeQuote(user, idx, m, req.Direction, req.QuoteAssetAmount, now, &markBefore)
	} else {
		ex, err = orders.ExecuteBase(user, idx, m, req.Direction, req.BaseAssetAmount, now, &markBefore)
	}
	if err != nil {
		return TradeResult{}, err
	}
	if ex.QuoteAssetAmount.IsZero() {
		return TradeResult{}, errcode.ErrTradeSizeTooSmall
	}
	user, m = ex.User, ex.Market

	if !req.LimitPrice.IsZero() {
		ok, err := orders.LimitPriceSatisfied(req.LimitPrice, ex.QuoteAssetAmount, ex.BaseAssetAmount.Abs(), req.Direction)
		if err != nil {
			return TradeResult{}, err
		}
		if !ok {
			return TradeResult{}, fmt.Errorf("fill beyond limit %s: %w", req.LimitPrice, errcode.ErrSlippageOutsideLimit)
		}
	}

	tier := orders.DiscountTier(user.DiscountTokenBalance, x.Params.Fees)
	fees, err := orders.CalculateFeeForTrade(ex.QuoteAssetAmount, x.Params.Fees, tier, user.Referrer != uuid.Nil)
	if err != nil {
		return TradeResult{}, err
	}
	if user, m, err = orders.ApplyFees(user, m, fees); err != nil {
		return TradeResult{}, err
	}

	markAfter, err := m.AMM.MarkPrice()
	if err != nil {
		return TradeResult{}, err
	}
	if ex.RiskIncreasing {
		after, err := oracle.GetStatus(markAfter, data, rails)
		if err != nil {
			return TradeResult{}, err
		}
		if before.IsValid && after.MarkTooDivergent && after.SpreadPct.Abs().Gte(before.SpreadPct.Abs()) {
			return TradeResult{}, errcode.ErrOracleMarkSpread
		}
	}

	if err := x.Markets.Set(m); err != nil {
		return TradeResult{}, err
	}
	if ex.RiskIncreasing {
		ok, err := state.MeetsInitialMarginRequirement(user, x.Markets)
		if err != nil {
			return TradeResult{}, err
		}
		if !ok {
			return TradeResult{}, errcode.ErrInsufficientCollateral
		}
	}

	tradeID, err := env.Sink.Append(history.TradeRecord{
		Ts:                      now,
		User:                    authority,
		MarketIndex:             m.Index,
		Direction:               req.Direction,
		BaseAssetAmount:         ex.BaseAssetAmount.Abs(),
		QuoteAssetAmount:        ex.QuoteAssetAmount,
		MarkPriceBefore:         markBefore,
		MarkPriceAfter:          markAfter,
		Fee:                     fees.UserFee,
		TokenDiscount:           fees.TokenDiscount,
		ReferrerReward:          fees.ReferrerReward,
		RefereeDiscount:         fees.RefereeDiscount,
		QuoteAssetAmountSurplus: surplus,
		OraclePrice:             data.Price,
	})
	if err != nil {
		return TradeResult{}, err
	}
	if err := x.Users.Set(user); err != nil {
		return TradeResult{}, err
	}
	if err := creditReferrer(x, user.Referrer, fees.ReferrerReward); err != nil {
		return TradeResult{}, err
	}
	if m, err = maintainMarket(x, env, m.Index, data, &markAfter, fees.FeeToMarket, tradeID); err != nil {
		return TradeResult{}, err
	}

	return TradeResult{
		User:             user,
		Market:           m,
		BaseAssetAmount:  ex.BaseAssetAmount,
		QuoteAssetAmount: ex.QuoteAssetAmount,
		Fees:             fees,
		RiskIncreasing:   ex.RiskIncreasing,
		TradeRecordID:    tradeID,
	}, nil
}

// ClosePosition swaps the user's whole position in a market back into the
// curve and charges the taker fee.
func ClosePosition(x *Exchange, env *Env, authority uuid.UUID, marketIndex uint64) (TradeResult, error) {
	user, err := x.Users.Get(authority)
	if err != nil {
		return TradeResult{}, err
	}
	if user, err = settleFunding(x, env, user); err != nil {
		return TradeResult{}, err
	}
	idx, ok := user.Positions.Find(marketIndex)
	if !ok || !user.Positions[idx].IsOpenPosition() {
		return TradeResult{}, fmt.Errorf("market %d: %w", marketIndex, errcode.ErrUserHasNoPositionInMarket)
	}
	m, err := x.Markets.Get(marketIndex)
	if err != nil {
		return TradeResult{}, err
	}
	data, err := env.Oracle(marketIndex)
	if err != nil {
		return TradeResult{}, err
	}

	now := env.Now()
	markBefore, err := m.AMM.MarkPrice()
	if err != nil {
		return TradeResult{}, err
	}
	valid, err := oracle.IsValid(data, x.Params.OracleGuardRails.Validity)
	if err != nil {
		return TradeResult{}, err
	}
	if valid {
		if m.AMM, _, err = amm.UpdateOraclePriceTwap(m.AMM, now, data.Price); err != nil {
			return TradeResult{}, err
		}
	}

	direction := amm.Short
	if !user.Positions[idx].IsLong() {
		direction = amm.Long
	}
	res, err := state.ClosePosition(user, idx, m, now, &markBefore)
	if err != nil {
		return TradeResult{}, err
	}
	user, m = res.User, res.Market

	tier := orders.DiscountTier(user.DiscountTokenBalance, x.Params.Fees)
	fees, err := orders.CalculateFeeForTrade(res.QuoteAssetAmount, x.Params.Fees, tier, user.Referrer != uuid.Nil)
	if err != nil {
		return TradeResult{}, err
	}
	if user, m, err = orders.ApplyFees(user, m, fees); err != nil {
		return TradeResult{}, err
	}
	markAfter, err := m.AMM.MarkPrice()
	if err != nil {
		return TradeResult{}, err
	}

	tradeID, err := env.Sink.Append(history.TradeRecord{
		Ts:               now,
		User:             authority,
		MarketIndex:      marketIndex,
		Direction:        direction,
		BaseAssetAmount:  res.BaseAssetAmount.Abs(),
		QuoteAssetAmount: res.QuoteAssetAmount,
		MarkPriceBefore:  markBefore,
		MarkPriceAfter:   markAfter,
		Fee:              fees.UserFee,
		TokenDiscount:    fees.TokenDiscount,
		ReferrerReward:   fees.ReferrerReward,
		RefereeDiscount:  fees.RefereeDiscount,
		OraclePrice:      data.Price,
	})
	if err != nil {
		return TradeResult{}, err
	}
	if err := x.Markets.Set(m); err != nil {
		return TradeResult{}, err
	}
	if err := x.Users.Set(user); err != nil {
		return TradeResult{}, err
	}
	if err := creditReferrer(x, user.Referrer, fees.ReferrerReward); err != nil {
		return TradeResult{}, err
	}
	if m, err = maintainMarket(x, env, marketIndex, data, &markAfter, fees.FeeToMarket, tradeID); err != nil {
		return TradeResult{}, err
	}

	return TradeResult{
		User:             user,
		Market:           m,
		BaseAssetAmount:  res.BaseAssetAmount,
		QuoteAssetAmount: res.QuoteAssetAmount,
		Fees:             fees,
		TradeRecordID:    tradeID,
	}, nil
}

// creditReferrer pays the referral reward into the referrer's collateral.
func creditReferrer(x *Exchange, referrer uuid.UUID, reward fpmath.U128) error {
	if referrer == uuid.Nil || reward.IsZero() {
		return nil
	}
	r, err := x.Users.Get(referrer)
	if err != nil {
		return err
	}
	var c fpmath.Checked
	r.Collateral = c.Add(r.Collateral, reward)
	r.TotalReferralReward = c.Add(r.TotalReferralReward, reward)
	if err := c.Err(); err != nil {
		return err
	}
	return x.Users.Set(r)
}

// maintainMarket runs the post-trade upkeep on a committed market: an
// opportunistic funding update followed by a formulaic repeg paid for out of
// the trade's fee. Neither step can fail the trade.
func maintainMarket(x *Exchange, env *Env, marketIndex uint64, data oracle.PriceData, mark *fpmath.U128, budget fpmath.U128, tradeID uint64) (state.Market, error) {
	m, err := x.Markets.Get(marketIndex)
	if err != nil {
		return m, err
	}

	upd, err := funding.UpdateFundingRate(m, data, x.Params.OracleGuardRails, x.Params.FundingPaused, env.Now(), mark)
	if err == nil && upd.Updated {
		if err := appendFundingUpdate(env, upd); err != nil {
			return m, err
		}
		m = upd.Market
	}

	return repegAfterTrade(x, env, m, data, budget, tradeID)
}

// repegAfterTrade runs the formulaic repeg and commits the market.
func repegAfterTrade(x *Exchange, env *Env, m state.Market, data oracle.PriceData, budget fpmath.U128, tradeID uint64) (state.Market, error) {
	res := repeg.FormulaicRepeg(m, data, x.Params.OracleGuardRails, budget, env.Now())
	env.observe(m.Index, history.CurveAdjustmentFormulaicRepeg, res)
	if res.Applied() {
		m = res.Market
		rec := *res.Record
		rec.TradeRecordID = tradeID
		if err := env.append(rec); err != nil {
			return m, err
		}
	}
	return m, x.Markets.Set(m)
}
