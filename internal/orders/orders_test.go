package orders_test

import (
	"testing"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/errcode"
	"PerpVAMM/internal/history"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/orders"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reserve = fpmath.MustU128("10000000000000000000")

func quote(units uint64) fpmath.U128 {
	return fpmath.NewU128(units * fpmath.QuotePrecision)
}

func base(units uint64) fpmath.U128 {
	return fpmath.NewU128(units * fpmath.AMMReservePrecision)
}

// price is in hundredths.
func price(hundredths uint64) fpmath.U128 {
	return fpmath.NewU128(hundredths * fpmath.MarkPricePrecision / 100)
}

func newMarkets(t *testing.T) *state.Markets {
	t.Helper()
	ms := state.NewMarkets()
	require.NoError(t, ms.Init(state.Market{
		MarginRatioInitial:     state.DefaultMarginRatios.Initial,
		MarginRatioPartial:     state.DefaultMarginRatios.Partial,
		MarginRatioMaintenance: state.DefaultMarginRatios.Maintenance,
		AMM: amm.AMM{
			BaseAssetReserve:           reserve,
			QuoteAssetReserve:          reserve,
			SqrtK:                      reserve,
			PegMultiplier:              fpmath.NewU128(1_000),
			FundingPeriod:              fpmath.OneHour,
			LastMarkPriceTwap:          fpmath.MarkPricePrecisionU,
			LastOraclePrice:            fpmath.MarkPricePrecisionI,
			LastOraclePriceTwap:        fpmath.MarkPricePrecisionI,
			MinimumBaseAssetTradeSize:  fpmath.NewU128(fpmath.DefaultMinimumTradeSize),
			MinimumQuoteAssetTradeSize: fpmath.NewU128(fpmath.DefaultMinimumTradeSize),
		},
	}))
	return ms
}

func newUser(collateral uint64) state.User {
	u := state.NewUser(uuid.New())
	u.Collateral = quote(collateral)
	return u
}

func oracleAt(p fpmath.U128) oracle.PriceData {
	v, _ := fpmath.I128FromU128(p)
	return oracle.PriceData{Price: v, Twap: v, HasSufficientData: true}
}

func limit(direction amm.PositionDirection, size, px fpmath.U128) orders.Request {
	return orders.Request{
		OrderType:       state.OrderTypeLimit,
		Direction:       direction,
		BaseAssetAmount: size,
		Price:           px,
	}
}

// ============================================================================
// Validation
// ============================================================================

func TestValidateOrder(t *testing.T) {
	ms := newMarkets(t)
	m, err := ms.Get(0)
	require.NoError(t, err)
	params := state.DefaultOrderParams

	tests := []struct {
		name  string
		order state.Order
		ok    bool
	}{
		{"market by base", state.Order{OrderType: state.OrderTypeMarket, BaseAssetAmount: base(1)}, true},
		{"market by quote", state.Order{OrderType: state.OrderTypeMarket, QuoteAssetAmount: quote(10)}, true},
		{"market with both amounts", state.Order{OrderType: state.OrderTypeMarket, BaseAssetAmount: base(1), QuoteAssetAmount: quote(1)}, false},
		{"market with trigger", state.Order{OrderType: state.OrderTypeMarket, BaseAssetAmount: base(1), TriggerPrice: price(100)}, false},
		{"base below market minimum", state.Order{OrderType: state.OrderTypeMarket, BaseAssetAmount: fpmath.NewU128(1_000)}, false},
		{"limit", state.Order{OrderType: state.OrderTypeLimit, BaseAssetAmount: base(1), Price: price(100)}, true},
		{"limit without price", state.Order{OrderType: state.OrderTypeLimit, BaseAssetAmount: base(1)}, false},
		{"limit on oracle offset", state.Order{OrderType: state.OrderTypeLimit, BaseAssetAmount: base(1), OraclePriceOffset: fpmath.NewI128(-1)}, true},
		{"limit below minimum value", state.Order{OrderType: state.OrderTypeLimit, BaseAssetAmount: base(1), Price: price(10)}, false},
		{"trigger market", state.Order{OrderType: state.OrderTypeTriggerMarket, BaseAssetAmount: base(1), TriggerPrice: price(110)}, true},
		{"trigger market with price", state.Order{OrderType: state.OrderTypeTriggerMarket, BaseAssetAmount: base(1), TriggerPrice: price(110), Price: price(100)}, false},
		{"trigger limit", state.Order{OrderType: state.OrderTypeTriggerLimit, BaseAssetAmount: base(1), TriggerPrice: price(110), Price: price(112)}, true},
		{"trigger limit without trigger", state.Order{OrderType: state.OrderTypeTriggerLimit, BaseAssetAmount: base(1), Price: price(112)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := orders.ValidateOrder(tt.order, m, params)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errcode.ErrInvalidOrder)
			}
		})
	}
}

// ============================================================================
// Fees
// ============================================================================

func TestDiscountTier(t *testing.T) {
	fs := state.DefaultFeeStructure
	assert.Equal(t, state.OrderDiscountTierNone, orders.DiscountTier(0, fs))
	assert.Equal(t, state.OrderDiscountTierFourth, orders.DiscountTier(fpmath.QuotePrecision, fs))
	assert.Equal(t, state.OrderDiscountTierThird, orders.DiscountTier(50*fpmath.QuotePrecision, fs))
	assert.Equal(t, state.OrderDiscountTierFirst, orders.DiscountTier(5_000*fpmath.QuotePrecision, fs))
}

func TestCalculateFeeForTrade(t *testing.T) {
	f, err := orders.CalculateFeeForTrade(quote(1_000), state.DefaultFeeStructure, state.OrderDiscountTierFirst, true)
	require.NoError(t, err)

	assert.Equal(t, "1000000", f.Fee.String())
	assert.Equal(t, "200000", f.TokenDiscount.String())
	assert.Equal(t, "50000", f.ReferrerReward.String())
	assert.Equal(t, "50000", f.RefereeDiscount.String())
	assert.Equal(t, "750000", f.UserFee.String())
	assert.Equal(t, "700000", f.FeeToMarket.String())
}

func TestCalculateFillerReward(t *testing.T) {
	frs := state.DefaultOrderParams.FillerReward
	userFee := fpmath.NewU128(1_000_000)

	// Resting long enough: the size-based reward (10% of the fee) binds.
	got, err := orders.CalculateFillerReward(userFee, 0, 10_000, frs)
	require.NoError(t, err)
	assert.Equal(t, "100000", got.String())

	// Filled after 4s: sqrt(4) * 10_000.
	got, err = orders.CalculateFillerReward(userFee, 100, 104, frs)
	require.NoError(t, err)
	assert.Equal(t, "20000", got.String())
}

// ============================================================================
// Sizing
// ============================================================================

func TestFoldDust(t *testing.T) {
	o := state.Order{BaseAssetAmount: fpmath.NewU128(1_000)}
	minimum := fpmath.NewU128(10)

	got, err := orders.FoldDust(o, fpmath.NewU128(995), minimum)
	require.NoError(t, err)
	assert.Equal(t, "1000", got.String(), "a 5 unit remainder folds into the fill")

	got, err = orders.FoldDust(o, fpmath.NewU128(500), minimum)
	require.NoError(t, err)
	assert.Equal(t, "500", got.String())

	o.BaseAssetAmountFilled = fpmath.NewU128(999)
	got, err = orders.FoldDust(o, fpmath.NewU128(1), minimum)
	require.NoError(t, err)
	assert.Equal(t, "1", got.String(), "the last unit closes the order")
}

func TestUpdateOrderAfterTrade(t *testing.T) {
	o := state.Order{BaseAssetAmount: fpmath.NewU128(1_000), BaseAssetAmountFilled: fpmath.NewU128(990)}
	minimum := fpmath.NewU128(10)

	_, err := orders.UpdateOrderAfterTrade(o, minimum, fpmath.NewU128(5), fpmath.NewU128(5))
	assert.ErrorIs(t, err, errcode.ErrOrderAmountTooSmall)

	got, err := orders.UpdateOrderAfterTrade(o, minimum, fpmath.NewU128(10), fpmath.NewU128(7))
	require.NoError(t, err)
	assert.True(t, got.RemainingBase().IsZero())
	assert.Equal(t, "7", got.QuoteAssetAmountFilled.String())
}

func TestLimitPriceSatisfied(t *testing.T) {
	// 1 quote for 1 base is a price of 1.0.
	q, b := quote(1), base(1)
	tests := []struct {
		name      string
		limit     fpmath.U128
		direction amm.PositionDirection
		want      bool
	}{
		{"long at limit", price(100), amm.Long, true},
		{"long above limit", price(99), amm.Long, false},
		{"short at limit", price(100), amm.Short, true},
		{"short below limit", price(101), amm.Short, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := orders.LimitPriceSatisfied(tt.limit, q, b, tt.direction)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBaseAssetAmountMarketCanExecute(t *testing.T) {
	ms := newMarkets(t)
	m, err := ms.Get(0)
	require.NoError(t, err)
	mark := price(100)
	oraclePrice := fpmath.MarkPricePrecisionI

	long := state.Order{OrderType: state.OrderTypeLimit, Direction: amm.Long, BaseAssetAmount: base(10), Price: price(105)}
	got, err := orders.BaseAssetAmountMarketCanExecute(long, m, mark, oraclePrice)
	require.NoError(t, err)
	assert.Equal(t, base(10).String(), got.String(), "the curve reaches 1.05 well after 10 base")

	long.Price = price(99)
	got, err = orders.BaseAssetAmountMarketCanExecute(long, m, mark, oraclePrice)
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "buying cannot move the mark down")

	trigger := state.Order{OrderType: state.OrderTypeTriggerMarket, Direction: amm.Short, BaseAssetAmount: base(3), TriggerPrice: price(110), TriggerCondition: state.TriggerAbove}
	got, err = orders.BaseAssetAmountMarketCanExecute(trigger, m, mark, oraclePrice)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	got, err = orders.BaseAssetAmountMarketCanExecute(trigger, m, price(120), oraclePrice)
	require.NoError(t, err)
	assert.Equal(t, base(3).String(), got.String())

	// A partly filled trigger limit has already fired.
	stopLimit := state.Order{
		OrderType:       state.OrderTypeTriggerLimit, Direction: amm.Long,
		BaseAssetAmount: base(4), BaseAssetAmountFilled: base(1),
		Price:           price(105), TriggerPrice: price(120), TriggerCondition: state.TriggerAbove,
	}
	got, err = orders.BaseAssetAmountMarketCanExecute(stopLimit, m, mark, oraclePrice)
	require.NoError(t, err)
	assert.Equal(t, base(3).String(), got.String())
}

// ============================================================================
// Place / cancel
// ============================================================================

func TestPlaceAndCancelOrder(t *testing.T) {
	ms := newMarkets(t)
	user := newUser(100)
	user.DiscountTokenBalance = 10 * fpmath.QuotePrecision
	buf := history.NewJournal().Begin()

	req := limit(amm.Long, base(1), price(100))
	req.UserOrderID = 7
	user, o, err := orders.PlaceOrder(user, ms, req, state.DefaultParams(), 50, buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), o.OrderID)
	assert.Equal(t, uint64(2), user.NextOrderID)
	assert.Equal(t, state.OrderDiscountTierThird, o.DiscountTier)
	assert.True(t, o.IsOpen())

	idx, err := user.Positions.Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), user.Positions[idx].OpenOrders)

	_, _, err = orders.PlaceOrder(user, ms, req, state.DefaultParams(), 51, buf)
	assert.ErrorIs(t, err, errcode.ErrInvalidOrder, "user order id already in use")

	user, err = orders.CancelOrderByUserID(user, 7, 52, buf)
	require.NoError(t, err)
	_, err = user.FindOrder(o.OrderID)
	assert.ErrorIs(t, err, errcode.ErrOrderDoesNotExist)
	assert.False(t, user.Positions[idx].IsFor(0), "slot is free again")

	entries := buf.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, history.OrderActionPlace, entries[0].Record.(history.OrderRecord).Action)
	assert.Equal(t, history.OrderActionCancel, entries[1].Record.(history.OrderRecord).Action)
	assert.Equal(t, uint64(2), entries[1].ID)
}

func TestPlaceOrder_QuoteSizedMarketOrder(t *testing.T) {
	ms := newMarkets(t)
	user := newUser(100)
	req := orders.Request{OrderType: state.OrderTypeMarket, Direction: amm.Long, QuoteAssetAmount: quote(10)}

	_, o, err := orders.PlaceOrder(user, ms, req, state.DefaultParams(), 1, history.NewJournal().Begin())
	require.NoError(t, err)
	assert.True(t, o.BaseAssetAmount.Gt(base(9)))
	assert.True(t, o.BaseAssetAmount.Lt(base(10)), "buying pushes the price above 1.0")
}

func TestPlaceOrder_MaxOrders(t *testing.T) {
	ms := newMarkets(t)
	user := newUser(100)
	buf := history.NewJournal().Begin()
	var err error
	for i := 0; i < state.MaxOrders; i++ {
		user, _, err = orders.PlaceOrder(user, ms, limit(amm.Long, base(1), price(100)), state.DefaultParams(), 1, buf)
		require.NoError(t, err)
	}
	_, _, err = orders.PlaceOrder(user, ms, limit(amm.Long, base(1), price(100)), state.DefaultParams(), 1, buf)
	assert.ErrorIs(t, err, errcode.ErrMaxNumberOfOrders)
}

// ============================================================================
// Fill
// ============================================================================

// place opens req for user and returns the order id.
func place(t *testing.T, user state.User, ms *state.Markets, req orders.Request, now int64) (state.User, uint64) {
	t.Helper()
	user, o, err := orders.PlaceOrder(user, ms, req, state.DefaultParams(), now, history.NewJournal().Begin())
	require.NoError(t, err)
	return user, o.OrderID
}

func fill(t *testing.T, user state.User, id uint64, ms *state.Markets, oraclePrice fpmath.U128, now int64, buf *history.Buffer) (orders.FillResult, error) {
	t.Helper()
	return orders.FillOrder(orders.Fill{
		User:    user,
		OrderID: id,
		Filler:  uuid.New(),
		Markets: ms,
		Oracle:  oracleAt(oraclePrice),
		Params:  state.DefaultParams(),
		Now:     now,
	}, buf)
}

func TestFillOrder_LimitLong(t *testing.T) {
	ms := newMarkets(t)
	user, id := place(t, newUser(100), ms, limit(amm.Long, base(10), price(105)), 100)
	buf := history.NewJournal().Begin()

	res, err := fill(t, user, id, ms, price(100), 200, buf)
	require.NoError(t, err)

	assert.Equal(t, base(10).String(), res.BaseAssetAmount.String())
	assert.True(t, res.OrderClosed)
	assert.True(t, res.RiskIncreasing)
	_, err = res.User.FindOrder(id)
	assert.ErrorIs(t, err, errcode.ErrOrderDoesNotExist)

	idx, err := res.User.Positions.Get(0)
	require.NoError(t, err)
	assert.Equal(t, base(10).String(), res.User.Positions[idx].BaseAssetAmount.String())

	// Fees: the user pays, the market keeps its share net of the filler.
	assert.False(t, res.Fees.UserFee.IsZero())
	assert.Equal(t, res.Fees.UserFee, res.User.TotalFeePaid)
	want, err := quote(100).Sub(res.Fees.UserFee)
	require.NoError(t, err)
	assert.Equal(t, want.String(), res.User.Collateral.String())
	assert.Equal(t, res.Fees.FeeToMarket, res.Market.AMM.TotalFee)
	assert.False(t, res.Fees.FillerReward.IsZero())

	entries := buf.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, history.KindTrade, entries[0].Kind)
	orderRec := entries[1].Record.(history.OrderRecord)
	assert.Equal(t, history.OrderActionFill, orderRec.Action)
	assert.Equal(t, entries[0].ID, orderRec.TradeRecordID)
}

func TestFillOrder_OpportunisticFunding(t *testing.T) {
	ms := newMarkets(t)
	user, id := place(t, newUser(100), ms, limit(amm.Long, base(10), price(105)), 3_500)
	buf := history.NewJournal().Begin()

	res, err := fill(t, user, id, ms, price(100), fpmath.OneHour, buf)
	require.NoError(t, err)
	require.True(t, res.Funding.Updated)
	assert.Equal(t, fpmath.OneHour, res.Market.AMM.LastFundingRateTs)

	var kinds []history.Kind
	for _, e := range buf.Entries() {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, history.KindFundingRate)
}

func TestFillOrder_LimitNotReachable(t *testing.T) {
	ms := newMarkets(t)
	user, id := place(t, newUser(100), ms, limit(amm.Long, base(10), price(95)), 100)

	_, err := fill(t, user, id, ms, price(100), 200, history.NewJournal().Begin())
	assert.ErrorIs(t, err, errcode.ErrCouldNotFillOrder)
}

func TestFillOrder_ReduceOnly(t *testing.T) {
	ms := newMarkets(t)
	user, id := place(t, newUser(100), ms, limit(amm.Long, base(10), price(105)), 100)
	res, err := fill(t, user, id, ms, price(100), 200, history.NewJournal().Begin())
	require.NoError(t, err)
	require.NoError(t, ms.Set(res.Market))
	user = res.User

	flip := limit(amm.Short, base(30), price(90))
	flip.ReduceOnly = true
	user2, id := place(t, user, ms, flip, 300)
	_, err = fill(t, user2, id, ms, price(100), 400, history.NewJournal().Begin())
	assert.ErrorIs(t, err, errcode.ErrReduceOnlyIncreasedRisk, "flipping into a larger short")

	smaller := limit(amm.Short, base(15), price(90))
	smaller.ReduceOnly = true
	user3, id := place(t, user, ms, smaller, 300)
	res, err = fill(t, user3, id, ms, price(100), 400, history.NewJournal().Begin())
	require.NoError(t, err)
	assert.False(t, res.RiskIncreasing)
	idx, err := res.User.Positions.Get(0)
	require.NoError(t, err)
	assert.True(t, res.User.Positions[idx].BaseAssetAmount.IsNegative())
}

func TestFillOrder_OracleMarkSpreadLimit(t *testing.T) {
	ms := newMarkets(t)
	user, id := place(t, newUser(100), ms, limit(amm.Long, base(10), price(105)), 100)

	// The oracle already sits more than 10% under the mark; buying widens it.
	_, err := fill(t, user, id, ms, price(90), 200, history.NewJournal().Begin())
	assert.ErrorIs(t, err, errcode.ErrOracleMarkSpread)
}

func TestFillOrder_UnknownOrder(t *testing.T) {
	ms := newMarkets(t)
	_, err := fill(t, newUser(100), 42, ms, price(100), 200, history.NewJournal().Begin())
	assert.ErrorIs(t, err, errcode.ErrOrderDoesNotExist)
}

func TestFillOrder_RepeatedPartialFills(t *testing.T) {
	ms := newMarkets(t)
	size := base(20_000)
	user, id := place(t, newUser(100_000), ms, limit(amm.Long, size, price(101)), 100)

	filledBase, filledQuote := fpmath.U128Zero, fpmath.U128Zero
	for i, now := range []int64{200, 300, 400} {
		res, err := fill(t, user, id, ms, price(100), now, history.NewJournal().Begin())
		require.NoError(t, err, "fill %d", i)
		assert.False(t, res.OrderClosed, "fill %d stops at the limit price", i)

		o := res.Order
		assert.True(t, o.BaseAssetAmountFilled.Gt(filledBase), "fill %d: base filled %s not above %s", i, o.BaseAssetAmountFilled, filledBase)
		assert.True(t, o.QuoteAssetAmountFilled.Gt(filledQuote), "fill %d: quote filled %s not above %s", i, o.QuoteAssetAmountFilled, filledQuote)
		assert.True(t, o.BaseAssetAmountFilled.Lte(size), "fill %d: filled %s above order size %s", i, o.BaseAssetAmountFilled, size)
		step, err := o.BaseAssetAmountFilled.Sub(filledBase)
		require.NoError(t, err)
		assert.Equal(t, res.BaseAssetAmount.String(), step.String())
		filledBase, filledQuote = o.BaseAssetAmountFilled, o.QuoteAssetAmountFilled

		// Sellers bring the mark back to 1.00 before the next attempt.
		m := res.Market
		m.AMM, err = amm.MoveToPrice(m.AMM, price(100))
		require.NoError(t, err)
		require.NoError(t, ms.Set(m))
		user = res.User
	}

	slot, err := user.FindOrder(id)
	require.NoError(t, err)
	assert.Equal(t, filledBase.String(), user.Orders[slot].BaseAssetAmountFilled.String())
	assert.True(t, user.Orders[slot].IsOpen())
}

func TestFillOrder_FailsInitialMarginAfterFees(t *testing.T) {
	ms := newMarkets(t)
	// Sized at full leverage on free collateral; the fee then leaves the
	// position below its initial requirement.
	req := orders.Request{OrderType: state.OrderTypeMarket, Direction: amm.Long, BaseAssetAmount: base(1_000)}
	user, id := place(t, newUser(10), ms, req, 100)
	buf := history.NewJournal().Begin()

	_, err := fill(t, user, id, ms, price(100), 200, buf)
	assert.ErrorIs(t, err, errcode.ErrInsufficientCollateral)
	assert.Empty(t, buf.Entries(), "no trade is recorded for a rejected fill")
}
