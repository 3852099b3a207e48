// Package funding moves mark/oracle divergence into cumulative funding rates
// and settles them into user collateral.
package funding

import (
	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/history"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/repeg"
	"PerpVAMM/internal/state"
)

// quoteToBaseFundingPrecision converts a quote amount per unit of base into
// a funding rate: AMMReserve * MarkPrice * FundingPayment / Quote.
var quoteToBaseFundingPrecision = fpmath.MustU128("1000000000000000000000")

// NextUpdateWait returns how long after lastTs the next update may run.
// Updates snap to period boundaries; one that ran more than a third of a
// period late skips the next boundary.
func NextUpdateWait(lastTs, period int64) int64 {
	if period <= 1 {
		return period
	}
	delay := lastTs % period
	if delay < 0 {
		delay += period
	}
	if delay == 0 {
		return period
	}
	if delay > period/3 {
		return 2*period - delay
	}
	return period - delay
}

// Update is the outcome of UpdateFundingRate.
type Update struct {
	Market  state.Market
	Updated bool
	// Reason explains a skipped update.
	Reason string
	Record *history.FundingRateRecord
	// ImbalanceCost is what the market paid (positive) or earned (negative)
	// covering the gap between longs and shorts.
	ImbalanceCost fpmath.I128
	// K is the formulaic K step run at the end of the period.
	K *repeg.Maintenance
}

// UpdateFundingRate closes a funding period when one is due and the oracle
// allows it. It updates both twaps, books the period's rate into the
// cumulative rates, caps the market's share of any imbalance by its fee
// pool, and rescales K from the imbalance.
func UpdateFundingRate(m state.Market, data oracle.PriceData, rails oracle.GuardRails, paused bool, now int64, precomputedMark *fpmath.U128) (Update, error) {
	if paused {
		return Update{Market: m, Reason: "funding paused"}, nil
	}
	mark := precomputedMark
	if mark == nil {
		p, err := m.AMM.MarkPrice()
		if err != nil {
			return Update{}, err
		}
		mark = &p
	}
	blocked, _, err := oracle.BlockOperation(*mark, data, rails)
	if err != nil {
		return Update{}, err
	}
	if blocked {
		return Update{Market: m, Reason: "oracle blocks funding"}, nil
	}
	if now-m.AMM.LastFundingRateTs < NextUpdateWait(m.AMM.LastFundingRateTs, m.AMM.FundingPeriod) {
		return Update{Market: m, Reason: "period not elapsed"}, nil
	}

	a, oracleTwap, err := amm.UpdateOraclePriceTwap(m.AMM, now, data.Price)
	if err != nil {
		return Update{}, err
	}
	a, markTwap, err := amm.UpdateMarkTwap(a, now, mark)
	if err != nil {
		return Update{}, err
	}
	m.AMM = a

	rate, err := fpmath.FundingRate(markTwap, oracleTwap, m.AMM.FundingPeriod)
	if err != nil {
		return Update{}, err
	}
	m, long, short, cost, err := CalculateFundingRateLongShort(m, rate)
	if err != nil {
		return Update{}, err
	}

	var c fpmath.Checked
	m.AMM.CumulativeFundingRateLong = c.AddI(m.AMM.CumulativeFundingRateLong, long)
	m.AMM.CumulativeFundingRateShort = c.AddI(m.AMM.CumulativeFundingRateShort, short)
	if err := c.Err(); err != nil {
		return Update{}, err
	}
	m.AMM.LastFundingRate = rate
	m.AMM.LastFundingRateTs = now

	k := repeg.FormulaicUpdateK(m, data, cost, now)
	m = k.Market
	m.AMM.NetRevenueSinceLastFunding = fpmath.I128Zero

	rec := history.FundingRateRecord{
		Ts:                         now,
		MarketIndex:                m.Index,
		FundingRate:                rate,
		FundingRateLong:            long,
		FundingRateShort:           short,
		CumulativeFundingRateLong:  m.AMM.CumulativeFundingRateLong,
		CumulativeFundingRateShort: m.AMM.CumulativeFundingRateShort,
		OraclePriceTwap:            oracleTwap,
		MarkPriceTwap:              markTwap,
		FundingImbalanceCost:       cost,
	}
	return Update{Market: m, Updated: true, Record: &rec, ImbalanceCost: cost, K: &k}, nil
}

// CalculateFundingRateLongShort splits rate into the rates applied to each
// side. When the net position earns the market money both sides use rate and
// the revenue goes to the fee pool. When the market owes, it pays out of its
// fee pool; if the pool cannot cover the gap the receiving side's rate is
// cut to what the payers and the pool can fund. The returned cost is positive
// when the market paid.
func CalculateFundingRateLongShort(m state.Market, rate fpmath.I128) (state.Market, fpmath.I128, fpmath.I128, fpmath.I128, error) {
	var c fpmath.Checked
	netPayment := c.I(fpmath.FundingPaymentInQuote(rate, fpmath.I128Zero, m.BaseAssetAmount))
	if err := c.Err(); err != nil {
		return m, fpmath.I128{}, fpmath.I128{}, fpmath.I128{}, err
	}
	// Users paying in aggregate means the market receives.
	marketPnl := netPayment.Neg()

	if !marketPnl.IsNegative() {
		m.AMM.TotalFeeMinusDistributions = c.Add(m.AMM.TotalFeeMinusDistributions, marketPnl.Abs())
		m.AMM.NetRevenueSinceLastFunding = c.AddI(m.AMM.NetRevenueSinceLastFunding, marketPnl)
		return m, rate, rate, marketPnl.Neg(), c.Err()
	}

	pool := c.U(repeg.FeePool(m))
	owed := marketPnl.Abs()
	if err := c.Err(); err != nil {
		return m, fpmath.I128{}, fpmath.I128{}, fpmath.I128{}, err
	}
	if owed.Lte(pool) {
		m.AMM.TotalFeeMinusDistributions = c.Sub(m.AMM.TotalFeeMinusDistributions, owed)
		m.AMM.NetRevenueSinceLastFunding = c.AddI(m.AMM.NetRevenueSinceLastFunding, marketPnl)
		return m, rate, rate, marketPnl.Neg(), c.Err()
	}

	// Receivers are shorts when the rate is positive, longs otherwise.
	payers, receivers := m.BaseAssetAmountLong, m.BaseAssetAmountShort
	if rate.IsNegative() {
		payers, receivers = m.BaseAssetAmountShort, m.BaseAssetAmountLong
	}
	paid := c.I(fpmath.FundingPaymentInQuote(rate, fpmath.I128Zero, payers))
	available := c.Add(paid.Abs(), pool)
	capped := fpmath.I128Zero
	if !receivers.IsZero() {
		capped = c.ToI128(c.MulDiv(available, quoteToBaseFundingPrecision, receivers.Abs()))
	}
	if rate.IsNegative() {
		capped = capped.Neg()
	}
	m.AMM.TotalFeeMinusDistributions = c.Sub(m.AMM.TotalFeeMinusDistributions, pool)
	poolI := c.ToI128(pool)
	m.AMM.NetRevenueSinceLastFunding = c.SubI(m.AMM.NetRevenueSinceLastFunding, poolI)
	if err := c.Err(); err != nil {
		return m, fpmath.I128{}, fpmath.I128{}, fpmath.I128{}, err
	}

	if rate.IsPositive() {
		return m, rate, capped, poolI, nil
	}
	return m, capped, rate, poolI, nil
}

// SettleFundingPayment books every position's accrued funding into
// collateral and returns one record per position that moved.
func SettleFundingPayment(user state.User, markets *state.Markets, now int64) (state.User, []history.FundingPaymentRecord, error) {
	var recs []history.FundingPaymentRecord
	for i := range user.Positions {
		pos := &user.Positions[i]
		if !pos.IsOpenPosition() {
			continue
		}
		m, err := markets.Get(pos.MarketIndex)
		if err != nil {
			return user, nil, err
		}
		cumulative := m.AMM.CumulativeFundingRateShort
		if pos.IsLong() {
			cumulative = m.AMM.CumulativeFundingRateLong
		}
		if cumulative.Eq(pos.LastCumulativeFundingRate) {
			continue
		}

		payment, err := fpmath.FundingPaymentInQuote(cumulative, pos.LastCumulativeFundingRate, pos.BaseAssetAmount)
		if err != nil {
			return user, nil, err
		}
		collateral, err := fpmath.UpdatedCollateral(user.Collateral, payment)
		if err != nil {
			return user, nil, err
		}
		recs = append(recs, history.FundingPaymentRecord{
			Ts:                            now,
			User:                          user.Authority,
			MarketIndex:                   pos.MarketIndex,
			FundingPayment:                payment,
			BaseAssetAmount:               pos.BaseAssetAmount,
			UserLastCumulativeFunding:     pos.LastCumulativeFundingRate,
			AmmCumulativeFundingRateLong:  m.AMM.CumulativeFundingRateLong,
			AmmCumulativeFundingRateShort: m.AMM.CumulativeFundingRateShort,
		})
		user.Collateral = collateral
		pos.LastCumulativeFundingRate = cumulative
		pos.LastFundingRateTs = m.AMM.LastFundingRateTs
	}
	return user, recs, nil
}
