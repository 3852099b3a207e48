package state

import (
	"fmt"

	"PerpVAMM/internal/errcode"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
)

// MarginRatios are expressed in MarginPrecision (1e4 = 100%).
type MarginRatios struct {
	Initial     uint64 `json:"initial" toml:"initial"`
	Partial     uint64 `json:"partial" toml:"partial"`
	Maintenance uint64 `json:"maintenance" toml:"maintenance"`
}

// Validate requires maintenance <= partial <= initial and a non-zero initial ratio.
func (r MarginRatios) Validate() error {
	if r.Initial == 0 || r.Initial > fpmath.MarginPrecision {
		return fmt.Errorf("initial margin ratio %d: %w", r.Initial, errcode.ErrInvalidMarketParams)
	}
	if r.Maintenance > r.Partial || r.Partial > r.Initial {
		return fmt.Errorf("margin ratios %d/%d/%d out of order: %w",
			r.Initial, r.Partial, r.Maintenance, errcode.ErrInvalidMarketParams)
	}
	return nil
}

// MaxLeverage is MarginPrecision / initial ratio, truncated.
func (r MarginRatios) MaxLeverage() uint64 {
	return fpmath.MarginPrecision / r.Initial
}

// LiquidationParams configure penalties and the liquidator's cut.
type LiquidationParams struct {
	PartialClosePercentageNumerator     uint64 `json:"partial_close_percentage_numerator" toml:"partial_close_percentage_numerator"`
	PartialClosePercentageDenominator   uint64 `json:"partial_close_percentage_denominator" toml:"partial_close_percentage_denominator"`
	PartialPenaltyPercentageNumerator   uint64 `json:"partial_penalty_percentage_numerator" toml:"partial_penalty_percentage_numerator"`
	PartialPenaltyPercentageDenominator uint64 `json:"partial_penalty_percentage_denominator" toml:"partial_penalty_percentage_denominator"`
	FullPenaltyPercentageNumerator      uint64 `json:"full_penalty_percentage_numerator" toml:"full_penalty_percentage_numerator"`
	FullPenaltyPercentageDenominator    uint64 `json:"full_penalty_percentage_denominator" toml:"full_penalty_percentage_denominator"`
	PartialLiquidatorShareDenominator   uint64 `json:"partial_liquidator_share_denominator" toml:"partial_liquidator_share_denominator"`
	FullLiquidatorShareDenominator      uint64 `json:"full_liquidator_share_denominator" toml:"full_liquidator_share_denominator"`
}

// DiscountTokenTier grants a fee discount to holders of at least MinimumBalance.
type DiscountTokenTier struct {
	MinimumBalance      uint64 `json:"minimum_balance" toml:"minimum_balance"`
	DiscountNumerator   uint64 `json:"discount_numerator" toml:"discount_numerator"`
	DiscountDenominator uint64 `json:"discount_denominator" toml:"discount_denominator"`
}

type ReferralDiscount struct {
	ReferrerRewardNumerator    uint64 `json:"referrer_reward_numerator" toml:"referrer_reward_numerator"`
	ReferrerRewardDenominator  uint64 `json:"referrer_reward_denominator" toml:"referrer_reward_denominator"`
	RefereeDiscountNumerator   uint64 `json:"referee_discount_numerator" toml:"referee_discount_numerator"`
	RefereeDiscountDenominator uint64 `json:"referee_discount_denominator" toml:"referee_discount_denominator"`
}

// FeeStructure is the taker fee schedule. Tiers are ordered First..Fourth.
type FeeStructure struct {
	FeeNumerator       uint64               `json:"fee_numerator" toml:"fee_numerator"`
	FeeDenominator     uint64               `json:"fee_denominator" toml:"fee_denominator"`
	DiscountTokenTiers [4]DiscountTokenTier `json:"discount_token_tiers" toml:"discount_token_tiers"`
	ReferralDiscount   ReferralDiscount     `json:"referral_discount" toml:"referral_discount"`
}

// FillerRewardStructure pays whoever fills a resting order.
type FillerRewardStructure struct {
	RewardNumerator           uint64      `json:"reward_numerator" toml:"reward_numerator"`
	RewardDenominator         uint64      `json:"reward_denominator" toml:"reward_denominator"`
	TimeBasedRewardLowerBound fpmath.U128 `json:"time_based_reward_lower_bound" toml:"time_based_reward_lower_bound"`
}

type OrderParams struct {
	MinOrderQuoteAssetAmount fpmath.U128           `json:"min_order_quote_asset_amount" toml:"min_order_quote_asset_amount"`
	FillerReward             FillerRewardStructure `json:"filler_reward" toml:"filler_reward"`
}

// Params are the exchange-wide settings an admin can change.
type Params struct {
	MarginRatios     MarginRatios      `json:"margin_ratios" toml:"margin_ratios"`
	Liquidation      LiquidationParams `json:"liquidation" toml:"liquidation"`
	Fees             FeeStructure      `json:"fees" toml:"fees"`
	Orders           OrderParams       `json:"orders" toml:"orders"`
	OracleGuardRails oracle.GuardRails `json:"oracle_guard_rails" toml:"oracle_guard_rails"`
	// MaxDeposit caps cumulative deposits per user; zero disables the cap.
	MaxDeposit    fpmath.U128 `json:"max_deposit" toml:"max_deposit"`
	FundingPaused bool        `json:"funding_paused" toml:"funding_paused"`
}

var (
	// Default risk params (5x initial leverage)
	DefaultMarginRatios = MarginRatios{
		Initial:     2_000, // 20%
		Partial:     625,   // 6.25%
		Maintenance: 500,   // 5%
	}

	DefaultLiquidationParams = LiquidationParams{
		PartialClosePercentageNumerator:     25,
		PartialClosePercentageDenominator:   100,
		PartialPenaltyPercentageNumerator:   25,
		PartialPenaltyPercentageDenominator: 1_000,
		FullPenaltyPercentageNumerator:      1,
		FullPenaltyPercentageDenominator:    20,
		PartialLiquidatorShareDenominator:   2,
		FullLiquidatorShareDenominator:      20,
	}

	DefaultFeeStructure = FeeStructure{
		FeeNumerator:   1,
		FeeDenominator: 1_000, // 10 bps
		DiscountTokenTiers: [4]DiscountTokenTier{
			{MinimumBalance: 1_000 * fpmath.QuotePrecision, DiscountNumerator: 20, DiscountDenominator: 100},
			{MinimumBalance: 100 * fpmath.QuotePrecision, DiscountNumerator: 15, DiscountDenominator: 100},
			{MinimumBalance: 10 * fpmath.QuotePrecision, DiscountNumerator: 10, DiscountDenominator: 100},
			{MinimumBalance: 1 * fpmath.QuotePrecision, DiscountNumerator: 5, DiscountDenominator: 100},
		},
		ReferralDiscount: ReferralDiscount{
			ReferrerRewardNumerator:    5,
			ReferrerRewardDenominator:  100,
			RefereeDiscountNumerator:   5,
			RefereeDiscountDenominator: 100,
		},
	}

	DefaultOrderParams = OrderParams{
		MinOrderQuoteAssetAmount: fpmath.NewU128(500_000), // $0.50
		FillerReward: FillerRewardStructure{
			RewardNumerator:           1,
			RewardDenominator:         10,
			TimeBasedRewardLowerBound: fpmath.NewU128(10_000), // $0.01
		},
	}
)

func DefaultParams() Params {
	return Params{
		MarginRatios:     DefaultMarginRatios,
		Liquidation:      DefaultLiquidationParams,
		Fees:             DefaultFeeStructure,
		Orders:           DefaultOrderParams,
		OracleGuardRails: oracle.DefaultGuardRails(),
	}
}

// Validate rejects parameter sets that would divide by zero or invert the
// margin ordering.
func (p Params) Validate() error {
	if err := p.MarginRatios.Validate(); err != nil {
		return err
	}
	l := p.Liquidation
	for _, d := range []uint64{
		l.PartialClosePercentageDenominator, l.PartialPenaltyPercentageDenominator,
		l.FullPenaltyPercentageDenominator, l.PartialLiquidatorShareDenominator,
		l.FullLiquidatorShareDenominator, p.Fees.FeeDenominator,
		p.Fees.ReferralDiscount.ReferrerRewardDenominator, p.Fees.ReferralDiscount.RefereeDiscountDenominator,
		p.Orders.FillerReward.RewardDenominator,
	} {
		if d == 0 {
			return fmt.Errorf("zero denominator in params: %w", errcode.ErrInvalidMarketParams)
		}
	}
	for i, t := range p.Fees.DiscountTokenTiers {
		if t.DiscountDenominator == 0 || t.DiscountNumerator > t.DiscountDenominator {
			return fmt.Errorf("discount tier %d: %w", i+1, errcode.ErrInvalidMarketParams)
		}
	}
	return nil
}
