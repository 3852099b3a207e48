package orders

import (
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"
)

// DiscountTier picks the best tier the balance qualifies for. Tiers are
// ordered from the largest minimum balance down.
func DiscountTier(balance uint64, fs state.FeeStructure) state.OrderDiscountTier {
	tiers := []state.OrderDiscountTier{
		state.OrderDiscountTierFirst, state.OrderDiscountTierSecond,
		state.OrderDiscountTierThird, state.OrderDiscountTierFourth,
	}
	for i, t := range fs.DiscountTokenTiers {
		if t.MinimumBalance > 0 && balance >= t.MinimumBalance {
			return tiers[i]
		}
	}
	return state.OrderDiscountTierNone
}

// Fees is the split of one trade's fee. UserFee is what the trader pays;
// it funds the filler and referrer rewards and the rest goes to the market.
type Fees struct {
	Fee             fpmath.U128
	UserFee         fpmath.U128
	FeeToMarket     fpmath.U128
	TokenDiscount   fpmath.U128
	ReferrerReward  fpmath.U128
	RefereeDiscount fpmath.U128
	FillerReward    fpmath.U128
}

func fraction(v fpmath.U128, num, den uint64) (fpmath.U128, error) {
	return fpmath.MulDiv(v, fpmath.NewU128(num), fpmath.NewU128(den))
}

func tokenDiscount(fee fpmath.U128, fs state.FeeStructure, tier state.OrderDiscountTier) (fpmath.U128, error) {
	if tier == state.OrderDiscountTierNone || int(tier) > len(fs.DiscountTokenTiers) {
		return fpmath.U128Zero, nil
	}
	t := fs.DiscountTokenTiers[tier-1]
	return fraction(fee, t.DiscountNumerator, t.DiscountDenominator)
}

// CalculateFeeForTrade prices a taker trade of quote with no filler.
func CalculateFeeForTrade(quote fpmath.U128, fs state.FeeStructure, tier state.OrderDiscountTier, referred bool) (Fees, error) {
	var c fpmath.Checked
	var f Fees
	f.Fee = c.U(fraction(quote, fs.FeeNumerator, fs.FeeDenominator))
	f.TokenDiscount = c.U(tokenDiscount(f.Fee, fs, tier))
	if referred {
		r := fs.ReferralDiscount
		f.ReferrerReward = c.U(fraction(f.Fee, r.ReferrerRewardNumerator, r.ReferrerRewardDenominator))
		f.RefereeDiscount = c.U(fraction(f.Fee, r.RefereeDiscountNumerator, r.RefereeDiscountDenominator))
	}
	f.UserFee = c.Sub(c.Sub(f.Fee, f.TokenDiscount), f.RefereeDiscount)
	f.FeeToMarket = c.Sub(f.UserFee, f.ReferrerReward)
	return f, c.Err()
}

// CalculateFillerReward is min(userFee * num / den, sqrt(seconds resting) *
// time-based lower bound), so quick fills of large orders pay less.
func CalculateFillerReward(userFee fpmath.U128, orderTs, now int64, frs state.FillerRewardStructure) (fpmath.U128, error) {
	var c fpmath.Checked
	sizeReward := c.U(fraction(userFee, frs.RewardNumerator, frs.RewardDenominator))

	elapsed := now - orderTs
	if elapsed < 0 {
		elapsed = 0
	}
	root := fpmath.NewU128(uint64(elapsed)).Sqrt()
	timeReward := c.Mul(root, frs.TimeBasedRewardLowerBound)
	return fpmath.MinU128(sizeReward, timeReward), c.Err()
}

// CalculateFeeForOrder prices the fill of a resting order. The filler reward
// comes out of the market's share.
func CalculateFeeForOrder(
	quote fpmath.U128,
	fs state.FeeStructure,
	frs state.FillerRewardStructure,
	tier state.OrderDiscountTier,
	referred bool,
	orderTs, now int64,
) (Fees, error) {
	f, err := CalculateFeeForTrade(quote, fs, tier, referred)
	if err != nil {
		return Fees{}, err
	}
	reward, err := CalculateFillerReward(f.UserFee, orderTs, now, frs)
	if err != nil {
		return Fees{}, err
	}
	reward = fpmath.MinU128(reward, f.FeeToMarket)
	f.FillerReward = reward
	f.FeeToMarket, err = f.FeeToMarket.Sub(reward)
	return f, err
}
