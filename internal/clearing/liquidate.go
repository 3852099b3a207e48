package clearing

import (
	"fmt"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/errcode"
	"PerpVAMM/internal/history"
	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/orders"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// LiquidationResult is what a liquidation did to the user.
type LiquidationResult struct {
	Type     state.LiquidationType
	User     state.User
	Record   history.LiquidationRecord
	RecordID uint64
}

// liquidationTrade records one forced close or reduce.
func liquidationTrade(env *Env, user uuid.UUID, m state.Market, direction amm.PositionDirection, res state.PositionAction, markBefore fpmath.U128) (uint64, error) {
	markAfter, err := m.AMM.MarkPrice()
	if err != nil {
		return 0, err
	}
	rec := history.TradeRecord{
		Ts:               env.Now(),
		User:             user,
		MarketIndex:      m.Index,
		Direction:        direction,
		BaseAssetAmount:  res.BaseAssetAmount.Abs(),
		QuoteAssetAmount: res.QuoteAssetAmount,
		MarkPriceBefore:  markBefore,
		MarkPriceAfter:   markAfter,
		Liquidation:      true,
	}
	if data, ok := env.Oracles[m.Index]; ok {
		rec.OraclePrice = data.Price
	}
	return env.Sink.Append(rec)
}

func closingDirection(pos state.MarketPosition) amm.PositionDirection {
	if pos.IsLong() {
		return amm.Short
	}
	return amm.Long
}

// Liquidate takes over an under-collateralized user. Below the maintenance
// requirement every position is closed; below the partial requirement a
// share of each position is closed in ranked order until the user is healthy
// again. The penalty is split between the liquidator's wallet and the
// insurance vault.
func Liquidate(x *Exchange, env *Env, liquidator, authority uuid.UUID) (LiquidationResult, error) {
	user, err := x.Users.Get(authority)
	if err != nil {
		return LiquidationResult{}, err
	}
	if user, err = settleFunding(x, env, user); err != nil {
		return LiquidationResult{}, err
	}

	status, err := state.CalculateOracleLiquidationStatus(user, x.Markets, env.Oracles, x.Params.OracleGuardRails)
	if err != nil {
		return LiquidationResult{}, err
	}
	if status.Type == state.LiquidationNone {
		return LiquidationResult{}, fmt.Errorf("margin ratio %s: %w", status.MarginRatio, errcode.ErrSufficientCollateral)
	}

	lp := x.Params.Liquidation
	full := status.Type == state.LiquidationFull
	now := env.Now()
	var (
		c        fpmath.Checked
		closed   = fpmath.U128Zero
		tradeIDs []uint64
	)

	for _, target := range status.MarketsToClose {
		idx, ok := user.Positions.Find(target.MarketIndex)
		if !ok || !user.Positions[idx].IsOpenPosition() {
			continue
		}
		m, err := x.Markets.Get(target.MarketIndex)
		if err != nil {
			return LiquidationResult{}, err
		}
		mark, err := m.AMM.MarkPrice()
		if err != nil {
			return LiquidationResult{}, err
		}
		direction := closingDirection(user.Positions[idx])

		var res state.PositionAction
		value := target.BaseAssetValue
		share := c.MulDiv(value, fpmath.NewU128(lp.PartialClosePercentageNumerator), fpmath.NewU128(lp.PartialClosePercentageDenominator))
		if err := c.Err(); err != nil {
			return LiquidationResult{}, err
		}
		dust, err := amm.ShouldRoundTrade(m.AMM, share, fpmath.U128Zero)
		if err != nil {
			return LiquidationResult{}, err
		}
		if full || dust {
			res, err = state.ClosePosition(user, idx, m, now, &mark)
		} else {
			res, err = state.ReducePosition(user, idx, m, direction, share, now, &mark)
			value = share
		}
		if err != nil {
			return LiquidationResult{}, err
		}
		user = res.User
		if err := x.Markets.Set(res.Market); err != nil {
			return LiquidationResult{}, err
		}
		id, err := liquidationTrade(env, authority, res.Market, direction, res, mark)
		if err != nil {
			return LiquidationResult{}, err
		}
		tradeIDs = append(tradeIDs, id)
		closed = c.Add(closed, value)

		if !full {
			after, err := state.CalculateLiquidationStatus(user, x.Markets)
			if err != nil {
				return LiquidationResult{}, err
			}
			if after.Type == state.LiquidationNone {
				break
			}
		}
	}

	var penalty fpmath.U128
	var liquidatorShare uint64
	if full {
		penalty = c.MulDiv(user.Collateral, fpmath.NewU128(lp.FullPenaltyPercentageNumerator), fpmath.NewU128(lp.FullPenaltyPercentageDenominator))
		liquidatorShare = lp.FullLiquidatorShareDenominator
	} else {
		penalty = c.MulDiv(status.TotalCollateral, fpmath.NewU128(lp.PartialPenaltyPercentageNumerator), fpmath.NewU128(lp.PartialPenaltyPercentageDenominator))
		penalty = fpmath.MinU128(penalty, user.Collateral)
		liquidatorShare = lp.PartialLiquidatorShareDenominator
	}
	if err := c.Err(); err != nil {
		return LiquidationResult{}, err
	}
	fee, ok := penalty.Uint64()
	if !ok {
		return LiquidationResult{}, fmt.Errorf("liquidation penalty %s: %w", penalty, fpmath.ErrMathOverflow)
	}

	fromVault, _, err := WithdrawalAmounts(fee,
		env.Custody.VaultBalance(ledger.CollateralVault),
		env.Custody.VaultBalance(ledger.InsuranceVault),
		x.Markets.All())
	if err != nil {
		return LiquidationResult{}, err
	}
	toLiquidator := fromVault / liquidatorShare
	toInsurance := fromVault - toLiquidator

	user.Collateral = user.Collateral.SaturatingSub(fpmath.NewU128(fee))
	if err := env.transfer(ledger.CollateralVault, ledger.Wallet(liquidator), ledger.VaultAuthority, toLiquidator); err != nil {
		return LiquidationResult{}, err
	}
	if err := env.transfer(ledger.CollateralVault, ledger.InsuranceVault, ledger.VaultAuthority, toInsurance); err != nil {
		return LiquidationResult{}, err
	}

	if full {
		for i := range user.Orders {
			if !user.Orders[i].IsOpen() {
				continue
			}
			if user, err = orders.CancelOrder(user, user.Orders[i].OrderID, now, env.Sink); err != nil {
				return LiquidationResult{}, err
			}
		}
	}

	rec := history.LiquidationRecord{
		Ts:                   now,
		User:                 authority,
		Liquidator:           liquidator,
		Partial:              !full,
		BaseAssetValue:       status.BaseAssetValue,
		BaseAssetValueClosed: closed,
		LiquidationFee:       fpmath.NewU128(fee),
		FeeToLiquidator:      fpmath.NewU128(toLiquidator),
		FeeToInsuranceFund:   fpmath.NewU128(toInsurance),
		TotalCollateral:      status.TotalCollateral,
		Collateral:           user.Collateral,
		UnrealizedPnl:        status.UnrealizedPnl,
		MarginRatio:          status.MarginRatio,
		TradeRecordIDs:       tradeIDs,
	}
	id, err := env.Sink.Append(rec)
	if err != nil {
		return LiquidationResult{}, err
	}
	if err := x.Users.Set(user); err != nil {
		return LiquidationResult{}, err
	}
	return LiquidationResult{Type: status.Type, User: user, Record: rec, RecordID: id}, nil
}
