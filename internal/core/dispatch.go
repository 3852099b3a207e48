package core

import (
	"fmt"

	"PerpVAMM/internal/clearing"
	"PerpVAMM/internal/command"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"
)

// Receipt is the per-command result returned to the submitter.
type Receipt struct {
	OrderID          uint64       `json:"order_id,omitempty"`
	TradeRecordID    uint64       `json:"trade_record_id,omitempty"`
	BaseAssetAmount  *fpmath.I128 `json:"base_asset_amount,omitempty"`
	QuoteAssetAmount *fpmath.U128 `json:"quote_asset_amount,omitempty"`
	Fee              *fpmath.U128 `json:"fee,omitempty"`
	Withdrawn        uint64       `json:"withdrawn,omitempty"`
	Liquidation      string       `json:"liquidation,omitempty"`
	LiquidationFee   *fpmath.U128 `json:"liquidation_fee,omitempty"`
	FundingRate      *fpmath.I128 `json:"funding_rate,omitempty"`
}

func tradeReceipt(r clearing.TradeResult) Receipt {
	base, quote, fee := r.BaseAssetAmount, r.QuoteAssetAmount, r.Fees.Fee
	return Receipt{TradeRecordID: r.TradeRecordID, BaseAssetAmount: &base, QuoteAssetAmount: &quote, Fee: &fee}
}

// dispatch routes a command to the clearing operation it names.
func dispatch(x *clearing.Exchange, env *clearing.Env, cmd command.Command) (Receipt, error) {
	signer := cmd.Meta().Signer

	switch c := cmd.(type) {
	// --- Accounts ---
	case *command.InitializeUser:
		_, err := clearing.InitializeUser(x, signer, c.Referrer)
		return Receipt{}, err
	case *command.DeleteUser:
		return Receipt{}, clearing.DeleteUser(x, signer)
	case *command.SetDiscountTokenBalance:
		return Receipt{}, clearing.SetDiscountTokenBalance(x, signer, c.Balance)
	case *command.Deposit:
		_, err := clearing.Deposit(x, env, signer, c.Amount)
		return Receipt{}, err
	case *command.Withdraw:
		_, amount, err := clearing.Withdraw(x, env, signer, c.Amount)
		return Receipt{Withdrawn: amount}, err
	case *command.TransferCollateral:
		return Receipt{}, clearing.TransferCollateral(x, env, signer, c.To, c.Amount)
	case *command.SettleFunding:
		_, err := clearing.SettleFunding(x, env, c.User)
		return Receipt{}, err

	// --- Trading ---
	case *command.OpenPosition:
		r, err := clearing.OpenPosition(x, env, signer, c.Request)
		if err != nil {
			return Receipt{}, err
		}
		return tradeReceipt(r), nil
	case *command.ClosePosition:
		r, err := clearing.ClosePosition(x, env, signer, c.Market)
		if err != nil {
			return Receipt{}, err
		}
		return tradeReceipt(r), nil
	case *command.PlaceOrder:
		o, err := clearing.PlaceOrder(x, env, signer, c.Order.Request())
		return Receipt{OrderID: o.OrderID}, err
	case *command.CancelOrder:
		return Receipt{}, clearing.CancelOrder(x, env, signer, c.OrderID)
	case *command.CancelOrderByUserID:
		return Receipt{}, clearing.CancelOrderByUserID(x, env, signer, c.UserOrderID)
	case *command.FillOrder:
		r, err := clearing.FillOrder(x, env, signer, c.User, c.OrderID)
		if err != nil {
			return Receipt{}, err
		}
		return fillReceipt(r.Order.OrderID, r.TradeRecordID, r.BaseAssetAmount, r.QuoteAssetAmount, r.Fees.Fee)
	case *command.PlaceAndFillOrder:
		r, err := clearing.PlaceAndFillOrder(x, env, signer, c.Order.Request())
		if err != nil {
			return Receipt{}, err
		}
		return fillReceipt(r.Order.OrderID, r.TradeRecordID, r.BaseAssetAmount, r.QuoteAssetAmount, r.Fees.Fee)

	// --- Cranks ---
	case *command.Liquidate:
		r, err := clearing.Liquidate(x, env, signer, c.User)
		if err != nil {
			return Receipt{}, err
		}
		fee := r.Record.LiquidationFee
		return Receipt{Liquidation: r.Type.String(), LiquidationFee: &fee}, nil
	case *command.UpdateFundingRate:
		upd, err := clearing.UpdateFundingRate(x, env, c.Market)
		if err != nil {
			return Receipt{}, err
		}
		rate := upd.Market.AMM.LastFundingRate
		return Receipt{FundingRate: &rate}, nil

	// --- Admin ---
	case *command.InitializeMarket:
		_, err := clearing.InitializeMarket(x, env, signer, c.Config)
		return Receipt{}, err
	case *command.AdminRepeg:
		_, err := clearing.AdminRepeg(x, env, signer, c.Market, c.PegMultiplier)
		return Receipt{}, err
	case *command.AdminUpdateK:
		_, err := clearing.AdminUpdateK(x, env, signer, c.Market, c.SqrtK)
		return Receipt{}, err
	case *command.WithdrawFees:
		return Receipt{Withdrawn: c.Amount}, clearing.WithdrawFees(x, env, signer, c.Market, c.Amount)
	case *command.WithdrawFromInsuranceVault:
		return Receipt{Withdrawn: c.Amount}, clearing.WithdrawFromInsuranceVault(x, env, signer, c.Amount)
	case *command.WithdrawFromInsuranceVaultToMarket:
		return Receipt{Withdrawn: c.Amount}, clearing.WithdrawFromInsuranceVaultToMarket(x, env, signer, c.Market, c.Amount)
	case *command.UpdateParams:
		return Receipt{}, clearing.UpdateParams(x, signer, func(p *state.Params) { *p = c.Params })
	case *command.UpdateMarketMarginRatios:
		return Receipt{}, clearing.UpdateMarketMarginRatios(x, signer, c.Market, c.MarginRatios)
	case *command.UpdateMarketMinimumTradeSizes:
		return Receipt{}, clearing.UpdateMarketMinimumTradeSizes(x, signer, c.Market, c.MinimumBaseAssetTrade, c.MinimumQuoteAssetTrade)
	case *command.UpdateMarketBaseSpread:
		return Receipt{}, clearing.UpdateMarketBaseSpread(x, signer, c.Market, c.BaseSpread)
	case *command.UpdateMarketOracle:
		return Receipt{}, clearing.UpdateMarketOracle(x, signer, c.Market, c.Oracle, c.OracleSource)
	case *command.SetFundingPaused:
		return Receipt{}, clearing.SetFundingPaused(x, signer, c.Paused)
	case *command.UpdateAdmin:
		return Receipt{}, clearing.UpdateAdmin(x, signer, c.Admin)
	case *command.MoveAMMPrice:
		return Receipt{}, clearing.MoveAMMPrice(x, signer, c.Market, c.BaseAssetReserve, c.QuoteAssetReserve)
	case *command.MoveAMMToPrice:
		return Receipt{}, clearing.MoveAMMToPrice(x, signer, c.Market, c.TargetPrice)

	default:
		return Receipt{}, fmt.Errorf("no handler for command %T", cmd)
	}
}

func fillReceipt(orderID, tradeID uint64, base, quote, fee fpmath.U128) (Receipt, error) {
	signed, err := fpmath.I128FromU128(base)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{OrderID: orderID, TradeRecordID: tradeID, BaseAssetAmount: &signed, QuoteAssetAmount: &quote, Fee: &fee}, nil
}
