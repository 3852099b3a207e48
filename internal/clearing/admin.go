package clearing

import (
	"fmt"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/errcode"
	"PerpVAMM/internal/funding"
	"PerpVAMM/internal/history"
	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/repeg"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// MarketConfig lists a new market.
type MarketConfig struct {
	MarketIndex       uint64             `json:"market_index" toml:"market_index"`
	Oracle            string             `json:"oracle" toml:"oracle"`
	OracleSource      oracle.Source      `json:"oracle_source" toml:"oracle_source"`
	BaseAssetReserve  fpmath.U128        `json:"base_asset_reserve" toml:"base_asset_reserve"`
	QuoteAssetReserve fpmath.U128        `json:"quote_asset_reserve" toml:"quote_asset_reserve"`
	FundingPeriod     int64              `json:"funding_period" toml:"funding_period"`
	PegMultiplier     fpmath.U128        `json:"peg_multiplier" toml:"peg_multiplier"`
	MarginRatios      state.MarginRatios `json:"margin_ratios" toml:"margin_ratios"`
	BaseSpread        uint16             `json:"base_spread" toml:"base_spread"`
}

// InitializeMarket lists a market with a balanced curve. The oracle reading
// for the market seeds both twaps.
func InitializeMarket(x *Exchange, env *Env, signer uuid.UUID, cfg MarketConfig) (state.Market, error) {
	if err := x.requireAdmin(signer); err != nil {
		return state.Market{}, err
	}
	if cfg.BaseAssetReserve.IsZero() || !cfg.BaseAssetReserve.Eq(cfg.QuoteAssetReserve) {
		return state.Market{}, fmt.Errorf("reserves %s/%s must be equal: %w", cfg.BaseAssetReserve, cfg.QuoteAssetReserve, errcode.ErrInvalidMarketParams)
	}
	if cfg.FundingPeriod < 1 {
		return state.Market{}, fmt.Errorf("funding period %d: %w", cfg.FundingPeriod, errcode.ErrInvalidMarketParams)
	}
	if err := amm.ValidateBaseSpread(cfg.BaseSpread); err != nil {
		return state.Market{}, err
	}
	if cfg.PegMultiplier.IsZero() {
		return state.Market{}, fmt.Errorf("zero peg: %w", errcode.ErrInvalidMarketParams)
	}
	if err := cfg.MarginRatios.Validate(); err != nil {
		return state.Market{}, err
	}
	data, err := env.Oracle(cfg.MarketIndex)
	if err != nil {
		return state.Market{}, err
	}

	// Equal reserves make sqrt(base * quote) the base reserve itself.
	sqrtK := cfg.BaseAssetReserve
	mark, err := amm.CalculatePrice(cfg.QuoteAssetReserve, cfg.BaseAssetReserve, cfg.PegMultiplier)
	if err != nil {
		return state.Market{}, err
	}

	now := env.Now()
	m := state.Market{
		Index:                  cfg.MarketIndex,
		MarginRatioInitial:     cfg.MarginRatios.Initial,
		MarginRatioPartial:     cfg.MarginRatios.Partial,
		MarginRatioMaintenance: cfg.MarginRatios.Maintenance,
		AMM: amm.AMM{
			Oracle:                     cfg.Oracle,
			OracleSource:               cfg.OracleSource,
			BaseAssetReserve:           cfg.BaseAssetReserve,
			QuoteAssetReserve:          cfg.QuoteAssetReserve,
			SqrtK:                      sqrtK,
			PegMultiplier:              cfg.PegMultiplier,
			LastFundingRateTs:          now,
			FundingPeriod:              cfg.FundingPeriod,
			LastOraclePrice:            data.Price,
			LastOraclePriceTwap:        data.Twap,
			LastOraclePriceTwapTs:      now,
			LastMarkPriceTwap:          mark,
			LastMarkPriceTwapTs:        now,
			MinimumBaseAssetTradeSize:  fpmath.NewU128(fpmath.DefaultMinimumTradeSize),
			MinimumQuoteAssetTradeSize: fpmath.NewU128(fpmath.DefaultMinimumTradeSize),
			BaseSpread:                 cfg.BaseSpread,
		},
	}
	if err := x.Markets.Init(m); err != nil {
		return state.Market{}, err
	}
	return x.Markets.Get(m.Index)
}

// UpdateParams applies mutate to the exchange params and keeps the result
// only if it validates.
func UpdateParams(x *Exchange, signer uuid.UUID, mutate func(p *state.Params)) error {
	if err := x.requireAdmin(signer); err != nil {
		return err
	}
	p := x.Params
	mutate(&p)
	if err := p.Validate(); err != nil {
		return err
	}
	x.Params = p
	return nil
}

func UpdateOracleGuardRails(x *Exchange, signer uuid.UUID, rails oracle.GuardRails) error {
	if rails.PriceDivergence.MarkOracleDivergenceDenominator.IsZero() {
		return fmt.Errorf("zero divergence denominator: %w", errcode.ErrInvalidMarketParams)
	}
	return UpdateParams(x, signer, func(p *state.Params) { p.OracleGuardRails = rails })
}

func UpdateFeeStructure(x *Exchange, signer uuid.UUID, fees state.FeeStructure) error {
	return UpdateParams(x, signer, func(p *state.Params) { p.Fees = fees })
}

func UpdateOrderParams(x *Exchange, signer uuid.UUID, op state.OrderParams) error {
	return UpdateParams(x, signer, func(p *state.Params) { p.Orders = op })
}

func UpdateLiquidationParams(x *Exchange, signer uuid.UUID, lp state.LiquidationParams) error {
	return UpdateParams(x, signer, func(p *state.Params) { p.Liquidation = lp })
}

func UpdateMaxDeposit(x *Exchange, signer uuid.UUID, maxDeposit fpmath.U128) error {
	return UpdateParams(x, signer, func(p *state.Params) { p.MaxDeposit = maxDeposit })
}

func SetFundingPaused(x *Exchange, signer uuid.UUID, paused bool) error {
	return UpdateParams(x, signer, func(p *state.Params) { p.FundingPaused = paused })
}

// UpdateAdmin hands the admin role to another key.
func UpdateAdmin(x *Exchange, signer, admin uuid.UUID) error {
	if err := x.requireAdmin(signer); err != nil {
		return err
	}
	if admin == uuid.Nil {
		return fmt.Errorf("nil admin: %w", errcode.ErrInvalidAuthority)
	}
	x.Admin = admin
	return nil
}

// updateMarket loads an initialized market, applies mutate and stores it back.
func updateMarket(x *Exchange, signer uuid.UUID, marketIndex uint64, mutate func(m *state.Market) error) error {
	if err := x.requireAdmin(signer); err != nil {
		return err
	}
	m, err := x.Markets.Get(marketIndex)
	if err != nil {
		return err
	}
	if err := mutate(&m); err != nil {
		return err
	}
	return x.Markets.Set(m)
}

func UpdateMarketMarginRatios(x *Exchange, signer uuid.UUID, marketIndex uint64, r state.MarginRatios) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return updateMarket(x, signer, marketIndex, func(m *state.Market) error {
		m.MarginRatioInitial = r.Initial
		m.MarginRatioPartial = r.Partial
		m.MarginRatioMaintenance = r.Maintenance
		return nil
	})
}

func UpdateMarketMinimumTradeSizes(x *Exchange, signer uuid.UUID, marketIndex uint64, base, quote fpmath.U128) error {
	if base.IsZero() || quote.IsZero() {
		return fmt.Errorf("zero minimum trade size: %w", errcode.ErrInvalidMarketParams)
	}
	return updateMarket(x, signer, marketIndex, func(m *state.Market) error {
		m.AMM.MinimumBaseAssetTradeSize = base
		m.AMM.MinimumQuoteAssetTradeSize = quote
		return nil
	})
}

func UpdateMarketBaseSpread(x *Exchange, signer uuid.UUID, marketIndex uint64, spread uint16) error {
	if err := amm.ValidateBaseSpread(spread); err != nil {
		return err
	}
	return updateMarket(x, signer, marketIndex, func(m *state.Market) error {
		m.AMM.BaseSpread = spread
		return nil
	})
}

func UpdateMarketOracle(x *Exchange, signer uuid.UUID, marketIndex uint64, key string, source oracle.Source) error {
	if source != oracle.SourcePyth && source != oracle.SourceSwitchboard {
		return fmt.Errorf("oracle source %q: %w", source, errcode.ErrInvalidMarketParams)
	}
	return updateMarket(x, signer, marketIndex, func(m *state.Market) error {
		m.AMM.Oracle = key
		m.AMM.OracleSource = source
		return nil
	})
}

// MoveAMMPrice replaces a market's reserves and re-derives sqrt_k.
func MoveAMMPrice(x *Exchange, signer uuid.UUID, marketIndex uint64, baseAssetReserve, quoteAssetReserve fpmath.U128) error {
	if baseAssetReserve.IsZero() || quoteAssetReserve.IsZero() {
		return fmt.Errorf("zero reserve: %w", errcode.ErrInvalidMarketParams)
	}
	return updateMarket(x, signer, marketIndex, func(m *state.Market) error {
		a, err := amm.MovePrice(m.AMM, baseAssetReserve, quoteAssetReserve)
		if err != nil {
			return err
		}
		m.AMM = a
		return nil
	})
}

// MoveAMMToPrice moves a market's reserves along the curve until the mark
// is targetPrice. sqrt_k is unchanged.
func MoveAMMToPrice(x *Exchange, signer uuid.UUID, marketIndex uint64, targetPrice fpmath.U128) error {
	if targetPrice.IsZero() {
		return fmt.Errorf("zero target price: %w", errcode.ErrInvalidMarketParams)
	}
	return updateMarket(x, signer, marketIndex, func(m *state.Market) error {
		a, err := amm.MoveToPrice(m.AMM, targetPrice)
		if err != nil {
			return err
		}
		m.AMM = a
		return nil
	})
}

// WithdrawFees pays market fees out to the admin's wallet. At most half of
// the market's lifetime fees may ever leave, and never more than the fee pool
// still holds.
func WithdrawFees(x *Exchange, env *Env, signer uuid.UUID, marketIndex uint64, amount uint64) error {
	if err := x.requireAdmin(signer); err != nil {
		return err
	}
	m, err := x.Markets.Get(marketIndex)
	if err != nil {
		return err
	}

	var c fpmath.Checked
	share := c.MulDiv(m.AMM.TotalFee,
		fpmath.NewU128(fpmath.ShareOfFeesAllocatedToClearingHouseNumerator),
		fpmath.NewU128(fpmath.ShareOfFeesAllocatedToClearingHouseDenominator))
	if err := c.Err(); err != nil {
		return err
	}
	maxWithdraw := share.SaturatingSub(m.AMM.TotalFeeWithdrawn)
	amt := fpmath.NewU128(amount)
	if amt.Gt(maxWithdraw) {
		return fmt.Errorf("withdraw %s above %s: %w", amt, maxWithdraw, errcode.ErrAdminWithdrawTooLarge)
	}
	if amt.Gt(m.AMM.TotalFeeMinusDistributions) {
		return fmt.Errorf("withdraw %s above fee pool %s: %w", amt, m.AMM.TotalFeeMinusDistributions, errcode.ErrAdminWithdrawTooLarge)
	}

	m.AMM.TotalFeeMinusDistributions = c.Sub(m.AMM.TotalFeeMinusDistributions, amt)
	m.AMM.TotalFeeWithdrawn = c.Add(m.AMM.TotalFeeWithdrawn, amt)
	if err := c.Err(); err != nil {
		return err
	}
	if err := env.transfer(ledger.CollateralVault, ledger.Wallet(x.Admin), ledger.VaultAuthority, amount); err != nil {
		return err
	}
	return x.Markets.Set(m)
}

// WithdrawFromInsuranceVault pays insurance funds out to the admin's wallet.
func WithdrawFromInsuranceVault(x *Exchange, env *Env, signer uuid.UUID, amount uint64) error {
	if err := x.requireAdmin(signer); err != nil {
		return err
	}
	return env.transfer(ledger.InsuranceVault, ledger.Wallet(x.Admin), ledger.VaultAuthority, amount)
}

// WithdrawFromInsuranceVaultToMarket tops up a market's fee pool from the
// insurance vault.
func WithdrawFromInsuranceVaultToMarket(x *Exchange, env *Env, signer uuid.UUID, marketIndex uint64, amount uint64) error {
	if err := x.requireAdmin(signer); err != nil {
		return err
	}
	m, err := x.Markets.Get(marketIndex)
	if err != nil {
		return err
	}
	if m.AMM.TotalFeeMinusDistributions, err = m.AMM.TotalFeeMinusDistributions.AddU64(amount); err != nil {
		return err
	}
	if err := env.transfer(ledger.InsuranceVault, ledger.CollateralVault, ledger.VaultAuthority, amount); err != nil {
		return err
	}
	return x.Markets.Set(m)
}

// AdminRepeg moves a market's peg and records the curve change.
func AdminRepeg(x *Exchange, env *Env, signer uuid.UUID, marketIndex uint64, newPeg fpmath.U128) (history.CurveRecord, error) {
	if err := x.requireAdmin(signer); err != nil {
		return history.CurveRecord{}, err
	}
	m, err := x.Markets.Get(marketIndex)
	if err != nil {
		return history.CurveRecord{}, err
	}
	data, err := env.Oracle(marketIndex)
	if err != nil {
		return history.CurveRecord{}, err
	}
	after, rec, err := repeg.Repeg(m, newPeg, data, x.Params.OracleGuardRails, env.Now())
	if err != nil {
		return history.CurveRecord{}, err
	}
	if err := env.append(rec); err != nil {
		return history.CurveRecord{}, err
	}
	return rec, x.Markets.Set(after)
}

// AdminUpdateK sets a market's sqrt_k and records the curve change.
func AdminUpdateK(x *Exchange, env *Env, signer uuid.UUID, marketIndex uint64, sqrtK fpmath.U128) (history.CurveRecord, error) {
	if err := x.requireAdmin(signer); err != nil {
		return history.CurveRecord{}, err
	}
	m, err := x.Markets.Get(marketIndex)
	if err != nil {
		return history.CurveRecord{}, err
	}
	data, err := env.Oracle(marketIndex)
	if err != nil {
		return history.CurveRecord{}, err
	}
	after, rec, err := repeg.AdminUpdateK(m, sqrtK, data.Price, env.Now())
	if err != nil {
		return history.CurveRecord{}, err
	}
	if err := env.append(rec); err != nil {
		return history.CurveRecord{}, err
	}
	return rec, x.Markets.Set(after)
}

// UpdateFundingRate is the permissionless funding crank. It fails with
// FundingWasNotUpdated when the period has not elapsed or the oracle blocks it.
func UpdateFundingRate(x *Exchange, env *Env, marketIndex uint64) (funding.Update, error) {
	m, err := x.Markets.Get(marketIndex)
	if err != nil {
		return funding.Update{}, err
	}
	data, err := env.Oracle(marketIndex)
	if err != nil {
		return funding.Update{}, err
	}
	upd, err := funding.UpdateFundingRate(m, data, x.Params.OracleGuardRails, x.Params.FundingPaused, env.Now(), nil)
	if err != nil {
		return funding.Update{}, err
	}
	if !upd.Updated {
		return upd, fmt.Errorf("market %d: %s: %w", marketIndex, upd.Reason, errcode.ErrFundingWasNotUpdated)
	}
	if err := appendFundingUpdate(env, upd); err != nil {
		return funding.Update{}, err
	}
	return upd, x.Markets.Set(upd.Market)
}

// SettleFunding is the permissionless crank that settles one user's funding.
func SettleFunding(x *Exchange, env *Env, authority uuid.UUID) (state.User, error) {
	user, err := x.Users.Get(authority)
	if err != nil {
		return state.User{}, err
	}
	if user, err = settleFunding(x, env, user); err != nil {
		return state.User{}, err
	}
	return user, x.Users.Set(user)
}
