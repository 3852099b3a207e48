package command

import (
	"PerpVAMM/internal/clearing"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// Admin commands are rejected unless signed by the exchange admin.

type InitializeMarket struct {
	Header
	Config clearing.MarketConfig `json:"config"`
}

func (c *InitializeMarket) CommandType() Type    { return TypeInitializeMarket }
func (c *InitializeMarket) MarketIndex() *uint64 { return &c.Config.MarketIndex }

type AdminRepeg struct {
	Header
	Market        uint64      `json:"market_index"`
	PegMultiplier fpmath.U128 `json:"peg_multiplier"`
}

func (c *AdminRepeg) CommandType() Type    { return TypeAdminRepeg }
func (c *AdminRepeg) MarketIndex() *uint64 { return &c.Market }

type AdminUpdateK struct {
	Header
	Market uint64      `json:"market_index"`
	SqrtK  fpmath.U128 `json:"sqrt_k"`
}

func (c *AdminUpdateK) CommandType() Type    { return TypeAdminUpdateK }
func (c *AdminUpdateK) MarketIndex() *uint64 { return &c.Market }

type WithdrawFees struct {
	Header
	Market uint64 `json:"market_index"`
	Amount uint64 `json:"amount"`
}

func (c *WithdrawFees) CommandType() Type    { return TypeWithdrawFees }
func (c *WithdrawFees) MarketIndex() *uint64 { return &c.Market }

type WithdrawFromInsuranceVault struct {
	Header
	Amount uint64 `json:"amount"`
}

func (c *WithdrawFromInsuranceVault) CommandType() Type { return TypeWithdrawFromInsuranceVault }

type WithdrawFromInsuranceVaultToMarket struct {
	Header
	Market uint64 `json:"market_index"`
	Amount uint64 `json:"amount"`
}

func (c *WithdrawFromInsuranceVaultToMarket) CommandType() Type {
	return TypeWithdrawFromInsuranceVaultToMarket
}
func (c *WithdrawFromInsuranceVaultToMarket) MarketIndex() *uint64 { return &c.Market }

// UpdateParams replaces the exchange-wide parameters as a whole.
type UpdateParams struct {
	Header
	Params state.Params `json:"params"`
}

func (c *UpdateParams) CommandType() Type { return TypeUpdateParams }

type UpdateMarketMarginRatios struct {
	Header
	Market       uint64             `json:"market_index"`
	MarginRatios state.MarginRatios `json:"margin_ratios"`
}

func (c *UpdateMarketMarginRatios) CommandType() Type    { return TypeUpdateMarketMarginRatios }
func (c *UpdateMarketMarginRatios) MarketIndex() *uint64 { return &c.Market }

type UpdateMarketMinimumTradeSizes struct {
	Header
	Market                 uint64      `json:"market_index"`
	MinimumBaseAssetTrade  fpmath.U128 `json:"minimum_base_asset_trade_size"`
	MinimumQuoteAssetTrade fpmath.U128 `json:"minimum_quote_asset_trade_size"`
}

func (c *UpdateMarketMinimumTradeSizes) CommandType() Type    { return TypeUpdateMarketMinimumTradeSizes }
func (c *UpdateMarketMinimumTradeSizes) MarketIndex() *uint64 { return &c.Market }

type UpdateMarketBaseSpread struct {
	Header
	Market     uint64 `json:"market_index"`
	BaseSpread uint16 `json:"base_spread"`
}

func (c *UpdateMarketBaseSpread) CommandType() Type    { return TypeUpdateMarketBaseSpread }
func (c *UpdateMarketBaseSpread) MarketIndex() *uint64 { return &c.Market }

type UpdateMarketOracle struct {
	Header
	Market       uint64        `json:"market_index"`
	Oracle       string        `json:"oracle"`
	OracleSource oracle.Source `json:"oracle_source"`
}

func (c *UpdateMarketOracle) CommandType() Type    { return TypeUpdateMarketOracle }
func (c *UpdateMarketOracle) MarketIndex() *uint64 { return &c.Market }

type SetFundingPaused struct {
	Header
	Paused bool `json:"paused"`
}

func (c *SetFundingPaused) CommandType() Type { return TypeSetFundingPaused }

type UpdateAdmin struct {
	Header
	Admin uuid.UUID `json:"admin"`
}

func (c *UpdateAdmin) CommandType() Type { return TypeUpdateAdmin }

// MoveAMMPrice sets a market's reserves directly; sqrt_k follows them.
type MoveAMMPrice struct {
	Header
	Market            uint64      `json:"market_index"`
	BaseAssetReserve  fpmath.U128 `json:"base_asset_reserve"`
	QuoteAssetReserve fpmath.U128 `json:"quote_asset_reserve"`
}

func (c *MoveAMMPrice) CommandType() Type    { return TypeMoveAMMPrice }
func (c *MoveAMMPrice) MarketIndex() *uint64 { return &c.Market }

// MoveAMMToPrice slides a market's reserves along its curve to a target mark.
type MoveAMMToPrice struct {
	Header
	Market      uint64      `json:"market_index"`
	TargetPrice fpmath.U128 `json:"target_price"`
}

func (c *MoveAMMToPrice) CommandType() Type    { return TypeMoveAMMToPrice }
func (c *MoveAMMToPrice) MarketIndex() *uint64 { return &c.Market }
