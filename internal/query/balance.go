package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceResponse is the custody view of a user: the wallet outside the
// exchange and the collateral recorded inside it.
type BalanceResponse struct {
	Authority  uuid.UUID       `json:"authority"`
	Wallet     decimal.Decimal `json:"wallet"`
	Collateral decimal.Decimal `json:"collateral"`

	// Derived at query time, not ledger balances.
	UnrealizedPnl   decimal.Decimal `json:"unrealized_pnl"`
	TotalCollateral decimal.Decimal `json:"total_collateral"`
	FreeCollateral  decimal.Decimal `json:"free_collateral"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// VaultResponse reports the exchange-owned accounts.
type VaultResponse struct {
	CollateralVault decimal.Decimal `json:"collateral_vault"`
	InsuranceVault  decimal.Decimal `json:"insurance_vault"`
	AsOfSequence    int64           `json:"as_of_sequence"`
}

// MarginInfo contains derived margin metrics.
type MarginInfo struct {
	Authority uuid.UUID `json:"authority"`

	TotalCollateral decimal.Decimal `json:"total_collateral"`
	UnrealizedPnl   decimal.Decimal `json:"unrealized_pnl"`
	BaseAssetValue  decimal.Decimal `json:"base_asset_value"`
	// MarginRatio is empty when the user holds no position.
	MarginRatio string `json:"margin_ratio"`

	InitialRequirement     decimal.Decimal `json:"initial_requirement"`
	PartialRequirement     decimal.Decimal `json:"partial_requirement"`
	MaintenanceRequirement decimal.Decimal `json:"maintenance_requirement"`
	FreeCollateral         decimal.Decimal `json:"free_collateral"`

	// Liquidation is None, Partial or Full by mark price alone.
	Liquidation    string   `json:"liquidation"`
	MarketsToClose []uint64 `json:"markets_to_close,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}
