package query

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Amounts are rendered as decimals in their natural unit: quote amounts in
// USD, base amounts in base units, prices in USD.

// PositionResponse is one open position.
type PositionResponse struct {
	MarketIndex               uint64          `json:"market_index"`
	Direction                 string          `json:"direction"`
	BaseAssetAmount           decimal.Decimal `json:"base_asset_amount"`
	QuoteAssetAmount          decimal.Decimal `json:"quote_asset_amount"`
	BaseAssetValue            decimal.Decimal `json:"base_asset_value"`
	UnrealizedPnl             decimal.Decimal `json:"unrealized_pnl"`
	EntryPrice                decimal.Decimal `json:"entry_price"`
	LastCumulativeFundingRate decimal.Decimal `json:"last_cumulative_funding_rate"`
	OpenOrders                uint64          `json:"open_orders"`
}

// OrderResponse is one open order.
type OrderResponse struct {
	OrderID         uint64          `json:"order_id"`
	UserOrderID     uint8           `json:"user_order_id"`
	MarketIndex     uint64          `json:"market_index"`
	OrderType       string          `json:"order_type"`
	Direction       string          `json:"direction"`
	Price           decimal.Decimal `json:"price"`
	BaseAssetAmount decimal.Decimal `json:"base_asset_amount"`
	BaseFilled      decimal.Decimal `json:"base_asset_amount_filled"`
	ReduceOnly      bool            `json:"reduce_only"`
	Ts              int64           `json:"ts"`
}

// UserResponse is a trading account as of AsOfSequence.
type UserResponse struct {
	Authority            uuid.UUID          `json:"authority"`
	Collateral           decimal.Decimal    `json:"collateral"`
	CumulativeDeposits   decimal.Decimal    `json:"cumulative_deposits"`
	TotalFeePaid         decimal.Decimal    `json:"total_fee_paid"`
	TotalTokenDiscount   decimal.Decimal    `json:"total_token_discount"`
	TotalReferralReward  decimal.Decimal    `json:"total_referral_reward"`
	TotalRefereeDiscount decimal.Decimal    `json:"total_referee_discount"`
	DiscountTokenBalance uint64             `json:"discount_token_balance"`
	Referrer             uuid.UUID          `json:"referrer"`
	Positions            []PositionResponse `json:"positions"`
	Orders               []OrderResponse    `json:"orders"`
	AsOfSequence         int64              `json:"as_of_sequence"`
}

// MarketResponse is a market's curve and exposure.
type MarketResponse struct {
	MarketIndex                uint64          `json:"market_index"`
	Oracle                     string          `json:"oracle"`
	OracleSource               string          `json:"oracle_source"`
	MarkPrice                  decimal.Decimal `json:"mark_price"`
	MarkPriceTwap              decimal.Decimal `json:"mark_price_twap"`
	OraclePrice                decimal.Decimal `json:"oracle_price"`
	OraclePriceTwap            decimal.Decimal `json:"oracle_price_twap"`
	BaseAssetReserve           decimal.Decimal `json:"base_asset_reserve"`
	QuoteAssetReserve          decimal.Decimal `json:"quote_asset_reserve"`
	SqrtK                      decimal.Decimal `json:"sqrt_k"`
	PegMultiplier              decimal.Decimal `json:"peg_multiplier"`
	BaseAssetAmountLong        decimal.Decimal `json:"base_asset_amount_long"`
	BaseAssetAmountShort       decimal.Decimal `json:"base_asset_amount_short"`
	BaseAssetAmount            decimal.Decimal `json:"base_asset_amount"`
	OpenInterest               string          `json:"open_interest"`
	LastFundingRate            decimal.Decimal `json:"last_funding_rate"`
	LastFundingRateTs          int64           `json:"last_funding_rate_ts"`
	CumulativeFundingRateLong  decimal.Decimal `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort decimal.Decimal `json:"cumulative_funding_rate_short"`
	FundingPeriod              int64           `json:"funding_period"`
	TotalFee                   decimal.Decimal `json:"total_fee"`
	TotalFeeMinusDistributions decimal.Decimal `json:"total_fee_minus_distributions"`
	TotalFeeWithdrawn          decimal.Decimal `json:"total_fee_withdrawn"`
	BaseSpreadBps              uint16          `json:"base_spread_bps"`
	MarginRatioInitial         decimal.Decimal `json:"margin_ratio_initial"`
	MarginRatioPartial         decimal.Decimal `json:"margin_ratio_partial"`
	MarginRatioMaintenance     decimal.Decimal `json:"margin_ratio_maintenance"`
	AsOfSequence               int64           `json:"as_of_sequence"`
}

// FundingHistoryResponse is one settled funding payment.
type FundingHistoryResponse struct {
	RecordID        uint64          `json:"record_id"`
	MarketIndex     uint64          `json:"market_index"`
	Payment         decimal.Decimal `json:"payment"`
	BaseAssetAmount decimal.Decimal `json:"base_asset_amount"`
	Timestamp       int64           `json:"timestamp"`
	AsOfSequence    int64           `json:"as_of_sequence"`
}

// HistoryRecordResponse is a persisted history record in its JSON form.
type HistoryRecordResponse struct {
	Kind      string          `json:"kind"`
	RecordID  int64           `json:"record_id"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Record    json.RawMessage `json:"record"`
}

// JournalHistoryEntry is one custody transfer.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID       `json:"journal_id"`
	BatchID       uuid.UUID       `json:"batch_id"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Amount        decimal.Decimal `json:"amount"`
	Authority     uuid.UUID       `json:"authority"`
	Timestamp     int64           `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	CheckedCommands int64   `json:"checked_commands"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	HashMismatches  []int64 `json:"hash_mismatches,omitempty"`
	// LedgerImbalance is the sum of every projected account; zero when healthy.
	LedgerImbalance int64 `json:"ledger_imbalance"`
}
