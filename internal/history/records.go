// Package history defines the append-only audit records the engine emits.
// The engine writes records but never reads them back for decisions.
package history

import (
	"PerpVAMM/internal/amm"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
)

// Kind names a history stream. Record ids are monotonic per stream.
type Kind string

const (
	KindDeposit        Kind = "deposit"
	KindTrade          Kind = "trade"
	KindOrder          Kind = "order"
	KindFundingPayment Kind = "funding_payment"
	KindFundingRate    Kind = "funding_rate"
	KindLiquidation    Kind = "liquidation"
	KindCurve          Kind = "curve"
)

// Kinds lists every stream in a fixed order.
var Kinds = []Kind{
	KindDeposit, KindTrade, KindOrder, KindFundingPayment,
	KindFundingRate, KindLiquidation, KindCurve,
}

type Record interface {
	RecordKind() Kind
}

type DepositDirection string

const (
	DepositDirectionDeposit     DepositDirection = "deposit"
	DepositDirectionWithdraw    DepositDirection = "withdraw"
	DepositDirectionTransferIn  DepositDirection = "transfer_in"
	DepositDirectionTransferOut DepositDirection = "transfer_out"
)

type DepositRecord struct {
	Ts                       int64            `json:"ts"`
	User                     uuid.UUID        `json:"user"`
	Direction                DepositDirection `json:"direction"`
	CollateralBefore         fpmath.U128      `json:"collateral_before"`
	CumulativeDepositsBefore fpmath.I128      `json:"cumulative_deposits_before"`
	Amount                   fpmath.U128      `json:"amount"`
	// Counterparty is set on transfers.
	Counterparty uuid.UUID `json:"counterparty,omitempty"`
}

func (DepositRecord) RecordKind() Kind { return KindDeposit }

type TradeRecord struct {
	Ts                      int64                 `json:"ts"`
	User                    uuid.UUID             `json:"user"`
	MarketIndex             uint64                `json:"market_index"`
	Direction               amm.PositionDirection `json:"direction"`
	BaseAssetAmount         fpmath.U128           `json:"base_asset_amount"`
	QuoteAssetAmount        fpmath.U128           `json:"quote_asset_amount"`
	MarkPriceBefore         fpmath.U128           `json:"mark_price_before"`
	MarkPriceAfter          fpmath.U128           `json:"mark_price_after"`
	Fee                     fpmath.U128           `json:"fee"`
	TokenDiscount           fpmath.U128           `json:"token_discount"`
	ReferrerReward          fpmath.U128           `json:"referrer_reward"`
	RefereeDiscount         fpmath.U128           `json:"referee_discount"`
	QuoteAssetAmountSurplus fpmath.U128           `json:"quote_asset_amount_surplus"`
	OraclePrice             fpmath.I128           `json:"oracle_price"`
	Liquidation             bool                  `json:"liquidation"`
}

func (TradeRecord) RecordKind() Kind { return KindTrade }

type OrderAction string

const (
	OrderActionPlace  OrderAction = "place"
	OrderActionCancel OrderAction = "cancel"
	OrderActionFill   OrderAction = "fill"
)

type OrderRecord struct {
	Ts     int64       `json:"ts"`
	User   uuid.UUID   `json:"user"`
	Order  state.Order `json:"order"`
	Action OrderAction `json:"action"`
	Filler uuid.UUID   `json:"filler,omitempty"`
	// TradeRecordID links a fill to its trade; zero otherwise.
	TradeRecordID          uint64      `json:"trade_record_id"`
	BaseAssetAmountFilled  fpmath.U128 `json:"base_asset_amount_filled"`
	QuoteAssetAmountFilled fpmath.U128 `json:"quote_asset_amount_filled"`
	Fee                    fpmath.U128 `json:"fee"`
	FillerReward           fpmath.U128 `json:"filler_reward"`
}

func (OrderRecord) RecordKind() Kind { return KindOrder }

type FundingPaymentRecord struct {
	Ts                            int64       `json:"ts"`
	User                          uuid.UUID   `json:"user"`
	MarketIndex                   uint64      `json:"market_index"`
	FundingPayment                fpmath.I128 `json:"funding_payment"`                   // quote precision, signed for the user
	BaseAssetAmount               fpmath.I128 `json:"base_asset_amount"`
	UserLastCumulativeFunding     fpmath.I128 `json:"user_last_cumulative_funding"`
	AmmCumulativeFundingRateLong  fpmath.I128 `json:"amm_cumulative_funding_rate_long"`
	AmmCumulativeFundingRateShort fpmath.I128 `json:"amm_cumulative_funding_rate_short"`
}

func (FundingPaymentRecord) RecordKind() Kind { return KindFundingPayment }

type FundingRateRecord struct {
	Ts                         int64       `json:"ts"`
	MarketIndex                uint64      `json:"market_index"`
	FundingRate                fpmath.I128 `json:"funding_rate"`
	FundingRateLong            fpmath.I128 `json:"funding_rate_long"`
	FundingRateShort           fpmath.I128 `json:"funding_rate_short"`
	CumulativeFundingRateLong  fpmath.I128 `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort fpmath.I128 `json:"cumulative_funding_rate_short"`
	OraclePriceTwap            fpmath.I128 `json:"oracle_price_twap"`
	MarkPriceTwap              fpmath.U128 `json:"mark_price_twap"`
	FundingImbalanceCost       fpmath.I128 `json:"funding_imbalance_cost"`
}

func (FundingRateRecord) RecordKind() Kind { return KindFundingRate }

type LiquidationRecord struct {
	Ts                   int64       `json:"ts"`
	User                 uuid.UUID   `json:"user"`
	Liquidator           uuid.UUID   `json:"liquidator"`
	Partial              bool        `json:"partial"`
	BaseAssetValue       fpmath.U128 `json:"base_asset_value"`
	BaseAssetValueClosed fpmath.U128 `json:"base_asset_value_closed"`
	LiquidationFee       fpmath.U128 `json:"liquidation_fee"`
	FeeToLiquidator      fpmath.U128 `json:"fee_to_liquidator"`
	FeeToInsuranceFund   fpmath.U128 `json:"fee_to_insurance_fund"`
	TotalCollateral      fpmath.U128 `json:"total_collateral"`
	Collateral           fpmath.U128 `json:"collateral"`
	UnrealizedPnl        fpmath.I128 `json:"unrealized_pnl"`
	MarginRatio          fpmath.U128 `json:"margin_ratio"`
	// TradeRecordIDs are the trades that closed positions.
	TradeRecordIDs []uint64 `json:"trade_record_ids"`
}

func (LiquidationRecord) RecordKind() Kind { return KindLiquidation }

type CurveAdjustment string

const (
	CurveAdjustmentRepeg          CurveAdjustment = "repeg"
	CurveAdjustmentUpdateK        CurveAdjustment = "update_k"
	CurveAdjustmentFormulaicRepeg CurveAdjustment = "formulaic_repeg"
	CurveAdjustmentFormulaicK     CurveAdjustment = "formulaic_k"
)

// CurveRecord snapshots a market around a peg or K change.
type CurveRecord struct {
	Ts                         int64           `json:"ts"`
	MarketIndex                uint64          `json:"market_index"`
	Adjustment                 CurveAdjustment `json:"adjustment"`
	PegMultiplierBefore        fpmath.U128     `json:"peg_multiplier_before"`
	BaseAssetReserveBefore     fpmath.U128     `json:"base_asset_reserve_before"`
	QuoteAssetReserveBefore    fpmath.U128     `json:"quote_asset_reserve_before"`
	SqrtKBefore                fpmath.U128     `json:"sqrt_k_before"`
	PegMultiplierAfter         fpmath.U128     `json:"peg_multiplier_after"`
	BaseAssetReserveAfter      fpmath.U128     `json:"base_asset_reserve_after"`
	QuoteAssetReserveAfter     fpmath.U128     `json:"quote_asset_reserve_after"`
	SqrtKAfter                 fpmath.U128     `json:"sqrt_k_after"`
	BaseAssetAmountLong        fpmath.U128     `json:"base_asset_amount_long"`
	BaseAssetAmountShort       fpmath.U128     `json:"base_asset_amount_short"`
	BaseAssetAmount            fpmath.I128     `json:"base_asset_amount"`
	OpenInterest               fpmath.U128     `json:"open_interest"`
	TotalFee                   fpmath.U128     `json:"total_fee"`
	TotalFeeMinusDistributions fpmath.U128     `json:"total_fee_minus_distributions"`
	AdjustmentCost             fpmath.I128     `json:"adjustment_cost"`
	OraclePrice                fpmath.I128     `json:"oracle_price"`
	TradeRecordID              uint64          `json:"trade_record_id"`
}

func (CurveRecord) RecordKind() Kind { return KindCurve }

// NewCurveRecord fills the before/after snapshot from two market values.
func NewCurveRecord(ts int64, adj CurveAdjustment, before, after state.Market, cost, oraclePrice fpmath.I128) CurveRecord {
	return CurveRecord{
		Ts:                         ts,
		MarketIndex:                after.Index,
		Adjustment:                 adj,
		PegMultiplierBefore:        before.AMM.PegMultiplier,
		BaseAssetReserveBefore:     before.AMM.BaseAssetReserve,
		QuoteAssetReserveBefore:    before.AMM.QuoteAssetReserve,
		SqrtKBefore:                before.AMM.SqrtK,
		PegMultiplierAfter:         after.AMM.PegMultiplier,
		BaseAssetReserveAfter:      after.AMM.BaseAssetReserve,
		QuoteAssetReserveAfter:     after.AMM.QuoteAssetReserve,
		SqrtKAfter:                 after.AMM.SqrtK,
		BaseAssetAmountLong:        after.BaseAssetAmountLong.Abs(),
		BaseAssetAmountShort:       after.BaseAssetAmountShort.Abs(),
		BaseAssetAmount:            after.BaseAssetAmount,
		OpenInterest:               after.OpenInterest,
		TotalFee:                   after.AMM.TotalFee,
		TotalFeeMinusDistributions: after.AMM.TotalFeeMinusDistributions,
		AdjustmentCost:             cost,
		OraclePrice:                oraclePrice,
	}
}
