// Package command defines the instructions the deterministic core applies.
// Each command carries everything it needs: the signer, the clock and the
// oracle readings for the markets it touches.
package command

import (
	"encoding/json"
	"fmt"

	"PerpVAMM/internal/clearing"
	"PerpVAMM/internal/oracle"

	"github.com/google/uuid"
)

// Type discriminator for command payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeInitializeUser
	TypeDeleteUser
	TypeSetDiscountTokenBalance
	TypeDeposit
	TypeWithdraw
	TypeTransferCollateral
	TypeOpenPosition
	TypeClosePosition
	TypePlaceOrder
	TypeCancelOrder
	TypeCancelOrderByUserID
	TypeFillOrder
	TypePlaceAndFillOrder
	TypeLiquidate
	TypeUpdateFundingRate
	TypeSettleFunding
	TypeInitializeMarket
	TypeAdminRepeg
	TypeAdminUpdateK
	TypeWithdrawFees
	TypeWithdrawFromInsuranceVault
	TypeWithdrawFromInsuranceVaultToMarket
	TypeUpdateParams
	TypeUpdateMarketMarginRatios
	TypeUpdateMarketMinimumTradeSizes
	TypeUpdateMarketBaseSpread
	TypeUpdateMarketOracle
	TypeSetFundingPaused
	TypeUpdateAdmin
	TypeMoveAMMPrice
	TypeMoveAMMToPrice
)

var typeNames = map[Type]string{
	TypeInitializeUser:                     "InitializeUser",
	TypeDeleteUser:                         "DeleteUser",
	TypeSetDiscountTokenBalance:            "SetDiscountTokenBalance",
	TypeDeposit:                            "Deposit",
	TypeWithdraw:                           "Withdraw",
	TypeTransferCollateral:                 "TransferCollateral",
	TypeOpenPosition:                       "OpenPosition",
	TypeClosePosition:                      "ClosePosition",
	TypePlaceOrder:                         "PlaceOrder",
	TypeCancelOrder:                        "CancelOrder",
	TypeCancelOrderByUserID:                "CancelOrderByUserID",
	TypeFillOrder:                          "FillOrder",
	TypePlaceAndFillOrder:                  "PlaceAndFillOrder",
	TypeLiquidate:                          "Liquidate",
	TypeUpdateFundingRate:                  "UpdateFundingRate",
	TypeSettleFunding:                      "SettleFunding",
	TypeInitializeMarket:                   "InitializeMarket",
	TypeAdminRepeg:                         "AdminRepeg",
	TypeAdminUpdateK:                       "AdminUpdateK",
	TypeWithdrawFees:                       "WithdrawFees",
	TypeWithdrawFromInsuranceVault:         "WithdrawFromInsuranceVault",
	TypeWithdrawFromInsuranceVaultToMarket: "WithdrawFromInsuranceVaultToMarket",
	TypeUpdateParams:                       "UpdateParams",
	TypeUpdateMarketMarginRatios:           "UpdateMarketMarginRatios",
	TypeUpdateMarketMinimumTradeSizes:      "UpdateMarketMinimumTradeSizes",
	TypeUpdateMarketBaseSpread:             "UpdateMarketBaseSpread",
	TypeUpdateMarketOracle:                 "UpdateMarketOracle",
	TypeSetFundingPaused:                   "SetFundingPaused",
	TypeUpdateAdmin:                        "UpdateAdmin",
	TypeMoveAMMPrice:                       "MoveAMMPrice",
	TypeMoveAMMToPrice:                     "MoveAMMToPrice",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ParseType maps a command name back to its Type.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown command type: %s", name)
}

// Types lists every known command type in declaration order.
func Types() []Type {
	out := make([]Type, 0, len(typeNames))
	for t := TypeInitializeUser; t <= TypeMoveAMMToPrice; t++ {
		out = append(out, t)
	}
	return out
}

// Header is embedded in every command.
type Header struct {
	// CommandID is the stable idempotency key assigned by the submitter.
	CommandID uuid.UUID `json:"command_id"`
	// Signer authorizes the command. For user commands it is the account authority.
	Signer uuid.UUID `json:"signer"`
	// Sequence is the signer's own counter; the core requires it gap-free.
	Sequence int64          `json:"sequence"`
	Clock    clearing.Clock `json:"clock"`
	// Oracles are the raw feed readings for the markets the command touches.
	Oracles map[uint64]oracle.Reading `json:"oracles,omitempty"`
}

func (h *Header) IdempotencyKey() string { return h.CommandID.String() }

func (h *Header) SourceSequence() int64 { return h.Sequence }

// Partition is the sequence stream the command belongs to.
func (h *Header) Partition() string { return fmt.Sprintf("signer:%s", h.Signer) }

func (h *Header) Meta() *Header { return h }

// MarketIndex is nil unless the command is scoped to one market.
func (h *Header) MarketIndex() *uint64 { return nil }

// Command is the interface all command payloads implement
type Command interface {
	IdempotencyKey() string
	CommandType() Type
	MarketIndex() *uint64
	SourceSequence() int64
	Partition() string
	Meta() *Header
}

// New returns an empty command of type t, ready to be decoded into.
func New(t Type) (Command, error) {
	switch t {
	case TypeInitializeUser:
		return &InitializeUser{}, nil
	case TypeDeleteUser:
		return &DeleteUser{}, nil
	case TypeSetDiscountTokenBalance:
		return &SetDiscountTokenBalance{}, nil
	case TypeDeposit:
		return &Deposit{}, nil
	case TypeWithdraw:
		return &Withdraw{}, nil
	case TypeTransferCollateral:
		return &TransferCollateral{}, nil
	case TypeOpenPosition:
		return &OpenPosition{}, nil
	case TypeClosePosition:
		return &ClosePosition{}, nil
	case TypePlaceOrder:
		return &PlaceOrder{}, nil
	case TypeCancelOrder:
		return &CancelOrder{}, nil
	case TypeCancelOrderByUserID:
		return &CancelOrderByUserID{}, nil
	case TypeFillOrder:
		return &FillOrder{}, nil
	case TypePlaceAndFillOrder:
		return &PlaceAndFillOrder{}, nil
	case TypeLiquidate:
		return &Liquidate{}, nil
	case TypeUpdateFundingRate:
		return &UpdateFundingRate{}, nil
	case TypeSettleFunding:
		return &SettleFunding{}, nil
	case TypeInitializeMarket:
		return &InitializeMarket{}, nil
	case TypeAdminRepeg:
		return &AdminRepeg{}, nil
	case TypeAdminUpdateK:
		return &AdminUpdateK{}, nil
	case TypeWithdrawFees:
		return &WithdrawFees{}, nil
	case TypeWithdrawFromInsuranceVault:
		return &WithdrawFromInsuranceVault{}, nil
	case TypeWithdrawFromInsuranceVaultToMarket:
		return &WithdrawFromInsuranceVaultToMarket{}, nil
	case TypeUpdateParams:
		return &UpdateParams{}, nil
	case TypeUpdateMarketMarginRatios:
		return &UpdateMarketMarginRatios{}, nil
	case TypeUpdateMarketMinimumTradeSizes:
		return &UpdateMarketMinimumTradeSizes{}, nil
	case TypeUpdateMarketBaseSpread:
		return &UpdateMarketBaseSpread{}, nil
	case TypeUpdateMarketOracle:
		return &UpdateMarketOracle{}, nil
	case TypeSetFundingPaused:
		return &SetFundingPaused{}, nil
	case TypeUpdateAdmin:
		return &UpdateAdmin{}, nil
	case TypeMoveAMMPrice:
		return &MoveAMMPrice{}, nil
	case TypeMoveAMMToPrice:
		return &MoveAMMToPrice{}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", t)
	}
}

// Decode builds a command of type t from its JSON payload.
func Decode(t Type, payload []byte) (Command, error) {
	cmd, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return cmd, nil
}

// Envelope wraps every sequenced command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from the submitter
	IdempotencyKey string

	CommandType Type

	// Market context (nil for commands not scoped to a market)
	MarketIndex *uint64

	Signer uuid.UUID

	// Command clock, unix seconds (NOT wall-clock)
	Timestamp int64

	// Signer sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// Error code when the command was rejected; rejected commands are still
	// sequenced so a replay consumes the same signer sequences.
	RejectCode string

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}
