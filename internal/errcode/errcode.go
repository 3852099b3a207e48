// Package errcode defines the typed failures returned by the engine.
package errcode

import (
	"errors"

	fpmath "PerpVAMM/internal/math"
)

// Kind groups codes by how a caller should react.
type Kind int

const (
	KindArithmetic Kind = iota
	KindValidation
	KindPolicy
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindArithmetic:
		return "arithmetic"
	case KindValidation:
		return "validation"
	case KindPolicy:
		return "policy"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Error is a typed engine failure. Values are compared by identity, so
// wrap them with fmt.Errorf("...: %w", code) and match with errors.Is.
type Error struct {
	Code string
	Kind Kind
}

func (e *Error) Error() string { return e.Code }

func newCode(code string, kind Kind) *Error {
	return &Error{Code: code, Kind: kind}
}

var (
	// Validation
	ErrTradeSizeTooSmall     = newCode("TradeSizeTooSmall", KindValidation)
	ErrTradeSizeTooLarge     = newCode("TradeSizeTooLarge", KindValidation)
	ErrInvalidOrder          = newCode("InvalidOrder", KindValidation)
	ErrInsufficientDeposit   = newCode("InsufficientDeposit", KindValidation)
	ErrInvalidOracle         = newCode("InvalidOracle", KindValidation)
	ErrOracleMarkSpread      = newCode("OracleMarkSpreadLimit", KindValidation)
	ErrSlippageOutsideLimit  = newCode("SlippageOutsideLimit", KindValidation)
	ErrInvalidMarketParams   = newCode("InvalidMarketParams", KindValidation)
	ErrOrderAmountTooSmall   = newCode("OrderAmountTooSmall", KindValidation)
	ErrUnableToLoadOracle    = newCode("UnableToLoadOracle", KindValidation)
	ErrInvalidRepegRedundant = newCode("InvalidRepegRedundant", KindValidation)

	// Policy
	ErrInsufficientCollateral    = newCode("InsufficientCollateral", KindPolicy)
	ErrReduceOnlyIncreasedRisk   = newCode("ReduceOnlyOrderIncreasedRisk", KindPolicy)
	ErrInvalidRepegDirection     = newCode("InvalidRepegDirection", KindPolicy)
	ErrInvalidRepegProfitability = newCode("InvalidRepegProfitability", KindPolicy)
	ErrInvalidRepegPriceImpact   = newCode("InvalidRepegPriceImpact", KindPolicy)
	ErrInvalidUpdateK            = newCode("InvalidUpdateK", KindPolicy)
	ErrInvalidUpdateKCost        = newCode("InvalidUpdateKCost", KindPolicy)
	ErrUserMaxDeposit            = newCode("UserMaxDeposit", KindPolicy)
	ErrSufficientCollateral      = newCode("SufficientCollateral", KindPolicy)
	ErrMaxNumberOfPositions      = newCode("MaxNumberOfPositions", KindPolicy)
	ErrMaxNumberOfOrders         = newCode("MaxNumberOfOrders", KindPolicy)
	ErrAdminWithdrawTooLarge     = newCode("AdminWithdrawTooLarge", KindPolicy)
	ErrOrderNotTriggerable       = newCode("OrderNotTriggerable", KindPolicy)
	ErrCouldNotFillOrder         = newCode("CouldNotFillOrder", KindPolicy)
	ErrFundingWasNotUpdated      = newCode("FundingWasNotUpdated", KindPolicy)
	ErrInvalidAuthority          = newCode("InvalidAuthority", KindPolicy)
	ErrCustodyTransferFailed     = newCode("CustodyTransferFailed", KindPolicy)

	// State / not found
	ErrMarketIndexNotInitialized = newCode("MarketIndexNotInitialized", KindState)
	ErrMarketIndexAlreadyInit    = newCode("MarketIndexAlreadyInitialized", KindState)
	ErrUserNotFound              = newCode("UserNotFound", KindState)
	ErrUserAlreadyExists         = newCode("UserAlreadyExists", KindState)
	ErrOrderDoesNotExist         = newCode("OrderDoesNotExist", KindState)
	ErrOrderNotOpen              = newCode("OrderNotOpen", KindState)
	ErrUserHasNoPositionInMarket = newCode("UserHasNoPositionInMarket", KindState)
	ErrUserCantBeClosed          = newCode("UserCantBeClosed", KindState)

	// Ordering
	ErrSequenceGap        = newCode("SequenceGap", KindState)
	ErrSequenceOutOfOrder = newCode("SequenceOutOfOrder", KindState)
)

// KindOf classifies err. Arithmetic errors from fpmath map to KindArithmetic;
// anything unrecognised is reported with ok=false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	if errors.Is(err, fpmath.ErrMathOverflow) ||
		errors.Is(err, fpmath.ErrDivideByZero) ||
		errors.Is(err, fpmath.ErrCastFailure) {
		return KindArithmetic, true
	}
	return 0, false
}

// CodeOf returns the code string of err, or "MathError"/"Unknown".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if k, ok := KindOf(err); ok && k == KindArithmetic {
		return "MathError"
	}
	return "Unknown"
}
