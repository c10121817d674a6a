package lending

import "errors"

// ErrorKind groups engine failures into the categories callers branch on.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindSolvency
	KindLiquidity
	KindOracle
	KindArithmetic
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSolvency:
		return "solvency"
	case KindLiquidity:
		return "liquidity"
	case KindOracle:
		return "oracle"
	case KindArithmetic:
		return "arithmetic"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every engine operation. Matching with
// errors.Is succeeds against the exact sentinel and against the category
// sentinel for its kind, so callers can test either ErrNoDebt or ErrSolvency.
type Error struct {
	Kind ErrorKind
	Code string
	msg  string
}

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

func (e *Error) Error() string { return "lending engine: " + e.msg }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return t.Kind == e.Kind
	}
	return t.Code == e.Code
}

// Category sentinels.
var (
	ErrValidation = &Error{Kind: KindValidation, msg: "validation error"}
	ErrSolvency   = &Error{Kind: KindSolvency, msg: "solvency error"}
	ErrLiquidity  = &Error{Kind: KindLiquidity, msg: "liquidity error"}
	ErrOracle     = &Error{Kind: KindOracle, msg: "oracle error"}
	ErrArithmetic = &Error{Kind: KindArithmetic, msg: "arithmetic error"}
)

var (
	ErrInvalidArgument = newError(KindValidation, "INVALID_ARGUMENT", "invalid argument")
	ErrMarketNotListed = newError(KindValidation, "MARKET_NOT_LISTED", "market not listed")
	ErrAlreadyListed   = newError(KindValidation, "ALREADY_LISTED", "market already listed")
	ErrUnauthorized    = newError(KindValidation, "UNAUTHORIZED", "only owner")
	ErrPaused          = newError(KindValidation, "PAUSED", "action paused")
	ErrReentrant       = newError(KindValidation, "REENTRANT", "reentrant call")

	ErrExceedsBorrowPower  = newError(KindSolvency, "EXCEEDS_BORROW_POWER", "exceeds borrow power")
	ErrUndercollateralized = newError(KindSolvency, "UNDERCOLLATERALIZED", "withdraw would undercollateralize")
	ErrNotEligible         = newError(KindSolvency, "NOT_ELIGIBLE", "borrower not eligible for liquidation")
	ErrNoDebt              = newError(KindSolvency, "NO_DEBT", "borrower owes nothing")

	ErrInsufficientLiquidity  = newError(KindLiquidity, "INSUFFICIENT_LIQUIDITY", "insufficient liquidity")
	ErrInsufficientBalance    = newError(KindLiquidity, "INSUFFICIENT_BALANCE", "insufficient supply")
	ErrInsufficientCollateral = newError(KindLiquidity, "INSUFFICIENT_COLLATERAL", "insufficient collateral to seize")

	ErrPriceUnavailable = newError(KindOracle, "PRICE_UNAVAILABLE", "price not set")

	ErrOverflow       = newError(KindArithmetic, "OVERFLOW", "arithmetic overflow")
	ErrUnderflow      = newError(KindArithmetic, "UNDERFLOW", "arithmetic underflow")
	ErrDivisionByZero = newError(KindArithmetic, "DIVISION_BY_ZERO", "division by zero")
)

// KindOf reports the category of err, or KindUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf reports the stable code of err, or an empty string for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
