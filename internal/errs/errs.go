package errs

import (
	"errors"
	"fmt"
)

type Category string

const (
	CategoryAuthorization Category = "authorization"
	CategoryLimit         Category = "limit"
	CategoryAccounting    Category = "accounting"
	CategoryIntegrity     Category = "integrity"
	CategoryRecovery      Category = "recovery"
	CategoryPromo         Category = "promo"
	CategoryConfig        Category = "config"
)

// Error is a program error kind. Codes start at 6000 like Anchor custom errors so
// clients can map a failed transaction back to a kind.
type Error struct {
	Code     uint32
	Category Category
	Name     string
	Message  string
}

func (e *Error) Error() string {
	return e.Message
}

var registry = map[uint32]*Error{}

func register(code uint32, category Category, name, message string) *Error {
	if _, exists := registry[code]; exists {
		panic(fmt.Sprintf("duplicate error code %d", code))
	}
	e := &Error{Code: code, Category: category, Name: name, Message: message}
	registry[code] = e
	return e
}

var (
	KeyNotHeld              = register(6000, CategoryAuthorization, "KeyNotHeld", "signer does not hold the key")
	WrongPosition           = register(6001, CategoryAuthorization, "WrongPosition", "key is bound to a different position")
	InvalidKey              = register(6002, CategoryAuthorization, "InvalidKey", "key has no readable permissions attribute")
	InsufficientPermission  = register(6003, CategoryAuthorization, "InsufficientPermission", "key lacks the required permission")
	CannotCreateSecondAdmin = register(6004, CategoryAuthorization, "CannotCreateSecondAdmin", "delegated keys cannot carry the key-management permission")
	CannotRevokeAdminKey    = register(6005, CategoryAuthorization, "CannotRevokeAdminKey", "the current admin key cannot be revoked")
	Unauthorized            = register(6006, CategoryAuthorization, "Unauthorized", "signer is not authorized for this operation")

	RateLimitExceeded  = register(6010, CategoryLimit, "RateLimitExceeded", "rate limit exceeded")
	TotalLimitExceeded = register(6011, CategoryLimit, "TotalLimitExceeded", "lifetime limit exceeded")
	InvalidRateLimit   = register(6012, CategoryLimit, "InvalidRateLimit", "rate limit parameters do not match the limited permission bits")

	InsufficientFunds      = register(6020, CategoryAccounting, "InsufficientFunds", "insufficient funds")
	BorrowCapacityExceeded = register(6021, CategoryAccounting, "BorrowCapacityExceeded", "borrow exceeds available capacity")
	RepayExceedsDebt       = register(6022, CategoryAccounting, "RepayExceedsDebt", "repay amount exceeds outstanding debt")
	ZeroAmount             = register(6023, CategoryAccounting, "ZeroAmount", "amount must be greater than zero")
	SpreadExceeded         = register(6024, CategoryAccounting, "SpreadExceeded", "reinvest spread exceeds the configured maximum")
	InvalidSpread          = register(6025, CategoryAccounting, "InvalidSpread", "spread cap must be at most 10000 bps")
	MathOverflow           = register(6026, CategoryAccounting, "MathOverflow", "arithmetic overflow")

	InvalidAccount  = register(6030, CategoryIntegrity, "InvalidAccount", "account data or address is invalid")
	AccountNotFound = register(6031, CategoryIntegrity, "AccountNotFound", "required account does not exist")

	RecoveryNotConfigured     = register(6040, CategoryRecovery, "RecoveryNotConfigured", "recovery is not configured")
	RecoveryLockoutNotExpired = register(6041, CategoryRecovery, "RecoveryLockoutNotExpired", "recovery lockout has not expired")
	RecoveryConfigLocked      = register(6042, CategoryRecovery, "RecoveryConfigLocked", "recovery configuration is locked")
	InvalidLockout            = register(6043, CategoryRecovery, "InvalidLockout", "recovery lockout is out of range")
	RecoveryTokenMismatch     = register(6044, CategoryRecovery, "RecoveryTokenMismatch", "token is not the configured recovery key")

	PromoInactive         = register(6050, CategoryPromo, "PromoInactive", "promo is not active")
	PromoMaxClaimsReached = register(6051, CategoryPromo, "PromoMaxClaimsReached", "promo has reached its claim cap")
	MaxClaimsBelowCurrent = register(6052, CategoryPromo, "MaxClaimsBelowCurrent", "max claims cannot be set below the current claim count")

	ConfigAlreadyInitialized = register(6060, CategoryConfig, "ConfigAlreadyInitialized", "protocol config already initialized")
	NoPendingAdmin           = register(6061, CategoryConfig, "NoPendingAdmin", "no admin transfer is pending")
)

// From returns the program error kind wrapped in err, if any.
func From(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// ByCode resolves a custom error code reported by a failed transaction.
func ByCode(code uint32) (*Error, bool) {
	e, ok := registry[code]
	return e, ok
}

// Wrap attaches detail to a kind while keeping errors.Is working.
func Wrap(kind *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
