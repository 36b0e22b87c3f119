// Package autherr defines the typed failures raised by the OTP and token flows. Callers
// branch on Kind (or errors.Is against the sentinels) instead of matching
// message text.
package autherr

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidPhoneFormat
	KindInvalidOrExpiredOTP
	KindOTPAlreadyUsed
	KindAccountLocked
	KindInvalidToken
)

func (k Kind) String() string {
	switch k {
	case KindInvalidPhoneFormat:
		return "invalid_phone_format"
	case KindInvalidOrExpiredOTP:
		return "invalid_or_expired_otp"
	case KindOTPAlreadyUsed:
		return "otp_already_used"
	case KindAccountLocked:
		return "account_locked"
	case KindInvalidToken:
		return "invalid_token"
	default:
		return "unknown"
	}
}

// Error is the single error type for the taxonomy. Only the fields relevant
// to Kind are populated.
type Error struct {
	Kind Kind

	// Input is the raw, un-normalized phone for InvalidPhoneFormat. It is meant
	// for the audit sink only and must never be used as a storage key.
	Input string

	// Attempts is the failed-attempt count after the increment.
	Attempts int

	// Lockout is the configured lockout window for AccountLocked.
	Lockout time.Duration
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidPhoneFormat:
		return "invalid phone number format"
	case KindInvalidOrExpiredOTP:
		return "invalid or expired OTP"
	case KindOTPAlreadyUsed:
		return "OTP has already been used"
	case KindAccountLocked:
		return fmt.Sprintf("account locked due to too many failed attempts, try again in %d minutes", int(e.Lockout.Minutes()))
	case KindInvalidToken:
		return "invalid or expired token"
	default:
		return "authentication error"
	}
}

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is regardless of the other fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidPhoneFormat  = &Error{Kind: KindInvalidPhoneFormat}
	ErrInvalidOrExpiredOTP = &Error{Kind: KindInvalidOrExpiredOTP}
	ErrOTPAlreadyUsed      = &Error{Kind: KindOTPAlreadyUsed}
	ErrAccountLocked       = &Error{Kind: KindAccountLocked}
	ErrInvalidToken        = &Error{Kind: KindInvalidToken}
)

func InvalidPhoneFormat(raw string) *Error {
	return &Error{Kind: KindInvalidPhoneFormat, Input: raw}
}

func InvalidOrExpiredOTP(attempts int) *Error {
	return &Error{Kind: KindInvalidOrExpiredOTP, Attempts: attempts}
}

func OTPAlreadyUsed(attempts int) *Error {
	return &Error{Kind: KindOTPAlreadyUsed, Attempts: attempts}
}

func AccountLocked(lockout time.Duration) *Error {
	return &Error{Kind: KindAccountLocked, Lockout: lockout}
}

func InvalidToken() *Error {
	return &Error{Kind: KindInvalidToken}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As is a shorthand for errors.As with *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
