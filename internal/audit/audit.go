// Package audit carries security-relevant events out of the OTP and token
// flows. Sinks are the only place a phone number may be recorded; the services
// themselves never log one.
package audit

import (
	"context"
	"time"
)

const (
	EventOTPGenerated          = "otp.generated"
	EventOTPVerificationFailed = "otp.verification_failed"
	EventOTPVerified           = "otp.verification_succeeded"
	EventAccountLocked         = "otp.account_locked"
	EventInvalidPhoneFormat    = "phone.invalid_format"
	EventTokenRevoked          = "token.revoked"
)

// Failure reasons for OTPVerificationFailed.
const (
	ReasonInvalidOrExpired = "invalid_or_expired"
	ReasonAlreadyUsed      = "already_used"
)

type Sink interface {
	OTPGenerated(ctx context.Context, phone string)
	OTPVerificationFailed(ctx context.Context, phone string, attempts int, reason string)
	OTPVerificationSucceeded(ctx context.Context, phone string)
	AccountLocked(ctx context.Context, phone string, lockout time.Duration)
	InvalidPhoneFormat(ctx context.Context, raw string)
	TokenRevoked(ctx context.Context)
}

// Event is the sink-neutral form of an audit record.
type Event struct {
	ID             string    `json:"event_id"`
	Type           string    `json:"event_type"`
	Phone          string    `json:"phone,omitempty"`
	Attempts       int       `json:"attempts,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	LockoutSeconds int64     `json:"lockout_seconds,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Nop discards every event. Used when audit logging is disabled.
type Nop struct{}

func (Nop) OTPGenerated(context.Context, string)                       {}
func (Nop) OTPVerificationFailed(context.Context, string, int, string) {}
func (Nop) OTPVerificationSucceeded(context.Context, string)           {}
func (Nop) AccountLocked(context.Context, string, time.Duration)       {}
func (Nop) InvalidPhoneFormat(context.Context, string)                 {}
func (Nop) TokenRevoked(context.Context)                               {}

// Multi fans every event out to all sinks in order.
type Multi []Sink

func (m Multi) OTPGenerated(ctx context.Context, phone string) {
	for _, s := range m {
		s.OTPGenerated(ctx, phone)
	}
}

func (m Multi) OTPVerificationFailed(ctx context.Context, phone string, attempts int, reason string) {
	for _, s := range m {
		s.OTPVerificationFailed(ctx, phone, attempts, reason)
	}
}

func (m Multi) OTPVerificationSucceeded(ctx context.Context, phone string) {
	for _, s := range m {
		s.OTPVerificationSucceeded(ctx, phone)
	}
}

func (m Multi) AccountLocked(ctx context.Context, phone string, lockout time.Duration) {
	for _, s := range m {
		s.AccountLocked(ctx, phone, lockout)
	}
}

func (m Multi) InvalidPhoneFormat(ctx context.Context, raw string) {
	for _, s := range m {
		s.InvalidPhoneFormat(ctx, raw)
	}
}

func (m Multi) TokenRevoked(ctx context.Context) {
	for _, s := range m {
		s.TokenRevoked(ctx)
	}
}
