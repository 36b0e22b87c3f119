package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/phoneauth/internal/phone"
)

// recorder turns Sink calls into Events and hands them to emit. Phones are
// masked unless sensitive is set.
type recorder struct {
	sensitive bool
	now       func() time.Time
	emit      func(ctx context.Context, ev Event)
}

func (r recorder) record(ctx context.Context, ev Event) {
	ev.ID = uuid.NewString()
	ev.Timestamp = r.now().UTC()
	if ev.Phone != "" && !r.sensitive {
		ev.Phone = phone.Mask(ev.Phone)
	}
	r.emit(ctx, ev)
}

func (r recorder) OTPGenerated(ctx context.Context, phone string) {
	r.record(ctx, Event{Type: EventOTPGenerated, Phone: phone})
}

func (r recorder) OTPVerificationFailed(ctx context.Context, phone string, attempts int, reason string) {
	r.record(ctx, Event{Type: EventOTPVerificationFailed, Phone: phone, Attempts: attempts, Reason: reason})
}

func (r recorder) OTPVerificationSucceeded(ctx context.Context, phone string) {
	r.record(ctx, Event{Type: EventOTPVerified, Phone: phone})
}

func (r recorder) AccountLocked(ctx context.Context, phone string, lockout time.Duration) {
	r.record(ctx, Event{Type: EventAccountLocked, Phone: phone, LockoutSeconds: int64(lockout.Seconds())})
}

func (r recorder) InvalidPhoneFormat(ctx context.Context, raw string) {
	r.record(ctx, Event{Type: EventInvalidPhoneFormat, Phone: raw})
}

func (r recorder) TokenRevoked(ctx context.Context) {
	r.record(ctx, Event{Type: EventTokenRevoked})
}
