package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// LogSink writes audit events as structured logrus entries on a dedicated
// "audit" channel field.
type LogSink struct {
	recorder
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger, logSensitiveData bool) *LogSink {
	s := &LogSink{logger: logger}
	s.recorder = recorder{sensitive: logSensitiveData, now: time.Now, emit: s.write}
	return s
}

func (s *LogSink) write(_ context.Context, ev Event) {
	fields := logrus.Fields{
		"channel":    "audit",
		"event_id":   ev.ID,
		"event_type": ev.Type,
	}
	if ev.Phone != "" {
		fields["phone"] = ev.Phone
	}
	if ev.Attempts > 0 {
		fields["attempts"] = ev.Attempts
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}
	if ev.LockoutSeconds > 0 {
		fields["lockout_seconds"] = ev.LockoutSeconds
	}

	entry := s.logger.WithFields(fields).WithTime(ev.Timestamp)
	switch ev.Type {
	case EventOTPVerificationFailed, EventAccountLocked, EventInvalidPhoneFormat:
		entry.Warn("Security audit event")
	default:
		entry.Info("Security audit event")
	}
}
