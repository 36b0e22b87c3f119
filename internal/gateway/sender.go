package gateway

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Sender delivers an OTP message to a normalized phone number. The real SMS
// provider lives outside this service.
type Sender interface {
	Send(ctx context.Context, target, content string) error
}

// LogSender stands in for the SMS provider in development. It records that a
// delivery happened and drops the message; target and content are never logged.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, _, content string) error {
	s.logger.WithField("content_length", len(content)).Info("OTP delivery suppressed (no SMS provider configured)")
	return nil
}

// FormatOTPMessage renders the SMS body for code.
func FormatOTPMessage(code string, validMinutes int) string {
	return fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, validMinutes)
}
