package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/qcom/phoneauth/internal/autherr"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/phone"
	"github.com/sirupsen/logrus/hooks/test"
)

const testPhone = "+50688889999"

func newTestOTPService(t *testing.T, codes ...string) (*OTPService, *miniredis.Miniredis, *recordingSink) {
	t.Helper()

	c, server := newTestRedis(t)
	sink := &recordingSink{}
	svc := NewOTPService(c, phone.NewNormalizer("506"), sink, nil, testOTPConfig(), newTestLogger())
	if len(codes) > 0 {
		svc.WithCodeGenerator(sequenceGenerator(codes...))
	}
	return svc, server, sink
}

func TestSendOTPStoresHashedChallenge(t *testing.T) {
	svc, server, sink := newTestOTPService(t, "123456")

	issued, err := svc.SendOTP(context.Background(), "8888-9999")
	if err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}

	if issued.Phone != testPhone || issued.Code != "123456" {
		t.Fatalf("unexpected issued otp: %+v", issued)
	}

	stored, err := server.Get("otp:challenge:" + testPhone)
	if err != nil {
		t.Fatalf("expected challenge stored: %v", err)
	}
	if strings.Contains(stored, "123456") {
		t.Fatalf("challenge must not contain the plain code")
	}

	if ttl := server.TTL("otp:challenge:" + testPhone); ttl != 5*time.Minute {
		t.Fatalf("expected challenge ttl 5m, got %v", ttl)
	}

	ev := sink.last()
	if ev.Type != "generated" || ev.Phone != testPhone {
		t.Fatalf("expected generated audit for normalized phone, got %+v", ev)
	}
}

func TestSendOTPSupersedesPreviousChallenge(t *testing.T) {
	svc, server, _ := newTestOTPService(t, "111111", "222222")
	ctx := context.Background()

	if _, err := svc.SendOTP(ctx, testPhone); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}
	if err := server.Set("otp:used:"+testPhone, "1"); err != nil {
		t.Fatalf("failed to seed used marker: %v", err)
	}
	if _, err := svc.SendOTP(ctx, testPhone); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}

	if server.Exists("otp:used:" + testPhone) {
		t.Fatalf("expected used marker cleared by new challenge")
	}

	if _, err := svc.Verify(ctx, testPhone, "111111"); !errors.Is(err, autherr.ErrInvalidOrExpiredOTP) {
		t.Fatalf("expected old code rejected, got %v", err)
	}
	if _, err := svc.Verify(ctx, testPhone, "222222"); err != nil {
		t.Fatalf("expected new code accepted, got %v", err)
	}
}

func TestSendOTPInvalidPhone(t *testing.T) {
	svc, server, _ := newTestOTPService(t, "123456")

	if _, err := svc.SendOTP(context.Background(), "not-a-phone"); !errors.Is(err, autherr.ErrInvalidPhoneFormat) {
		t.Fatalf("expected invalid phone format, got %v", err)
	}
	if keys := server.Keys(); len(keys) != 0 {
		t.Fatalf("expected no state written, got %v", keys)
	}
}

func TestVerifyConsumesChallenge(t *testing.T) {
	svc, server, sink := newTestOTPService(t, "123456")
	ctx := context.Background()

	if _, err := svc.SendOTP(ctx, "8888-9999"); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}

	got, err := svc.Verify(ctx, "8888 9999 ", "123456")
	if !errors.Is(err, autherr.ErrInvalidPhoneFormat) {
		t.Fatalf("expected inner spaces rejected, got %v", err)
	}

	got, err = svc.Verify(ctx, " 8888-9999 ", "123456")
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if got != testPhone {
		t.Fatalf("expected normalized phone, got %s", got)
	}

	if server.Exists("otp:challenge:" + testPhone) {
		t.Fatalf("expected challenge deleted")
	}
	if server.Exists("otp:attempts:" + testPhone) {
		t.Fatalf("expected attempts cleared")
	}
	if !server.Exists("otp:used:" + testPhone) {
		t.Fatalf("expected used marker written")
	}
	if ttl := server.TTL("otp:used:" + testPhone); ttl != 5*time.Minute {
		t.Fatalf("expected used marker ttl 5m, got %v", ttl)
	}
	if sink.last().Type != "succeeded" {
		t.Fatalf("expected success audit, got %+v", sink.last())
	}
}

func TestVerifyReplayIsAlreadyUsed(t *testing.T) {
	svc, server, sink := newTestOTPService(t, "123456")
	ctx := context.Background()

	if _, err := svc.SendOTP(ctx, testPhone); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}
	if _, err := svc.Verify(ctx, testPhone, "123456"); err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}

	_, err := svc.Verify(ctx, testPhone, "123456")
	if !errors.Is(err, autherr.ErrOTPAlreadyUsed) {
		t.Fatalf("expected already used, got %v", err)
	}
	if errors.Is(err, autherr.ErrInvalidOrExpiredOTP) {
		t.Fatalf("replay must not be reported as invalid code")
	}

	if v, _ := server.Get("otp:attempts:" + testPhone); v != "1" {
		t.Fatalf("expected replay to count as an attempt, got %q", v)
	}

	ev := sink.last()
	if ev.Type != "failed" || ev.Reason != "already_used" || ev.Attempts != 1 {
		t.Fatalf("unexpected audit event: %+v", ev)
	}
}

func TestVerifyWrongCodeIncrementsCounter(t *testing.T) {
	svc, server, sink := newTestOTPService(t, "123456")
	ctx := context.Background()

	if _, err := svc.SendOTP(ctx, testPhone); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}

	_, err := svc.Verify(ctx, testPhone, "000000")
	e, ok := autherr.As(err)
	if !ok || e.Kind != autherr.KindInvalidOrExpiredOTP || e.Attempts != 1 {
		t.Fatalf("expected invalid otp with 1 attempt, got %v", err)
	}

	if v, _ := server.Get("otp:attempts:" + testPhone); v != "1" {
		t.Fatalf("expected counter 1, got %q", v)
	}
	if ttl := server.TTL("otp:attempts:" + testPhone); ttl != 15*time.Minute {
		t.Fatalf("expected counter ttl 15m, got %v", ttl)
	}
	if !server.Exists("otp:challenge:" + testPhone) {
		t.Fatalf("wrong code must not consume the challenge")
	}

	ev := sink.last()
	if ev.Type != "failed" || ev.Reason != "invalid_or_expired" || ev.Attempts != 1 {
		t.Fatalf("unexpected audit event: %+v", ev)
	}
}

func TestVerifyLocksAfterMaxAttempts(t *testing.T) {
	svc, server, sink := newTestOTPService(t, "123456")
	ctx := context.Background()

	if _, err := svc.SendOTP(ctx, testPhone); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if _, err := svc.Verify(ctx, testPhone, "000000"); !errors.Is(err, autherr.ErrInvalidOrExpiredOTP) {
			t.Fatalf("attempt %d: expected invalid otp, got %v", i, err)
		}
	}

	for i := 0; i < 2; i++ {
		_, err := svc.Verify(ctx, testPhone, "123456")
		e, ok := autherr.As(err)
		if !ok || e.Kind != autherr.KindAccountLocked {
			t.Fatalf("expected account locked, got %v", err)
		}
		if e.Lockout != 15*time.Minute || !strings.Contains(e.Error(), "15 minutes") {
			t.Fatalf("expected 15 minute lockout, got %v", e)
		}
	}

	if v, _ := server.Get("otp:attempts:" + testPhone); v != "3" {
		t.Fatalf("counter must stop at max attempts, got %q", v)
	}
	if !server.Exists("otp:challenge:" + testPhone) {
		t.Fatalf("locked verification must not consume the challenge")
	}
	if sink.count("locked") != 2 {
		t.Fatalf("expected two locked audit events, got %d", sink.count("locked"))
	}
}

func TestLockoutLapsesWithCounterTTL(t *testing.T) {
	svc, server, _ := newTestOTPService(t, "123456", "654321")
	ctx := context.Background()

	if _, err := svc.SendOTP(ctx, testPhone); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = svc.Verify(ctx, testPhone, "000000")
	}
	if _, err := svc.Verify(ctx, testPhone, "123456"); !errors.Is(err, autherr.ErrAccountLocked) {
		t.Fatalf("expected locked, got %v", err)
	}

	server.FastForward(15*time.Minute + time.Second)

	if _, err := svc.SendOTP(ctx, testPhone); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}
	if _, err := svc.Verify(ctx, testPhone, "654321"); err != nil {
		t.Fatalf("expected verification after lockout lapsed, got %v", err)
	}
}

func TestSuccessResetsAttemptCounter(t *testing.T) {
	svc, server, _ := newTestOTPService(t, "123456", "654321")
	ctx := context.Background()

	if _, err := svc.SendOTP(ctx, testPhone); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}
	for i := 0; i < 2; i++ {
		_, _ = svc.Verify(ctx, testPhone, "000000")
	}
	if _, err := svc.Verify(ctx, testPhone, "123456"); err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if server.Exists("otp:attempts:" + testPhone) {
		t.Fatalf("expected counter cleared on success")
	}

	if _, err := svc.SendOTP(ctx, testPhone); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}
	_, err := svc.Verify(ctx, testPhone, "000000")
	if e, ok := autherr.As(err); !ok || e.Attempts != 1 {
		t.Fatalf("expected new cycle to start from zero failures, got %v", err)
	}
}

func TestVerifyExpiredChallenge(t *testing.T) {
	svc, server, _ := newTestOTPService(t, "123456")
	ctx := context.Background()

	if _, err := svc.SendOTP(ctx, testPhone); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}

	server.FastForward(5*time.Minute + time.Second)

	if _, err := svc.Verify(ctx, testPhone, "123456"); !errors.Is(err, autherr.ErrInvalidOrExpiredOTP) {
		t.Fatalf("expected expired otp rejected, got %v", err)
	}
}

func TestVerifyWithoutChallenge(t *testing.T) {
	svc, _, _ := newTestOTPService(t)

	if _, err := svc.Verify(context.Background(), testPhone, "123456"); !errors.Is(err, autherr.ErrInvalidOrExpiredOTP) {
		t.Fatalf("expected invalid otp when none was sent, got %v", err)
	}
}

func TestVerifyInvalidPhoneLeavesCountersAlone(t *testing.T) {
	svc, server, sink := newTestOTPService(t)

	_, err := svc.Verify(context.Background(), "12", "123456")
	if !errors.Is(err, autherr.ErrInvalidPhoneFormat) {
		t.Fatalf("expected invalid phone format, got %v", err)
	}
	if keys := server.Keys(); len(keys) != 0 {
		t.Fatalf("expected no cache writes, got %v", keys)
	}

	ev := sink.last()
	if ev.Type != "invalid_phone" || ev.Phone != "12" {
		t.Fatalf("expected invalid phone audit with raw input, got %+v", ev)
	}
}

func TestVerifyCacheUnavailable(t *testing.T) {
	sink := &recordingSink{}
	svc := NewOTPService(failingCache{err: errors.New("connection refused")}, phone.NewNormalizer("506"), sink, nil, testOTPConfig(), newTestLogger())

	_, err := svc.Verify(context.Background(), testPhone, "123456")
	if err == nil {
		t.Fatalf("expected cache failure to surface")
	}
	if autherr.KindOf(err) != autherr.KindUnknown {
		t.Fatalf("infrastructure failure must not map to an auth error kind, got %s", autherr.KindOf(err))
	}

	if _, err := svc.SendOTP(context.Background(), testPhone); err == nil {
		t.Fatalf("expected SendOTP to surface cache failure")
	}
	if sink.count("generated") != 0 {
		t.Fatalf("no generated event expected when storing failed")
	}
}

func TestCacheFailureLogsOmitPhone(t *testing.T) {
	c, server := newTestRedis(t)
	logger, hook := test.NewNullLogger()
	svc := NewOTPService(c, phone.NewNormalizer("506"), &recordingSink{}, nil, testOTPConfig(), logger)
	ctx := context.Background()

	server.SetError("ERR injected failure")

	if _, err := svc.SendOTP(ctx, "8888-9999"); err == nil || strings.Contains(err.Error(), "88889999") {
		t.Fatalf("expected send failure without the phone, got %v", err)
	}
	if _, err := svc.Verify(ctx, "8888-9999", "123456"); err == nil || strings.Contains(err.Error(), "88889999") {
		t.Fatalf("expected verify failure without the phone, got %v", err)
	}

	if len(hook.AllEntries()) == 0 {
		t.Fatalf("expected the cache failure to be logged")
	}
	for _, entry := range hook.AllEntries() {
		line, err := entry.String()
		if err != nil {
			t.Fatalf("failed to format entry: %v", err)
		}
		if strings.Contains(line, "88889999") {
			t.Fatalf("log entry leaked the phone: %s", line)
		}
	}
}

func TestRandomCodeGenerator(t *testing.T) {
	gen := NewRandomCodeGenerator(&config.OTPConfig{Length: 6, MinValue: 0, MaxValue: 999999})

	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		code, err := gen()
		if err != nil {
			t.Fatalf("generator returned error: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected 6 digits, got %q", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("non-digit in code %q", code)
			}
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 490 {
		t.Fatalf("expected near-unique codes, got %d distinct of 500", len(seen))
	}
}

func TestRandomCodeGeneratorRespectsRange(t *testing.T) {
	gen := NewRandomCodeGenerator(&config.OTPConfig{Length: 4, MinValue: 42, MaxValue: 42})

	code, err := gen()
	if err != nil {
		t.Fatalf("generator returned error: %v", err)
	}
	if code != "0042" {
		t.Fatalf("expected zero padded 0042, got %q", code)
	}

	gen = NewRandomCodeGenerator(&config.OTPConfig{Length: 6, MinValue: 100000, MaxValue: 100009})
	for i := 0; i < 100; i++ {
		code, _ := gen()
		if code < "100000" || code > "100009" {
			t.Fatalf("code %q outside configured range", code)
		}
	}
}
