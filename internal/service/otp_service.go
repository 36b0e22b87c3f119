package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/qcom/phoneauth/internal/audit"
	"github.com/qcom/phoneauth/internal/autherr"
	"github.com/qcom/phoneauth/internal/cache"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/phone"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// CodeGenerator produces the digit string for a new challenge.
type CodeGenerator func() (string, error)

// NewRandomCodeGenerator draws uniformly from [MinValue, MaxValue] using
// crypto/rand and zero-pads the result to Length digits.
func NewRandomCodeGenerator(cfg *config.OTPConfig) CodeGenerator {
	span := big.NewInt(int64(cfg.MaxValue) - int64(cfg.MinValue) + 1)
	base := int64(cfg.MinValue)
	length := cfg.Length

	return func() (string, error) {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%0*d", length, n.Int64()+base), nil
	}
}

// IssuedOTP is what SendOTP hands back for delivery. Code must only ever go
// to the SMS gateway.
type IssuedOTP struct {
	Phone     string
	Code      string
	ExpiresAt time.Time
}

type OTPService struct {
	cache      cache.Cache
	normalizer *phone.Normalizer
	audit      audit.Sink
	metrics    *metrics.Metrics
	cfg        *config.OTPConfig
	logger     *logrus.Logger
	generate   CodeGenerator
	now        func() time.Time
}

func NewOTPService(
	c cache.Cache,
	normalizer *phone.Normalizer,
	sink audit.Sink,
	m *metrics.Metrics,
	cfg *config.OTPConfig,
	logger *logrus.Logger,
) *OTPService {
	return &OTPService{
		cache:      c,
		normalizer: normalizer,
		audit:      sink,
		metrics:    m,
		cfg:        cfg,
		logger:     logger,
		generate:   NewRandomCodeGenerator(cfg),
		now:        time.Now,
	}
}

// WithCodeGenerator replaces the random generator, used in tests.
func (s *OTPService) WithCodeGenerator(g CodeGenerator) {
	if g != nil {
		s.generate = g
	}
}

// WithClock overrides the internal clock, used in tests.
func (s *OTPService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

func challengeKey(phoneNumber string) string { return "otp:challenge:" + phoneNumber }
func usedKey(phoneNumber string) string      { return "otp:used:" + phoneNumber }
func attemptsKey(phoneNumber string) string  { return "otp:attempts:" + phoneNumber }

// SendOTP replaces any existing challenge for the phone with a fresh one.
func (s *OTPService) SendOTP(ctx context.Context, rawPhone string) (*IssuedOTP, error) {
	phoneNumber, err := s.normalizer.Normalize(rawPhone)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Delete(ctx, challengeKey(phoneNumber), usedKey(phoneNumber)); err != nil {
		s.logger.WithError(err).Error("Failed to clear previous OTP challenge")
		return nil, fmt.Errorf("failed to clear previous OTP: %w", err)
	}

	code, err := s.generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate OTP: %w", err)
	}

	hashedCode, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.HashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash OTP: %w", err)
	}

	now := s.now()
	challenge := models.OTPChallenge{
		CodeHash:  string(hashedCode),
		Phone:     phoneNumber,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Expiration),
	}

	dataJSON, err := json.Marshal(challenge)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal OTP challenge: %w", err)
	}

	if err := s.cache.Set(ctx, challengeKey(phoneNumber), string(dataJSON), s.cfg.Expiration); err != nil {
		s.logger.WithError(err).Error("Failed to store OTP challenge")
		return nil, fmt.Errorf("failed to store OTP: %w", err)
	}

	s.audit.OTPGenerated(ctx, phoneNumber)
	s.metrics.IncOTPSent()

	return &IssuedOTP{Phone: phoneNumber, Code: code, ExpiresAt: challenge.ExpiresAt}, nil
}

// Verify checks code against the live challenge and returns the normalized
// phone on success. The lockout check runs before anything else is read so a
// locked phone never learns whether its code would have matched.
func (s *OTPService) Verify(ctx context.Context, rawPhone, code string) (string, error) {
	phoneNumber, err := s.normalizer.Normalize(rawPhone)
	if err != nil {
		s.audit.InvalidPhoneFormat(ctx, rawPhone)
		return "", err
	}

	attempts, err := s.attempts(ctx, phoneNumber)
	if err != nil {
		return "", err
	}
	if attempts >= s.cfg.MaxAttempts {
		s.audit.AccountLocked(ctx, phoneNumber, s.cfg.Lockout)
		s.metrics.ObserveVerification("locked")
		return "", autherr.AccountLocked(s.cfg.Lockout)
	}

	used, err := s.cache.Exists(ctx, usedKey(phoneNumber))
	if err != nil {
		s.logger.WithError(err).Error("Failed to read OTP used marker")
		return "", fmt.Errorf("failed to check OTP state: %w", err)
	}
	if used {
		n, err := s.incrementAttempts(ctx, phoneNumber, attempts)
		if err != nil {
			return "", err
		}
		s.audit.OTPVerificationFailed(ctx, phoneNumber, n, audit.ReasonAlreadyUsed)
		s.metrics.ObserveVerification("already_used")
		return "", autherr.OTPAlreadyUsed(n)
	}

	challenge, err := s.challenge(ctx, phoneNumber)
	if err != nil {
		return "", err
	}
	if challenge == nil || bcrypt.CompareHashAndPassword([]byte(challenge.CodeHash), []byte(code)) != nil {
		n, err := s.incrementAttempts(ctx, phoneNumber, attempts)
		if err != nil {
			return "", err
		}
		s.audit.OTPVerificationFailed(ctx, phoneNumber, n, audit.ReasonInvalidOrExpired)
		s.metrics.ObserveVerification("invalid")
		return "", autherr.InvalidOrExpiredOTP(n)
	}

	// The used marker goes in before anything else so a concurrent duplicate
	// sees it.
	usedTTL := challenge.TTL()
	if usedTTL <= 0 {
		usedTTL = s.cfg.Expiration
	}
	if err := s.cache.Set(ctx, usedKey(phoneNumber), "1", usedTTL); err != nil {
		s.logger.WithError(err).Error("Failed to mark OTP as used")
		return "", fmt.Errorf("failed to consume OTP: %w", err)
	}

	if err := s.cache.Delete(ctx, challengeKey(phoneNumber), attemptsKey(phoneNumber)); err != nil {
		s.logger.WithError(err).Error("Failed to clear consumed OTP")
		return "", fmt.Errorf("failed to consume OTP: %w", err)
	}

	s.audit.OTPVerificationSucceeded(ctx, phoneNumber)
	s.metrics.ObserveVerification("success")

	return phoneNumber, nil
}

func (s *OTPService) attempts(ctx context.Context, phoneNumber string) (int, error) {
	raw, err := s.cache.Get(ctx, attemptsKey(phoneNumber))
	if errors.Is(err, cache.ErrMiss) {
		return 0, nil
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to read OTP attempt counter")
		return 0, fmt.Errorf("failed to read attempts: %w", err)
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt attempt counter: %w", err)
	}
	return n, nil
}

// incrementAttempts writes current+1 and restarts the lockout window.
func (s *OTPService) incrementAttempts(ctx context.Context, phoneNumber string, current int) (int, error) {
	next := current + 1
	if err := s.cache.Set(ctx, attemptsKey(phoneNumber), strconv.Itoa(next), s.cfg.Lockout); err != nil {
		s.logger.WithError(err).Error("Failed to increment OTP attempt counter")
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}
	return next, nil
}

func (s *OTPService) challenge(ctx context.Context, phoneNumber string) (*models.OTPChallenge, error) {
	dataJSON, err := s.cache.Get(ctx, challengeKey(phoneNumber))
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to get OTP challenge")
		return nil, fmt.Errorf("failed to get OTP: %w", err)
	}

	var challenge models.OTPChallenge
	if err := json.Unmarshal([]byte(dataJSON), &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OTP challenge: %w", err)
	}

	return &challenge, nil
}
