package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/qcom/phoneauth/internal/cache"
	"github.com/qcom/phoneauth/internal/config"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/sirupsen/logrus"
)

type JWTService struct {
	secretKey     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	cache         cache.Cache
	metrics       *metrics.Metrics
	logger        *logrus.Logger
	now           func() time.Time
}

func NewJWTService(cfg *config.JWTConfig, c cache.Cache, m *metrics.Metrics, logger *logrus.Logger) (*JWTService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}

	return &JWTService{
		secretKey:     secretKey,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		cache:         c,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// WithClock overrides the internal clock, used in tests.
func (s *JWTService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

type Claims struct {
	Roles []string         `json:"roles,omitempty"`
	Type  models.TokenType `json:"type"`
	jwt.RegisteredClaims
}

func (s *JWTService) IssueAccessToken(subject string, roles []string) (string, error) {
	return s.issue(subject, roles, models.AccessToken, s.accessExpiry)
}

func (s *JWTService) IssueRefreshToken(subject string) (string, error) {
	return s.issue(subject, nil, models.RefreshToken, s.refreshExpiry)
}

func (s *JWTService) IssueTokenPair(subject string, roles []string) (*models.TokenPair, error) {
	accessToken, err := s.IssueAccessToken(subject, roles)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.IssueRefreshToken(subject)
	if err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessExpiry.Seconds()),
	}, nil
}

func (s *JWTService) issue(subject string, roles []string, tokenType models.TokenType, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &Claims{
		Roles: roles,
		Type:  tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).WithField("type", tokenType).Error("Failed to sign token")
		return "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}

	s.metrics.IncTokenIssued(string(tokenType))
	return tokenString, nil
}

// VerifyToken checks signature, algorithm and expiry. It does not consult the
// blacklist; use ValidateToken for that.
func (s *JWTService) VerifyToken(tokenString string) (*Claims, error) {
	return s.parse(tokenString,
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
}

// parseClaims verifies the signature but ignores time-based claims, for
// extracting claims from tokens already validated or about to be revoked.
func (s *JWTService) parseClaims(tokenString string) (*Claims, error) {
	return s.parse(tokenString, jwt.WithoutClaimsValidation())
}

func (s *JWTService) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, opts...)

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// ValidateToken reports whether token is well formed, not blacklisted,
// correctly signed and unexpired. If the blacklist cannot be read the check is
// skipped (fail open): a revoked token stays usable until it expires while the
// cache is down. That is an accepted availability tradeoff.
func (s *JWTService) ValidateToken(ctx context.Context, tokenString string) bool {
	if !wellFormed(tokenString) {
		s.metrics.ObserveValidation(false)
		return false
	}

	blacklisted, err := s.cache.Exists(ctx, blacklistKey(tokenString))
	if err != nil {
		s.logger.WithError(err).Warn("Blacklist lookup failed, validating without revocation check")
		s.metrics.IncBlacklistFailOpen()
	} else if blacklisted {
		s.metrics.ObserveValidation(false)
		return false
	}

	_, err = s.VerifyToken(tokenString)
	valid := err == nil
	if !valid {
		s.logger.WithError(err).Debug("Token verification failed")
	}
	s.metrics.ObserveValidation(valid)
	return valid
}

// Blacklist revokes a single token until its own expiry. Tokens that are
// already expired need no entry and are accepted silently.
func (s *JWTService) Blacklist(ctx context.Context, tokenString string) error {
	if !wellFormed(tokenString) {
		return fmt.Errorf("invalid token")
	}

	claims, err := s.parseClaims(tokenString)
	if err != nil {
		return err
	}
	if claims.ExpiresAt == nil {
		return fmt.Errorf("token has no expiry")
	}

	remaining := claims.ExpiresAt.Time.Sub(s.now())
	if remaining <= 0 {
		return nil
	}

	if err := s.cache.Set(ctx, blacklistKey(tokenString), "1", remaining); err != nil {
		s.logger.WithError(err).Error("Failed to write blacklist entry")
		return fmt.Errorf("failed to blacklist token: %w", err)
	}

	s.metrics.IncRevoked()
	return nil
}

func (s *JWTService) IsTokenOfType(tokenString string, expected models.TokenType) bool {
	claims, err := s.parseClaims(tokenString)
	if err != nil {
		return false
	}
	return claims.Type == expected
}

func (s *JWTService) SubjectFromToken(tokenString string) (string, error) {
	claims, err := s.parseClaims(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (s *JWTService) RolesFromToken(tokenString string) ([]string, error) {
	claims, err := s.parseClaims(tokenString)
	if err != nil {
		return nil, err
	}
	return claims.Roles, nil
}

func wellFormed(tokenString string) bool {
	if tokenString == "" {
		return false
	}
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// blacklistKey hashes the token so raw tokens never appear in cache keys.
func blacklistKey(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return "token:blacklist:" + hex.EncodeToString(sum[:])
}
