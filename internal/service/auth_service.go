package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/qcom/phoneauth/internal/audit"
	"github.com/qcom/phoneauth/internal/autherr"
	"github.com/qcom/phoneauth/internal/gateway"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/phone"
	"github.com/sirupsen/logrus"
)

// UserService resolves a verified phone to an identity, creating one on first
// login. GetByID returns (nil, nil) for unknown ids.
type UserService interface {
	FindOrCreateUser(ctx context.Context, phoneNumber string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// AuthService composes normalization, OTP challenges and tokens into the
// public login flow.
type AuthService struct {
	normalizer *phone.Normalizer
	otp        *OTPService
	tokens     *JWTService
	users      UserService
	sender     gateway.Sender
	audit      audit.Sink
	logger     *logrus.Logger
	otpMinutes int
}

func NewAuthService(
	normalizer *phone.Normalizer,
	otp *OTPService,
	tokens *JWTService,
	users UserService,
	sender gateway.Sender,
	sink audit.Sink,
	logger *logrus.Logger,
) *AuthService {
	return &AuthService{
		normalizer: normalizer,
		otp:        otp,
		tokens:     tokens,
		users:      users,
		sender:     sender,
		audit:      sink,
		logger:     logger,
		otpMinutes: int(otp.cfg.Expiration.Minutes()),
	}
}

// ErrUserNotResolved is returned when the identity lookup yields no user and
// no error.
var ErrUserNotResolved = errors.New("user could not be resolved")

// LoginResult is returned by a successful VerifyOTPAndIssueTokens.
type LoginResult struct {
	Tokens *models.TokenPair
	User   *models.User
}

func (s *AuthService) SendOTP(ctx context.Context, rawPhone string) error {
	phoneNumber, err := s.normalizer.Normalize(rawPhone)
	if err != nil {
		s.audit.InvalidPhoneFormat(ctx, rawPhone)
		return err
	}

	issued, err := s.otp.SendOTP(ctx, phoneNumber)
	if err != nil {
		return err
	}

	if err := s.sender.Send(ctx, issued.Phone, gateway.FormatOTPMessage(issued.Code, s.otpMinutes)); err != nil {
		s.logger.WithError(err).Error("Failed to deliver OTP")
		return fmt.Errorf("failed to deliver OTP: %w", err)
	}

	return nil
}

// VerifyOTPAndIssueTokens consumes the OTP and issues one access and one
// refresh token. No identity lookup or issuance happens unless verification
// succeeded.
func (s *AuthService) VerifyOTPAndIssueTokens(ctx context.Context, rawPhone, code string) (*LoginResult, error) {
	phoneNumber, err := s.normalizer.Normalize(rawPhone)
	if err != nil {
		s.audit.InvalidPhoneFormat(ctx, rawPhone)
		return nil, err
	}

	phoneNumber, err = s.otp.Verify(ctx, phoneNumber, code)
	if err != nil {
		return nil, err
	}

	user, err := s.users.FindOrCreateUser(ctx, phoneNumber)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get or create user")
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	if user == nil {
		s.logger.Error("User service returned no user")
		return nil, ErrUserNotResolved
	}

	tokens, err := s.tokens.IssueTokenPair(user.ID, rolesOf(user))
	if err != nil {
		return nil, err
	}

	return &LoginResult{Tokens: tokens, User: user}, nil
}

// RefreshTokens rotates a refresh token: the presented token is blacklisted
// and a new access/refresh pair is issued for its subject with the subject's
// current roles. A refresh token is therefore usable once.
func (s *AuthService) RefreshTokens(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if !s.tokens.ValidateToken(ctx, refreshToken) || !s.tokens.IsTokenOfType(refreshToken, models.RefreshToken) {
		return nil, autherr.InvalidToken()
	}

	subject, err := s.tokens.SubjectFromToken(refreshToken)
	if err != nil || subject == "" {
		return nil, autherr.InvalidToken()
	}

	user, err := s.users.GetByID(ctx, subject)
	if err != nil {
		s.logger.WithError(err).Error("Failed to look up user for refresh")
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	if user == nil {
		s.logger.WithField("user_id", subject).Warn("Refresh token subject no longer exists")
		return nil, autherr.InvalidToken()
	}

	if err := s.tokens.Blacklist(ctx, refreshToken); err != nil {
		return nil, err
	}
	s.audit.TokenRevoked(ctx)

	tokens, err := s.tokens.IssueTokenPair(user.ID, rolesOf(user))
	if err != nil {
		return nil, err
	}

	return &LoginResult{Tokens: tokens, User: user}, nil
}

func rolesOf(user *models.User) []string {
	if len(user.Roles) == 0 {
		return []string{models.DefaultRole}
	}
	return user.Roles
}

// RevokeToken blacklists exactly the presented token. Sibling tokens of the
// same subject are untouched.
func (s *AuthService) RevokeToken(ctx context.Context, token string) error {
	if err := s.tokens.Blacklist(ctx, token); err != nil {
		return err
	}
	s.audit.TokenRevoked(ctx)
	return nil
}

func (s *AuthService) ValidateToken(ctx context.Context, token string) bool {
	return s.tokens.ValidateToken(ctx, token)
}

func (s *AuthService) IsTokenOfType(token string, expected models.TokenType) bool {
	return s.tokens.IsTokenOfType(token, expected)
}

func (s *AuthService) SubjectFromToken(token string) (string, error) {
	return s.tokens.SubjectFromToken(token)
}

func (s *AuthService) RolesFromToken(token string) ([]string, error) {
	return s.tokens.RolesFromToken(token)
}
