package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/qcom/phoneauth/internal/autherr"
	"github.com/qcom/phoneauth/internal/middleware"
	"github.com/qcom/phoneauth/internal/models"
	"github.com/qcom/phoneauth/internal/service"
	"github.com/sirupsen/logrus"
)

type AuthHandlers struct {
	authService *service.AuthService
	logger      *logrus.Logger
}

func NewAuthHandlers(authService *service.AuthService, logger *logrus.Logger) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
		logger:      logger,
	}
}

type SendOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type VerifyOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
	OTP         string `json:"otp"`
}

type VerifyOTPResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	User         UserResponse `json:"user"`
}

type UserResponse struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type IntrospectRequest struct {
	Token string `json:"token"`
}

type IntrospectResponse struct {
	Active  bool     `json:"active"`
	Type    string   `json:"type,omitempty"`
	Subject string   `json:"subject,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Attempts          int    `json:"attempts,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func (h *AuthHandlers) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if err := h.authService.SendOTP(r.Context(), req.PhoneNumber); err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "OTP sent successfully"})
}

func (h *AuthHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	result, err := h.authService.VerifyOTPAndIssueTokens(r.Context(), req.PhoneNumber, strings.TrimSpace(req.OTP))
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithTokens(w, result)
}

// RefreshToken exchanges a refresh token for a new pair. The presented token
// is revoked, so each refresh token works once.
func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	result, err := h.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	h.respondWithTokens(w, result)
}

// Logout revokes the bearer access token and, when supplied, the refresh
// token in the body. The body is checked before anything is revoked. Must run
// behind RequireAuth.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	var req LogoutRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
			return
		}
	}

	if req.RefreshToken != "" && !h.authService.IsTokenOfType(req.RefreshToken, models.RefreshToken) {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_TOKEN_TYPE", "Token is not a refresh token")
		return
	}

	if err := h.authService.RevokeToken(r.Context(), token); err != nil {
		h.logger.WithError(err).Error("Failed to revoke access token")
		h.respondWithError(w, http.StatusServiceUnavailable, "REVOCATION_FAILED", "Failed to revoke token")
		return
	}

	if req.RefreshToken != "" {
		if err := h.authService.RevokeToken(r.Context(), req.RefreshToken); err != nil {
			h.logger.WithError(err).Error("Failed to revoke refresh token")
			h.respondWithError(w, http.StatusServiceUnavailable, "REVOCATION_FAILED", "Failed to revoke token")
			return
		}
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

// Introspect reports whether a token is currently accepted. Inactive tokens
// get no claims back.
func (h *AuthHandlers) Introspect(w http.ResponseWriter, r *http.Request) {
	var req IntrospectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if !h.authService.ValidateToken(r.Context(), req.Token) {
		h.respondWithJSON(w, http.StatusOK, IntrospectResponse{Active: false})
		return
	}

	resp := IntrospectResponse{Active: true, Type: string(models.RefreshToken)}
	if h.authService.IsTokenOfType(req.Token, models.AccessToken) {
		resp.Type = string(models.AccessToken)
	}
	resp.Subject, _ = h.authService.SubjectFromToken(req.Token)
	resp.Roles, _ = h.authService.RolesFromToken(req.Token)

	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	subject, _ := middleware.SubjectFromContext(r.Context())
	roles, _ := middleware.RolesFromContext(r.Context())

	h.respondWithJSON(w, http.StatusOK, UserResponse{ID: subject, Roles: roles})
}

// respondWithAuthError maps auth failures to status codes. Anything that is
// not a classified auth failure is an infrastructure problem.
func (h *AuthHandlers) respondWithAuthError(w http.ResponseWriter, err error) {
	e, ok := autherr.As(err)
	if !ok {
		h.logger.WithError(err).Error("Authentication request failed")
		h.respondWithError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
		return
	}

	switch e.Kind {
	case autherr.KindInvalidPhoneFormat:
		h.respondWithError(w, http.StatusBadRequest, "INVALID_PHONE", "Invalid phone number format")
	case autherr.KindInvalidOrExpiredOTP:
		h.respondWithJSON(w, http.StatusUnauthorized, ErrorResponse{Error: ErrorDetail{
			Code:     "INVALID_OTP",
			Message:  "Invalid or expired OTP",
			Attempts: e.Attempts,
		}})
	case autherr.KindOTPAlreadyUsed:
		h.respondWithJSON(w, http.StatusConflict, ErrorResponse{Error: ErrorDetail{
			Code:     "OTP_ALREADY_USED",
			Message:  "OTP has already been used",
			Attempts: e.Attempts,
		}})
	case autherr.KindAccountLocked:
		seconds := int(e.Lockout.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		h.respondWithJSON(w, http.StatusLocked, ErrorResponse{Error: ErrorDetail{
			Code:              "ACCOUNT_LOCKED",
			Message:           e.Error(),
			RetryAfterSeconds: seconds,
		}})
	case autherr.KindInvalidToken:
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
	default:
		h.respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

func (h *AuthHandlers) respondWithTokens(w http.ResponseWriter, result *service.LoginResult) {
	roles := result.User.Roles
	if len(roles) == 0 {
		roles = []string{models.DefaultRole}
	}

	h.respondWithJSON(w, http.StatusOK, VerifyOTPResponse{
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		TokenType:    result.Tokens.TokenType,
		ExpiresIn:    result.Tokens.ExpiresIn,
		User: UserResponse{
			ID:    result.User.ID,
			Roles: roles,
		},
	})
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Warn("Failed to write response")
	}
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
