package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/qcom/phoneauth/internal/models"
	"github.com/sirupsen/logrus"
)

type contextKey int

const (
	tokenKey contextKey = iota
	subjectKey
	rolesKey
)

// TokenValidator is the part of the auth service the middleware needs.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) bool
	IsTokenOfType(token string, expected models.TokenType) bool
	SubjectFromToken(token string) (string, error)
	RolesFromToken(token string) ([]string, error)
}

type AuthMiddleware struct {
	tokens TokenValidator
	logger *logrus.Logger
}

func NewAuthMiddleware(tokens TokenValidator, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokens: tokens,
		logger: logger,
	}
}

// RequireAuth admits requests carrying a valid, unrevoked access token and
// stores the token, subject and roles in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondUnauthorized(w, "Missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			m.respondUnauthorized(w, "Invalid authorization header format")
			return
		}
		token := strings.TrimSpace(parts[1])

		if !m.tokens.ValidateToken(r.Context(), token) {
			m.respondUnauthorized(w, "Invalid or expired token")
			return
		}

		if !m.tokens.IsTokenOfType(token, models.AccessToken) {
			m.respondUnauthorized(w, "Invalid token type")
			return
		}

		subject, err := m.tokens.SubjectFromToken(token)
		if err != nil || subject == "" {
			m.logger.WithError(err).Debug("Token has no subject")
			m.respondUnauthorized(w, "Invalid or expired token")
			return
		}
		roles, err := m.tokens.RolesFromToken(token)
		if err != nil {
			m.logger.WithError(err).Debug("Token roles unreadable")
			m.respondUnauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), tokenKey, token)
		ctx = context.WithValue(ctx, subjectKey, subject)
		ctx = context.WithValue(ctx, rolesKey, roles)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey).(string)
	return token, ok && token != ""
}

func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectKey).(string)
	return subject, ok && subject != ""
}

func RolesFromContext(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(rolesKey).([]string)
	return roles, ok
}

func (m *AuthMiddleware) respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	body := map[string]map[string]string{
		"error": {"code": "UNAUTHORIZED", "message": message},
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		m.logger.WithError(err).Warn("Failed to write response")
	}
}
