package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/motionlink/internal/infrastructure/config"
)

// Auth errors.
var (
	ErrNoSecret     = errors.New("api: jwt secret is not configured")
	ErrMissingToken = errors.New("api: bearer token is required")
)

// ctxKeySubject is the context key for the authenticated token subject.
const ctxKeySubject contextKey = "subject"

// wsTokenParam carries the token on WebSocket upgrades.
const wsTokenParam = "access_token"

// IssueToken mints an HS256 access token for subject.
//
// The token carries the configured issuer, a random jti and, when
// AccessTokenTTL is positive, an expiry that many minutes after now.
//
// Parameters:
//   - cfg: JWT settings; Secret must be set
//   - subject: The sub claim, usually the operator or client name
//   - now: Issue time
//
// Returns:
//   - string: The signed token
//   - error: ErrNoSecret or a signing failure
func IssueToken(cfg config.JWTConfig, subject string, now time.Time) (string, error) {
	if cfg.Secret == "" {
		return "", ErrNoSecret
	}

	claims := jwt.RegisteredClaims{
		Issuer:   cfg.Issuer,
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
		ID:       uuid.NewString(),
	}
	if cfg.AccessTokenTTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Duration(cfg.AccessTokenTTL) * time.Minute))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses raw and checks its signature, issuer and expiry.
func ValidateToken(cfg config.JWTConfig, raw string) (*jwt.RegisteredClaims, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// authEnabled reports whether routes require a token.
func (s *Server) authEnabled() bool {
	return s.secCfg.JWT.Secret != ""
}

// authMiddleware validates JWT bearer tokens on protected routes.
// It passes everything through when no secret is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := bearerToken(r)
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}

		claims, err := ValidateToken(s.secCfg.JWT, raw)
		if err != nil {
			s.logger.Debug("rejected token",
				"error", err,
				"path", r.URL.Path,
				"request_id", r.Context().Value(ctxKeyRequestID),
			)
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeySubject, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from the Authorization header, or from the
// access_token query parameter on WebSocket upgrades.
func bearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", errors.New("authorization header must be: Bearer <token>")
		}
		return token, nil
	}
	if isWebSocketUpgrade(r) {
		if token := r.URL.Query().Get(wsTokenParam); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingToken
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
