// Package rest provides the HTTP API for the LogWarden dashboard. This
// file implements HS256 JWT bearer-token authentication middleware.
//
// All requests to protected routes must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// Tokens are verified with a shared HMAC secret; only HS256 is accepted.
// On any failure the middleware responds with HTTP 401 and a JSON error
// body; it does NOT call the next handler.
package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is an unexported type used for context keys in this package
// to avoid collisions with keys defined in other packages.
type contextKey int

const subjectKey contextKey = 0

// SubjectFromContext retrieves the authenticated token subject injected
// by JWTMiddleware. It returns ("", false) on unauthenticated requests.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok
}

// JWTMiddleware returns chi-compatible middleware that enforces HS256
// bearer-token authentication with the given shared secret.
func JWTMiddleware(secret []byte, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := verifyBearer(r, secret)
			if err != nil {
				log.Warn("jwt authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verifyBearer extracts the bearer token, verifies it, and returns the
// subject claim.
func verifyBearer(r *http.Request, secret []byte) (string, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return "", errors.New("missing or malformed Authorization header")
	}
	tokenStr := strings.TrimPrefix(raw, "Bearer ")
	if tokenStr == "" {
		return "", errors.New("empty bearer token")
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unsupported signing method %v: only HS256 is accepted", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("invalid subject claim: %w", err)
	}
	return subject, nil
}

// IssueToken mints an HS256 token for subject, valid for ttl. The
// dashboard login flow and tests use it.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// writeJSONError writes an HTTP error response with a JSON body. It sets
// the Content-Type header before writing the status code so that the
// header is included even when ResponseWriter buffers are flushed early.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
