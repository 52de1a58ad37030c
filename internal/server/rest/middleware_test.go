package rest

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-hmac-secret")

func protected(t *testing.T) http.Handler {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ := SubjectFromContext(r.Context())
		w.Write([]byte("hello " + subject))
	})
	return JWTMiddleware(testSecret, discardLogger())(next)
}

func authGet(t *testing.T, h http.Handler, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestJWT_ValidTokenPassesWithSubject(t *testing.T) {
	token, err := IssueToken(testSecret, "analyst", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	rec := authGet(t, protected(t), token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d (%s)", rec.Code, rec.Body)
	}
	if rec.Body.String() != "hello analyst" {
		t.Errorf("subject not injected: %s", rec.Body)
	}
}

func TestJWT_MissingHeader(t *testing.T) {
	if rec := authGet(t, protected(t), ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("status: want 401, got %d", rec.Code)
	}
}

func TestJWT_WrongSecret(t *testing.T) {
	token, _ := IssueToken([]byte("other-secret"), "analyst", time.Hour)
	if rec := authGet(t, protected(t), token); rec.Code != http.StatusUnauthorized {
		t.Errorf("status: want 401, got %d", rec.Code)
	}
}

func TestJWT_ExpiredToken(t *testing.T) {
	token, _ := IssueToken(testSecret, "analyst", -time.Minute)
	if rec := authGet(t, protected(t), token); rec.Code != http.StatusUnauthorized {
		t.Errorf("status: want 401, got %d", rec.Code)
	}
}

func TestJWT_RejectsNoneAlgorithm(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "attacker",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if rec := authGet(t, protected(t), token); rec.Code != http.StatusUnauthorized {
		t.Errorf("alg=none must be rejected, got %d", rec.Code)
	}
}

func TestJWT_MalformedToken(t *testing.T) {
	if rec := authGet(t, protected(t), "not.a.jwt"); rec.Code != http.StatusUnauthorized {
		t.Errorf("status: want 401, got %d", rec.Code)
	}
}
