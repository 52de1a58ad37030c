package rest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func routerFixture(secret []byte) http.Handler {
	srv := newTestServer(&mockStore{})
	return NewRouter(srv, nil, nil, secret, discardLogger())
}

func routerGet(h http.Handler, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_HealthzNeedsNoAuth(t *testing.T) {
	rec := routerGet(routerFixture(testSecret), "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status: want 200, got %d", rec.Code)
	}
}

func TestRouter_MetricsNeedsNoAuth(t *testing.T) {
	rec := routerGet(routerFixture(testSecret), "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status: want 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "# HELP") {
		t.Error("expected Prometheus exposition output")
	}
}

func TestRouter_APIRequiresToken(t *testing.T) {
	h := routerFixture(testSecret)
	for _, target := range []string{
		"/api/v1/events",
		"/api/v1/detect/bruteforce",
		"/api/v1/dashboard/summary",
		"/api/v1/blocklist",
	} {
		if rec := routerGet(h, target, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: want 401, got %d", target, rec.Code)
		}
	}
}

func TestRouter_APIAcceptsValidToken(t *testing.T) {
	token, err := IssueToken(testSecret, "analyst", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rec := routerGet(routerFixture(testSecret), "/api/v1/events", token)
	if rec.Code != http.StatusOK {
		t.Errorf("status: want 200, got %d (%s)", rec.Code, rec.Body)
	}
}

func TestRouter_NilSecretDisablesAuth(t *testing.T) {
	rec := routerGet(routerFixture(nil), "/api/v1/events", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status: want 200, got %d", rec.Code)
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	rec := routerGet(routerFixture(nil), "/api/v1/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status: want 404, got %d", rec.Code)
	}
}
