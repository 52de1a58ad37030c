package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/logwarden/logwarden/internal/detect"
	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/server/storage"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

// mockStore satisfies Store with canned data.
type mockStore struct {
	pingErr error

	events    []event.Event
	lastQuery storage.EventQuery

	scanEvents []event.Event

	alerts        []storage.Alert
	topWeek       []storage.FieldCount
	topAllTime    []storage.FieldCount
	topPorts      []storage.FieldCount
	hourly        []storage.HourCount
	count24h      int64
	lastEvent     time.Time
	blocks        []storage.BlockEntry
	notifications []storage.NotificationRecord

	readErr error
}

func (m *mockStore) Ping(context.Context) error { return m.pingErr }

func (m *mockStore) QueryEvents(_ context.Context, q storage.EventQuery) ([]event.Event, error) {
	m.lastQuery = q
	return m.events, m.readErr
}

func (m *mockStore) ScanRange(_ context.Context, from, to time.Time, f storage.ScanFilter) ([]event.Event, error) {
	var out []event.Event
	for _, ev := range m.scanEvents {
		if ev.Timestamp.Before(from) || ev.Timestamp.After(to) {
			continue
		}
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if f.SourceIP != "" && ev.SourceIP != f.SourceIP {
			continue
		}
		if f.RequirePort && ev.DestinationPort == 0 {
			continue
		}
		out = append(out, ev)
	}
	return out, m.readErr
}

func (m *mockStore) TopSources(_ context.Context, from, _ time.Time, _ int) ([]storage.FieldCount, error) {
	if from.IsZero() {
		return m.topAllTime, m.readErr
	}
	return m.topWeek, m.readErr
}

func (m *mockStore) TopPorts(context.Context, time.Time, time.Time, int) ([]storage.FieldCount, error) {
	return m.topPorts, m.readErr
}

func (m *mockStore) HourlyCounts(context.Context, time.Time, time.Time) ([]storage.HourCount, error) {
	return m.hourly, m.readErr
}

func (m *mockStore) CountSince(context.Context, time.Time) (int64, error) {
	return m.count24h, m.readErr
}

func (m *mockStore) LastEventTime(context.Context) (time.Time, error) {
	if m.readErr != nil {
		return time.Time{}, m.readErr
	}
	return m.lastEvent, nil
}

func (m *mockStore) RecentAlerts(_ context.Context, _ time.Time, severities []event.Severity, limit int) ([]storage.Alert, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	var out []storage.Alert
	for _, a := range m.alerts {
		if len(severities) > 0 {
			match := false
			for _, s := range severities {
				if a.Severity == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) ListBlocks(context.Context, bool) ([]storage.BlockEntry, error) {
	return m.blocks, m.readErr
}

func (m *mockStore) RecentNotifications(context.Context, int) ([]storage.NotificationRecord, error) {
	return m.notifications, m.readErr
}

type mockBlocker struct {
	blocked   []string
	unblocked []string
	err       error
}

func (m *mockBlocker) Block(_ context.Context, ip, _, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.blocked = append(m.blocked, ip)
	return nil
}

func (m *mockBlocker) Unblock(_ context.Context, ip, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.unblocked = append(m.unblocked, ip)
	return nil
}

type mockHotCache struct {
	lines map[string][]string
}

func (m *mockHotCache) Recent(_ context.Context, source string, _ int) ([]string, error) {
	return m.lines[source], nil
}

func newTestServer(store *mockStore) *Server {
	s := NewServer(store, nil, &mockBlocker{}, &mockHotCache{}, discardLogger())
	s.now = func() time.Time { return testNow }
	return s
}

func get(t *testing.T, h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, newTestServer(&mockStore{}).handleHealthz, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body: %s", rec.Body)
	}
}

func TestGetEvents_FiltersAndDefaults(t *testing.T) {
	store := &mockStore{}
	srv := newTestServer(store)

	rec := get(t, srv.handleGetEvents,
		"/api/v1/events?source_ip=203.0.113.5&severity=HIGH&dest_port=22&sort_by=severity&limit=5000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d (%s)", rec.Code, rec.Body)
	}
	q := store.lastQuery
	if q.SourceIP != "203.0.113.5" || q.Severity != event.SeverityHigh || q.DestinationPort != 22 {
		t.Errorf("filters not forwarded: %+v", q)
	}
	if q.Limit != 1000 {
		t.Errorf("limit must clamp to 1000, got %d", q.Limit)
	}
	if !q.SortDesc {
		t.Error("sort defaults to descending")
	}
}

func TestGetEvents_BadParams(t *testing.T) {
	srv := newTestServer(&mockStore{})
	for _, target := range []string{
		"/api/v1/events?severity=EXTREME",
		"/api/v1/events?dest_port=abc",
		"/api/v1/events?from=yesterday",
		"/api/v1/events?limit=-1",
		"/api/v1/events?offset=x",
	} {
		if rec := get(t, srv.handleGetEvents, target); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: want 400, got %d", target, rec.Code)
		}
	}
}

func TestGetEvents_EmptyIsJSONArray(t *testing.T) {
	rec := get(t, newTestServer(&mockStore{}).handleGetEvents, "/api/v1/events")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("empty result must be [], got %s", got)
	}
}

func failedLoginAt(ts time.Time, ip string) event.Event {
	return event.Event{
		ID:        "id-" + ts.Format("150405"),
		Timestamp: ts,
		SourceIP:  ip,
		LogSource: "auth",
		EventType: event.TypeSSHFailedLogin,
		Severity:  event.SeverityMedium,
		Username:  "admin",
		RawLog:    fmt.Sprintf("Failed password for admin from %s", ip),
	}
}

func bruteForceStore() *mockStore {
	store := &mockStore{}
	for i := 0; i < 25; i++ {
		store.scanEvents = append(store.scanEvents,
			failedLoginAt(testNow.Add(-time.Hour+time.Duration(i)*30*time.Second), "203.0.113.5"))
	}
	return store
}

func TestBruteForceEndpoint_JSON(t *testing.T) {
	srv := newTestServer(bruteForceStore())

	rec := get(t, srv.handleBruteForce, "/api/v1/detect/bruteforce?threshold=5&time_window_minutes=15")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d (%s)", rec.Code, rec.Body)
	}
	var detections []detect.Detection
	if err := json.Unmarshal(rec.Body.Bytes(), &detections); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("want 1 detection, got %d", len(detections))
	}
	if detections[0].TotalAttempts != 25 || detections[0].SourceIP != "203.0.113.5" {
		t.Errorf("detection: %+v", detections[0])
	}
}

func TestBruteForceEndpoint_CSVExport(t *testing.T) {
	srv := newTestServer(bruteForceStore())

	rec := get(t, srv.handleBruteForce, "/api/v1/detect/bruteforce?format=csv")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d", rec.Code)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), utf8BOM) {
		t.Error("CSV export must start with a UTF-8 BOM")
	}
	disp := rec.Header().Get("Content-Disposition")
	if !strings.Contains(disp, "brute_force_report_2026-03-10.csv") {
		t.Errorf("filename must carry the UTC date: %s", disp)
	}
	if !strings.Contains(rec.Body.String(), "203.0.113.5") {
		t.Error("CSV body missing the detection row")
	}
}

func TestDetectorEndpoints_BadParams(t *testing.T) {
	srv := newTestServer(&mockStore{})
	targets := map[string]http.HandlerFunc{
		"/api/v1/detect/bruteforce?threshold=zero":         srv.handleBruteForce,
		"/api/v1/detect/flood?single_ip_threshold=-5":      srv.handleFlood,
		"/api/v1/detect/portscan?unique_ports_threshold=x": srv.handlePortScan,
		"/api/v1/detect/bruteforce?start=2026-03-10T12:00:00Z&end=2026-03-10T11:00:00Z": srv.handleBruteForce,
	}
	for target, h := range targets {
		if rec := get(t, h, target); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: want 400, got %d", target, rec.Code)
		}
	}
}

func TestDetectorEndpoint_EmptyResultIsArray(t *testing.T) {
	rec := get(t, newTestServer(&mockStore{}).handlePortScan, "/api/v1/detect/portscan")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("no detections must serialize as [], got %s", got)
	}
}

func TestDashboard_Healthy(t *testing.T) {
	store := &mockStore{
		alerts: []storage.Alert{
			{AlertType: "BRUTE_FORCE", SourceIP: "203.0.113.5", Severity: event.SeverityCritical},
			{AlertType: "PORT_SCAN", SourceIP: "203.0.113.6", Severity: event.SeverityMedium},
		},
		topWeek:   []storage.FieldCount{{Value: "203.0.113.5", Count: 40}},
		topPorts:  []storage.FieldCount{{Value: "22", Count: 31}},
		hourly:    []storage.HourCount{{Hour: "2026-03-10T11:00:00Z", Count: 12}},
		count24h:  1234,
		lastEvent: testNow.Add(-time.Minute),
	}
	rec := get(t, newTestServer(store).handleDashboard, "/api/v1/dashboard/summary")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d", rec.Code)
	}

	var sum dashboardSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Health.DBStatus != "healthy" {
		t.Errorf("db_status: want healthy, got %s", sum.Health.DBStatus)
	}
	if len(sum.ActiveAlerts) != 1 {
		t.Errorf("active alerts must be CRITICAL/HIGH only, got %d", len(sum.ActiveAlerts))
	}
	if sum.ThreatCounts.ByType["BRUTE_FORCE"] != 1 || sum.ThreatCounts.BySeverity["MEDIUM"] != 1 {
		t.Errorf("threat counts: %+v", sum.ThreatCounts)
	}
	if len(sum.TopPorts) != 1 || sum.TopPorts[0].Value != "22" {
		t.Errorf("top ports: %+v", sum.TopPorts)
	}
	if len(sum.Hourly) != 1 || sum.Hourly[0].Count != 12 {
		t.Errorf("hourly counts: %+v", sum.Hourly)
	}
	if sum.Health.Logs24h != 1234 {
		t.Errorf("logs_24h: %d", sum.Health.Logs24h)
	}
}

func TestDashboard_TopSourcesAllTimeFallback(t *testing.T) {
	store := &mockStore{
		topAllTime: []storage.FieldCount{{Value: "198.51.100.9", Count: 7}},
	}
	rec := get(t, newTestServer(store).handleDashboard, "/api/v1/dashboard/summary")

	var sum dashboardSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sum.TopSources) != 1 || sum.TopSources[0].Value != "198.51.100.9" {
		t.Errorf("want the all-time fallback, got %+v", sum.TopSources)
	}
}

func TestDashboard_DownWhenPingFails(t *testing.T) {
	store := &mockStore{pingErr: fmt.Errorf("connection refused")}
	rec := get(t, newTestServer(store).handleDashboard, "/api/v1/dashboard/summary")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d", rec.Code)
	}
	var sum dashboardSummary
	json.Unmarshal(rec.Body.Bytes(), &sum)
	if sum.Health.DBStatus != "down" {
		t.Errorf("db_status: want down, got %s", sum.Health.DBStatus)
	}
}

func TestDashboard_DegradedWhenReadsFail(t *testing.T) {
	store := &mockStore{readErr: fmt.Errorf("timeout")}
	rec := get(t, newTestServer(store).handleDashboard, "/api/v1/dashboard/summary")
	var sum dashboardSummary
	json.Unmarshal(rec.Body.Bytes(), &sum)
	if sum.Health.DBStatus != "degraded" {
		t.Errorf("db_status: want degraded, got %s", sum.Health.DBStatus)
	}
}

func TestBlockEndpoint(t *testing.T) {
	blocker := &mockBlocker{}
	srv := newTestServer(&mockStore{})
	srv.blocker = blocker

	body := strings.NewReader(`{"ip":"203.0.113.5","reason":"repeat offender"}`)
	rec := httptest.NewRecorder()
	srv.handleBlock(rec, httptest.NewRequest(http.MethodPost, "/api/v1/blocklist", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d (%s)", rec.Code, rec.Body)
	}
	if len(blocker.blocked) != 1 || blocker.blocked[0] != "203.0.113.5" {
		t.Errorf("blocked: %v", blocker.blocked)
	}

	rec = httptest.NewRecorder()
	srv.handleBlock(rec, httptest.NewRequest(http.MethodPost, "/api/v1/blocklist", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing ip: want 400, got %d", rec.Code)
	}
}

func TestUnblockEndpoint_ViaRouter(t *testing.T) {
	blocker := &mockBlocker{}
	srv := newTestServer(&mockStore{})
	srv.blocker = blocker
	router := NewRouter(srv, nil, nil, nil, discardLogger())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/blocklist/203.0.113.5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d (%s)", rec.Code, rec.Body)
	}
	if len(blocker.unblocked) != 1 || blocker.unblocked[0] != "203.0.113.5" {
		t.Errorf("unblocked: %v", blocker.unblocked)
	}
}

func TestRecentLive(t *testing.T) {
	srv := newTestServer(&mockStore{})
	srv.liveCache = &mockHotCache{lines: map[string][]string{
		"auth": {"newest line", "older line"},
	}}

	rec := get(t, srv.handleRecentLive, "/api/v1/live/recent?source=auth&limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "newest line") {
		t.Errorf("body: %s", rec.Body)
	}

	if rec := get(t, srv.handleRecentLive, "/api/v1/live/recent"); rec.Code != http.StatusBadRequest {
		t.Errorf("missing source: want 400, got %d", rec.Code)
	}
}
