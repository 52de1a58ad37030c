package notify

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/ml"
	"github.com/logwarden/logwarden/internal/server/storage"
)

var testNow = time.Date(2026, 3, 10, 12, 3, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeLedger struct {
	notified map[string]bool
	lastSend map[string]time.Time // "ip|type"
	recorded []storage.NotificationRecord
	latest   *event.Event
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{notified: map[string]bool{}, lastSend: map[string]time.Time{}}
}

func (f *fakeLedger) WasNotified(_ context.Context, key string) (bool, error) {
	return f.notified[key], nil
}

func (f *fakeLedger) LastNotification(_ context.Context, ip, alertType string) (time.Time, bool, error) {
	ts, ok := f.lastSend[ip+"|"+alertType]
	return ts, ok, nil
}

func (f *fakeLedger) RecordNotification(_ context.Context, n storage.NotificationRecord) (bool, error) {
	if f.notified[n.DedupKey] {
		return false, nil
	}
	f.notified[n.DedupKey] = true
	f.lastSend[n.SourceIP+"|"+n.AlertType] = n.SentAt
	f.recorded = append(f.recorded, n)
	return true, nil
}

func (f *fakeLedger) LatestEventForIP(_ context.Context, _ string) (*event.Event, error) {
	return f.latest, nil
}

type fakeMailer struct {
	sent     int
	subjects []string
}

func (f *fakeMailer) Send(_ context.Context, subject, _, _ string, _ []string) error {
	f.sent++
	f.subjects = append(f.subjects, subject)
	return nil
}

type fixedScorer struct {
	res ml.Result
}

func (f *fixedScorer) Score(_ context.Context, _ ml.Input) ml.Result { return f.res }

func testAlert(sev event.Severity) storage.Alert {
	return storage.Alert{
		BucketEnd:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		LookbackSeconds: 86400,
		AlertType:       "BRUTE_FORCE",
		SourceIP:        "203.0.113.5",
		Severity:        sev,
		FirstSeen:       testNow.Add(-20 * time.Minute),
		LastSeen:        testNow.Add(-time.Minute),
		Count:           25,
		Description:     "Brute force attack from 203.0.113.5: 25 failed login attempts",
		ComputedAt:      testNow,
	}
}

func newTestMonitor(scorer RiskScorer, ledger *fakeLedger, mailer *fakeMailer) *Monitor {
	m := NewMonitor(Config{
		RiskThreshold:     70,
		SeverityThreshold: event.SeverityLow, // let severity through; gates under test are ML and dedup
		Recipients:        []string{"secops@example.com"},
	}, nil, ledger, scorer, mailer, discardLogger())
	m.now = func() time.Time { return testNow }
	return m
}

func TestProcessAlert_MediumBelowRiskThresholdNotSent(t *testing.T) {
	ledger := newFakeLedger()
	mailer := &fakeMailer{}
	m := newTestMonitor(&fixedScorer{res: ml.Result{MLAvailable: true, RiskScore: 40}}, ledger, mailer)

	sent, err := m.ProcessAlert(context.Background(), testAlert(event.SeverityMedium))
	if err != nil {
		t.Fatalf("ProcessAlert: %v", err)
	}
	if sent || mailer.sent != 0 {
		t.Error("MEDIUM alert with risk 40 under threshold 70 must not send")
	}
}

func TestProcessAlert_MediumAboveRiskThresholdSentOnce(t *testing.T) {
	ledger := newFakeLedger()
	mailer := &fakeMailer{}
	m := newTestMonitor(&fixedScorer{res: ml.Result{MLAvailable: true, RiskScore: 80, Label: "BRUTE_FORCE"}}, ledger, mailer)

	a := testAlert(event.SeverityMedium)
	sent, err := m.ProcessAlert(context.Background(), a)
	if err != nil {
		t.Fatalf("first ProcessAlert: %v", err)
	}
	if !sent || mailer.sent != 1 {
		t.Fatal("MEDIUM alert with risk 80 must send")
	}
	if len(ledger.recorded) != 1 {
		t.Fatalf("want 1 recorded notification, got %d", len(ledger.recorded))
	}
	if ledger.recorded[0].RiskScore != 80 {
		t.Errorf("recorded risk: want 80, got %v", ledger.recorded[0].RiskScore)
	}

	// Same alert again: suppressed by dedup key.
	sent, err = m.ProcessAlert(context.Background(), a)
	if err != nil {
		t.Fatalf("second ProcessAlert: %v", err)
	}
	if sent || mailer.sent != 1 {
		t.Error("identical alert must be suppressed by dedup")
	}
}

func TestProcessAlert_RateLimitSameIPAndType(t *testing.T) {
	ledger := newFakeLedger()
	mailer := &fakeMailer{}
	m := newTestMonitor(&fixedScorer{res: ml.Result{MLAvailable: true, RiskScore: 90}}, ledger, mailer)

	first := testAlert(event.SeverityMedium)
	if sent, _ := m.ProcessAlert(context.Background(), first); !sent {
		t.Fatal("first alert should send")
	}

	// New bucket (new dedup key), same (ip, type), 5 minutes later: rate limit.
	second := first
	second.BucketEnd = first.BucketEnd.Add(5 * time.Minute)
	m.now = func() time.Time { return testNow.Add(5 * time.Minute) }
	sent, err := m.ProcessAlert(context.Background(), second)
	if err != nil {
		t.Fatalf("ProcessAlert: %v", err)
	}
	if sent || mailer.sent != 1 {
		t.Error("second alert within 15 minutes must be rate-limited")
	}

	// 16 minutes after the first send, a third bucket goes out.
	third := first
	third.BucketEnd = first.BucketEnd.Add(20 * time.Minute)
	m.now = func() time.Time { return testNow.Add(16 * time.Minute) }
	sent, err = m.ProcessAlert(context.Background(), third)
	if err != nil {
		t.Fatalf("ProcessAlert: %v", err)
	}
	if !sent || mailer.sent != 2 {
		t.Error("alert after the rate-limit window must send")
	}
}

func TestProcessAlert_CriticalAlwaysSends(t *testing.T) {
	ledger := newFakeLedger()
	mailer := &fakeMailer{}
	// Even a confident low-risk verdict does not hold back CRITICAL.
	m := newTestMonitor(&fixedScorer{res: ml.Result{MLAvailable: true, RiskScore: 5, Label: "NORMAL"}}, ledger, mailer)

	sent, err := m.ProcessAlert(context.Background(), testAlert(event.SeverityCritical))
	if err != nil {
		t.Fatalf("ProcessAlert: %v", err)
	}
	if !sent {
		t.Error("CRITICAL alert must always send")
	}
}

func TestProcessAlert_HighSendsWhenMLUnavailable(t *testing.T) {
	ledger := newFakeLedger()
	mailer := &fakeMailer{}
	m := newTestMonitor(&fixedScorer{res: ml.Result{MLAvailable: false, RiskScore: 0}}, ledger, mailer)

	sent, err := m.ProcessAlert(context.Background(), testAlert(event.SeverityHigh))
	if err != nil {
		t.Fatalf("ProcessAlert: %v", err)
	}
	if !sent {
		t.Error("HIGH alert must send when ML is unavailable")
	}
}

func TestProcessAlert_SeverityGate(t *testing.T) {
	ledger := newFakeLedger()
	mailer := &fakeMailer{}
	m := newTestMonitor(&fixedScorer{res: ml.Result{MLAvailable: true, RiskScore: 95}}, ledger, mailer)
	m.cfg.SeverityThreshold = event.SeverityHigh

	// MEDIUM is milder than the HIGH threshold: dropped before ML runs.
	sent, err := m.ProcessAlert(context.Background(), testAlert(event.SeverityMedium))
	if err != nil {
		t.Fatalf("ProcessAlert: %v", err)
	}
	if sent || mailer.sent != 0 {
		t.Error("alert below severity threshold must be dropped")
	}
}

func TestDedupKey_StableAndDistinct(t *testing.T) {
	bucket := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := DedupKey("BRUTE_FORCE", "203.0.113.5", bucket)
	b := DedupKey("BRUTE_FORCE", "203.0.113.5", bucket)
	if a != b {
		t.Error("same alert identity must produce the same key")
	}
	if a == DedupKey("PORT_SCAN", "203.0.113.5", bucket) {
		t.Error("different alert types must not collide")
	}
	if a == DedupKey("BRUTE_FORCE", "203.0.113.5", bucket.Add(5*time.Minute)) {
		t.Error("different buckets must not collide")
	}
}
