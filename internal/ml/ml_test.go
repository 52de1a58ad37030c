package ml

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/server/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeSource serves a fixed training set.
type fakeSource struct {
	events []event.Event
}

func (f *fakeSource) ScanRange(_ context.Context, _, _ time.Time, _ storage.ScanFilter) ([]event.Event, error) {
	return f.events, nil
}

// trainingEvents builds a mixed corpus: failed logins (BRUTE_FORCE label)
// and benign UFW traffic (NORMAL label).
func trainingEvents(n int) []event.Event {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	out := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			out = append(out, event.Event{
				Timestamp: ts,
				SourceIP:  fmt.Sprintf("203.0.113.%d", i%250),
				LogSource: "auth",
				EventType: event.TypeSSHFailedLogin,
				Severity:  event.SeverityHigh,
				Username:  "root",
				RawLog:    fmt.Sprintf("Failed password for root from 203.0.113.%d port %d ssh2", i%250, 40000+i),
			})
		} else {
			out = append(out, event.Event{
				Timestamp:       ts,
				SourceIP:        fmt.Sprintf("198.51.100.%d", i%250),
				DestinationPort: 443,
				Protocol:        "TCP",
				LogSource:       "ufw",
				EventType:       event.TypeUFWTraffic,
				Severity:        event.SeverityLow,
				RawLog:          fmt.Sprintf("[UFW ALLOW] SRC=198.51.100.%d DPT=443 PROTO=TCP", i%250),
			})
		}
	}
	return out
}

// trainInto fits a full artifact set in dir.
func trainInto(t *testing.T, dir string, events []event.Event) {
	t.Helper()
	trainer := NewTrainer(&fakeSource{events: events}, 7*24*time.Hour, discardLogger())
	if err := trainer.Train(context.Background(), dir, true, true); err != nil {
		t.Fatalf("Train: %v", err)
	}
}

// ── Features ──────────────────────────────────────────────────────────────────

func TestCacheKey_Deterministic(t *testing.T) {
	ts := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	a := NewRawInput(ts, "auth", event.TypeSSHFailedLogin, "Failed password for root")
	b := NewRawInput(ts, "auth", event.TypeSSHFailedLogin, "Failed password for root")
	if a.CacheKey() != b.CacheKey() {
		t.Error("identical inputs must share a cache key")
	}
	c := NewRawInput(ts, "auth", event.TypeSSHFailedLogin, "Failed password for admin")
	if a.CacheKey() == c.CacheKey() {
		t.Error("different content must not collide")
	}
}

func TestExtract_SchemaLengthAndOrder(t *testing.T) {
	in := NewRawInput(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		"auth", event.TypeSSHFailedLogin, "Failed password for root from 1.2.3.4 port 22")
	v := Extract(in)
	if len(v) != len(FeatureNames) {
		t.Fatalf("vector length %d, schema has %d features", len(v), len(FeatureNames))
	}
	// hour_of_day is index 5 per the schema.
	if v[5] != 14 {
		t.Errorf("hour feature: want 14, got %v", v[5])
	}
	// has_failure_term fires on "Failed".
	if v[6] != 1 {
		t.Errorf("failure term feature: want 1, got %v", v[6])
	}
	// is_auth_source fires on component "auth".
	if v[9] != 1 {
		t.Errorf("auth source feature: want 1, got %v", v[9])
	}
}

// ── Scorer ────────────────────────────────────────────────────────────────────

func TestScore_NoBundleFallsBack(t *testing.T) {
	s := NewScorer(nil, nil, discardLogger())
	res := s.Score(context.Background(), Input{
		SourceIP:     "203.0.113.5",
		SeverityHint: event.SeverityHigh,
		EventType:    event.TypeSSHFailedLogin,
	})
	if res.MLAvailable {
		t.Error("no bundle: ml_available must be false")
	}
	if res.RiskScore != 65 {
		t.Errorf("HIGH hint fallback risk: want 65, got %v", res.RiskScore)
	}
	if res.Label != LabelBruteForce {
		t.Errorf("label from event type: want BRUTE_FORCE, got %s", res.Label)
	}
}

func TestScore_TrainedBundle(t *testing.T) {
	dir := t.TempDir()
	trainInto(t, dir, trainingEvents(100))

	b, err := LoadBundle(dir)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	s := NewScorer(nil, nil, discardLogger())
	s.Reload(b)

	res := s.Score(context.Background(), Input{
		SourceIP:     "203.0.113.5",
		SeverityHint: event.SeverityHigh,
		Timestamp:    time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC),
		LogSource:    "auth",
		EventType:    event.TypeSSHFailedLogin,
		RawLog:       "Failed password for root from 203.0.113.5 port 50022 ssh2",
	})
	if !res.MLAvailable {
		t.Fatal("trained bundle: ml_available must be true")
	}
	if res.RiskScore < 0 || res.RiskScore > 100 {
		t.Errorf("risk out of range: %v", res.RiskScore)
	}
	if res.AnomalyScore < 0 || res.AnomalyScore > 1 {
		t.Errorf("anomaly out of range: %v", res.AnomalyScore)
	}
	if res.Label == "" {
		t.Error("auth-like input should carry a label")
	}
}

func TestScore_DeterministicForSameInput(t *testing.T) {
	dir := t.TempDir()
	trainInto(t, dir, trainingEvents(100))
	b, err := LoadBundle(dir)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	s := NewScorer(nil, nil, discardLogger())
	s.Reload(b)

	in := Input{
		Timestamp: time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC),
		LogSource: "ufw",
		EventType: event.TypeUFWTraffic,
		RawLog:    "[UFW ALLOW] SRC=198.51.100.1 DPT=443 PROTO=TCP",
	}
	r1 := s.Score(context.Background(), in)
	r2 := s.Score(context.Background(), in)
	if r1 != r2 {
		t.Errorf("same input, different results: %+v vs %+v", r1, r2)
	}
}

func TestAdjustSeverity_StepDown(t *testing.T) {
	confidentNormal := Result{MLAvailable: true, Label: LabelNormal, Confidence: 0.9, AnomalyScore: 0.1}
	cases := []struct {
		in   event.Severity
		res  Result
		want event.Severity
	}{
		{event.SeverityHigh, confidentNormal, event.SeverityMedium},
		{event.SeverityLow, confidentNormal, event.SeverityLow},
		{event.SeverityHigh, Result{MLAvailable: false, Label: LabelNormal, Confidence: 0.9, AnomalyScore: 0.1}, event.SeverityHigh},
		{event.SeverityHigh, Result{MLAvailable: true, Label: LabelBruteForce, Confidence: 0.9, AnomalyScore: 0.1}, event.SeverityHigh},
		{event.SeverityHigh, Result{MLAvailable: true, Label: LabelNormal, Confidence: 0.7, AnomalyScore: 0.1}, event.SeverityHigh},
		{event.SeverityHigh, Result{MLAvailable: true, Label: LabelNormal, Confidence: 0.9, AnomalyScore: 0.5}, event.SeverityHigh},
	}
	for i, tc := range cases {
		if got := AdjustSeverity(tc.in, tc.res); got != tc.want {
			t.Errorf("case %d: want %s, got %s", i, tc.want, got)
		}
	}
}

func TestInferLabel(t *testing.T) {
	cases := []struct {
		in   Input
		want string
	}{
		{Input{EventType: event.TypeSSHFailedLogin}, LabelBruteForce},
		{Input{ThreatTypeHint: "DISTRIBUTED_FLOOD"}, LabelDDoS},
		{Input{ThreatTypeHint: "PORT_SCAN"}, LabelPortScan},
		{Input{EventType: event.TypeSQLInjectionAttempt}, LabelSQLInjection},
		{Input{EventType: event.TypeSuspiciousPortAccess}, LabelSuspicious},
		{Input{SeverityHint: event.SeverityCritical}, LabelSuspicious},
		{Input{SeverityHint: event.SeverityLow}, LabelNormal},
	}
	for i, tc := range cases {
		if got := inferLabel(tc.in); got != tc.want {
			t.Errorf("case %d: want %s, got %s", i, tc.want, got)
		}
	}
}

// ── Feature cache ─────────────────────────────────────────────────────────────

func TestSQLiteCache_RoundTrip(t *testing.T) {
	c, err := OpenCache(":memory:", discardLogger())
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	features := Extract(NewRawInput(time.Now(), "auth", event.TypeSSHFailedLogin, "Failed password"))
	c.Put(ctx, "key-1", features)

	got, ok := c.Get(ctx, "key-1")
	if !ok {
		t.Fatal("cache should hit after Put")
	}
	if len(got) != len(features) {
		t.Fatalf("length: want %d, got %d", len(features), len(got))
	}
	for i := range got {
		if got[i] != features[i] {
			t.Errorf("feature %d: want %v, got %v", i, features[i], got[i])
		}
	}

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Error("unknown key should miss")
	}
}

func TestSQLiteCache_TTLExpiry(t *testing.T) {
	c, err := OpenCache(":memory:", discardLogger())
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	c.Put(ctx, "key-ttl", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
	if _, ok := c.Get(ctx, "key-ttl"); !ok {
		t.Fatal("fresh entry should hit")
	}

	c.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if _, ok := c.Get(ctx, "key-ttl"); ok {
		t.Error("entry past TTL should miss")
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestRunRetrain_SnapshotsAndActivates(t *testing.T) {
	dir := t.TempDir()
	trainer := NewTrainer(&fakeSource{events: trainingEvents(100)}, 7*24*time.Hour, discardLogger())
	scorer := NewScorer(nil, nil, discardLogger())
	m := NewManager(dir, scorer, trainer, discardLogger())

	pre, post, err := m.RunRetrain(context.Background(), true, true, "run-1")
	if err != nil {
		t.Fatalf("RunRetrain: %v", err)
	}
	if pre == "" || post == "" || pre == post {
		t.Fatalf("want distinct pre/post versions, got %q and %q", pre, post)
	}
	if got := m.ActiveVersion(); got != post {
		t.Errorf("active version: want %q, got %q", post, got)
	}
	if scorer.Bundle() == nil {
		t.Error("scorer should have a bundle after retrain")
	}

	versions, err := m.Versions()
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 2 {
		t.Errorf("want 2 snapshots, got %d", len(versions))
	}

	// Post snapshot carries metadata with hashes and activation.
	var meta Metadata
	if err := readJSON(filepath.Join(dir, "versions", post, MetadataFile), &meta); err != nil {
		t.Fatalf("read post metadata: %v", err)
	}
	if !meta.Activated {
		t.Error("post snapshot should be marked active")
	}
	if meta.RunID != "run-1" {
		t.Errorf("run id: want run-1, got %q", meta.RunID)
	}
	if len(meta.Artifacts) == 0 {
		t.Error("metadata should record artifact hashes")
	}
}

func TestRollback_RestoresIdenticalOutputs(t *testing.T) {
	dir := t.TempDir()
	trainer := NewTrainer(&fakeSource{events: trainingEvents(100)}, 7*24*time.Hour, discardLogger())
	scorer := NewScorer(nil, nil, discardLogger())
	m := NewManager(dir, scorer, trainer, discardLogger())

	_, v1, err := m.RunRetrain(context.Background(), true, true, "run-1")
	if err != nil {
		t.Fatalf("first RunRetrain: %v", err)
	}
	in := Input{
		Timestamp: time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC),
		LogSource: "auth",
		EventType: event.TypeSSHFailedLogin,
		RawLog:    "Failed password for root from 203.0.113.5 port 50022 ssh2",
	}
	want := scorer.Score(context.Background(), in)

	// Retrain on a different corpus so the live artifacts change.
	trainer.source = &fakeSource{events: trainingEvents(80)[40:]}
	if _, _, err := m.RunRetrain(context.Background(), true, true, "run-2"); err != nil {
		t.Fatalf("second RunRetrain: %v", err)
	}

	if err := m.Rollback(v1); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got := m.ActiveVersion(); got != v1 {
		t.Errorf("active version after rollback: want %q, got %q", v1, got)
	}
	got := scorer.Score(context.Background(), in)
	if got != want {
		t.Errorf("rollback outputs differ:\nwant %+v\n got %+v", want, got)
	}

	// Artifact bytes match the snapshot exactly.
	for _, name := range []string{ScalerFile, AnomalyFile, ClassifierFile, LabelEncoderFile} {
		snap, err := os.ReadFile(filepath.Join(dir, "versions", v1, name))
		if err != nil {
			t.Fatalf("read snapshot %s: %v", name, err)
		}
		live, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read live %s: %v", name, err)
		}
		if string(snap) != string(live) {
			t.Errorf("%s differs from snapshot after rollback", name)
		}
	}
}

func TestLoadBundle_MissingArtifacts(t *testing.T) {
	if _, err := LoadBundle(t.TempDir()); err == nil {
		t.Fatal("want error for empty model directory")
	}
}
