package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/ml"
	"github.com/logwarden/logwarden/internal/server/storage"
)

// AlertSource supplies the materialized alerts each tick. The alert cache
// satisfies it.
type AlertSource interface {
	GetOrCompute(ctx context.Context, lookback time.Duration, bucketMinutes int) ([]storage.Alert, error)
}

// Ledger is the notification bookkeeping slice of the store.
type Ledger interface {
	WasNotified(ctx context.Context, dedupKey string) (bool, error)
	LastNotification(ctx context.Context, ip, alertType string) (time.Time, bool, error)
	RecordNotification(ctx context.Context, n storage.NotificationRecord) (bool, error)
	LatestEventForIP(ctx context.Context, ip string) (*event.Event, error)
}

// RiskScorer is the ML collaborator. *ml.Scorer satisfies it.
type RiskScorer interface {
	Score(ctx context.Context, in ml.Input) ml.Result
}

// Config tunes the monitor. Zero values take the defaults.
type Config struct {
	CheckInterval     time.Duration  // default 120s
	Lookback          time.Duration  // default 24h
	BucketMinutes     int            // default 5
	RateLimit         time.Duration  // default 15m
	SeverityThreshold event.Severity // default MEDIUM: LOW alerts are dropped
	RiskThreshold     float64        // default 70
	Recipients        []string
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 120 * time.Second
	}
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	if c.BucketMinutes <= 0 {
		c.BucketMinutes = 5
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 15 * time.Minute
	}
	if !c.SeverityThreshold.Valid() {
		c.SeverityThreshold = event.SeverityMedium
	}
	if c.RiskThreshold <= 0 {
		c.RiskThreshold = 70
	}
}

// Monitor is the periodic notification worker.
type Monitor struct {
	cfg    Config
	alerts AlertSource
	ledger Ledger
	scorer RiskScorer
	mailer Mailer
	log    *slog.Logger
	now    func() time.Time
}

// NewMonitor assembles the worker. scorer may be nil, which behaves like
// "ML unavailable" for every alert.
func NewMonitor(cfg Config, alerts AlertSource, ledger Ledger, scorer RiskScorer, mailer Mailer, log *slog.Logger) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:    cfg,
		alerts: alerts,
		ledger: ledger,
		scorer: scorer,
		mailer: mailer,
		log:    log,
		now:    time.Now,
	}
}

// Run ticks every CheckInterval until ctx is cancelled. Tick failures are
// logged and the loop continues.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.log.Info("alert monitor started", "interval", m.cfg.CheckInterval)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("alert monitor stopped")
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.log.Error("alert monitor tick failed", "error", err)
			}
		}
	}
}

// Tick runs one monitoring pass over the current alert bucket.
func (m *Monitor) Tick(ctx context.Context) error {
	alerts, err := m.alerts.GetOrCompute(ctx, m.cfg.Lookback, m.cfg.BucketMinutes)
	if err != nil {
		return fmt.Errorf("monitor tick: %w", err)
	}
	for _, a := range alerts {
		sent, err := m.ProcessAlert(ctx, a)
		if err != nil {
			m.log.Error("alert processing failed",
				"alert_type", a.AlertType, "source_ip", a.SourceIP, "error", err)
			continue
		}
		if sent {
			m.log.Info("alert notification sent",
				"alert_type", a.AlertType, "source_ip", a.SourceIP, "severity", a.Severity)
		}
	}
	return nil
}

// ProcessAlert applies the gate chain to one alert and dispatches email if
// it survives. Returns whether a notification went out.
func (m *Monitor) ProcessAlert(ctx context.Context, a storage.Alert) (bool, error) {
	dedupKey := DedupKey(a.AlertType, a.SourceIP, a.BucketEnd)
	seen, err := m.ledger.WasNotified(ctx, dedupKey)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		return false, nil
	}

	last, found, err := m.ledger.LastNotification(ctx, a.SourceIP, a.AlertType)
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	if found && m.now().Sub(last) < m.cfg.RateLimit {
		return false, nil
	}

	// Severity gate: alerts milder than the threshold are dropped.
	if a.Severity.Rank() > m.cfg.SeverityThreshold.Rank() {
		return false, nil
	}

	res := m.score(ctx, a)
	if !m.shouldSend(a.Severity, res) {
		return false, nil
	}

	subject, html, text := renderAlert(a, res)
	if err := m.mailer.Send(ctx, subject, html, text, m.cfg.Recipients); err != nil {
		return false, fmt.Errorf("send email: %w", err)
	}

	_, err = m.ledger.RecordNotification(ctx, storage.NotificationRecord{
		AlertType:  a.AlertType,
		SourceIP:   a.SourceIP,
		Severity:   a.Severity,
		RiskScore:  res.RiskScore,
		MLLabel:    res.Label,
		Recipients: m.cfg.Recipients,
		SentAt:     m.now().UTC(),
		DedupKey:   dedupKey,
	})
	if err != nil {
		return true, fmt.Errorf("record notification: %w", err)
	}
	return true, nil
}

// score fetches the most recent event from the alert's source as ML
// context. A nil scorer or placeholder source IP yields an unavailable
// result scored from the alert severity.
func (m *Monitor) score(ctx context.Context, a storage.Alert) ml.Result {
	in := ml.Input{
		SourceIP:       a.SourceIP,
		ThreatTypeHint: a.AlertType,
		SeverityHint:   a.Severity,
	}
	if m.scorer == nil {
		return ml.Result{MLAvailable: false, RiskScore: 0}
	}
	if ev, err := m.ledger.LatestEventForIP(ctx, a.SourceIP); err == nil && ev != nil {
		in.Timestamp = ev.Timestamp
		in.LogSource = ev.LogSource
		in.EventType = ev.EventType
		in.RawLog = ev.RawLog
	}
	return m.scorer.Score(ctx, in)
}

// shouldSend is the send-decision matrix: CRITICAL always goes out, HIGH
// goes out unless ML confidently scores it below the risk threshold, and
// anything milder needs the ML risk to clear the threshold.
func (m *Monitor) shouldSend(sev event.Severity, res ml.Result) bool {
	switch sev {
	case event.SeverityCritical:
		return true
	case event.SeverityHigh:
		return !res.MLAvailable || res.RiskScore >= m.cfg.RiskThreshold
	default:
		return res.MLAvailable && res.RiskScore >= m.cfg.RiskThreshold
	}
}

// DedupKey is the stable digest that makes a notification for one alert a
// one-shot across restarts and racing workers.
func DedupKey(alertType, sourceIP string, bucketEnd time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s",
		alertType, sourceIP, bucketEnd.UTC().Format(time.RFC3339))))
	return hex.EncodeToString(sum[:])
}

// renderAlert produces the email subject and bodies.
func renderAlert(a storage.Alert, res ml.Result) (subject, html, text string) {
	subject = fmt.Sprintf("[%s] %s from %s", a.Severity, strings.ReplaceAll(a.AlertType, "_", " "), a.SourceIP)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n", a.Description)
	fmt.Fprintf(&sb, "Severity:   %s\n", a.Severity)
	fmt.Fprintf(&sb, "Source IP:  %s\n", a.SourceIP)
	fmt.Fprintf(&sb, "Events:     %d\n", a.Count)
	fmt.Fprintf(&sb, "First seen: %s\n", a.FirstSeen.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Last seen:  %s\n", a.LastSeen.UTC().Format(time.RFC3339))
	if res.MLAvailable {
		fmt.Fprintf(&sb, "ML risk:    %.0f/100 (%s, confidence %.2f)\n", res.RiskScore, res.Label, res.Confidence)
	}
	text = sb.String()

	html = fmt.Sprintf(
		"<h2>%s</h2><p>%s</p><ul><li>Severity: <b>%s</b></li><li>Source IP: %s</li><li>Events: %d</li><li>First seen: %s</li><li>Last seen: %s</li></ul>",
		subject, a.Description, a.Severity, a.SourceIP, a.Count,
		a.FirstSeen.UTC().Format(time.RFC3339), a.LastSeen.UTC().Format(time.RFC3339))
	if res.MLAvailable {
		html += fmt.Sprintf("<p>ML risk: <b>%.0f/100</b> (%s, confidence %.2f)</p>", res.RiskScore, res.Label, res.Confidence)
	}
	return subject, html, text
}
