package autoblock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/logwarden/logwarden/internal/detect"
	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/ml"
	"github.com/logwarden/logwarden/internal/server/storage"
)

// Blocklist is the storage slice the actor needs.
type Blocklist interface {
	ActiveBlock(ctx context.Context, ip string) (*storage.BlockEntry, error)
	LastUnblockTime(ctx context.Context, ip string) (time.Time, bool, error)
	InsertBlock(ctx context.Context, ip, reason, blockedBy string) (bool, error)
	Unblock(ctx context.Context, ip, unblockedBy string) (bool, error)
}

// RiskScorer is the ML collaborator. *ml.Scorer satisfies it.
type RiskScorer interface {
	Score(ctx context.Context, in ml.Input) ml.Result
}

// Notifier is called after a successful block. The notify mailer satisfies
// it; nil disables block notifications.
type Notifier interface {
	Send(ctx context.Context, subject, htmlBody, textBody string, recipients []string) error
}

// Rules is the rule-based half of the block policy: per-severity toggles
// and per-attack thresholds.
type Rules struct {
	BlockCritical bool
	BlockHigh     bool
	BlockMedium   bool
	BlockLow      bool

	BruteForceAttempts int // block when total attempts reach this; 0 disables
	FloodRequests      int
	PortScanPorts      int
}

// MLPolicy is the ML half: any satisfied clause blocks.
type MLPolicy struct {
	RiskThreshold       float64
	AnomalyThreshold    float64
	ConfidenceThreshold float64
	ThreatLabels        map[string]bool
}

// Config assembles the full policy.
type Config struct {
	Rules Rules
	ML    MLPolicy

	// RequireMLConfirmation demands BOTH predicates; otherwise either
	// suffices.
	RequireMLConfirmation bool

	// Cooldown after an unblock during which the IP is not re-blocked.
	Cooldown time.Duration

	Recipients []string
}

// Decision reports what the actor did with a detection and why.
type Decision struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason"`
}

// Skip reasons.
const (
	ReasonAlreadyBlocked = "already_blocked"
	ReasonCooldown       = "cooldown"
	ReasonPolicy         = "policy_not_matched"
	ReasonNoSource       = "no_source_ip"
)

// Actor applies the block policy to detections.
type Actor struct {
	cfg      Config
	store    Blocklist
	firewall Firewall
	scorer   RiskScorer
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

// New assembles an Actor. scorer and notifier may be nil.
func New(cfg Config, store Blocklist, firewall Firewall, scorer RiskScorer, notifier Notifier, log *slog.Logger) *Actor {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 24 * time.Hour
	}
	return &Actor{
		cfg:      cfg,
		store:    store,
		firewall: firewall,
		scorer:   scorer,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// Process evaluates one detection. A firewall authentication failure is
// returned as an error wrapping ErrFirewallAuth; everything else resolves
// to a Decision.
func (a *Actor) Process(ctx context.Context, d detect.Detection) (Decision, error) {
	if d.SourceIP == "" {
		return Decision{Reason: ReasonNoSource}, nil
	}

	active, err := a.store.ActiveBlock(ctx, d.SourceIP)
	if err != nil {
		return Decision{}, fmt.Errorf("autoblock %s: %w", d.SourceIP, err)
	}
	if active != nil {
		// Idempotent success: the IP is already denied.
		return Decision{Blocked: true, Reason: ReasonAlreadyBlocked}, nil
	}

	unblockedAt, wasUnblocked, err := a.store.LastUnblockTime(ctx, d.SourceIP)
	if err != nil {
		return Decision{}, fmt.Errorf("autoblock %s: %w", d.SourceIP, err)
	}
	if wasUnblocked && a.now().Sub(unblockedAt) < a.cfg.Cooldown {
		return Decision{Reason: ReasonCooldown}, nil
	}

	rulesMatch := a.rulesMatch(d)
	res := a.score(ctx, d)
	mlMatch := a.mlMatch(res)

	var shouldBlock bool
	if a.cfg.RequireMLConfirmation {
		shouldBlock = rulesMatch && mlMatch
	} else {
		shouldBlock = rulesMatch || mlMatch
	}
	if !shouldBlock {
		return Decision{Reason: ReasonPolicy}, nil
	}

	reason := blockReason(d, res)
	out, err := a.firewall.Deny(ctx, d.SourceIP)
	if err != nil {
		a.log.Error("firewall deny failed", "ip", d.SourceIP, "output", out, "error", err)
		return Decision{}, fmt.Errorf("autoblock %s: %w", d.SourceIP, err)
	}

	created, err := a.store.InsertBlock(ctx, d.SourceIP, reason, "auto")
	if err != nil {
		return Decision{}, fmt.Errorf("autoblock %s: record block: %w", d.SourceIP, err)
	}
	if !created {
		// A concurrent actor won the insert race; the deny already ran
		// on both sides and ufw treated the duplicate as existing.
		return Decision{Blocked: true, Reason: ReasonAlreadyBlocked}, nil
	}

	a.log.Info("ip auto-blocked", "ip", d.SourceIP, "alert_type", d.AlertType, "reason", reason)
	a.notifyBlock(ctx, d, reason)
	return Decision{Blocked: true, Reason: reason}, nil
}

// Block denies ip unconditionally, bypassing the policy. Used for
// operator-initiated blocks from the dashboard.
func (a *Actor) Block(ctx context.Context, ip, reason, by string) error {
	if reason == "" {
		reason = "manual block"
	}
	out, err := a.firewall.Deny(ctx, ip)
	if err != nil {
		a.log.Error("firewall deny failed", "ip", ip, "output", out, "error", err)
		return fmt.Errorf("block %s: %w", ip, err)
	}
	if _, err := a.store.InsertBlock(ctx, ip, reason, by); err != nil {
		return fmt.Errorf("block %s: record block: %w", ip, err)
	}
	a.log.Info("ip blocked", "ip", ip, "by", by, "reason", reason)
	return nil
}

// Unblock removes the firewall rule and deactivates the blocklist entry,
// retaining history.
func (a *Actor) Unblock(ctx context.Context, ip, by string) error {
	out, err := a.firewall.Allow(ctx, ip)
	if err != nil {
		a.log.Error("firewall allow failed", "ip", ip, "output", out, "error", err)
		return fmt.Errorf("unblock %s: %w", ip, err)
	}
	if _, err := a.store.Unblock(ctx, ip, by); err != nil {
		return fmt.Errorf("unblock %s: %w", ip, err)
	}
	a.log.Info("ip unblocked", "ip", ip, "by", by)
	return nil
}

// rulesMatch evaluates the rule predicate: severity toggle OR per-attack
// threshold.
func (a *Actor) rulesMatch(d detect.Detection) bool {
	r := a.cfg.Rules
	switch d.Severity {
	case event.SeverityCritical:
		if r.BlockCritical {
			return true
		}
	case event.SeverityHigh:
		if r.BlockHigh {
			return true
		}
	case event.SeverityMedium:
		if r.BlockMedium {
			return true
		}
	case event.SeverityLow:
		if r.BlockLow {
			return true
		}
	}

	switch d.AlertType {
	case detect.TypeBruteForce:
		return r.BruteForceAttempts > 0 && d.TotalAttempts >= r.BruteForceAttempts
	case detect.TypeSingleIPFlood, detect.TypeDistributedFlood:
		return r.FloodRequests > 0 && d.TotalRequests >= r.FloodRequests
	case detect.TypePortScan:
		return r.PortScanPorts > 0 && d.UniquePortsAttempted >= r.PortScanPorts
	}
	return false
}

// mlMatch evaluates the ML predicate over a scoring result.
func (a *Actor) mlMatch(res ml.Result) bool {
	if !res.MLAvailable {
		return false
	}
	p := a.cfg.ML
	if p.RiskThreshold > 0 && res.RiskScore >= p.RiskThreshold {
		return true
	}
	if p.AnomalyThreshold > 0 && res.AnomalyScore >= p.AnomalyThreshold {
		return true
	}
	if len(p.ThreatLabels) > 0 && p.ThreatLabels[res.Label] &&
		res.Confidence >= p.ConfidenceThreshold {
		return true
	}
	return false
}

func (a *Actor) score(ctx context.Context, d detect.Detection) ml.Result {
	if a.scorer == nil {
		return ml.Result{MLAvailable: false}
	}
	in := ml.Input{
		SourceIP:       d.SourceIP,
		ThreatTypeHint: d.AlertType,
		SeverityHint:   d.Severity,
	}
	if d.Sample != nil {
		in.Timestamp = d.Sample.Timestamp
		in.LogSource = d.Sample.LogSource
		in.EventType = d.Sample.EventType
		in.RawLog = d.Sample.RawLog
	}
	return a.scorer.Score(ctx, in)
}

func blockReason(d detect.Detection, res ml.Result) string {
	reason := fmt.Sprintf("%s detection, severity %s", d.AlertType, d.Severity)
	switch d.AlertType {
	case detect.TypeBruteForce:
		reason = fmt.Sprintf("%s (%d failed attempts)", reason, d.TotalAttempts)
	case detect.TypeSingleIPFlood, detect.TypeDistributedFlood:
		reason = fmt.Sprintf("%s (%d requests)", reason, d.TotalRequests)
	case detect.TypePortScan:
		reason = fmt.Sprintf("%s (%d ports probed)", reason, d.UniquePortsAttempted)
	}
	if res.MLAvailable {
		reason = fmt.Sprintf("%s, ml risk %.0f", reason, res.RiskScore)
	}
	return reason
}

func (a *Actor) notifyBlock(ctx context.Context, d detect.Detection, reason string) {
	if a.notifier == nil || len(a.cfg.Recipients) == 0 {
		return
	}
	subject := fmt.Sprintf("[AUTO-BLOCK] %s blocked (%s)", d.SourceIP, d.AlertType)
	text := fmt.Sprintf("Blocked %s at %s.\nReason: %s\n",
		d.SourceIP, a.now().UTC().Format(time.RFC3339), reason)
	html := fmt.Sprintf("<p>Blocked <b>%s</b> at %s.</p><p>Reason: %s</p>",
		d.SourceIP, a.now().UTC().Format(time.RFC3339), reason)
	if err := a.notifier.Send(ctx, subject, html, text, a.cfg.Recipients); err != nil {
		a.log.Warn("block notification failed", "ip", d.SourceIP, "error", err)
	}
}
