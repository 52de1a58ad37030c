package ml

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/logwarden/logwarden/internal/event"
)

// Threat labels the scorer emits. BRUTE_FORCE through PORT_SCAN come from
// the classifier or from event-type inference; NORMAL is the benign label
// used by the false-positive step-down policy.
const (
	LabelNormal       = "NORMAL"
	LabelSuspicious   = "SUSPICIOUS"
	LabelBruteForce   = "BRUTE_FORCE"
	LabelDDoS         = "DDOS"
	LabelPortScan     = "PORT_SCAN"
	LabelSQLInjection = "SQL_INJECTION"
)

// labelWeights feed the risk formula. Labels outside the table weigh like
// SUSPICIOUS.
var labelWeights = map[string]float64{
	LabelNormal:       0.10,
	LabelSuspicious:   0.60,
	LabelBruteForce:   0.80,
	LabelDDoS:         0.90,
	LabelPortScan:     0.90,
	LabelSQLInjection: 0.85,
}

func labelWeight(label string) float64 {
	if w, ok := labelWeights[label]; ok {
		return w
	}
	return labelWeights[LabelSuspicious]
}

// Input carries the scoring context for one alert or event. All fields are
// optional; the scorer degrades gracefully with whatever it gets.
type Input struct {
	SourceIP       string
	ThreatTypeHint string
	SeverityHint   event.Severity
	Timestamp      time.Time
	LogSource      string
	EventType      string
	RawLog         string
}

// Result is the scorer's verdict. MLAvailable is false when models could
// not be applied; RiskScore then carries the rule-based fallback.
type Result struct {
	MLAvailable  bool    `json:"ml_available"`
	AnomalyScore float64 `json:"anomaly_score"`
	Label        string  `json:"label,omitempty"`
	Confidence   float64 `json:"confidence"`
	RiskScore    float64 `json:"risk_score"`
}

// FeatureCache memoizes extracted feature vectors keyed by input digest.
// The SQLite implementation also versions entries by schema hash.
type FeatureCache interface {
	Get(ctx context.Context, key string) ([]float64, bool)
	Put(ctx context.Context, key string, features []float64)
}

// PredictionSink optionally persists one document per scoring call.
type PredictionSink interface {
	Record(ctx context.Context, in Input, res Result)
}

// Scorer evaluates inputs against the currently loaded model bundle. Score
// never returns an error: every internal failure degrades to a rule-based
// result with MLAvailable=false.
type Scorer struct {
	bundle atomic.Pointer[Bundle]
	cache  FeatureCache
	sink   PredictionSink
	log    *slog.Logger
}

// NewScorer builds a scorer with no bundle loaded; Reload installs one.
// cache and sink may be nil.
func NewScorer(cache FeatureCache, sink PredictionSink, log *slog.Logger) *Scorer {
	return &Scorer{cache: cache, sink: sink, log: log}
}

// Reload atomically installs b. In-flight scores keep the bundle they
// started with.
func (s *Scorer) Reload(b *Bundle) {
	s.bundle.Store(b)
}

// Bundle returns the currently installed bundle, or nil.
func (s *Scorer) Bundle() *Bundle {
	return s.bundle.Load()
}

// Score evaluates in and always returns a Result.
func (s *Scorer) Score(ctx context.Context, in Input) Result {
	res := s.score(ctx, in)
	if s.sink != nil {
		s.sink.Record(ctx, in, res)
	}
	return res
}

func (s *Scorer) score(ctx context.Context, in Input) Result {
	b := s.bundle.Load()
	if b == nil {
		return s.fallback(in, "no model bundle loaded")
	}

	raw := NewRawInput(in.Timestamp, in.LogSource, in.EventType, in.RawLog)
	features := s.features(ctx, raw)

	scaled, err := b.Scaler.Transform(features)
	if err != nil {
		return s.fallback(in, err.Error())
	}
	anomaly, err := b.Anomaly.Score(scaled)
	if err != nil {
		return s.fallback(in, err.Error())
	}

	label, confidence := "", 0.0
	if authLike(in) {
		if l, conf, err := b.Classifier.Predict(scaled); err == nil {
			label, confidence = l, conf
		} else {
			s.log.Warn("classifier skipped", "error", err)
		}
	}
	if label == "" {
		label = inferLabel(in)
		confidence = 0.5
	}

	risk := 100 * clip01(0.55*anomaly+0.45*confidence*labelWeight(label))
	return Result{
		MLAvailable:  true,
		AnomalyScore: anomaly,
		Label:        label,
		Confidence:   confidence,
		RiskScore:    risk,
	}
}

// features returns the (possibly cached) engineered vector for raw.
func (s *Scorer) features(ctx context.Context, raw RawInput) []float64 {
	if s.cache == nil {
		return Extract(raw)
	}
	key := raw.CacheKey()
	if cached, ok := s.cache.Get(ctx, key); ok {
		return cached
	}
	features := Extract(raw)
	s.cache.Put(ctx, key, features)
	return features
}

// fallback builds the degraded result: risk from the severity hint, label
// from the threat hint or event type.
func (s *Scorer) fallback(in Input, reason string) Result {
	s.log.Debug("ml unavailable, rule-based risk", "reason", reason, "source_ip", in.SourceIP)
	return Result{
		MLAvailable: false,
		Label:       inferLabel(in),
		RiskScore:   hintRisk(in.SeverityHint),
	}
}

// hintRisk is the rule-based risk estimate used when models are down.
func hintRisk(sev event.Severity) float64 {
	switch sev {
	case event.SeverityCritical:
		return 85
	case event.SeverityHigh:
		return 65
	case event.SeverityMedium:
		return 45
	default:
		return 25
	}
}

// authLike reports whether the classifier applies to this input.
func authLike(in Input) bool {
	return strings.Contains(strings.ToLower(in.LogSource), "auth") ||
		strings.HasPrefix(in.EventType, "SSH_")
}

// inferLabel derives a label from the threat hint, the event type, or the
// severity hint, in that order.
func inferLabel(in Input) string {
	for _, hint := range []string{in.ThreatTypeHint, in.EventType} {
		up := strings.ToUpper(hint)
		switch {
		case strings.Contains(up, "BRUTE_FORCE") || strings.Contains(up, "FAILED_LOGIN"):
			return LabelBruteForce
		case strings.Contains(up, "DDOS") || strings.Contains(up, "FLOOD"):
			return LabelDDoS
		case strings.Contains(up, "PORT_SCAN"):
			return LabelPortScan
		case strings.Contains(up, "SQL_INJECTION"):
			return LabelSQLInjection
		case strings.Contains(up, "SUSPICIOUS"):
			return LabelSuspicious
		}
	}
	if in.SeverityHint.Level() >= event.SeverityHigh.Level() {
		return LabelSuspicious
	}
	return LabelNormal
}

// AdjustSeverity applies the false-positive step-down policy: a confident
// NORMAL verdict with low anomaly drops the rule-based severity one rank,
// never below LOW.
func AdjustSeverity(sev event.Severity, res Result) event.Severity {
	if res.MLAvailable && res.Label == LabelNormal && res.Confidence >= 0.80 && res.AnomalyScore <= 0.30 {
		return sev.StepDown()
	}
	return sev
}
