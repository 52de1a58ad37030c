// Package ml provides the risk scorer used by the notification and
// auto-block pipelines: a feature extractor over raw log lines, an anomaly
// model with percentile calibration, a Gaussian naive Bayes classifier for
// auth-like events, and the artifact lifecycle (versioned snapshots,
// retrain, rollback). Model artifacts are JSON blobs on disk; inference
// reads a bundle behind an atomic pointer so reloads never expose a
// half-swapped model set.
package ml

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// RawInput is the single-row model input assembled from an event.
type RawInput struct {
	Month     string `json:"month"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Component string `json:"component"` // log source
	Content   string `json:"content"`   // raw log line
	EventID   string `json:"event_id"`  // event type
}

// NewRawInput builds the model input from event context. A zero timestamp
// leaves the calendar fields empty, which the extractor treats as hour 0.
func NewRawInput(ts time.Time, logSource, eventType, rawLog string) RawInput {
	in := RawInput{
		Component: logSource,
		Content:   rawLog,
		EventID:   eventType,
	}
	if !ts.IsZero() {
		ts = ts.UTC()
		in.Month = ts.Format("Jan")
		in.Date = fmt.Sprintf("%d", ts.Day())
		in.Time = ts.Format("15:04:05")
	}
	return in
}

// CacheKey is the deterministic digest of an input, stable across process
// restarts. Fields are length-prefixed so no two inputs collide by
// concatenation.
func (in RawInput) CacheKey() string {
	h := sha256.New()
	for _, f := range []string{in.Month, in.Date, in.Time, in.Component, in.Content, in.EventID} {
		fmt.Fprintf(h, "%d:%s;", len(f), f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FeatureNames is the fixed, ordered schema of the engineered feature
// vector. Training and inference share it; the feature cache is versioned
// by SchemaHash and invalidated wholesale when the schema changes, so a
// cached vector always matches what the scaler was trained on.
var FeatureNames = []string{
	"content_length",
	"word_count",
	"digit_ratio",
	"special_ratio",
	"upper_ratio",
	"hour_of_day",
	"has_failure_term",
	"has_denial_term",
	"has_sql_term",
	"is_auth_source",
	"port_mentions",
}

// SchemaHash identifies the current feature schema.
func SchemaHash() string {
	h := sha256.New()
	for _, name := range FeatureNames {
		fmt.Fprintf(h, "%s\n", name)
	}
	return hex.EncodeToString(h.Sum(nil))
}

var (
	failureTerms = []string{"failed", "failure", "invalid", "incorrect", "error"}
	denialTerms  = []string{"denied", "refused", "blocked", "reject", "drop"}
	sqlTerms     = []string{"select", "union", "insert", "drop table", "exec", "sql"}
)

// Extract computes the engineered feature vector for in, in FeatureNames
// order.
func Extract(in RawInput) []float64 {
	content := in.Content
	lower := strings.ToLower(content)

	var digits, specials, uppers int
	for _, r := range content {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsUpper(r):
			uppers++
		case !unicode.IsLetter(r) && !unicode.IsSpace(r):
			specials++
		}
	}
	length := len(content)
	ratio := func(n int) float64 {
		if length == 0 {
			return 0
		}
		return float64(n) / float64(length)
	}

	hour := 0.0
	if len(in.Time) >= 2 {
		var h int
		if _, err := fmt.Sscanf(in.Time[:2], "%d", &h); err == nil && h >= 0 && h < 24 {
			hour = float64(h)
		}
	}

	return []float64{
		float64(length),
		float64(len(strings.Fields(content))),
		ratio(digits),
		ratio(specials),
		ratio(uppers),
		hour,
		boolFeature(containsAny(lower, failureTerms)),
		boolFeature(containsAny(lower, denialTerms)),
		boolFeature(containsAny(lower, sqlTerms)),
		boolFeature(strings.Contains(strings.ToLower(in.Component), "auth")),
		float64(strings.Count(lower, "port")),
	}
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
