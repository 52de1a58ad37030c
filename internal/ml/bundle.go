package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Artifact file names inside the model directory. Snapshots copy exactly
// this set; rollback restores it.
const (
	AnomalyFile       = "anomaly_model.json"
	ClassifierFile    = "classifier.json"
	ScalerFile        = "scaler.json"
	LabelEncoderFile  = "label_encoder.json"
	AnomalyMetrics    = "anomaly_metrics.json"
	ClassifierMetrics = "classifier_metrics.json"
	MetadataFile      = "metadata.json"
)

// ArtifactFiles lists every file a version snapshot carries.
var ArtifactFiles = []string{
	AnomalyFile, ClassifierFile, ScalerFile, LabelEncoderFile,
	AnomalyMetrics, ClassifierMetrics, MetadataFile,
}

// ErrArtifactMissing is returned when a required model artifact cannot be
// read; the scorer degrades to rule-based risk instead of failing.
var ErrArtifactMissing = errors.New("model artifact missing")

// Scaler standardizes feature vectors with per-feature mean and standard
// deviation learned at training time. Features records the trained schema
// hash; a vector from a cache with a different schema must never reach
// Transform.
type Scaler struct {
	SchemaHash string    `json:"schema_hash"`
	Mean       []float64 `json:"mean"`
	Std        []float64 `json:"std"`
}

// Transform standardizes x in place-safe copy form.
func (s *Scaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) || len(x) != len(s.Std) {
		return nil, fmt.Errorf("scaler: vector length %d, trained on %d", len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for i := range x {
		std := s.Std[i]
		if std == 0 {
			std = 1
		}
		out[i] = (x[i] - s.Mean[i]) / std
	}
	return out, nil
}

// AnomalyModel scores scaled vectors by mean absolute deviation from the
// training distribution, then maps the raw score onto [0,1] via stored
// percentile calibration.
type AnomalyModel struct {
	Center []float64 `json:"center"`
	Scale  []float64 `json:"scale"`
	QLow   float64   `json:"q_low"`
	QHigh  float64   `json:"q_high"`
}

// Raw returns the uncalibrated decision value for a scaled vector.
func (m *AnomalyModel) Raw(x []float64) (float64, error) {
	if len(x) != len(m.Center) {
		return 0, fmt.Errorf("anomaly model: vector length %d, trained on %d", len(x), len(m.Center))
	}
	var sum float64
	for i := range x {
		scale := m.Scale[i]
		if scale == 0 {
			scale = 1
		}
		sum += math.Abs(x[i]-m.Center[i]) / scale
	}
	return sum / float64(len(x)), nil
}

// Score calibrates the raw decision value to [0,1].
func (m *AnomalyModel) Score(x []float64) (float64, error) {
	raw, err := m.Raw(x)
	if err != nil {
		return 0, err
	}
	span := m.QHigh - m.QLow
	if span <= 0 {
		span = 1
	}
	return clip01((raw - m.QLow) / span), nil
}

// Classifier is a Gaussian naive Bayes model over the scaled feature
// vector. It only applies to auth-like inputs; other events skip it.
type Classifier struct {
	Classes  []string    `json:"classes"`
	Priors   []float64   `json:"priors"`   // log priors
	Means    [][]float64 `json:"means"`    // [class][feature]
	Variance [][]float64 `json:"variance"` // [class][feature]
}

// Predict returns the most probable class and its normalized confidence.
func (c *Classifier) Predict(x []float64) (string, float64, error) {
	if len(c.Classes) == 0 {
		return "", 0, errors.New("classifier: no classes")
	}
	logProbs := make([]float64, len(c.Classes))
	for k := range c.Classes {
		if len(x) != len(c.Means[k]) {
			return "", 0, fmt.Errorf("classifier: vector length %d, trained on %d", len(x), len(c.Means[k]))
		}
		lp := c.Priors[k]
		for i := range x {
			v := c.Variance[k][i]
			if v < 1e-9 {
				v = 1e-9
			}
			d := x[i] - c.Means[k][i]
			lp += -0.5*math.Log(2*math.Pi*v) - d*d/(2*v)
		}
		logProbs[k] = lp
	}

	// Softmax over log probabilities for a normalized confidence.
	maxLP := logProbs[0]
	best := 0
	for k, lp := range logProbs {
		if lp > maxLP {
			maxLP, best = lp, k
		}
	}
	var total float64
	for _, lp := range logProbs {
		total += math.Exp(lp - maxLP)
	}
	return c.Classes[best], 1.0 / total, nil
}

// LabelEncoder maps classifier outputs back to label strings.
type LabelEncoder struct {
	Labels []string `json:"labels"`
}

// Metadata describes one artifact set: why it was produced, the SHA-256 of
// each artifact, and whether the set was activated.
type Metadata struct {
	Reason    string            `json:"reason"`
	RunID     string            `json:"run_id,omitempty"`
	CreatedAt string            `json:"created_at"`
	Artifacts map[string]string `json:"artifacts"` // name -> sha256
	Activated bool              `json:"activated"`
}

// Bundle is one consistent, fully loaded model set. Bundles are immutable
// after load; reloads swap the scorer's pointer to a new Bundle.
type Bundle struct {
	Scaler     Scaler
	Anomaly    AnomalyModel
	Classifier Classifier
	Labels     LabelEncoder
	Version    string
}

// LoadBundle reads the four model artifacts from dir. A missing or
// unreadable artifact returns ErrArtifactMissing (wrapped); the caller
// keeps serving the previous bundle or degrades.
func LoadBundle(dir string) (*Bundle, error) {
	var b Bundle
	for _, load := range []struct {
		file string
		dst  any
	}{
		{ScalerFile, &b.Scaler},
		{AnomalyFile, &b.Anomaly},
		{ClassifierFile, &b.Classifier},
		{LabelEncoderFile, &b.Labels},
	} {
		if err := readJSON(filepath.Join(dir, load.file), load.dst); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrArtifactMissing, load.file, err)
		}
	}
	if b.Scaler.SchemaHash != SchemaHash() {
		return nil, fmt.Errorf("%w: scaler trained on schema %.8s, current %.8s",
			ErrArtifactMissing, b.Scaler.SchemaHash, SchemaHash())
	}
	b.Version = activeVersion(dir)
	return &b, nil
}

func readJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func writeJSON(path string, src any) error {
	data, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func clip01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
