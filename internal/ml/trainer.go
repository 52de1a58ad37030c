package ml

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/server/storage"
)

// EventSource supplies training data. *storage.Store satisfies it.
type EventSource interface {
	ScanRange(ctx context.Context, from, to time.Time, f storage.ScanFilter) ([]event.Event, error)
}

// minTrainingSamples is the floor below which training refuses to produce
// artifacts; a model fit on a handful of lines is worse than none.
const minTrainingSamples = 50

// Trainer fits the anomaly model and classifier from recent stored events
// and writes the artifact set to the model directory.
type Trainer struct {
	source   EventSource
	lookback time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewTrainer builds a trainer that fits on the last lookback of events
// (default 7 days).
func NewTrainer(source EventSource, lookback time.Duration, log *slog.Logger) *Trainer {
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return &Trainer{source: source, lookback: lookback, log: log, now: time.Now}
}

// Train fits the requested models and writes artifacts into dir. The
// scaler and label encoder are always rewritten so the set stays
// internally consistent.
func (t *Trainer) Train(ctx context.Context, dir string, doAnomaly, doClassifier bool) error {
	end := t.now().UTC()
	events, err := t.source.ScanRange(ctx, end.Add(-t.lookback), end, storage.ScanFilter{})
	if err != nil {
		return fmt.Errorf("train: load events: %w", err)
	}
	if len(events) < minTrainingSamples {
		return fmt.Errorf("train: %d events below minimum %d", len(events), minTrainingSamples)
	}

	vectors := make([][]float64, len(events))
	labels := make([]string, len(events))
	for i, ev := range events {
		vectors[i] = Extract(NewRawInput(ev.Timestamp, ev.LogSource, ev.EventType, ev.RawLog))
		labels[i] = inferLabel(Input{EventType: ev.EventType, SeverityHint: ev.Severity})
	}

	scaler := fitScaler(vectors)
	scaled := make([][]float64, len(vectors))
	for i, v := range vectors {
		scaled[i], _ = scaler.Transform(v)
	}

	if err := writeJSON(filepath.Join(dir, ScalerFile), scaler); err != nil {
		return fmt.Errorf("train: write scaler: %w", err)
	}

	if doAnomaly {
		anomaly, metrics := fitAnomaly(scaled)
		if err := writeJSON(filepath.Join(dir, AnomalyFile), anomaly); err != nil {
			return fmt.Errorf("train: write anomaly model: %w", err)
		}
		if err := writeJSON(filepath.Join(dir, AnomalyMetrics), metrics); err != nil {
			return fmt.Errorf("train: write anomaly metrics: %w", err)
		}
	}

	if doClassifier {
		clf, metrics := fitClassifier(scaled, labels)
		if err := writeJSON(filepath.Join(dir, ClassifierFile), clf); err != nil {
			return fmt.Errorf("train: write classifier: %w", err)
		}
		if err := writeJSON(filepath.Join(dir, ClassifierMetrics), metrics); err != nil {
			return fmt.Errorf("train: write classifier metrics: %w", err)
		}
		if err := writeJSON(filepath.Join(dir, LabelEncoderFile), LabelEncoder{Labels: clf.Classes}); err != nil {
			return fmt.Errorf("train: write label encoder: %w", err)
		}
	}

	t.log.Info("training complete", "samples", len(events),
		"anomaly", doAnomaly, "classifier", doClassifier)
	return nil
}

func fitScaler(vectors [][]float64) Scaler {
	n := len(FeatureNames)
	mean := make([]float64, n)
	std := make([]float64, n)
	for _, v := range vectors {
		for i := range mean {
			mean[i] += v[i]
		}
	}
	for i := range mean {
		mean[i] /= float64(len(vectors))
	}
	for _, v := range vectors {
		for i := range std {
			d := v[i] - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(vectors)))
		if std[i] == 0 {
			std[i] = 1
		}
	}
	return Scaler{SchemaHash: SchemaHash(), Mean: mean, Std: std}
}

// anomalyMetricsDoc is the metrics file written next to the anomaly model.
type anomalyMetricsDoc struct {
	Samples int     `json:"samples"`
	QLow    float64 `json:"q_low"`
	QHigh   float64 `json:"q_high"`
	MeanRaw float64 `json:"mean_raw"`
}

// fitAnomaly learns per-feature center (median) and scale (MAD) on the
// scaled training set, then calibrates the raw score range to the 5th and
// 95th percentiles.
func fitAnomaly(scaled [][]float64) (AnomalyModel, anomalyMetricsDoc) {
	n := len(FeatureNames)
	center := make([]float64, n)
	scale := make([]float64, n)

	col := make([]float64, len(scaled))
	for i := 0; i < n; i++ {
		for j, v := range scaled {
			col[j] = v[i]
		}
		center[i] = median(col)
		for j, v := range scaled {
			col[j] = math.Abs(v[i] - center[i])
		}
		scale[i] = median(col)
		if scale[i] == 0 {
			scale[i] = 1
		}
	}

	m := AnomalyModel{Center: center, Scale: scale}
	raws := make([]float64, len(scaled))
	var sum float64
	for i, v := range scaled {
		raws[i], _ = m.Raw(v)
		sum += raws[i]
	}
	sort.Float64s(raws)
	m.QLow = percentile(raws, 0.05)
	m.QHigh = percentile(raws, 0.95)
	if m.QHigh <= m.QLow {
		m.QHigh = m.QLow + 1
	}

	return m, anomalyMetricsDoc{
		Samples: len(scaled),
		QLow:    m.QLow,
		QHigh:   m.QHigh,
		MeanRaw: sum / float64(len(scaled)),
	}
}

// classifierMetricsDoc is the metrics file written next to the classifier.
type classifierMetricsDoc struct {
	Samples       int            `json:"samples"`
	Classes       []string       `json:"classes"`
	ClassCounts   map[string]int `json:"class_counts"`
	TrainAccuracy float64        `json:"train_accuracy"`
}

// fitClassifier trains a Gaussian naive Bayes model over the scaled
// vectors with labels inferred from event types.
func fitClassifier(scaled [][]float64, labels []string) (Classifier, classifierMetricsDoc) {
	counts := map[string]int{}
	for _, l := range labels {
		counts[l]++
	}
	classes := make([]string, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	classIdx := map[string]int{}
	for i, c := range classes {
		classIdx[c] = i
	}

	n := len(FeatureNames)
	clf := Classifier{
		Classes:  classes,
		Priors:   make([]float64, len(classes)),
		Means:    make([][]float64, len(classes)),
		Variance: make([][]float64, len(classes)),
	}
	for k, c := range classes {
		clf.Priors[k] = math.Log(float64(counts[c]) / float64(len(labels)))
		clf.Means[k] = make([]float64, n)
		clf.Variance[k] = make([]float64, n)
	}

	for i, v := range scaled {
		k := classIdx[labels[i]]
		for f := range v {
			clf.Means[k][f] += v[f]
		}
	}
	for k, c := range classes {
		for f := range clf.Means[k] {
			clf.Means[k][f] /= float64(counts[c])
		}
	}
	for i, v := range scaled {
		k := classIdx[labels[i]]
		for f := range v {
			d := v[f] - clf.Means[k][f]
			clf.Variance[k][f] += d * d
		}
	}
	for k, c := range classes {
		for f := range clf.Variance[k] {
			clf.Variance[k][f] /= float64(counts[c])
			if clf.Variance[k][f] < 1e-9 {
				clf.Variance[k][f] = 1e-9
			}
		}
	}

	correct := 0
	for i, v := range scaled {
		if pred, _, err := clf.Predict(v); err == nil && pred == labels[i] {
			correct++
		}
	}

	return clf, classifierMetricsDoc{
		Samples:       len(scaled),
		Classes:       classes,
		ClassCounts:   counts,
		TrainAccuracy: float64(correct) / float64(len(scaled)),
	}
}

func median(values []float64) float64 {
	tmp := append([]float64(nil), values...)
	sort.Float64s(tmp)
	mid := len(tmp) / 2
	if len(tmp)%2 == 0 {
		return (tmp[mid-1] + tmp[mid]) / 2
	}
	return tmp[mid]
}

// percentile reads the p-quantile from an ascending-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
