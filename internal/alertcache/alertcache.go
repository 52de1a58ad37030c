// Package alertcache materializes detector output into bucketed Alert rows.
// Dashboard and notification reads go through get-or-compute: a fresh
// bucket is served from the store, a stale one triggers one full detector
// pass whose results are upserted under the bucket key. Concurrent callers
// on the same bucket may race; keyed upserts make the last writer win and
// both callers return a consistent set.
package alertcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/logwarden/logwarden/internal/detect"
	"github.com/logwarden/logwarden/internal/server/storage"
)

// Defaults for the bucketing scheme. Lowering Freshness without indexing
// work regresses dashboard latency, so both are fixed here and surfaced in
// config rather than hard-coded at call sites.
const (
	DefaultBucketMinutes = 5
	Freshness            = 120 * time.Second
)

// AlertStore is the slice of the storage layer the cache needs.
type AlertStore interface {
	AlertsAt(ctx context.Context, bucketEnd time.Time, lookbackSeconds int, freshAfter time.Time) ([]storage.Alert, error)
	UpsertAlert(ctx context.Context, a storage.Alert) error
}

// Cache runs the three detectors on demand and memoizes their output in the
// alert store, keyed by (bucket_end, lookback, type, source_ip).
type Cache struct {
	store      AlertStore
	scanner    detect.EventScanner
	reputation *detect.ReputationCache
	log        *slog.Logger
	now        func() time.Time
}

// New assembles a Cache. reputation may be nil to disable enrichment.
func New(store AlertStore, scanner detect.EventScanner, reputation *detect.ReputationCache, log *slog.Logger) *Cache {
	return &Cache{
		store:      store,
		scanner:    scanner,
		reputation: reputation,
		log:        log,
		now:        time.Now,
	}
}

// BucketEnd floors t to the bucketMinutes boundary.
func BucketEnd(t time.Time, bucketMinutes int) time.Time {
	if bucketMinutes <= 0 {
		bucketMinutes = DefaultBucketMinutes
	}
	return t.UTC().Truncate(time.Duration(bucketMinutes) * time.Minute)
}

// GetOrCompute returns the alerts for the current bucket. A bucket whose
// entries were computed within Freshness is served as-is; otherwise all
// three detectors run over [bucket_end - lookback, bucket_end] and their
// detections are converted and upserted. Either way the result is sorted
// severity-first (CRITICAL at the top), then last_seen descending.
func (c *Cache) GetOrCompute(ctx context.Context, lookback time.Duration, bucketMinutes int) ([]storage.Alert, error) {
	now := c.now().UTC()
	bucketEnd := BucketEnd(now, bucketMinutes)
	lookbackSeconds := int(lookback / time.Second)

	cached, err := c.store.AlertsAt(ctx, bucketEnd, lookbackSeconds, now.Add(-Freshness))
	if err != nil {
		return nil, fmt.Errorf("alert cache read: %w", err)
	}
	if len(cached) > 0 {
		return cached, nil
	}

	start := bucketEnd.Add(-lookback)
	detections, err := c.runDetectors(ctx, start, bucketEnd)
	if err != nil {
		return nil, err
	}
	if c.reputation != nil {
		c.reputation.Enrich(ctx, detections)
	}

	alerts := make([]storage.Alert, 0, len(detections))
	for _, d := range detections {
		a, err := toAlert(d, bucketEnd, lookbackSeconds, now)
		if err != nil {
			c.log.Warn("skipping unconvertible detection", "alert_type", d.AlertType, "error", err)
			continue
		}
		if err := c.store.UpsertAlert(ctx, a); err != nil {
			return nil, fmt.Errorf("alert cache write: %w", err)
		}
		alerts = append(alerts, a)
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := alerts[i].Severity.Rank(), alerts[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return alerts[i].LastSeen.After(alerts[j].LastSeen)
	})
	return alerts, nil
}

func (c *Cache) runDetectors(ctx context.Context, start, end time.Time) ([]detect.Detection, error) {
	var all []detect.Detection

	bf, err := detect.BruteForce(ctx, c.scanner, detect.BruteForceParams{Start: start, End: end}, c.now)
	if err != nil {
		return nil, fmt.Errorf("brute force detector: %w", err)
	}
	all = append(all, bf...)

	fl, err := detect.Flood(ctx, c.scanner, detect.FloodParams{Start: start, End: end}, c.now)
	if err != nil {
		return nil, fmt.Errorf("flood detector: %w", err)
	}
	all = append(all, fl...)

	ps, err := detect.PortScan(ctx, c.scanner, detect.PortScanParams{Start: start, End: end}, c.now)
	if err != nil {
		return nil, fmt.Errorf("port scan detector: %w", err)
	}
	all = append(all, ps...)

	return all, nil
}

// multipleIPs is the source-IP placeholder for detections with no single
// attacking address.
const multipleIPs = "Multiple IPs"

// toAlert converts a Detection into its stored Alert form. Details carries
// the full detection document.
func toAlert(d detect.Detection, bucketEnd time.Time, lookbackSeconds int, computedAt time.Time) (storage.Alert, error) {
	details, err := json.Marshal(d)
	if err != nil {
		return storage.Alert{}, fmt.Errorf("marshal detection: %w", err)
	}

	sourceIP := d.SourceIP
	if sourceIP == "" {
		sourceIP = multipleIPs
	}

	var (
		desc  string
		count int
	)
	switch d.AlertType {
	case detect.TypeBruteForce:
		count = d.TotalAttempts
		desc = fmt.Sprintf("Brute force attack from %s: %d failed login attempts across %d usernames",
			d.SourceIP, d.TotalAttempts, d.UniqueUsernames)
	case detect.TypeSingleIPFlood:
		count = d.TotalRequests
		desc = fmt.Sprintf("Flood from %s: %d requests, peak %.0f req/min",
			d.SourceIP, d.TotalRequests, d.PeakRatePerMin)
	case detect.TypeDistributedFlood:
		count = d.TotalRequests
		desc = fmt.Sprintf("Distributed flood against port %d/%s: %d requests from %d unique IPs",
			d.DestinationPort, d.Protocol, d.TotalRequests, d.PeakUniqueIPs)
	case detect.TypePortScan:
		count = d.TotalAttempts
		desc = fmt.Sprintf("Port scan from %s: %d distinct ports probed in %d attempts",
			d.SourceIP, d.UniquePortsAttempted, d.TotalAttempts)
	default:
		return storage.Alert{}, fmt.Errorf("unknown alert type %q", d.AlertType)
	}

	return storage.Alert{
		BucketEnd:       bucketEnd,
		LookbackSeconds: lookbackSeconds,
		AlertType:       d.AlertType,
		SourceIP:        sourceIP,
		Severity:        d.Severity,
		FirstSeen:       d.FirstSeen,
		LastSeen:        d.LastSeen,
		Count:           count,
		Description:     desc,
		Details:         details,
		ComputedAt:      computedAt,
	}, nil
}
