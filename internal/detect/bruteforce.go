package detect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/server/storage"
)

// BruteForceParams configures a brute-force scan. Zero values take the
// defaults; a zero time range anchors to now minus 24 hours.
type BruteForceParams struct {
	WindowMinutes int
	Threshold     int
	SourceIP      string
	Start         time.Time
	End           time.Time
}

func (p *BruteForceParams) applyDefaults() {
	if p.WindowMinutes <= 0 {
		p.WindowMinutes = 15
	}
	if p.Threshold <= 0 {
		p.Threshold = 5
	}
}

// BruteForce scans for repeated SSH login failures per source IP. An IP
// produces a Detection iff at least one greedy window of WindowMinutes
// contains Threshold or more failures.
func BruteForce(ctx context.Context, scanner EventScanner, p BruteForceParams, now func() time.Time) ([]Detection, error) {
	p.applyDefaults()
	start, end := anchor(p.Start, p.End, 24*time.Hour, now)

	evts, err := scanner.ScanRange(ctx, start, end, storage.ScanFilter{
		SourceIP:  p.SourceIP,
		EventType: event.TypeSSHFailedLogin,
	})
	if err != nil {
		return nil, fmt.Errorf("brute force scan: %w", err)
	}

	window := time.Duration(p.WindowMinutes) * time.Minute
	groups, order := groupBySourceIP(evts)

	var detections []Detection
	for _, ip := range order {
		group := groups[ip]

		var windows []Window
		walkWindows(group, window,
			func(w []event.Event) bool { return len(w) >= p.Threshold },
			func(w []event.Event) {
				windows = append(windows, Window{
					Start: w[0].Timestamp,
					End:   w[len(w)-1].Timestamp,
					Count: len(w),
				})
			})
		if len(windows) == 0 {
			continue
		}

		users := map[string]bool{}
		for _, ev := range group {
			if ev.Username != "" {
				users[ev.Username] = true
			}
		}
		usernames := make([]string, 0, len(users))
		for u := range users {
			usernames = append(usernames, u)
		}
		sort.Strings(usernames)

		sample := group[len(group)-1]
		detections = append(detections, Detection{
			AlertType:       TypeBruteForce,
			SourceIP:        ip,
			Severity:        bruteForceSeverity(len(group), len(windows)),
			FirstSeen:       group[0].Timestamp,
			LastSeen:        group[len(group)-1].Timestamp,
			Windows:         windows,
			TotalAttempts:   len(group),
			UniqueUsernames: len(usernames),
			Usernames:       usernames,
			Sample:          &sample,
		})
	}

	sortDetections(detections)
	return detections, nil
}

func bruteForceSeverity(totalAttempts, windowCount int) event.Severity {
	switch {
	case totalAttempts >= 50 || windowCount >= 5:
		return event.SeverityCritical
	case totalAttempts >= 20 || windowCount >= 3:
		return event.SeverityHigh
	case totalAttempts >= 10:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}
