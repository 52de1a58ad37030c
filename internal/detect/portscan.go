package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/server/storage"
)

// Caps on the per-window samples kept for reporting.
const (
	maxWindowAttempts = 50
	maxWindowPorts    = 50
)

// PortScanParams configures a port-scan detection pass.
type PortScanParams struct {
	WindowMinutes        int
	UniquePortsThreshold int
	MinTotalAttempts     int
	SourceIP             string
	Protocol             string
	Start                time.Time
	End                  time.Time
}

func (p *PortScanParams) applyDefaults() {
	if p.WindowMinutes <= 0 {
		p.WindowMinutes = 10
	}
	if p.UniquePortsThreshold <= 0 {
		p.UniquePortsThreshold = 10
	}
	if p.MinTotalAttempts <= 0 {
		p.MinTotalAttempts = 20
	}
}

// PortScan looks for source IPs probing many distinct destination ports
// within a sliding window. Only events carrying a destination port count.
func PortScan(ctx context.Context, scanner EventScanner, p PortScanParams, now func() time.Time) ([]Detection, error) {
	p.applyDefaults()
	start, end := anchor(p.Start, p.End, 24*time.Hour, now)

	evts, err := scanner.ScanRange(ctx, start, end, storage.ScanFilter{
		SourceIP:    p.SourceIP,
		Protocol:    p.Protocol,
		RequirePort: true,
	})
	if err != nil {
		return nil, fmt.Errorf("port scan: %w", err)
	}

	window := time.Duration(p.WindowMinutes) * time.Minute
	groups, order := groupBySourceIP(evts)

	uniquePorts := func(w []event.Event) map[int]int {
		ports := map[int]int{}
		for _, ev := range w {
			ports[ev.DestinationPort]++
		}
		return ports
	}

	var detections []Detection
	for _, ip := range order {
		group := groups[ip]
		if len(group) < p.MinTotalAttempts {
			continue
		}

		var windows []Window
		walkWindows(group, window,
			func(w []event.Event) bool { return len(uniquePorts(w)) >= p.UniquePortsThreshold },
			func(w []event.Event) {
				ports := sortedPortKeys(uniquePorts(w))
				win := Window{
					Start:       w[0].Timestamp,
					End:         w[len(w)-1].Timestamp,
					Count:       len(w),
					UniquePorts: len(ports),
				}
				if len(ports) > maxWindowPorts {
					ports = ports[:maxWindowPorts]
				}
				win.Ports = ports
				attempts := w
				if len(attempts) > maxWindowAttempts {
					attempts = attempts[:maxWindowAttempts]
				}
				win.Attempts = append([]event.Event(nil), attempts...)
				windows = append(windows, win)
			})
		if len(windows) == 0 {
			continue
		}

		allPorts := uniquePorts(group)
		sample := group[len(group)-1]
		detections = append(detections, Detection{
			AlertType:            TypePortScan,
			SourceIP:             ip,
			Severity:             portScanSeverity(len(allPorts), len(windows), len(group)),
			FirstSeen:            group[0].Timestamp,
			LastSeen:             group[len(group)-1].Timestamp,
			Windows:              windows,
			TotalAttempts:        len(group),
			UniquePortsAttempted: len(allPorts),
			TargetPorts:          sortedPortKeys(allPorts),
			Sample:               &sample,
		})
	}

	sortDetections(detections)
	return detections, nil
}

func portScanSeverity(uniquePorts, windowCount, totalAttempts int) event.Severity {
	switch {
	case uniquePorts >= 50 || windowCount >= 6 || totalAttempts >= 500:
		return event.SeverityCritical
	case uniquePorts >= 25 || windowCount >= 4 || totalAttempts >= 200:
		return event.SeverityHigh
	case uniquePorts >= 10 || windowCount >= 2 || totalAttempts >= 50:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}
