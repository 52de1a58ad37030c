package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/server/storage"
)

// FloodParams configures a flood scan. Both sub-detectors (single-IP and
// distributed) run over the same event slice.
type FloodParams struct {
	WindowSeconds        int
	SingleIPThreshold    int
	DistributedIPCount   int
	DistributedThreshold int
	DestinationPort      int
	Protocol             string
	Start                time.Time
	End                  time.Time
}

func (p *FloodParams) applyDefaults() {
	if p.WindowSeconds <= 0 {
		p.WindowSeconds = 60
	}
	if p.SingleIPThreshold <= 0 {
		p.SingleIPThreshold = 100
	}
	if p.DistributedIPCount <= 0 {
		p.DistributedIPCount = 10
	}
	if p.DistributedThreshold <= 0 {
		p.DistributedThreshold = 500
	}
}

// Flood runs both flood sub-detectors over the range and returns their
// combined detections sorted by severity then peak rate.
func Flood(ctx context.Context, scanner EventScanner, p FloodParams, now func() time.Time) ([]Detection, error) {
	p.applyDefaults()
	start, end := anchor(p.Start, p.End, 24*time.Hour, now)

	evts, err := scanner.ScanRange(ctx, start, end, storage.ScanFilter{
		DestinationPort: p.DestinationPort,
		Protocol:        p.Protocol,
	})
	if err != nil {
		return nil, fmt.Errorf("flood scan: %w", err)
	}

	detections := singleIPFloods(evts, p)
	detections = append(detections, distributedFloods(evts, p)...)
	sortDetections(detections)
	return detections, nil
}

// ratePerMin converts a window event count to requests per minute.
func ratePerMin(count, windowSeconds int) float64 {
	return float64(count) / (float64(windowSeconds) / 60.0)
}

// singleIPFloods groups by source IP and looks for windows whose event
// count reaches SingleIPThreshold.
func singleIPFloods(evts []event.Event, p FloodParams) []Detection {
	window := time.Duration(p.WindowSeconds) * time.Second
	groups, order := groupBySourceIP(evts)

	var detections []Detection
	for _, ip := range order {
		group := groups[ip]
		if len(group) < p.SingleIPThreshold {
			continue
		}

		var windows []Window
		walkWindows(group, window,
			func(w []event.Event) bool { return len(w) >= p.SingleIPThreshold },
			func(w []event.Event) {
				ports := map[int]int{}
				protos := map[string]int{}
				for _, ev := range w {
					if ev.DestinationPort != 0 {
						ports[ev.DestinationPort]++
					}
					if ev.Protocol != "" {
						protos[ev.Protocol]++
					}
				}
				windows = append(windows, Window{
					Start:             w[0].Timestamp,
					End:               w[len(w)-1].Timestamp,
					Count:             len(w),
					RequestRatePerMin: ratePerMin(len(w), p.WindowSeconds),
					TargetPorts:       ports,
					Protocols:         protos,
				})
			})
		if len(windows) == 0 {
			continue
		}

		var peak, sum float64
		allPorts := map[int]int{}
		allProtos := map[string]int{}
		for _, w := range windows {
			if w.RequestRatePerMin > peak {
				peak = w.RequestRatePerMin
			}
			sum += w.RequestRatePerMin
			for port, c := range w.TargetPorts {
				allPorts[port] += c
			}
			for proto, c := range w.Protocols {
				allProtos[proto] += c
			}
		}

		sample := group[len(group)-1]
		detections = append(detections, Detection{
			AlertType:      TypeSingleIPFlood,
			SourceIP:       ip,
			Severity:       singleIPFloodSeverity(peak, len(windows)),
			FirstSeen:      group[0].Timestamp,
			LastSeen:       group[len(group)-1].Timestamp,
			Windows:        windows,
			TotalRequests:  len(group),
			PeakRatePerMin: peak,
			AvgRatePerMin:  sum / float64(len(windows)),
			TargetPorts:    sortedPortKeys(allPorts),
			Protocols:      sortedProtoKeys(allProtos),
			Sample:         &sample,
		})
	}
	return detections
}

// distributedFloods groups by (destination_port, protocol) and looks for
// windows that are both large enough and spread across enough distinct
// source IPs.
func distributedFloods(evts []event.Event, p FloodParams) []Detection {
	window := time.Duration(p.WindowSeconds) * time.Second

	type targetKey struct {
		port  int
		proto string
	}
	groups := map[targetKey][]event.Event{}
	var order []targetKey
	for _, ev := range evts {
		k := targetKey{port: ev.DestinationPort, proto: ev.Protocol}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], ev)
	}

	uniqueIPs := func(w []event.Event) map[string]int {
		ips := map[string]int{}
		for _, ev := range w {
			ips[ev.SourceIP]++
		}
		return ips
	}

	var detections []Detection
	for _, k := range order {
		group := groups[k]
		if len(group) < p.DistributedThreshold {
			continue
		}

		var windows []Window
		attackers := map[string]int{}
		walkWindows(group, window,
			func(w []event.Event) bool {
				return len(w) >= p.DistributedThreshold && len(uniqueIPs(w)) >= p.DistributedIPCount
			},
			func(w []event.Event) {
				ips := uniqueIPs(w)
				for ip, c := range ips {
					attackers[ip] += c
				}
				windows = append(windows, Window{
					Start:             w[0].Timestamp,
					End:               w[len(w)-1].Timestamp,
					Count:             len(w),
					RequestRatePerMin: ratePerMin(len(w), p.WindowSeconds),
					UniqueIPs:         len(ips),
					TopIPs:            topIPCounts(ips, 10),
				})
			})
		if len(windows) == 0 {
			continue
		}

		var peakRate float64
		peakIPs := 0
		for _, w := range windows {
			if w.RequestRatePerMin > peakRate {
				peakRate = w.RequestRatePerMin
			}
			if w.UniqueIPs > peakIPs {
				peakIPs = w.UniqueIPs
			}
		}

		sample := group[len(group)-1]
		detections = append(detections, Detection{
			AlertType:       TypeDistributedFlood,
			Severity:        distributedFloodSeverity(peakRate, peakIPs, len(windows)),
			FirstSeen:       group[0].Timestamp,
			LastSeen:        group[len(group)-1].Timestamp,
			Windows:         windows,
			TotalRequests:   len(group),
			PeakRatePerMin:  peakRate,
			DestinationPort: k.port,
			Protocol:        k.proto,
			PeakUniqueIPs:   peakIPs,
			TopAttackers:    topIPCounts(attackers, 20),
			Sample:          &sample,
		})
	}
	return detections
}

// singleIPFloodSeverity floors at MEDIUM: a qualifying window already means
// the per-window request threshold was crossed, which is a flood by
// definition, not background noise.
func singleIPFloodSeverity(peakRate float64, windowCount int) event.Severity {
	switch {
	case peakRate >= 1000 || windowCount >= 10:
		return event.SeverityCritical
	case peakRate >= 500 || windowCount >= 5:
		return event.SeverityHigh
	default:
		return event.SeverityMedium
	}
}

func distributedFloodSeverity(peakRate float64, peakUniqueIPs, windowCount int) event.Severity {
	switch {
	case peakRate >= 2000 || peakUniqueIPs >= 50 || windowCount >= 10:
		return event.SeverityCritical
	case peakRate >= 1000 || peakUniqueIPs >= 25 || windowCount >= 5:
		return event.SeverityHigh
	case peakRate >= 500 || peakUniqueIPs >= 15 || windowCount >= 3:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}
