// Package detect implements the three stateless detectors that scan time
// windows of the event store: brute-force, flood (single-IP and
// distributed), and port-scan. Detectors read an immutable slice of events
// ordered by timestamp and never coordinate with writers; late-arriving
// events simply show up in a later bucket. Severity is computed from the
// detector's own thresholds, never from input event severities.
package detect

import (
	"context"
	"sort"
	"time"

	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/server/storage"
)

// Alert types emitted by the detectors.
const (
	TypeBruteForce       = "BRUTE_FORCE"
	TypeSingleIPFlood    = "SINGLE_IP_FLOOD"
	TypeDistributedFlood = "DISTRIBUTED_FLOOD"
	TypePortScan         = "PORT_SCAN"
)

// EventScanner is the slice of the storage layer the detectors need.
// *storage.Store satisfies it; tests substitute an in-memory scanner.
type EventScanner interface {
	ScanRange(ctx context.Context, from, to time.Time, f storage.ScanFilter) ([]event.Event, error)
}

// IPCount pairs a source IP with how many events it contributed.
type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// Window is one qualifying attack window. Windows emitted for a single
// detection are pairwise disjoint and in time order. The rate and
// distinct-count fields are populated by the detectors that track them.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`

	RequestRatePerMin float64        `json:"request_rate_per_min,omitempty"`
	UniqueIPs         int            `json:"unique_ips,omitempty"`
	TargetPorts       map[int]int    `json:"target_ports,omitempty"`
	Protocols         map[string]int `json:"protocols,omitempty"`
	TopIPs            []IPCount      `json:"top_ips,omitempty"`

	UniquePorts int            `json:"unique_ports,omitempty"`
	Ports       []int          `json:"ports,omitempty"`
	Attempts    []event.Event  `json:"attempts,omitempty"`
}

// Detection is the per-IP (or, for distributed floods, per-target) record a
// detector emits: qualifying windows plus totals and computed severity.
// Sample carries one representative event for ML scoring downstream.
type Detection struct {
	AlertType string         `json:"alert_type"`
	SourceIP  string         `json:"source_ip,omitempty"`
	Severity  event.Severity `json:"severity"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
	Windows   []Window       `json:"windows"`

	// Brute force.
	TotalAttempts   int      `json:"total_attempts,omitempty"`
	UniqueUsernames int      `json:"unique_usernames,omitempty"`
	Usernames       []string `json:"usernames,omitempty"`

	// Floods.
	TotalRequests  int      `json:"total_requests,omitempty"`
	PeakRatePerMin float64  `json:"peak_request_rate,omitempty"`
	AvgRatePerMin  float64  `json:"avg_request_rate,omitempty"`
	TargetPorts    []int    `json:"target_ports,omitempty"`
	Protocols      []string `json:"protocols,omitempty"`

	// Distributed floods.
	DestinationPort int       `json:"destination_port,omitempty"`
	Protocol        string    `json:"protocol,omitempty"`
	PeakUniqueIPs   int       `json:"peak_unique_ips,omitempty"`
	TopAttackers    []IPCount `json:"top_attackers,omitempty"`

	// Port scans.
	UniquePortsAttempted int `json:"unique_ports_attempted,omitempty"`

	Sample *event.Event `json:"sample,omitempty"`
}

// anchor resolves an open-ended time range: a zero end means now, a zero
// start means end minus the detector's default lookback.
func anchor(start, end time.Time, lookback time.Duration, now func() time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = now()
	}
	if start.IsZero() {
		start = end.Add(-lookback)
	}
	return start, end
}

// walkWindows performs the greedy non-overlapping sliding-window walk every
// detector shares. evts must be sorted by timestamp ascending. Starting at
// index i, the candidate window covers every event with timestamp at most
// evts[i].Timestamp + window. qualify decides whether the candidate is an
// attack window; when it is, the walk jumps past its last event, otherwise
// it advances one event. Emitted slices are therefore pairwise disjoint.
func walkWindows(evts []event.Event, window time.Duration, qualify func(w []event.Event) bool, emit func(w []event.Event)) {
	i := 0
	for i < len(evts) {
		limit := evts[i].Timestamp.Add(window)
		j := i + 1
		for j < len(evts) && !evts[j].Timestamp.After(limit) {
			j++
		}
		if qualify(evts[i:j]) {
			emit(evts[i:j])
			i = j
		} else {
			i++
		}
	}
}

// groupBySourceIP partitions evts by source IP, preserving timestamp order
// inside each group. The returned key order follows first appearance so
// detector output is deterministic for a given scan.
func groupBySourceIP(evts []event.Event) (map[string][]event.Event, []string) {
	groups := map[string][]event.Event{}
	var order []string
	for _, ev := range evts {
		if _, ok := groups[ev.SourceIP]; !ok {
			order = append(order, ev.SourceIP)
		}
		groups[ev.SourceIP] = append(groups[ev.SourceIP], ev)
	}
	return groups, order
}

// sortDetections orders detections for presentation: severity rank
// ascending (CRITICAL first), then peak rate descending, then total count
// descending as the tiebreak for detectors that do not track rates.
func sortDetections(ds []Detection) {
	sort.SliceStable(ds, func(i, j int) bool {
		ri, rj := ds[i].Severity.Rank(), ds[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		if ds[i].PeakRatePerMin != ds[j].PeakRatePerMin {
			return ds[i].PeakRatePerMin > ds[j].PeakRatePerMin
		}
		return ds[i].TotalAttempts+ds[i].TotalRequests > ds[j].TotalAttempts+ds[j].TotalRequests
	})
}

// topIPCounts converts a count map into the n largest entries, largest
// first, breaking ties by IP for determinism.
func topIPCounts(counts map[string]int, n int) []IPCount {
	out := make([]IPCount, 0, len(counts))
	for ip, c := range counts {
		out = append(out, IPCount{IP: ip, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IP < out[j].IP
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// sortedPortKeys returns the keys of a port histogram in ascending order.
func sortedPortKeys(m map[int]int) []int {
	out := make([]int, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// sortedProtoKeys returns the keys of a protocol histogram sorted.
func sortedProtoKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
