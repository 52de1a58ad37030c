package detect

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/logwarden/logwarden/internal/event"
)

// Reputation is a normalized verdict about a source IP from an external
// threat-intelligence service. Severity UNKNOWN means "nothing known" and
// never influences a detection.
type Reputation struct {
	IP        string    `json:"ip"`
	Severity  string    `json:"severity"`
	Source    string    `json:"source,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ReputationUnknown is the placeholder verdict for addresses that are never
// sent to the external service.
const ReputationUnknown = "UNKNOWN"

// ReputationProvider queries the external reputation service. Lookups run
// with a caller-supplied context; the HTTP implementation applies a 10s
// timeout.
type ReputationProvider interface {
	Lookup(ctx context.Context, ip string) (Reputation, error)
}

// reputationTTL bounds how long a cached verdict is trusted.
const reputationTTL = 24 * time.Hour

// ReputationCache memoizes provider verdicts per IP with a TTL. Safe for
// concurrent use by parallel detector runs.
type ReputationCache struct {
	provider ReputationProvider
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]Reputation
}

// NewReputationCache wraps provider with a 24h memoization layer. provider
// may be nil, in which case every lookup returns UNKNOWN.
func NewReputationCache(provider ReputationProvider, log *slog.Logger) *ReputationCache {
	return &ReputationCache{
		provider: provider,
		log:      log,
		now:      time.Now,
		entries:  map[string]Reputation{},
	}
}

// Lookup returns the reputation for ip, consulting the provider only when
// the cache has no fresh entry. Private, loopback, link-local, multicast,
// and unspecified addresses short-circuit to UNKNOWN without a network
// call. Provider failures degrade to UNKNOWN and are logged, never
// propagated: enrichment is optional.
func (c *ReputationCache) Lookup(ctx context.Context, ip string) Reputation {
	if !publicRoutable(ip) {
		return Reputation{IP: ip, Severity: ReputationUnknown, FetchedAt: c.now()}
	}

	c.mu.Lock()
	cached, ok := c.entries[ip]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.FetchedAt) < reputationTTL {
		return cached
	}

	if c.provider == nil {
		return Reputation{IP: ip, Severity: ReputationUnknown, FetchedAt: c.now()}
	}

	rep, err := c.provider.Lookup(ctx, ip)
	if err != nil {
		c.log.Warn("reputation lookup failed", "ip", ip, "error", err)
		return Reputation{IP: ip, Severity: ReputationUnknown, FetchedAt: c.now()}
	}
	rep.IP = ip
	rep.FetchedAt = c.now()

	c.mu.Lock()
	c.entries[ip] = rep
	c.mu.Unlock()
	return rep
}

// Enrich applies reputation verdicts to detections in place. A CRITICAL
// reputation forces CRITICAL; HIGH and MEDIUM raise the detection to at
// least that severity. Severity never goes down.
func (c *ReputationCache) Enrich(ctx context.Context, detections []Detection) {
	for i := range detections {
		d := &detections[i]
		if d.SourceIP == "" {
			continue
		}
		rep := c.Lookup(ctx, d.SourceIP)
		switch rep.Severity {
		case "CRITICAL":
			d.Severity = event.SeverityCritical
		case "HIGH":
			d.Severity = d.Severity.AtLeast(event.SeverityHigh)
		case "MEDIUM":
			d.Severity = d.Severity.AtLeast(event.SeverityMedium)
		}
	}
}

// publicRoutable reports whether ip is an address the external service
// could meaningfully know about.
func publicRoutable(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() {
		return false
	}
	if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return false
	}
	return true
}
