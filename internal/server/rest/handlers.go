package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/logwarden/logwarden/internal/detect"
	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/server/storage"
)

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server holds the dependencies needed by the REST handlers. alerts,
// blocker, and liveCache may be nil when the matching subsystem is
// disabled; their endpoints then return 503.
type Server struct {
	store     Store
	alerts    AlertCache
	blocker   Blocker
	liveCache HotCache
	log       *slog.Logger
	now       func() time.Time
}

// NewServer creates a new Server with the provided collaborators.
func NewServer(store Store, alerts AlertCache, blocker Blocker, liveCache HotCache, log *slog.Logger) *Server {
	return &Server{
		store:     store,
		alerts:    alerts,
		blocker:   blocker,
		liveCache: liveCache,
		log:       log,
		now:       time.Now,
	}
}

// handleHealthz responds to GET /healthz. No authentication; load
// balancers use it for liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	source_ip, severity, event_type, protocol, log_source – exact filters
//	dest_port  – integer filter
//	search     – substring match over the raw log
//	from, to   – RFC3339 window (optional)
//	sort_by    – timestamp | severity | event_type | source_ip
//	sort_dir   – asc | desc (default desc)
//	limit      – default 100, max 1000
//	offset     – default 0
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	eq := storage.EventQuery{
		SourceIP:  q.Get("source_ip"),
		EventType: q.Get("event_type"),
		Protocol:  q.Get("protocol"),
		LogSource: q.Get("log_source"),
		Search:    q.Get("search"),
		SortBy:    q.Get("sort_by"),
		SortDesc:  q.Get("sort_dir") != "asc",
		Limit:     100,
	}

	if sev := q.Get("severity"); sev != "" {
		if !event.Severity(sev).Valid() {
			writeError(w, http.StatusBadRequest, "'severity' must be one of CRITICAL, HIGH, MEDIUM, LOW")
			return
		}
		eq.Severity = event.Severity(sev)
	}
	if p := q.Get("dest_port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 {
			writeError(w, http.StatusBadRequest, "'dest_port' must be a positive integer")
			return
		}
		eq.DestinationPort = port
	}
	var err error
	if eq.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	if eq.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		eq.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		eq.Offset = offset
	}

	events, err := s.store.QueryEvents(r.Context(), eq)
	if err != nil {
		s.log.Error("event query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleBruteForce responds to GET /api/v1/detect/bruteforce.
//
// Query parameters: time_window_minutes, threshold, source_ip, start,
// end (RFC3339), format ∈ {json,csv}.
func (s *Server) handleBruteForce(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := detect.BruteForceParams{SourceIP: q.Get("source_ip")}

	var err error
	if p.WindowMinutes, err = parseIntParam(q.Get("time_window_minutes")); err != nil {
		writeError(w, http.StatusBadRequest, "'time_window_minutes' must be a positive integer")
		return
	}
	if p.Threshold, err = parseIntParam(q.Get("threshold")); err != nil {
		writeError(w, http.StatusBadRequest, "'threshold' must be a positive integer")
		return
	}
	if p.Start, p.End, err = parseRangeParams(q.Get("start"), q.Get("end")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	detections, err := detect.BruteForce(r.Context(), s.store, p, s.now)
	if err != nil {
		s.log.Error("brute-force detection failed", "error", err)
		writeError(w, http.StatusInternalServerError, "detection failed")
		return
	}
	s.respondDetections(w, q.Get("format"), "brute_force_report", detections)
}

// handleFlood responds to GET /api/v1/detect/flood.
//
// Query parameters: time_window_seconds, single_ip_threshold,
// distributed_ip_count, distributed_request_threshold,
// destination_port, protocol, start, end, format.
func (s *Server) handleFlood(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := detect.FloodParams{Protocol: q.Get("protocol")}

	var err error
	if p.WindowSeconds, err = parseIntParam(q.Get("time_window_seconds")); err != nil {
		writeError(w, http.StatusBadRequest, "'time_window_seconds' must be a positive integer")
		return
	}
	if p.SingleIPThreshold, err = parseIntParam(q.Get("single_ip_threshold")); err != nil {
		writeError(w, http.StatusBadRequest, "'single_ip_threshold' must be a positive integer")
		return
	}
	if p.DistributedIPCount, err = parseIntParam(q.Get("distributed_ip_count")); err != nil {
		writeError(w, http.StatusBadRequest, "'distributed_ip_count' must be a positive integer")
		return
	}
	if p.DistributedThreshold, err = parseIntParam(q.Get("distributed_request_threshold")); err != nil {
		writeError(w, http.StatusBadRequest, "'distributed_request_threshold' must be a positive integer")
		return
	}
	if p.DestinationPort, err = parseIntParam(q.Get("destination_port")); err != nil {
		writeError(w, http.StatusBadRequest, "'destination_port' must be a positive integer")
		return
	}
	if p.Start, p.End, err = parseRangeParams(q.Get("start"), q.Get("end")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	detections, err := detect.Flood(r.Context(), s.store, p, s.now)
	if err != nil {
		s.log.Error("flood detection failed", "error", err)
		writeError(w, http.StatusInternalServerError, "detection failed")
		return
	}
	s.respondDetections(w, q.Get("format"), "flood_report", detections)
}

// handlePortScan responds to GET /api/v1/detect/portscan.
//
// Query parameters: time_window_minutes, unique_ports_threshold,
// min_total_attempts, source_ip, protocol, start, end, format.
func (s *Server) handlePortScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := detect.PortScanParams{
		SourceIP: q.Get("source_ip"),
		Protocol: q.Get("protocol"),
	}

	var err error
	if p.WindowMinutes, err = parseIntParam(q.Get("time_window_minutes")); err != nil {
		writeError(w, http.StatusBadRequest, "'time_window_minutes' must be a positive integer")
		return
	}
	if p.UniquePortsThreshold, err = parseIntParam(q.Get("unique_ports_threshold")); err != nil {
		writeError(w, http.StatusBadRequest, "'unique_ports_threshold' must be a positive integer")
		return
	}
	if p.MinTotalAttempts, err = parseIntParam(q.Get("min_total_attempts")); err != nil {
		writeError(w, http.StatusBadRequest, "'min_total_attempts' must be a positive integer")
		return
	}
	if p.Start, p.End, err = parseRangeParams(q.Get("start"), q.Get("end")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	detections, err := detect.PortScan(r.Context(), s.store, p, s.now)
	if err != nil {
		s.log.Error("port-scan detection failed", "error", err)
		writeError(w, http.StatusInternalServerError, "detection failed")
		return
	}
	s.respondDetections(w, q.Get("format"), "port_scan_report", detections)
}

// respondDetections writes detections as JSON or, when format=csv, as a
// downloadable export.
func (s *Server) respondDetections(w http.ResponseWriter, format, name string, detections []detect.Detection) {
	if detections == nil {
		detections = []detect.Detection{}
	}
	if format == "csv" {
		writeDetectionsCSV(w, name, s.now(), detections)
		return
	}
	writeJSON(w, http.StatusOK, detections)
}

// handleGetAlerts responds to GET /api/v1/alerts: the materialized alert
// set for the current bucket. lookback_hours defaults to 24.
func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alert cache disabled")
		return
	}
	lookbackHours, err := parseIntParam(r.URL.Query().Get("lookback_hours"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "'lookback_hours' must be a positive integer")
		return
	}
	if lookbackHours == 0 {
		lookbackHours = 24
	}

	alerts, err := s.alerts.GetOrCompute(r.Context(), time.Duration(lookbackHours)*time.Hour, 0)
	if err != nil {
		s.log.Error("alert computation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute alerts")
		return
	}
	if alerts == nil {
		alerts = []storage.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// dashboardSummary is the GET /api/v1/dashboard/summary response.
type dashboardSummary struct {
	ActiveAlerts []storage.Alert      `json:"active_alerts"`
	ThreatCounts threatCounts         `json:"threat_counts_24h"`
	TopSources   []storage.FieldCount `json:"top_sources"`
	TopPorts     []storage.FieldCount `json:"top_ports"`
	Hourly       []storage.HourCount  `json:"hourly_counts_24h"`
	Health       systemHealth         `json:"system_health"`
}

type threatCounts struct {
	ByType     map[string]int64 `json:"by_type"`
	BySeverity map[string]int64 `json:"by_severity"`
}

type systemHealth struct {
	DBStatus  string `json:"db_status"` // healthy | degraded | down
	Logs24h   int64  `json:"logs_24h"`
	LastLogAt string `json:"last_log_at,omitempty"`
}

// handleDashboard responds to GET /api/v1/dashboard/summary.
//
// Active alerts are the top 10 CRITICAL/HIGH from the last 24h. Top
// sources and ports use a 7-day window; sources fall back to all time
// when the week was quiet. Hourly counts cover the last 24h. DB status
// is "down" when the store cannot be reached at all and "degraded" when
// the ping succeeds but reads fail.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.now()
	dayAgo := now.Add(-24 * time.Hour)

	sum := dashboardSummary{
		ActiveAlerts: []storage.Alert{},
		ThreatCounts: threatCounts{ByType: map[string]int64{}, BySeverity: map[string]int64{}},
		TopSources:   []storage.FieldCount{},
		TopPorts:     []storage.FieldCount{},
		Hourly:       []storage.HourCount{},
		Health:       systemHealth{DBStatus: "healthy"},
	}

	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("dashboard: store unreachable", "error", err)
		sum.Health.DBStatus = "down"
		writeJSON(w, http.StatusOK, sum)
		return
	}

	degraded := false

	active, err := s.store.RecentAlerts(ctx, dayAgo,
		[]event.Severity{event.SeverityCritical, event.SeverityHigh}, 10)
	if err != nil {
		s.log.Warn("dashboard: active alerts read failed", "error", err)
		degraded = true
	} else if active != nil {
		sum.ActiveAlerts = active
	}

	all, err := s.store.RecentAlerts(ctx, dayAgo, nil, 1000)
	if err != nil {
		s.log.Warn("dashboard: threat counts read failed", "error", err)
		degraded = true
	} else {
		for _, a := range all {
			sum.ThreatCounts.ByType[a.AlertType]++
			sum.ThreatCounts.BySeverity[string(a.Severity)]++
		}
	}

	top, err := s.store.TopSources(ctx, now.Add(-7*24*time.Hour), now, 10)
	if err != nil {
		s.log.Warn("dashboard: top sources read failed", "error", err)
		degraded = true
	} else {
		if len(top) == 0 {
			// Quiet week: fall back to all time.
			if top, err = s.store.TopSources(ctx, time.Time{}, now, 10); err != nil {
				s.log.Warn("dashboard: all-time top sources read failed", "error", err)
				degraded = true
			}
		}
		if top != nil {
			sum.TopSources = top
		}
	}

	if ports, err := s.store.TopPorts(ctx, now.Add(-7*24*time.Hour), now, 10); err != nil {
		s.log.Warn("dashboard: top ports read failed", "error", err)
		degraded = true
	} else if ports != nil {
		sum.TopPorts = ports
	}

	if hourly, err := s.store.HourlyCounts(ctx, dayAgo, now); err != nil {
		s.log.Warn("dashboard: hourly counts read failed", "error", err)
		degraded = true
	} else if hourly != nil {
		sum.Hourly = hourly
	}

	if sum.Health.Logs24h, err = s.store.CountSince(ctx, dayAgo); err != nil {
		s.log.Warn("dashboard: 24h count failed", "error", err)
		degraded = true
	}
	if last, err := s.store.LastEventTime(ctx); err != nil {
		s.log.Warn("dashboard: last event time failed", "error", err)
		degraded = true
	} else if !last.IsZero() {
		sum.Health.LastLogAt = last.UTC().Format(time.RFC3339)
	}

	if degraded {
		sum.Health.DBStatus = "degraded"
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleListBlocklist responds to GET /api/v1/blocklist. ?active=true
// restricts the result to active blocks.
func (s *Server) handleListBlocklist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListBlocks(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		s.log.Error("blocklist read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list blocks")
		return
	}
	if entries == nil {
		entries = []storage.BlockEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type blockRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

// handleBlock responds to POST /api/v1/blocklist: an operator-initiated
// block.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if s.blocker == nil {
		writeError(w, http.StatusServiceUnavailable, "auto-block disabled")
		return
	}
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"ip\": ..., \"reason\": ...}")
		return
	}
	if err := s.blocker.Block(r.Context(), req.IP, req.Reason, "dashboard"); err != nil {
		s.log.Error("manual block failed", "ip", req.IP, "error", err)
		writeError(w, http.StatusInternalServerError, "block failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked", "ip": req.IP})
}

// handleUnblock responds to DELETE /api/v1/blocklist/{ip}.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if s.blocker == nil {
		writeError(w, http.StatusServiceUnavailable, "auto-block disabled")
		return
	}
	ip := chi.URLParam(r, "ip")
	if ip == "" {
		writeError(w, http.StatusBadRequest, "ip path parameter is required")
		return
	}
	if err := s.blocker.Unblock(r.Context(), ip, "dashboard"); err != nil {
		s.log.Error("unblock failed", "ip", ip, "error", err)
		writeError(w, http.StatusInternalServerError, "unblock failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked", "ip": ip})
}

// handleRecentLive responds to GET /api/v1/live/recent: the hot cache of
// raw lines for one source.
func (s *Server) handleRecentLive(w http.ResponseWriter, r *http.Request) {
	if s.liveCache == nil {
		writeError(w, http.StatusServiceUnavailable, "live feed disabled")
		return
	}
	q := r.URL.Query()
	source := q.Get("source")
	if source == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'source' is required")
		return
	}
	n, err := parseIntParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return
	}

	lines, err := s.liveCache.Recent(r.Context(), source, n)
	if err != nil {
		s.log.Error("hot cache read failed", "log_source", source, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read live feed")
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"log_source": source, "lines": lines})
}

// handleNotifications responds to GET /api/v1/notifications.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := parseIntParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return
	}
	if n == 0 || n > 500 {
		n = 100
	}
	records, err := s.store.RecentNotifications(r.Context(), n)
	if err != nil {
		s.log.Error("notification history read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	if records == nil {
		records = []storage.NotificationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// parseIntParam parses an optional positive integer query parameter; ""
// returns 0 so the component's own default applies.
func parseIntParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errInvalidInt
	}
	return n, nil
}

var errInvalidInt = &paramError{"must be a positive integer"}

type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

// parseTimeParam parses an optional RFC3339 query parameter; "" returns
// the zero time.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// parseRangeParams parses the optional start/end range shared by the
// detector endpoints.
func parseRangeParams(startStr, endStr string) (start, end time.Time, err error) {
	if start, err = parseTimeParam(startStr); err != nil {
		return time.Time{}, time.Time{}, &paramError{"'start' must be a valid RFC3339 timestamp"}
	}
	if end, err = parseTimeParam(endStr); err != nil {
		return time.Time{}, time.Time{}, &paramError{"'end' must be a valid RFC3339 timestamp"}
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return time.Time{}, time.Time{}, &paramError{"'end' must be after 'start'"}
	}
	return start, end, nil
}
