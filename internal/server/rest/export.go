package rest

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/logwarden/logwarden/internal/detect"
)

// utf8BOM prefixes CSV exports so spreadsheet tools pick the right
// encoding.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// writeDetectionsCSV streams detections as a downloadable CSV. The
// filename carries the UTC date of the export.
func writeDetectionsCSV(w http.ResponseWriter, name string, now time.Time, detections []detect.Detection) {
	filename := fmt.Sprintf("%s_%s.csv", name, now.UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(utf8BOM)

	cw := csv.NewWriter(w)
	cw.Write([]string{
		"alert_type", "source_ip", "severity", "first_seen", "last_seen",
		"windows", "total_attempts", "unique_usernames", "total_requests",
		"peak_rate_per_min", "unique_ports", "target_ports", "protocols",
	})
	for _, d := range detections {
		cw.Write([]string{
			d.AlertType,
			d.SourceIP,
			string(d.Severity),
			d.FirstSeen.UTC().Format(time.RFC3339),
			d.LastSeen.UTC().Format(time.RFC3339),
			strconv.Itoa(len(d.Windows)),
			strconv.Itoa(d.TotalAttempts),
			strconv.Itoa(d.UniqueUsernames),
			strconv.Itoa(d.TotalRequests),
			strconv.FormatFloat(d.PeakRatePerMin, 'f', 2, 64),
			strconv.Itoa(d.UniquePortsAttempted),
			strings.Join(intsToStrings(d.TargetPorts), " "),
			strings.Join(d.Protocols, " "),
		})
	}
	cw.Flush()
}

func intsToStrings(ports []int) []string {
	out := make([]string, len(ports))
	for i, p := range ports {
		out[i] = strconv.Itoa(p)
	}
	return out
}
