package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	linesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logwarden_ingest_lines_received_total",
		Help: "Total log lines received on the ingest endpoint.",
	})
	linesParsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logwarden_ingest_lines_parsed_total",
		Help: "Total log lines that parsed into events.",
	})
	linesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logwarden_ingest_lines_failed_total",
		Help: "Total log lines silently dropped by the parsers.",
	})
	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logwarden_ingest_rejected_total",
		Help: "Ingest requests rejected before parsing, by reason.",
	}, []string{"reason"})
)
