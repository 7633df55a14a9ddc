// Package metrics exposes Prometheus instruments for bulk operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "bulkload_"

var operationsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "operations_total",
		Help: "Number of finished bulk operations by kind and status",
	},
	[]string{"operation", "status"},
)

var recordsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "records_total",
		Help: "Number of records processed by outcome",
	},
	[]string{"outcome"},
)

var ingestDurationHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    prefix + "ingest_duration_milliseconds",
		Help:    "Time taken by the engine to ingest one record",
		Buckets: []float64{0.1, 0.2, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
	},
	[]string{"result"},
)

var concurrentModeCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "concurrent_loads_total",
		Help: "Number of loads that switched to concurrent dispatch",
	},
)

var uploadBytesCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "upload_bytes_total",
		Help: "Bytes received from uploads",
	},
)

var spilledUploadsCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "spilled_uploads_total",
		Help: "Number of uploads that spilled to disk",
	},
)

var activeOperationsGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: prefix + "active_operations",
		Help: "Number of bulk operations currently running",
	},
)

// Record outcomes.
const (
	OutcomeLoaded     = "loaded"
	OutcomeFailed     = "failed"
	OutcomeIncomplete = "incomplete"
	OutcomeAnalyzed   = "analyzed"
)

// Metrics records bulk operation measurements.
type Metrics struct{}

var m = &Metrics{}

// Get returns the process-wide metrics.
func Get() *Metrics {
	return m
}

func (m *Metrics) RecordOperation(operation, status string) {
	operationsCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
}

func (m *Metrics) RecordRecord(outcome string) {
	recordsCounter.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// ObserveIngest matches the engine observer signature.
func (m *Metrics) ObserveIngest(_ string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ingestDurationHist.With(prometheus.Labels{"result": result}).Observe(float64(elapsed.Microseconds()) / 1000)
}

func (m *Metrics) RecordConcurrentMode() {
	concurrentModeCounter.Inc()
}

func (m *Metrics) RecordUpload(bytes int64, spilled bool) {
	uploadBytesCounter.Add(float64(bytes))
	if spilled {
		spilledUploadsCounter.Inc()
	}
}

// OperationStarted increments the active gauge and returns the matching
// decrement.
func (m *Metrics) OperationStarted() func() {
	activeOperationsGauge.Inc()
	return activeOperationsGauge.Dec
}
