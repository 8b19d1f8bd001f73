// Package metrics is a tiny metrics facade. Pipeline code records against
// package-level helpers; binaries install a concrete backend at startup. The
// default backend drops everything, so instrumented code needs no wiring in
// tests or library use.
package metrics

import (
	"sync"
	"time"
)

// Labels tag a single observation.
type Labels map[string]string

// Backend receives observations. Implementations must be safe for concurrent
// use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names shared between recorders and backends.
const (
	MetricJobsTotal        = "ingest_jobs_total"
	MetricFilesTotal       = "ingest_files_total"
	MetricRowsTotal        = "ingest_rows_total"
	MetricConversionsTotal = "ingest_conversions_total"
	MetricStageDuration    = "ingest_stage_duration_seconds"
	MetricHTTPRequests     = "ingest_http_requests_total"
	MetricHTTPErrors       = "ingest_http_errors_total"
	MetricHTTPDuration     = "ingest_http_request_duration_seconds"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide backend. Passing nil restores the nop
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush forwards to the installed backend.
func Flush() error { return current().Flush() }

// IncCounter forwards a counter increment to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards a histogram sample to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordJob counts a finished job by type and terminal status.
func RecordJob(jobType, status string) {
	IncCounter(MetricJobsTotal, 1, Labels{"type": jobType, "status": status})
}

// RecordFile counts one processed data file and its row yield.
func RecordFile(format, status string, rows int64) {
	IncCounter(MetricFilesTotal, 1, Labels{"format": format, "status": status})
	if rows > 0 {
		IncCounter(MetricRowsTotal, float64(rows), Labels{"format": format})
	}
}

// RecordConversion counts one converter bridge attempt outcome.
func RecordConversion(status string) {
	IncCounter(MetricConversionsTotal, 1, Labels{"status": status})
}

// RecordStage times one pipeline stage.
func RecordStage(stage, status string, d time.Duration) {
	ObserveHistogram(MetricStageDuration, d.Seconds(), Labels{"stage": stage, "status": status})
}

// RecordHTTP records one remote catalog request: the status-class counter, an
// error counter when err is non-nil, and the request duration.
func RecordHTTP(statusCode int, err error, d time.Duration) {
	status := httpStatusLabel(statusCode)
	IncCounter(MetricHTTPRequests, 1, Labels{"status": status})
	if err != nil {
		IncCounter(MetricHTTPErrors, 1, Labels{"status": status})
	}
	ObserveHistogram(MetricHTTPDuration, d.Seconds(), Labels{"status": status})
}

func httpStatusLabel(code int) string {
	switch {
	case code <= 0:
		return "error"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
