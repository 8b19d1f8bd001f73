// Package datadog implements a Datadog backend for the internal/metrics package.
//
// NOTE ABOUT FLUSHING:
// Ingestion jobs range from seconds (a single CSV) to an hour (a converter run
// over a large binary study). Submitting only once at process exit makes
// dashboards awkward for the long jobs, so this backend:
//
//   - buffers metrics in-memory (fast, lock-protected)
//   - periodically Flush()es on a ticker (default: once per minute)
//   - Flush()es one final time on Close()
//
// Concurrency model:
//   - pipeline goroutines can call IncCounter/ObserveHistogram at any time
//   - Flush snapshots+resets buffers under a mutex, then submits out-of-lock
//   - the flush loop calls Flush() periodically; Close() stops the loop
//
// If the process dies with SIGKILL/OOM, Close() won't run; the current window
// of buffered points is lost.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"ingest/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "ingest".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:ingest"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// The following fields are unexported test seams. Production code never
	// sets them; unit tests use them to avoid real network submission and
	// nondeterministic clocks/tickers.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal interface needed to submit metrics. The
// Datadog SDK exposes a concrete *datadogV2.MetricsApi; depending on this
// interface instead lets tests swap in a fake.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	jobCounts  map[string]float64 // type\x00status -> count
	fileCounts map[string]float64 // format\x00status -> count
	rowCounts  map[string]float64 // format -> rows
	convCounts map[string]float64 // status -> count

	stageSamples map[string][]float64 // stage\x00status -> seconds

	httpReqCounts map[string]float64   // status class -> count
	httpErrCounts map[string]float64   // status class -> count
	httpDur       map[string][]float64 // status class -> seconds
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush().
//
// Errors:
//   - Returns any error from the final Flush() submission.
//   - Calling Close twice panics (stopCh is closed twice); the backend is
//     process-lifetime, so close-once semantics are acceptable.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "ingest".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Errors:
//   - Datadog client construction is not expected to fail; network errors
//     surface from Flush().
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "ingest"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		cfg := dd.NewConfiguration()
		client := dd.NewAPIClient(cfg)
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		jobCounts:    make(map[string]float64),
		fileCounts:   make(map[string]float64),
		rowCounts:    make(map[string]float64),
		convCounts:   make(map[string]float64),
		stageSamples: make(map[string][]float64),

		httpReqCounts: make(map[string]float64),
		httpErrCounts: make(map[string]float64),
		httpDur:       make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.MetricJobsTotal:
		b.jobCounts[pairKey(labels["type"], labels["status"])] += delta

	case metrics.MetricFilesTotal:
		b.fileCounts[pairKey(labels["format"], labels["status"])] += delta

	case metrics.MetricRowsTotal:
		format := labels["format"]
		if format == "" {
			return
		}
		b.rowCounts[format] += delta

	case metrics.MetricConversionsTotal:
		b.convCounts[statusOrUnknown(labels)] += delta

	case metrics.MetricHTTPRequests:
		b.httpReqCounts[statusOrUnknown(labels)] += delta

	case metrics.MetricHTTPErrors:
		b.httpErrCounts[statusOrUnknown(labels)] += delta

	default:
		// Ignore unknown metrics by design.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.MetricStageDuration:
		k := pairKey(labels["stage"], labels["status"])
		b.stageSamples[k] = append(b.stageSamples[k], value)

	case metrics.MetricHTTPDuration:
		status := statusOrUnknown(labels)
		b.httpDur[status] = append(b.httpDur[status], value)

	default:
		// Ignore unknown histograms by design.
	}
}

// snapshot is the buffered metric state detached for one flush. Flush() must
// reset buffers under a lock but submit out-of-lock; the snapshot separates
// collect+reset from payload building+submission.
type snapshot struct {
	jobCounts    map[string]float64
	fileCounts   map[string]float64
	rowCounts    map[string]float64
	convCounts   map[string]float64
	stageSamples map[string][]float64

	httpReqCounts map[string]float64
	httpErrCounts map[string]float64
	httpDur       map[string][]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		jobCounts:    b.jobCounts,
		fileCounts:   b.fileCounts,
		rowCounts:    b.rowCounts,
		convCounts:   b.convCounts,
		stageSamples: b.stageSamples,

		httpReqCounts: b.httpReqCounts,
		httpErrCounts: b.httpErrCounts,
		httpDur:       b.httpDur,
	}

	b.jobCounts = make(map[string]float64)
	b.fileCounts = make(map[string]float64)
	b.rowCounts = make(map[string]float64)
	b.convCounts = make(map[string]float64)
	b.stageSamples = make(map[string][]float64)

	b.httpReqCounts = make(map[string]float64)
	b.httpErrCounts = make(map[string]float64)
	b.httpDur = make(map[string][]float64)

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.jobCounts) == 0 &&
		len(s.fileCounts) == 0 &&
		len(s.rowCounts) == 0 &&
		len(s.convCounts) == 0 &&
		len(s.stageSamples) == 0 &&
		len(s.httpReqCounts) == 0 &&
		len(s.httpErrCounts) == 0 &&
		len(s.httpDur) == 0
}

// Flush submits buffered metrics to Datadog and resets local buffers.
//
// Errors:
//   - Returns any error from Datadog submission.
//   - Returns nil if there is nothing to submit.
//
// Edge cases:
//   - Safe to call concurrently with IncCounter/ObserveHistogram.
//   - Buffers reset even if submission fails, to keep the pipeline fast and
//     avoid blocking future writes.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	series := b.buildSeries(snap, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed timestamp.
// It is pure (no locks, no network, no clocks) and centralizes naming and
// tagging, which is an operational contract.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.jobCounts)+len(s.fileCounts)+32)

	addCount := func(metric string, value float64, tags []string) {
		series = append(series, datadogV2.MetricSeries{
			Metric: metric,
			Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
			},
			Tags: tags,
		})
	}

	for k, v := range s.jobCounts {
		if v == 0 {
			continue
		}
		jobType, status := splitPairKey(k)
		addCount("ingest.jobs.total", v, withTags(b.baseTags, "type:"+jobType, "status:"+status))
	}

	for k, v := range s.fileCounts {
		if v == 0 {
			continue
		}
		format, status := splitPairKey(k)
		addCount("ingest.files.total", v, withTags(b.baseTags, "format:"+format, "status:"+status))
	}

	for format, v := range s.rowCounts {
		if v == 0 {
			continue
		}
		addCount("ingest.rows.total", v, withTags(b.baseTags, "format:"+format))
	}

	for status, v := range s.convCounts {
		if v == 0 {
			continue
		}
		addCount("ingest.conversions.total", v, withTags(b.baseTags, "status:"+status))
	}

	for k, samples := range s.stageSamples {
		stage, status := splitPairKey(k)
		tags := withTags(b.baseTags, "stage:"+stage, "status:"+status)
		appendPercentiles(&series, "ingest.stage.duration_seconds", samples, tags, nowUnix)
	}

	for status, v := range s.httpReqCounts {
		if v == 0 {
			continue
		}
		addCount("ingest.http.requests.total", v, withTags(b.baseTags, "status:"+status))
	}
	for status, v := range s.httpErrCounts {
		if v == 0 {
			continue
		}
		addCount("ingest.http.errors.total", v, withTags(b.baseTags, "status:"+status))
	}
	for status, samples := range s.httpDur {
		tags := withTags(b.baseTags, "status:"+status)
		appendPercentiles(&series, "ingest.http.request_duration_seconds", samples, tags, nowUnix)
	}

	return series
}

// appendPercentiles appends a fixed set of percentile gauges for a sample set.
//
// Edge cases:
//   - If samples is empty, it does nothing.
//   - It sorts a copy of samples (does not mutate input).
func appendPercentiles(series *[]datadogV2.MetricSeries, metricPrefix string, samples []float64, tags []string, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series, gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix))
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func splitPairKey(k string) (a, b string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func statusOrUnknown(labels metrics.Labels) string {
	if s := labels["status"]; s != "" {
		return s
	}
	return "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:ingest".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
