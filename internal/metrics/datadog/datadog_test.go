package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"ingest/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// newTestBackend builds a backend with all seams stubbed: fixed clock, a
// ticker that never fires, and the fake submitter.
func newTestBackend(t *testing.T, sub *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName: "testjob",
		now:     func() time.Time { return time.Unix(1700000000, 0) },
		newTicker: func(d time.Duration) *time.Ticker {
			return time.NewTicker(time.Hour)
		},
		submitter: sub,
	})
	if err != nil {
		t.Fatalf("NewBackend()=%v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
//
// Edge cases:
//   - ENV wins over DD_ENV.
//   - Whitespace-only env vars are ignored.
//   - If neither is set, "env:unknown" is returned.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

// TestPairKeyRoundTrip verifies key encoding/decoding.
func TestPairKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
	}{
		{name: "normal", a: "sav", b: "ok"},
		{name: "empty_first", a: "", b: "ok"},
		{name: "empty_second", a: "csv", b: ""},
		{name: "both_empty", a: "", b: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, b := splitPairKey(pairKey(tc.a, tc.b))
			if a != tc.a || b != tc.b {
				t.Fatalf("roundtrip got=(%q,%q), want=(%q,%q)", a, b, tc.a, tc.b)
			}
		})
	}

	t.Run("split_without_separator_defaults_unknown", func(t *testing.T) {
		a, b := splitPairKey("no-sep")
		if a != "no-sep" || b != "unknown" {
			t.Fatalf("splitPairKey()=(%q,%q), want=(%q,%q)", a, b, "no-sep", "unknown")
		}
	})
}

// TestWithTags verifies tag concatenation and immutability of the base slice.
func TestWithTags(t *testing.T) {
	base := []string{"env:test", "job:x"}
	got := withTags(base, "format:sav")
	want := []string{"env:test", "job:x", "format:sav"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	if len(base) != 2 {
		t.Fatalf("withTags mutated base: %v", base)
	}
}

// TestPercentileNearestRank verifies percentile selection on sorted input.
func TestPercentileNearestRank(t *testing.T) {
	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	sort.Float64s(s)

	tests := []struct {
		p    float64
		want float64
	}{
		{p: 0, want: 1},
		{p: 0.50, want: 6}, // nearest-rank on n=10: idx=round(0.5*9)=5
		{p: 0.90, want: 9},
		{p: 1, want: 10},
	}
	for _, tc := range tests {
		if got := percentileNearestRank(s, tc.p); got != tc.want {
			t.Fatalf("percentileNearestRank(p=%v)=%v, want %v", tc.p, got, tc.want)
		}
	}

	if got := percentileNearestRank(nil, 0.5); got != 0 {
		t.Fatalf("percentileNearestRank(empty)=%v, want 0", got)
	}
}

// TestFlushEmptyDoesNotSubmit verifies the no-data fast path.
func TestFlushEmptyDoesNotSubmit(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush()=%v", err)
	}
	if sub.count() != 0 {
		t.Fatalf("submissions=%d, want 0", sub.count())
	}
}

// TestFlushSubmitsAndResets verifies one full record-flush-record cycle.
func TestFlushSubmitsAndResets(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.MetricJobsTotal, 1, metrics.Labels{"type": "upload", "status": "completed"})
	b.IncCounter(metrics.MetricFilesTotal, 2, metrics.Labels{"format": "sav", "status": "ok"})
	b.IncCounter(metrics.MetricRowsTotal, 500, metrics.Labels{"format": "sav"})
	b.IncCounter(metrics.MetricConversionsTotal, 1, metrics.Labels{"status": "ok"})
	b.ObserveHistogram(metrics.MetricStageDuration, 1.5, metrics.Labels{"stage": "ingesting", "status": "ok"})
	b.IncCounter(metrics.MetricHTTPRequests, 3, metrics.Labels{"status": "2xx"})
	b.ObserveHistogram(metrics.MetricHTTPDuration, 0.2, metrics.Labels{"status": "2xx"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush()=%v", err)
	}
	payload, ok := sub.last()
	if !ok {
		t.Fatal("no payload submitted")
	}

	byName := map[string]datadogV2.MetricSeries{}
	for _, s := range payload.Series {
		byName[s.Metric] = s
	}

	jobs, ok := byName["ingest.jobs.total"]
	if !ok {
		t.Fatal("ingest.jobs.total missing")
	}
	if *jobs.Points[0].Value != 1 {
		t.Fatalf("jobs value=%v, want 1", *jobs.Points[0].Value)
	}
	if !hasTag(jobs.Tags, "type:upload") || !hasTag(jobs.Tags, "status:completed") || !hasTag(jobs.Tags, "job:testjob") {
		t.Fatalf("jobs tags=%v", jobs.Tags)
	}

	files, ok := byName["ingest.files.total"]
	if !ok || *files.Points[0].Value != 2 || !hasTag(files.Tags, "format:sav") {
		t.Fatalf("files series=%+v", files)
	}
	rows, ok := byName["ingest.rows.total"]
	if !ok || *rows.Points[0].Value != 500 {
		t.Fatalf("rows series=%+v", rows)
	}
	if _, ok := byName["ingest.conversions.total"]; !ok {
		t.Fatal("ingest.conversions.total missing")
	}
	if _, ok := byName["ingest.stage.duration_seconds.p50"]; !ok {
		t.Fatal("stage duration percentiles missing")
	}
	if _, ok := byName["ingest.http.requests.total"]; !ok {
		t.Fatal("http requests missing")
	}
	if _, ok := byName["ingest.http.request_duration_seconds.max"]; !ok {
		t.Fatal("http duration percentiles missing")
	}

	// Second flush sees reset buffers.
	if err := b.Flush(); err != nil {
		t.Fatalf("second Flush()=%v", err)
	}
	if sub.count() != 1 {
		t.Fatalf("submissions=%d, want 1 (buffers not reset)", sub.count())
	}
}

// TestIgnoredInputs verifies defensive drops: unknown names, non-positive
// counter deltas, negative histogram values.
func TestIgnoredInputs(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter("something_else", 5, nil)
	b.IncCounter(metrics.MetricJobsTotal, 0, metrics.Labels{"type": "upload", "status": "ok"})
	b.IncCounter(metrics.MetricJobsTotal, -2, metrics.Labels{"type": "upload", "status": "ok"})
	b.IncCounter(metrics.MetricRowsTotal, 10, metrics.Labels{}) // no format label
	b.ObserveHistogram("something_else", 1, nil)
	b.ObserveHistogram(metrics.MetricStageDuration, -1, metrics.Labels{"stage": "x", "status": "y"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush()=%v", err)
	}
	if sub.count() != 0 {
		t.Fatalf("submissions=%d, want 0", sub.count())
	}
}

// TestFlushPropagatesSubmitError verifies submission errors surface but the
// buffers are still reset.
func TestFlushPropagatesSubmitError(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("intake down")}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.MetricJobsTotal, 1, metrics.Labels{"type": "upload", "status": "failed"})
	if err := b.Flush(); err == nil {
		t.Fatal("Flush()=nil, want submit error")
	}

	sub.err = nil
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() after reset=%v", err)
	}
	if sub.count() != 1 {
		t.Fatalf("submissions=%d, want 1 (buffers kept after failed flush)", sub.count())
	}
}

// TestCloseDoesFinalFlush verifies Close stops the loop and flushes the tail.
func TestCloseDoesFinalFlush(t *testing.T) {
	sub := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:   "testjob",
		now:       func() time.Time { return time.Unix(1700000000, 0) },
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(time.Hour) },
		submitter: sub,
	})
	if err != nil {
		t.Fatalf("NewBackend()=%v", err)
	}

	b.IncCounter(metrics.MetricFilesTotal, 1, metrics.Labels{"format": "csv", "status": "ok"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close()=%v", err)
	}
	if sub.count() != 1 {
		t.Fatalf("submissions=%d, want 1 final flush", sub.count())
	}
}

// TestParseTagsCSV verifies tag string parsing.
func TestParseTagsCSV(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "env:prod", want: []string{"env:prod"}},
		{in: " env:prod , service:ingest ,, ", want: []string{"env:prod", "service:ingest"}},
	}
	for _, tc := range tests {
		got := ParseTagsCSV(tc.in)
		if strings.Join(got, "|") != strings.Join(tc.want, "|") {
			t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
		}
	}
}

func hasTag(tags []string, want string) bool {
	for _, tg := range tags {
		if tg == want {
			return true
		}
	}
	return false
}
