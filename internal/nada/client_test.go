package nada

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func listPayload(page int) map[string]any {
	rows := make([]any, 0, pageSize)
	for i := 0; i < pageSize; i++ {
		rows = append(rows, map[string]any{"id": fmt.Sprintf("ds-%d-%d", page, i)})
	}
	return map[string]any{
		"result": map[string]any{
			"found": 100,
			"total": 100,
			"rows":  rows,
		},
	}
}

func TestListDatasetsStitchesPages(t *testing.T) {
	t.Parallel()

	var pagesHit []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pagesHit = append(pagesHit, page)
		var n int
		fmt.Sscanf(page, "%d", &n)
		json.NewEncoder(w).Encode(listPayload(n))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", nil)

	// offset 20, limit 10 touches pages 2 and 3 only.
	res, err := c.ListDatasets(context.Background(), 10, 20)
	if err != nil {
		t.Fatalf("ListDatasets() error: %v", err)
	}
	if len(pagesHit) != 2 || pagesHit[0] != "2" || pagesHit[1] != "3" {
		t.Errorf("pages hit = %v, want [2 3]", pagesHit)
	}
	if len(res.Rows) != 10 {
		t.Fatalf("rows = %d, want 10", len(res.Rows))
	}
	// offset 20 is index 5 within page 2.
	if res.Rows[0]["id"] != "ds-2-5" {
		t.Errorf("first row = %v, want ds-2-5", res.Rows[0]["id"])
	}
	if res.Rows[9]["id"] != "ds-2-14" {
		t.Errorf("last row = %v, want ds-2-14", res.Rows[9]["id"])
	}
	if res.Limit != 10 || res.Offset != 20 {
		t.Errorf("window = %d/%d, want 10/20", res.Limit, res.Offset)
	}
	if res.Found == nil || res.Total == nil {
		t.Error("found/total not carried over from the first page")
	}
}

func TestListDatasetsShortFinalPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"found": 2,
				"rows":  []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	res, err := c.ListDatasets(context.Background(), 15, 0)
	if err != nil {
		t.Fatalf("ListDatasets() error: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Errorf("rows = %d, want 2", len(res.Rows))
	}
}

func TestRetryOnServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"files": []any{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", nil)
	c.MaxRetries = 5
	c.HTTPClient = srv.Client()
	c.backoffBase = time.Millisecond
	if _, err := c.FilesList(context.Background(), "ds1"); err != nil {
		t.Fatalf("FilesList() after retries error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestNonRetryableStatusPropagatesBody(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"invalid api key"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad", nil)
	_, err := c.FilesList(context.Background(), "ds1")
	if err == nil {
		t.Fatal("FilesList() with 401 succeeded, want error")
	}
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("error type = %T, want *StatusError", err)
	}
	if serr.Code != http.StatusUnauthorized || !strings.Contains(serr.Body, "invalid api key") {
		t.Errorf("error = %v", serr)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls.Load())
	}
}

func TestAPIKeyHeaderSent(t *testing.T) {
	t.Parallel()

	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-KEY")
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", nil)
	if _, err := c.FilesList(context.Background(), "x"); err != nil {
		t.Fatalf("FilesList() error: %v", err)
	}
	if gotKey != "secret" {
		t.Errorf("X-API-KEY = %q", gotKey)
	}
}

func TestDownloadFile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/fileslist/download/ds1/7" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte("payload-bytes"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", nil)
	dest := filepath.Join(t.TempDir(), "nested", "dir", "file.sav")
	if err := c.DownloadFile(context.Background(), "ds1", "7", dest); err != nil {
		t.Fatalf("DownloadFile() error: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(data) != "payload-bytes" {
		t.Errorf("downloaded = %q", data)
	}
}

func TestExtractFiles(t *testing.T) {
	t.Parallel()

	file := map[string]any{"file_no": "1"}
	tests := []struct {
		name    string
		payload map[string]any
		want    int
	}{
		{"result.files", map[string]any{"result": map[string]any{"files": []any{file}}}, 1},
		{"result.rows", map[string]any{"result": map[string]any{"rows": []any{file, file}}}, 2},
		{"data.files", map[string]any{"data": map[string]any{"files": []any{file}}}, 1},
		{"top-level rows", map[string]any{"rows": []any{file}}, 1},
		{"nothing", map[string]any{"status": "ok"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ExtractFiles(tt.payload)
			if len(got) != tt.want {
				t.Errorf("ExtractFiles() = %d items, want %d", len(got), tt.want)
			}
		})
	}
}

func TestGuessFileNoAndName(t *testing.T) {
	t.Parallel()

	no, ok := GuessFileNo(map[string]any{"file_no": float64(12)})
	if !ok || no != "12" {
		t.Errorf("GuessFileNo = %q, %v", no, ok)
	}
	no, ok = GuessFileNo(map[string]any{"id": "abc"})
	if !ok || no != "abc" {
		t.Errorf("GuessFileNo fallback = %q, %v", no, ok)
	}
	if _, ok := GuessFileNo(map[string]any{"other": 1}); ok {
		t.Error("GuessFileNo found a number where none exists")
	}

	if got := GuessFileName(map[string]any{"filename": " data.sav "}, "fb"); got != "data.sav" {
		t.Errorf("GuessFileName = %q", got)
	}
	if got := GuessFileName(map[string]any{}, "file_3.bin"); got != "file_3.bin" {
		t.Errorf("GuessFileName fallback = %q", got)
	}
}
