package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"ingest/internal/nada"
)

func newCatalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/datasets/ds42/fileslist", func(w http.ResponseWriter, r *http.Request) {
		// F2 has no name (fallback used), the orphan has no file number
		// (skipped), F3 carries a path (stripped to its base).
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"files": []any{
					map[string]any{"file_no": "F1", "file_name": "survey.csv"},
					map[string]any{"file_no": "F2"},
					map[string]any{"file_name": "orphan.csv"},
					map[string]any{"file_no": "F3", "name": "../x"},
				},
			},
		})
	})
	mux.HandleFunc("/api/fileslist/download/ds42/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload for " + filepath.Base(r.URL.Path)))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRemoteFiles(t *testing.T) {
	t.Parallel()

	srv := newCatalogServer(t)
	remote := nada.NewClient(srv.URL, "k", nil)

	paths, cleanup, err := fetchRemoteFiles(context.Background(), remote, "ds42")
	if err != nil {
		t.Fatalf("fetchRemoteFiles() error: %v", err)
	}
	defer cleanup()

	if len(paths) != 3 {
		t.Fatalf("paths = %v, want 3 (orphan without file number skipped)", paths)
	}

	wantNames := map[string]bool{"survey.csv": true, "file_F2": true, "x": true}
	for _, p := range paths {
		if !wantNames[filepath.Base(p)] {
			t.Errorf("unexpected download name %q", filepath.Base(p))
		}
		data, err := os.ReadFile(p)
		if err != nil || len(data) == 0 {
			t.Errorf("downloaded file %s unreadable: %v", p, err)
		}
	}
}

func TestFetchRemoteFilesNoUsableEntries(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/datasets/empty/fileslist", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"files": []any{map[string]any{"file_name": "x.csv"}}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	remote := nada.NewClient(srv.URL, "k", nil)
	if _, _, err := fetchRemoteFiles(context.Background(), remote, "empty"); err == nil {
		t.Fatal("fetchRemoteFiles() succeeded with no usable file numbers, want error")
	}
}

func TestPrintRemoteDatasets(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/listdatasets", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"found": 2, "total": 2,
				"rows": []any{
					map[string]any{"id": float64(7), "title": "Household Survey"},
					map[string]any{"title": "No id dataset"},
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	remote := nada.NewClient(srv.URL, "k", nil)
	if err := printRemoteDatasets(context.Background(), remote, 2); err != nil {
		t.Fatalf("printRemoteDatasets() error: %v", err)
	}
}
