// Package nada is a client for a remote NADA microdata catalog.
//
// The upstream API pages dataset listings in fixed chunks and wraps results in
// loosely-shaped JSON envelopes, so the client stitches pages into the
// caller's requested window and digs file lists out of whichever envelope key
// the server used.
package nada

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// pageSize is the server's fixed listing page size.
const pageSize = 15

var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// StatusError is a non-retryable upstream response, annotated with the
// response body when one was readable.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("nada: upstream returned %d", e.Code)
	}
	return fmt.Sprintf("nada: upstream returned %d: %s", e.Code, e.Body)
}

// Client talks to one NADA instance.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int

	logger *zap.Logger

	// backoffBase scales the retry delays; tests shrink it.
	backoffBase time.Duration
}

// NewClient builds a client with sane defaults. logger may be nil.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		HTTPClient:  &http.Client{Timeout: 60 * time.Second},
		MaxRetries:  3,
		logger:      logger,
		backoffBase: time.Second,
	}
}

// ListResult is the stitched dataset listing window.
type ListResult struct {
	Found  any              `json:"found"`
	Total  any              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
	Rows   []map[string]any `json:"rows"`
}

// ListDatasets fetches [offset, offset+limit) from the paged listing,
// requesting only the server pages the window touches.
func (c *Client) ListDatasets(ctx context.Context, limit, offset int) (*ListResult, error) {
	if limit < 1 {
		limit = pageSize
	}
	if offset < 0 {
		offset = 0
	}

	startPage := offset/pageSize + 1
	endPage := (offset+limit-1)/pageSize + 1
	startIndex := offset % pageSize

	var rows []map[string]any
	out := &ListResult{Limit: limit, Offset: offset}

	for page := startPage; page <= endPage; page++ {
		url := fmt.Sprintf("%s/api/listdatasets?page=%d", c.BaseURL, page)
		var payload map[string]any
		if err := c.getJSON(ctx, url, &payload); err != nil {
			return nil, err
		}
		result, _ := payload["result"].(map[string]any)
		if result == nil {
			continue
		}
		if out.Found == nil {
			out.Found = result["found"]
		}
		if out.Total == nil {
			out.Total = result["total"]
		}
		pageRows, _ := result["rows"].([]any)
		for _, r := range pageRows {
			if m, ok := r.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
	}

	if startIndex > len(rows) {
		startIndex = len(rows)
	}
	end := startIndex + limit
	if end > len(rows) {
		end = len(rows)
	}
	out.Rows = rows[startIndex:end]
	return out, nil
}

// FilesList fetches the file manifest envelope for a dataset.
func (c *Client) FilesList(ctx context.Context, datasetID string) (map[string]any, error) {
	url := fmt.Sprintf("%s/api/datasets/%s/fileslist", c.BaseURL, datasetID)
	var payload map[string]any
	if err := c.getJSON(ctx, url, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// DownloadFile streams one catalog file to destPath, creating parent
// directories as needed.
func (c *Client) DownloadFile(ctx context.Context, datasetID, fileNo, destPath string) error {
	url := fmt.Sprintf("%s/api/fileslist/download/%s/%s", c.BaseURL, datasetID, fileNo)
	body, err := c.getBytes(ctx, url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	return os.WriteFile(destPath, body, 0o644)
}

func (c *Client) getJSON(ctx context.Context, url string, dst any) error {
	body, err := c.getBytes(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("nada: decode %s: %w", url, err)
	}
	return nil
}

// getBytes performs a GET with capped exponential backoff on the retryable
// status set and on connection-level errors. Non-retryable statuses propagate
// immediately as *StatusError.
func (c *Client) getBytes(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			base := c.backoffBase
			if base <= 0 {
				base = time.Second
			}
			delay := time.Duration(1<<uint(attempt-1)) * base
			if delay > 8*base {
				delay = 8 * base
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, retryable, err := c.getOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("nada request retrying", zap.String("url", url), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, url string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-KEY", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("nada: request %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if readErr != nil {
			return nil, true, fmt.Errorf("nada: read %s: %w", url, readErr)
		}
		return data, false, nil
	}

	serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	return nil, retryStatuses[resp.StatusCode], serr
}

// ExtractFiles digs the file list out of the manifest envelope. The server has
// shipped several shapes; every known one nests the list under result/data as
// files/rows, or at the top level.
func ExtractFiles(payload map[string]any) []map[string]any {
	pick := func(container map[string]any) []map[string]any {
		for _, listKey := range []string{"files", "rows"} {
			items, _ := container[listKey].([]any)
			if items == nil {
				continue
			}
			var out []map[string]any
			for _, it := range items {
				if m, ok := it.(map[string]any); ok {
					out = append(out, m)
				}
			}
			return out
		}
		return nil
	}

	for _, key := range []string{"result", "data"} {
		if inner, ok := payload[key].(map[string]any); ok {
			if files := pick(inner); files != nil {
				return files
			}
		}
	}
	if files := pick(payload); files != nil {
		return files
	}
	return nil
}

// GuessFileNo finds the file number under whichever key the server used.
func GuessFileNo(item map[string]any) (string, bool) {
	for _, k := range []string{"FileNo", "file_no", "fileNo", "fileno", "file_number", "id"} {
		if v, ok := item[k]; ok {
			s := anyString(v)
			if s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// GuessFileName finds a usable filename, falling back to the given default.
func GuessFileName(item map[string]any, fallback string) string {
	for _, k := range []string{"file_name", "filename", "FileName", "name", "title"} {
		if v, ok := item[k]; ok {
			if s := anyString(v); s != "" {
				return s
			}
		}
	}
	return fallback
}

func anyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
