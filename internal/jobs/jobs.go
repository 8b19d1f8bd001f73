// Package jobs tracks asynchronous ingestion work: a process-lifetime job
// store with a terminal-state guard, and a watcher that reconciles job status
// against log evidence when the primary completion signal is lost.
package jobs

import (
	"strings"
	"time"
)

// Status is a job lifecycle state. The converter bridge additionally uses
// free-form stage labels; those live in Job.CurrentState and never become a
// Status.
type Status string

const (
	StatusInitialized Status = "INITIALIZED"
	StatusQueued      Status = "QUEUED"
	StatusConverting  Status = "CONVERTING"
	StatusExporting   Status = "EXPORTING"
	StatusIngesting   Status = "INGESTING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// Terminal reports whether the status ends the lifecycle. Terminal jobs
// accept log/error appends but suppress further status, state, and progress
// mutation (progress only if not exactly 100).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus maps a free-form state label onto a lifecycle status,
// case-insensitively. Unknown labels return ok=false and stay diagnostic-only.
func ParseStatus(label string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(label))) {
	case StatusInitialized:
		return StatusInitialized, true
	case StatusQueued:
		return StatusQueued, true
	case StatusConverting:
		return StatusConverting, true
	case StatusExporting:
		return StatusExporting, true
	case StatusIngesting:
		return StatusIngesting, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusFailed:
		return StatusFailed, true
	}
	return "", false
}

// Type distinguishes plain uploads from conversions that run the external
// Nesstar bridge.
type Type string

const (
	TypeUpload            Type = "upload"
	TypeNesstarConversion Type = "nesstar_conversion"
)

// File status values for the per-file sub-status list.
const (
	FilePending    = "pending"
	FileProcessing = "processing"
	FileLoadingDB  = "loading_db"
	FileCompleted  = "completed"
	FileSkipped    = "skipped"
	FileFailed     = "failed"
)

// FileProgress is one data file's sub-status within a job.
type FileProgress struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Rows   int    `json:"rows"`
	Error  string `json:"error,omitempty"`
}

// Transition is one accepted status change. Suppressed updates never append a
// record, so the history can never show a transition away from a terminal
// status.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Job is the unit of asynchronous work tracked end-to-end. Records are never
// deleted; the store is process-lifetime only.
type Job struct {
	ID           string            `json:"id"`
	Status       Status            `json:"status"`
	CurrentState string            `json:"current_state"`
	Progress     int               `json:"progress"`
	Message      string            `json:"message"`
	Filename     string            `json:"filename"`
	Schema       string            `json:"schema"`
	Type         Type              `json:"job_type"`
	Logs         []string          `json:"logs"`
	Errors       []string          `json:"errors"`
	Files        []FileProgress    `json:"files"`
	Transitions  []Transition      `json:"transitions"`
	OutputPaths  map[string]string `json:"output_paths"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// LogText joins the accumulated log lines, lowercased, for marker scanning.
func (j *Job) LogText() string {
	return strings.ToLower(strings.Join(j.Logs, "\n"))
}
