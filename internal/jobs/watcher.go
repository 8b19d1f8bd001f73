package jobs

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// successMarkers are log substrings that prove a job finished its useful work
// even if the final status update never landed.
var successMarkers = []string{
	"successfully deleted and process complete",
	"job completed successfully",
	"upload complete!",
	"nesstar_real_export_success",
	"conversion completed",
	"export complete",
	"export phase completed",
}

// failureVeto suppresses log-based completion; uploadOverride cancels the veto
// because a logged per-file failure after a logged successful upload still
// means the job as a whole finished.
const (
	failureVeto    = "failed:"
	uploadOverride = "successfully uploaded"
)

// Watcher is a reconciliation loop over the job store. The pipeline's own
// final status update is the primary completion signal; the watcher is a
// second, evidence-based pass for jobs whose update was lost (for example when
// the hosting process was interrupted after the work finished).
type Watcher struct {
	store    *Store
	interval time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a watcher polling at the given interval. Intervals below
// 200ms are clamped.
func NewWatcher(store *Store, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval < 200*time.Millisecond {
		interval = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{store: store, interval: interval, logger: logger}
}

// Run ticks until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watcher started", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Tick()
		}
	}
}

// Tick scans every non-terminal job once and returns how many it finalized.
func (w *Watcher) Tick() int {
	finalized := 0
	for _, job := range w.store.List() {
		if job.Status.Terminal() {
			continue
		}

		msg, complete := completionEvidence(&job)
		if !complete {
			continue
		}

		w.logger.Info("watcher finalizing job", zap.String("job_id", job.ID), zap.String("reason", msg))
		w.store.Transition(job.ID, StatusCompleted, msg)
		w.store.SetProgress(job.ID, 100)
		finalized++
	}
	return finalized
}

// completionEvidence checks the two detection paths: a state-sync gap where
// current_state already reads COMPLETED, and success markers in the log text.
func completionEvidence(job *Job) (string, bool) {
	if strings.EqualFold(job.CurrentState, string(StatusCompleted)) {
		return "Ingestion complete (state sync)", true
	}

	text := job.LogText()
	for _, marker := range successMarkers {
		if !strings.Contains(text, marker) {
			continue
		}
		if strings.Contains(text, failureVeto) && !strings.Contains(text, uploadOverride) {
			break
		}
		return "Ingestion complete (log detection)", true
	}
	return "", false
}
