package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the process-wide in-memory job registry.
//
// Records are independently keyed: each one is only ever mutated by its owning
// pipeline task plus the watcher, but the store itself is safe for concurrent
// use across jobs. Nothing is persisted; a restart loses all job history.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates an empty store. logger may be nil.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		jobs:   make(map[string]*Job),
		logger: logger,
		now:    time.Now,
	}
}

// Create registers a new job and returns its id.
func (s *Store) Create(filename, schema string) string {
	id := uuid.NewString()
	now := s.now()

	s.mu.Lock()
	s.jobs[id] = &Job{
		ID:          id,
		Status:      StatusInitialized,
		Progress:    0,
		Message:     "Job created",
		Filename:    filename,
		Schema:      schema,
		Type:        TypeUpload,
		OutputPaths: map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Unlock()

	s.logger.Info("job created", zap.String("job_id", id), zap.String("filename", filename), zap.String("schema", schema))
	return id
}

// Get returns a deep copy of the job, or ok=false.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return copyJob(j), true
}

// List returns a snapshot of every job.
func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, copyJob(j))
	}
	return out
}

// Transition sets the job status, optionally updating the message first so the
// transition record carries it as the reason.
//
// Edge cases:
//   - Once the job is terminal, any further status change is silently dropped.
//   - A no-op change (same status) updates the message but records nothing.
//   - Entering a terminal status pins progress at 100.
func (s *Store) Transition(id string, to Status, message string) {
	s.mutate(id, func(j *Job) {
		if j.Status.Terminal() {
			return
		}
		if message != "" {
			j.Message = message
		}
		if j.Status == to {
			return
		}
		j.Transitions = append(j.Transitions, Transition{
			From:   j.Status,
			To:     to,
			At:     s.now(),
			Reason: j.Message,
		})
		j.Status = to
		j.CurrentState = string(to)
		if to.Terminal() {
			j.Progress = 100
		}
	})
}

// SetState records a finer-grained stage label. Labels naming a known
// lifecycle state propagate to the status directly, keeping the two in sync;
// arbitrary labels update CurrentState only.
func (s *Store) SetState(id, state string) {
	if st, ok := ParseStatus(state); ok {
		s.Transition(id, st, "")
		return
	}
	s.mutate(id, func(j *Job) {
		if j.Status.Terminal() {
			return
		}
		j.CurrentState = state
	})
}

// SetProgress updates progress. Terminal jobs ignore everything except an
// exact 100, so a stray late update cannot resurrect a finished job's display.
func (s *Store) SetProgress(id string, progress int) {
	s.mutate(id, func(j *Job) {
		if j.Status.Terminal() && progress != 100 {
			return
		}
		j.Progress = progress
	})
}

// SetMessage updates the human-readable message.
func (s *Store) SetMessage(id, message string) {
	s.mutate(id, func(j *Job) {
		if j.Status.Terminal() {
			return
		}
		j.Message = message
	})
}

// SetType records the job type.
func (s *Store) SetType(id string, t Type) {
	s.mutate(id, func(j *Job) { j.Type = t })
}

// SetFiles replaces the per-file sub-status list.
func (s *Store) SetFiles(id string, files []FileProgress) {
	s.mutate(id, func(j *Job) {
		j.Files = append([]FileProgress(nil), files...)
	})
}

// SetOutput records an output artifact path.
func (s *Store) SetOutput(id, key, path string) {
	s.mutate(id, func(j *Job) { j.OutputPaths[key] = path })
}

// AppendLog appends a log line. Always accepted, terminal or not; the audit
// trail is never truncated.
func (s *Store) AppendLog(id, line string) {
	s.mutate(id, func(j *Job) { j.Logs = append(j.Logs, line) })
}

// AppendError appends an error string. Always accepted, terminal or not.
func (s *Store) AppendError(id, msg string) {
	s.mutate(id, func(j *Job) { j.Errors = append(j.Errors, msg) })
}

// Fail moves the job to FAILED with the message recorded both as the job
// message and in the error list.
func (s *Store) Fail(id, message string) {
	s.AppendError(id, message)
	s.Transition(id, StatusFailed, message)
}

func (s *Store) mutate(id string, fn func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	fn(j)
	j.UpdatedAt = s.now()
}

func copyJob(j *Job) Job {
	out := *j
	out.Logs = append([]string(nil), j.Logs...)
	out.Errors = append([]string(nil), j.Errors...)
	out.Files = append([]FileProgress(nil), j.Files...)
	out.Transitions = append([]Transition(nil), j.Transitions...)
	out.OutputPaths = make(map[string]string, len(j.OutputPaths))
	for k, v := range j.OutputPaths {
		out.OutputPaths[k] = v
	}
	return out
}
