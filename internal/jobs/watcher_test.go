package jobs

import (
	"testing"
	"time"
)

func newTestWatcher(s *Store) *Watcher {
	return NewWatcher(s, time.Second, nil)
}

func TestWatcherLogDetection(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	id := s.Create("x.zip", "public")
	s.Transition(id, StatusIngesting, "working")
	s.AppendLog(id, "Upload complete! All files processed")

	w := newTestWatcher(s)
	if n := w.Tick(); n != 1 {
		t.Fatalf("Tick() = %d, want 1", n)
	}
	j, _ := s.Get(id)
	if j.Status != StatusCompleted || j.Progress != 100 {
		t.Errorf("job = %+v", j)
	}
	if j.Message != "Ingestion complete (log detection)" {
		t.Errorf("message = %q", j.Message)
	}
}

func TestWatcherStateSync(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	id := s.Create("x.zip", "public")
	s.Transition(id, StatusIngesting, "working")

	// Simulate the gap: state reads COMPLETED but the status update was lost.
	s.mutate(id, func(j *Job) { j.CurrentState = "COMPLETED" })

	w := newTestWatcher(s)
	if n := w.Tick(); n != 1 {
		t.Fatalf("Tick() = %d, want 1", n)
	}
	j, _ := s.Get(id)
	if j.Status != StatusCompleted || j.Message != "Ingestion complete (state sync)" {
		t.Errorf("job = %+v", j)
	}
}

func TestWatcherFailureVeto(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	id := s.Create("x.zip", "public")
	s.Transition(id, StatusIngesting, "working")
	s.AppendLog(id, "export phase completed")
	s.AppendLog(id, "Failed: could not write table")

	w := newTestWatcher(s)
	if n := w.Tick(); n != 0 {
		t.Fatalf("Tick() = %d, want 0 (failure veto)", n)
	}
	j, _ := s.Get(id)
	if j.Status.Terminal() {
		t.Errorf("vetoed job finalized: %s", j.Status)
	}
}

func TestWatcherUploadOverridesFailureVeto(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	id := s.Create("x.zip", "public")
	s.Transition(id, StatusIngesting, "working")
	s.AppendLog(id, "file2.csv successfully uploaded")
	s.AppendLog(id, "file3.csv failed: bad encoding")
	s.AppendLog(id, "job completed successfully")

	w := newTestWatcher(s)
	if n := w.Tick(); n != 1 {
		t.Fatalf("Tick() = %d, want 1 (override)", n)
	}
}

func TestWatcherIgnoresTerminalAndQuietJobs(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)

	done := s.Create("done.zip", "public")
	s.Transition(done, StatusCompleted, "finished")
	transitions := func(id string) int {
		j, _ := s.Get(id)
		return len(j.Transitions)
	}
	before := transitions(done)

	quiet := s.Create("quiet.zip", "public")
	s.Transition(quiet, StatusIngesting, "working")
	s.AppendLog(quiet, "nothing conclusive yet")

	w := newTestWatcher(s)
	if n := w.Tick(); n != 0 {
		t.Fatalf("Tick() = %d, want 0", n)
	}
	if transitions(done) != before {
		t.Error("terminal job touched")
	}
	j, _ := s.Get(quiet)
	if j.Status != StatusIngesting {
		t.Errorf("quiet job mutated: %s", j.Status)
	}
}
