package nesstar

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"ingest/internal/jobs"
)

const testDDI = `<codeBook>
  <stdyDscr><citation><titlStmt><titl>Export Study</titl></titlStmt></citation></stdyDscr>
  <dataDscr>
    <var name="age"><labl>Age</labl><varFormat type="numeric"/></var>
    <var name="sex"><labl>Sex</labl></var>
  </dataDscr>
</codeBook>`

const testCSV = "age,sex\n34,M\n35,F\n"

type fakeConverter struct {
	calls int
	fn    func(attempt int, outDir string, onLine func(string)) error
}

func (f *fakeConverter) Convert(ctx context.Context, pkg, outDir string, onLine func(string)) error {
	f.calls++
	return f.fn(f.calls, outDir, onLine)
}

func writeValidExport(t *testing.T, outDir string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(outDir, "study_ddi.xml"), []byte(testDDI), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "data.csv"), []byte(testCSV), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestBridge(conv Converter) (*Bridge, *jobs.Store, string) {
	store := jobs.NewStore(nil)
	id := store.Create("study.nesstar", "public")
	b := NewBridge(conv, store, nil)
	b.MinDataBytes = 1
	return b, store, id
}

func TestBridgeSuccessTracksStages(t *testing.T) {
	t.Parallel()

	conv := &fakeConverter{fn: func(attempt int, outDir string, onLine func(string)) error {
		onLine("CONVERTING_WITH_NESSTAR study.nesstar")
		onLine("EXPORTING_METADATA")
		onLine("writing temp files")
		onLine("VALIDATING_EXPORTED_FILES")
		writeValidExport(t, outDir)
		return nil
	}}
	b, store, id := newTestBridge(conv)

	res, err := b.Run(context.Background(), id, "study.nesstar", t.TempDir())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if filepath.Base(res.DataFile) != "data.csv" {
		t.Errorf("DataFile = %s", res.DataFile)
	}
	if filepath.Base(res.MetadataFile) != "study_ddi.xml" {
		t.Errorf("MetadataFile = %s", res.MetadataFile)
	}
	if res.Metadata == nil || len(res.Metadata.Variables) != 2 {
		t.Errorf("Metadata = %+v", res.Metadata)
	}

	job, _ := store.Get(id)
	if job.CurrentState != StageValidating {
		t.Errorf("CurrentState = %s, want %s", job.CurrentState, StageValidating)
	}
	if job.Progress != 75 {
		t.Errorf("Progress = %d, want 75", job.Progress)
	}
	if !strings.Contains(job.LogText(), "nesstar_real_export_success") {
		t.Error("success marker missing from job log")
	}
	if !strings.Contains(job.LogText(), "writing temp files") {
		t.Error("plain output line missing from job log")
	}
}

func TestBridgeMetadataOptional(t *testing.T) {
	t.Parallel()

	// An export with a valid data file and no XML succeeds on the first
	// attempt; metadata resolution is the directory processor's problem.
	conv := &fakeConverter{fn: func(attempt int, outDir string, onLine func(string)) error {
		return os.WriteFile(filepath.Join(outDir, "data.csv"), []byte(testCSV), 0o644)
	}}
	b, store, id := newTestBridge(conv)

	res, err := b.Run(context.Background(), id, "study.nesstar", t.TempDir())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if conv.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for a metadata-less export)", conv.calls)
	}
	if filepath.Base(res.DataFile) != "data.csv" {
		t.Errorf("DataFile = %s", res.DataFile)
	}
	if res.Metadata != nil || res.MetadataFile != "" {
		t.Errorf("Metadata = %+v (%s), want none", res.Metadata, res.MetadataFile)
	}

	job, _ := store.Get(id)
	if len(job.Errors) != 0 {
		t.Errorf("Errors = %v", job.Errors)
	}
}

func TestBridgeRetriesInvalidExport(t *testing.T) {
	t.Parallel()

	conv := &fakeConverter{fn: func(attempt int, outDir string, onLine func(string)) error {
		// First export produces nothing usable.
		if attempt >= 2 {
			writeValidExport(t, outDir)
		}
		return nil
	}}
	b, store, id := newTestBridge(conv)

	if _, err := b.Run(context.Background(), id, "p", t.TempDir()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if conv.calls != 2 {
		t.Errorf("calls = %d, want 2", conv.calls)
	}
	job, _ := store.Get(id)
	if len(job.Errors) == 0 || !strings.Contains(job.Errors[0], "Dataset file missing") {
		t.Errorf("Errors = %v", job.Errors)
	}
}

func TestBridgeColumnMismatchExhaustsRetries(t *testing.T) {
	t.Parallel()

	var vars strings.Builder
	vars.WriteString("<codeBook><dataDscr>")
	for i := 0; i < 20; i++ {
		vars.WriteString(`<var name="v` + string(rune('a'+i)) + `"/>`)
	}
	vars.WriteString("</dataDscr></codeBook>")

	conv := &fakeConverter{fn: func(attempt int, outDir string, onLine func(string)) error {
		if err := os.WriteFile(filepath.Join(outDir, "meta_nsd.xml"), []byte(vars.String()), 0o644); err != nil {
			t.Fatal(err)
		}
		return os.WriteFile(filepath.Join(outDir, "data.csv"), []byte(testCSV), 0o644)
	}}
	b, _, id := newTestBridge(conv)

	_, err := b.Run(context.Background(), id, "p", t.TempDir())
	if err == nil {
		t.Fatal("Run() succeeded with 2 columns against 20 variables")
	}
	if !strings.Contains(err.Error(), "column count mismatch") {
		t.Errorf("error = %v", err)
	}
	if conv.calls != DefaultMaxAttempts {
		t.Errorf("calls = %d, want %d", conv.calls, DefaultMaxAttempts)
	}
}

func TestBridgeTimeoutDoesNotRetry(t *testing.T) {
	t.Parallel()

	conv := &fakeConverter{fn: func(int, string, func(string)) error { return ErrTimeout }}
	b, store, id := newTestBridge(conv)

	_, err := b.Run(context.Background(), id, "p", t.TempDir())
	if err == nil || err.Error() != "Conversion timed out" {
		t.Fatalf("error = %v", err)
	}
	if conv.calls != 1 {
		t.Errorf("calls = %d, want 1", conv.calls)
	}
	job, _ := store.Get(id)
	if len(job.Errors) != 1 {
		t.Errorf("Errors = %v", job.Errors)
	}
}

func TestClassifyFailure(t *testing.T) {
	t.Parallel()

	plain := errors.New("exit")
	tests := []struct {
		name  string
		err   error
		lines []string
		want  string
	}{
		{"timeout", ErrTimeout, nil, "Conversion timed out"},
		{"dialog", plain, []string{"ERROR: Save dialog left open"}, "Export failed: Save dialog not completed"},
		{"no data", plain, []string{"no dataset file was produced"}, "Dataset file missing"},
		{"no meta", plain, []string{"metadata missing from export"}, "Metadata missing"},
		{"opaque", plain, []string{"something else"}, "Nesstar conversion failed: exit"},
	}
	for _, tt := range tests {
		if got := classifyFailure(tt.err, tt.lines); got.Error() != tt.want {
			t.Errorf("%s: classifyFailure = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestClassifyFailureExitCode(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}

	err := exec.Command("sh", "-c", "exit 7").Run()
	got := classifyFailure(err, nil)
	if got.Error() != "Nesstar conversion failed (code=7)" {
		t.Errorf("classifyFailure = %q", got)
	}
}

func TestPickDataFilePreference(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name string, size int) {
		if err := os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("huge.csv", 9000)
	write("big.por", 5000)
	write("small.sav", 100)
	write("smaller.sav", 50)

	if got := filepath.Base(pickDataFile(dir)); got != "small.sav" {
		t.Errorf("pickDataFile = %s, want small.sav", got)
	}

	os.Remove(filepath.Join(dir, "small.sav"))
	os.Remove(filepath.Join(dir, "smaller.sav"))
	if got := filepath.Base(pickDataFile(dir)); got != "big.por" {
		t.Errorf("pickDataFile = %s, want big.por", got)
	}
}

func TestPickMetadataFilePrefersHintedName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "export.xml"), make([]byte, 9000), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "study_ddi.xml"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := filepath.Base(pickMetadataFile(dir)); got != "study_ddi.xml" {
		t.Errorf("pickMetadataFile = %s, want study_ddi.xml", got)
	}

	os.Remove(filepath.Join(dir, "study_ddi.xml"))
	if got := filepath.Base(pickMetadataFile(dir)); got != "export.xml" {
		t.Errorf("pickMetadataFile fallback = %s, want export.xml", got)
	}
}

func TestExeConverterStreamsOutput(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "convert.sh")
	body := "#!/bin/sh\necho CONVERTING_WITH_NESSTAR\necho done \"$2\" to \"$3\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	conv := &ExeConverter{ExePath: "/bin/true", ScriptPath: script}
	var lines []string
	err := conv.Convert(context.Background(), "pkg.nesstar", dir, func(l string) {
		lines = append(lines, l)
	})
	if err != nil {
		t.Fatalf("Convert() error: %v", err)
	}
	if len(lines) != 2 || lines[0] != "CONVERTING_WITH_NESSTAR" {
		t.Errorf("lines = %v", lines)
	}
}
