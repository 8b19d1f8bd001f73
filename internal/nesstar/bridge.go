package nesstar

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"ingest/internal/ddi"
	"ingest/internal/jobs"
	"ingest/internal/loader"
)

const (
	// DefaultMaxAttempts bounds conversion retries per package.
	DefaultMaxAttempts = 3

	// DefaultMinDataBytes is the smallest plausible exported data file; anything
	// below it is treated as a truncated export.
	DefaultMinDataBytes = 1024

	// DefaultMismatchRatio tolerates export/metadata column-count drift up to
	// this share of the larger count (floor of 5 columns either way).
	DefaultMismatchRatio = 0.10
)

// Result is a validated conversion: one open-format data file plus the
// exported study metadata.
type Result struct {
	OutDir       string
	DataFile     string
	MetadataFile string
	Metadata     *ddi.Document
}

// Bridge drives the external converter with per-attempt output validation.
// Stage tokens from converter output move the job's state and progress; every
// output line lands in the job log.
type Bridge struct {
	Conv          Converter
	Store         *jobs.Store
	MaxAttempts   int
	MinDataBytes  int64
	MismatchRatio float64
	Logger        *zap.Logger
}

func NewBridge(conv Converter, store *jobs.Store, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		Conv:          conv,
		Store:         store,
		MaxAttempts:   DefaultMaxAttempts,
		MinDataBytes:  DefaultMinDataBytes,
		MismatchRatio: DefaultMismatchRatio,
		Logger:        logger,
	}
}

// Run converts packagePath under workDir, retrying failed or invalid exports
// up to MaxAttempts times. The returned Result points at files inside a
// per-attempt subdirectory of workDir.
func (b *Bridge) Run(ctx context.Context, jobID, packagePath, workDir string) (*Result, error) {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outDir := filepath.Join(workDir, fmt.Sprintf("export_%d", attempt))
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, fmt.Errorf("create export dir: %w", err)
		}

		b.Store.AppendLog(jobID, fmt.Sprintf("Conversion attempt %d of %d", attempt, attempts))
		b.Logger.Info("converting study package",
			zap.String("job_id", jobID),
			zap.String("package", filepath.Base(packagePath)),
			zap.Int("attempt", attempt),
		)

		var lines []string
		err := b.Conv.Convert(ctx, packagePath, outDir, func(line string) {
			lines = append(lines, line)
			b.Store.AppendLog(jobID, line)
			if stage, pct, ok := MatchStage(line); ok {
				b.Store.SetState(jobID, stage)
				b.Store.SetProgress(jobID, pct)
			}
		})
		if err != nil {
			lastErr = classifyFailure(err, lines)
			b.Store.AppendError(jobID, lastErr.Error())
			if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) {
				return nil, lastErr
			}
			continue
		}

		res, err := b.validate(outDir)
		if err != nil {
			lastErr = err
			b.Store.AppendError(jobID, fmt.Sprintf("Export validation failed: %v", err))
			continue
		}

		b.Store.AppendLog(jobID, "nesstar_real_export_success")
		return res, nil
	}

	if lastErr == nil {
		lastErr = errors.New("nesstar: conversion produced no usable export")
	}
	return nil, lastErr
}

// validate checks the exported files are a coherent study: a readable data
// file of plausible size and, when the export carries metadata, a descriptor
// that parses to at least one variable with a column count near the data's. A
// metadata-less export is valid; ProcessDirectory handles metadata-optional
// input downstream.
func (b *Bridge) validate(outDir string) (*Result, error) {
	dataFile := pickDataFile(outDir)
	if dataFile == "" {
		return nil, errors.New("Dataset file missing")
	}
	info, err := os.Stat(dataFile)
	if err != nil {
		return nil, err
	}
	minBytes := b.MinDataBytes
	if minBytes <= 0 {
		minBytes = DefaultMinDataBytes
	}
	if info.Size() < minBytes {
		return nil, fmt.Errorf("exported data file too small (%d bytes)", info.Size())
	}

	metaFile := pickMetadataFile(outDir)
	if metaFile == "" {
		if _, err := loader.Load(dataFile, nil); err != nil {
			return nil, fmt.Errorf("exported data unreadable: %w", err)
		}
		return &Result{OutDir: outDir, DataFile: dataFile}, nil
	}

	doc, err := ddi.Parse(metaFile)
	if err != nil {
		return nil, fmt.Errorf("exported metadata unreadable: %w", err)
	}
	if len(doc.Variables) == 0 {
		return nil, errors.New("Metadata missing")
	}

	data, err := loader.Load(dataFile, doc)
	if err != nil {
		return nil, fmt.Errorf("exported data unreadable: %w", err)
	}
	got, want := data.NumColumns(), len(doc.Variables)
	if diff, allowed := columnMismatch(got, want, b.MismatchRatio); diff > allowed {
		return nil, fmt.Errorf("column count mismatch: data has %d, metadata has %d (allowed drift %d)", got, want, allowed)
	}

	return &Result{OutDir: outDir, DataFile: dataFile, MetadataFile: metaFile, Metadata: doc}, nil
}

func columnMismatch(got, want int, ratio float64) (diff, allowed int) {
	diff = got - want
	if diff < 0 {
		diff = -diff
	}
	larger := got
	if want > larger {
		larger = want
	}
	if ratio <= 0 {
		ratio = DefaultMismatchRatio
	}
	allowed = int(float64(larger) * ratio)
	if allowed < 5 {
		allowed = 5
	}
	return diff, allowed
}

// classifyFailure turns a converter exit into an operator-readable message
// using diagnostic substrings from its output.
func classifyFailure(err error, lines []string) error {
	if errors.Is(err, ErrTimeout) {
		return errors.New("Conversion timed out")
	}
	joined := strings.ToLower(strings.Join(lines, "\n"))
	switch {
	case strings.Contains(joined, "save dialog"):
		return errors.New("Export failed: Save dialog not completed")
	case strings.Contains(joined, "dataset file missing"), strings.Contains(joined, "no dataset file"):
		return errors.New("Dataset file missing")
	case strings.Contains(joined, "metadata missing"), strings.Contains(joined, "no metadata"):
		return errors.New("Metadata missing")
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return fmt.Errorf("Nesstar conversion failed (code=%d)", exit.ExitCode())
	}
	return fmt.Errorf("Nesstar conversion failed: %w", err)
}

// pickDataFile selects the exported data file: the largest .sav if any, else
// the largest .por, else the largest .csv.
func pickDataFile(dir string) string {
	for _, ext := range []string{".sav", ".por", ".csv"} {
		if p := largestWithExt(dir, ext); p != "" {
			return p
		}
	}
	return ""
}

// pickMetadataFile prefers the largest XML whose name mentions ddi or nsd,
// falling back to the largest XML of any name.
func pickMetadataFile(dir string) string {
	if p := largestXML(dir, true); p != "" {
		return p
	}
	return largestXML(dir, false)
}

func largestXML(dir string, requireHint bool) string {
	best := ""
	var bestSize int64 = -1
	walkFiles(dir, func(path string, size int64) {
		name := strings.ToLower(filepath.Base(path))
		if !strings.HasSuffix(name, ".xml") {
			return
		}
		if requireHint && !strings.Contains(name, "ddi") && !strings.Contains(name, "nsd") {
			return
		}
		if size > bestSize {
			best, bestSize = path, size
		}
	})
	return best
}

func largestWithExt(dir, ext string) string {
	best := ""
	var bestSize int64 = -1
	walkFiles(dir, func(path string, size int64) {
		if !strings.HasSuffix(strings.ToLower(filepath.Base(path)), ext) {
			return
		}
		if size > bestSize {
			best, bestSize = path, size
		}
	})
	return best
}

func walkFiles(dir string, visit func(path string, size int64)) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		visit(path, info.Size())
		return nil
	})
}
