// Package pipeline turns an uploaded study artifact into relational tables
// and catalog rows, tracking every step in the job store. The entry point is
// RunIngestion; ProcessDirectory does the per-directory work and is also the
// landing point for converter bridge output.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"ingest/internal/jobs"
	"ingest/internal/loader"
	"ingest/internal/metrics"
	"ingest/internal/nesstar"
	"ingest/internal/storage"
)

// DefaultBinaryThreshold routes .nesstar artifacts above this size straight
// to the converter bridge.
const DefaultBinaryThreshold = 100 * 1024 * 1024

// DefaultMetadataMatchRatio is the minimum share of .nsdstat variables that
// must appear among loaded columns.
const DefaultMetadataMatchRatio = 0.50

// Options configures a Pipeline.
type Options struct {
	Store  *jobs.Store
	Repo   storage.Repository
	Schema string
	Logger *zap.Logger

	// Bridge is the external converter; nil disables .nesstar conversion.
	Bridge *nesstar.Bridge

	// BinaryThreshold and MetadataMatchRatio fall back to package defaults
	// when zero.
	BinaryThreshold    int64
	MetadataMatchRatio float64
}

// Pipeline ingests uploaded artifacts. Safe for concurrent use across jobs;
// within one job, files are processed strictly sequentially.
type Pipeline struct {
	store      *jobs.Store
	repo       storage.Repository
	schema     string
	logger     *zap.Logger
	bridge     *nesstar.Bridge
	threshold  int64
	matchRatio float64
}

func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := opts.BinaryThreshold
	if threshold <= 0 {
		threshold = DefaultBinaryThreshold
	}
	ratio := opts.MetadataMatchRatio
	if ratio <= 0 {
		ratio = DefaultMetadataMatchRatio
	}
	return &Pipeline{
		store:      opts.Store,
		repo:       opts.Repo,
		schema:     opts.Schema,
		logger:     logger,
		bridge:     opts.Bridge,
		threshold:  threshold,
		matchRatio: ratio,
	}
}

// RunIngestion processes one uploaded artifact end to end. Fatal errors mark
// the job FAILED and are also returned; per-file problems never surface here.
// The caller owns deletion of the artifact after the run settles.
func (p *Pipeline) RunIngestion(ctx context.Context, jobID, artifactPath string) error {
	start := time.Now()
	err := p.runIngestion(ctx, jobID, artifactPath)
	if err != nil {
		p.store.Fail(jobID, err.Error())
		metrics.RecordJob(jobType(artifactPath), "failed")
		metrics.RecordStage("ingestion", "failed", time.Since(start))
		return err
	}
	metrics.RecordJob(jobType(artifactPath), "completed")
	metrics.RecordStage("ingestion", "ok", time.Since(start))
	return nil
}

func (p *Pipeline) runIngestion(ctx context.Context, jobID, artifactPath string) error {
	ext := strings.ToLower(filepath.Ext(artifactPath))

	p.store.Transition(jobID, jobs.StatusQueued, "Reading upload and checking for duplicates...")
	p.store.SetProgress(jobID, 2)

	datasetID, err := DatasetID(artifactPath, p.schema)
	if err != nil {
		return err
	}

	if loader.IsDataFile(artifactPath) {
		return p.ingestBareFile(ctx, jobID, artifactPath, datasetID)
	}

	if ext == ".nesstar" {
		return p.ingestNesstar(ctx, jobID, artifactPath, datasetID)
	}

	// Everything else must be a ZIP study package.
	p.store.Transition(jobID, jobs.StatusIngesting, "Extracting study package...")
	dir, cleanup, err := p.extractToTemp(artifactPath)
	if err != nil {
		return fmt.Errorf("invalid ZIP file: %w", err)
	}
	defer cleanup()

	_, err = p.ProcessDirectory(ctx, jobID, dir, datasetID, dirOptions{})
	return err
}

// ingestBareFile handles a data file uploaded without a package: it is copied
// into an isolated directory and processed with metadata optional.
func (p *Pipeline) ingestBareFile(ctx context.Context, jobID, artifactPath, datasetID string) error {
	p.store.Transition(jobID, jobs.StatusIngesting, "Processing data file...")

	dir, err := os.MkdirTemp("", "ingest-file-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	dst := filepath.Join(dir, filepath.Base(artifactPath))
	if err := copyFile(artifactPath, dst); err != nil {
		return fmt.Errorf("stage data file: %w", err)
	}

	_, err = p.ProcessDirectory(ctx, jobID, dir, datasetID, dirOptions{})
	return err
}

// ingestNesstar routes a .nesstar artifact: above the size threshold it goes
// straight to the converter bridge; below it, a direct parse is attempted
// first with the bridge as fallback.
func (p *Pipeline) ingestNesstar(ctx context.Context, jobID, artifactPath, datasetID string) error {
	p.store.SetType(jobID, jobs.TypeNesstarConversion)

	info, err := os.Stat(artifactPath)
	if err != nil {
		return err
	}

	if info.Size() > p.threshold && p.bridge != nil {
		p.store.AppendLog(jobID, fmt.Sprintf("Study package is %d bytes, over the direct-parse threshold", info.Size()))
		return p.convertAndIngest(ctx, jobID, artifactPath, datasetID)
	}

	directErr := p.ingestNesstarDirect(ctx, jobID, artifactPath, datasetID)
	if directErr == nil {
		return nil
	}
	if p.bridge == nil {
		return directErr
	}

	p.logger.Warn("direct parse failed, falling back to converter",
		zap.String("job_id", jobID), zap.Error(directErr))
	p.store.AppendLog(jobID, fmt.Sprintf("Direct parse failed (%v), falling back to converter", directErr))
	return p.convertAndIngest(ctx, jobID, artifactPath, datasetID)
}

// ingestNesstarDirect treats the .nesstar artifact as the ZIP it usually is
// and processes the extracted tree with metadata required.
func (p *Pipeline) ingestNesstarDirect(ctx context.Context, jobID, artifactPath, datasetID string) error {
	if !isZip(artifactPath) {
		return fmt.Errorf("expected a zipped study package")
	}
	p.store.Transition(jobID, jobs.StatusIngesting, "Extracting study package...")

	dir, cleanup, err := p.extractToTemp(artifactPath)
	if err != nil {
		return fmt.Errorf("expected a zipped study package: %w", err)
	}
	defer cleanup()

	_, err = p.ProcessDirectory(ctx, jobID, dir, datasetID, dirOptions{requireMetadata: true})
	return err
}

// convertAndIngest runs the external converter and ingests its validated
// output. The bridge already compared exported columns against metadata, so
// the .nsdstat match gate is bypassed downstream.
func (p *Pipeline) convertAndIngest(ctx context.Context, jobID, artifactPath, datasetID string) error {
	if p.bridge == nil {
		return fmt.Errorf("nesstar conversion is not configured")
	}

	p.store.Transition(jobID, jobs.StatusConverting, "Converting study with external tool...")
	start := time.Now()

	workDir, err := os.MkdirTemp("", "ingest-convert-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	res, err := p.bridge.Run(ctx, jobID, artifactPath, workDir)
	if err != nil {
		metrics.RecordConversion("failed")
		metrics.RecordStage("conversion", "failed", time.Since(start))
		return err
	}
	metrics.RecordConversion("ok")
	metrics.RecordStage("conversion", "ok", time.Since(start))

	p.store.Transition(jobID, jobs.StatusIngesting, "Ingesting converted study...")
	_, err = p.ProcessDirectory(ctx, jobID, res.OutDir, datasetID, dirOptions{bypassMatchGate: true})
	return err
}

func (p *Pipeline) extractToTemp(artifactPath string) (dir string, cleanup func(), err error) {
	dir, err = os.MkdirTemp("", "ingest-zip-*")
	if err != nil {
		return "", nil, err
	}
	if err := extractZip(artifactPath, dir); err != nil {
		os.RemoveAll(dir)
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func jobType(artifactPath string) string {
	if strings.EqualFold(filepath.Ext(artifactPath), ".nesstar") {
		return string(jobs.TypeNesstarConversion)
	}
	return string(jobs.TypeUpload)
}
