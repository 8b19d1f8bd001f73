package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"ingest/internal/ddi"
	"ingest/internal/frame"
	"ingest/internal/jobs"
	"ingest/internal/loader"
	"ingest/internal/metrics"
	"ingest/internal/storage"
	"ingest/internal/tablename"
)

// nestedStudyDepthLimit bounds descent into study packages that wrap another
// study package. One extra level matches what vendor exports produce.
const nestedStudyDepthLimit = 1

// dirOptions tune one ProcessDirectory invocation.
type dirOptions struct {
	// requireMetadata fails the job when no metadata candidate parses to a
	// usable document.
	requireMetadata bool

	// bypassMatchGate skips the .nsdstat column-match ratio check. Set after
	// converter bridge validation, which already compared column counts.
	bypassMatchGate bool
}

// studyContents is the classified file inventory of one directory tree.
type studyContents struct {
	nestedStudies []string
	metadata      []string // priority order: .nsdstat, then .xml, then html
	dataFiles     []string
	other         int
}

func classifyDirectory(root string) (*studyContents, error) {
	c := &studyContents{}
	var nsdstat, xml, html []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch ext := strings.ToLower(filepath.Ext(path)); {
		case ext == ".nesstar":
			c.nestedStudies = append(c.nestedStudies, path)
		case ext == ".nsdstat":
			nsdstat = append(nsdstat, path)
		case ext == ".xml":
			xml = append(xml, path)
		case ext == ".html" || ext == ".htm":
			html = append(html, path)
		case loader.IsDataFile(path):
			c.dataFiles = append(c.dataFiles, path)
		default:
			c.other++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan directory: %w", err)
	}

	sort.Strings(c.nestedStudies)
	sort.Strings(nsdstat)
	sort.Strings(xml)
	sort.Strings(html)
	sort.Strings(c.dataFiles)
	c.metadata = append(append(nsdstat, xml...), html...)
	return c, nil
}

// onlyNestedStudies is the unwrap precondition: nested study archives and
// nothing else. Any data file, metadata candidate, or unclassified file means
// the directory is a study in its own right.
func (c *studyContents) onlyNestedStudies() bool {
	return len(c.nestedStudies) > 0 && len(c.dataFiles) == 0 && len(c.metadata) == 0 && c.other == 0
}

func isNsdstat(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".nsdstat")
}

// resolveMetadata tries each candidate in priority order and returns the
// first that parses to a non-empty document. A candidate that fails to parse
// is logged and the next one tried.
func (p *Pipeline) resolveMetadata(jobID string, candidates []string) (doc *ddi.Document, source string) {
	for _, cand := range candidates {
		var (
			parsed *ddi.Document
			err    error
		)
		if ext := strings.ToLower(filepath.Ext(cand)); ext == ".html" || ext == ".htm" {
			parsed, err = ddi.ParseHTMLCodebook(cand)
		} else {
			parsed, err = ddi.Parse(cand)
		}
		if err != nil {
			p.logger.Warn("metadata candidate unreadable",
				zap.String("file", filepath.Base(cand)), zap.Error(err))
			p.store.AppendLog(jobID, fmt.Sprintf("Metadata candidate %s unreadable: %v", filepath.Base(cand), err))
			continue
		}
		if parsed.Empty() {
			p.store.AppendLog(jobID, fmt.Sprintf("Metadata candidate %s is empty, trying next", filepath.Base(cand)))
			continue
		}
		return parsed, cand
	}
	return nil, ""
}

// ProcessDirectory ingests every data file under dir into the repository,
// resolving metadata from the best available descriptor. Per-file failures
// are recorded against the file and do not abort the batch; only
// discovery-level and metadata-level problems fail the job.
func (p *Pipeline) ProcessDirectory(ctx context.Context, jobID, dir, datasetID string, opts dirOptions) ([]string, error) {
	return p.processDirectory(ctx, jobID, dir, datasetID, opts, 0)
}

func (p *Pipeline) processDirectory(ctx context.Context, jobID, dir, datasetID string, opts dirOptions, depth int) ([]string, error) {
	p.store.SetProgress(jobID, 5)
	p.store.SetMessage(jobID, "Scanning study contents...")

	contents, err := classifyDirectory(dir)
	if err != nil {
		return nil, err
	}

	// A package that wraps exactly one nested study and nothing else is
	// unwrapped in place and reprocessed with metadata required.
	if contents.onlyNestedStudies() {
		if len(contents.nestedStudies) > 1 {
			return nil, fmt.Errorf("ambiguous study package: %d nested studies and no data files", len(contents.nestedStudies))
		}
		if depth >= nestedStudyDepthLimit {
			return nil, fmt.Errorf("nested study package exceeds depth limit")
		}
		nested := contents.nestedStudies[0]
		p.store.AppendLog(jobID, fmt.Sprintf("Descending into nested study %s", filepath.Base(nested)))

		inner, err := os.MkdirTemp("", "ingest-nested-*")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(inner)
		if err := extractZip(nested, inner); err != nil {
			return nil, fmt.Errorf("extract nested study %s: %w", filepath.Base(nested), err)
		}
		opts.requireMetadata = true
		return p.processDirectory(ctx, jobID, inner, datasetID, opts, depth+1)
	}

	if len(contents.dataFiles) == 0 {
		return nil, fmt.Errorf("no data files (%s) found", strings.Join(loader.DataExtensions, ", "))
	}

	fileList := make([]jobs.FileProgress, len(contents.dataFiles))
	for i, f := range contents.dataFiles {
		fileList[i] = jobs.FileProgress{Name: filepath.Base(f), Status: jobs.FilePending}
	}
	p.store.SetFiles(jobID, fileList)
	p.store.SetProgress(jobID, 10)
	p.store.SetMessage(jobID, "Identified files")

	nsdstatPresent := false
	for _, cand := range contents.metadata {
		if isNsdstat(cand) {
			nsdstatPresent = true
			break
		}
	}

	metaStart := time.Now()
	p.store.SetProgress(jobID, 12)
	doc, metaSource := p.resolveMetadata(jobID, contents.metadata)
	switch {
	case doc != nil:
		p.store.SetMessage(jobID, fmt.Sprintf("Parsed metadata: %s (%d variables)", filepath.Base(metaSource), len(doc.Variables)))
		metrics.RecordStage("metadata", "ok", time.Since(metaStart))
	case nsdstatPresent:
		// An .nsdstat on disk is a stronger promise than a bare .xml; its
		// failure is never downgraded to "no metadata".
		metrics.RecordStage("metadata", "failed", time.Since(metaStart))
		return nil, fmt.Errorf("study descriptor (.nsdstat) present but unusable")
	case opts.requireMetadata:
		metrics.RecordStage("metadata", "failed", time.Since(metaStart))
		return nil, fmt.Errorf("no usable metadata found in study package")
	default:
		p.logger.Warn("no metadata found, proceeding with limited catalog detail",
			zap.String("job_id", jobID))
		p.store.AppendLog(jobID, "No metadata descriptor found. Catalog detail will be limited.")
	}

	// Metadata originating from the converter bridge was already validated
	// against the exported data; only genuine .nsdstat metadata is gated.
	gateRatio := 0.0
	if doc != nil && isNsdstat(metaSource) && !opts.bypassMatchGate {
		gateRatio = p.matchRatio
	}

	title := "Unknown"
	if doc != nil && doc.Title != "" {
		title = doc.Title
	}
	if err := p.repo.UpsertDataset(ctx, storage.Dataset{ID: datasetID, Title: title, Source: dir}); err != nil {
		return nil, fmt.Errorf("upsert dataset: %w", err)
	}
	if doc != nil {
		if err := p.repo.StoreVariables(ctx, datasetID, doc.Variables); err != nil {
			return nil, fmt.Errorf("store variables: %w", err)
		}
	}

	p.store.SetProgress(jobID, 20)
	p.store.SetMessage(jobID, "Starting file processing...")

	var uploaded []string
	total := len(contents.dataFiles)
	for idx, dataFile := range contents.dataFiles {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}

		name := filepath.Base(dataFile)
		rel, err := filepath.Rel(dir, dataFile)
		if err != nil {
			rel = name
		}
		rel = filepath.ToSlash(rel)

		stem := strings.TrimSuffix(name, filepath.Ext(name))
		table := tablename.SafeTableName(stem, datasetID, rel)

		setFileStatus(fileList, name, jobs.FileProcessing, 0, "")
		p.store.SetFiles(jobID, fileList)
		p.store.SetMessage(jobID, fmt.Sprintf("Processing %s...", name))

		progress := 20 + 80*(idx+1)/total

		rows, err := p.ingestFile(ctx, jobID, dataFile, table, datasetID, doc, gateRatio, fileList)
		switch {
		case err == nil && rows < 0:
			// Destination table already exists from a prior run.
			setFileStatus(fileList, name, jobs.FileSkipped, 0, "Already uploaded")
			p.store.SetFiles(jobID, fileList)
			p.store.SetProgress(jobID, progress)
			p.store.SetMessage(jobID, fmt.Sprintf("Skipped %s (already uploaded)", name))
			metrics.RecordFile(fileFormat(dataFile), "skipped", 0)

		case err != nil:
			p.logger.Error("file ingestion failed",
				zap.String("job_id", jobID), zap.String("file", name), zap.Error(err))
			setFileStatus(fileList, name, jobs.FileFailed, 0, err.Error())
			p.store.SetFiles(jobID, fileList)
			p.store.AppendError(jobID, fmt.Sprintf("File %s failed: %v", name, err))
			p.store.SetProgress(jobID, progress)
			metrics.RecordFile(fileFormat(dataFile), "failed", 0)

		default:
			uploaded = append(uploaded, table)
			setFileStatus(fileList, name, jobs.FileCompleted, int(rows), "")
			p.store.SetFiles(jobID, fileList)
			p.store.SetProgress(jobID, progress)
			p.store.AppendLog(jobID, fmt.Sprintf("Uploaded %d rows to %s", rows, table))
			metrics.RecordFile(fileFormat(dataFile), "ok", rows)
		}
	}

	// The job completes even when individual files failed; per-file errors
	// stay visible in the file list and error log.
	p.store.Transition(jobID, jobs.StatusCompleted, "Upload complete!")
	p.store.SetProgress(jobID, 100)
	return uploaded, nil
}

// ingestFile loads, aligns, and persists one data file. A negative row count
// with nil error means the destination table already existed.
func (p *Pipeline) ingestFile(ctx context.Context, jobID, path, table, datasetID string, doc *ddi.Document, gateRatio float64, fileList []jobs.FileProgress) (int64, error) {
	exists, err := p.repo.TableExists(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("probe table %s: %w", table, err)
	}
	if exists {
		p.logger.Info("table already exists, skipping",
			zap.String("job_id", jobID), zap.String("table", table))
		return -1, nil
	}

	data, err := loader.Load(path, doc)
	if err != nil {
		return 0, err
	}

	if doc != nil {
		p.alignColumns(jobID, filepath.Base(path), data, doc)
		if gateRatio > 0 {
			matched, totalVars := metadataMatchCount(data, doc)
			if totalVars > 0 && float64(matched) < gateRatio*float64(totalVars) {
				return 0, fmt.Errorf("file does not match study metadata (matched %d of %d variables)", matched, totalVars)
			}
		}
		for _, v := range doc.Variables {
			if v.DataType == "numeric" {
				data.CoerceNumeric(v.Name)
			}
		}
	}

	setFileStatus(fileList, filepath.Base(path), jobs.FileLoadingDB, 0, "")
	p.store.SetFiles(jobID, fileList)

	rows, err := p.repo.CreateTableFrom(ctx, table, data)
	if err != nil {
		return 0, fmt.Errorf("materialize table %s: %w", table, err)
	}

	if err := p.repo.InsertDatasetFileIfAbsent(ctx, datasetID, filepath.Base(path), filepath.Ext(path)); err != nil {
		return rows, fmt.Errorf("record dataset file: %w", err)
	}
	if doc != nil {
		known := make(map[string]struct{}, len(doc.Variables))
		for _, v := range doc.Variables {
			known[v.Name] = struct{}{}
		}
		for _, col := range data.Columns {
			if _, ok := known[col]; !ok {
				continue
			}
			if err := p.repo.LinkVariable(ctx, datasetID, col, table, col); err != nil {
				return rows, fmt.Errorf("link variable %s: %w", col, err)
			}
		}
	}
	return rows, nil
}

// alignColumns renames loaded columns to their metadata spelling,
// case-insensitively, and logs (never fails on) structural drift between the
// two.
func (p *Pipeline) alignColumns(jobID, filename string, data *frame.Frame, doc *ddi.Document) {
	byNorm := make(map[string]string, len(doc.Variables))
	for _, v := range doc.Variables {
		byNorm[storage.NormalizeColumn(v.Name)] = v.Name
	}

	mapping := make(map[string]string)
	for _, col := range data.Columns {
		if target, ok := byNorm[storage.NormalizeColumn(col)]; ok && target != col {
			mapping[col] = target
		}
	}
	data.Rename(mapping)

	inData := make(map[string]struct{}, len(data.Columns))
	for _, col := range data.Columns {
		inData[col] = struct{}{}
	}
	missing := 0
	for _, v := range doc.Variables {
		if _, ok := inData[v.Name]; !ok {
			missing++
		}
	}
	extra := len(data.Columns) - (len(doc.Variables) - missing)

	if missing > 0 {
		p.logger.Warn("variables missing from data file",
			zap.String("file", filename), zap.Int("missing", missing))
		p.store.AppendLog(jobID, fmt.Sprintf("%s is missing %d variables defined in metadata", filename, missing))
	}
	if extra > 0 {
		p.logger.Warn("columns absent from metadata",
			zap.String("file", filename), zap.Int("extra", extra))
		p.store.AppendLog(jobID, fmt.Sprintf("%s has %d columns not in metadata", filename, extra))
	}
}

// metadataMatchCount reports how many metadata variables appear among the
// loaded columns after normalization.
func metadataMatchCount(data *frame.Frame, doc *ddi.Document) (matched, total int) {
	cols := make(map[string]struct{}, len(data.Columns))
	for _, c := range data.Columns {
		cols[storage.NormalizeColumn(c)] = struct{}{}
	}
	for _, v := range doc.Variables {
		if _, ok := cols[storage.NormalizeColumn(v.Name)]; ok {
			matched++
		}
	}
	return matched, len(doc.Variables)
}

func setFileStatus(list []jobs.FileProgress, name, status string, rows int, errMsg string) {
	for i := range list {
		if list[i].Name == name {
			list[i].Status = status
			list[i].Rows = rows
			list[i].Error = errMsg
			return
		}
	}
}

func fileFormat(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}
