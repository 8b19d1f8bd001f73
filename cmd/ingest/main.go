package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"ingest/internal/config"
	"ingest/internal/jobs"
	"ingest/internal/metrics"
	"ingest/internal/metrics/datadog"
	"ingest/internal/nada"
	"ingest/internal/nesstar"
	"ingest/internal/pipeline"
	"ingest/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "ingest/internal/storage/all"
)

// main is the entry point for the ingestion binary. It loads the service
// config, optionally initializes a metrics backend, and ingests every artifact
// named on the command line while the completion watcher runs alongside.
func main() {
	var (
		cfgPath           string
		schemaFlg         string
		metricsBackendFlg string
		listRemote        int
		fetchDataset      string
		validate          bool
	)

	flag.StringVar(&cfgPath, "config", "configs/ingest.yaml", "service config YAML path (env-only when absent)")
	flag.StringVar(&schemaFlg, "schema", "", "target schema (overrides config)")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "", "metrics backend to use (e.g. datadog, none; overrides config)")
	flag.IntVar(&listRemote, "list-remote", 0, "list the first N datasets from the remote catalog and exit")
	flag.StringVar(&fetchDataset, "fetch", "", "download this remote dataset's files and ingest them too")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("config: %v", err)
	}
	if schemaFlg != "" {
		cfg.Database.Schema = schemaFlg
	}

	// If validate flag is set, only validate the configuration and exit
	if validate {
		log.Printf("Configuration is valid: %v", cfgPath)
		os.Exit(0)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Decide metrics backend: flag → config/env → disabled.
	backendName := metricsBackendFlg
	if backendName == "" {
		backendName = cfg.Metrics.Backend
	}
	switch backendName {
	case "datadog":
		// The backend buffers counters and stage timings and submits
		// periodically, plus one final time at shutdown (Close()). Long
		// conversion jobs then show up as an actual time series instead of a
		// single spike at the end.
		extraTags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))

		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName:    "ingest",
			Tags:       extraTags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			log.Printf("metrics: backend=%v tags=%v", backendName, extraTags)
			metrics.SetBackend(b)

			// Close() stops the periodic flush loop and then performs a final
			// Flush(). This is the clean shutdown path for the backend.
			defer func() {
				if err := b.Close(); err != nil {
					log.Printf("metrics: datadog close/flush error: %v", err)
				}
			}()
		}

	case "", "none":
		// metrics disabled; nop backend remains
		if *verbose {
			log.Printf("metrics: disabled (backend=%q)", backendName)
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var remote *nada.Client
	if cfg.NADA.BaseURL != "" {
		remote = nada.NewClient(cfg.NADA.BaseURL, cfg.NADA.APIKey, logger.Named("nada"))
		remote.MaxRetries = cfg.NADA.MaxRetries
	}

	if listRemote > 0 {
		if remote == nil {
			fatalf("-list-remote requires NADA_BASE_URL")
		}
		if err := printRemoteDatasets(ctx, remote, listRemote); err != nil {
			fatalf("list remote datasets: %v", err)
		}
		return
	}

	artifacts := flag.Args()
	if fetchDataset != "" {
		if remote == nil {
			fatalf("-fetch requires NADA_BASE_URL")
		}
		fetched, cleanup, err := fetchRemoteFiles(ctx, remote, fetchDataset)
		if err != nil {
			fatalf("fetch dataset %s: %v", fetchDataset, err)
		}
		defer cleanup()
		artifacts = append(artifacts, fetched...)
	}
	if len(artifacts) == 0 {
		fatalf("nothing to do: pass artifact paths, or -fetch / -list-remote")
	}

	repo, err := storage.New(ctx, storage.Config{
		Kind:   cfg.Database.Kind,
		DSN:    cfg.Database.DSN,
		Schema: cfg.Database.Schema,
	})
	if err != nil {
		fatalf("storage: %v", err)
	}
	defer repo.Close()

	if err := repo.EnsureCatalog(ctx); err != nil {
		fatalf("storage: ensure catalog: %v", err)
	}

	store := jobs.NewStore(logger.Named("jobs"))
	p := pipeline.New(pipeline.Options{
		Store:              store,
		Repo:               repo,
		Schema:             cfg.Database.Schema,
		Logger:             logger.Named("pipeline"),
		Bridge:             buildBridge(cfg, store, logger),
		BinaryThreshold:    cfg.Nesstar.BinaryThresholdBytes,
		MetadataMatchRatio: cfg.Pipeline.MetadataMatchRatio,
	})

	start := time.Now()
	runCtx, done := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)

	watcher := jobs.NewWatcher(store, cfg.Watcher.Interval(), logger.Named("watcher"))
	g.Go(func() error {
		if err := watcher.Run(runCtx); err != context.Canceled {
			return err
		}
		return nil
	})

	g.Go(func() error {
		defer done()
		var firstErr error
		for _, artifact := range artifacts {
			if err := runCtx.Err(); err != nil {
				return err
			}
			id := store.Create(filepath.Base(artifact), cfg.Database.Schema)
			if err := p.RunIngestion(runCtx, id, artifact); err != nil {
				log.Printf("job %s (%s): %v", id, filepath.Base(artifact), err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if *verbose {
				job, _ := store.Get(id)
				log.Printf("job %s (%s): %s", id, filepath.Base(artifact), job.Message)
			}
		}
		return firstErr
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("%v", err)
	}

	if *verbose {
		log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
}

// buildBridge wires the external converter when one is configured or can be
// discovered. A nil bridge leaves .nesstar uploads on the direct-parse path.
func buildBridge(cfg *config.Config, store *jobs.Store, logger *zap.Logger) *nesstar.Bridge {
	exe := cfg.Nesstar.ConverterExe
	if exe == "" {
		found, err := nesstar.DiscoverConverter()
		if err != nil {
			logger.Info("converter not available", zap.Error(err))
			return nil
		}
		exe = found
	}
	if _, err := os.Stat(exe); err != nil {
		logger.Warn("converter executable missing", zap.String("path", exe), zap.Error(err))
		return nil
	}

	conv := &nesstar.ExeConverter{
		ExePath:    exe,
		ScriptPath: cfg.Nesstar.ConverterScript,
		Timeout:    cfg.Nesstar.Timeout(),
	}
	b := nesstar.NewBridge(conv, store, logger.Named("nesstar"))
	if cfg.Nesstar.MaxAttempts > 0 {
		b.MaxAttempts = cfg.Nesstar.MaxAttempts
	}
	if cfg.Nesstar.MinDataBytes > 0 {
		b.MinDataBytes = cfg.Nesstar.MinDataBytes
	}
	if cfg.Nesstar.MismatchRatio > 0 {
		b.MismatchRatio = cfg.Nesstar.MismatchRatio
	}
	return b
}

func printRemoteDatasets(ctx context.Context, remote *nada.Client, n int) error {
	res, err := remote.ListDatasets(ctx, n, 0)
	if err != nil {
		return err
	}
	fmt.Printf("%v datasets (showing %d)\n", res.Total, len(res.Rows))
	for _, row := range res.Rows {
		id, _ := nada.GuessFileNo(row)
		fmt.Printf("  %-20s %s\n", id, nada.GuessFileName(row, "(unnamed)"))
	}
	return nil
}

// fetchRemoteFiles downloads every file of one remote dataset into a temp dir
// and returns the local paths. The caller ingests them like local uploads.
func fetchRemoteFiles(ctx context.Context, remote *nada.Client, datasetID string) (paths []string, cleanup func(), err error) {
	payload, err := remote.FilesList(ctx, datasetID)
	if err != nil {
		return nil, nil, err
	}
	files := nada.ExtractFiles(payload)
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("dataset has no downloadable files")
	}

	dir, err := os.MkdirTemp("", "ingest-fetch-*")
	if err != nil {
		return nil, nil, err
	}
	cleanup = func() { os.RemoveAll(dir) }

	for _, f := range files {
		fileNo, ok := nada.GuessFileNo(f)
		if !ok {
			continue
		}
		name := nada.GuessFileName(f, "file_"+fileNo)
		dest := filepath.Join(dir, filepath.Base(name))
		if err := remote.DownloadFile(ctx, datasetID, fileNo, dest); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("download file %s: %w", fileNo, err)
		}
		paths = append(paths, dest)
	}
	if len(paths) == 0 {
		cleanup()
		return nil, nil, fmt.Errorf("no files had a usable file number")
	}
	return paths, cleanup, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
