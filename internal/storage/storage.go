// Package storage defines the backend-agnostic repository interface for
// ingested tables and the dataset/variable catalog, plus the backend registry.
package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"ingest/internal/ddi"
	"ingest/internal/frame"
)

// Config is the minimal configuration needed to create a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
//   - Schema is the target schema for ingested tables. Backends without
//     schema support (sqlite) ignore it.
type Config struct {
	Kind   string
	DSN    string
	Schema string
}

// Dataset is one catalog row describing an ingested study.
type Dataset struct {
	ID     string
	Title  string
	Source string
}

// Repository is the backend-agnostic interface the ingestion pipeline writes
// through.
//
// IMPORTANT: the interface is intentionally minimal and focused on what the
// pipeline needs: table materialization with an existence probe, and the
// dataset/variable catalog. Each backend implements the semantics in its own
// idiomatic way (Postgres ON CONFLICT, SQLite OR IGNORE, MSSQL check-then-insert).
type Repository interface {
	// Close releases backend resources. Treat as "call once" at shutdown.
	Close()

	// EnsureCatalog creates the catalog tables (datasets, dataset_files,
	// variables, variable_categories, variable_missing_values) if absent.
	// Idempotent.
	EnsureCatalog(ctx context.Context) error

	// TableExists reports whether the named table already exists in the
	// configured schema. The pipeline's cross-run idempotence (skip, don't
	// overwrite) hangs off this probe.
	TableExists(ctx context.Context, table string) (bool, error)

	// CreateTableFrom materializes a table from a Frame, replacing any
	// same-named placeholder, and returns the number of rows inserted.
	// Column types come from InferColumnKinds.
	CreateTableFrom(ctx context.Context, table string, data *frame.Frame) (int64, error)

	// UpsertDataset inserts the dataset catalog row if absent. The first
	// upload of a given id wins; re-uploads keep the original title/source.
	UpsertDataset(ctx context.Context, ds Dataset) error

	// InsertDatasetFileIfAbsent records a per-file catalog row once per
	// (dataset, filename) pair.
	InsertDatasetFileIfAbsent(ctx context.Context, datasetID, filename, fileType string) error

	// StoreVariables writes variable catalog rows keyed by VariableID,
	// replacing each variable's categories and missing values wholesale so a
	// re-upload cannot accumulate duplicates.
	StoreVariables(ctx context.Context, datasetID string, vars []ddi.Variable) error

	// LinkVariable points a variable's catalog entry at the table/column the
	// data landed in.
	LinkVariable(ctx context.Context, datasetID, variableName, table, column string) error

	// ColumnLabels reads back variable name -> category code -> label for one
	// dataset, in the shape frame.ApplyLabels consumes. A dataset without
	// categories yields an empty map.
	ColumnLabels(ctx context.Context, datasetID string) (map[string]map[string]string, error)
}

// VariableID is the catalog key for one variable of one dataset.
func VariableID(datasetID, variableName string) string {
	return datasetID + "_" + variableName
}

// VariableName recovers the variable name from a catalog VariableID.
func VariableName(datasetID, variableID string) string {
	return strings.TrimPrefix(variableID, datasetID+"_")
}

// ColumnKind classifies a Frame column for DDL generation.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindNumeric
)

// InferColumnKinds classifies each column: numeric when every non-nil cell is
// a float64, text otherwise. An all-nil column is text; nothing is known about
// it and text round-trips anything.
func InferColumnKinds(f *frame.Frame) []ColumnKind {
	kinds := make([]ColumnKind, f.NumColumns())
	for col := range kinds {
		numeric := false
		text := false
		for _, row := range f.Rows {
			switch row[col].(type) {
			case nil:
			case float64:
				numeric = true
			default:
				text = true
			}
		}
		if numeric && !text {
			kinds[col] = KindNumeric
		} else {
			kinds[col] = KindText
		}
	}
	return kinds
}

// NormalizeColumn canonicalizes a column or variable name for case-insensitive
// alignment between loaded data and metadata.
func NormalizeColumn(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

/* ---------- backend registry ---------- */

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. Failing fast avoids ambiguous backend
//     selection.
func Register(kind string, f factory) {
	regMu.Lock()
	defer regMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	regMu.RLock()
	f := factories[cfg.Kind]
	regMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
