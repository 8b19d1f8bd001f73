// Package postgres implements storage.Repository on pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ingest/internal/ddi"
	"ingest/internal/frame"
	"ingest/internal/retry"
	"ingest/internal/storage"
)

type Repo struct {
	pool   *pgxpool.Pool
	schema string
}

func init() {
	storage.Register("postgres", New)
}

// New creates a Postgres-backed repository and ensures the target schema
// exists. The initial ping is retried so a server still starting up does not
// fail the whole run.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	r := &Repo{pool: pool, schema: cfg.Schema}
	if r.schema != "" {
		if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgIdent(r.schema)); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema %s: %w", r.schema, err)
		}
	}
	return r, nil
}

func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureCatalog creates the catalog tables. The catalog lives in the default
// search path, shared across ingestion schemas.
func (r *Repo) EnsureCatalog(ctx context.Context) error {
	for _, ddl := range catalogDDL {
		if _, err := r.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure catalog: %w", err)
		}
	}
	return nil
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	schema := r.schema
	if schema == "" {
		schema = "public"
	}
	var one int
	err := r.pool.QueryRow(ctx,
		`SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2`,
		schema, table,
	).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe table %s.%s: %w", schema, table, err)
	}
	return true, nil
}

func (r *Repo) CreateTableFrom(ctx context.Context, table string, data *frame.Frame) (int64, error) {
	if data.NumColumns() == 0 {
		return 0, fmt.Errorf("create table %s: no columns", table)
	}
	kinds := storage.InferColumnKinds(data)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+qualify(r.schema, table)); err != nil {
		return 0, fmt.Errorf("drop placeholder %s: %w", table, err)
	}
	if _, err := tx.Exec(ctx, buildCreateTableSQL(r.schema, table, data.Columns, kinds)); err != nil {
		return 0, fmt.Errorf("create table %s: %w", table, err)
	}

	var total int64
	chunk := insertChunkRows(data.NumColumns())
	for start := 0; start < len(data.Rows); start += chunk {
		end := start + chunk
		if end > len(data.Rows) {
			end = len(data.Rows)
		}
		sql, args := buildInsertSQL(r.schema, table, data.Columns, data.Rows[start:end])
		cmd, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", table, err)
		}
		total += cmd.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return total, err
	}
	return total, nil
}

// UpsertDataset keeps the first upload's title/source for a given id.
func (r *Repo) UpsertDataset(ctx context.Context, ds storage.Dataset) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO datasets (dataset_id, title, source) VALUES ($1, $2, $3)
		 ON CONFLICT (dataset_id) DO NOTHING`,
		ds.ID, ds.Title, ds.Source,
	)
	return err
}

func (r *Repo) InsertDatasetFileIfAbsent(ctx context.Context, datasetID, filename, fileType string) error {
	var one int
	err := r.pool.QueryRow(ctx,
		`SELECT 1 FROM dataset_files WHERE dataset_id = $1 AND filename = $2 LIMIT 1`,
		datasetID, filename,
	).Scan(&one)
	if err == nil {
		return nil
	}
	if err != pgx.ErrNoRows {
		return fmt.Errorf("probe dataset file %s/%s: %w", datasetID, filename, err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO dataset_files (dataset_id, filename, file_type) VALUES ($1, $2, $3)`,
		datasetID, filename, fileType,
	)
	return err
}

func (r *Repo) StoreVariables(ctx context.Context, datasetID string, vars []ddi.Variable) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, v := range vars {
		vid := storage.VariableID(datasetID, v.Name)

		if _, err := tx.Exec(ctx,
			`INSERT INTO variables (variable_id, dataset_id, label, data_type, start_pos, width, decimals, universe, question_text, concept)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (variable_id) DO UPDATE SET
				label = EXCLUDED.label,
				data_type = EXCLUDED.data_type,
				concept = EXCLUDED.concept`,
			vid, datasetID, v.Label, v.DataType, v.StartPos, v.Width, v.Decimals, v.Universe, v.Question, v.Concept,
		); err != nil {
			return fmt.Errorf("store variable %s: %w", vid, err)
		}

		// Replace categories and missing values wholesale so re-uploads do not
		// accumulate duplicates.
		if _, err := tx.Exec(ctx, `DELETE FROM variable_categories WHERE variable_id = $1`, vid); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM variable_missing_values WHERE variable_id = $1`, vid); err != nil {
			return err
		}
		for _, cat := range v.Categories {
			if _, err := tx.Exec(ctx,
				`INSERT INTO variable_categories (variable_id, category_code, category_label, frequency)
				 VALUES ($1, $2, $3, $4)`,
				vid, cat.Code, cat.Label, cat.Frequency,
			); err != nil {
				return fmt.Errorf("store category for %s: %w", vid, err)
			}
		}
		for _, mv := range v.MissingValues {
			if _, err := tx.Exec(ctx,
				`INSERT INTO variable_missing_values (variable_id, missing_value) VALUES ($1, $2)`,
				vid, mv,
			); err != nil {
				return fmt.Errorf("store missing value for %s: %w", vid, err)
			}
		}
	}

	return tx.Commit(ctx)
}

func (r *Repo) LinkVariable(ctx context.Context, datasetID, variableName, table, column string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE variables SET table_name = $1, column_name = $2 WHERE variable_id = $3`,
		table, column, storage.VariableID(datasetID, variableName),
	)
	return err
}

func (r *Repo) ColumnLabels(ctx context.Context, datasetID string) (map[string]map[string]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT c.variable_id, c.category_code, c.category_label
		 FROM variable_categories c
		 JOIN variables v ON v.variable_id = c.variable_id
		 WHERE v.dataset_id = $1`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("read labels for %s: %w", datasetID, err)
	}
	defer rows.Close()

	out := make(map[string]map[string]string)
	for rows.Next() {
		var vid, code, label string
		if err := rows.Scan(&vid, &code, &label); err != nil {
			return nil, err
		}
		name := storage.VariableName(datasetID, vid)
		if out[name] == nil {
			out[name] = make(map[string]string)
		}
		out[name][code] = label
	}
	return out, rows.Err()
}
