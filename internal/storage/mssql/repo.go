// Package mssql implements storage.Repository on the go-mssqldb driver.
//
// Differences from the Postgres backend:
//   - Placeholders are @p1..@pN.
//   - There is no ON CONFLICT; idempotent catalog writes use check-then-insert
//     inside a transaction.
//   - Schemas are created through sys.schemas probing because CREATE SCHEMA
//     has no IF NOT EXISTS form.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"ingest/internal/ddi"
	"ingest/internal/frame"
	"ingest/internal/retry"
	"ingest/internal/storage"
)

type Repo struct {
	db     *sql.DB
	schema string
}

func init() {
	storage.Register("mssql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return db.PingContext(ctx)
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	r := &Repo{db: db, schema: cfg.Schema}
	if r.schema != "" {
		q := fmt.Sprintf(
			`IF NOT EXISTS (SELECT 1 FROM sys.schemas WHERE name = @p1) EXEC('CREATE SCHEMA %s')`,
			ident(r.schema),
		)
		if _, err := db.ExecContext(ctx, q, r.schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema %s: %w", r.schema, err)
		}
	}
	return r, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

var catalogDDL = []string{
	`IF OBJECT_ID('datasets', 'U') IS NULL
	CREATE TABLE datasets (
		dataset_id NVARCHAR(255) PRIMARY KEY,
		title NVARCHAR(MAX),
		source NVARCHAR(MAX),
		created_at DATETIME2 DEFAULT SYSUTCDATETIME()
	);`,
	`IF OBJECT_ID('dataset_files', 'U') IS NULL
	CREATE TABLE dataset_files (
		id INT IDENTITY PRIMARY KEY,
		dataset_id NVARCHAR(255) REFERENCES datasets(dataset_id) ON DELETE CASCADE,
		filename NVARCHAR(MAX),
		file_type NVARCHAR(32),
		uploaded_at DATETIME2 DEFAULT SYSUTCDATETIME()
	);`,
	`IF OBJECT_ID('variables', 'U') IS NULL
	CREATE TABLE variables (
		variable_id NVARCHAR(450) PRIMARY KEY,
		dataset_id NVARCHAR(255) REFERENCES datasets(dataset_id) ON DELETE CASCADE,
		table_name NVARCHAR(255),
		column_name NVARCHAR(255),
		label NVARCHAR(MAX),
		data_type NVARCHAR(32),
		start_pos INT,
		width INT,
		decimals INT,
		concept NVARCHAR(MAX),
		universe NVARCHAR(MAX),
		question_text NVARCHAR(MAX)
	);`,
	`IF OBJECT_ID('variable_categories', 'U') IS NULL
	CREATE TABLE variable_categories (
		id INT IDENTITY PRIMARY KEY,
		variable_id NVARCHAR(450) REFERENCES variables(variable_id) ON DELETE CASCADE,
		category_code NVARCHAR(255),
		category_label NVARCHAR(MAX),
		frequency INT
	);`,
	`IF OBJECT_ID('variable_missing_values', 'U') IS NULL
	CREATE TABLE variable_missing_values (
		id INT IDENTITY PRIMARY KEY,
		variable_id NVARCHAR(450) REFERENCES variables(variable_id) ON DELETE CASCADE,
		missing_value NVARCHAR(255)
	);`,
}

func (r *Repo) EnsureCatalog(ctx context.Context) error {
	for _, ddl := range catalogDDL {
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure catalog: %w", err)
		}
	}
	return nil
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	schema := r.schema
	if schema == "" {
		schema = "dbo"
	}
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2`,
		schema, table,
	).Scan(&one)
	if err == sql.ErrNoRows {
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
	full := r.qualify(table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	drop := fmt.Sprintf(`IF OBJECT_ID('%s', 'U') IS NOT NULL DROP TABLE %s`, r.plainName(table), full)
	if _, err := tx.ExecContext(ctx, drop); err != nil {
		return 0, fmt.Errorf("drop placeholder %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, buildCreateTableSQL(full, data.Columns, kinds)); err != nil {
		return 0, fmt.Errorf("create table %s: %w", table, err)
	}

	stmt, err := tx.PrepareContext(ctx, buildInsertSQL(full, data.Columns))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var total int64
	for _, row := range data.Rows {
		res, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return total, err
	}
	return total, nil
}

func (r *Repo) UpsertDataset(ctx context.Context, ds storage.Dataset) error {
	_, err := r.db.ExecContext(ctx,
		`IF NOT EXISTS (SELECT 1 FROM datasets WHERE dataset_id = @p1)
		 INSERT INTO datasets (dataset_id, title, source) VALUES (@p1, @p2, @p3)`,
		ds.ID, ds.Title, ds.Source,
	)
	return err
}

func (r *Repo) InsertDatasetFileIfAbsent(ctx context.Context, datasetID, filename, fileType string) error {
	_, err := r.db.ExecContext(ctx,
		`IF NOT EXISTS (SELECT 1 FROM dataset_files WHERE dataset_id = @p1 AND filename = @p2)
		 INSERT INTO dataset_files (dataset_id, filename, file_type) VALUES (@p1, @p2, @p3)`,
		datasetID, filename, fileType,
	)
	return err
}

func (r *Repo) StoreVariables(ctx context.Context, datasetID string, vars []ddi.Variable) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, v := range vars {
		vid := storage.VariableID(datasetID, v.Name)

		if _, err := tx.ExecContext(ctx,
			`IF EXISTS (SELECT 1 FROM variables WHERE variable_id = @p1)
			 UPDATE variables SET label = @p3, data_type = @p4, concept = @p10 WHERE variable_id = @p1
			 ELSE
			 INSERT INTO variables (variable_id, dataset_id, label, data_type, start_pos, width, decimals, universe, question_text, concept)
			 VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10)`,
			vid, datasetID, v.Label, v.DataType, v.StartPos, v.Width, v.Decimals, v.Universe, v.Question, v.Concept,
		); err != nil {
			return fmt.Errorf("store variable %s: %w", vid, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM variable_categories WHERE variable_id = @p1`, vid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM variable_missing_values WHERE variable_id = @p1`, vid); err != nil {
			return err
		}
		for _, cat := range v.Categories {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO variable_categories (variable_id, category_code, category_label, frequency) VALUES (@p1, @p2, @p3, @p4)`,
				vid, cat.Code, cat.Label, cat.Frequency,
			); err != nil {
				return fmt.Errorf("store category for %s: %w", vid, err)
			}
		}
		for _, mv := range v.MissingValues {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO variable_missing_values (variable_id, missing_value) VALUES (@p1, @p2)`,
				vid, mv,
			); err != nil {
				return fmt.Errorf("store missing value for %s: %w", vid, err)
			}
		}
	}

	return tx.Commit()
}

func (r *Repo) LinkVariable(ctx context.Context, datasetID, variableName, table, column string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE variables SET table_name = @p1, column_name = @p2 WHERE variable_id = @p3`,
		table, column, storage.VariableID(datasetID, variableName),
	)
	return err
}

func (r *Repo) ColumnLabels(ctx context.Context, datasetID string) (map[string]map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.variable_id, c.category_code, c.category_label
		 FROM variable_categories c
		 JOIN variables v ON v.variable_id = c.variable_id
		 WHERE v.dataset_id = @p1`, datasetID)
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

/* ---------- SQL builders ---------- */

func ident(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (r *Repo) qualify(table string) string {
	if r.schema == "" {
		return ident(table)
	}
	return ident(r.schema) + "." + ident(table)
}

// plainName renders the schema-qualified name for OBJECT_ID probes, which take
// an unbracketed dotted string.
func (r *Repo) plainName(table string) string {
	if r.schema == "" {
		return table
	}
	return r.schema + "." + table
}

func msType(k storage.ColumnKind) string {
	if k == storage.KindNumeric {
		return "FLOAT"
	}
	return "NVARCHAR(MAX)"
}

func buildCreateTableSQL(qualified string, columns []string, kinds []storage.ColumnKind) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(qualified)
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident(c))
		b.WriteString(" ")
		b.WriteString(msType(kinds[i]))
	}
	b.WriteString(");")
	return b.String()
}

func buildInsertSQL(qualified string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualified)
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("@p%d", i+1))
	}
	b.WriteString(");")
	return b.String()
}
