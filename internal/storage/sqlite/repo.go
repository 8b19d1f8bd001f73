// Package sqlite implements storage.Repository on modernc.org/sqlite.
//
// Key design points vs Postgres:
//   - SQLite has no schemas in the Postgres sense; the configured schema is
//     ignored and all tables land in the main database.
//   - Placeholders are "?" and idempotent inserts use INSERT OR IGNORE.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"ingest/internal/ddi"
	"ingest/internal/frame"
	"ingest/internal/storage"
)

type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

var catalogDDL = []string{
	`CREATE TABLE IF NOT EXISTS datasets (
		dataset_id TEXT PRIMARY KEY,
		title TEXT,
		source TEXT,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS dataset_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset_id TEXT REFERENCES datasets(dataset_id) ON DELETE CASCADE,
		filename TEXT,
		file_type TEXT,
		uploaded_at TEXT DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS variables (
		variable_id TEXT PRIMARY KEY,
		dataset_id TEXT REFERENCES datasets(dataset_id) ON DELETE CASCADE,
		table_name TEXT,
		column_name TEXT,
		label TEXT,
		data_type TEXT,
		start_pos INTEGER,
		width INTEGER,
		decimals INTEGER,
		concept TEXT,
		universe TEXT,
		question_text TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS variable_categories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		variable_id TEXT REFERENCES variables(variable_id) ON DELETE CASCADE,
		category_code TEXT,
		category_label TEXT,
		frequency INTEGER
	);`,
	`CREATE TABLE IF NOT EXISTS variable_missing_values (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		variable_id TEXT REFERENCES variables(variable_id) ON DELETE CASCADE,
		missing_value TEXT
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
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe table %s: %w", table, err)
	}
	return true, nil
}

func (r *Repo) CreateTableFrom(ctx context.Context, table string, data *frame.Frame) (int64, error) {
	if data.NumColumns() == 0 {
		return 0, fmt.Errorf("create table %s: no columns", table)
	}
	kinds := storage.InferColumnKinds(data)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+ident(table)); err != nil {
		return 0, fmt.Errorf("drop placeholder %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, buildCreateTableSQL(table, data.Columns, kinds)); err != nil {
		return 0, fmt.Errorf("create table %s: %w", table, err)
	}

	insertSQL := buildInsertSQL(table, data.Columns)
	stmt, err := tx.PrepareContext(ctx, insertSQL)
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
		`INSERT OR IGNORE INTO datasets (dataset_id, title, source) VALUES (?, ?, ?)`,
		ds.ID, ds.Title, ds.Source,
	)
	return err
}

func (r *Repo) InsertDatasetFileIfAbsent(ctx context.Context, datasetID, filename, fileType string) error {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM dataset_files WHERE dataset_id = ? AND filename = ? LIMIT 1`,
		datasetID, filename,
	).Scan(&one)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("probe dataset file %s/%s: %w", datasetID, filename, err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO dataset_files (dataset_id, filename, file_type) VALUES (?, ?, ?)`,
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
			`INSERT INTO variables (variable_id, dataset_id, label, data_type, start_pos, width, decimals, universe, question_text, concept)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (variable_id) DO UPDATE SET
				label = excluded.label,
				data_type = excluded.data_type,
				concept = excluded.concept`,
			vid, datasetID, v.Label, v.DataType, v.StartPos, v.Width, v.Decimals, v.Universe, v.Question, v.Concept,
		); err != nil {
			return fmt.Errorf("store variable %s: %w", vid, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM variable_categories WHERE variable_id = ?`, vid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM variable_missing_values WHERE variable_id = ?`, vid); err != nil {
			return err
		}
		for _, cat := range v.Categories {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO variable_categories (variable_id, category_code, category_label, frequency) VALUES (?, ?, ?, ?)`,
				vid, cat.Code, cat.Label, cat.Frequency,
			); err != nil {
				return fmt.Errorf("store category for %s: %w", vid, err)
			}
		}
		for _, mv := range v.MissingValues {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO variable_missing_values (variable_id, missing_value) VALUES (?, ?)`,
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
		`UPDATE variables SET table_name = ?, column_name = ? WHERE variable_id = ?`,
		table, column, storage.VariableID(datasetID, variableName),
	)
	return err
}

func (r *Repo) ColumnLabels(ctx context.Context, datasetID string) (map[string]map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.variable_id, c.category_code, c.category_label
		 FROM variable_categories c
		 JOIN variables v ON v.variable_id = c.variable_id
		 WHERE v.dataset_id = ?`, datasetID)
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
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqliteType(k storage.ColumnKind) string {
	if k == storage.KindNumeric {
		return "REAL"
	}
	return "TEXT"
}

func buildCreateTableSQL(table string, columns []string, kinds []storage.ColumnKind) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(ident(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident(c))
		b.WriteString(" ")
		b.WriteString(sqliteType(kinds[i]))
	}
	b.WriteString(");")
	return b.String()
}

func buildInsertSQL(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(ident(table))
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
		b.WriteString("?")
	}
	b.WriteString(");")
	return b.String()
}
