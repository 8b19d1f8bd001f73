package postgres

import (
	"fmt"
	"strings"

	"ingest/internal/storage"
)

// pgIdent quotes an identifier for Postgres.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func qualify(schema, table string) string {
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

func pgType(k storage.ColumnKind) string {
	if k == storage.KindNumeric {
		return "DOUBLE PRECISION"
	}
	return "TEXT"
}

// buildCreateTableSQL renders the CREATE TABLE statement for an ingested
// table. Pure and deterministic so correctness is unit-testable without a
// database.
func buildCreateTableSQL(schema, table string, columns []string, kinds []storage.ColumnKind) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(qualify(schema, table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
		b.WriteString(" ")
		b.WriteString(pgType(kinds[i]))
	}
	b.WriteString(");")
	return b.String()
}

// buildInsertSQL constructs a single multi-row INSERT and its args.
//
// Constraints:
//   - every row must have the same length as columns.
//   - columns must be non-empty.
func buildInsertSQL(schema, table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualify(schema, table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("$%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}

// insertChunkRows keeps each INSERT comfortably below Postgres's 65535
// parameter limit.
func insertChunkRows(ncols int) int {
	const maxParams = 20000
	if ncols <= 0 {
		return 1
	}
	n := maxParams / ncols
	if n < 1 {
		return 1
	}
	return n
}

// catalogDDL creates the dataset/variable catalog. Idempotent; statements run
// in order because of the foreign keys.
var catalogDDL = []string{
	`CREATE TABLE IF NOT EXISTS datasets (
		dataset_id TEXT PRIMARY KEY,
		title TEXT,
		source TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS dataset_files (
		id SERIAL PRIMARY KEY,
		dataset_id TEXT REFERENCES datasets(dataset_id) ON DELETE CASCADE,
		filename TEXT,
		file_type TEXT,
		uploaded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
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
		id SERIAL PRIMARY KEY,
		variable_id TEXT REFERENCES variables(variable_id) ON DELETE CASCADE,
		category_code TEXT,
		category_label TEXT,
		frequency INTEGER
	);`,
	`CREATE TABLE IF NOT EXISTS variable_missing_values (
		id SERIAL PRIMARY KEY,
		variable_id TEXT REFERENCES variables(variable_id) ON DELETE CASCADE,
		missing_value TEXT
	);`,
}
