package postgres

import (
	"testing"

	"ingest/internal/storage"
)

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	got := buildCreateTableSQL("survey", "plfs_2023_ab12cd",
		[]string{"age", "sex"},
		[]storage.ColumnKind{storage.KindNumeric, storage.KindText},
	)
	want := `CREATE TABLE "survey"."plfs_2023_ab12cd" ("age" DOUBLE PRECISION, "sex" TEXT);`
	if got != want {
		t.Errorf("DDL =\n%s\nwant\n%s", got, want)
	}
}

func TestBuildCreateTableSQLUnqualified(t *testing.T) {
	t.Parallel()

	got := buildCreateTableSQL("", "t", []string{"a"}, []storage.ColumnKind{storage.KindText})
	if got != `CREATE TABLE "t" ("a" TEXT);` {
		t.Errorf("DDL = %s", got)
	}
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	sql, args := buildInsertSQL("public", "t", []string{"a", "b"}, [][]any{
		{1.0, "x"},
		{nil, "y"},
	})
	want := `INSERT INTO "public"."t" ("a", "b") VALUES ($1, $2), ($3, $4);`
	if sql != want {
		t.Errorf("sql = %s", sql)
	}
	if len(args) != 4 || args[0] != 1.0 || args[2] != nil || args[3] != "y" {
		t.Errorf("args = %v", args)
	}
}

func TestPgIdentQuoting(t *testing.T) {
	t.Parallel()

	if got := pgIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("pgIdent = %s", got)
	}
}

func TestInsertChunkRows(t *testing.T) {
	t.Parallel()

	if got := insertChunkRows(4); got != 5000 {
		t.Errorf("chunk(4) = %d", got)
	}
	// A very wide table still inserts one row at a time.
	if got := insertChunkRows(30000); got != 1 {
		t.Errorf("chunk(30000) = %d", got)
	}
	if got := insertChunkRows(0); got != 1 {
		t.Errorf("chunk(0) = %d", got)
	}
}
