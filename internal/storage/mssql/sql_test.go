package mssql

import (
	"testing"

	"ingest/internal/storage"
)

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	got := buildCreateTableSQL("[survey].[t1]",
		[]string{"age", "sex"},
		[]storage.ColumnKind{storage.KindNumeric, storage.KindText},
	)
	want := "CREATE TABLE [survey].[t1] ([age] FLOAT, [sex] NVARCHAR(MAX));"
	if got != want {
		t.Errorf("DDL = %s", got)
	}
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	got := buildInsertSQL("[t]", []string{"a", "b", "c"})
	want := "INSERT INTO [t] ([a], [b], [c]) VALUES (@p1, @p2, @p3);"
	if got != want {
		t.Errorf("sql = %s", got)
	}
}

func TestIdentEscapesBrackets(t *testing.T) {
	t.Parallel()

	if got := ident("we]ird"); got != "[we]]ird]" {
		t.Errorf("ident = %s", got)
	}
}

func TestQualify(t *testing.T) {
	t.Parallel()

	r := &Repo{schema: "survey"}
	if got := r.qualify("t"); got != "[survey].[t]" {
		t.Errorf("qualify = %s", got)
	}
	if got := r.plainName("t"); got != "survey.t" {
		t.Errorf("plainName = %s", got)
	}
	bare := &Repo{}
	if got := bare.qualify("t"); got != "[t]" {
		t.Errorf("bare qualify = %s", got)
	}
}
