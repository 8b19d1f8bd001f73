package loader

import (
	"testing"

	"ingest/internal/frame"
)

func TestApplyMonthYearRewritesPeriodColumn(t *testing.T) {
	t.Parallel()

	f := frame.New([]string{"period", "amount"})
	f.AppendRow([]any{"2023-01-01", "10"})
	f.AppendRow([]any{"2023-02-01", "20"})
	f.AppendRow([]any{"2023-03-01 00:00:00", "30"})
	f.AppendRow([]any{"not a date", "40"})
	f.AppendRow([]any{nil, "50"})

	ApplyMonthYear(f)

	want := []any{"jan-2023", "feb-2023", "mar-2023", nil, nil}
	for i, w := range want {
		if f.Rows[i][0] != w {
			t.Errorf("period[%d] = %v, want %v", i, f.Rows[i][0], w)
		}
	}
	// Non-date column untouched.
	if f.Rows[0][1] != "10" {
		t.Errorf("amount[0] = %v", f.Rows[0][1])
	}
}

func TestApplyMonthYearSkipsVaryingDays(t *testing.T) {
	t.Parallel()

	f := frame.New([]string{"event_date"})
	f.AppendRow([]any{"2023-01-05"})
	f.AppendRow([]any{"2023-02-11"})
	f.AppendRow([]any{"2023-03-27"})
	f.AppendRow([]any{"2023-04-02"})

	ApplyMonthYear(f)

	if f.Rows[0][0] != "2023-01-05" {
		t.Errorf("daily dates rewritten: %v", f.Rows[0][0])
	}
}

func TestApplyMonthYearSkipsSingleMonth(t *testing.T) {
	t.Parallel()

	f := frame.New([]string{"snapshot"})
	f.AppendRow([]any{"2023-06-01"})
	f.AppendRow([]any{"2023-06-01"})
	f.AppendRow([]any{"2023-06-01"})

	ApplyMonthYear(f)

	if f.Rows[0][0] != "2023-06-01" {
		t.Errorf("single-period column rewritten: %v", f.Rows[0][0])
	}
}

func TestApplyMonthYearSkipsMostlyText(t *testing.T) {
	t.Parallel()

	f := frame.New([]string{"mixed"})
	f.AppendRow([]any{"2023-01-01"})
	f.AppendRow([]any{"hello"})
	f.AppendRow([]any{"world"})

	ApplyMonthYear(f)

	if f.Rows[0][0] != "2023-01-01" {
		t.Errorf("low parse-ratio column rewritten: %v", f.Rows[0][0])
	}
}
