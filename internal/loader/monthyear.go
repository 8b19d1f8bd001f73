package loader

import (
	"fmt"
	"strings"
	"time"

	"ingest/internal/frame"
)

// Month-year detection thresholds. A column qualifies when, over a sample of
// up to 200 non-blank values: at least 70% parse as dates, at least 95% of
// those share the modal day-of-month, at least 90% carry a midnight time, and
// the sample spans at least two distinct months or years. Survey data often
// encodes period columns as full timestamps that should collapse to a coarser
// period label.
const (
	monthYearSampleSize    = 200
	monthYearParseRatio    = 0.70
	monthYearSameDayRatio  = 0.95
	monthYearMidnightRatio = 0.90
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
	"2006-01",
	"Jan 2006",
	"January 2006",
}

// ApplyMonthYear rewrites columns that look like month-period timestamps to
// "jan-2023" style labels. Qualifying columns have every parseable value
// replaced and every unparseable value nulled; other columns are untouched.
func ApplyMonthYear(f *frame.Frame) {
	for col := range f.Columns {
		if columnIsMonthYear(f, col) {
			rewriteMonthYear(f, col)
		}
	}
}

func columnIsMonthYear(f *frame.Frame, col int) bool {
	sampled := 0
	parsedCount := 0
	dayCounts := map[int]int{}
	midnight := 0
	months := map[time.Month]struct{}{}
	years := map[int]struct{}{}

	for _, row := range f.Rows {
		if sampled >= monthYearSampleSize {
			break
		}
		s := cellText(row[col])
		if s == "" {
			continue
		}
		sampled++
		t, ok := parseDate(s)
		if !ok {
			continue
		}
		parsedCount++
		dayCounts[t.Day()]++
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
			midnight++
		}
		months[t.Month()] = struct{}{}
		years[t.Year()] = struct{}{}
	}

	if sampled == 0 || parsedCount == 0 {
		return false
	}
	if float64(parsedCount)/float64(sampled) < monthYearParseRatio {
		return false
	}
	modalDay := 0
	for _, n := range dayCounts {
		if n > modalDay {
			modalDay = n
		}
	}
	if float64(modalDay)/float64(parsedCount) < monthYearSameDayRatio {
		return false
	}
	if float64(midnight)/float64(parsedCount) < monthYearMidnightRatio {
		return false
	}
	return len(months) >= 2 || len(years) >= 2
}

func rewriteMonthYear(f *frame.Frame, col int) {
	for _, row := range f.Rows {
		s := cellText(row[col])
		if s == "" {
			row[col] = nil
			continue
		}
		t, ok := parseDate(s)
		if !ok {
			row[col] = nil
			continue
		}
		row[col] = fmt.Sprintf("%s-%04d", strings.ToLower(t.Format("Jan")), t.Year())
	}
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func cellText(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
