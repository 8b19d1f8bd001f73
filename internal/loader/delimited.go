package loader

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"ingest/internal/frame"
)

// maxLeadingBlankLines bounds the leading-blank scan so a pathological file
// cannot stall header detection.
const maxLeadingBlankLines = 2000

// ReadDelimited decodes a comma-separated text file.
//
// Leading fully-blank lines, including lines consisting only of separator
// characters like ",,,", are skipped before the header row. Values are read as
// text; empty cells become nil.
func ReadDelimited(path string) (*frame.Frame, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open delimited file: %w", err)
	}

	lines := splitLines(decodeText(raw))
	start := 0
	for start < len(lines) && start < maxLeadingBlankLines && separatorOnly(lines[start]) {
		start++
	}

	r := csv.NewReader(strings.NewReader(strings.Join(lines[start:], "\n")))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("delimited file %s has no header row", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read delimited header: %w", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}

	out := frame.New(columns)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read delimited row %d: %w", out.NumRows()+2, err)
		}
		if allBlank(record) {
			continue
		}
		row := make([]any, len(record))
		for i, cell := range record {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				row[i] = nil
			} else {
				row[i] = cell
			}
		}
		out.AppendRow(row)
	}
	return out, nil
}

// separatorOnly reports whether a line is blank once separator characters are
// removed.
func separatorOnly(line string) bool {
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ',', '\t', ';', ' ':
			return -1
		}
		return r
	}, line)
	return stripped == ""
}

func allBlank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
