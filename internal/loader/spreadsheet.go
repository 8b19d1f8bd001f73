package loader

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"ingest/internal/frame"
)

// maxLeadingBlankRows caps how deep the leading-blank scan looks into a sheet
// before giving up and treating the first row as the header.
const maxLeadingBlankRows = 200

// ReadSpreadsheet decodes the first sheet of an .xlsx workbook.
//
// Cell values are the formatted text excelize renders, preserving leading
// zeros and custom number formats. The same leading-blank-row skip used for
// delimited files applies, evaluated over a capped preview window.
func ReadSpreadsheet(path string) (*frame.Frame, error) {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet %s has no sheets", path)
	}

	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	start := 0
	for start < len(rows) && start < maxLeadingBlankRows && allBlank(rows[start]) {
		start++
	}
	if start >= len(rows) {
		return nil, fmt.Errorf("spreadsheet %s has no header row", path)
	}

	columns := make([]string, len(rows[start]))
	for i, h := range rows[start] {
		columns[i] = strings.TrimSpace(h)
	}

	out := frame.New(columns)
	for _, record := range rows[start+1:] {
		if allBlank(record) {
			continue
		}
		row := make([]any, 0, len(record))
		for _, cell := range record {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				row = append(row, nil)
			} else {
				row = append(row, cell)
			}
		}
		out.AppendRow(row)
	}
	return out, nil
}
