package loader

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"ingest/internal/ddi"
	"ingest/internal/frame"
)

type colSpan struct {
	name  string
	start int // 0-based
	end   int // exclusive
}

// ReadFixedWidth decodes a fixed-width text file using descriptor positions.
//
// Only variables carrying both a start position and a width contribute spans;
// descriptor positions are 1-based. Values are read as text so that leading
// zeros survive until metadata-driven coercion. Short lines yield nil for
// spans beyond their end.
//
// Errors:
//   - Returns an error if no variable has usable position/width data.
func ReadFixedWidth(path string, variables []ddi.Variable) (*frame.Frame, error) {
	spans := buildSpans(variables)
	if len(spans) == 0 {
		return nil, fmt.Errorf("no usable variable positions in metadata for fixed-width parsing")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open fixed-width file: %w", err)
	}

	columns := make([]string, len(spans))
	for i, s := range spans {
		columns[i] = s.name
	}
	out := frame.New(columns)

	for _, line := range splitLines(decodeText(raw)) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		row := make([]any, len(spans))
		for i, s := range spans {
			if s.start >= len(line) {
				row[i] = nil
				continue
			}
			end := s.end
			if end > len(line) {
				end = len(line)
			}
			cell := strings.TrimSpace(line[s.start:end])
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

func buildSpans(variables []ddi.Variable) []colSpan {
	var spans []colSpan
	for _, v := range variables {
		if v.StartPos == nil || v.Width == nil {
			continue
		}
		start := *v.StartPos - 1
		spans = append(spans, colSpan{name: v.Name, start: start, end: start + *v.Width})
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	return spans
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}
