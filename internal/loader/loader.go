// Package loader decodes one physical data file into a Frame.
//
// Dispatch is by extension. Fixed-width text needs descriptor positions to be
// decodable at all; every other format carries its own structure. Delimited
// and spreadsheet loads read values as text to preserve formatting such as
// leading zeros, then run the month-year column heuristic.
package loader

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"ingest/internal/ddi"
	"ingest/internal/frame"
	"ingest/internal/spss"
)

// DataExtensions lists the extensions the directory processor treats as data
// files, in lowercase with the leading dot.
var DataExtensions = []string{".txt", ".csv", ".sav", ".por", ".xlsx"}

// IsDataFile reports whether the path has a recognized data extension.
func IsDataFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range DataExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Load decodes path into a Frame. meta may be nil for self-describing formats;
// fixed-width text fails without it.
func Load(path string, meta *ddi.Document) (*frame.Frame, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		if meta.Empty() {
			return nil, fmt.Errorf("cannot parse fixed-width file %s without a metadata descriptor", filepath.Base(path))
		}
		return ReadFixedWidth(path, meta.Variables)
	case ".sav":
		return spss.ReadSAV(path)
	case ".por":
		return spss.ReadPOR(path)
	case ".csv":
		f, err := ReadDelimited(path)
		if err != nil {
			return nil, err
		}
		ApplyMonthYear(f)
		return f, nil
	case ".xlsx":
		f, err := ReadSpreadsheet(path)
		if err != nil {
			return nil, err
		}
		ApplyMonthYear(f)
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported data file type %q", filepath.Ext(path))
	}
}

// decodeText interprets raw file bytes as UTF-8, falling back to Windows-1252
// when the bytes are not valid UTF-8. Legacy survey exports are overwhelmingly
// one of the two.
func decodeText(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}
