// Package tablename derives deterministic, collision-resistant, length-bounded
// relational identifiers for ingested data tables.
//
// Determinism is a correctness requirement, not a convenience: the directory
// processor skips files whose destination table already exists, so the same
// (stem, dataset id, relative path) must always map to the same table name for
// re-submissions to be idempotent.
package tablename

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

// MaxIdentifierLength is the bound applied to every generated identifier.
// 63 is the Postgres limit and comfortably under the MSSQL/SQLite limits, so
// one bound serves all registered backends.
const MaxIdentifierLength = 63

var nonWordRun = regexp.MustCompile(`\W+`)

// Sanitize lowercases a name, maps spaces and hyphens to underscores,
// collapses any remaining non-word run to a single underscore, and truncates
// to MaxIdentifierLength.
func Sanitize(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	name = nonWordRun.ReplaceAllString(name, "_")
	if len(name) > MaxIdentifierLength {
		name = name[:MaxIdentifierLength]
	}
	return name
}

func shortHash(value string, length int) string {
	sum := sha1.Sum([]byte(value))
	s := hex.EncodeToString(sum[:])
	if length > len(s) {
		length = len(s)
	}
	return s[:length]
}

// SafeTableName composes the destination table name for a data file.
//
// Without a dataset id the sanitized stem is returned alone; that is the
// legacy single-file path. With a dataset id the result is
// "<prefix>_<base>_<suffix>" where prefix derives from the dataset id, base
// from the file stem, and suffix is a 6-hex SHA-1 over "datasetID:stem" (plus
// ":salt" when a salt, normally the file's relative path, is supplied). The
// salt is what keeps same-named files in different subdirectories apart.
//
// Edge cases:
//   - A dataset id that sanitizes to nothing falls back to the literal "ds".
//   - A stem that truncates to nothing falls back to the literal "data".
//   - The final result is truncated to MaxIdentifierLength as a last safety
//     net even after the budgeting above.
func SafeTableName(stem, datasetID, salt string) string {
	base := Sanitize(stem)

	if datasetID == "" {
		return base
	}

	prefix := Sanitize(datasetID)
	raw := stem
	if salt != "" {
		raw = stem + ":" + salt
	}
	suffix := shortHash(datasetID+":"+raw, 6)

	if prefix == "" {
		prefix = "ds"
	}

	// prefix + "_" + base + "_" + suffix must fit the identifier limit.
	reserved := len(prefix) + 1 + 1 + len(suffix)
	available := MaxIdentifierLength - reserved
	if available < 1 {
		max := MaxIdentifierLength - (1 + 1 + len(suffix))
		if max < 1 {
			max = 1
		}
		prefix = prefix[:max]
		reserved = len(prefix) + 1 + 1 + len(suffix)
		available = MaxIdentifierLength - reserved
		if available < 1 {
			available = 1
		}
	}

	if len(base) > available {
		base = base[:available]
	}
	base = strings.Trim(base, "_")
	if base == "" {
		base = "data"
	}

	name := prefix + "_" + base + "_" + suffix
	if len(name) > MaxIdentifierLength {
		name = name[:MaxIdentifierLength]
	}
	return name
}
