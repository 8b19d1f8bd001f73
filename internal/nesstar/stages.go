// Package nesstar bridges proprietary .nesstar study packages into open
// formats by driving an external converter process and tailing its output.
package nesstar

import "strings"

// Stage tokens the converter prints on stdout, in pipeline order. Each maps
// to an overall progress percentage.
const (
	StageQueued     = "QUEUED"
	StageConverting = "CONVERTING_WITH_NESSTAR"
	StageExportMeta = "EXPORTING_METADATA"
	StageDialog     = "EXPORT_DIALOG_OPENED"
	StageExportAll  = "EXPORTING_ALL_DATASETS"
	StageSaving     = "SAVING_DATASETS"
	StageValidating = "VALIDATING_EXPORTED_FILES"
	StageIngesting  = "INGESTING"
	StageCompleted  = "COMPLETED"
	StageFailed     = "FAILED"
)

var stageOrder = []string{
	StageConverting,
	StageExportMeta,
	StageDialog,
	StageExportAll,
	StageSaving,
	StageValidating,
	StageIngesting,
	StageCompleted,
	StageFailed,
	StageQueued,
}

var stageProgress = map[string]int{
	StageQueued:     0,
	StageConverting: 15,
	StageExportMeta: 35,
	StageDialog:     40,
	StageExportAll:  45,
	StageSaving:     55,
	StageValidating: 75,
	StageIngesting:  85,
	StageCompleted:  100,
	StageFailed:     100,
}

// MatchStage reports the stage token a converter output line carries, if any.
func MatchStage(line string) (stage string, progress int, ok bool) {
	upper := strings.ToUpper(line)
	for _, tok := range stageOrder {
		if strings.Contains(upper, tok) {
			return tok, stageProgress[tok], true
		}
	}
	return "", 0, false
}
