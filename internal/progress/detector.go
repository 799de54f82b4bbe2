package progress

import "strings"

// stagePattern pairs a stage with the ordered list of substrings that
// indicate a worker has entered it. Order matters: it is both the
// declaration order and the tie-break when output matches more than one
// stage's patterns.
type stagePattern struct {
	stage    Stage
	patterns []string
}

// stageTable is deliberately a slice, not a map, so declaration order is
// preserved regardless of the host language's map iteration guarantees.
var stageTable = []stagePattern{
	{StageAnalyzing, []string{
		"let me read", "reading", "examining", "looking at", "checking",
		"understanding", "analyzing", "reviewing the code", "let me understand",
	}},
	{StagePlanning, []string{
		"let me plan", "planning", "i'll design", "approach will be",
		"strategy", "let's outline",
	}},
	{StageImplementing, []string{
		"implementing", "writing the code", "creating the", "adding the",
		"let me implement", "building", "let me write",
	}},
	{StageTesting, []string{
		"running tests", "testing", "let me test", "test passed", "test failed",
		"executing tests",
	}},
	{StageReviewing, []string{
		"reviewing", "let me review", "double-checking", "verifying the changes",
		"final check",
	}},
}

// DetectStage scans output for the first stage (in stageTable's declared
// order) whose keyword list contains a case-insensitive substring match.
// Empty input, or input matching nothing, yields ("", false).
func DetectStage(output string) (Stage, bool) {
	if output == "" {
		return "", false
	}
	lower := strings.ToLower(output)
	for _, sp := range stageTable {
		for _, p := range sp.patterns {
			if strings.Contains(lower, p) {
				return sp.stage, true
			}
		}
	}
	return "", false
}
