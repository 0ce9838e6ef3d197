// Package offline evaluates pre-recorded agent outputs against rubrics
// without a live agent runtime. It backs the eval CLI and is the fastest
// way to iterate on rubric configurations.
package offline

import (
	"time"

	"github.com/acai-travel/agent-bench/internal/bench/extract"
	"github.com/acai-travel/agent-bench/internal/bench/rubric"
)

// Case is one dataset entry: a test case plus the recorded agent output
// to score.
type Case struct {
	ID          string          `json:"id"`
	Input       string          `json:"input"`
	Expected    string          `json:"expected,omitempty"`
	Choices     []string        `json:"choices,omitempty"`
	Category    string          `json:"category,omitempty"`
	Rubrics     []rubric.Rubric `json:"rubrics,omitempty"`
	Extractor   *extract.Config `json:"extractor,omitempty"`
	Actual      string          `json:"actual"`
	Description string          `json:"description,omitempty"`
}

// CaseResult pairs a case with its evaluation outcome.
type CaseResult struct {
	Case     Case                  `json:"case"`
	Passed   bool                  `json:"passed"`
	Score    float64               `json:"score"`
	Reason   string                `json:"reason,omitempty"`
	Rubrics  []rubric.RubricResult `json:"rubric_results,omitempty"`
	Duration int64                 `json:"duration"` // nanoseconds
}

// Report is a complete offline evaluation run.
type Report struct {
	DatasetName  string       `json:"dataset_name"`
	StartTime    time.Time    `json:"start_time"`
	EndTime      time.Time    `json:"end_time"`
	Duration     int64        `json:"duration"` // nanoseconds
	TotalCases   int          `json:"total_cases"`
	PassedCases  int          `json:"passed_cases"`
	FailedCases  int          `json:"failed_cases"`
	AverageScore float64      `json:"average_score"`
	Results      []CaseResult `json:"results"`
}
