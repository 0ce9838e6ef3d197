package offline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/acai-travel/agent-bench/internal/bench/rubric"
)

// Runner scores dataset cases with the rubric engine.
type Runner struct {
	threshold float64
	judge     rubric.Judge
	model     string
}

// NewRunner creates a runner. A nil judge disables llm-rubric cases, which
// then fail with an explanatory reason instead of erroring out.
func NewRunner(threshold float64, judge rubric.Judge, model string) *Runner {
	if threshold <= 0 {
		threshold = rubric.DefaultPassThreshold
	}
	return &Runner{threshold: threshold, judge: judge, model: model}
}

// Run evaluates every case and assembles the report.
func (r *Runner) Run(ctx context.Context, name string, cases []Case) *Report {
	report := &Report{
		DatasetName: name,
		StartTime:   time.Now(),
		TotalCases:  len(cases),
		Results:     make([]CaseResult, 0, len(cases)),
	}

	slog.InfoContext(ctx, "Starting evaluation run", "total_cases", len(cases))

	totalScore := 0.0
	for i, c := range cases {
		slog.InfoContext(ctx, "Evaluating case",
			"id", c.ID,
			"progress", fmt.Sprintf("%d/%d", i+1, len(cases)))

		start := time.Now()
		out := rubric.Evaluate(ctx, c.Actual, c.Rubrics, rubric.TestCase{
			Input:    c.Input,
			Expected: c.Expected,
			Choices:  c.Choices,
			Category: c.Category,
		}, rubric.Options{
			Extractor:     c.Extractor,
			PassThreshold: r.threshold,
			Context:       rubric.MatchContext{Judge: r.judge, JudgeModel: r.model},
		})

		report.Results = append(report.Results, CaseResult{
			Case:     c,
			Passed:   out.Passed,
			Score:    out.Score,
			Reason:   out.Reason,
			Rubrics:  out.RubricResults,
			Duration: time.Since(start).Nanoseconds(),
		})

		if out.Passed {
			report.PassedCases++
		} else {
			report.FailedCases++
		}
		totalScore += out.Score
	}

	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(report.StartTime).Nanoseconds()
	if len(cases) > 0 {
		report.AverageScore = totalScore / float64(len(cases))
	}

	slog.InfoContext(ctx, "Evaluation run completed",
		"total", report.TotalCases,
		"passed", report.PassedCases,
		"failed", report.FailedCases,
		"avg_score", report.AverageScore,
		"duration", report.Duration)

	return report
}

// PrintSummary prints a human-readable summary of the report
func PrintSummary(report *Report) {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Evaluation Report: %s\n", report.DatasetName)
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Total cases:    %d\n", report.TotalCases)
	if report.TotalCases > 0 {
		fmt.Printf("Passed:         %d (%.1f%%)\n", report.PassedCases,
			float64(report.PassedCases)/float64(report.TotalCases)*100)
		fmt.Printf("Failed:         %d (%.1f%%)\n", report.FailedCases,
			float64(report.FailedCases)/float64(report.TotalCases)*100)
	}
	fmt.Printf("Average score:  %.3f\n", report.AverageScore)
	fmt.Printf("Duration:       %v\n", time.Duration(report.Duration))
	fmt.Println()

	if report.FailedCases > 0 {
		fmt.Println("Failed Cases:")
		fmt.Println(strings.Repeat("-", 60))
		for _, res := range report.Results {
			if res.Passed {
				continue
			}
			fmt.Printf("\n[%s] %s\n", res.Case.ID, res.Case.Description)
			fmt.Printf("  Input:    %q\n", res.Case.Input)
			fmt.Printf("  Actual:   %q\n", res.Case.Actual)
			fmt.Printf("  Score:    %.2f\n", res.Score)
			if res.Reason != "" {
				fmt.Printf("  Reason:   %s\n", res.Reason)
			}
			for _, rr := range res.Rubrics {
				if !rr.Passed {
					fmt.Printf("    - [%s %s] %s (score: %.2f)\n", rr.RubricID, rr.Type, rr.Reason, rr.Score)
				}
			}
		}
		fmt.Println()
	}

	if report.PassedCases > 0 {
		fmt.Println("Passed Cases:")
		fmt.Println(strings.Repeat("-", 60))
		for _, res := range report.Results {
			if res.Passed {
				fmt.Printf("+ [%s] %s (score: %.2f)\n", res.Case.ID, res.Case.Description, res.Score)
			}
		}
	}
	fmt.Println(strings.Repeat("=", 60))
}
