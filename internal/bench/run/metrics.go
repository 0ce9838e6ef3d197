package run

import (
	"time"

	"github.com/acai-travel/agent-bench/internal/bench/model"
)

// ComputeMetrics derives run-level aggregates from a full snapshot of the
// run's units. It is a pure function and deliberately never patches
// previous metrics: recomputation from scratch is what keeps concurrent
// completions from drifting the numbers.
func ComputeMetrics(run *model.Run, units []*model.RunUnit, now time.Time) model.RunMetrics {
	m := model.RunMetrics{
		TotalCases: len(units),
		DurationMS: now.Sub(run.StartedAt).Milliseconds(),
	}

	var (
		totalScore float64
		passAtK    int
		passAllK   int
	)

	for _, unit := range units {
		switch unit.Status {
		case model.UnitPending:
			m.PendingCases++
		case model.UnitRunning:
			m.RunningCases++
		case model.UnitPassed:
			m.PassedCases++
		case model.UnitFailed:
			m.FailedCases++
		case model.UnitError, model.UnitAborted:
			m.ErrorCases++
		case model.UnitTimeout:
			m.TimeoutCases++
		}

		if unit.Status == model.UnitPassed || unit.Status == model.UnitFailed {
			totalScore += unit.Score

			m.Cost += unit.Telemetry.Cost
			m.Tokens += unit.Telemetry.TotalTokens
			m.Steps += unit.Telemetry.Steps
			m.LLMCalls += unit.Telemetry.LLMCalls
			m.ToolCalls += unit.Telemetry.ToolCalls

			if unit.PassAtK {
				passAtK++
			}
			if unit.PassAllK {
				passAllK++
			}
		}

		// Cumulative spend counts every thread of every unit; k=1 units
		// carry no explicit totals, their average is the total.
		totals := unit.Telemetry
		if unit.Totals != nil {
			totals = *unit.Totals
		}
		m.TotalCost += totals.Cost
		m.TotalTokens += totals.TotalTokens
		m.TotalSteps += totals.Steps
		m.TotalLLMCalls += totals.LLMCalls
		m.TotalToolCalls += totals.ToolCalls
	}

	evaluated := m.PassedCases + m.FailedCases
	if evaluated > 0 {
		m.AverageScore = totalScore / float64(evaluated)
		m.Cost /= float64(evaluated)
		m.Tokens /= float64(evaluated)
		m.Steps /= float64(evaluated)
		m.LLMCalls /= float64(evaluated)
		m.ToolCalls /= float64(evaluated)
	}

	if m.TotalCases > 0 {
		m.PassRate = float64(m.PassedCases) / float64(m.TotalCases)
		if run.Config.Repetitions() > 1 {
			m.PassAtK = float64(passAtK) / float64(m.TotalCases)
			m.PassAllK = float64(passAllK) / float64(m.TotalCases)
		}
	}

	return m
}
