package run

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twitchtv/twirp"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/acai-travel/agent-bench/internal/bench/model"
	"github.com/acai-travel/agent-bench/internal/bench/rubric"
)

// HandleCompletion processes one agent-runtime completion webhook. It is
// safe against duplicate and late deliveries: a unit already in a
// terminal state is never overwritten, the delivery is just logged.
func (s *Service) HandleCompletion(ctx context.Context, payload model.CompletionPayload) error {
	runID, err := primitive.ObjectIDFromHex(payload.RunID)
	if err != nil {
		return twirp.InvalidArgumentError("runId", "is not a valid run ID")
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	unit, err := s.store.GetUnit(ctx, runID, payload.TestCaseID)
	if err != nil {
		return err
	}

	if unit.Status.Terminal() {
		slog.InfoContext(ctx, "Completion for terminal unit ignored",
			"run_id", payload.RunID,
			"test_case_id", payload.TestCaseID,
			"thread_id", payload.ThreadID,
			"unit_status", string(unit.Status))
		return nil
	}

	if run.Config.Repetitions() > 1 {
		return s.completeThread(ctx, run, unit, payload)
	}

	return s.completeUnit(ctx, run, unit, payload)
}

// completeUnit handles the single-execution path: evaluate the transcript
// and move the unit straight to its terminal state.
func (s *Service) completeUnit(ctx context.Context, run *model.Run, unit *model.RunUnit, payload model.CompletionPayload) error {
	if payload.Status == model.CompletionError {
		// The agent never produced output; scoring it would corrupt the
		// aggregates.
		return s.failUnit(ctx, run, unit, payload.Telemetry, executionErrorReason(payload.Telemetry))
	}

	transcript, err := s.agents.Transcript(ctx, payload.TopicID, payload.ThreadID)
	if err != nil {
		return s.failUnit(ctx, run, unit, payload.Telemetry, fmt.Sprintf("fetch transcript: %v", err))
	}

	result := s.evaluate(ctx, run, unit, transcript)

	status := model.UnitFailed
	if result.Passed {
		status = model.UnitPassed
	}

	telemetry := payload.Telemetry
	applied, err := s.store.TransitionUnit(ctx, unit.ID, nonTerminal, model.UnitUpdate{
		Status:        status,
		Passed:        &result.Passed,
		Score:         &result.Score,
		Reason:        &result.Reason,
		RubricResults: result.RubricResults,
		Telemetry:     &telemetry,
	})
	if err != nil {
		return fmt.Errorf("record evaluation: %w", err)
	}
	if !applied {
		slog.InfoContext(ctx, "Completion lost the transition race",
			"run_id", run.ID.Hex(), "test_case_id", unit.TestCaseID)
		return nil
	}

	s.countUnit(ctx, status)
	slog.InfoContext(ctx, "Unit evaluated",
		"run_id", run.ID.Hex(),
		"test_case_id", unit.TestCaseID,
		"status", string(status),
		"score", result.Score)

	s.finalizeIfDone(ctx, run.ID)
	return nil
}

// completeThread handles one of k repeated executions: record the thread
// verdict, bump the join barrier and aggregate exactly once when the last
// thread arrives.
func (s *Service) completeThread(ctx context.Context, run *model.Run, unit *model.RunUnit, payload model.CompletionPayload) error {
	tr := &model.ThreadResult{
		RunID:      run.ID,
		TestCaseID: unit.TestCaseID,
		ThreadID:   payload.ThreadID,
		TopicID:    payload.TopicID,
		Telemetry:  payload.Telemetry,
		CreatedAt:  s.now(),
	}

	if payload.Status == model.CompletionError {
		tr.Error = executionErrorReason(payload.Telemetry)
	} else {
		transcript, err := s.agents.Transcript(ctx, payload.TopicID, payload.ThreadID)
		if err != nil {
			tr.Error = fmt.Sprintf("fetch transcript: %v", err)
		} else {
			result := s.evaluate(ctx, run, unit, transcript)
			tr.Passed = result.Passed
			tr.Score = result.Score
			tr.Rubrics = result.RubricResults
		}
	}

	if err := s.store.InsertThreadResult(ctx, tr); err != nil {
		if err == model.ErrDuplicateThread {
			slog.InfoContext(ctx, "Duplicate thread completion ignored",
				"run_id", run.ID.Hex(),
				"test_case_id", unit.TestCaseID,
				"thread_id", payload.ThreadID)
			return nil
		}
		return fmt.Errorf("record thread result: %w", err)
	}

	done, err := s.store.BumpThreadsDone(ctx, unit.ID)
	if err != nil {
		return fmt.Errorf("bump thread barrier: %w", err)
	}

	k := run.Config.Repetitions()
	if done < k {
		slog.InfoContext(ctx, "Thread completed, waiting for siblings",
			"run_id", run.ID.Hex(),
			"test_case_id", unit.TestCaseID,
			"done", done,
			"k", k)
		s.refreshMetrics(ctx, run)
		return nil
	}

	threads, err := s.store.ListThreadResults(ctx, run.ID, unit.TestCaseID)
	if err != nil {
		return fmt.Errorf("list thread results: %w", err)
	}

	status, upd := aggregateThreads(threads)
	applied, err := s.store.TransitionUnit(ctx, unit.ID, nonTerminal, upd)
	if err != nil {
		return fmt.Errorf("record aggregate: %w", err)
	}
	if !applied {
		slog.InfoContext(ctx, "Aggregation lost the transition race",
			"run_id", run.ID.Hex(), "test_case_id", unit.TestCaseID)
		return nil
	}

	s.countUnit(ctx, status)
	slog.InfoContext(ctx, "Unit threads aggregated",
		"run_id", run.ID.Hex(),
		"test_case_id", unit.TestCaseID,
		"status", string(status),
		"pass_at_k", *upd.PassAtK,
		"pass_all_k", *upd.PassAllK)

	s.finalizeIfDone(ctx, run.ID)
	return nil
}

// failUnit moves a unit to error without evaluating anything.
func (s *Service) failUnit(ctx context.Context, run *model.Run, unit *model.RunUnit, telemetry model.Telemetry, reason string) error {
	applied, err := s.store.TransitionUnit(ctx, unit.ID, nonTerminal, model.UnitUpdate{
		Status:    model.UnitError,
		Reason:    &reason,
		Telemetry: &telemetry,
	})
	if err != nil {
		return fmt.Errorf("record execution error: %w", err)
	}
	if !applied {
		return nil
	}

	s.countUnit(ctx, model.UnitError)
	slog.WarnContext(ctx, "Unit failed without evaluation",
		"run_id", run.ID.Hex(),
		"test_case_id", unit.TestCaseID,
		"reason", reason)

	s.finalizeIfDone(ctx, run.ID)
	return nil
}

func (s *Service) evaluate(ctx context.Context, run *model.Run, unit *model.RunUnit, transcript string) rubric.EvalResult {
	return rubric.Evaluate(ctx, transcript, unit.TestCase.Rubrics, unit.TestCase.Content, rubric.Options{
		Extractor:     unit.TestCase.Extractor,
		PassThreshold: run.Config.PassThreshold,
		Context:       rubric.MatchContext{Judge: s.judge, JudgeModel: s.judgeModel},
	})
}

func executionErrorReason(t model.Telemetry) string {
	if t.ErrorMessage != "" {
		return t.ErrorMessage
	}
	return "execution error"
}

// aggregateThreads folds k thread results into the unit verdict. Primary
// telemetry fields become per-thread averages, Totals the cumulative
// sums; the representative score is the best thread's.
func aggregateThreads(threads []*model.ThreadResult) (model.UnitStatus, model.UnitUpdate) {
	k := len(threads)

	var (
		anyPassed  bool
		allPassed  = true
		allErrored = true
		best       = 0
		totals     model.Telemetry
	)

	embedded := make([]model.ThreadResult, 0, k)
	for i, t := range threads {
		embedded = append(embedded, *t)

		if t.Passed {
			anyPassed = true
		} else {
			allPassed = false
		}
		if t.Error == "" {
			allErrored = false
		}
		if t.Score > threads[best].Score {
			best = i
		}

		totals.Cost += t.Telemetry.Cost
		totals.TotalTokens += t.Telemetry.TotalTokens
		totals.DurationMS += t.Telemetry.DurationMS
		totals.Steps += t.Telemetry.Steps
		totals.LLMCalls += t.Telemetry.LLMCalls
		totals.ToolCalls += t.Telemetry.ToolCalls
	}

	average := model.Telemetry{
		Cost:        totals.Cost / float64(k),
		TotalTokens: totals.TotalTokens / float64(k),
		DurationMS:  totals.DurationMS / float64(k),
		Steps:       totals.Steps / float64(k),
		LLMCalls:    totals.LLMCalls / float64(k),
		ToolCalls:   totals.ToolCalls / float64(k),
	}

	status := model.UnitFailed
	if anyPassed {
		status = model.UnitPassed
	} else if allErrored {
		status = model.UnitError
	}

	score := threads[best].Score
	passed := anyPassed
	reason := ""
	if status == model.UnitError {
		reason = threads[0].Error
	}

	return status, model.UnitUpdate{
		Status:        status,
		Passed:        &passed,
		Score:         &score,
		Reason:        &reason,
		RubricResults: threads[best].Rubrics,
		Telemetry:     &average,
		Totals:        &totals,
		Threads:       embedded,
		PassAtK:       &anyPassed,
		PassAllK:      &allPassed,
	}
}

// finalizeIfDone recomputes metrics and, once no unit remains
// non-terminal, settles the run status. The recomputation is a full pass
// over the current unit snapshot and is idempotent, so concurrent
// completions converge on the same result.
func (s *Service) finalizeIfDone(ctx context.Context, runID primitive.ObjectID) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load run for finalization", "run_id", runID.Hex(), "error", err)
		return
	}

	units, err := s.store.ListUnits(ctx, runID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load units for finalization", "run_id", runID.Hex(), "error", err)
		return
	}

	metrics := ComputeMetrics(run, units, s.now())
	if err := s.store.UpdateRunMetrics(ctx, runID, metrics); err != nil {
		slog.ErrorContext(ctx, "Failed to persist run metrics", "run_id", runID.Hex(), "error", err)
	}

	if metrics.PendingCases+metrics.RunningCases > 0 {
		return
	}
	if run.Status != model.RunPending && run.Status != model.RunRunning {
		return
	}

	final := model.RunCompleted
	if metrics.ErrorCases+metrics.TimeoutCases >= metrics.TotalCases {
		final = model.RunFailed
	}

	if err := s.store.UpdateRunStatus(ctx, runID, final); err != nil {
		slog.ErrorContext(ctx, "Failed to finalize run", "run_id", runID.Hex(), "error", err)
		return
	}

	if s.runsFinalized != nil {
		s.runsFinalized.Add(ctx, 1)
	}

	slog.InfoContext(ctx, "Run finalized",
		"run_id", runID.Hex(),
		"status", string(final),
		"passed", metrics.PassedCases,
		"failed", metrics.FailedCases,
		"errors", metrics.ErrorCases,
		"timeouts", metrics.TimeoutCases,
		"duration_ms", metrics.DurationMS)
}
