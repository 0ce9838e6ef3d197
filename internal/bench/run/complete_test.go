package run

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/twitchtv/twirp"

	"github.com/acai-travel/agent-bench/internal/bench/model"
)

func TestService_HandleCompletion_SingleExecution(t *testing.T) {
	ctx := context.Background()

	start := func(t *testing.T, rt *stubRuntime) (*Service, *memStore, *model.Run) {
		store := newMemStore()
		now := time.Now()
		svc := newTestService(store, rt, &now)

		run, err := svc.CreateRun(ctx, CreateRunParams{
			AgentID:   "agent-1",
			TestCases: []model.TestCase{equalsCase("tc-1", "capital of France?", "Paris")},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return svc, store, run
	}

	t.Run("passing transcript completes the run", func(t *testing.T) {
		svc, store, run := start(t, &stubRuntime{output: "Paris"})

		err := svc.HandleCompletion(ctx, model.CompletionPayload{
			RunID:      run.ID.Hex(),
			TestCaseID: "tc-1",
			TopicID:    "topic-tc-1",
			Status:     model.CompletionCompleted,
			Telemetry:  model.Telemetry{Cost: 0.5, TotalTokens: 120},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if unit.Status != model.UnitPassed || !unit.Passed || unit.Score != 1 {
			t.Errorf("unit = %s passed=%v score=%v, want passed", unit.Status, unit.Passed, unit.Score)
		}
		if unit.Telemetry.Cost != 0.5 {
			t.Errorf("telemetry cost = %v, want 0.5", unit.Telemetry.Cost)
		}

		final, _ := store.GetRun(ctx, run.ID)
		if final.Status != model.RunCompleted {
			t.Errorf("run status = %s, want completed", final.Status)
		}
		if final.Metrics.PassRate != 1 {
			t.Errorf("pass rate = %v, want 1", final.Metrics.PassRate)
		}
	})

	t.Run("failing transcript completes the run as well", func(t *testing.T) {
		svc, store, run := start(t, &stubRuntime{output: "London"})

		if err := svc.HandleCompletion(ctx, model.CompletionPayload{
			RunID:      run.ID.Hex(),
			TestCaseID: "tc-1",
			TopicID:    "topic-tc-1",
			Status:     model.CompletionCompleted,
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if unit.Status != model.UnitFailed || unit.Passed {
			t.Errorf("unit = %s passed=%v, want failed", unit.Status, unit.Passed)
		}
		if len(unit.RubricResults) != 1 || unit.RubricResults[0].Passed {
			t.Errorf("rubric results = %+v, want one failed entry", unit.RubricResults)
		}

		// An evaluated failure is a real verdict, not an infrastructure
		// breakdown.
		final, _ := store.GetRun(ctx, run.ID)
		if final.Status != model.RunCompleted {
			t.Errorf("run status = %s, want completed", final.Status)
		}
	})

	t.Run("execution error skips evaluation", func(t *testing.T) {
		svc, store, run := start(t, &stubRuntime{output: "Paris"})

		if err := svc.HandleCompletion(ctx, model.CompletionPayload{
			RunID:      run.ID.Hex(),
			TestCaseID: "tc-1",
			TopicID:    "topic-tc-1",
			Status:     model.CompletionError,
			Telemetry:  model.Telemetry{ErrorMessage: "agent crashed"},
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if unit.Status != model.UnitError || unit.Reason != "agent crashed" {
			t.Errorf("unit = %s/%q, want error/agent crashed", unit.Status, unit.Reason)
		}
		if len(unit.RubricResults) != 0 {
			t.Errorf("rubrics were evaluated despite the execution error: %+v", unit.RubricResults)
		}

		final, _ := store.GetRun(ctx, run.ID)
		if final.Status != model.RunFailed {
			t.Errorf("run status = %s, want failed when every unit errored", final.Status)
		}
	})

	t.Run("transcript fetch failure errors the unit", func(t *testing.T) {
		svc, store, run := start(t, &stubRuntime{transcriptErr: errors.New("gone")})

		if err := svc.HandleCompletion(ctx, model.CompletionPayload{
			RunID:      run.ID.Hex(),
			TestCaseID: "tc-1",
			TopicID:    "topic-tc-1",
			Status:     model.CompletionCompleted,
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if unit.Status != model.UnitError || !strings.Contains(unit.Reason, "fetch transcript") {
			t.Errorf("unit = %s/%q, want error with transcript reason", unit.Status, unit.Reason)
		}
	})

	t.Run("duplicate delivery is a no-op", func(t *testing.T) {
		svc, store, run := start(t, &stubRuntime{output: "Paris"})

		payload := model.CompletionPayload{
			RunID:      run.ID.Hex(),
			TestCaseID: "tc-1",
			TopicID:    "topic-tc-1",
			Status:     model.CompletionCompleted,
		}
		if err := svc.HandleCompletion(ctx, payload); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// A retried delivery reporting an error must not overwrite the
		// verdict.
		payload.Status = model.CompletionError
		if err := svc.HandleCompletion(ctx, payload); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if unit.Status != model.UnitPassed {
			t.Errorf("unit status = %s, want the original passed verdict", unit.Status)
		}
	})

	t.Run("malformed run id", func(t *testing.T) {
		svc, _, _ := start(t, &stubRuntime{})

		err := svc.HandleCompletion(ctx, model.CompletionPayload{RunID: "not-hex", TestCaseID: "tc-1"})
		if err == nil {
			t.Fatal("expected error")
		}
		if te, ok := err.(twirp.Error); !ok || te.Code() != twirp.InvalidArgument {
			t.Errorf("expected twirp.InvalidArgument, got %v", err)
		}
	})
}

func TestService_HandleCompletion_Repetitions(t *testing.T) {
	ctx := context.Background()

	start := func(t *testing.T, rt *stubRuntime) (*Service, *memStore, *model.Run, []string) {
		store := newMemStore()
		now := time.Now()
		svc := newTestService(store, rt, &now)

		run, err := svc.CreateRun(ctx, CreateRunParams{
			AgentID:   "agent-1",
			Config:    model.RunConfig{K: 3},
			TestCases: []model.TestCase{equalsCase("tc-1", "capital of France?", "Paris")},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return svc, store, run, rt.threadIDs()
	}

	deliver := func(t *testing.T, svc *Service, run *model.Run, threadID string, status model.CompletionStatus, tel model.Telemetry) {
		t.Helper()
		if err := svc.HandleCompletion(ctx, model.CompletionPayload{
			RunID:      run.ID.Hex(),
			TestCaseID: "tc-1",
			ThreadID:   threadID,
			TopicID:    "topic-tc-1",
			Status:     status,
			Telemetry:  tel,
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	t.Run("one passing thread passes the unit", func(t *testing.T) {
		rt := &stubRuntime{outputs: map[string]string{}}
		svc, store, run, threads := start(t, rt)

		rt.outputs[threads[0]] = "London"
		rt.outputs[threads[1]] = "Paris"
		rt.outputs[threads[2]] = "Rome"

		deliver(t, svc, run, threads[0], model.CompletionCompleted, model.Telemetry{Cost: 1, TotalTokens: 100})
		deliver(t, svc, run, threads[1], model.CompletionCompleted, model.Telemetry{Cost: 2, TotalTokens: 200})

		// The unit must stay open until the last sibling reports.
		mid, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if mid.Status != model.UnitRunning || mid.ThreadsDone != 2 {
			t.Fatalf("unit = %s done=%d, want running with 2 threads done", mid.Status, mid.ThreadsDone)
		}

		deliver(t, svc, run, threads[2], model.CompletionCompleted, model.Telemetry{Cost: 3, TotalTokens: 300})

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if unit.Status != model.UnitPassed || !unit.PassAtK || unit.PassAllK {
			t.Errorf("unit = %s passAtK=%v passAllK=%v, want passed/true/false", unit.Status, unit.PassAtK, unit.PassAllK)
		}
		if unit.Score != 1 {
			t.Errorf("score = %v, want the best thread's 1", unit.Score)
		}
		if len(unit.Threads) != 3 {
			t.Errorf("embedded %d threads, want 3", len(unit.Threads))
		}

		if math.Abs(unit.Telemetry.Cost-2) > 1e-9 || math.Abs(unit.Telemetry.TotalTokens-200) > 1e-9 {
			t.Errorf("average telemetry = %+v, want cost 2 tokens 200", unit.Telemetry)
		}
		if unit.Totals == nil || math.Abs(unit.Totals.Cost-6) > 1e-9 || math.Abs(unit.Totals.TotalTokens-600) > 1e-9 {
			t.Errorf("totals = %+v, want cost 6 tokens 600", unit.Totals)
		}

		final, _ := store.GetRun(ctx, run.ID)
		if final.Status != model.RunCompleted {
			t.Errorf("run status = %s, want completed", final.Status)
		}
		if final.Metrics.PassAtK != 1 || final.Metrics.PassAllK != 0 {
			t.Errorf("metrics passAtK=%v passAllK=%v, want 1/0", final.Metrics.PassAtK, final.Metrics.PassAllK)
		}
	})

	t.Run("all passing threads set passAllK", func(t *testing.T) {
		rt := &stubRuntime{output: "Paris"}
		svc, store, run, threads := start(t, rt)

		for _, th := range threads {
			deliver(t, svc, run, th, model.CompletionCompleted, model.Telemetry{})
		}

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if !unit.PassAtK || !unit.PassAllK {
			t.Errorf("passAtK=%v passAllK=%v, want both true", unit.PassAtK, unit.PassAllK)
		}
	})

	t.Run("duplicate thread delivery does not double count", func(t *testing.T) {
		rt := &stubRuntime{output: "Paris"}
		svc, store, run, threads := start(t, rt)

		deliver(t, svc, run, threads[0], model.CompletionCompleted, model.Telemetry{})
		deliver(t, svc, run, threads[0], model.CompletionCompleted, model.Telemetry{})

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if unit.Status != model.UnitRunning || unit.ThreadsDone != 1 {
			t.Errorf("unit = %s done=%d, want running with a single thread counted", unit.Status, unit.ThreadsDone)
		}
	})

	t.Run("errored thread still joins the barrier", func(t *testing.T) {
		rt := &stubRuntime{outputs: map[string]string{}}
		svc, store, run, threads := start(t, rt)

		rt.outputs[threads[0]] = "Paris"
		rt.outputs[threads[1]] = "Paris"

		deliver(t, svc, run, threads[0], model.CompletionCompleted, model.Telemetry{})
		deliver(t, svc, run, threads[1], model.CompletionCompleted, model.Telemetry{})
		deliver(t, svc, run, threads[2], model.CompletionError, model.Telemetry{ErrorMessage: "boom"})

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if unit.Status != model.UnitPassed || !unit.PassAtK || unit.PassAllK {
			t.Errorf("unit = %s passAtK=%v passAllK=%v, want passed/true/false", unit.Status, unit.PassAtK, unit.PassAllK)
		}
	})

	t.Run("all threads errored errors the unit", func(t *testing.T) {
		rt := &stubRuntime{}
		svc, store, run, threads := start(t, rt)

		for _, th := range threads {
			deliver(t, svc, run, th, model.CompletionError, model.Telemetry{ErrorMessage: "boom"})
		}

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if unit.Status != model.UnitError || unit.Reason != "boom" {
			t.Errorf("unit = %s/%q, want error/boom", unit.Status, unit.Reason)
		}

		final, _ := store.GetRun(ctx, run.ID)
		if final.Status != model.RunFailed {
			t.Errorf("run status = %s, want failed", final.Status)
		}
	})
}
