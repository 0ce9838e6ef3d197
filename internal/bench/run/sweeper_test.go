package run

import (
	"context"
	"testing"
	"time"

	"github.com/acai-travel/agent-bench/internal/bench/model"
)

func TestService_SweepTimeouts(t *testing.T) {
	ctx := context.Background()

	t.Run("young runs are left alone", func(t *testing.T) {
		store, rt := newMemStore(), &stubRuntime{}
		now := time.Now()
		svc := newTestService(store, rt, &now)

		run, err := svc.CreateRun(ctx, CreateRunParams{
			AgentID:   "agent-1",
			Config:    model.RunConfig{TimeoutMS: 1000},
			TestCases: []model.TestCase{equalsCase("tc-1", "q", "a")},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		now = now.Add(500 * time.Millisecond)
		if err := svc.SweepTimeouts(ctx, run); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if unit.Status != model.UnitRunning {
			t.Errorf("unit status = %s, want still running", unit.Status)
		}
	})

	t.Run("stuck units time out and fail the run", func(t *testing.T) {
		store, rt := newMemStore(), &stubRuntime{}
		now := time.Now()
		svc := newTestService(store, rt, &now)

		run, err := svc.CreateRun(ctx, CreateRunParams{
			AgentID:   "agent-1",
			Config:    model.RunConfig{TimeoutMS: 1000},
			TestCases: []model.TestCase{equalsCase("tc-1", "q", "a")},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		now = now.Add(2 * time.Second)
		if err := svc.SweepTimeouts(ctx, run); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if unit.Status != model.UnitTimeout || unit.Reason != "Execution timed out" {
			t.Errorf("unit = %s/%q, want timeout", unit.Status, unit.Reason)
		}
		if unit.Telemetry.DurationMS != 2000 {
			t.Errorf("duration = %v, want 2000ms", unit.Telemetry.DurationMS)
		}
		if len(rt.interrupted) != 1 {
			t.Errorf("interrupted %d executions, want 1", len(rt.interrupted))
		}

		final, _ := store.GetRun(ctx, run.ID)
		if final.Status != model.RunFailed {
			t.Errorf("run status = %s, want failed when everything timed out", final.Status)
		}
		if final.Metrics.TimeoutCases != 1 {
			t.Errorf("timeout cases = %d, want 1", final.Metrics.TimeoutCases)
		}
	})

	t.Run("terminal units survive the sweep", func(t *testing.T) {
		store, rt := newMemStore(), &stubRuntime{output: "a"}
		now := time.Now()
		svc := newTestService(store, rt, &now)

		run, err := svc.CreateRun(ctx, CreateRunParams{
			AgentID:   "agent-1",
			Config:    model.RunConfig{TimeoutMS: 1000},
			TestCases: []model.TestCase{equalsCase("tc-1", "q", "a")},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if err := svc.HandleCompletion(ctx, model.CompletionPayload{
			RunID:      run.ID.Hex(),
			TestCaseID: "tc-1",
			TopicID:    "topic-tc-1",
			Status:     model.CompletionCompleted,
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		now = now.Add(time.Hour)
		if err := svc.SweepTimeouts(ctx, run); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		unit, _ := store.GetUnit(ctx, run.ID, "tc-1")
		if unit.Status != model.UnitPassed {
			t.Errorf("unit status = %s, want the completion verdict kept", unit.Status)
		}
	})

	t.Run("describe sweeps on read", func(t *testing.T) {
		store, rt := newMemStore(), &stubRuntime{}
		now := time.Now()
		svc := newTestService(store, rt, &now)

		run, err := svc.CreateRun(ctx, CreateRunParams{
			AgentID:   "agent-1",
			Config:    model.RunConfig{TimeoutMS: 1000},
			TestCases: []model.TestCase{equalsCase("tc-1", "q", "a")},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		now = now.Add(time.Minute)
		out, err := svc.Describe(ctx, run.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if out.Status != model.RunFailed {
			t.Errorf("run status = %s, want failed after sweep-on-read", out.Status)
		}
		if out.Metrics.TimeoutCases != 1 {
			t.Errorf("timeout cases = %d, want 1", out.Metrics.TimeoutCases)
		}
	})

	t.Run("sweep all covers every active run", func(t *testing.T) {
		store, rt := newMemStore(), &stubRuntime{}
		now := time.Now()
		svc := newTestService(store, rt, &now)

		first, err := svc.CreateRun(ctx, CreateRunParams{
			AgentID:   "agent-1",
			Config:    model.RunConfig{TimeoutMS: 1000},
			TestCases: []model.TestCase{equalsCase("tc-1", "q", "a")},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, err := svc.CreateRun(ctx, CreateRunParams{
			AgentID:   "agent-1",
			Config:    model.RunConfig{TimeoutMS: 1000},
			TestCases: []model.TestCase{equalsCase("tc-2", "q", "a")},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		now = now.Add(time.Minute)
		svc.SweepAll(ctx)

		for _, run := range []*model.Run{first, second} {
			got, _ := store.GetRun(ctx, run.ID)
			if got.Status != model.RunFailed {
				t.Errorf("run %s status = %s, want failed", run.ID.Hex(), got.Status)
			}
		}
	})
}
