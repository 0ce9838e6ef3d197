package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/acai-travel/agent-bench/internal/bench/model"
)

// SweepTimeouts force-terminates units stuck in running past the run's
// deadline. The whole sweep is skipped while the run itself is younger
// than the timeout, which makes it cheap to call on every status read.
func (s *Service) SweepTimeouts(ctx context.Context, run *model.Run) error {
	timeout := run.Config.Timeout()
	now := s.now()

	if now.Sub(run.StartedAt) < timeout {
		return nil
	}

	units, err := s.store.ListUnits(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list units: %w", err)
	}

	swept := 0
	for _, unit := range units {
		if unit.Status != model.UnitRunning {
			continue
		}
		if unit.CreatedAt.Add(timeout).After(now) {
			continue
		}

		reason := "Execution timed out"
		telemetry := unit.Telemetry
		telemetry.DurationMS = float64(now.Sub(unit.CreatedAt).Milliseconds())

		applied, err := s.store.TransitionUnit(ctx, unit.ID, []model.UnitStatus{model.UnitRunning}, model.UnitUpdate{
			Status:    model.UnitTimeout,
			Reason:    &reason,
			Telemetry: &telemetry,
		})
		if err != nil {
			return fmt.Errorf("sweep unit %s: %w", unit.TestCaseID, err)
		}
		if !applied {
			// A genuine completion won the race; its result stands.
			continue
		}

		swept++
		s.countUnit(ctx, model.UnitTimeout)
		s.interruptAll(ctx, unit.Operations)

		slog.WarnContext(ctx, "Unit timed out",
			"run_id", run.ID.Hex(),
			"test_case_id", unit.TestCaseID,
			"age_ms", now.Sub(unit.CreatedAt).Milliseconds())
	}

	if swept > 0 {
		slog.InfoContext(ctx, "Timeout sweep finished", "run_id", run.ID.Hex(), "swept", swept)
	}

	s.finalizeIfDone(ctx, run.ID)
	return nil
}

// SweepAll runs a timeout sweep over every active run.
func (s *Service) SweepAll(ctx context.Context) {
	runs, err := s.store.ListActiveRuns(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list active runs", "error", err)
		return
	}

	for _, run := range runs {
		if err := s.SweepTimeouts(ctx, run); err != nil {
			slog.ErrorContext(ctx, "Timeout sweep failed", "run_id", run.ID.Hex(), "error", err)
		}
	}
}

// RunSweeper sweeps on the given interval until the context is canceled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepAll(ctx)
		}
	}
}
