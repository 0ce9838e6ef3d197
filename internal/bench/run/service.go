package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twitchtv/twirp"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/acai-travel/agent-bench/internal/bench/model"
	"github.com/acai-travel/agent-bench/internal/bench/rubric"
	"github.com/acai-travel/agent-bench/internal/bench/runtime"
)

const meterName = "github.com/acai-travel/agent-bench/internal/bench/run"

// Service drives the run state machine. All mutable state lives in the
// Store; the service itself only carries injected capabilities.
type Service struct {
	store  Store
	agents runtime.Runtime

	judge      rubric.Judge
	judgeModel string

	now func() time.Time

	unitsEvaluated otelmetric.Int64Counter
	runsFinalized  otelmetric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithJudge injects the LLM judge capability used by llm-rubric matchers.
func WithJudge(j rubric.Judge, defaultModel string) Option {
	return func(s *Service) {
		s.judge = j
		s.judgeModel = defaultModel
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the run orchestration service.
func NewService(store Store, agents runtime.Runtime, opts ...Option) *Service {
	s := &Service{
		store:  store,
		agents: agents,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	meter := otel.Meter(meterName)
	if c, err := meter.Int64Counter("bench.units.evaluated",
		otelmetric.WithDescription("Run units that reached a terminal state"),
		otelmetric.WithUnit("{unit}")); err == nil {
		s.unitsEvaluated = c
	}
	if c, err := meter.Int64Counter("bench.runs.finalized",
		otelmetric.WithDescription("Runs that reached completed or failed"),
		otelmetric.WithUnit("{run}")); err == nil {
		s.runsFinalized = c
	}

	return s
}

func (s *Service) countUnit(ctx context.Context, status model.UnitStatus) {
	if s.unitsEvaluated != nil {
		s.unitsEvaluated.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("unit.status", string(status))))
	}
}

// CreateRunParams describe a new run. Test cases arrive already
// materialized; benchmark storage is not this system's concern.
type CreateRunParams struct {
	DatasetID string
	AgentID   string
	Config    model.RunConfig
	TestCases []model.TestCase
}

// CreateRun persists a run with one pending unit per test case, then
// dispatches agent executions for all of them.
func (s *Service) CreateRun(ctx context.Context, params CreateRunParams) (*model.Run, error) {
	if len(params.TestCases) == 0 {
		return nil, twirp.InvalidArgumentError("testCases", "at least one test case is required")
	}
	if params.AgentID == "" {
		return nil, twirp.InvalidArgumentError("targetAgentId", "is required")
	}

	now := s.now()
	run := &model.Run{
		ID:        primitive.NewObjectID(),
		DatasetID: params.DatasetID,
		AgentID:   params.AgentID,
		Config:    params.Config,
		Status:    model.RunPending,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	units := make([]*model.RunUnit, 0, len(params.TestCases))
	for _, tc := range params.TestCases {
		units = append(units, s.newUnit(run.ID, tc, now))
	}

	if err := s.store.InsertUnits(ctx, units); err != nil {
		return nil, fmt.Errorf("insert run units: %w", err)
	}

	slog.InfoContext(ctx, "Run created",
		"run_id", run.ID.Hex(),
		"agent_id", run.AgentID,
		"cases", len(units),
		"k", run.Config.Repetitions())

	s.dispatch(ctx, run, units)

	if err := s.store.UpdateRunStatus(ctx, run.ID, model.RunRunning); err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	run.Status = model.RunRunning

	s.refreshMetrics(ctx, run)
	run.Metrics = s.mustMetrics(ctx, run)

	return run, nil
}

func (s *Service) newUnit(runID primitive.ObjectID, tc model.TestCase, now time.Time) *model.RunUnit {
	return &model.RunUnit{
		ID:         primitive.NewObjectID(),
		RunID:      runID,
		TestCaseID: tc.ID,
		Status:     model.UnitPending,
		TestCase:   tc,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// dispatch starts one agent execution per repetition thread for every
// unit. The executions themselves are fire-and-forget; completion arrives
// later on the webhook.
func (s *Service) dispatch(ctx context.Context, run *model.Run, units []*model.RunUnit) {
	k := run.Config.Repetitions()

	for _, unit := range units {
		var (
			operations []string
			topicID    string
			startErr   error
		)

		for i := 0; i < k; i++ {
			req := runtime.StartRequest{
				RunID:      run.ID.Hex(),
				TestCaseID: unit.TestCaseID,
				AgentID:    run.AgentID,
				Input:      unit.TestCase.Content.Input,
				MaxSteps:   run.Config.MaxSteps,
			}
			if k > 1 {
				req.ThreadID = uuid.NewString()
			}

			resp, err := s.agents.Start(ctx, req)
			if err != nil {
				startErr = err
				break
			}

			operations = append(operations, resp.OperationID)
			if topicID == "" {
				topicID = resp.TopicID
			}
		}

		if startErr != nil {
			slog.ErrorContext(ctx, "Dispatch failed",
				"run_id", run.ID.Hex(),
				"test_case_id", unit.TestCaseID,
				"error", startErr)

			s.interruptAll(ctx, operations)
			reason := fmt.Sprintf("dispatch failed: %v", startErr)
			if _, err := s.store.TransitionUnit(ctx, unit.ID, nonTerminal, model.UnitUpdate{
				Status: model.UnitError,
				Reason: &reason,
			}); err != nil {
				slog.ErrorContext(ctx, "Failed to record dispatch error", "unit_id", unit.ID.Hex(), "error", err)
			}
			continue
		}

		if _, err := s.store.TransitionUnit(ctx, unit.ID, []model.UnitStatus{model.UnitPending}, model.UnitUpdate{
			Status:     model.UnitRunning,
			TopicID:    &topicID,
			Operations: operations,
		}); err != nil {
			slog.ErrorContext(ctx, "Failed to mark unit running", "unit_id", unit.ID.Hex(), "error", err)
		}
	}
}

// interruptAll signals the runtime to stop live executions. Interrupt
// failures are swallowed: local state always wins.
func (s *Service) interruptAll(ctx context.Context, operations []string) {
	for _, op := range operations {
		if err := s.agents.Interrupt(ctx, op); err != nil {
			slog.WarnContext(ctx, "Failed to interrupt execution", "operation_id", op, "error", err)
		}
	}
}

// Describe sweeps the run's deadline and returns its current state. The
// sweep-on-read keeps timeouts advancing without a scheduler.
func (s *Service) Describe(ctx context.Context, runID primitive.ObjectID) (*model.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if err := s.SweepTimeouts(ctx, run); err != nil {
		slog.ErrorContext(ctx, "Timeout sweep failed", "run_id", runID.Hex(), "error", err)
	}

	return s.store.GetRun(ctx, runID)
}

// ListUnits returns all units of a run.
func (s *Service) ListUnits(ctx context.Context, runID primitive.ObjectID) ([]*model.RunUnit, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListUnits(ctx, runID)
}

// Abort force-terminates every pending and running unit and marks the run
// aborted. Interrupting the remote executions is best effort; the local
// transition always succeeds.
func (s *Service) Abort(ctx context.Context, runID primitive.ObjectID) (*model.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	units, err := s.store.ListUnits(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}

	reason := "Aborted"
	for _, unit := range units {
		if unit.Status.Terminal() {
			continue
		}

		applied, err := s.store.TransitionUnit(ctx, unit.ID, nonTerminal, model.UnitUpdate{
			Status: model.UnitError,
			Reason: &reason,
		})
		if err != nil {
			return nil, fmt.Errorf("abort unit %s: %w", unit.TestCaseID, err)
		}
		if applied {
			s.countUnit(ctx, model.UnitError)
			s.interruptAll(ctx, unit.Operations)
		}
	}

	if err := s.store.UpdateRunStatus(ctx, runID, model.RunAborted); err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}

	slog.InfoContext(ctx, "Run aborted", "run_id", runID.Hex())

	s.refreshMetrics(ctx, run)
	return s.store.GetRun(ctx, runID)
}

// RetryErrors deletes every errored and timed-out unit together with its
// external conversations and recreates them as fresh pending units.
func (s *Service) RetryErrors(ctx context.Context, runID primitive.ObjectID) (*model.Run, error) {
	return s.retry(ctx, runID, "", model.RunPending)
}

// RetryCase retries a single test case regardless of its current result.
func (s *Service) RetryCase(ctx context.Context, runID primitive.ObjectID, testCaseID string) (*model.Run, error) {
	return s.retry(ctx, runID, testCaseID, model.RunRunning)
}

func (s *Service) retry(ctx context.Context, runID primitive.ObjectID, testCaseID string, next model.RunStatus) (*model.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	units, err := s.store.ListUnits(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}

	var stale []*model.RunUnit
	for _, unit := range units {
		if testCaseID != "" {
			if unit.TestCaseID == testCaseID {
				stale = append(stale, unit)
			}
			continue
		}
		if unit.Status == model.UnitError || unit.Status == model.UnitTimeout {
			stale = append(stale, unit)
		}
	}

	if testCaseID != "" && len(stale) == 0 {
		return nil, twirp.NotFoundError("test case not found in run")
	}
	if len(stale) == 0 {
		return run, nil
	}

	caseIDs := make([]string, 0, len(stale))
	now := s.now()
	fresh := make([]*model.RunUnit, 0, len(stale))

	for _, unit := range stale {
		caseIDs = append(caseIDs, unit.TestCaseID)
		s.deleteTopics(ctx, unit)
		fresh = append(fresh, s.newUnit(runID, unit.TestCase, now))
	}

	if err := s.store.DeleteUnits(ctx, runID, caseIDs); err != nil {
		return nil, fmt.Errorf("delete units: %w", err)
	}
	if err := s.store.DeleteThreadResults(ctx, runID, caseIDs); err != nil {
		return nil, fmt.Errorf("delete thread results: %w", err)
	}
	if err := s.store.InsertUnits(ctx, fresh); err != nil {
		return nil, fmt.Errorf("insert run units: %w", err)
	}

	if err := s.store.UpdateRunStatus(ctx, runID, next); err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}

	slog.InfoContext(ctx, "Retrying run units",
		"run_id", runID.Hex(),
		"cases", len(fresh),
		"scope", scopeLabel(testCaseID))

	s.dispatch(ctx, run, fresh)
	s.refreshMetrics(ctx, run)

	return s.store.GetRun(ctx, runID)
}

func scopeLabel(testCaseID string) string {
	if testCaseID == "" {
		return "all-errors"
	}
	return testCaseID
}

// deleteTopics removes the external conversations a unit accumulated,
// best effort.
func (s *Service) deleteTopics(ctx context.Context, unit *model.RunUnit) {
	seen := map[string]bool{}
	if unit.TopicID != "" {
		seen[unit.TopicID] = true
	}
	for _, t := range unit.Threads {
		if t.TopicID != "" {
			seen[t.TopicID] = true
		}
	}

	for topic := range seen {
		if err := s.agents.DeleteTopic(ctx, topic); err != nil {
			slog.WarnContext(ctx, "Failed to delete topic", "topic_id", topic, "error", err)
		}
	}
}

// DeleteRun removes a run with all of its units and thread results.
func (s *Service) DeleteRun(ctx context.Context, runID primitive.ObjectID) error {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return err
	}
	return s.store.DeleteRun(ctx, runID)
}

// refreshMetrics recomputes and persists run metrics. Failures here must
// never block progress tracking; they are logged and swallowed.
func (s *Service) refreshMetrics(ctx context.Context, run *model.Run) {
	units, err := s.store.ListUnits(ctx, run.ID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load units for metrics", "run_id", run.ID.Hex(), "error", err)
		return
	}

	metrics := ComputeMetrics(run, units, s.now())
	if err := s.store.UpdateRunMetrics(ctx, run.ID, metrics); err != nil {
		slog.ErrorContext(ctx, "Failed to persist run metrics", "run_id", run.ID.Hex(), "error", err)
	}
}

func (s *Service) mustMetrics(ctx context.Context, run *model.Run) model.RunMetrics {
	units, err := s.store.ListUnits(ctx, run.ID)
	if err != nil {
		return run.Metrics
	}
	return ComputeMetrics(run, units, s.now())
}
