// Package run is the orchestration state machine for evaluation runs. It
// tracks every test case (and repetition thread) from pending through
// running to a terminal state, joins repeated executions, sweeps stuck
// units past their deadline and recomputes run-level metrics.
package run

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/acai-travel/agent-bench/internal/bench/model"
)

// Store is the persistence the state machine runs against. The MongoDB
// implementation lives in the model package; tests inject an in-memory
// one.
type Store interface {
	InsertRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id primitive.ObjectID) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, id primitive.ObjectID, status model.RunStatus) error
	UpdateRunMetrics(ctx context.Context, id primitive.ObjectID, metrics model.RunMetrics) error
	ListActiveRuns(ctx context.Context) ([]*model.Run, error)
	DeleteRun(ctx context.Context, id primitive.ObjectID) error

	InsertUnits(ctx context.Context, units []*model.RunUnit) error
	ListUnits(ctx context.Context, runID primitive.ObjectID) ([]*model.RunUnit, error)
	GetUnit(ctx context.Context, runID primitive.ObjectID, testCaseID string) (*model.RunUnit, error)
	DeleteUnits(ctx context.Context, runID primitive.ObjectID, testCaseIDs []string) error

	// TransitionUnit applies the update only while the unit's status is
	// one of from, and reports whether it did. This conditional write is
	// the terminal-state guard: a completion racing a timeout sweep loses
	// and becomes a no-op.
	TransitionUnit(ctx context.Context, unitID primitive.ObjectID, from []model.UnitStatus, upd model.UnitUpdate) (bool, error)

	// InsertThreadResult records one repetition verdict; a second result
	// for the same thread yields model.ErrDuplicateThread.
	InsertThreadResult(ctx context.Context, tr *model.ThreadResult) error
	ListThreadResults(ctx context.Context, runID primitive.ObjectID, testCaseID string) ([]*model.ThreadResult, error)
	DeleteThreadResults(ctx context.Context, runID primitive.ObjectID, testCaseIDs []string) error

	// BumpThreadsDone atomically increments the unit's completed-thread
	// counter and returns the new value. The k-th increment is the join
	// barrier for repeated executions.
	BumpThreadsDone(ctx context.Context, unitID primitive.ObjectID) (int, error)
}

var nonTerminal = []model.UnitStatus{model.UnitPending, model.UnitRunning}
