// Package model defines the persistent run orchestration records and the
// MongoDB repository that stores them.
package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/acai-travel/agent-bench/internal/bench/extract"
	"github.com/acai-travel/agent-bench/internal/bench/rubric"
)

// RunStatus is the lifecycle state of a whole run.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// UnitStatus is the lifecycle state of a single run unit.
type UnitStatus string

const (
	UnitPending UnitStatus = "pending"
	UnitRunning UnitStatus = "running"
	UnitPassed  UnitStatus = "passed"
	UnitFailed  UnitStatus = "failed"
	UnitError   UnitStatus = "error"
	UnitTimeout UnitStatus = "timeout"
	UnitAborted UnitStatus = "aborted"
)

// Terminal reports whether a unit in this status may never be silently
// overwritten. Only an explicit retry, which deletes and recreates the
// unit, moves past a terminal status.
func (s UnitStatus) Terminal() bool {
	switch s {
	case UnitPassed, UnitFailed, UnitError, UnitTimeout, UnitAborted:
		return true
	}
	return false
}

// DefaultTimeout is the per-unit execution deadline when the run config
// does not set one.
const DefaultTimeout = 1_200_000 * time.Millisecond

// RunConfig tunes one run.
type RunConfig struct {
	// K is the number of repeated executions per test case; 0 and 1 both
	// mean a single execution.
	K int `json:"k,omitempty" bson:"k,omitempty"`

	// TimeoutMS is the per-unit execution deadline in milliseconds.
	TimeoutMS int64 `json:"timeout,omitempty" bson:"timeout_ms,omitempty"`

	// PassThreshold for the weighted aggregate score.
	PassThreshold float64 `json:"passThreshold,omitempty" bson:"pass_threshold,omitempty"`

	// MaxSteps forwarded to the agent runtime.
	MaxSteps int `json:"maxSteps,omitempty" bson:"max_steps,omitempty"`
}

// Repetitions returns K clamped to at least one.
func (c RunConfig) Repetitions() int {
	if c.K < 1 {
		return 1
	}
	return c.K
}

// Timeout returns the configured deadline, or DefaultTimeout.
func (c RunConfig) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Telemetry captures the cost and effort of one agent execution. On a
// unit with k>1 the primary fields hold per-thread averages.
type Telemetry struct {
	Cost             float64 `json:"cost,omitempty" bson:"cost,omitempty"`
	TotalTokens      float64 `json:"totalTokens,omitempty" bson:"total_tokens,omitempty"`
	DurationMS       float64 `json:"duration,omitempty" bson:"duration_ms,omitempty"`
	Steps            float64 `json:"steps,omitempty" bson:"steps,omitempty"`
	LLMCalls         float64 `json:"llmCalls,omitempty" bson:"llm_calls,omitempty"`
	ToolCalls        float64 `json:"toolCalls,omitempty" bson:"tool_calls,omitempty"`
	CompletionReason string  `json:"completionReason,omitempty" bson:"completion_reason,omitempty"`
	ErrorMessage     string  `json:"errorMessage,omitempty" bson:"error_message,omitempty"`
	ErrorDetail      string  `json:"errorDetail,omitempty" bson:"error_detail,omitempty"`
}

// TestCase is a materialized benchmark case as handed to run creation.
// The persistence of benchmarks themselves lives elsewhere; runs only
// keep this snapshot.
type TestCase struct {
	ID        string          `json:"id" bson:"id"`
	Content   rubric.TestCase `json:"content" bson:"content"`
	Rubrics   []rubric.Rubric `json:"rubrics,omitempty" bson:"rubrics,omitempty"`
	Extractor *extract.Config `json:"extractor,omitempty" bson:"extractor,omitempty"`
}

// ThreadResult is the verdict and telemetry of one of the k repeated
// executions of a test case. Results are parked in their own collection
// until the last thread arrives and the unit aggregates them.
type ThreadResult struct {
	RunID      primitive.ObjectID    `json:"runId" bson:"run_id"`
	TestCaseID string                `json:"testCaseId" bson:"test_case_id"`
	ThreadID   string                `json:"threadId" bson:"thread_id"`
	TopicID    string                `json:"topicId,omitempty" bson:"topic_id,omitempty"`
	Passed     bool                  `json:"passed" bson:"passed"`
	Score      float64               `json:"score" bson:"score"`
	Telemetry  Telemetry             `json:"telemetry" bson:"telemetry"`
	Rubrics    []rubric.RubricResult `json:"rubricResults,omitempty" bson:"rubric_results,omitempty"`
	Error      string                `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt  time.Time             `json:"createdAt" bson:"created_at"`
}

// RunUnit tracks the lifecycle of one test case within one run.
type RunUnit struct {
	ID         primitive.ObjectID `json:"id" bson:"_id"`
	RunID      primitive.ObjectID `json:"runId" bson:"run_id"`
	TestCaseID string             `json:"testCaseId" bson:"test_case_id"`
	TopicID    string             `json:"topicId,omitempty" bson:"topic_id,omitempty"`
	Status     UnitStatus         `json:"status" bson:"status"`

	TestCase TestCase `json:"testCase" bson:"test_case"`

	Passed        bool                  `json:"passed" bson:"passed"`
	Score         float64               `json:"score" bson:"score"`
	Reason        string                `json:"reason,omitempty" bson:"reason,omitempty"`
	RubricResults []rubric.RubricResult `json:"rubricResults,omitempty" bson:"rubric_results,omitempty"`

	// Telemetry holds per-thread averages when k>1; Totals the cumulative
	// sums. For k=1 only Telemetry is set.
	Telemetry Telemetry  `json:"telemetry" bson:"telemetry"`
	Totals    *Telemetry `json:"totals,omitempty" bson:"totals,omitempty"`

	// Threads is filled on aggregation when k>1.
	Threads     []ThreadResult `json:"threads,omitempty" bson:"threads,omitempty"`
	ThreadsDone int            `json:"threadsDone,omitempty" bson:"threads_done,omitempty"`
	PassAtK     bool           `json:"passAtK,omitempty" bson:"pass_at_k,omitempty"`
	PassAllK    bool           `json:"passAllK,omitempty" bson:"pass_all_k,omitempty"`

	// Operations are live agent-runtime handles used for best-effort
	// interruption.
	Operations []string `json:"operations,omitempty" bson:"operations,omitempty"`

	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

// RunMetrics are the run-level aggregates. They are always derived by a
// full recomputation over the run's units, never patched incrementally.
type RunMetrics struct {
	TotalCases   int `json:"totalCases" bson:"total_cases"`
	PendingCases int `json:"pendingCases" bson:"pending_cases"`
	RunningCases int `json:"runningCases" bson:"running_cases"`
	PassedCases  int `json:"passedCases" bson:"passed_cases"`
	FailedCases  int `json:"failedCases" bson:"failed_cases"`
	ErrorCases   int `json:"errorCases" bson:"error_cases"`
	TimeoutCases int `json:"timeoutCases" bson:"timeout_cases"`

	AverageScore float64 `json:"averageScore" bson:"average_score"`
	PassRate     float64 `json:"passRate" bson:"pass_rate"`

	// Per-case averages over completed cases.
	Cost      float64 `json:"cost" bson:"cost"`
	Tokens    float64 `json:"tokens" bson:"tokens"`
	Steps     float64 `json:"steps" bson:"steps"`
	LLMCalls  float64 `json:"llmCalls" bson:"llm_calls"`
	ToolCalls float64 `json:"toolCalls" bson:"tool_calls"`

	// Cumulative spend across every thread of every case.
	TotalCost      float64 `json:"totalCost" bson:"total_cost"`
	TotalTokens    float64 `json:"totalTokens" bson:"total_tokens"`
	TotalSteps     float64 `json:"totalSteps" bson:"total_steps"`
	TotalLLMCalls  float64 `json:"totalLlmCalls" bson:"total_llm_calls"`
	TotalToolCalls float64 `json:"totalToolCalls" bson:"total_tool_calls"`

	// DurationMS is run wall clock, now minus startedAt.
	DurationMS int64 `json:"duration" bson:"duration_ms"`

	// Fractions of cases with the per-case flag set; only present when
	// the run executes repetitions.
	PassAtK  float64 `json:"passAtK,omitempty" bson:"pass_at_k,omitempty"`
	PassAllK float64 `json:"passAllK,omitempty" bson:"pass_all_k,omitempty"`
}

// Run is one execution of a dataset's test cases against a target agent.
type Run struct {
	ID        primitive.ObjectID `json:"id" bson:"_id"`
	DatasetID string             `json:"datasetId" bson:"dataset_id"`
	AgentID   string             `json:"targetAgentId" bson:"agent_id"`
	Config    RunConfig          `json:"config" bson:"config"`
	Metrics   RunMetrics         `json:"metrics" bson:"metrics"`
	Status    RunStatus          `json:"status" bson:"status"`
	StartedAt time.Time          `json:"startedAt" bson:"started_at"`
	CreatedAt time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time          `json:"updatedAt" bson:"updated_at"`
}

// CompletionStatus is the outcome reported by the agent runtime.
type CompletionStatus string

const (
	CompletionCompleted CompletionStatus = "completed"
	CompletionError     CompletionStatus = "error"
)

// CompletionPayload is the inbound webhook body posted by the agent
// runtime when an execution finishes.
type CompletionPayload struct {
	RunID      string           `json:"runId"`
	TestCaseID string           `json:"testCaseId"`
	ThreadID   string           `json:"threadId,omitempty"`
	TopicID    string           `json:"topicId"`
	UserID     string           `json:"userId,omitempty"`
	Status     CompletionStatus `json:"status"`
	Telemetry  Telemetry        `json:"telemetry"`
}
