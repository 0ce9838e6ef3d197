package model

import (
	"errors"

	"github.com/acai-travel/agent-bench/internal/bench/rubric"
)

// ErrDuplicateThread is returned when a thread result for the same
// (run, test case, thread) already exists. Late or duplicated webhooks
// hit this and become no-ops.
var ErrDuplicateThread = errors.New("thread result already recorded")

// UnitUpdate is the set of fields a conditional unit transition writes.
// Nil pointers and nil slices are left untouched.
type UnitUpdate struct {
	Status        UnitStatus
	TopicID       *string
	Operations    []string
	Passed        *bool
	Score         *float64
	Reason        *string
	RubricResults []rubric.RubricResult
	Telemetry     *Telemetry
	Totals        *Telemetry
	Threads       []ThreadResult
	PassAtK       *bool
	PassAllK      *bool
}
