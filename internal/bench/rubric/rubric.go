// Package rubric turns raw agent output into a pass/fail/score verdict.
// It houses the matcher set, the LLM judge and the evaluation orchestrator.
// All matching is exception-free by contract: failures of any kind are
// expressed in the returned Result, never raised.
package rubric

import (
	"encoding/json"

	"github.com/acai-travel/agent-bench/internal/bench/extract"
)

// Type identifies a rubric matcher.
type Type string

const (
	TypeEquals      Type = "equals"
	TypeContains    Type = "contains"
	TypeStartsWith  Type = "starts-with"
	TypeEndsWith    Type = "ends-with"
	TypeRegex       Type = "regex"
	TypeAnyOf       Type = "any-of"
	TypeNumeric     Type = "numeric"
	TypeLevenshtein Type = "levenshtein"
	TypeJSONSchema  Type = "json-schema"
	TypeLLMRubric   Type = "llm-rubric"
)

// Config carries the per-type matcher configuration. Which fields apply is
// determined by the rubric's Type; the rest are ignored.
type Config struct {
	// regex
	Pattern string `json:"pattern,omitempty" bson:"pattern,omitempty"`

	// any-of
	Values        []string `json:"values,omitempty" bson:"values,omitempty"`
	CaseSensitive bool     `json:"caseSensitive,omitempty" bson:"case_sensitive,omitempty"`

	// numeric
	Value     float64  `json:"value,omitempty" bson:"value,omitempty"`
	Tolerance *float64 `json:"tolerance,omitempty" bson:"tolerance,omitempty"`

	// levenshtein
	Threshold *float64 `json:"threshold,omitempty" bson:"threshold,omitempty"`

	// json-schema
	Schema json.RawMessage `json:"schema,omitempty" bson:"schema,omitempty"`

	// llm-rubric
	Criteria   string `json:"criteria,omitempty" bson:"criteria,omitempty"`
	Model      string `json:"model,omitempty" bson:"model,omitempty"`
	Provider   string `json:"provider,omitempty" bson:"provider,omitempty"`
	SystemRole string `json:"systemRole,omitempty" bson:"system_role,omitempty"`
}

// Rubric is one configured criterion used to judge a piece of agent output.
type Rubric struct {
	ID        string          `json:"id" bson:"id"`
	Type      Type            `json:"type" bson:"type"`
	Weight    float64         `json:"weight" bson:"weight"`
	Threshold *float64        `json:"threshold,omitempty" bson:"threshold,omitempty"`
	Extractor *extract.Config `json:"extractor,omitempty" bson:"extractor,omitempty"`
	Config    Config          `json:"config,omitempty" bson:"config,omitempty"`
}

// Result is the outcome of a single matcher invocation.
type Result struct {
	Passed bool    `json:"passed" bson:"passed"`
	Score  float64 `json:"score" bson:"score"`
	Reason string  `json:"reason,omitempty" bson:"reason,omitempty"`
}

// RubricResult is a per-rubric entry in an evaluation outcome.
type RubricResult struct {
	RubricID string  `json:"rubricId" bson:"rubric_id"`
	Type     Type    `json:"type" bson:"type"`
	Passed   bool    `json:"passed" bson:"passed"`
	Score    float64 `json:"score" bson:"score"`
	Weight   float64 `json:"weight" bson:"weight"`
	Reason   string  `json:"reason,omitempty" bson:"reason,omitempty"`
}

// EvalResult is the aggregate verdict for one piece of agent output.
type EvalResult struct {
	Passed        bool           `json:"passed" bson:"passed"`
	Score         float64        `json:"score" bson:"score"`
	Reason        string         `json:"reason,omitempty" bson:"reason,omitempty"`
	RubricResults []RubricResult `json:"rubricResults" bson:"rubric_results"`
}

// TestCase is the materialized content evaluation runs against. Expected
// may be a JSON-encoded array of acceptable candidate answers.
type TestCase struct {
	Input    string   `json:"input" bson:"input"`
	Expected string   `json:"expected,omitempty" bson:"expected,omitempty"`
	Choices  []string `json:"choices,omitempty" bson:"choices,omitempty"`
	Category string   `json:"category,omitempty" bson:"category,omitempty"`
}
