package rubric

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/acai-travel/agent-bench/internal/bench/extract"
)

// stubJudge returns a fixed verdict or error. It stands in for the OpenAI
// judge so evaluation tests stay hermetic.
type stubJudge struct {
	verdict JudgeVerdict
	err     error
	gotReq  *JudgeRequest
}

func (s *stubJudge) Score(ctx context.Context, req JudgeRequest) (JudgeVerdict, error) {
	s.gotReq = &req
	return s.verdict, s.err
}

func TestEvaluate_NoRubrics(t *testing.T) {
	t.Run("no rubrics and no expected answer", func(t *testing.T) {
		out := Evaluate(context.Background(), "whatever", nil, TestCase{}, Options{})
		if out.Passed {
			t.Fatal("expected evaluation to fail")
		}
		if out.Reason != "No rubrics configured" {
			t.Errorf("reason = %q, want %q", out.Reason, "No rubrics configured")
		}
		if len(out.RubricResults) != 0 {
			t.Errorf("expected no rubric results, got %d", len(out.RubricResults))
		}
	})

	t.Run("expected answer implies containment", func(t *testing.T) {
		tc := TestCase{Expected: "Paris"}
		out := Evaluate(context.Background(), "The capital is Paris.", nil, tc, Options{})
		if !out.Passed {
			t.Fatalf("expected pass, got fail (reason: %s)", out.Reason)
		}
		if out.Score != 1 {
			t.Errorf("score = %v, want 1", out.Score)
		}
		if len(out.RubricResults) != 1 || out.RubricResults[0].RubricID != "default-contains" {
			t.Errorf("expected a single default-contains result, got %+v", out.RubricResults)
		}
	})

	t.Run("containment miss fails", func(t *testing.T) {
		tc := TestCase{Expected: "Paris"}
		out := Evaluate(context.Background(), "The capital is London.", nil, tc, Options{})
		if out.Passed {
			t.Fatal("expected fail")
		}
	})
}

func TestEvaluate_MultiCandidateExpected(t *testing.T) {
	rubrics := []Rubric{{ID: "r1", Type: TypeEquals, Weight: 1}}

	t.Run("any candidate is accepted", func(t *testing.T) {
		tc := TestCase{Expected: `["Sun Wukong", "孙悟空", "Monkey King"]`}
		out := Evaluate(context.Background(), "孙悟空", rubrics, tc, Options{})
		if !out.Passed {
			t.Fatalf("expected pass, got fail (reason: %s)", out.RubricResults[0].Reason)
		}
	})

	t.Run("ties resolve to the first candidate", func(t *testing.T) {
		tc := TestCase{Expected: `["alpha", "beta"]`}
		out := Evaluate(context.Background(), "gamma", rubrics, tc, Options{})
		if out.Passed {
			t.Fatal("expected fail")
		}
		if got := out.RubricResults[0].Reason; got != `expected "alpha", got "gamma"` {
			t.Errorf("reason = %q, want the first candidate's reason", got)
		}
	})

	t.Run("malformed array treated as a literal", func(t *testing.T) {
		tc := TestCase{Expected: `[not json`}
		out := Evaluate(context.Background(), "[not json", rubrics, tc, Options{})
		if !out.Passed {
			t.Fatal("expected literal comparison to pass")
		}
	})

	t.Run("numeric candidates are stringified", func(t *testing.T) {
		tc := TestCase{Expected: `[42, 43]`}
		out := Evaluate(context.Background(), "43", rubrics, tc, Options{})
		if !out.Passed {
			t.Fatal("expected pass against stringified candidate")
		}
	})
}

func TestEvaluate_WeightedAggregate(t *testing.T) {
	rubrics := []Rubric{
		{ID: "strict", Type: TypeEquals, Weight: 2},
		{ID: "loose", Type: TypeContains, Weight: 1},
	}
	tc := TestCase{Expected: "Paris"}
	actual := "The capital of France is Paris."

	t.Run("default threshold fails a one third score", func(t *testing.T) {
		out := Evaluate(context.Background(), actual, rubrics, tc, Options{})
		if math.Abs(out.Score-1.0/3) > 1e-9 {
			t.Errorf("score = %v, want %v", out.Score, 1.0/3)
		}
		if out.Passed {
			t.Error("expected fail at the default threshold")
		}
	})

	t.Run("lower threshold passes the same score", func(t *testing.T) {
		out := Evaluate(context.Background(), actual, rubrics, tc, Options{PassThreshold: 0.3})
		if !out.Passed {
			t.Errorf("expected pass at threshold 0.3, score %v", out.Score)
		}
	})

	t.Run("all zero weights score zero", func(t *testing.T) {
		out := Evaluate(context.Background(), "Paris", []Rubric{{ID: "r1", Type: TypeEquals, Weight: 0}}, tc, Options{})
		if out.Score != 0 || out.Passed {
			t.Errorf("zero total weight should score 0 and fail, got score %v passed %v", out.Score, out.Passed)
		}
	})
}

func TestEvaluate_Extractors(t *testing.T) {
	tc := TestCase{Expected: "1", Choices: []string{"Venus", "Mars", "Jupiter", "Saturn"}}
	rubrics := []Rubric{{ID: "r1", Type: TypeEquals, Weight: 1}}

	t.Run("shared extractor from options", func(t *testing.T) {
		out := Evaluate(context.Background(), "The answer is B, Mars.", rubrics, tc, Options{
			Extractor: &extract.Config{Strategy: extract.StrategyChoiceIndex},
		})
		if !out.Passed {
			t.Fatalf("expected pass, got fail (reason: %s)", out.RubricResults[0].Reason)
		}
	})

	t.Run("rubric extractor wins over options", func(t *testing.T) {
		withOwn := []Rubric{{
			ID:        "r1",
			Type:      TypeEquals,
			Weight:    1,
			Extractor: &extract.Config{Strategy: extract.StrategyLastLine},
		}}
		out := Evaluate(context.Background(), "ignored reasoning\n1", withOwn, tc, Options{
			Extractor: &extract.Config{Strategy: extract.StrategyChoiceIndex},
		})
		if !out.Passed {
			t.Fatalf("expected pass via last-line extractor, got fail (reason: %s)", out.RubricResults[0].Reason)
		}
	})
}

func TestEvaluate_LLMRubric(t *testing.T) {
	rubrics := []Rubric{{
		ID:     "quality",
		Type:   TypeLLMRubric,
		Weight: 1,
		Config: Config{Criteria: "Answer must be polite"},
	}}
	tc := TestCase{Expected: "anything"}

	t.Run("judge verdict drives the result", func(t *testing.T) {
		judge := &stubJudge{verdict: JudgeVerdict{Score: 0.9, Reason: "polite enough"}}
		out := Evaluate(context.Background(), "Certainly!", rubrics, tc, Options{
			Context: MatchContext{Judge: judge, JudgeModel: "gpt-4o"},
		})
		if !out.Passed {
			t.Fatalf("expected pass, got fail (reason: %s)", out.RubricResults[0].Reason)
		}
		if judge.gotReq == nil || judge.gotReq.Model != "gpt-4o" {
			t.Errorf("judge request = %+v, want model gpt-4o", judge.gotReq)
		}
	})

	t.Run("out of range scores are clamped", func(t *testing.T) {
		judge := &stubJudge{verdict: JudgeVerdict{Score: 7}}
		out := Evaluate(context.Background(), "x", rubrics, tc, Options{
			Context: MatchContext{Judge: judge, JudgeModel: "gpt-4o"},
		})
		if out.Score != 1 {
			t.Errorf("score = %v, want clamped to 1", out.Score)
		}
	})

	t.Run("judge error becomes a failed result", func(t *testing.T) {
		judge := &stubJudge{err: errors.New("boom")}
		out := Evaluate(context.Background(), "x", rubrics, tc, Options{
			Context: MatchContext{Judge: judge, JudgeModel: "gpt-4o"},
		})
		if out.Passed {
			t.Fatal("expected fail")
		}
		if got := out.RubricResults[0].Reason; got != "LLM judge failed: boom" {
			t.Errorf("reason = %q", got)
		}
	})

	t.Run("missing judge fails gracefully", func(t *testing.T) {
		out := Evaluate(context.Background(), "x", rubrics, tc, Options{})
		if out.Passed {
			t.Fatal("expected fail")
		}
		if got := out.RubricResults[0].Reason; got != "LLM judge not available" {
			t.Errorf("reason = %q", got)
		}
	})

	t.Run("missing model fails gracefully", func(t *testing.T) {
		judge := &stubJudge{verdict: JudgeVerdict{Score: 1}}
		out := Evaluate(context.Background(), "x", rubrics, tc, Options{
			Context: MatchContext{Judge: judge},
		})
		if out.Passed {
			t.Fatal("expected fail")
		}
		if got := out.RubricResults[0].Reason; got != "No judge model configured" {
			t.Errorf("reason = %q", got)
		}
	})
}
