package rubric

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/acai-travel/agent-bench/internal/bench/extract"
)

// DefaultPassThreshold is the aggregate score required to pass when no
// explicit threshold is configured.
const DefaultPassThreshold = 0.6

// Options tunes a single Evaluate call.
type Options struct {
	// Extractor applies to every rubric that has no extractor of its own.
	Extractor *extract.Config

	// PassThreshold for the weighted aggregate score; DefaultPassThreshold
	// when zero.
	PassThreshold float64

	// Context carries injected capabilities such as the LLM judge.
	Context MatchContext
}

// Evaluate runs all rubrics against the agent output and combines them
// into a weighted aggregate verdict. It is side-effect-free apart from
// calls through the injected judge capability.
func Evaluate(ctx context.Context, actual string, rubrics []Rubric, tc TestCase, opts Options) EvalResult {
	if len(rubrics) == 0 {
		if tc.Expected == "" {
			return EvalResult{Reason: "No rubrics configured", RubricResults: []RubricResult{}}
		}

		// An expected answer with no rubrics implies a plain containment
		// check.
		rubrics = []Rubric{{ID: "default-contains", Type: TypeContains, Weight: 1}}
	}

	threshold := opts.PassThreshold
	if threshold == 0 {
		threshold = DefaultPassThreshold
	}

	var totalWeight, weightedScore float64
	results := make([]RubricResult, 0, len(rubrics))

	for _, r := range rubrics {
		value := actual
		if eff := effectiveExtractor(r, opts); eff != nil {
			value = extract.Extract(actual, *eff)
		}

		res := matchExpanded(ctx, r, value, tc.Expected, opts.Context)

		totalWeight += r.Weight
		weightedScore += res.Score * r.Weight

		results = append(results, RubricResult{
			RubricID: r.ID,
			Type:     r.Type,
			Passed:   res.Passed,
			Score:    res.Score,
			Weight:   r.Weight,
			Reason:   res.Reason,
		})
	}

	score := 0.0
	if totalWeight > 0 {
		score = weightedScore / totalWeight
	}

	return EvalResult{
		Passed:        score >= threshold,
		Score:         score,
		RubricResults: results,
	}
}

func effectiveExtractor(r Rubric, opts Options) *extract.Config {
	if r.Extractor != nil {
		return r.Extractor
	}
	return opts.Extractor
}

// matchExpanded widens a JSON-array expected value into a candidate set
// and keeps the best-scoring result, ties going to the first candidate.
// any-of rubrics interpret their own value list and are left alone.
func matchExpanded(ctx context.Context, r Rubric, actual, expected string, mc MatchContext) Result {
	if r.Type == TypeAnyOf {
		return match(ctx, r, actual, expected, mc)
	}

	candidates, ok := parseCandidates(expected)
	if !ok {
		return match(ctx, r, actual, expected, mc)
	}

	best := Result{Reason: "no candidate answers"}
	for i, cand := range candidates {
		res := match(ctx, r, actual, cand, mc)
		if i == 0 || res.Score > best.Score {
			best = res
		}
	}

	return best
}

// parseCandidates reports whether expected is a JSON array literal and, if
// so, returns its elements rendered as strings.
func parseCandidates(expected string) ([]string, bool) {
	trimmed := strings.TrimSpace(expected)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}

	var raw []any
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, false
	}

	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case float64:
			out = append(out, strconv.FormatFloat(t, 'f', -1, 64))
		case bool:
			out = append(out, strconv.FormatBool(t))
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, false
			}
			out = append(out, string(b))
		}
	}

	return out, true
}
