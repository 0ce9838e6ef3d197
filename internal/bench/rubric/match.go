package rubric

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

const (
	defaultTolerance           = 0.01
	defaultSimilarityThreshold = 0.8
	defaultJudgeScoreThreshold = 0.6
)

// match dispatches a single matcher invocation for the rubric's type.
// Unknown types produce a failed result rather than a panic; the type set
// here is exhaustive over the Type constants.
func match(ctx context.Context, r Rubric, actual, expected string, mc MatchContext) Result {
	switch r.Type {
	case TypeEquals:
		return matchEquals(actual, expected)
	case TypeContains:
		return matchContains(actual, expected)
	case TypeStartsWith:
		return matchStartsWith(actual, expected)
	case TypeEndsWith:
		return matchEndsWith(actual, expected)
	case TypeRegex:
		return matchRegex(actual, r.Config.Pattern)
	case TypeAnyOf:
		return matchAnyOf(actual, r.Config)
	case TypeNumeric:
		return matchNumeric(actual, expected, r.Config)
	case TypeLevenshtein:
		return matchLevenshtein(actual, expected, r.Config)
	case TypeJSONSchema:
		return matchJSONSchema(actual, r.Config.Schema)
	case TypeLLMRubric:
		return matchLLMRubric(ctx, r, actual, expected, mc)
	}

	return Result{Reason: fmt.Sprintf("unsupported rubric type %q", r.Type)}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func matchEquals(actual, expected string) Result {
	if normalize(actual) == normalize(expected) {
		return Result{Passed: true, Score: 1}
	}
	return Result{Reason: fmt.Sprintf("expected %q, got %q", expected, actual)}
}

func matchContains(actual, expected string) Result {
	if strings.Contains(normalize(actual), normalize(expected)) {
		return Result{Passed: true, Score: 1}
	}
	return Result{Reason: fmt.Sprintf("output does not contain %q", expected)}
}

func matchStartsWith(actual, expected string) Result {
	if strings.HasPrefix(normalize(actual), normalize(expected)) {
		return Result{Passed: true, Score: 1}
	}
	return Result{Reason: fmt.Sprintf("output does not start with %q", expected)}
}

func matchEndsWith(actual, expected string) Result {
	if strings.HasSuffix(normalize(actual), normalize(expected)) {
		return Result{Passed: true, Score: 1}
	}
	return Result{Reason: fmt.Sprintf("output does not end with %q", expected)}
}

func matchRegex(actual, pattern string) Result {
	if pattern == "" {
		return Result{Reason: "no pattern configured"}
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return Result{Reason: fmt.Sprintf("invalid pattern: %v", err)}
	}

	if re.MatchString(actual) {
		return Result{Passed: true, Score: 1}
	}

	return Result{Reason: fmt.Sprintf("output does not match pattern %q", pattern)}
}

func matchAnyOf(actual string, cfg Config) Result {
	norm := normalize
	if cfg.CaseSensitive {
		norm = strings.TrimSpace
	}

	for _, v := range cfg.Values {
		if norm(actual) == norm(v) {
			return Result{Passed: true, Score: 1}
		}
	}

	return Result{Reason: fmt.Sprintf("output matches none of %d accepted values", len(cfg.Values))}
}

// numericPattern keeps digits, dots and minus signs so "$42.50!" parses.
var numericPattern = regexp.MustCompile(`[^0-9.\-]`)

func parseNumber(s string) (float64, bool) {
	stripped := numericPattern.ReplaceAllString(s, "")
	f, err := strconv.ParseFloat(stripped, 64)
	return f, err == nil
}

func matchNumeric(actual, expected string, cfg Config) Result {
	got, ok := parseNumber(actual)
	if !ok {
		return Result{Reason: fmt.Sprintf("could not parse a number from %q", actual)}
	}

	want := cfg.Value
	if expected != "" {
		parsed, ok := parseNumber(expected)
		if !ok {
			return Result{Reason: fmt.Sprintf("could not parse a number from expected %q", expected)}
		}
		want = parsed
	}

	tolerance := defaultTolerance
	if cfg.Tolerance != nil {
		tolerance = *cfg.Tolerance
	}

	if math.Abs(got-want) <= tolerance {
		return Result{Passed: true, Score: 1}
	}

	return Result{Reason: fmt.Sprintf("|%v - %v| exceeds tolerance %v", got, want, tolerance)}
}

func matchLevenshtein(actual, expected string, cfg Config) Result {
	a, b := strings.TrimSpace(actual), strings.TrimSpace(expected)

	similarity := 1.0
	if len(a) > 0 || len(b) > 0 {
		distance := levenshtein.DistanceForStrings([]rune(a), []rune(b), levenshtein.DefaultOptionsWithSub)
		longest := max(len([]rune(a)), len([]rune(b)))
		similarity = 1 - float64(distance)/float64(longest)
	}

	threshold := defaultSimilarityThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}

	if similarity >= threshold {
		return Result{Passed: true, Score: similarity}
	}

	return Result{
		Score:  similarity,
		Reason: fmt.Sprintf("similarity %.3f below threshold %.3f", similarity, threshold),
	}
}

func matchJSONSchema(actual string, schemaJSON json.RawMessage) Result {
	if len(schemaJSON) == 0 {
		return Result{Reason: "no schema configured"}
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return Result{Reason: fmt.Sprintf("invalid schema: %v", err)}
	}

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return Result{Reason: fmt.Sprintf("invalid schema: %v", err)}
	}

	var instance any
	if err := json.Unmarshal([]byte(strings.TrimSpace(actual)), &instance); err != nil {
		return Result{Reason: "output is not valid JSON"}
	}

	if err := resolved.Validate(instance); err != nil {
		return Result{Reason: fmt.Sprintf("schema validation failed: %v", err)}
	}

	return Result{Passed: true, Score: 1}
}
