package offline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/acai-travel/agent-bench/internal/bench/extract"
	"github.com/acai-travel/agent-bench/internal/bench/rubric"
)

// LoadDataset loads a dataset from a JSON file
func LoadDataset(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file: %w", err)
	}

	var cases []Case
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("failed to parse dataset JSON: %w", err)
	}

	return cases, nil
}

// SaveDataset saves a dataset to a JSON file
func SaveDataset(path string, cases []Case) error {
	data, err := json.MarshalIndent(cases, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write dataset file: %w", err)
	}

	return nil
}

// SaveReport saves an evaluation report to a JSON file
func SaveReport(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}

	return nil
}

// DefaultDataset returns a starter dataset exercising each matcher family
// against recorded outputs.
func DefaultDataset() []Case {
	tolerance := 0.5
	similarity := 0.85

	return []Case{
		{
			ID:       "exact_01",
			Input:    "What is the capital of France?",
			Expected: "Paris",
			Category: "geography",
			Rubrics: []rubric.Rubric{
				{ID: "r1", Type: rubric.TypeEquals, Weight: 1},
			},
			Actual:      "Paris",
			Description: "Exact match on a short factual answer",
		},
		{
			ID:       "contains_01",
			Input:    "Explain what a mutex is used for.",
			Expected: "mutual exclusion",
			Category: "concepts",
			Rubrics: []rubric.Rubric{
				{ID: "r1", Type: rubric.TypeContains, Weight: 1},
			},
			Actual:      "A mutex provides mutual exclusion so only one goroutine enters the critical section.",
			Description: "Keyword must appear somewhere in a longer answer",
		},
		{
			ID:       "multi_01",
			Input:    "Who is the protagonist of Journey to the West?",
			Expected: `["Sun Wukong", "孙悟空", "Monkey King"]`,
			Category: "literature",
			Rubrics: []rubric.Rubric{
				{ID: "r1", Type: rubric.TypeEquals, Weight: 1},
			},
			Actual:      "孙悟空",
			Description: "Any candidate from the expected array is accepted",
		},
		{
			ID:       "numeric_01",
			Input:    "What is the boiling point of water in Celsius at sea level?",
			Expected: "100",
			Category: "science",
			Rubrics: []rubric.Rubric{
				{ID: "r1", Type: rubric.TypeNumeric, Weight: 1, Config: rubric.Config{Tolerance: &tolerance}},
			},
			Actual:      "The boiling point is approximately 100.2 degrees",
			Description: "Numeric comparison with tolerance after stripping prose",
		},
		{
			ID:       "regex_01",
			Input:    "Give the ISO date for the first day of 2024.",
			Category: "formatting",
			Rubrics: []rubric.Rubric{
				{ID: "r1", Type: rubric.TypeRegex, Weight: 1, Config: rubric.Config{Pattern: `\d{4}-\d{2}-\d{2}`}},
			},
			Actual:      "2024-01-01",
			Description: "Output must match a date pattern",
		},
		{
			ID:       "choice_01",
			Input:    "Which planet is known as the Red Planet? A) Venus B) Mars C) Jupiter D) Saturn",
			Expected: "1",
			Choices:  []string{"Venus", "Mars", "Jupiter", "Saturn"},
			Category: "multiple_choice",
			Rubrics: []rubric.Rubric{
				{ID: "r1", Type: rubric.TypeEquals, Weight: 1},
			},
			Extractor:   &extract.Config{Strategy: extract.StrategyChoiceIndex},
			Actual:      "The answer is B, Mars.",
			Description: "Choice letter extracted and compared as a zero-based index",
		},
		{
			ID:       "fuzzy_01",
			Input:    "Name the author of The Old Man and the Sea.",
			Expected: "Ernest Hemingway",
			Category: "literature",
			Rubrics: []rubric.Rubric{
				{ID: "r1", Type: rubric.TypeLevenshtein, Weight: 1, Config: rubric.Config{Threshold: &similarity}},
			},
			Actual:      "Ernest Hemingway.",
			Description: "Near match tolerated through edit-distance similarity",
		},
		{
			ID:       "anyof_01",
			Input:    "Name a primary color.",
			Category: "general",
			Rubrics: []rubric.Rubric{
				{ID: "r1", Type: rubric.TypeAnyOf, Weight: 1, Config: rubric.Config{Values: []string{"red", "green", "blue"}}},
			},
			Actual:      "Blue",
			Description: "One of several allowed values",
		},
		{
			ID:       "weighted_01",
			Input:    "Summarize TCP in one sentence mentioning reliability.",
			Expected: "reliable",
			Category: "networking",
			Rubrics: []rubric.Rubric{
				{ID: "keyword", Type: rubric.TypeContains, Weight: 2},
				{ID: "format", Type: rubric.TypeRegex, Weight: 1, Config: rubric.Config{Pattern: `^[^.]+\.$`}},
			},
			Actual:      "TCP is a reliable, ordered byte-stream transport protocol.",
			Description: "Weighted combination of a keyword and a format check",
		},
	}
}
