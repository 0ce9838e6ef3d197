package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/acai-travel/agent-bench/internal/bench/offline"
	"github.com/acai-travel/agent-bench/internal/bench/rubric"
)

func main() {
	var (
		datasetPath = flag.String("dataset", "", "Path to dataset JSON file (optional, uses default if not provided)")
		outputPath  = flag.String("output", "", "Path to save evaluation report (optional, auto-generated if not provided)")
		threshold   = flag.Float64("threshold", rubric.DefaultPassThreshold, "Pass threshold for weighted rubric scores")
		useJudge    = flag.Bool("judge", false, "Enable the LLM judge for llm-rubric cases (requires JUDGE_MODEL and OpenAI credentials)")
		saveDataset = flag.String("save-dataset", "", "Save default dataset to file and exit")
		verbose     = flag.Bool("v", false, "Verbose logging")
		limitCases  = flag.Int("limit", 0, "Limit number of cases to run (0 = run all, useful for quick iteration)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Score recorded agent outputs against rubric configurations.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Run with the default dataset:\n")
		fmt.Fprintf(os.Stderr, "  %s\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Run with a custom dataset:\n")
		fmt.Fprintf(os.Stderr, "  %s -dataset my_cases.json\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Test the first 3 cases (quick iteration):\n")
		fmt.Fprintf(os.Stderr, "  %s -limit 3\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Include llm-rubric cases:\n")
		fmt.Fprintf(os.Stderr, "  JUDGE_MODEL=gpt-4o %s -judge\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Save default dataset to file:\n")
		fmt.Fprintf(os.Stderr, "  %s -save-dataset dataset.json\n\n", os.Args[0])
	}

	flag.Parse()

	// Configure logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// Handle save-dataset command
	if *saveDataset != "" {
		if err := offline.SaveDataset(*saveDataset, offline.DefaultDataset()); err != nil {
			slog.Error("Failed to save dataset", "error", err)
			os.Exit(1)
		}
		slog.Info("Dataset saved successfully", "path", *saveDataset)
		return
	}

	// Load cases
	var cases []offline.Case
	var err error

	name := "Default Rubric Evaluation"
	if *datasetPath != "" {
		slog.Info("Loading dataset from file", "path", *datasetPath)
		cases, err = offline.LoadDataset(*datasetPath)
		if err != nil {
			slog.Error("Failed to load dataset", "error", err)
			os.Exit(1)
		}
		name = filepath.Base(*datasetPath)
	} else {
		slog.Info("Using default dataset")
		cases = offline.DefaultDataset()
	}

	slog.Info("Loaded cases", "count", len(cases))

	if *limitCases > 0 && *limitCases < len(cases) {
		cases = cases[:*limitCases]
		slog.Info("Limited cases for quick iteration", "running", len(cases))
	}

	// Configure the judge
	var judge rubric.Judge
	model := ""
	if *useJudge {
		judge = rubric.NewOpenAIJudge()
		model = os.Getenv("JUDGE_MODEL")
		slog.Info("LLM judge enabled", "model", model)
	}

	runner := offline.NewRunner(*threshold, judge, model)

	slog.Info("Starting evaluation run")
	report := runner.Run(ctx, name, cases)

	// Determine output path
	outputFile := *outputPath
	if outputFile == "" {
		timestamp := time.Now().Format("20060102_150405")
		outputFile = filepath.Join("eval_results", fmt.Sprintf("rubric_eval_%s.json", timestamp))
	}

	slog.Info("Saving evaluation report", "path", outputFile)
	if err := offline.SaveReport(outputFile, *report); err != nil {
		slog.Error("Failed to save report", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	offline.PrintSummary(report)
	fmt.Println()
	fmt.Printf("Full report saved to: %s\n", outputFile)

	if report.FailedCases > 0 {
		os.Exit(1)
	}
}
