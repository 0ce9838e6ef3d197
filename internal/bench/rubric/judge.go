package rubric

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
)

// JudgeRequest is the payload handed to the judge capability.
type JudgeRequest struct {
	Model      string
	SystemRole string
	Criteria   string
	Output     string
	Expected   string
}

// JudgeVerdict is the structured verdict returned by a judge call.
type JudgeVerdict struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Judge scores agent output against free-form criteria. Implementations
// may fail with an error; callers convert every failure into a failed
// Result so judge trouble never propagates as an exception.
type Judge interface {
	Score(ctx context.Context, req JudgeRequest) (JudgeVerdict, error)
}

// MatchContext carries the injected capabilities a matcher may need.
type MatchContext struct {
	Judge      Judge
	JudgeModel string
}

const defaultJudgeSystemRole = `You are an expert evaluation judge. Assess whether the output satisfies the criteria. Be consistent and objective.

Respond with ONLY a valid JSON object in this EXACT format (no extra text):
{
  "score": <number between 0 and 1>,
  "reason": "concise explanation of the score"
}`

// OpenAIJudge scores output with an OpenAI chat model.
type OpenAIJudge struct {
	client openai.Client
}

// NewOpenAIJudge creates a judge backed by the OpenAI API. Credentials are
// taken from the environment, matching the rest of the client defaults.
func NewOpenAIJudge() *OpenAIJudge {
	return &OpenAIJudge{
		client: openai.NewClient(),
	}
}

// Score implements Judge.
func (j *OpenAIJudge) Score(ctx context.Context, req JudgeRequest) (JudgeVerdict, error) {
	systemPrompt := req.SystemRole
	if systemPrompt == "" {
		systemPrompt = defaultJudgeSystemRole
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[Criteria]\n%s\n\n[Output]\n%s\n", req.Criteria, req.Output)
	if req.Expected != "" {
		fmt.Fprintf(&sb, "\n[Expected]\n%s\n", req.Expected)
	}

	resp, err := j.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(sb.String()),
		},
	})
	if err != nil {
		return JudgeVerdict{}, err
	}

	if len(resp.Choices) == 0 {
		return JudgeVerdict{}, fmt.Errorf("no response from judge model")
	}

	content := resp.Choices[0].Message.Content

	// The model occasionally wraps the JSON in prose; take the outermost
	// braces.
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return JudgeVerdict{}, fmt.Errorf("judge response is not JSON: %s", content)
	}

	var verdict JudgeVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return JudgeVerdict{}, fmt.Errorf("parse judge response: %w", err)
	}

	return verdict, nil
}

// matchLLMRubric delegates scoring to the injected judge. Every failure
// mode, from missing configuration to a provider error, is converted into
// a failed Result.
func matchLLMRubric(ctx context.Context, r Rubric, actual, expected string, mc MatchContext) Result {
	if mc.Judge == nil {
		return Result{Reason: "LLM judge not available"}
	}

	model := r.Config.Model
	if model == "" {
		model = mc.JudgeModel
	}
	if model == "" {
		return Result{Reason: "No judge model configured"}
	}

	verdict, err := mc.Judge.Score(ctx, JudgeRequest{
		Model:      model,
		SystemRole: r.Config.SystemRole,
		Criteria:   r.Config.Criteria,
		Output:     actual,
		Expected:   expected,
	})
	if err != nil {
		return Result{Reason: fmt.Sprintf("LLM judge failed: %v", err)}
	}

	score := min(max(verdict.Score, 0), 1)

	threshold := defaultJudgeScoreThreshold
	if r.Threshold != nil {
		threshold = *r.Threshold
	}

	return Result{
		Passed: score >= threshold,
		Score:  score,
		Reason: verdict.Reason,
	}
}
