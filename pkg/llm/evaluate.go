package llm

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// EvaluationRequest is the input to EvaluateSubmission: the rubric-bound
// prompt for one submission, built by the evaluate stage handler from
// internal/registry's rubric criteria and the submission's normalized
// artifact.
type EvaluationRequest struct {
	Model         string
	SystemPrompt  string
	UserContent   string
	Temperature   float64
	MaxTokens     int64
	PromptVersion string
}

// EvaluationResult is the model's raw JSON result, checked only for being
// well-formed JSON (it is not parsed into fields or validated against a
// schema), plus the raw usage for cost/audit attribution.
type EvaluationResult struct {
	Raw   json.RawMessage
	Usage TokenUsage
}

// EvaluateSubmission sends one rubric-bound grading request and returns the
// model's raw JSON result unparsed — the evaluate stage handler owns
// unmarshaling into model.Evaluation since only it knows the rubric's
// expected criterion keys.
func EvaluateSubmission(ctx context.Context, client Client, req EvaluationRequest) (*EvaluationResult, error) {
	temp := req.Temperature
	resp, err := client.CreateMessage(ctx, MessageRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: &temp,
		System: []SystemBlock{
			{Text: req.SystemPrompt},
		},
		Messages: []Message{
			{Role: "user", Content: req.UserContent},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: evaluate submission")
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, eris.New("llm: evaluate submission: empty response content")
	}
	if !json.Valid([]byte(text)) {
		return nil, eris.New("llm: evaluate submission: response is not valid JSON")
	}

	return &EvaluationResult{
		Raw:   json.RawMessage(text),
		Usage: resp.Usage,
	}, nil
}
