package model

import "time"

// LLMRun is an append-only audit record of one language-model invocation.
// Every call the evaluate stage handler makes through pkg/llm appends one of
// these, regardless of success or failure, so token spend and latency are
// reconstructable even for runs that were later retried or reclaimed.
//
// The field set below resolves DESIGN NOTES Open Question 2 (two competing
// insert_llm_run.sql shapes in the source) in favor of prompt/rubric/result
// schema versioning, since internal/registry already tracks rubric and
// prompt versions and this set composes with it; see DESIGN.md.
type LLMRun struct {
	ID                 int64     `json:"id,omitempty"`
	SubmissionID       string    `json:"submission_id"`
	Provider           string    `json:"provider"`
	Model              string    `json:"model"`
	ModelVersion       string    `json:"model_version,omitempty"`
	PromptVersion      string    `json:"prompt_version"`
	RubricVersion      string    `json:"rubric_version"`
	ResultSchemaVersion string   `json:"result_schema_version"`
	InputTokens        int       `json:"input_tokens"`
	OutputTokens       int       `json:"output_tokens"`
	LatencyMS          int64     `json:"latency_ms"`
	CostUSD            float64   `json:"cost_usd"`
	Succeeded          bool      `json:"succeeded"`
	ErrorKind          string    `json:"error_kind,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}
