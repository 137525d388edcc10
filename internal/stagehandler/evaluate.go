package stagehandler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/resilience"
	"github.com/sells-group/submission-grader/internal/worker"
	"github.com/sells-group/submission-grader/pkg/llm"
)

// llmEvalResponse is the JSON object the evaluate prompt instructs the
// model to return. The handler owns parsing it (pkg/llm.EvaluateSubmission
// returns the raw text unparsed) since only the handler knows the rubric's
// criterion keys.
type llmEvalResponse struct {
	Criteria []struct {
		Key      string  `json:"key"`
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
	} `json:"criteria"`
	Feedback           string  `json:"feedback"`
	AIAssistLikelihood float64 `json:"ai_assist_likelihood"`
	Confidence         float64 `json:"confidence"`
}

// Evaluate reads the normalized artifact, grades it against the rubric
// through the LLM, and upserts the result. Every call, success or failure,
// appends an llm_runs audit record per spec.md §4.4. Re-running after a
// crash re-scores and upserts the same submission_id, which is idempotent
// because UpsertEvaluation is an upsert rather than an insert.
func Evaluate(ctx context.Context, claim model.Claim, rawDeps any) (worker.ProcessResult, error) {
	deps, ok := rawDeps.(Deps)
	if !ok {
		return worker.ProcessResult{}, eris.New("stagehandler: evaluate: deps has wrong type")
	}

	artifact, err := deps.Store.GetLatestArtifact(ctx, claim.PublicID, model.StageNormalize)
	if err != nil {
		return worker.ProcessResult{}, eris.Wrap(err, "stagehandler: evaluate: get latest artifact")
	}
	if artifact == nil {
		return failBadInput("evaluate: no normalized artifact found"), nil
	}
	if deps.ArtifactStrict && artifact.SchemaVersion != schemaNormalized {
		return failBadInput("evaluate: unexpected artifact schema " + artifact.SchemaVersion), nil
	}

	raw, err := deps.Blobstore.Get(ctx, model.ArtifactRef{
		Bucket:        artifact.Bucket,
		ObjectKey:     artifact.ObjectKey,
		SchemaVersion: artifact.SchemaVersion,
	})
	if err != nil {
		return worker.ProcessResult{}, resilience.Classify(err, resilience.KindFatalInfrastructure)
	}

	var normalized normalizedArtifact
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return failBadInput("evaluate: malformed normalized artifact: " + err.Error()), nil
	}

	criteria := model.FilterByMaxTier(deps.Rubric, deps.RubricMaxTier)
	if len(criteria) == 0 {
		return failBadInput("evaluate: rubric has no criteria at or below configured tier"), nil
	}

	start := time.Now()
	result, evalErr := llm.EvaluateSubmission(ctx, deps.LLM, llm.EvaluationRequest{
		Model:         deps.Model,
		SystemPrompt:  buildSystemPrompt(criteria),
		UserContent:   normalized.Text,
		Temperature:   deps.Temperature,
		MaxTokens:     deps.MaxTokens,
		PromptVersion: deps.PromptVersion,
	})
	latency := time.Since(start)

	run := model.LLMRun{
		SubmissionID:        claim.PublicID,
		Provider:            "anthropic",
		Model:               deps.Model,
		PromptVersion:       deps.PromptVersion,
		RubricVersion:       deps.RubricVersion,
		ResultSchemaVersion: schemaEvaluationResult,
		LatencyMS:           latency.Milliseconds(),
	}

	if evalErr != nil {
		run.Succeeded = false
		run.ErrorKind = string(resilience.KindOf(evalErr))
		if insertErr := deps.Store.InsertLLMRun(ctx, run); insertErr != nil {
			return worker.ProcessResult{}, eris.Wrap(insertErr, "stagehandler: evaluate: record failed llm_run")
		}
		return worker.ProcessResult{}, evalErr
	}

	run.Succeeded = true
	run.InputTokens = int(result.Usage.InputTokens)
	run.OutputTokens = int(result.Usage.OutputTokens)
	run.CostUSD = deps.Cost.Claude(deps.Model, false,
		int(result.Usage.InputTokens), int(result.Usage.OutputTokens),
		int(result.Usage.CacheCreationInputTokens), int(result.Usage.CacheReadInputTokens))
	if err := deps.Store.InsertLLMRun(ctx, run); err != nil {
		return worker.ProcessResult{}, eris.Wrap(err, "stagehandler: evaluate: record llm_run")
	}

	var parsed llmEvalResponse
	if err := json.Unmarshal(result.Raw, &parsed); err != nil {
		return failBadInput("evaluate: model response failed schema validation: " + err.Error()), nil
	}

	scores, err := scoreCriteria(criteria, parsed)
	if err != nil {
		return failBadInput("evaluate: " + err.Error()), nil
	}

	evaluation := model.Evaluation{
		SubmissionID:       claim.PublicID,
		CriterionScores:    scores,
		Feedback:           parsed.Feedback,
		AIAssistLikelihood: parsed.AIAssistLikelihood,
		Confidence:         parsed.Confidence,
		Seed:               deps.Seed,
		Temperature:        deps.Temperature,
		ChainVersion:       deps.ChainVersion,
		PromptVersion:      deps.PromptVersion,
		RubricVersion:      deps.RubricVersion,
	}
	evaluation.Score = evaluation.WeightedScore()

	if _, err := deps.Store.UpsertEvaluation(ctx, evaluation); err != nil {
		return worker.ProcessResult{}, resilience.Classify(err, resilience.KindFatalInfrastructure)
	}

	payload, err := json.Marshal(evaluationArtifact{
		Score:           evaluation.Score,
		CriterionScores: evaluation.CriterionScores,
		Feedback:        evaluation.Feedback,
	})
	if err != nil {
		return worker.ProcessResult{}, eris.Wrap(err, "stagehandler: evaluate: marshal evaluation artifact")
	}

	ref, err := deps.Blobstore.Put(ctx, claim.PublicID, model.StageEvaluate, schemaEvaluationResult, payload)
	if err != nil {
		return worker.ProcessResult{}, resilience.Classify(err, resilience.KindFatalInfrastructure)
	}

	return worker.ProcessResult{Success: true, ArtifactRef: &ref}, nil
}

// buildSystemPrompt renders the rubric criteria into the grading
// instructions the model must follow, requiring it to return scores keyed
// by the exact criterion keys scoreCriteria expects back.
func buildSystemPrompt(criteria []model.RubricCriterion) string {
	var b strings.Builder
	b.WriteString("You are grading a candidate assignment submission against a fixed rubric. ")
	b.WriteString("Score each criterion from 0 to 10 and return strict JSON matching this shape: ")
	b.WriteString(`{"criteria":[{"key":"...","score":0,"feedback":"..."}],"feedback":"...","ai_assist_likelihood":0,"confidence":0}`)
	b.WriteString("\n\nCriteria:\n")
	for _, c := range criteria {
		fmt.Fprintf(&b, "- %s (weight %.2f): %s\n  %s\n", c.Key, c.Weight, c.Text, c.Instructions)
	}
	return b.String()
}

// scoreCriteria zips the model's per-criterion scores onto the rubric's
// weights, rejecting a response that omits a criterion the rubric requires.
func scoreCriteria(criteria []model.RubricCriterion, resp llmEvalResponse) ([]model.CriterionScore, error) {
	scored := make(map[string]struct {
		score    float64
		feedback string
	}, len(resp.Criteria))
	for _, s := range resp.Criteria {
		scored[s.Key] = struct {
			score    float64
			feedback string
		}{s.Score, s.Feedback}
	}

	out := make([]model.CriterionScore, 0, len(criteria))
	for _, c := range criteria {
		s, ok := scored[c.Key]
		if !ok {
			return nil, eris.New(fmt.Sprintf("model response missing score for criterion %q", c.Key))
		}
		out = append(out, model.CriterionScore{
			CriterionKey: c.Key,
			Score:        s.score,
			Weight:       c.Weight,
			Feedback:     s.feedback,
		})
	}
	return out, nil
}
