package model

import "time"

// CriterionScore is the per-rubric-criterion outcome of one evaluation.
type CriterionScore struct {
	CriterionKey string  `json:"criterion_key"`
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Feedback     string  `json:"feedback,omitempty"`
}

// Evaluation is the at-most-one-per-submission scored outcome of the
// evaluate stage, upserted by submission_id. Reproducibility fields (Seed,
// Temperature, ChainVersion, PromptVersion) let an auditor reconstruct why a
// given score was produced, per the Stage Handler determinism requirement.
type Evaluation struct {
	ID                 int64            `json:"id,omitempty"`
	SubmissionID       string           `json:"submission_id"`
	Score              float64          `json:"score"`
	CriterionScores    []CriterionScore `json:"criterion_scores"`
	Feedback           string           `json:"feedback"`
	AIAssistLikelihood float64          `json:"ai_assist_likelihood"`
	Confidence         float64          `json:"confidence"`

	Seed          int64  `json:"seed"`
	Temperature   float64 `json:"temperature"`
	ChainVersion  string `json:"chain_version"`
	PromptVersion string `json:"prompt_version"`
	RubricVersion string `json:"rubric_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WeightedScore recomputes the overall score as the weight-normalized sum of
// per-criterion scores. Returns 0 if no criteria carry positive weight.
func (e *Evaluation) WeightedScore() float64 {
	var num, den float64
	for _, c := range e.CriterionScores {
		num += c.Score * c.Weight
		den += c.Weight
	}
	if den == 0 {
		return 0
	}
	return num / den
}
