// Package stagehandler implements the four concrete Stage Handlers
// (telegram_ingest, normalize, evaluate, deliver) invoked by internal/worker.Loop.
// Each handler is a pure worker.Handler value with no shared state beyond the
// Deps bag assembled once at process bootstrap, per spec.md §4.4's contract
// and the REDESIGN FLAG against dynamic dispatch over stages.
package stagehandler

import (
	"github.com/sells-group/submission-grader/internal/blobstore"
	"github.com/sells-group/submission-grader/internal/cost"
	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/store"
	"github.com/sells-group/submission-grader/pkg/llm"
	"github.com/sells-group/submission-grader/pkg/salesforcesync"
	"github.com/sells-group/submission-grader/pkg/telegrambot"
)

// Deps is the dependency bag every handler receives through worker.Loop.Deps
// as `any`, type-asserted on entry. One Deps value is shared by all four
// stages at bootstrap (internal/worker.Handler never inspects it); each
// handler reads only the fields its stage needs, following the teacher's
// pipeline.Pipeline, which likewise carries every external client in one
// struct rather than one per phase.
type Deps struct {
	Store     store.Store
	Blobstore blobstore.Store

	Telegram telegrambot.Client

	LLM           llm.Client
	Cost          *cost.Calculator
	Rubric        []model.RubricCriterion
	RubricMaxTier int
	RubricVersion string
	PromptVersion string
	ChainVersion  string
	Model         string
	Temperature   float64
	Seed          int64
	MaxTokens     int64

	Salesforce salesforcesync.Client

	// ArtifactStrict gates the permanent_bad_input classification in
	// spec.md §7 when an artifact's schema_version does not match what a
	// handler expects; sourced from config.ArtifactConfig.Strict().
	ArtifactStrict bool
}
