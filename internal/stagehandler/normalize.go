package stagehandler

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/resilience"
	"github.com/sells-group/submission-grader/internal/worker"
)

// Normalize reads the raw content artifact left by ingest (Telegram or
// direct upload — both write model.StageTelegramIngest, see payload.go) and
// extracts plain text: strips control characters, collapses whitespace, and
// rejects content that normalizes to nothing. Purely a function of its
// input bytes, so re-running it after a crash reproduces the same output.
func Normalize(ctx context.Context, claim model.Claim, rawDeps any) (worker.ProcessResult, error) {
	deps, ok := rawDeps.(Deps)
	if !ok {
		return worker.ProcessResult{}, eris.New("stagehandler: normalize: deps has wrong type")
	}

	artifact, err := deps.Store.GetLatestArtifact(ctx, claim.PublicID, model.StageTelegramIngest)
	if err != nil {
		return worker.ProcessResult{}, eris.Wrap(err, "stagehandler: normalize: get latest artifact")
	}
	if artifact == nil {
		return failBadInput("normalize: no raw content artifact found"), nil
	}
	if deps.ArtifactStrict && artifact.SchemaVersion != schemaTelegramResolved {
		return failBadInput("normalize: unexpected artifact schema " + artifact.SchemaVersion), nil
	}

	raw, err := deps.Blobstore.Get(ctx, model.ArtifactRef{
		Bucket:        artifact.Bucket,
		ObjectKey:     artifact.ObjectKey,
		SchemaVersion: artifact.SchemaVersion,
	})
	if err != nil {
		return worker.ProcessResult{}, resilience.Classify(err, resilience.KindFatalInfrastructure)
	}

	var content rawContentArtifact
	if err := json.Unmarshal(raw, &content); err != nil {
		return failBadInput("normalize: malformed raw content artifact: " + err.Error()), nil
	}

	text := extractText(content)
	if strings.TrimSpace(text) == "" {
		return failBadInput("normalize: content normalizes to empty text"), nil
	}

	payload, err := json.Marshal(normalizedArtifact{Text: text})
	if err != nil {
		return worker.ProcessResult{}, eris.Wrap(err, "stagehandler: normalize: marshal normalized artifact")
	}

	ref, err := deps.Blobstore.Put(ctx, claim.PublicID, model.StageNormalize, schemaNormalized, payload)
	if err != nil {
		return worker.ProcessResult{}, resilience.Classify(err, resilience.KindFatalInfrastructure)
	}

	return worker.ProcessResult{Success: true, ArtifactRef: &ref}, nil
}

// extractText treats the raw content as UTF-8 text (the pipeline's
// supported submission formats are plain text and markdown; richer formats
// are out of scope per spec.md's Non-goals on per-stage business logic),
// stripping non-printable runes and collapsing internal whitespace runs.
func extractText(content rawContentArtifact) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range string(content.Content) {
		if unicode.IsControl(r) && r != '\n' {
			continue
		}
		isSpace := unicode.IsSpace(r)
		if isSpace && lastWasSpace {
			continue
		}
		b.WriteRune(r)
		lastWasSpace = isSpace
	}
	return strings.TrimSpace(b.String())
}
