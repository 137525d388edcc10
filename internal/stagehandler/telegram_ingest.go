package stagehandler

import (
	"context"
	"encoding/json"
	"mime"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/resilience"
	"github.com/sells-group/submission-grader/internal/worker"
)

// TelegramIngest resolves the telegram_pointer artifact the webhook ingress
// left at model.StageTelegramIngest into the submission's actual raw bytes,
// downloaded through the Telegram Bot API. It is idempotent: re-running it
// after a crash re-downloads the same file and writes an equivalent
// rawContentArtifact under a fresh object key; the extra object and artifact
// row are harmless under the store's latest-wins artifact semantics.
func TelegramIngest(ctx context.Context, claim model.Claim, rawDeps any) (worker.ProcessResult, error) {
	deps, ok := rawDeps.(Deps)
	if !ok {
		return worker.ProcessResult{}, eris.New("stagehandler: telegram_ingest: deps has wrong type")
	}

	artifact, err := deps.Store.GetLatestArtifact(ctx, claim.PublicID, model.StageTelegramIngest)
	if err != nil {
		return worker.ProcessResult{}, eris.Wrap(err, "stagehandler: telegram_ingest: get latest artifact")
	}
	if artifact == nil {
		return failBadInput("telegram_ingest: no telegram_pointer artifact found"), nil
	}
	if deps.ArtifactStrict && artifact.SchemaVersion != schemaTelegramPointer {
		return failBadInput("telegram_ingest: unexpected artifact schema " + artifact.SchemaVersion), nil
	}

	raw, err := deps.Blobstore.Get(ctx, model.ArtifactRef{
		Bucket:        artifact.Bucket,
		ObjectKey:     artifact.ObjectKey,
		SchemaVersion: artifact.SchemaVersion,
	})
	if err != nil {
		return worker.ProcessResult{}, resilience.Classify(err, resilience.KindFatalInfrastructure)
	}

	var pointer telegramPointer
	if err := json.Unmarshal(raw, &pointer); err != nil {
		return failBadInput("telegram_ingest: malformed telegram_pointer: " + err.Error()), nil
	}
	if pointer.FileID == "" {
		return failBadInput("telegram_ingest: telegram_pointer missing file_id"), nil
	}

	content, err := deps.Telegram.DownloadFile(ctx, pointer.FileID)
	if err != nil {
		return worker.ProcessResult{}, resilience.Classify(err, resilience.KindRetryableTransient)
	}

	resolved := rawContentArtifact{
		Content:     content,
		ContentType: guessContentType(pointer.FileID),
		Caption:     pointer.Caption,
		SourceChat:  pointer.ChatID,
	}
	payload, err := json.Marshal(resolved)
	if err != nil {
		return worker.ProcessResult{}, eris.Wrap(err, "stagehandler: telegram_ingest: marshal resolved artifact")
	}

	ref, err := deps.Blobstore.Put(ctx, claim.PublicID, model.StageTelegramIngest, schemaTelegramResolved, payload)
	if err != nil {
		return worker.ProcessResult{}, resilience.Classify(err, resilience.KindFatalInfrastructure)
	}

	return worker.ProcessResult{Success: true, ArtifactRef: &ref}, nil
}

// guessContentType picks a MIME type from the extension of fileID, if it has
// one; defaults to octet-stream. pkg/telegrambot's DownloadFile does not
// return Telegram's file_path, so an opaque file_id yields octet-stream.
func guessContentType(fileID string) string {
	if ct := mime.TypeByExtension(filepath.Ext(fileID)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// failBadInput builds the single-attempt-terminal outcome for content the
// submission will never pass on retry, per spec.md §7's
// permanent_bad_input classification.
func failBadInput(detail string) worker.ProcessResult {
	return worker.ProcessResult{Success: false, ErrorKind: resilience.KindPermanentBadInput, Detail: detail}
}
