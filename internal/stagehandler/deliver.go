package stagehandler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/resilience"
	"github.com/sells-group/submission-grader/internal/worker"
)

// Deliver sends the submission's scored feedback to whichever channels are
// configured (Telegram, Salesforce, or both) and records one Delivery row
// per channel reached. Already-delivered channels are skipped on
// re-execution so a crash-and-retry never double-sends the same feedback —
// the idempotence spec.md §4.4 requires, applied at the side-effect layer
// rather than relying on the append-only Delivery table alone.
func Deliver(ctx context.Context, claim model.Claim, rawDeps any) (worker.ProcessResult, error) {
	deps, ok := rawDeps.(Deps)
	if !ok {
		return worker.ProcessResult{}, eris.New("stagehandler: deliver: deps has wrong type")
	}

	submission, err := deps.Store.GetSubmission(ctx, claim.PublicID)
	if err != nil {
		return worker.ProcessResult{}, eris.Wrap(err, "stagehandler: deliver: get submission")
	}
	if submission == nil {
		return failBadInput("deliver: submission not found"), nil
	}

	evaluation, err := deps.Store.GetEvaluation(ctx, claim.PublicID)
	if err != nil {
		return worker.ProcessResult{}, eris.Wrap(err, "stagehandler: deliver: get evaluation")
	}
	if evaluation == nil {
		return failBadInput("deliver: no evaluation found"), nil
	}

	already, err := deps.Store.ListDeliveries(ctx, claim.PublicID)
	if err != nil {
		return worker.ProcessResult{}, eris.Wrap(err, "stagehandler: deliver: list prior deliveries")
	}
	done := make(map[model.DeliveryChannel]bool, len(already))
	for _, d := range already {
		done[d.Channel] = true
	}

	text := renderFeedback(*evaluation)
	var receipts []channelReceipt

	if deps.Telegram != nil && !done[model.DeliveryChannelTelegram] {
		chatID, err := telegramChatID(ctx, deps, claim.PublicID)
		if err != nil {
			return worker.ProcessResult{}, eris.Wrap(err, "stagehandler: deliver: resolve telegram chat id")
		}
		if chatID != 0 {
			messageID, err := deps.Telegram.SendMessage(ctx, chatID, text)
			if err != nil {
				return worker.ProcessResult{}, resilience.Classify(err, resilience.KindRetryableTransient)
			}
			receipt := model.Delivery{
				SubmissionID:      claim.PublicID,
				Channel:           model.DeliveryChannelTelegram,
				ExternalMessageID: strconv.FormatInt(messageID, 10),
			}
			if err := deps.Store.InsertDelivery(ctx, receipt); err != nil {
				return worker.ProcessResult{}, resilience.Classify(err, resilience.KindFatalInfrastructure)
			}
			receipts = append(receipts, channelReceipt{Channel: string(model.DeliveryChannelTelegram), ExternalMessageID: receipt.ExternalMessageID})
		}
	}

	if deps.Salesforce != nil && !done[model.DeliveryChannelSalesforce] {
		recordID, err := deps.Salesforce.DeliverFeedback(ctx, submission.CandidateID, *evaluation)
		if err != nil {
			return worker.ProcessResult{}, resilience.Classify(err, resilience.KindRetryableTransient)
		}
		receipt := model.Delivery{
			SubmissionID:      claim.PublicID,
			Channel:           model.DeliveryChannelSalesforce,
			ExternalMessageID: recordID,
		}
		if err := deps.Store.InsertDelivery(ctx, receipt); err != nil {
			return worker.ProcessResult{}, resilience.Classify(err, resilience.KindFatalInfrastructure)
		}
		receipts = append(receipts, channelReceipt{Channel: string(model.DeliveryChannelSalesforce), ExternalMessageID: receipt.ExternalMessageID})
	}

	payload, err := json.Marshal(deliveryArtifact{Channels: receipts})
	if err != nil {
		return worker.ProcessResult{}, eris.Wrap(err, "stagehandler: deliver: marshal delivery artifact")
	}

	ref, err := deps.Blobstore.Put(ctx, claim.PublicID, model.StageDeliver, schemaDeliveryReceipt, payload)
	if err != nil {
		return worker.ProcessResult{}, resilience.Classify(err, resilience.KindFatalInfrastructure)
	}

	return worker.ProcessResult{Success: true, ArtifactRef: &ref}, nil
}

// telegramChatID recovers the chat the submission originated from by
// re-reading the ingest stage's resolved artifact, which carries the
// chat id alongside the raw content. Direct API uploads never populate it,
// so a zero return means "no Telegram channel for this submission".
func telegramChatID(ctx context.Context, deps Deps, publicID string) (int64, error) {
	artifact, err := deps.Store.GetLatestArtifact(ctx, publicID, model.StageTelegramIngest)
	if err != nil {
		return 0, err
	}
	if artifact == nil {
		return 0, nil
	}
	raw, err := deps.Blobstore.Get(ctx, model.ArtifactRef{
		Bucket:        artifact.Bucket,
		ObjectKey:     artifact.ObjectKey,
		SchemaVersion: artifact.SchemaVersion,
	})
	if err != nil {
		return 0, err
	}
	var content rawContentArtifact
	if err := json.Unmarshal(raw, &content); err != nil {
		return 0, nil
	}
	return content.SourceChat, nil
}

// renderFeedback formats the evaluation into the plain-text message sent to
// delivery channels that render text (currently Telegram).
func renderFeedback(e model.Evaluation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your submission scored %.1f/10.\n\n", e.Score)
	for _, c := range e.CriterionScores {
		fmt.Fprintf(&b, "- %s: %.1f — %s\n", c.CriterionKey, c.Score, c.Feedback)
	}
	if e.Feedback != "" {
		b.WriteString("\n" + e.Feedback)
	}
	return b.String()
}
