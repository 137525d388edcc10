package stagehandler

import "github.com/sells-group/submission-grader/internal/model"

// Schema versions stamped on each stage's artifact payload. A handler that
// reads a prior-stage artifact whose SchemaVersion it does not recognize
// classifies the failure permanent_bad_input under deps.ArtifactStrict,
// per spec.md §7.
const (
	schemaTelegramPointer  = "telegram_pointer.v1"
	schemaTelegramResolved = "telegram_ingest.v1"
	schemaNormalized       = "normalize.v1"
	schemaEvaluationResult = "evaluate.v1"
	schemaDeliveryReceipt  = "deliver.v1"
)

// telegramPointer is the payload the HTTP ingress writes at
// model.StageTelegramIngest before any worker claims the submission — just
// enough for the ingest stage handler to resolve it into actual file bytes.
// Direct API uploads skip this entirely and write rawContentArtifact
// straight into the same bucket, since they need no worker resolution step.
type telegramPointer struct {
	FileID  string `json:"file_id"`
	ChatID  int64  `json:"chat_id"`
	Caption string `json:"caption,omitempty"`
}

// rawContentArtifact is the resolved output of the ingest stage (and, for
// direct uploads, what the HTTP ingress writes itself): the submission's
// raw bytes plus enough context for the normalize stage to make sense of
// them.
type rawContentArtifact struct {
	Content     []byte `json:"content"`
	ContentType string `json:"content_type"`
	Caption     string `json:"caption,omitempty"`
	SourceChat  int64  `json:"source_chat_id,omitempty"`
}

// normalizedArtifact is the normalize stage's output: plain text extracted
// from rawContentArtifact, ready for the evaluate stage's prompt.
type normalizedArtifact struct {
	Text string `json:"text"`
}

// evaluationArtifact mirrors the persisted model.Evaluation for the subset
// the evaluate stage writes as its artifact payload (the evaluation row
// itself is upserted separately via store.UpsertEvaluation).
type evaluationArtifact struct {
	Score           float64                 `json:"score"`
	CriterionScores []model.CriterionScore  `json:"criterion_scores"`
	Feedback        string                  `json:"feedback"`
}

// deliveryArtifact records which channels a delivery attempt reached and
// with what external message ids, mirroring the model.Delivery rows the
// handler also inserts.
type deliveryArtifact struct {
	Channels []channelReceipt `json:"channels"`
}

type channelReceipt struct {
	Channel           string `json:"channel"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
}
