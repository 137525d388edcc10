package model

// Stage identifies one of the four processing stages a submission passes
// through. The scheduler never branches on stage via interfaces or dynamic
// dispatch; every stage-aware operation is a compile-time switch over this
// enum selecting one precomputed statement or descriptor.
type Stage string

const (
	StageTelegramIngest Stage = "telegram_ingest"
	StageNormalize      Stage = "normalize"
	StageEvaluate       Stage = "evaluate"
	StageDeliver        Stage = "deliver"

	// StageExport addresses exportjob output in the blobstore. It is not a
	// claim-repository stage: it has no descriptor, no attempt column, and
	// never appears in Stages() or the state machine's legal edges. It exists
	// only so internal/exportjob can reuse blobstore.Store's bucket-per-stage
	// addressing instead of a second storage interface.
	StageExport Stage = "export"
)

// Status is one of the fourteen legal submission states.
type Status string

const (
	StatusTelegramUpdateReceived   Status = "telegram_update_received"
	StatusTelegramIngestInProgress Status = "telegram_ingest_in_progress"
	StatusUploaded                 Status = "uploaded"
	StatusNormalizationInProgress  Status = "normalization_in_progress"
	StatusNormalized               Status = "normalized"
	StatusEvaluationInProgress     Status = "evaluation_in_progress"
	StatusEvaluated                Status = "evaluated"
	StatusDeliveryInProgress       Status = "delivery_in_progress"
	StatusDelivered                Status = "delivered" // terminal, success

	StatusFailedTelegramIngest Status = "failed_telegram_ingest"
	StatusFailedNormalization  Status = "failed_normalization"
	StatusFailedEvaluation     Status = "failed_evaluation"
	StatusFailedDelivery       Status = "failed_delivery"
	StatusDeadLetter           Status = "dead_letter" // terminal, failure
)

// IsTerminal reports whether status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusDeadLetter
}

// AllStatuses lists every legal value, matching the store's CHECK constraint.
func AllStatuses() []Status {
	return []Status{
		StatusTelegramUpdateReceived,
		StatusTelegramIngestInProgress,
		StatusUploaded,
		StatusNormalizationInProgress,
		StatusNormalized,
		StatusEvaluationInProgress,
		StatusEvaluated,
		StatusDeliveryInProgress,
		StatusDelivered,
		StatusFailedTelegramIngest,
		StatusFailedNormalization,
		StatusFailedEvaluation,
		StatusFailedDelivery,
		StatusDeadLetter,
	}
}

// StageDescriptor parameterizes the generic worker loop and claim repository
// for one stage: its pre-state, in-progress state, success state, failure
// state, and the attempt-counter column it owns. The four descriptors are the
// only place stage differences are expressed; there is no per-stage subtype.
type StageDescriptor struct {
	Stage         Stage
	PreStatus     Status
	InProgress    Status
	SuccessStatus Status
	FailStatus    Status
	AttemptColumn string
}

var stageDescriptors = map[Stage]StageDescriptor{
	StageTelegramIngest: {
		Stage:         StageTelegramIngest,
		PreStatus:     StatusTelegramUpdateReceived,
		InProgress:    StatusTelegramIngestInProgress,
		SuccessStatus: StatusUploaded,
		FailStatus:    StatusFailedTelegramIngest,
		AttemptColumn: "attempt_telegram_ingest",
	},
	StageNormalize: {
		Stage:         StageNormalize,
		PreStatus:     StatusUploaded,
		InProgress:    StatusNormalizationInProgress,
		SuccessStatus: StatusNormalized,
		FailStatus:    StatusFailedNormalization,
		AttemptColumn: "attempt_normalization",
	},
	StageEvaluate: {
		Stage:         StageEvaluate,
		PreStatus:     StatusNormalized,
		InProgress:    StatusEvaluationInProgress,
		SuccessStatus: StatusEvaluated,
		FailStatus:    StatusFailedEvaluation,
		AttemptColumn: "attempt_evaluation",
	},
	StageDeliver: {
		Stage:         StageDeliver,
		PreStatus:     StatusEvaluated,
		InProgress:    StatusDeliveryInProgress,
		SuccessStatus: StatusDelivered,
		FailStatus:    StatusFailedDelivery,
		AttemptColumn: "attempt_delivery",
	},
}

// Stages lists the four stages in pipeline order.
func Stages() []Stage {
	return []Stage{StageTelegramIngest, StageNormalize, StageEvaluate, StageDeliver}
}

// DescriptorFor returns the stage descriptor for s from a fixed map (the
// stage set is closed and known); ok is false for an unknown stage.
func DescriptorFor(s Stage) (StageDescriptor, bool) {
	d, ok := stageDescriptors[s]
	return d, ok
}

// legalEdges enumerates every (from, to) pair reachable by a single
// scheduler or ingress operation, used to validate transition legality in
// tests and in TransitionState callers.
var legalEdges = buildLegalEdges()

func buildLegalEdges() map[[2]Status]bool {
	edges := map[[2]Status]bool{
		{StatusTelegramUpdateReceived, StatusTelegramIngestInProgress}: true,
	}
	for _, d := range stageDescriptors {
		edges[[2]Status{d.PreStatus, d.InProgress}] = true
		edges[[2]Status{d.InProgress, d.SuccessStatus}] = true
		edges[[2]Status{d.InProgress, d.FailStatus}] = true
		edges[[2]Status{d.InProgress, StatusDeadLetter}] = true
	}
	return edges
}

// IsLegalTransition reports whether to is reachable from from via exactly one
// edge in the state graph of spec §4.2.
func IsLegalTransition(from, to Status) bool {
	return legalEdges[[2]Status{from, to}]
}
