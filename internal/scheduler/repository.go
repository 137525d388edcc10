// Package scheduler implements the Claim Repository: the nine operations
// (claim_next through link_artifact) a worker loop uses to take, hold,
// renew, and release exclusive ownership of one submission's current stage.
// Every method is a thin, logged pass-through to internal/store.Store — the
// WHERE-clause preconditions that make these operations safe live in the
// store implementation; this package exists so internal/worker depends on a
// narrow, stage-parameterized interface rather than the full Store surface.
package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/store"
)

// Repository is the Claim Repository's runtime implementation, backed by a
// store.Store. One Repository is shared by every worker process's Runner for
// a given stage; it carries no per-claim state.
type Repository struct {
	store       store.Store
	maxAttempts int
}

// New creates a Repository. maxAttempts bounds the attempt counter every
// stage descriptor owns (spec.md §4.1's max_attempts parameter); it is the
// same ceiling for all four stages unless a future spec revision wants
// per-stage limits, at which point Config would grow a per-stage map.
func New(st store.Store, maxAttempts int) *Repository {
	return &Repository{store: st, maxAttempts: maxAttempts}
}

// ClaimNext attempts to take ownership of the oldest eligible submission for
// stage, returning nil (no error) when nothing is claimable.
func (r *Repository) ClaimNext(ctx context.Context, stage model.Stage, workerID string, leaseSeconds int) (*model.Claim, error) {
	claim, err := r.store.ClaimNext(ctx, stage, workerID, leaseSeconds)
	if err != nil {
		return nil, err
	}
	if claim != nil {
		zap.L().Debug("scheduler: claimed",
			zap.String("public_id", claim.PublicID),
			zap.String("stage", string(stage)),
			zap.String("worker_id", workerID),
			zap.Int("attempt", claim.Attempt),
		)
	}
	return claim, nil
}

// HeartbeatClaim renews publicID's lease. A false return means the lease
// was lost and the caller must cancel its handler.
func (r *Repository) HeartbeatClaim(ctx context.Context, publicID string, stage model.Stage, workerID string, leaseSeconds int) (bool, error) {
	_, ok := model.DescriptorFor(stage)
	if !ok {
		return false, unknownStageError(stage)
	}
	ok2, err := r.store.HeartbeatClaim(ctx, publicID, stage, workerID, leaseSeconds)
	if err != nil {
		return false, err
	}
	if !ok2 {
		zap.L().Warn("scheduler: lease lost on heartbeat",
			zap.String("public_id", publicID),
			zap.String("stage", string(stage)),
			zap.String("worker_id", workerID),
		)
	}
	return ok2, nil
}

// FinalizeSuccess moves publicID to the stage's success status, clearing
// lease and error fields. A false return means the lease was lost between
// claim and finalize; the caller must log and abandon, not retry.
func (r *Repository) FinalizeSuccess(ctx context.Context, publicID string, stage model.Stage, workerID string) (bool, error) {
	_, ok := model.DescriptorFor(stage)
	if !ok {
		return false, unknownStageError(stage)
	}
	return r.store.FinalizeSuccess(ctx, publicID, stage, workerID)
}

// FinalizeFailureRetry records one failed attempt and returns publicID to
// the stage's failure status, gated on attempts remaining. A false return
// means either the lease was lost, or attempts are exhausted — the caller
// must then call FinalizeFailureTerminal.
func (r *Repository) FinalizeFailureRetry(ctx context.Context, publicID string, stage model.Stage, workerID, errorCode, errorMessage string) (bool, error) {
	_, ok := model.DescriptorFor(stage)
	if !ok {
		return false, unknownStageError(stage)
	}
	return r.store.FinalizeFailureRetry(ctx, publicID, stage, workerID, r.maxAttempts, errorCode, errorMessage)
}

// FinalizeFailureTerminal moves publicID to dead_letter, used once
// FinalizeFailureRetry reports attempts exhausted.
func (r *Repository) FinalizeFailureTerminal(ctx context.Context, publicID string, stage model.Stage, workerID, errorCode, errorMessage string) (bool, error) {
	_, ok := model.DescriptorFor(stage)
	if !ok {
		return false, unknownStageError(stage)
	}
	return r.store.FinalizeFailureTerminal(ctx, publicID, stage, workerID, errorCode, errorMessage)
}

// ReclaimExpiredRetry returns expired in-progress claims for stage to the
// stage's failure status (attempts remain), incrementing the attempt
// counter. Called once per tick ahead of ClaimNext.
func (r *Repository) ReclaimExpiredRetry(ctx context.Context, stage model.Stage, errorCode, errorMessage string) ([]string, error) {
	desc, ok := model.DescriptorFor(stage)
	if !ok {
		return nil, unknownStageError(stage)
	}
	ids, err := r.store.ReclaimExpiredRetry(ctx, desc.Stage, r.maxAttempts, errorCode, errorMessage)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		zap.L().Info("scheduler: reclaimed expired claims for retry",
			zap.String("stage", string(stage)),
			zap.Int("count", len(ids)),
		)
	}
	return ids, nil
}

// ReclaimExpiredDeadLetter dead-letters expired in-progress claims for stage
// whose attempts are exhausted. Partitions the expired set together with
// ReclaimExpiredRetry.
func (r *Repository) ReclaimExpiredDeadLetter(ctx context.Context, stage model.Stage, errorCode, errorMessage string) ([]string, error) {
	desc, ok := model.DescriptorFor(stage)
	if !ok {
		return nil, unknownStageError(stage)
	}
	ids, err := r.store.ReclaimExpiredDeadLetter(ctx, desc.Stage, r.maxAttempts, errorCode, errorMessage)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		zap.L().Warn("scheduler: reclaimed expired claims to dead letter",
			zap.String("stage", string(stage)),
			zap.Int("count", len(ids)),
		)
	}
	return ids, nil
}

// TransitionState performs an unconditional stage-agnostic status edge, used
// by HTTP ingress (e.g. telegram_update_received → uploaded is NOT this —
// that edge is a stage claim; TransitionState is for ingress-only edges that
// have no in-progress/lease semantics).
func (r *Repository) TransitionState(ctx context.Context, publicID string, from, to model.Status) (bool, error) {
	if !model.IsLegalTransition(from, to) {
		return false, illegalTransitionError(from, to)
	}
	return r.store.TransitionState(ctx, publicID, from, to)
}

// LinkArtifact appends an artifact record, called by the worker loop between
// a successful handler invocation and finalize.
func (r *Repository) LinkArtifact(ctx context.Context, publicID string, stage model.Stage, ref model.ArtifactRef) error {
	return r.store.LinkArtifact(ctx, publicID, stage, ref)
}

// MaxAttempts returns the attempt ceiling this Repository enforces, exposed
// for stage handlers that want to log remaining-attempts context.
func (r *Repository) MaxAttempts() int {
	return r.maxAttempts
}
