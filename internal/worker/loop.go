// Package worker implements the Worker Loop: the run_once tick that
// reclaims expired claims, takes one new claim, runs its stage handler under
// a concurrent heartbeat, and finalizes the outcome — spec.md §4.3.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/resilience"
)

// ClaimRepository is the subset of internal/scheduler.Repository's methods
// the worker loop calls. *scheduler.Repository satisfies this structurally;
// the indirection lets loop_test.go drive the loop against an in-memory
// fake without importing internal/store.
type ClaimRepository interface {
	ReclaimExpiredRetry(ctx context.Context, stage model.Stage, errorCode, errorMessage string) ([]string, error)
	ReclaimExpiredDeadLetter(ctx context.Context, stage model.Stage, errorCode, errorMessage string) ([]string, error)
	ClaimNext(ctx context.Context, stage model.Stage, workerID string, leaseSeconds int) (*model.Claim, error)
	HeartbeatClaim(ctx context.Context, publicID string, stage model.Stage, workerID string, leaseSeconds int) (bool, error)
	FinalizeSuccess(ctx context.Context, publicID string, stage model.Stage, workerID string) (bool, error)
	FinalizeFailureRetry(ctx context.Context, publicID string, stage model.Stage, workerID, errorCode, errorMessage string) (bool, error)
	FinalizeFailureTerminal(ctx context.Context, publicID string, stage model.Stage, workerID, errorCode, errorMessage string) (bool, error)
	LinkArtifact(ctx context.Context, publicID string, stage model.Stage, ref model.ArtifactRef) error
	MaxAttempts() int
}

// ProcessResult is what a stage handler returns: the outcome of processing
// one claim, classified enough for the loop to decide retry vs terminal.
type ProcessResult struct {
	Success     bool
	ErrorKind   resilience.Kind
	Detail      string
	ArtifactRef *model.ArtifactRef
}

// Handler is the Stage Handler contract (spec.md §4.4): a pure function of a
// claim and an opaque dependency bag assembled by the caller at bootstrap.
// Deps is `any` rather than a worker-owned struct because its shape is
// entirely stage-specific (internal/stagehandler defines the concrete type
// each handler expects and type-asserts it on entry) — the loop never
// inspects it.
type Handler func(ctx context.Context, claim model.Claim, deps any) (ProcessResult, error)

// Loop runs one stage's claim/lease/finalize lifecycle, invoked repeatedly
// by an internal/runnerloop.Runner.
type Loop struct {
	Repo              ClaimRepository
	Stage             model.Stage
	WorkerID          string
	LeaseSeconds      int
	HeartbeatInterval time.Duration
	Handler           Handler
	Deps              any
}

// RunOnce executes one tick and reports whether work was claimed. A non-nil
// error means a fatal_infrastructure failure (the repository itself is
// unreachable); the Runner applies error_backoff_ms and makes no submission
// state change.
func (l *Loop) RunOnce(ctx context.Context) (didWork bool, err error) {
	log := zap.L().With(zap.String("stage", string(l.Stage)), zap.String("worker_id", l.WorkerID))

	if _, err := l.Repo.ReclaimExpiredRetry(ctx, l.Stage, "retryable_resource", "lease expired, attempts remain"); err != nil {
		return false, eris.Wrap(err, "worker: reclaim expired retry")
	}
	if _, err := l.Repo.ReclaimExpiredDeadLetter(ctx, l.Stage, "retryable_resource", "lease expired, attempts exhausted"); err != nil {
		return false, eris.Wrap(err, "worker: reclaim expired dead letter")
	}

	claim, err := l.Repo.ClaimNext(ctx, l.Stage, l.WorkerID, l.LeaseSeconds)
	if err != nil {
		return false, eris.Wrap(err, "worker: claim next")
	}
	if claim == nil {
		return false, nil
	}

	log = log.With(zap.String("public_id", claim.PublicID), zap.Int("attempt", claim.Attempt))
	log.Debug("worker: claimed submission")

	result, handlerErr := l.runWithHeartbeat(ctx, *claim)

	if result.Success && result.ArtifactRef != nil {
		if err := l.Repo.LinkArtifact(ctx, claim.PublicID, l.Stage, *result.ArtifactRef); err != nil {
			log.Error("worker: link artifact failed", zap.Error(err))
		}
	}

	if result.Success {
		l.finalizeSuccess(ctx, log, *claim)
		return true, nil
	}

	kind := result.ErrorKind
	if kind == "" {
		kind = resilience.KindOf(handlerErr)
	}
	detail := result.Detail
	if detail == "" && handlerErr != nil {
		detail = handlerErr.Error()
	}
	l.finalizeFailure(ctx, log, *claim, kind, detail)
	return true, nil
}

// runWithHeartbeat invokes Handler under a cancellable context, concurrently
// renewing the claim's lease every HeartbeatInterval. The first failed
// heartbeat cancels the handler's context cooperatively and the result is
// reported as a lease-loss cancellation regardless of what the handler
// itself returned, per spec.md §4.3 step 3.
func (l *Loop) runWithHeartbeat(ctx context.Context, claim model.Claim) (ProcessResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	var (
		mu         sync.Mutex
		result     ProcessResult
		handlerErr error
		leaseLost  atomic.Bool
	)

	g.Go(func() error {
		defer close(done)
		r, err := l.Handler(gctx, claim, l.Deps)
		mu.Lock()
		result, handlerErr = r, err
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		if l.HeartbeatInterval <= 0 {
			<-done
			return nil
		}
		ticker := time.NewTicker(l.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				ok, err := l.Repo.HeartbeatClaim(ctx, claim.PublicID, l.Stage, l.WorkerID, l.LeaseSeconds)
				if err != nil {
					zap.L().Error("worker: heartbeat error", zap.String("public_id", claim.PublicID), zap.Error(err))
					continue
				}
				if !ok {
					leaseLost.Store(true)
					return eris.New("worker: lease lost")
				}
			}
		}
	})

	_ = g.Wait()

	mu.Lock()
	defer mu.Unlock()

	if leaseLost.Load() {
		return ProcessResult{Success: false, ErrorKind: resilience.KindCancelled, Detail: "lease lost to heartbeat failure"}, nil
	}
	return result, handlerErr
}

func (l *Loop) finalizeSuccess(ctx context.Context, log *zap.Logger, claim model.Claim) {
	ok, err := l.Repo.FinalizeSuccess(ctx, claim.PublicID, l.Stage, l.WorkerID)
	if err != nil {
		log.Error("worker: finalize_success failed", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("worker: finalize_success_rejected, lease already lost")
		return
	}
	log.Info("worker: submission succeeded")
}

// finalizeFailure implements spec.md §4.3 step 6's failure branch: permanent
// kinds dead-letter immediately without consuming an attempt;
// retryable kinds attempt finalize_failure_retry, escalating to
// finalize_failure_terminal once attempts are exhausted.
func (l *Loop) finalizeFailure(ctx context.Context, log *zap.Logger, claim model.Claim, kind resilience.Kind, detail string) {
	log = log.With(zap.String("error_kind", string(kind)))

	if kind == resilience.KindFatalInfrastructure {
		log.Error("worker: fatal infrastructure error, no state change", zap.String("detail", detail))
		return
	}

	if kind == resilience.KindCancelled {
		// Lease loss means another worker's reclaim already moved this
		// submission's state and incremented its attempt counter; this
		// worker must not also finalize, per spec.md §7's no-double-increment
		// note. Log and abandon.
		log.Warn("worker: handler cancelled by lease loss, abandoning without finalize", zap.String("detail", detail))
		return
	}

	if !kind.Retryable() {
		ok, err := l.Repo.FinalizeFailureTerminal(ctx, claim.PublicID, l.Stage, l.WorkerID, string(kind), detail)
		if err != nil {
			log.Error("worker: finalize_failure_terminal failed", zap.Error(err))
			return
		}
		if !ok {
			log.Warn("worker: finalize_failure_terminal_rejected, lease already lost")
			return
		}
		log.Warn("worker: submission dead-lettered", zap.String("detail", detail))
		return
	}

	ok, err := l.Repo.FinalizeFailureRetry(ctx, claim.PublicID, l.Stage, l.WorkerID, string(kind), detail)
	if err != nil {
		log.Error("worker: finalize_failure_retry failed", zap.Error(err))
		return
	}
	if ok {
		log.Info("worker: submission failed, retry scheduled", zap.String("detail", detail))
		return
	}

	if claim.Attempt+1 >= l.Repo.MaxAttempts() {
		ok2, err2 := l.Repo.FinalizeFailureTerminal(ctx, claim.PublicID, l.Stage, l.WorkerID, string(kind), detail)
		if err2 != nil {
			log.Error("worker: finalize_failure_terminal failed", zap.Error(err2))
			return
		}
		if !ok2 {
			log.Warn("worker: finalize_failure_terminal_rejected, lease already lost")
			return
		}
		log.Warn("worker: attempts exhausted, submission dead-lettered", zap.String("detail", detail))
		return
	}

	log.Warn("worker: finalize_failure_retry_rejected, lease already lost, abandoning")
}
