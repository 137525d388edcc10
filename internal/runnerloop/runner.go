// Package runnerloop implements the Runner: the outer loop that repeatedly
// calls a worker loop's run_once and sleeps according to what the tick
// reported — spec.md §4.5.
package runnerloop

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TickRunner is the subset of internal/worker.Loop's surface the Runner
// drives. *worker.Loop satisfies this structurally.
type TickRunner interface {
	RunOnce(ctx context.Context) (didWork bool, err error)
}

// Config controls the Runner's sleep cadence, mirroring spec.md §6's
// environment variable table one-for-one.
type Config struct {
	PollInterval time.Duration
	IdleBackoff  time.Duration
	ErrorBackoff time.Duration
}

// Counters is a point-in-time snapshot of the Runner's atomic counters. No
// HTTP endpoint reports it; GET /ready only checks that the store's Migrate
// call succeeds.
type Counters struct {
	TicksTotal     int64
	ClaimsTotal    int64
	IdleTicksTotal int64
	ErrorsTotal    int64
}

// Runner drives one TickRunner to completion or until its context is
// cancelled. Every counter is an unexported atomic.Int64 (read through
// Counters) so it can be read from a different goroutine than the one
// calling Run.
type Runner struct {
	loop TickRunner
	cfg  Config
	name string

	ticksTotal     atomic.Int64
	claimsTotal    atomic.Int64
	idleTicksTotal atomic.Int64
	errorsTotal    atomic.Int64

	enabled atomic.Bool
	ready   atomic.Bool
}

// New creates a Runner. name identifies the role/stage in logs (e.g.
// "worker-evaluate").
func New(name string, loop TickRunner, cfg Config) *Runner {
	r := &Runner{loop: loop, cfg: cfg, name: name}
	r.enabled.Store(true)
	return r
}

// Run blocks, calling run_once and sleeping per spec.md §4.5, until ctx is
// cancelled. It always returns nil; cancellation is the only exit path, by
// design — a Runner that exits on any single tick error would turn a
// transient repository blip into full role downtime.
func (r *Runner) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("runner", r.name))
	log.Info("runnerloop: starting")

	for {
		if ctx.Err() != nil {
			log.Info("runnerloop: stopping")
			return nil
		}

		r.ticksTotal.Add(1)
		didWork, err := r.loop.RunOnce(ctx)

		var sleep time.Duration
		switch {
		case err != nil:
			r.errorsTotal.Add(1)
			r.ready.Store(false)
			log.Error("runnerloop: tick errored", zap.Error(err))
			sleep = r.cfg.ErrorBackoff
		case didWork:
			r.claimsTotal.Add(1)
			r.ready.Store(true)
			sleep = r.cfg.PollInterval
		default:
			r.idleTicksTotal.Add(1)
			r.ready.Store(true)
			sleep = r.cfg.IdleBackoff
		}

		if !r.sleep(ctx, sleep) {
			log.Info("runnerloop: stopping")
			return nil
		}
	}
}

// sleep waits for d or ctx cancellation, returning false if ctx was
// cancelled first so Run can exit immediately rather than after a full
// backoff period.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Enabled reports whether this Runner is wired to run its stage at all. It
// always returns true: nothing in this package turns a Runner off. No HTTP
// endpoint reports Enabled, Ready or Counters.
func (r *Runner) Enabled() bool {
	return r.enabled.Load()
}

// Ready reports whether the most recently completed tick succeeded
// (claimed work or found none) rather than erroring.
func (r *Runner) Ready() bool {
	return r.ready.Load()
}

// Counters returns a snapshot of the Runner's tick counters.
func (r *Runner) Counters() Counters {
	return Counters{
		TicksTotal:     r.ticksTotal.Load(),
		ClaimsTotal:    r.claimsTotal.Load(),
		IdleTicksTotal: r.idleTicksTotal.Load(),
		ErrorsTotal:    r.errorsTotal.Load(),
	}
}
