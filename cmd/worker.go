package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/runnerloop"
	"github.com/sells-group/submission-grader/internal/scheduler"
	"github.com/sells-group/submission-grader/internal/stagehandler"
	"github.com/sells-group/submission-grader/internal/worker"
)

// maxAttempts bounds the attempt counter every stage descriptor owns
// (spec.md §4.1). One ceiling for all four stages, matching
// scheduler.Repository's single-argument constructor.
const maxAttempts = 3

// newWorkerCmd builds one role's cobra subcommand: validate config for
// role, open the store and blobstore, assemble stagehandler.Deps, and drive
// a runnerloop.Runner bound to stage until the process is signalled to
// stop. The four worker-* subcommands below are this function applied to
// the four stage descriptors — the teacher's per-subcommand files
// (run.go, batch.go, fedsync.go) each hand-roll their own bootstrap; here
// the bootstrap is identical across roles except for stage and role name,
// so one constructor replaces four near-duplicate files.
func newWorkerCmd(use, short, role string, stage model.Stage) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(role); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			bs, err := initBlobstore()
			if err != nil {
				return err
			}

			deps, err := buildStageDeps(ctx, st, bs)
			if err != nil {
				return eris.Wrap(err, "build stage dependencies")
			}

			handler, ok := stagehandler.Handlers()[stage]
			if !ok {
				return eris.Errorf("no handler registered for stage %q", stage)
			}

			repo := scheduler.New(st, maxAttempts)
			loop := &worker.Loop{
				Repo:              repo,
				Stage:             stage,
				WorkerID:          workerID(role),
				LeaseSeconds:      cfg.Worker.ClaimLeaseSeconds,
				HeartbeatInterval: cfg.Worker.HeartbeatInterval(),
				Handler:           handler,
				Deps:              deps,
			}

			if dryRunStartup {
				zap.L().Info("dry run startup ok", zap.String("role", role))
				return nil
			}

			runner := runnerloop.New(role, loop, runnerloop.Config{
				PollInterval: cfg.Worker.PollInterval(),
				IdleBackoff:  cfg.Worker.IdleBackoff(),
				ErrorBackoff: cfg.Worker.ErrorBackoff(),
			})
			return runner.Run(ctx)
		},
	}
}

// workerID derives this process's worker identity for claim_next/heartbeat,
// distinct per role and PID so two instances of the same role never collide
// in logs even though the database only needs claimed_by to be unique
// per-row, not globally.
func workerID(role string) string {
	return fmt.Sprintf("%s-%d", role, pid())
}

func init() {
	rootCmd.AddCommand(newWorkerCmd(
		"worker-ingest-telegram",
		"Resolve telegram_update_received submissions into uploaded content",
		"worker-ingest-telegram",
		model.StageTelegramIngest,
	))
	rootCmd.AddCommand(newWorkerCmd(
		"worker-normalize",
		"Extract plain text from uploaded submission content",
		"worker-normalize",
		model.StageNormalize,
	))
	rootCmd.AddCommand(newWorkerCmd(
		"worker-evaluate",
		"Score normalized submissions against the assignment rubric",
		"worker-evaluate",
		model.StageEvaluate,
	))
	rootCmd.AddCommand(newWorkerCmd(
		"worker-deliver",
		"Deliver evaluation feedback to configured channels",
		"worker-deliver",
		model.StageDeliver,
	))
}
