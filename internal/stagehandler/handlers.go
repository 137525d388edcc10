package stagehandler

import (
	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/worker"
)

// Handlers returns the table of stage handlers bootstrap wires onto a
// worker.Loop per role, per the REDESIGN FLAG against dynamic dispatch over
// stages: one map literal, no interface hierarchy.
func Handlers() map[model.Stage]worker.Handler {
	return map[model.Stage]worker.Handler{
		model.StageTelegramIngest: TelegramIngest,
		model.StageNormalize:      Normalize,
		model.StageEvaluate:       Evaluate,
		model.StageDeliver:        Deliver,
	}
}
