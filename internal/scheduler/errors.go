package scheduler

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/submission-grader/internal/model"
)

func unknownStageError(stage model.Stage) error {
	return eris.Errorf("scheduler: unknown stage %q", stage)
}

func illegalTransitionError(from, to model.Status) error {
	return eris.Errorf("scheduler: illegal transition %s -> %s", from, to)
}
