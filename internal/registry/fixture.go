package registry

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/submission-grader/internal/model"
)

// LoadRubricFromFile reads a JSON array of model.RubricCriterion from the
// given path. Used to run the evaluate stage in --dry-run-startup or local
// development without a live Notion connection.
func LoadRubricFromFile(path string) ([]model.RubricCriterion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read rubric fixture")
	}

	var criteria []model.RubricCriterion
	if err := json.Unmarshal(data, &criteria); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal rubric fixture")
	}

	return criteria, nil
}

// LoadFieldsFromFile reads a JSON array of model.FieldMapping from the given
// path and returns an indexed FieldRegistry.
func LoadFieldsFromFile(path string) (*model.FieldRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read fields fixture")
	}

	var fields []model.FieldMapping
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal fields fixture")
	}

	return model.NewFieldRegistry(fields), nil
}
