package model

// RubricCriterion is one scored dimension of an assignment's rubric,
// sourced from the registry (internal/registry) and consulted by the
// evaluate stage handler when it builds the LLM prompt and scores the
// result. It is read-only at runtime: criteria are edited in the registry,
// not by the scheduler.
type RubricCriterion struct {
	ID           string   `json:"id"`
	Key          string   `json:"key"`
	Text         string   `json:"text"`
	Weight       float64  `json:"weight"`
	Tier         int      `json:"tier"`
	AssignmentTypes []string `json:"assignment_types"`
	Instructions string   `json:"instructions"`
	OutputFormat string   `json:"output_format"`
	Status       string   `json:"status"`
}

// validTiers is the closed set of recognized criticality tiers. Tier 0 is
// most critical (a must-have); tier 3 is supplementary.
var validTiers = map[int]bool{0: true, 1: true, 2: true, 3: true}

// FilterByMaxTier returns criteria at or above the given criticality tier.
// For example, maxTier 1 returns tier 0 and tier 1 criteria. Criteria with an
// unrecognized tier are excluded.
func FilterByMaxTier(criteria []RubricCriterion, maxTier int) []RubricCriterion {
	if !validTiers[maxTier] {
		return nil
	}
	var result []RubricCriterion
	for _, c := range criteria {
		if !validTiers[c.Tier] {
			continue
		}
		if c.Tier <= maxTier {
			result = append(result, c)
		}
	}
	return result
}
