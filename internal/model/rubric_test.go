package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterByMaxTier(t *testing.T) {
	t.Parallel()

	criteria := []RubricCriterion{
		{ID: "c0", Tier: 0, Key: "correctness"},
		{ID: "c1a", Tier: 1, Key: "clarity"},
		{ID: "c1b", Tier: 1, Key: "structure"},
		{ID: "c2", Tier: 2, Key: "style"},
		{ID: "c3", Tier: 3, Key: "bonus"},
	}

	t.Run("tier 0 returns only tier 0", func(t *testing.T) {
		t.Parallel()
		result := FilterByMaxTier(criteria, 0)
		assert.Len(t, result, 1)
		assert.Equal(t, "c0", result[0].ID)
	})

	t.Run("tier 1 returns tier 0 and tier 1", func(t *testing.T) {
		t.Parallel()
		result := FilterByMaxTier(criteria, 1)
		assert.Len(t, result, 3)
		ids := make([]string, len(result))
		for i, c := range result {
			ids[i] = c.ID
		}
		assert.Contains(t, ids, "c0")
		assert.Contains(t, ids, "c1a")
		assert.Contains(t, ids, "c1b")
	})

	t.Run("tier 2 returns tier 0 through 2", func(t *testing.T) {
		t.Parallel()
		result := FilterByMaxTier(criteria, 2)
		assert.Len(t, result, 4)
	})

	t.Run("tier 3 returns all", func(t *testing.T) {
		t.Parallel()
		result := FilterByMaxTier(criteria, 3)
		assert.Len(t, result, 5)
	})

	t.Run("invalid tier returns nil", func(t *testing.T) {
		t.Parallel()
		result := FilterByMaxTier(criteria, 99)
		assert.Nil(t, result)
	})

	t.Run("empty criteria returns nil", func(t *testing.T) {
		t.Parallel()
		result := FilterByMaxTier(nil, 1)
		assert.Nil(t, result)
	})

	t.Run("criteria with unrecognized tier excluded", func(t *testing.T) {
		t.Parallel()
		cs := []RubricCriterion{
			{ID: "c1", Tier: 1},
			{ID: "c_bad", Tier: -1},
		}
		result := FilterByMaxTier(cs, 3)
		assert.Len(t, result, 1)
		assert.Equal(t, "c1", result[0].ID)
	})
}
