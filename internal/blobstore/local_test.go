package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/submission-grader/internal/model"
)

func TestLocalStore_PutGet_RoundTrips(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	data := []byte(`{"score": 0.91}`)

	ref, err := s.Put(context.Background(), "sub_01", model.StageEvaluate, "v1", data)
	require.NoError(t, err)
	assert.Equal(t, "evaluate", ref.Bucket)
	assert.Equal(t, "v1", ref.SchemaVersion)
	assert.Contains(t, ref.ObjectKey, "sub_01/v1-")

	got, err := s.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalStore_Put_GeneratesDistinctKeysForSameSubmission(t *testing.T) {
	s := NewLocalStore(t.TempDir())

	ref1, err := s.Put(context.Background(), "sub_01", model.StageNormalize, "v1", []byte("a"))
	require.NoError(t, err)
	ref2, err := s.Put(context.Background(), "sub_01", model.StageNormalize, "v1", []byte("b"))
	require.NoError(t, err)

	assert.NotEqual(t, ref1.ObjectKey, ref2.ObjectKey)

	got1, err := s.Get(context.Background(), ref1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got1)

	got2, err := s.Get(context.Background(), ref2)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got2)
}

func TestLocalStore_Get_MissingObjectReturnsError(t *testing.T) {
	s := NewLocalStore(t.TempDir())

	_, err := s.Get(context.Background(), model.ArtifactRef{Bucket: "evaluate", ObjectKey: "nonexistent.json", SchemaVersion: "v1"})
	assert.Error(t, err)
}
