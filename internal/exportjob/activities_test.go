package exportjob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/store"
)

// fakeStore follows the same embed-the-real-interface-as-nil pattern as
// internal/stagehandler/stagehandler_test.go's fakeStore: an unoverridden
// call panics rather than silently returning zero values.
type fakeStore struct {
	store.Store

	listSubmissionsFn func(ctx context.Context, filter store.SubmissionFilter) ([]model.Submission, error)
	getEvaluationFn   func(ctx context.Context, publicID string) (*model.Evaluation, error)
	listDeliveriesFn  func(ctx context.Context, publicID string) ([]model.Delivery, error)
}

func (f *fakeStore) ListSubmissions(ctx context.Context, filter store.SubmissionFilter) ([]model.Submission, error) {
	return f.listSubmissionsFn(ctx, filter)
}

func (f *fakeStore) GetEvaluation(ctx context.Context, publicID string) (*model.Evaluation, error) {
	return f.getEvaluationFn(ctx, publicID)
}

func (f *fakeStore) ListDeliveries(ctx context.Context, publicID string) ([]model.Delivery, error) {
	return f.listDeliveriesFn(ctx, publicID)
}

type fakeBlobstore struct {
	objects map[string][]byte
}

func newFakeBlobstore() *fakeBlobstore {
	return &fakeBlobstore{objects: make(map[string][]byte)}
}

func (b *fakeBlobstore) Put(ctx context.Context, submissionID string, stage model.Stage, schemaVersion string, data []byte) (model.ArtifactRef, error) {
	key := submissionID + "/" + string(stage) + "/" + schemaVersion
	b.objects[key] = data
	return model.ArtifactRef{Bucket: string(stage), ObjectKey: key, SchemaVersion: schemaVersion}, nil
}

func (b *fakeBlobstore) Get(ctx context.Context, ref model.ArtifactRef) ([]byte, error) {
	return b.objects[ref.ObjectKey], nil
}

func TestFetchRows_SkipsSubmissionsWithoutEvaluation(t *testing.T) {
	st := &fakeStore{
		listSubmissionsFn: func(_ context.Context, filter store.SubmissionFilter) ([]model.Submission, error) {
			assert.Equal(t, "cand_1", filter.CandidateID)
			return []model.Submission{
				{PublicID: "sub_1", CandidateID: "cand_1", AssignmentID: "asg_1", Status: model.StatusDelivered},
				{PublicID: "sub_2", CandidateID: "cand_1", AssignmentID: "asg_1", Status: model.StatusNormalized},
			}, nil
		},
		getEvaluationFn: func(_ context.Context, publicID string) (*model.Evaluation, error) {
			if publicID == "sub_1" {
				return &model.Evaluation{SubmissionID: "sub_1", Score: 8.5, Feedback: "great work"}, nil
			}
			return nil, nil
		},
		listDeliveriesFn: func(_ context.Context, publicID string) ([]model.Delivery, error) {
			return []model.Delivery{{SubmissionID: publicID, Channel: model.DeliveryChannelTelegram, CreatedAt: time.Unix(100, 0)}}, nil
		},
	}

	activities := &Activities{Store: st, Blobstore: newFakeBlobstore()}
	rows, err := activities.FetchRows(context.Background(), Request{CandidateID: "cand_1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sub_1", rows[0].SubmissionID)
	assert.Equal(t, 8.5, rows[0].Score)
	assert.Equal(t, 1, rows[0].DeliveryCount)
}

func TestRenderAndStore_WritesCSVByDefault(t *testing.T) {
	bs := newFakeBlobstore()
	activities := &Activities{Store: &fakeStore{}, Blobstore: bs}

	result, err := activities.RenderAndStore(context.Background(), RenderAndStoreInput{
		JobID: "export_1",
		Rows:  []Row{{SubmissionID: "sub_1", Score: 9}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowCount)
	assert.Equal(t, model.StageExport, model.Stage(result.ArtifactRef.Bucket))

	stored := bs.objects[result.ArtifactRef.ObjectKey]
	assert.Contains(t, string(stored), "sub_1")
}

func TestRenderAndStore_XLSXFormat(t *testing.T) {
	bs := newFakeBlobstore()
	activities := &Activities{Store: &fakeStore{}, Blobstore: bs}

	result, err := activities.RenderAndStore(context.Background(), RenderAndStoreInput{
		JobID:  "export_2",
		Format: "xlsx",
		Rows:   []Row{{SubmissionID: "sub_2", Score: 7}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowCount)
	stored := bs.objects[result.ArtifactRef.ObjectKey]
	assert.NotEmpty(t, stored)
}

func TestRenderAndStore_UnsupportedFormat(t *testing.T) {
	activities := &Activities{Store: &fakeStore{}, Blobstore: newFakeBlobstore()}
	_, err := activities.RenderAndStore(context.Background(), RenderAndStoreInput{
		JobID:  "export_3",
		Format: "pdf",
		Rows:   []Row{{SubmissionID: "sub_3"}},
	})
	assert.Error(t, err)
}
