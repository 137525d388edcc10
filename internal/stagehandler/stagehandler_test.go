package stagehandler

import (
	"context"

	"github.com/sells-group/submission-grader/internal/model"
	"github.com/sells-group/submission-grader/internal/store"
)

// fakeStore embeds store.Store so each test overrides only the methods its
// handler exercises, following internal/scheduler/repository_test.go's
// pattern — an unoverridden call panics on the nil embedded interface
// rather than silently returning zero values.
type fakeStore struct {
	store.Store

	getLatestArtifactFn func(ctx context.Context, publicID string, stage model.Stage) (*model.Artifact, error)
	getSubmissionFn     func(ctx context.Context, publicID string) (*model.Submission, error)
	getEvaluationFn     func(ctx context.Context, publicID string) (*model.Evaluation, error)
	upsertEvaluationFn  func(ctx context.Context, e model.Evaluation) (*model.Evaluation, error)
	insertLLMRunFn      func(ctx context.Context, run model.LLMRun) error
	insertDeliveryFn    func(ctx context.Context, d model.Delivery) error
	listDeliveriesFn    func(ctx context.Context, publicID string) ([]model.Delivery, error)
}

func (f *fakeStore) GetLatestArtifact(ctx context.Context, publicID string, stage model.Stage) (*model.Artifact, error) {
	return f.getLatestArtifactFn(ctx, publicID, stage)
}

func (f *fakeStore) GetSubmission(ctx context.Context, publicID string) (*model.Submission, error) {
	return f.getSubmissionFn(ctx, publicID)
}

func (f *fakeStore) GetEvaluation(ctx context.Context, publicID string) (*model.Evaluation, error) {
	return f.getEvaluationFn(ctx, publicID)
}

func (f *fakeStore) UpsertEvaluation(ctx context.Context, e model.Evaluation) (*model.Evaluation, error) {
	return f.upsertEvaluationFn(ctx, e)
}

func (f *fakeStore) InsertLLMRun(ctx context.Context, run model.LLMRun) error {
	return f.insertLLMRunFn(ctx, run)
}

func (f *fakeStore) InsertDelivery(ctx context.Context, d model.Delivery) error {
	return f.insertDeliveryFn(ctx, d)
}

func (f *fakeStore) ListDeliveries(ctx context.Context, publicID string) ([]model.Delivery, error) {
	if f.listDeliveriesFn == nil {
		return nil, nil
	}
	return f.listDeliveriesFn(ctx, publicID)
}

// fakeBlobstore is an in-memory blobstore.Store keyed by object key, for
// tests that don't need internal/blobstore.LocalStore's filesystem I/O.
type fakeBlobstore struct {
	objects map[string][]byte
	putErr  error
	getErr  error
}

func newFakeBlobstore() *fakeBlobstore {
	return &fakeBlobstore{objects: make(map[string][]byte)}
}

func (b *fakeBlobstore) Put(ctx context.Context, submissionID string, stage model.Stage, schemaVersion string, data []byte) (model.ArtifactRef, error) {
	if b.putErr != nil {
		return model.ArtifactRef{}, b.putErr
	}
	key := submissionID + "/" + string(stage) + "/" + schemaVersion
	b.objects[key] = data
	return model.ArtifactRef{Bucket: string(stage), ObjectKey: key, SchemaVersion: schemaVersion}, nil
}

func (b *fakeBlobstore) Get(ctx context.Context, ref model.ArtifactRef) ([]byte, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	return b.objects[ref.ObjectKey], nil
}
