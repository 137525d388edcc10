package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/submission-grader/internal/model"
)

// LocalStore is a filesystem-backed Store rooted at Dir. Each Put writes a
// new object keyed <submissionID>/<schemaVersion>-<uuid.New()>.json, so keys
// are never reused. Object keys are never shown to a caller of the public
// API, only stored on an ArtifactRef row.
type LocalStore struct {
	Dir string
}

// NewLocalStore returns a LocalStore rooted at dir. dir is created lazily on
// first Put, not here.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{Dir: dir}
}

func (s *LocalStore) Put(ctx context.Context, submissionID string, stage model.Stage, schemaVersion string, data []byte) (model.ArtifactRef, error) {
	bucket := string(stage)
	objectKey := fmt.Sprintf("%s/%s-%s.json", submissionID, schemaVersion, uuid.New().String())

	full := filepath.Join(s.Dir, bucket, objectKey)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return model.ArtifactRef{}, eris.Wrap(err, "blobstore: mkdir")
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return model.ArtifactRef{}, eris.Wrap(err, "blobstore: write file")
	}

	return model.ArtifactRef{
		Bucket:        bucket,
		ObjectKey:     objectKey,
		SchemaVersion: schemaVersion,
	}, nil
}

func (s *LocalStore) Get(ctx context.Context, ref model.ArtifactRef) ([]byte, error) {
	full := filepath.Join(s.Dir, ref.Bucket, ref.ObjectKey)
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, eris.Wrap(err, "blobstore: read file")
	}
	return data, nil
}

var _ Store = (*LocalStore)(nil)
