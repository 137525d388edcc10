// Package blobstore stores the byte payloads stage handlers produce as
// artifacts, addressed by the model.ArtifactRef the worker loop links to a
// submission's row in internal/store. Writes are tolerant of duplicates: a
// handler re-executed after a crash writes under a freshly generated object
// key, and the store's latest-artifact read picks the newest row — the
// object store itself never needs to deduplicate.
package blobstore

import (
	"context"

	"github.com/sells-group/submission-grader/internal/model"
)

// Store persists and retrieves artifact payloads for one stage of one
// submission.
type Store interface {
	// Put writes data under a freshly generated object key scoped to
	// submissionID and stage, returning the ArtifactRef the caller should
	// pass to the Claim Repository's LinkArtifact.
	Put(ctx context.Context, submissionID string, stage model.Stage, schemaVersion string, data []byte) (model.ArtifactRef, error)

	// Get reads back the payload a Ref points to.
	Get(ctx context.Context, ref model.ArtifactRef) ([]byte, error)
}
