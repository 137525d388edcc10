package model

import "time"

// Artifact is an append-only record of a blob produced by one stage for one
// submission. The latest artifact for a stage is the row with the greatest
// (CreatedAt, ID); readers never mutate or delete prior rows, so duplicate
// writes from a re-executed idempotent handler are harmless.
type Artifact struct {
	ID            int64     `json:"id,omitempty"`
	SubmissionID  string    `json:"submission_id"`
	Stage         Stage     `json:"stage"`
	Bucket        string    `json:"bucket"`
	ObjectKey     string    `json:"object_key"`
	SchemaVersion string    `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// ArtifactRef identifies an artifact independent of its storage backend;
// stage handlers return an ArtifactRef and the worker loop performs the
// LinkArtifact call.
type ArtifactRef struct {
	Bucket        string
	ObjectKey     string
	SchemaVersion string
}
