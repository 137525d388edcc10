package resilience

import (
	"errors"
	"testing"
)

func TestDLQEntry_CanRetry(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"below max", 0, 3, true},
		{"at max", 3, 3, false},
		{"above max", 5, 3, false},
		{"one below max", 2, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DLQEntry{
				RetryCount: tt.retryCount,
				MaxRetries: tt.maxRetries,
			}
			if got := e.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient error", NewTransientError(errors.New("503"), 503), "transient"},
		{"permanent error", errors.New("invalid input"), "permanent"},
		{"connection reset", errors.New("connection reset by peer"), "transient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDLQEntry_SubmissionAndStage(t *testing.T) {
	e := DLQEntry{
		SubmissionID: "sub_01HQZX",
		Stage:        "evaluate",
		Kind:         KindFatalInfrastructure,
	}
	if e.SubmissionID != "sub_01HQZX" {
		t.Errorf("expected submission ID, got %q", e.SubmissionID)
	}
	if e.Kind != KindFatalInfrastructure {
		t.Errorf("expected kind fatal_infrastructure, got %q", e.Kind)
	}
}

func TestKindOf_ClassifiedErrorRoundTrips(t *testing.T) {
	err := Classify(errors.New("rubric criterion missing weight"), KindPermanentBadInput)
	if got := KindOf(err); got != KindPermanentBadInput {
		t.Errorf("KindOf() = %q, want %q", got, KindPermanentBadInput)
	}
}

func TestKindOf_UnclassifiedTransientDefaultsRetryable(t *testing.T) {
	err := errors.New("connection reset by peer")
	if got := KindOf(err); got != KindRetryableTransient {
		t.Errorf("KindOf() = %q, want %q", got, KindRetryableTransient)
	}
}

func TestKind_Retryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindRetryableTransient, true},
		{KindRetryableResource, true},
		{KindPermanentBadInput, false},
		{KindPermanentBusiness, false},
		{KindCancelled, false},
		{KindFatalInfrastructure, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Retryable(); got != tt.want {
			t.Errorf("Kind(%q).Retryable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
