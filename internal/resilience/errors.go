package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a stage handler failure into one of the six buckets the
// worker loop and scheduler branch on when deciding whether a failure is
// retryable, terminal, or requires operator attention.
type Kind string

const (
	// KindRetryableTransient covers network blips, timeouts, and 5xx/429
	// responses from an external dependency — retry with backoff.
	KindRetryableTransient Kind = "retryable_transient"
	// KindRetryableResource covers exhaustion of a bounded resource (rate
	// limit, connection pool, disk space) expected to free up — retry with
	// backoff, typically longer than KindRetryableTransient.
	KindRetryableResource Kind = "retryable_resource"
	// KindPermanentBadInput covers malformed or unsupported submission
	// content that will fail identically on every retry — dead-letter
	// immediately without consuming attempts.
	KindPermanentBadInput Kind = "permanent_bad_input"
	// KindPermanentBusiness covers a domain rule rejecting the submission
	// (e.g. assignment closed, candidate withdrawn) — dead-letter without
	// retry.
	KindPermanentBusiness Kind = "permanent_business"
	// KindCancelled covers context cancellation from caller-initiated
	// shutdown, not worker failure — never counted against attempt budgets.
	KindCancelled Kind = "cancelled"
	// KindFatalInfrastructure covers failures of the grader's own
	// infrastructure (store unreachable, blobstore unwritable) rather than
	// the submission itself — surfaced to operators, not attributed to the
	// submission's attempt counter.
	KindFatalInfrastructure Kind = "fatal_infrastructure"
)

// Retryable reports whether a failure of this kind should be retried by the
// worker loop's finalize_failure_retry path rather than dead-lettered.
func (k Kind) Retryable() bool {
	return k == KindRetryableTransient || k == KindRetryableResource
}

// ClassifiedError pairs an error with the Kind a stage handler assigned it.
// Stage handlers return one of these instead of a bare error so the worker
// loop never has to re-derive retryability from string matching.
type ClassifiedError struct {
	Err  error
	Kind Kind
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with the given Kind. A nil err returns nil.
func Classify(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, Kind: kind}
}

// KindOf extracts the Kind from err's chain. An unclassified error maps to
// KindCancelled when it wraps context.Canceled or context.DeadlineExceeded,
// to KindRetryableTransient when IsTransient agrees, and to
// KindPermanentBadInput otherwise — the conservative defaults for a stage
// handler that returned a plain error without classifying it.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	if IsTransient(err) {
		return KindRetryableTransient
	}
	return KindPermanentBadInput
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check for explicit TransientError in chain.
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
