package cypher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
)

// Kind buckets a failure into the engine-wide error taxonomy. Components
// return these through discriminated Error values rather than raw driver
// errors so that callers can apply policy without string matching.
type Kind string

const (
	// KindTransient covers network resets, deadlocks, and lock timeouts.
	// Policy: retried with jittered exponential backoff, bounded attempts.
	KindTransient Kind = "transient"
	// KindTimeout is a deadline exceeded. The operation failed; rollback is
	// guaranteed by the session teardown.
	KindTimeout Kind = "timeout"
	// KindValidation is malformed input or a schema violation.
	KindValidation Kind = "validation"
	// KindConflict is a constraint collision or version drift, routed to the
	// conflict resolver.
	KindConflict Kind = "conflict"
	// KindNotFound is a missing entity or relationship.
	KindNotFound Kind = "notFound"
	// KindProviderFailure is an unavailable external provider (embeddings).
	KindProviderFailure Kind = "providerFailure"
	// KindFatal is a corrupted store or permanent authorization failure.
	// The coordinator stops and raises a critical alert.
	KindFatal Kind = "fatal"
)

// Error is a classified failure from the graph layer.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the taxonomy kind from err, walking the wrap chain.
// Errors that were never classified fall through to Classify.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Classify(err)
}

// Classify maps a raw driver or context error onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindTimeout
	}

	var neoErr *db.Neo4jError
	if errors.As(err, &neoErr) {
		code := neoErr.Code
		switch {
		case strings.HasPrefix(code, "Neo.TransientError"):
			return KindTransient
		case strings.Contains(code, "DeadlockDetected"),
			strings.Contains(code, "LockClientStopped"):
			return KindTransient
		case strings.Contains(code, "ConstraintValidationFailed"),
			strings.Contains(code, "ConstraintViolation"):
			return KindConflict
		case strings.HasPrefix(code, "Neo.ClientError.Statement"),
			strings.HasPrefix(code, "Neo.ClientError.Schema"):
			return KindValidation
		case strings.HasPrefix(code, "Neo.ClientError.Security"):
			return KindFatal
		case strings.HasPrefix(code, "Neo.DatabaseError"):
			return KindFatal
		}
		return KindValidation
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "ConnectivityError") {
		return KindTransient
	}

	return KindValidation
}

// IsRetryable reports whether an error should be retried under the
// transient policy.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
