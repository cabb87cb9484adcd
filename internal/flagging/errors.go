package flagging

import (
	"errors"
	"fmt"
)

// FailureKind classifies the business failures a review submission can
// surface. These are results, not programming errors: callers branch
// on them to decide whether to retry, re-fetch, or give up.
type FailureKind string

const (
	// FailureReadOnly: the service is in read-only mode; no retry until it clears.
	FailureReadOnly FailureKind = "read_only"
	// FailurePageNotReviewable: the page's namespace does not carry reviews.
	FailurePageNotReviewable FailureKind = "page_not_reviewable"
	// FailurePageNotFound: the target page does not exist.
	FailurePageNotFound FailureKind = "page_not_found"
	// FailureRevisionNotFound: the target revision is missing or belongs to another page.
	FailureRevisionNotFound FailureKind = "revision_not_found"
	// FailureBadSessionKey: the session fingerprint does not match the opened review session.
	FailureBadSessionKey FailureKind = "bad_session_key"
	// FailureConflict: another edit or review landed first; re-fetch and retry.
	FailureConflict FailureKind = "conflict"
	// FailurePermissionDenied: the actor may not set the requested or prior tag values.
	FailurePermissionDenied FailureKind = "permission_denied"
	// FailureAlreadyInDesiredState: unapprove/reject targeted a revision that is not stable.
	FailureAlreadyInDesiredState FailureKind = "already_in_desired_state"
	// FailureTagLevelTooLow: no tag value the actor may set exists.
	FailureTagLevelTooLow FailureKind = "tag_level_too_low"
)

// ReviewError carries a FailureKind through the error return without
// losing the underlying cause.
type ReviewError struct {
	Kind  FailureKind
	cause error
}

func (e *ReviewError) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *ReviewError) Unwrap() error {
	return e.cause
}

// Is lets errors.Is match two ReviewErrors by kind.
func (e *ReviewError) Is(target error) bool {
	var other *ReviewError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

func failure(kind FailureKind) error {
	return &ReviewError{Kind: kind}
}

func failureWithCause(kind FailureKind, cause error) error {
	return &ReviewError{Kind: kind, cause: cause}
}

// FailureKindOf extracts the business failure kind from an error chain.
// The second return is false for internal errors.
func FailureKindOf(err error) (FailureKind, bool) {
	var reviewErr *ReviewError
	if errors.As(err, &reviewErr) {
		return reviewErr.Kind, true
	}
	return "", false
}

// ServiceError wraps internal failures with a stable operation.reason
// code, distinct from the business FailureKinds above.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable failure code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
