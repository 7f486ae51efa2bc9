package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// ErrOwnerRequired is returned by Start when the owner id is empty.
var ErrOwnerRequired = errors.New("owner id is required")

// ErrStreamEnded is recorded when a transport closes its stream without
// reporting an error while the subscription is still live.
var ErrStreamEnded = errors.New("stream ended")

// ErrSubscriptionStopped is returned by handlers that need a live binding
// once the subscription has been stopped or superseded.
var ErrSubscriptionStopped = errors.New("subscription stopped")

// ErrorCode categorizes sync failures. None of them are fatal: the worst
// outcome is a stale or incomplete view, flagged by a warning.
type ErrorCode string

const (
	// ErrCodeSnapshotFailure indicates the initial bulk read failed.
	// The engine still reaches Ready with an empty view.
	ErrCodeSnapshotFailure ErrorCode = "SNAPSHOT_FAILURE"

	// ErrCodeSubscriptionFailure indicates the change feed or broadcast
	// subscription failed. The engine keeps running on the other sources.
	ErrCodeSubscriptionFailure ErrorCode = "SUBSCRIPTION_FAILURE"

	// ErrCodeMalformedEvent indicates an event without id or owner.
	// The event is discarded.
	ErrCodeMalformedEvent ErrorCode = "MALFORMED_EVENT"
)

// SyncError is a failure surfaced to presentation as a warning.
type SyncError struct {
	Code    ErrorCode
	Source  bookmark.Source
	Owner   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Source != "" {
		msg = fmt.Sprintf("%s (source=%s)", msg, e.Source)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying transport or store error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the presentation should offer a retry.
func (e *SyncError) Retryable() bool {
	return e.Code == ErrCodeSnapshotFailure
}

// NewSnapshotError creates a SyncError for a failed snapshot read.
func NewSnapshotError(owner string, err error) *SyncError {
	return &SyncError{
		Code:    ErrCodeSnapshotFailure,
		Source:  bookmark.SourceSnapshot,
		Owner:   owner,
		Message: "could not load bookmarks",
		Err:     err,
	}
}

// NewSubscriptionError creates a SyncError for a failed live subscription.
func NewSubscriptionError(owner string, source bookmark.Source, err error) *SyncError {
	return &SyncError{
		Code:    ErrCodeSubscriptionFailure,
		Source:  source,
		Owner:   owner,
		Message: "live sync degraded",
		Err:     err,
	}
}

// NewMalformedEventError creates a SyncError for a discarded event.
func NewMalformedEventError(owner string, source bookmark.Source, err error) *SyncError {
	return &SyncError{
		Code:    ErrCodeMalformedEvent,
		Source:  source,
		Owner:   owner,
		Message: "discarded malformed event",
		Err:     err,
	}
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsSnapshotFailure returns true if err is a snapshot failure.
func IsSnapshotFailure(err error) bool {
	return hasCode(err, ErrCodeSnapshotFailure)
}

// IsSubscriptionFailure returns true if err is a subscription failure.
func IsSubscriptionFailure(err error) bool {
	return hasCode(err, ErrCodeSubscriptionFailure)
}

// IsMalformedEvent returns true if err is a malformed event failure.
func IsMalformedEvent(err error) bool {
	return hasCode(err, ErrCodeMalformedEvent)
}
