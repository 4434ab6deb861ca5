package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/livesync/internal/ir"
)

var (
	// ErrOffline is returned by Refresh while the engine is offline.
	ErrOffline = errors.New("engine is offline")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("engine is closed")
)

// ErrorCode categorizes errors surfaced to collaborators.
type ErrorCode string

const (
	// ErrCodeQueryFailed indicates a refresh was rejected. The cached value
	// is kept (stale-but-valid).
	ErrCodeQueryFailed ErrorCode = "QUERY_FAILED"

	// ErrCodeMutationRejected indicates the server declined a write. The
	// optimistic layer has already been rolled back.
	ErrCodeMutationRejected ErrorCode = "MUTATION_REJECTED"

	// ErrCodeCallbackError indicates a subscriber callback panicked. It is
	// only reported through events, never returned.
	ErrCodeCallbackError ErrorCode = "SUBSCRIBER_CALLBACK_ERROR"
)

// SyncError is the structured error returned by engine operations.
type SyncError struct {
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	Query          string
	Key            ir.QueryKey
	MutationID     string
	SubscriptionID string

	// Err is the underlying transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	var ctx string
	switch {
	case e.MutationID != "":
		ctx = fmt.Sprintf(" (mutation=%s)", e.MutationID)
	case e.SubscriptionID != "":
		ctx = fmt.Sprintf(" (subscription=%s, query=%s)", e.SubscriptionID, e.Query)
	case e.Query != "":
		ctx = fmt.Sprintf(" (query=%s)", e.Query)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s%s: %v", e.Code, e.Message, ctx, e.Err)
	}
	return fmt.Sprintf("%s: %s%s", e.Code, e.Message, ctx)
}

// Unwrap returns the underlying transport error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsQueryFailed returns true if err is a rejected refresh.
// Uses errors.As to handle wrapped errors.
func IsQueryFailed(err error) bool {
	return hasCode(err, ErrCodeQueryFailed)
}

// IsMutationRejected returns true if err is a rejected write.
func IsMutationRejected(err error) bool {
	return hasCode(err, ErrCodeMutationRejected)
}

// IsCallbackError returns true if err reports a panicking subscriber.
func IsCallbackError(err error) bool {
	return hasCode(err, ErrCodeCallbackError)
}

func newQueryFailed(query string, key ir.QueryKey, err error) *SyncError {
	return &SyncError{
		Code:    ErrCodeQueryFailed,
		Message: "refresh rejected, keeping cached value",
		Query:   query,
		Key:     key,
		Err:     err,
	}
}

func newMutationRejected(m ir.Mutation, err error) *SyncError {
	return &SyncError{
		Code:       ErrCodeMutationRejected,
		Message:    fmt.Sprintf("%s on %s rejected", m.Kind, m.Table),
		MutationID: m.ID,
		Err:        err,
	}
}

func newCallbackError(subID string, key ir.QueryKey, query string, recovered any) *SyncError {
	return &SyncError{
		Code:           ErrCodeCallbackError,
		Message:        fmt.Sprintf("subscriber callback panicked: %v", recovered),
		Query:          query,
		Key:            key,
		SubscriptionID: subID,
	}
}
