// Package schedule admits batches of timed posts and dispatches each one at
// its fire time, tracking when every item of a batch has finished.
package schedule

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Item is one requested post.
type Item struct {
	ID      string
	Content string
	FireAt  time.Time
}

// SubmitRequest is a batch offered for admission.
type SubmitRequest struct {
	Items          []Item
	IdempotencyKey string
}

// Ack is returned once every item of an admitted batch has a running unit.
type Ack struct {
	BatchID   string
	Message   string
	Scheduled int
	// Duplicate is set when the idempotency key matched an earlier batch and
	// nothing new was scheduled.
	Duplicate bool
}

var (
	ErrEmptyBatch    = errors.New("batch is empty")
	ErrBatchTooSmall = errors.New("batch is too small")
	ErrBatchTooLarge = errors.New("batch is too large")
	ErrEmptyContent  = errors.New("post content is empty")
	ErrPastDue       = errors.New("scheduled time is in the past")
	ErrNotAccepting  = errors.New("scheduler is shutting down")

	// ErrIdempotencyConflict is returned when a key already bound to one
	// batch is replayed with different items.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different items")
)

// RejectionError reports why a batch was refused. Nothing is scheduled
// when Submit returns one.
type RejectionError struct {
	Reason error
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *RejectionError) Unwrap() error { return e.Reason }

// Code is the metric label for the rejection.
func (e *RejectionError) Code() string {
	switch {
	case errors.Is(e.Reason, ErrEmptyBatch):
		return "empty_batch"
	case errors.Is(e.Reason, ErrBatchTooSmall):
		return "batch_too_small"
	case errors.Is(e.Reason, ErrBatchTooLarge):
		return "batch_too_large"
	case errors.Is(e.Reason, ErrEmptyContent):
		return "empty_content"
	case errors.Is(e.Reason, ErrPastDue):
		return "past_due"
	case errors.Is(e.Reason, ErrNotAccepting):
		return "not_accepting"
	case errors.Is(e.Reason, ErrIdempotencyConflict):
		return "idempotency_conflict"
	default:
		return "other"
	}
}

func reject(reason error, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Fingerprint hashes the content and fire instant of every item, in order.
// Fire times are compared as instants, so the same moment written in two
// zones hashes the same.
func Fingerprint(items []Item) string {
	h := sha256.New()
	for _, it := range items {
		fmt.Fprintf(h, "%d:%s|%s\n", len(it.Content), it.Content, it.FireAt.UTC().Format(time.RFC3339Nano))
	}
	return hex.EncodeToString(h.Sum(nil))
}
