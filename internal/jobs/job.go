package jobs

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a marketplace job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusCancelling Status = "CANCELLING"
	StatusCancelled  Status = "CANCELLED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// transitions is the allowed next-state set per status. Terminal states
// have no entries, so every transition out of them is rejected.
var transitions = map[Status][]Status{
	StatusPending:    {StatusRunning, StatusCancelled},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusCancelling, StatusCancelled},
	StatusCancelling: {StatusCancelled},
}

// Valid reports whether s is a known job status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCancelling, StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Marketplace identifies the external marketplace a job targets.
type Marketplace string

const (
	MarketplaceEbay   Marketplace = "ebay"
	MarketplaceVinted Marketplace = "vinted"
	MarketplaceEtsy   Marketplace = "etsy"
)

// Valid reports whether m is a supported marketplace.
func (m Marketplace) Valid() bool {
	switch m {
	case MarketplaceEbay, MarketplaceVinted, MarketplaceEtsy:
		return true
	}
	return false
}

// Action is the kind of marketplace work a job performs.
type Action string

const (
	ActionPublish Action = "publish"
	ActionSync    Action = "sync"
	ActionDelist  Action = "delist"
	ActionRefund  Action = "refund"
)

// Valid reports whether a is a supported action.
func (a Action) Valid() bool {
	switch a {
	case ActionPublish, ActionSync, ActionDelist, ActionRefund:
		return true
	}
	return false
}

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's already claimed
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in PENDING status")

	// ErrInvalidPayload is returned when job payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrMaxRetriesExceeded is returned when a job has exceeded its retry limit
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrCancelInProgress is returned when another cancellation request
	// already holds the cancel lock for the job
	ErrCancelInProgress = errors.New("cancellation already in progress")

	// ErrJobCancelled is returned when a running job observes a
	// cancellation request and stops cooperatively
	ErrJobCancelled = errors.New("job cancelled")

	// ErrInvalidTransition is returned when a status update would violate
	// the lifecycle partial order
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrJobNotTerminal is returned when deleting a job that is still
	// pending, running, or cancelling
	ErrJobNotTerminal = errors.New("job is not in a terminal status")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// TransitionError builds an ErrInvalidTransition with both states named.
func TransitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
