package model

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusArchived   Status = "archived"
)

// ErrInvalidTransition is wrapped by every rejected status change.
var ErrInvalidTransition = errors.New("invalid task transition")

var terminalStatuses = map[Status]bool{
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusArchived:  true,
}

// Task lifecycle: pending/retrying → dispatched → succeeded|retrying|failed → archived.
// dispatched → pending only happens when an expired lease is redelivered.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusDispatched: true,
		StatusFailed:     true, // source_missing at dispatch time
	},
	StatusRetrying: {
		StatusDispatched: true,
		StatusFailed:     true,
	},
	StatusDispatched: {
		StatusSucceeded: true,
		StatusRetrying:  true,
		StatusFailed:    true,
		StatusPending:   true,
	},
	StatusSucceeded: {
		StatusArchived: true,
	},
	StatusFailed: {
		StatusArchived: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// IsQueued reports whether a task in this status owns a queue entry.
func IsQueued(s Status) bool {
	return s == StatusPending || s == StatusRetrying
}

func ValidateTaskTransition(from, to Status) error {
	allowed, ok := validTaskTransitions[from]
	if !ok {
		if from == StatusArchived {
			return fmt.Errorf("%w: %q is final", ErrInvalidTransition, from)
		}
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}

// Reason classifies why a task failed or is being retried.
type Reason string

const (
	ReasonMalformedInput     Reason = "malformed_input"
	ReasonSourceMissing      Reason = "source_missing"
	ReasonTransient          Reason = "transient_processing_error"
	ReasonPermanent          Reason = "permanent_processing_error"
	ReasonMaxAttempts        Reason = "max_attempts_exceeded"
	ReasonBackendUnavailable Reason = "queue_backend_unavailable"
)

// TaskError is the last failure classification of a task.
type TaskError struct {
	Reason  Reason `yaml:"reason" json:"reason"`
	Message string `yaml:"message" json:"message"`
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}
