// Package processor defines the capability the worker pool invokes for each
// task, and the built-in exec and HTTP adapters.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/msageha/artifactd/internal/model"
)

// Payload is what a processor receives for one task.
type Payload struct {
	TaskID   string          `json:"task_id"`
	Priority model.Priority  `json:"priority"`
	Mode     model.Mode      `json:"mode"`
	Attempt  int             `json:"attempt"`
	Tags     []string        `json:"tags,omitempty"`
	Artifact json.RawMessage `json:"artifact"`
}

type Result struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// ItemResult is one entry of a batch outcome. Err follows the same
// classification rules as Process.
type ItemResult struct {
	TaskID string
	Result Result
	Err    error
}

type Processor interface {
	Process(ctx context.Context, p Payload) (Result, error)
}

// BatchProcessor handles several payloads in one invocation and reports
// per-item results. A non-nil error fails every item of the batch.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, ps []Payload) ([]ItemResult, error)
}

// AsBatch returns p itself when it handles batches, else an adapter that
// processes the items one after another.
func AsBatch(p Processor) BatchProcessor {
	if bp, ok := p.(BatchProcessor); ok {
		return bp
	}
	return sequential{p}
}

type sequential struct{ p Processor }

func (s sequential) ProcessBatch(ctx context.Context, ps []Payload) ([]ItemResult, error) {
	out := make([]ItemResult, 0, len(ps))
	for _, p := range ps {
		res, err := s.p.Process(ctx, p)
		out = append(out, ItemResult{TaskID: p.TaskID, Result: res, Err: err})
	}
	return out, nil
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, p Payload) (Result, error)

func (f Func) Process(ctx context.Context, p Payload) (Result, error) { return f(ctx, p) }

// Kind tells the worker pool whether a failure may be retried.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error carries a Kind through wrapping.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// KindOf classifies err. Unclassified errors and context deadlines are
// transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// Reason maps a processing failure onto the task error taxonomy.
func Reason(err error) model.Reason {
	if KindOf(err) == KindPermanent {
		return model.ReasonPermanent
	}
	return model.ReasonTransient
}
