// Package records stores completion records: one per finalized task.
package records

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/artifactd/internal/model"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

const FileType = "completion_record"

// Record is the terminal disposition of one artifact.
type Record struct {
	SchemaVersion int            `yaml:"schema_version" json:"-"`
	FileType      string         `yaml:"file_type" json:"-"`
	ID            string         `yaml:"id" json:"id"`
	TaskID        string         `yaml:"task_id" json:"task_id"`
	ArtifactID    string         `yaml:"artifact_id,omitempty" json:"artifact_id,omitempty"`
	Outcome       Outcome        `yaml:"outcome" json:"outcome"`
	Reason        model.Reason   `yaml:"reason,omitempty" json:"reason,omitempty"`
	Message       string         `yaml:"message,omitempty" json:"message,omitempty"`
	Priority      model.Priority `yaml:"priority,omitempty" json:"priority,omitempty"`
	Mode          model.Mode     `yaml:"mode,omitempty" json:"mode,omitempty"`
	Attempts      int            `yaml:"attempts" json:"attempts"`
	Duration      time.Duration  `yaml:"duration" json:"duration"`
	WorkerID      string         `yaml:"worker_id,omitempty" json:"worker_id,omitempty"`
	Source        string         `yaml:"source" json:"source"`
	Destination   string         `yaml:"destination" json:"destination"`
	FinalizedAt   time.Time      `yaml:"finalized_at" json:"finalized_at"`
}

// Sink persists records. Writing the same task id twice keeps the first
// record and reports success.
type Sink interface {
	Write(ctx context.Context, r *Record) error
	Close() error
}

type multi []Sink

// Multi writes to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Write(ctx context.Context, r *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
