// Package model defines the scheduler's task, artifact, and configuration types.
package model

import (
	"fmt"
	"time"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists every level from most to least urgent.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

var priorityRank = map[Priority]int{
	PriorityHigh:   0,
	PriorityMedium: 1,
	PriorityLow:    2,
}

func ParsePriority(s string) (Priority, bool) {
	p := Priority(s)
	_, ok := priorityRank[p]
	return p, ok
}

// Rank returns 0 for high, 1 for medium and 2 for low; unknown levels sort last.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Higher reports whether p is dispatched before q.
func (p Priority) Higher(q Priority) bool {
	return p.Rank() < q.Rank()
}

// Mode selects how a task is dispatched. Hybrid dispatches immediately when a
// worker is idle and accumulates into the pending batch otherwise.
type Mode string

const (
	ModeRealTime Mode = "real_time"
	ModeBatch    Mode = "batch"
	ModeHybrid   Mode = "hybrid"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeRealTime, ModeBatch, ModeHybrid:
		return m, nil
	}
	return "", fmt.Errorf("unknown processing mode %q", s)
}

// PriorityLevels is the ordered set of enabled queue partitions.
type PriorityLevels []Priority

// Clamp maps p onto an enabled level: the next enabled lower level, else the
// lowest enabled level above it.
func (l PriorityLevels) Clamp(p Priority) Priority {
	if len(l) == 0 {
		return p
	}
	for _, lvl := range l {
		if lvl == p {
			return p
		}
	}
	for _, lvl := range l {
		if lvl.Rank() > p.Rank() {
			return lvl
		}
	}
	return l[len(l)-1]
}

type Task struct {
	ID            string        `yaml:"id" json:"id"`
	ArtifactID    string        `yaml:"artifact_id" json:"artifact_id"`
	SourcePath    string        `yaml:"source_path" json:"source_path"`
	OriginalName  string        `yaml:"original_name" json:"original_name"`
	Priority      Priority      `yaml:"priority" json:"priority"`
	Mode          Mode          `yaml:"mode" json:"mode"`
	Tags          []string      `yaml:"tags,omitempty" json:"tags,omitempty"`
	Status        Status        `yaml:"status" json:"status"`
	AttemptCount  int           `yaml:"attempt_count" json:"attempt_count"`
	Error         *TaskError    `yaml:"error,omitempty" json:"error,omitempty"`
	LeaseOwner    string        `yaml:"lease_owner,omitempty" json:"lease_owner,omitempty"`
	LeaseEpoch    int           `yaml:"lease_epoch" json:"lease_epoch"`
	LeaseExpires  *time.Time    `yaml:"lease_expires_at,omitempty" json:"lease_expires_at,omitempty"`
	NotBefore     *time.Time    `yaml:"not_before,omitempty" json:"not_before,omitempty"`
	WorkerID      string        `yaml:"worker_id,omitempty" json:"worker_id,omitempty"`
	Duration      time.Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
	CreatedAt     time.Time     `yaml:"created_at" json:"created_at"`
	LastUpdatedAt time.Time     `yaml:"last_updated_at" json:"last_updated_at"`
}

// Transition moves the task to a new status, stamping LastUpdatedAt.
// The error field is cleared unless the new status is failed or retrying.
func (t *Task) Transition(to Status, now time.Time) error {
	if err := ValidateTaskTransition(t.Status, to); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Status = to
	t.LastUpdatedAt = now
	if to != StatusFailed && to != StatusRetrying {
		t.Error = nil
	}
	return nil
}

// Fail records a failure reason and moves the task to failed.
func (t *Task) Fail(reason Reason, msg string, now time.Time) error {
	if err := t.Transition(StatusFailed, now); err != nil {
		return err
	}
	t.Error = &TaskError{Reason: reason, Message: msg}
	return nil
}

// Ready reports whether a queued task may be dequeued at now.
func (t *Task) Ready(now time.Time) bool {
	return t.NotBefore == nil || !t.NotBefore.After(now)
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() *Task {
	c := *t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.LeaseExpires != nil {
		v := *t.LeaseExpires
		c.LeaseExpires = &v
	}
	if t.NotBefore != nil {
		v := *t.NotBefore
		c.NotBefore = &v
	}
	return &c
}
