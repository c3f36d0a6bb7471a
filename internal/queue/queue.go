// Package queue delivers tasks crash-safely through priority partitions.
// A dequeued task stays owned by the queue under a lease until it is acked;
// a lease that expires without an ack makes the task deliverable again.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/artifactd/internal/model"
)

var (
	// ErrEmpty means no partition holds a ready task.
	ErrEmpty = errors.New("queue: no ready task")
	// ErrLeaseLost means the caller's lease epoch is no longer current: the
	// task was redelivered or already settled. The caller must drop its result.
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrBackendUnavailable wraps storage failures. State is unchanged.
	ErrBackendUnavailable = errors.New("queue: backend unavailable")
	// ErrDuplicate means a task with the same id is already queued.
	ErrDuplicate = errors.New("queue: duplicate task")
	ErrClosed    = errors.New("queue: closed")
)

// Depth counts everything a partition owns.
type Depth struct {
	Ready   int `json:"ready" yaml:"ready"`
	Delayed int `json:"delayed" yaml:"delayed"`
	Leased  int `json:"leased" yaml:"leased"`
}

func (d Depth) Total() int {
	return d.Ready + d.Delayed + d.Leased
}

type Depths map[model.Priority]Depth

// Total sums every partition.
func (d Depths) Total() int {
	n := 0
	for _, v := range d {
		n += v.Total()
	}
	return n
}

// Queue is safe for concurrent use. Every mutation is durable before it
// returns; ownership of a task moves atomically with Dequeue, Ack and Nack.
type Queue interface {
	// Enqueue appends t to the tail of its priority partition.
	Enqueue(ctx context.Context, t *model.Task) error
	// Dequeue leases the oldest ready task of the highest non-empty partition.
	Dequeue(ctx context.Context, owner string) (*model.Task, error)
	// DequeueFrom leases the oldest ready task of one partition.
	DequeueFrom(ctx context.Context, p model.Priority, owner string) (*model.Task, error)
	// Peek returns the task Dequeue would return, without leasing it.
	Peek(ctx context.Context) (*model.Task, error)
	// Ack settles a leased task and forgets it.
	Ack(ctx context.Context, id string, epoch int) error
	// Nack returns a leased task to the tail of its original partition,
	// deliverable again after retryAfter. t carries the fields to persist
	// (attempt count, status, error).
	Nack(ctx context.Context, t *model.Task, retryAfter time.Duration) error
	// Extend pushes a lease's expiry one visibility timeout into the future.
	Extend(ctx context.Context, id string, epoch int) (time.Time, error)
	// ReapExpired requeues every task whose lease has expired and returns them.
	ReapExpired(ctx context.Context) ([]*model.Task, error)
	// Recover releases leases that owner's previous process left behind and
	// returns every task it may now see: queued, delayed, or just released.
	// Leases held by other owners are untouched.
	Recover(ctx context.Context, owner string) ([]*model.Task, error)
	Depths(ctx context.Context) (Depths, error)
	Has(ctx context.Context, id string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options shared by the backends.
type Options struct {
	Levels            model.PriorityLevels
	VisibilityTimeout time.Duration
	Now               func() time.Time
}

func (o *Options) normalize() {
	if len(o.Levels) == 0 {
		o.Levels = model.PriorityLevels(model.Priorities)
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
