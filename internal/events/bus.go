// Package events carries task lifecycle events from the scheduler to
// observers (Monitor, audit log) without ever blocking the publisher.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	TaskIngested    Type = "task_ingested"
	TaskDispatched  Type = "task_dispatched"
	TaskSucceeded   Type = "task_succeeded"
	TaskRetrying    Type = "task_retrying"
	TaskFailed      Type = "task_failed"
	TaskArchived    Type = "task_archived"
	TaskRedelivered Type = "task_redelivered"
	BatchDispatched Type = "batch_dispatched"

	ArtifactMalformed Type = "artifact_malformed"
	ArtifactParked    Type = "artifact_parked"

	IngestionPaused  Type = "ingestion_paused"
	IngestionResumed Type = "ingestion_resumed"
	BackendDegraded  Type = "backend_degraded"
	BackendRecovered Type = "backend_recovered"

	AlertFired     Type = "alert_fired"
	AlertRecovered Type = "alert_recovered"
)

type Event struct {
	Type     Type           `json:"type"`
	Time     time.Time      `json:"time"`
	TaskID   string         `json:"task_id,omitempty"`
	Priority string         `json:"priority,omitempty"`
	WorkerID string         `json:"worker_id,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Attempt  int            `json:"attempt,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

type Subscriber func(Event)

// Bus delivers events through one buffered channel per subscriber. When a
// subscriber's buffer is full the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscription
	bufferSize  int
	dropped     atomic.Int64
	closed      bool
}

type subscription struct {
	ch    chan Event
	types map[Type]bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers fn for the given types, or for every type when none
// are given. fn runs on its own goroutine, in publish order; a panic in fn is
// recovered. The returned func unsubscribes.
func (b *Bus) Subscribe(fn Subscriber, types ...Type) func() {
	sub := &subscription{ch: make(chan Event, b.bufferSize)}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	go func() {
		for ev := range sub.ch {
			func() {
				defer func() { _ = recover() }()
				fn(ev)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subscribers {
			if s == sub {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
}

// Publish never blocks. A zero Time is stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subscribers {
		close(s.ch)
	}
	b.subscribers = nil
}
