package daemon

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/msageha/artifactd/internal/events"
	"github.com/msageha/artifactd/internal/logging"
	"github.com/msageha/artifactd/internal/model"
	"github.com/msageha/artifactd/internal/processor"
	"github.com/msageha/artifactd/internal/queue"
)

// Pauser is the ingestion side the dispatcher throttles under backpressure.
type Pauser interface {
	Pause()
	Resume()
}

// DispatcherDeps are the collaborators of a Dispatcher. Ingest may be nil.
type DispatcherDeps struct {
	Queue    queue.Queue
	Pool     *WorkerPool
	Registry *Registry
	Finish   Finisher
	Ingest   Pauser
	Bus      *events.Bus
	Log      *logging.Logger
}

// Dispatcher moves ready tasks from the queue to idle workers in strict
// priority order. Only the Run goroutine dequeues, so the pool never sees
// more jobs than it has parked workers.
type Dispatcher struct {
	cfg      model.ProcessingConfig
	guard    model.StarvationGuardConfig
	maxQueue int
	levels   model.PriorityLevels
	owner    string

	q      queue.Queue
	pool   *WorkerPool
	reg    *Registry
	finish Finisher
	ingest Pauser
	bus    *events.Bus
	log    *logging.Logger
	now    func() time.Time

	reconnectBase time.Duration
	reconnectMax  time.Duration

	wake      chan struct{}
	degradeCh chan struct{}
	paused    atomic.Bool
	degraded  atomic.Bool
	throttled atomic.Bool
	batched   atomic.Int32

	// Owned by the Run goroutine.
	pending     []*model.Task
	batchSince  time.Time
	streak      int
	streakLevel model.Priority
}

func NewDispatcher(cfg model.Config, owner string, deps DispatcherDeps) *Dispatcher {
	finish := deps.Finish
	if finish == nil {
		finish = func(context.Context, *model.Task, *processor.Result) {}
	}
	return &Dispatcher{
		cfg:           cfg.Processing,
		guard:         cfg.Queue.StarvationGuard,
		maxQueue:      cfg.Queue.MaxQueueSize,
		levels:        cfg.Queue.Levels(),
		owner:         owner,
		q:             deps.Queue,
		pool:          deps.Pool,
		reg:           deps.Registry,
		finish:        finish,
		ingest:        deps.Ingest,
		bus:           deps.Bus,
		log:           deps.Log.With("dispatcher"),
		now:           time.Now,
		reconnectBase: time.Second,
		reconnectMax:  30 * time.Second,
		wake:          make(chan struct{}, 1),
		degradeCh:     make(chan struct{}, 1),
	}
}

// Wake asks the dispatcher to run a cycle soon. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pause stops new dispatch; in-flight work is untouched.
func (d *Dispatcher) Pause() {
	if !d.paused.Swap(true) {
		d.log.Infof("dispatch paused")
	}
}

func (d *Dispatcher) Resume() {
	if d.paused.Swap(false) {
		d.log.Infof("dispatch resumed")
	}
	d.Wake()
}

func (d *Dispatcher) Paused() bool          { return d.paused.Load() }
func (d *Dispatcher) Degraded() bool        { return d.degraded.Load() }
func (d *Dispatcher) IngestionPaused() bool { return d.throttled.Load() }

// Batched reports how many tasks wait in the pending batch.
func (d *Dispatcher) Batched() int { return int(d.batched.Load()) }

// Degrade marks the queue backend unavailable: dispatch stops until a
// reconnect probe succeeds.
func (d *Dispatcher) Degrade(err error) {
	if !d.degraded.CompareAndSwap(false, true) {
		return
	}
	d.log.Errorf("queue backend unavailable, dispatch suspended: %v", err)
	d.bus.Publish(events.Event{
		Type:   events.BackendDegraded,
		Reason: string(model.ReasonBackendUnavailable),
		Data:   map[string]any{"error": err.Error()},
	})
	select {
	case d.degradeCh <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is done. Tasks still batched at that point keep
// their leases and are recovered by the next start.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.cfg.DispatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	tkr := time.NewTicker(interval)
	defer tkr.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		d.cycle(ctx)
		select {
		case <-ctx.Done():
			if n := len(d.pending); n > 0 {
				d.log.Infof("stopping with %d batched task(s) under lease", n)
			}
			return nil
		case <-d.degradeCh:
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.reconnect(ctx)
			}()
		case <-d.wake:
		case <-tkr.C:
		}
	}
}

func (d *Dispatcher) cycle(ctx context.Context) {
	if d.degraded.Load() || ctx.Err() != nil {
		return
	}
	depths, err := d.q.Depths(ctx)
	if err != nil {
		d.queueError(err)
		return
	}
	d.applyBackpressure(depths)
	d.extendPending(ctx)
	if d.paused.Load() {
		return
	}
	for ctx.Err() == nil && !d.degraded.Load() {
		if !d.step(ctx) {
			break
		}
	}
	d.batched.Store(int32(len(d.pending)))
}

// step makes one dispatch decision and reports whether anything happened.
// With every worker busy only batch members are dequeued; a real-time task
// stays pending in the queue so a later higher-priority arrival still
// overtakes it.
func (d *Dispatcher) step(ctx context.Context) bool {
	idle := d.pool.Idle() > 0

	if d.batchDue() {
		if !idle {
			return false
		}
		higher, err := d.higherReady(ctx)
		if err != nil {
			d.queueError(err)
			return false
		}
		if !higher {
			return d.flush(ctx)
		}
	}
	if !idle && len(d.pending) >= d.batchSize() {
		return false
	}

	var (
		t   *model.Task
		err error
	)
	if idle {
		t, err = d.dequeue(ctx)
	} else {
		t, err = d.dequeueForBatch(ctx)
	}
	if errors.Is(err, queue.ErrEmpty) {
		return false
	}
	if err != nil {
		d.queueError(err)
		return false
	}

	if _, err := os.Stat(t.SourcePath); errors.Is(err, fs.ErrNotExist) {
		d.sourceMissing(ctx, t)
		return true
	}
	if err := t.Transition(model.StatusDispatched, d.now()); err != nil {
		d.log.Errorf("%v", err)
		return true
	}
	d.reg.Apply(t)

	if t.Mode == model.ModeBatch || t.Mode == model.ModeHybrid && !idle {
		if len(d.pending) == 0 {
			d.batchSince = d.now()
		}
		d.pending = append(d.pending, t)
		d.log.Debugf("task %s batched (%d/%d)", t.ID, len(d.pending), d.batchSize())
		return true
	}
	return d.dispatch(ctx, []*model.Task{t}, false)
}

// dequeueForBatch leases the next ready task only if it would join the
// pending batch. It returns ErrEmpty when the next task is real-time.
func (d *Dispatcher) dequeueForBatch(ctx context.Context) (*model.Task, error) {
	next, err := d.q.Peek(ctx)
	if err != nil {
		return nil, err
	}
	if next.Mode == model.ModeRealTime {
		return nil, queue.ErrEmpty
	}
	t, err := d.q.DequeueFrom(ctx, next.Priority, d.owner)
	if err != nil {
		return nil, err
	}
	if t.Mode != model.ModeRealTime {
		return t, nil
	}
	// A delayed real-time task of the same partition became ready after Peek.
	if err := d.q.Nack(ctx, t, 0); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		return nil, err
	}
	return nil, queue.ErrEmpty
}

func (d *Dispatcher) batchSize() int {
	if d.cfg.BatchSize < 1 {
		return 1
	}
	return d.cfg.BatchSize
}

func (d *Dispatcher) batchDue() bool {
	if len(d.pending) == 0 {
		return false
	}
	return len(d.pending) >= d.batchSize() || d.now().Sub(d.batchSince) >= d.cfg.BatchTimeout
}

// higherReady reports whether the next ready task outranks every member of
// the pending batch.
func (d *Dispatcher) higherReady(ctx context.Context) (bool, error) {
	next, err := d.q.Peek(ctx)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	top := d.pending[0].Priority
	for _, t := range d.pending[1:] {
		if t.Priority.Higher(top) {
			top = t.Priority
		}
	}
	return next.Priority.Higher(top), nil
}

func (d *Dispatcher) flush(ctx context.Context) bool {
	tasks := d.pending
	d.pending = nil
	d.log.Infof("flushing batch of %d task(s)", len(tasks))
	return d.dispatch(ctx, tasks, true)
}

func (d *Dispatcher) dispatch(ctx context.Context, tasks []*model.Task, batch bool) bool {
	for _, t := range tasks {
		d.log.Debugf("task %s dispatched priority=%s epoch=%d", t.ID, t.Priority, t.LeaseEpoch)
		d.bus.Publish(events.Event{
			Type:     events.TaskDispatched,
			TaskID:   t.ID,
			Priority: string(t.Priority),
			Attempt:  t.AttemptCount,
		})
	}
	if batch {
		d.bus.Publish(events.Event{
			Type: events.BatchDispatched,
			Data: map[string]any{"size": len(tasks)},
		})
	}
	return d.pool.Submit(ctx, Job{Tasks: tasks, Batch: batch}) == nil
}

// dequeue takes the next task by strict priority. With the starvation guard
// on, after Ratio consecutive dequeues while a lower partition waits, one
// dequeue is served from the highest waiting lower partition.
func (d *Dispatcher) dequeue(ctx context.Context) (*model.Task, error) {
	if !d.guard.Enabled || d.guard.Ratio <= 0 {
		return d.q.Dequeue(ctx, d.owner)
	}

	if d.streak >= d.guard.Ratio {
		d.streak = 0
		for _, lvl := range d.levels {
			if lvl.Rank() <= d.streakLevel.Rank() {
				continue
			}
			t, err := d.q.DequeueFrom(ctx, lvl, d.owner)
			if err == nil {
				d.log.Debugf("starvation guard served %s task %s", lvl, t.ID)
				d.streakLevel = lvl
				return t, nil
			}
			if !errors.Is(err, queue.ErrEmpty) {
				return nil, err
			}
		}
	}

	t, err := d.q.Dequeue(ctx, d.owner)
	if err != nil {
		return nil, err
	}
	depths, err := d.q.Depths(ctx)
	if err != nil {
		return t, nil
	}
	waiting := false
	for _, lvl := range d.levels {
		if lvl.Rank() > t.Priority.Rank() && depths[lvl].Ready > 0 {
			waiting = true
			break
		}
	}
	if waiting {
		d.streak++
	} else {
		d.streak = 0
	}
	d.streakLevel = t.Priority
	return t, nil
}

// sourceMissing settles a task whose artifact vanished before dispatch
// without using a worker.
func (d *Dispatcher) sourceMissing(ctx context.Context, t *model.Task) {
	if err := d.q.Ack(ctx, t.ID, t.LeaseEpoch); err != nil {
		d.queueError(err)
		if errors.Is(err, queue.ErrLeaseLost) {
			return
		}
	}
	if err := t.Fail(model.ReasonSourceMissing, "artifact removed before dispatch: "+t.SourcePath, d.now()); err != nil {
		d.log.Errorf("%v", err)
		return
	}
	d.reg.Apply(t)
	d.log.Warnf("task %s failed: source %s missing", t.ID, t.SourcePath)
	d.bus.Publish(events.Event{
		Type:     events.TaskFailed,
		TaskID:   t.ID,
		Priority: string(t.Priority),
		Reason:   string(model.ReasonSourceMissing),
		Attempt:  t.AttemptCount,
	})
	d.finish(ctx, t, nil)
}

// extendPending keeps the leases of batched tasks alive. A member
// whose lease is gone has been redelivered and leaves the batch.
func (d *Dispatcher) extendPending(ctx context.Context) {
	margin := d.leaseMargin()
	keep := d.pending[:0]
	for _, t := range d.pending {
		if d.renew(ctx, t, margin) {
			keep = append(keep, t)
		}
	}
	for i := len(keep); i < len(d.pending); i++ {
		d.pending[i] = nil
	}
	d.pending = keep
}

func (d *Dispatcher) leaseMargin() time.Duration {
	return d.cfg.DispatchInterval + d.cfg.BatchTimeout
}

func (d *Dispatcher) renew(ctx context.Context, t *model.Task, margin time.Duration) bool {
	if t.LeaseExpires != nil && t.LeaseExpires.Sub(d.now()) > margin {
		return true
	}
	expires, err := d.q.Extend(ctx, t.ID, t.LeaseEpoch)
	if err == nil {
		t.LeaseExpires = &expires
		return true
	}
	if errors.Is(err, queue.ErrLeaseLost) {
		d.log.Warnf("task %s: lease lost while batched", t.ID)
		return false
	}
	d.queueError(err)
	return true
}

// applyBackpressure pauses ingestion while every enabled partition is at
// capacity and resumes it once any drops below.
func (d *Dispatcher) applyBackpressure(depths queue.Depths) {
	if d.ingest == nil || d.maxQueue <= 0 {
		return
	}
	full := len(d.levels) > 0
	for _, lvl := range d.levels {
		if depths[lvl].Total() < d.maxQueue {
			full = false
			break
		}
	}
	switch {
	case full && !d.throttled.Load():
		d.throttled.Store(true)
		d.ingest.Pause()
		d.log.Warnf("all partitions at capacity (%d), ingestion paused", d.maxQueue)
		d.bus.Publish(events.Event{Type: events.IngestionPaused, Data: map[string]any{"depth": depths.Total()}})
	case !full && d.throttled.Load():
		d.throttled.Store(false)
		d.ingest.Resume()
		d.log.Infof("partition below capacity, ingestion resumed")
		d.bus.Publish(events.Event{Type: events.IngestionResumed, Data: map[string]any{"depth": depths.Total()}})
	}
}

func (d *Dispatcher) queueError(err error) {
	if errors.Is(err, queue.ErrBackendUnavailable) {
		d.Degrade(err)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return
	}
	d.log.Errorf("queue: %v", err)
}

// reconnect probes the backend with capped exponential backoff until it
// answers or ctx is done.
func (d *Dispatcher) reconnect(ctx context.Context) {
	b := retry.WithCappedDuration(d.reconnectMax, retry.NewExponential(d.reconnectBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := d.q.Ping(ctx); err != nil {
			d.log.Debugf("reconnect probe: %v", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return
	}
	d.degraded.Store(false)
	d.log.Infof("queue backend recovered, dispatch resumed")
	d.bus.Publish(events.Event{Type: events.BackendRecovered})
	d.Wake()
}
