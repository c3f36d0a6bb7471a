package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
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

// Job is the unit handed to one worker: a single task, or a flushed batch.
type Job struct {
	Tasks []*model.Task
	Batch bool
}

// Finisher finalizes a terminal task and drops it from the live views.
type Finisher func(ctx context.Context, t *model.Task, res *processor.Result)

// PoolDeps are the collaborators a WorkerPool settles outcomes with.
type PoolDeps struct {
	Queue     queue.Queue
	Processor processor.Processor
	Registry  *Registry
	Finish    Finisher
	Bus       *events.Bus
	Log       *logging.Logger
}

// WorkerPool runs exactly size long-lived workers. A job is handed over only
// to a worker that is parked waiting, so at most size jobs are in flight.
type WorkerPool struct {
	size       int
	cfg        model.ProcessingConfig
	visibility time.Duration
	drain      time.Duration

	q      queue.Queue
	single processor.Processor
	batch  processor.BatchProcessor
	reg    *Registry
	finish Finisher
	bus    *events.Bus
	log    *logging.Logger
	now    func() time.Time

	onIdle         func()
	onBackendError func(error)

	jobs chan Job
	idle atomic.Int32
	busy atomic.Int32
	wg   sync.WaitGroup
}

func NewWorkerPool(cfg model.ProcessingConfig, visibility time.Duration, deps PoolDeps) *WorkerPool {
	size := cfg.MaxWorkers
	if size < 1 {
		size = 1
	}
	finish := deps.Finish
	if finish == nil {
		finish = func(context.Context, *model.Task, *processor.Result) {}
	}
	return &WorkerPool{
		size:       size,
		cfg:        cfg,
		visibility: visibility,
		drain:      30 * time.Second,
		q:          deps.Queue,
		single:     deps.Processor,
		batch:      processor.AsBatch(deps.Processor),
		reg:        deps.Registry,
		finish:     finish,
		bus:        deps.Bus,
		log:        deps.Log.With("pool"),
		now:        time.Now,
		jobs:       make(chan Job),
	}
}

// OnIdle registers fn to run each time a worker finishes a job.
func (p *WorkerPool) OnIdle(fn func()) { p.onIdle = fn }

// OnBackendError registers fn to run when settling hits an unavailable queue.
func (p *WorkerPool) OnBackendError(fn func(error)) { p.onBackendError = fn }

// SetDrainTimeout bounds how long Run waits for in-flight jobs after its
// context is done.
func (p *WorkerPool) SetDrainTimeout(d time.Duration) {
	if d > 0 {
		p.drain = d
	}
}

func (p *WorkerPool) Size() int { return p.size }

// Idle reports how many workers are parked waiting for a job.
func (p *WorkerPool) Idle() int { return int(p.idle.Load()) }

// Stats returns the busy and total worker counts.
func (p *WorkerPool) Stats() (busy, total int) {
	return int(p.busy.Load()), p.size
}

// Submit hands job to a parked worker. Callers check Idle first; Submit
// blocks until a worker takes the job or ctx is done. The idle count drops
// before Submit returns, so the caller's next Idle check is exact.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	select {
	case p.jobs <- job:
		p.idle.Add(-1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is done and in-flight jobs
// have drained. Jobs still running after the drain timeout are abandoned:
// their leases stay in the queue and are recovered on the next start.
func (p *WorkerPool) Run(ctx context.Context) error {
	workCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	for i := 1; i <= p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, workCtx, fmt.Sprintf("worker-%d", i))
	}
	p.log.Infof("started %d worker(s)", p.size)

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Infof("all workers drained")
	case <-time.After(p.drain):
		p.log.Warnf("drain timeout after %s, abandoning %d job(s)", p.drain, p.busy.Load())
		abort()
		<-done
	}
	return nil
}

func (p *WorkerPool) worker(ctx, workCtx context.Context, id string) {
	defer p.wg.Done()
	p.idle.Add(1)
	for {
		select {
		case <-ctx.Done():
			p.idle.Add(-1)
			return
		case job := <-p.jobs:
			p.busy.Add(1)
			p.runJob(workCtx, id, job)
			p.busy.Add(-1)
			// Count the slot before waking the dispatcher so its Idle check sees it.
			p.idle.Add(1)
			if p.onIdle != nil {
				p.onIdle()
			}
		}
	}
}

func (p *WorkerPool) runJob(ctx context.Context, workerID string, job Job) {
	start := p.now()
	live := make([]*model.Task, 0, len(job.Tasks))
	payloads := make([]processor.Payload, 0, len(job.Tasks))
	for _, t := range job.Tasks {
		t.WorkerID = workerID
		raw, err := os.ReadFile(t.SourcePath)
		if err != nil {
			p.log.Warnf("task %s: read source: %v", t.ID, err)
			p.fail(ctx, t, model.ReasonSourceMissing, err.Error())
			continue
		}
		live = append(live, t)
		payloads = append(payloads, processor.Payload{
			TaskID:   t.ID,
			Priority: t.Priority,
			Mode:     t.Mode,
			Attempt:  t.AttemptCount + 1,
			Tags:     t.Tags,
			Artifact: raw,
		})
	}
	if len(live) == 0 {
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()
	hb := p.startHeartbeat(jobCtx, cancel, live)
	results := p.process(jobCtx, job.Batch, payloads)
	hb.stop()

	if ctx.Err() != nil {
		p.log.Warnf("%s abandoned %d task(s) at shutdown", workerID, len(live))
		return
	}
	elapsed := p.now().Sub(start)
	for _, t := range live {
		if hb.lost(t.ID) {
			p.log.Warnf("task %s: lease lost during processing, discarding result", t.ID)
			continue
		}
		t.Duration = elapsed
		p.settle(ctx, t, results[t.ID])
	}
}

// process runs the processor, turning a panic into a transient failure of
// every item.
func (p *WorkerPool) process(ctx context.Context, batch bool, payloads []processor.Payload) (out map[string]processor.ItemResult) {
	out = make(map[string]processor.ItemResult, len(payloads))
	failAll := func(err error) {
		for _, pl := range payloads {
			out[pl.TaskID] = processor.ItemResult{TaskID: pl.TaskID, Err: err}
		}
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("processor panic: %v\n%s", r, debug.Stack())
			failAll(processor.Transient(fmt.Errorf("processor panic: %v", r)))
		}
	}()

	if !batch && len(payloads) == 1 {
		res, err := p.single.Process(ctx, payloads[0])
		out[payloads[0].TaskID] = processor.ItemResult{TaskID: payloads[0].TaskID, Result: res, Err: err}
		return out
	}

	items, err := p.batch.ProcessBatch(ctx, payloads)
	if err != nil {
		failAll(err)
		return out
	}
	for _, it := range items {
		out[it.TaskID] = it
	}
	for _, pl := range payloads {
		if _, ok := out[pl.TaskID]; !ok {
			out[pl.TaskID] = processor.ItemResult{
				TaskID: pl.TaskID,
				Err:    processor.Transient(errors.New("batch returned no result for task")),
			}
		}
	}
	return out
}

// settle applies one processing outcome to the task and the queue.
func (p *WorkerPool) settle(ctx context.Context, t *model.Task, it processor.ItemResult) {
	now := p.now()
	if it.Err == nil {
		if err := t.Transition(model.StatusSucceeded, now); err != nil {
			p.log.Errorf("%v", err)
			return
		}
		if !p.ack(ctx, t) {
			return
		}
		p.reg.Apply(t)
		p.publish(events.TaskSucceeded, t, "")
		res := it.Result
		p.finish(ctx, t, &res)
		return
	}

	msg := it.Err.Error()
	if processor.KindOf(it.Err) == processor.KindTransient && t.AttemptCount < p.cfg.MaxAttempts() {
		delay := p.backoff(t.AttemptCount)
		t.AttemptCount++
		if err := t.Transition(model.StatusRetrying, now); err != nil {
			p.log.Errorf("%v", err)
			return
		}
		t.Error = &model.TaskError{Reason: model.ReasonTransient, Message: msg}
		if err := p.q.Nack(ctx, t, delay); err != nil {
			p.queueError(t, "nack", err)
			return
		}
		p.reg.Apply(t)
		p.log.Infof("task %s attempt %d failed, retrying in %s: %s", t.ID, t.AttemptCount, delay, msg)
		p.publish(events.TaskRetrying, t, model.ReasonTransient)
		return
	}

	reason := processor.Reason(it.Err)
	if reason == model.ReasonTransient {
		reason = model.ReasonMaxAttempts
	}
	p.fail(ctx, t, reason, msg)
}

// fail moves a dispatched task to failed, acks it and finalizes it.
func (p *WorkerPool) fail(ctx context.Context, t *model.Task, reason model.Reason, msg string) {
	if err := t.Fail(reason, msg, p.now()); err != nil {
		p.log.Errorf("%v", err)
		return
	}
	if !p.ack(ctx, t) {
		return
	}
	p.reg.Apply(t)
	p.log.Infof("task %s failed reason=%s attempts=%d: %s", t.ID, reason, t.AttemptCount, msg)
	p.publish(events.TaskFailed, t, reason)
	p.finish(ctx, t, nil)
}

// ack reports whether the caller may go on to finalize t. A lost lease
// means another delivery owns the task now. An unavailable backend leaves
// the lease to expire; the outcome is still known, so finalization goes
// ahead and the redelivery finds the record already written.
func (p *WorkerPool) ack(ctx context.Context, t *model.Task) bool {
	err := p.q.Ack(ctx, t.ID, t.LeaseEpoch)
	if err == nil {
		return true
	}
	p.queueError(t, "ack", err)
	return !errors.Is(err, queue.ErrLeaseLost)
}

func (p *WorkerPool) queueError(t *model.Task, op string, err error) {
	if errors.Is(err, queue.ErrLeaseLost) {
		p.log.Warnf("task %s: %s after lease loss, discarding result", t.ID, op)
		return
	}
	p.log.Errorf("task %s: %s: %v", t.ID, op, err)
	if errors.Is(err, queue.ErrBackendUnavailable) && p.onBackendError != nil {
		p.onBackendError(err)
	}
}

// backoff returns retry_delay * 2^attempt, capped at max_retry_delay.
func (p *WorkerPool) backoff(attempt int) time.Duration {
	return retryDelay(p.cfg.RetryDelay, p.cfg.MaxRetryDelay, attempt)
}

func retryDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if ceiling < base {
		ceiling = base
	}
	b := retry.WithCappedDuration(ceiling, retry.NewExponential(base))
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d, _ = b.Next()
	}
	return d
}

func (p *WorkerPool) publish(typ events.Type, t *model.Task, reason model.Reason) {
	p.bus.Publish(events.Event{
		Type:     typ,
		TaskID:   t.ID,
		Priority: string(t.Priority),
		WorkerID: t.WorkerID,
		Reason:   string(reason),
		Attempt:  t.AttemptCount,
		Duration: t.Duration,
	})
}

// heartbeat keeps the leases of a running job alive. A lease found lost is
// remembered; when every lease of the job is lost the job is cancelled.
type heartbeat struct {
	mu       sync.Mutex
	lostIDs  map[string]bool
	done     chan struct{}
	finished chan struct{}
}

func (p *WorkerPool) startHeartbeat(ctx context.Context, cancel context.CancelFunc, tasks []*model.Task) *heartbeat {
	hb := &heartbeat{
		lostIDs:  make(map[string]bool),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	interval := p.visibility / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		defer close(hb.finished)
		tkr := time.NewTicker(interval)
		defer tkr.Stop()
		for {
			select {
			case <-hb.done:
				return
			case <-ctx.Done():
				return
			case <-tkr.C:
				lost := 0
				for _, t := range tasks {
					if hb.lost(t.ID) {
						lost++
						continue
					}
					if _, err := p.q.Extend(ctx, t.ID, t.LeaseEpoch); err != nil {
						if errors.Is(err, queue.ErrLeaseLost) {
							hb.markLost(t.ID)
							lost++
							continue
						}
						p.log.Warnf("task %s: extend lease: %v", t.ID, err)
					}
				}
				if lost == len(tasks) {
					cancel()
					return
				}
			}
		}
	}()
	return hb
}

func (hb *heartbeat) markLost(id string) {
	hb.mu.Lock()
	hb.lostIDs[id] = true
	hb.mu.Unlock()
}

func (hb *heartbeat) lost(id string) bool {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return hb.lostIDs[id]
}

func (hb *heartbeat) stop() {
	close(hb.done)
	<-hb.finished
}
