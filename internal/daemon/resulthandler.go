package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/msageha/artifactd/internal/events"
	"github.com/msageha/artifactd/internal/lock"
	"github.com/msageha/artifactd/internal/logging"
	"github.com/msageha/artifactd/internal/model"
	"github.com/msageha/artifactd/internal/processor"
	"github.com/msageha/artifactd/internal/records"
	yamlutil "github.com/msageha/artifactd/internal/yaml"
)

const reasonFileType = "failure_reason"

// reasonFile is the sidecar written next to a failed artifact in errors/.
type reasonFile struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	TaskID        string       `yaml:"task_id"`
	Reason        model.Reason `yaml:"reason"`
	Message       string       `yaml:"message,omitempty"`
	Attempts      int          `yaml:"attempts"`
	Source        string       `yaml:"source"`
	FailedAt      time.Time    `yaml:"failed_at"`
}

// ResultHandler finalizes terminal tasks: the artifact moves to archive/ or
// errors/, success output lands in output/, and exactly one completion
// record is kept per task.
type ResultHandler struct {
	paths model.PathsConfig
	files *records.FileSink
	sink  records.Sink
	bus   *events.Bus
	log   *logging.Logger
	now   func() time.Time

	locks *lock.MutexMap
	group singleflight.Group

	retryBase time.Duration
	retryMax  time.Duration
	mu        sync.Mutex
	retries   map[string]*deferredFinal
}

// deferredFinal is a finalization that failed after its task was settled in
// the queue. Nothing else will finalize the task, so it is retried here.
type deferredFinal struct {
	task    *model.Task
	res     *processor.Result
	done    func()
	backoff retry.Backoff
	due     time.Time
	tries   int
}

// NewResultHandler writes records to files and, when extra is non-nil, to
// extra as well. files doubles as the idempotency check.
func NewResultHandler(paths model.PathsConfig, files *records.FileSink, extra records.Sink, bus *events.Bus, log *logging.Logger) *ResultHandler {
	sink := records.Sink(files)
	if extra != nil {
		sink = records.Multi(files, extra)
	}
	return &ResultHandler{
		paths: paths,
		files: files,
		sink:  sink,
		bus:   bus,
		log:   log.With("result"),
		now:   time.Now,
		locks: lock.NewMutexMap(),

		retryBase: time.Second,
		retryMax:  time.Minute,
		retries:   make(map[string]*deferredFinal),
	}
}

// Finalize relocates t's artifact and records its outcome. t must be
// succeeded or failed; on return it is archived. Finalizing a task that was
// already finalized returns the stored record and changes nothing.
func (h *ResultHandler) Finalize(ctx context.Context, t *model.Task, res *processor.Result) (*records.Record, error) {
	if t.Status != model.StatusSucceeded && t.Status != model.StatusFailed {
		if t.Status == model.StatusArchived {
			return h.files.Read(t.ID)
		}
		return nil, fmt.Errorf("finalize task %s: status %s is not terminal", t.ID, t.Status)
	}

	v, err, _ := h.group.Do(t.ID, func() (any, error) {
		h.locks.Lock(t.ID)
		defer h.locks.Unlock(t.ID)
		return h.finalize(ctx, t.Clone(), res)
	})
	if err != nil {
		return nil, err
	}
	rec := v.(*records.Record)
	if err := t.Transition(model.StatusArchived, h.now()); err != nil {
		return nil, err
	}
	return rec, nil
}

// FinalizeMalformed moves a file that never became a task into errors/
// under a synthetic task id.
func (h *ResultHandler) FinalizeMalformed(ctx context.Context, path string, cause error) (*records.Record, error) {
	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return nil, err
	}
	now := h.now()
	t := &model.Task{
		ID:           id,
		SourcePath:   path,
		OriginalName: filepath.Base(path),
		Status:       model.StatusPending,
		CreatedAt:    now,
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := t.Fail(model.ReasonMalformedInput, msg, now); err != nil {
		return nil, err
	}
	return h.Finalize(ctx, t, nil)
}

func (h *ResultHandler) finalize(ctx context.Context, t *model.Task, res *processor.Result) (*records.Record, error) {
	if rec, err := h.files.Read(t.ID); err == nil {
		h.log.Debugf("task %s already finalized", t.ID)
		return rec, nil
	}

	now := h.now()
	outcome, dir := records.OutcomeSucceeded, h.paths.Archive
	if t.Status == model.StatusFailed {
		outcome, dir = records.OutcomeFailed, h.paths.Errors
	}

	if outcome == records.OutcomeSucceeded && res != nil && len(res.Output) > 0 {
		out := filepath.Join(h.paths.Output, t.ID+".json")
		if err := yamlutil.AtomicWriteFile(out, res.Output); err != nil {
			return nil, fmt.Errorf("write output of %s: %w", t.ID, err)
		}
	}

	dest, err := relocate(t.SourcePath, filepath.Join(dir, destName(t)))
	if err != nil {
		return nil, fmt.Errorf("relocate %s: %w", t.SourcePath, err)
	}

	rec := &records.Record{
		ID:          model.RecordIDFor(t.ID),
		TaskID:      t.ID,
		ArtifactID:  t.ArtifactID,
		Outcome:     outcome,
		Priority:    t.Priority,
		Mode:        t.Mode,
		Attempts:    t.AttemptCount,
		Duration:    t.Duration,
		WorkerID:    t.WorkerID,
		Source:      t.SourcePath,
		Destination: dest,
		FinalizedAt: now.UTC(),
	}
	if t.Error != nil {
		rec.Reason, rec.Message = t.Error.Reason, t.Error.Message
	}

	if outcome == records.OutcomeFailed && dest != "" {
		side := reasonFile{
			SchemaVersion: yamlutil.CurrentSchemaVersion,
			FileType:      reasonFileType,
			TaskID:        t.ID,
			Reason:        rec.Reason,
			Message:       rec.Message,
			Attempts:      t.AttemptCount,
			Source:        t.SourcePath,
			FailedAt:      now.UTC(),
		}
		if err := yamlutil.WriteOnce(dest+".reason.yaml", &side); err != nil && !errors.Is(err, yamlutil.ErrExists) {
			h.log.Warnf("write reason sidecar for %s: %v", t.ID, err)
		}
	}

	if err := h.sink.Write(ctx, rec); err != nil {
		// The file record is authoritative; an auxiliary sink failure is logged.
		if _, rerr := h.files.Read(t.ID); rerr != nil {
			return nil, fmt.Errorf("write record of %s: %w", t.ID, err)
		}
		h.log.Warnf("write record of %s: %v", t.ID, err)
	}

	h.log.Infof("task %s finalized outcome=%s destination=%s", t.ID, outcome, dest)
	h.bus.Publish(events.Event{
		Type:     events.TaskArchived,
		TaskID:   t.ID,
		Priority: string(t.Priority),
		WorkerID: t.WorkerID,
		Reason:   string(rec.Reason),
		Attempt:  t.AttemptCount,
		Data:     map[string]any{"outcome": string(outcome), "destination": dest},
	})
	return rec, nil
}

// destName is deterministic so that repeating a finalization finds the
// artifact already in place.
func destName(t *model.Task) string {
	name := t.OriginalName
	if name == "" {
		name = filepath.Base(t.SourcePath)
	}
	return t.ID + "__" + name
}

// relocate moves src to dst and returns dst. When src is gone it returns dst
// if an earlier attempt already moved it there, and "" otherwise.
func relocate(src, dst string) (string, error) {
	if _, err := os.Stat(src); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if _, derr := os.Stat(dst); derr == nil {
			return dst, nil
		}
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	err := os.Rename(src, dst)
	if err == nil {
		return dst, nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return "", err
	}
	if err := copyAcross(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// copyAcross moves src onto another filesystem: copy to a temp file beside
// dst, rename into place, then remove src.
func copyAcross(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifactd-move-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// retryLater queues a failed finalization of t; done runs once it succeeds.
func (h *ResultHandler) retryLater(t *model.Task, res *processor.Result, done func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.retries[t.ID]; ok {
		return
	}
	b := retry.WithCappedDuration(h.retryMax, retry.NewExponential(h.retryBase))
	wait, _ := b.Next()
	h.retries[t.ID] = &deferredFinal{
		task:    t.Clone(),
		res:     res,
		done:    done,
		backoff: b,
		due:     h.now().Add(wait),
		tries:   1,
	}
}

// PendingFinalizations reports how many settled tasks still wait for their
// artifact to be relocated.
func (h *ResultHandler) PendingFinalizations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.retries)
}

// RetryPending attempts every deferred finalization that is due and returns
// how many remain.
func (h *ResultHandler) RetryPending(ctx context.Context) int {
	now := h.now()
	h.mu.Lock()
	var due []*deferredFinal
	for _, d := range h.retries {
		if !now.Before(d.due) {
			due = append(due, d)
		}
	}
	h.mu.Unlock()

	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		_, err := h.Finalize(ctx, d.task, d.res)
		h.mu.Lock()
		if err != nil {
			d.tries++
			wait, _ := d.backoff.Next()
			d.due = h.now().Add(wait)
			h.mu.Unlock()
			h.log.Warnf("finalize task %s (try %d) failed, next try in %s: %v", d.task.ID, d.tries, wait, err)
			continue
		}
		delete(h.retries, d.task.ID)
		h.mu.Unlock()
		h.log.Infof("task %s finalized after %d tries", d.task.ID, d.tries+1)
		d.done()
	}
	return h.PendingFinalizations()
}

// RunRetries sweeps deferred finalizations every interval until ctx is done.
func (h *ResultHandler) RunRetries(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	tkr := time.NewTicker(interval)
	defer tkr.Stop()
	for {
		select {
		case <-ctx.Done():
			if n := h.PendingFinalizations(); n > 0 {
				h.log.Warnf("stopping with %d task(s) not finalized", n)
			}
			return nil
		case <-tkr.C:
			h.RetryPending(ctx)
		}
	}
}

// NewFinisher finalizes through h and, once the artifact is settled, drops
// the task from reg and lets the watcher forget its source path. forget may
// be nil. A failed finalization stays in reg, which keeps the watcher from
// re-ingesting the source, and is retried by h until it succeeds.
func NewFinisher(h *ResultHandler, reg *Registry, forget func(path string)) Finisher {
	return func(ctx context.Context, t *model.Task, res *processor.Result) {
		done := func() {
			reg.Remove(t.ID)
			if forget != nil {
				forget(t.SourcePath)
			}
		}
		if _, err := h.Finalize(ctx, t, res); err != nil {
			h.log.Errorf("finalize task %s: %v", t.ID, err)
			reg.Apply(t)
			h.retryLater(t, res, done)
			return
		}
		done()
	}
}
