package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/artifactd/internal/events"
	"github.com/msageha/artifactd/internal/logging"
	"github.com/msageha/artifactd/internal/model"
	"github.com/msageha/artifactd/internal/queue"
	"github.com/msageha/artifactd/internal/router"
	"github.com/msageha/artifactd/internal/watcher"
)

// IngestDeps are the collaborators of an Ingester. Forget, Wake and Degrade
// may be nil.
type IngestDeps struct {
	Router   *router.Router
	Queue    queue.Queue
	Registry *Registry
	Results  *ResultHandler
	Forget   func(path string)
	Wake     func()
	Degrade  func(error)
	Bus      *events.Bus
	Log      *logging.Logger
}

// Ingester turns stable files into queued tasks: classify, check the
// partition's capacity, enqueue.
type Ingester struct {
	maxQueue int
	deps     IngestDeps
	log      *logging.Logger
	now      func() time.Time
}

func NewIngester(maxQueue int, deps IngestDeps) *Ingester {
	noop := func(string) {}
	if deps.Forget == nil {
		deps.Forget = noop
	}
	if deps.Wake == nil {
		deps.Wake = func() {}
	}
	if deps.Degrade == nil {
		deps.Degrade = func(error) {}
	}
	return &Ingester{
		maxQueue: maxQueue,
		deps:     deps,
		log:      deps.Log.With("ingest"),
		now:      time.Now,
	}
}

// Run consumes files until src is closed or ctx is done.
func (in *Ingester) Run(ctx context.Context, src <-chan watcher.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-src:
			if !ok {
				return nil
			}
			if err := in.Ingest(ctx, ev); err != nil {
				in.log.Warnf("ingest %s: %v", ev.Meta.Path, err)
			}
		}
	}
}

// Ingest handles one stable file. A file whose partition is full, or that
// could not be enqueued, is forgotten by the watcher so a later scan offers
// it again.
func (in *Ingester) Ingest(ctx context.Context, ev watcher.Event) error {
	path := ev.Meta.Path
	if t, ok := in.deps.Registry.BySource(path); ok {
		in.log.Debugf("%s already tracked as %s", path, t.ID)
		return nil
	}

	if ev.Malformed() {
		rec, err := in.deps.Results.FinalizeMalformed(ctx, path, ev.Err)
		if err != nil {
			in.deps.Forget(path)
			return fmt.Errorf("quarantine malformed file: %w", err)
		}
		in.log.Warnf("malformed artifact %s moved to %s: %v", path, rec.Destination, ev.Err)
		in.deps.Bus.Publish(events.Event{
			Type:   events.ArtifactMalformed,
			TaskID: rec.TaskID,
			Reason: string(model.ReasonMalformedInput),
			Data:   map[string]any{"path": path, "error": ev.Err.Error()},
		})
		in.deps.Forget(path)
		return nil
	}

	cls := in.deps.Router.Classify(ev.Meta, ev.Artifact)

	depths, err := in.deps.Queue.Depths(ctx)
	if err != nil {
		return in.enqueueFailed(path, err)
	}
	if in.maxQueue > 0 && depths[cls.Priority].Total() >= in.maxQueue {
		in.log.Infof("partition %s full (%d), parking %s", cls.Priority, in.maxQueue, path)
		in.deps.Bus.Publish(events.Event{
			Type:     events.ArtifactParked,
			Priority: string(cls.Priority),
			Data:     map[string]any{"path": path},
		})
		in.deps.Forget(path)
		return nil
	}

	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return err
	}
	now := in.now().UTC()
	t := &model.Task{
		ID:            id,
		ArtifactID:    ev.Artifact.ID,
		SourcePath:    path,
		OriginalName:  filepath.Base(path),
		Priority:      cls.Priority,
		Mode:          cls.Mode,
		Tags:          cls.Tags,
		Status:        model.StatusPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := in.deps.Queue.Enqueue(ctx, t); err != nil {
		return in.enqueueFailed(path, err)
	}
	in.deps.Registry.Put(t)
	in.log.Infof("task %s queued priority=%s mode=%s rule=%s source=%s", t.ID, t.Priority, t.Mode, cls.Rule, path)
	in.deps.Bus.Publish(events.Event{
		Type:     events.TaskIngested,
		TaskID:   t.ID,
		Priority: string(t.Priority),
		Data:     map[string]any{"mode": string(t.Mode), "rule": cls.Rule, "tags": t.Tags},
	})
	in.deps.Wake()
	return nil
}

func (in *Ingester) enqueueFailed(path string, err error) error {
	in.deps.Forget(path)
	if errors.Is(err, queue.ErrBackendUnavailable) {
		in.deps.Degrade(err)
	}
	return fmt.Errorf("enqueue: %w", err)
}

// Redelivered records tasks whose leases expired and were requeued.
func (in *Ingester) Redelivered(tasks []*model.Task) {
	for _, t := range tasks {
		in.deps.Registry.Put(t)
		in.deps.Bus.Publish(events.Event{
			Type:     events.TaskRedelivered,
			TaskID:   t.ID,
			Priority: string(t.Priority),
			Attempt:  t.AttemptCount,
		})
	}
	in.deps.Wake()
}

// Recover registers every task the queue still owns after a restart,
// releasing leases the previous process of owner left behind.
func (in *Ingester) Recover(ctx context.Context, owner string) (int, error) {
	tasks, err := in.deps.Queue.Recover(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("recover queue: %w", err)
	}
	for _, t := range tasks {
		in.deps.Registry.Put(t)
	}
	return len(tasks), nil
}

// sweepTemp removes whatever a previous run left in the processor's working
// directory.
func sweepTemp(dir string, log *logging.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read temp dir: %w", err)
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			log.Warnf("remove orphan %s: %v", p, err)
			continue
		}
		log.Debugf("removed orphan %s", p)
	}
	return nil
}
