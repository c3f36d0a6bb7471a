package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/artifactd/internal/config"
	"github.com/msageha/artifactd/internal/events"
	"github.com/msageha/artifactd/internal/logging"
	"github.com/msageha/artifactd/internal/model"
	"github.com/msageha/artifactd/internal/processor"
	"github.com/msageha/artifactd/internal/queue"
	"github.com/msageha/artifactd/internal/records"
	"github.com/msageha/artifactd/internal/router"
	"github.com/msageha/artifactd/internal/watcher"
)

// fakeProc records every call. fn decides the outcome of the n-th call for a
// task (n starts at 1); nil means success. A non-nil gate blocks each call
// until it is closed.
type fakeProc struct {
	mu         sync.Mutex
	calls      map[string]int
	order      []string
	batches    []int
	running    int
	maxRunning int
	gate       chan struct{}
	fn         func(p processor.Payload, n int) (processor.Result, error)
}

func newFakeProc() *fakeProc {
	return &fakeProc{calls: make(map[string]int)}
}

func (f *fakeProc) Process(ctx context.Context, p processor.Payload) (processor.Result, error) {
	f.mu.Lock()
	f.calls[p.TaskID]++
	n := f.calls[p.TaskID]
	f.order = append(f.order, p.TaskID)
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	gate, fn := f.gate, f.fn
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return processor.Result{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(p, n)
	}
	return processor.Result{Output: json.RawMessage(`{"ok":true}`)}, nil
}

func (f *fakeProc) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeProc) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *fakeProc) snapshot() (order []string, maxRunning, running int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...), f.maxRunning, f.running
}

// fakeBatchProc also implements BatchProcessor and records batch sizes.
type fakeBatchProc struct {
	*fakeProc
}

func (f fakeBatchProc) ProcessBatch(ctx context.Context, ps []processor.Payload) ([]processor.ItemResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, len(ps))
	f.mu.Unlock()
	out := make([]processor.ItemResult, 0, len(ps))
	for _, p := range ps {
		res, err := f.Process(ctx, p)
		out = append(out, processor.ItemResult{TaskID: p.TaskID, Result: res, Err: err})
	}
	return out, nil
}

func (f fakeBatchProc) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batches...)
}

type fakePauser struct {
	mu     sync.Mutex
	paused bool
	pauses int
}

func (p *fakePauser) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.pauses++
}

func (p *fakePauser) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

func (p *fakePauser) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// harness wires the scheduler core over a file queue in a temp tree.
type harness struct {
	t       *testing.T
	cfg     model.Config
	q       queue.Queue
	reg     *Registry
	bus     *events.Bus
	files   *records.FileSink
	results *ResultHandler
	pool    *WorkerPool
	disp    *Dispatcher
	ingest  *Ingester
	pauser  *fakePauser

	mu        sync.Mutex
	forgotten []string
	seen      []events.Event

	cancel context.CancelFunc
	done   chan struct{}
}

func testConfig(t *testing.T) model.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Processing.MaxWorkers = 1
	cfg.Processing.RetryAttempts = 3
	cfg.Processing.RetryDelay = 10 * time.Millisecond
	cfg.Processing.MaxRetryDelay = 40 * time.Millisecond
	cfg.Processing.TaskTimeout = 5 * time.Second
	cfg.Processing.BatchSize = 3
	cfg.Processing.BatchTimeout = 100 * time.Millisecond
	cfg.Processing.DispatchInterval = 10 * time.Millisecond
	cfg.Queue.VisibilityTimeout = 5 * time.Second
	cfg.Queue.ReapInterval = 50 * time.Millisecond
	cfg.Daemon.ShutdownTimeout = 5 * time.Second
	require.NoError(t, config.EnsureDirs(cfg.Paths))
	return cfg
}

func newHarness(t *testing.T, cfg model.Config, proc processor.Processor) *harness {
	t.Helper()
	return newWrappedHarness(t, cfg, proc, nil)
}

// newWrappedHarness lets wrap interpose on the file queue.
func newWrappedHarness(t *testing.T, cfg model.Config, proc processor.Processor, wrap func(queue.Queue) queue.Queue) *harness {
	t.Helper()
	log := logging.Discard()

	fq, _, err := queue.OpenFile(cfg.Paths.State, queue.Options{
		Levels:            cfg.Queue.Levels(),
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fq.Close() })
	var q queue.Queue = fq
	if wrap != nil {
		q = wrap(fq)
	}

	files, err := records.NewFileSink(filepath.Join(cfg.Paths.State, "records"))
	require.NoError(t, err)

	h := &harness{
		t:      t,
		cfg:    cfg,
		q:      q,
		reg:    NewRegistry(),
		bus:    events.NewBus(1024),
		files:  files,
		pauser: &fakePauser{},
	}
	t.Cleanup(h.bus.Close)
	h.bus.Subscribe(func(ev events.Event) {
		h.mu.Lock()
		h.seen = append(h.seen, ev)
		h.mu.Unlock()
	})

	forget := func(path string) {
		h.mu.Lock()
		h.forgotten = append(h.forgotten, path)
		h.mu.Unlock()
	}
	h.results = NewResultHandler(cfg.Paths, files, nil, h.bus, log)
	finish := NewFinisher(h.results, h.reg, forget)
	h.pool = NewWorkerPool(cfg.Processing, cfg.Queue.VisibilityTimeout, PoolDeps{
		Queue: q, Processor: proc, Registry: h.reg, Finish: finish, Bus: h.bus, Log: log,
	})
	h.disp = NewDispatcher(cfg, "test-owner", DispatcherDeps{
		Queue: q, Pool: h.pool, Registry: h.reg, Finish: finish, Ingest: h.pauser, Bus: h.bus, Log: log,
	})
	h.pool.OnIdle(h.disp.Wake)
	h.pool.OnBackendError(h.disp.Degrade)

	mode, err := model.ParseMode(cfg.Processing.Mode)
	require.NoError(t, err)
	h.ingest = NewIngester(cfg.Queue.MaxQueueSize, IngestDeps{
		Router:   router.New(cfg.Router, mode, cfg.Queue.Levels()),
		Queue:    q,
		Registry: h.reg,
		Results:  h.results,
		Forget:   forget,
		Wake:     h.disp.Wake,
		Degrade:  h.disp.Degrade,
		Bus:      h.bus,
		Log:      log,
	})
	return h
}

// start runs the pool and the dispatcher until the test ends.
func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = h.pool.Run(ctx) }()
	go func() { defer wg.Done(); _ = h.disp.Run(ctx) }()
	go func() { wg.Wait(); close(h.done) }()
	h.t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
		h.t.Error("scheduler did not stop")
	}
	h.cancel = nil
}

func artifactJSON(id, priority, text string) string {
	meta := `"source":"test"`
	if priority != "" {
		meta += fmt.Sprintf(`,"priority":%q`, priority)
	}
	return fmt.Sprintf(`{"id":%q,"timestamp":"2026-01-01T00:00:00Z","content":{"text":%q},"metadata":{%s}}`, id, text, meta)
}

// writeSource drops an artifact file into the first watch directory.
func (h *harness) writeSource(name, body string) string {
	h.t.Helper()
	path := filepath.Join(h.cfg.Paths.Watch[0], name)
	require.NoError(h.t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// enqueue queues a task for a fresh source file, bypassing the router.
func (h *harness) enqueue(id string, p model.Priority, mode model.Mode) *model.Task {
	h.t.Helper()
	path := h.writeSource(id+".json", artifactJSON(id, string(p), "payload "+id))
	now := time.Now().UTC()
	t := &model.Task{
		ID:            id,
		ArtifactID:    id,
		SourcePath:    path,
		OriginalName:  filepath.Base(path),
		Priority:      p,
		Mode:          mode,
		Status:        model.StatusPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	require.NoError(h.t, h.q.Enqueue(context.Background(), t))
	h.reg.Put(t)
	return t
}

// offer feeds a file through the ingest pipeline the way the watcher would.
func (h *harness) offer(path string) error {
	h.t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(h.t, err)
	info, err := os.Stat(path)
	require.NoError(h.t, err)
	ev := watcher.Event{
		Meta: router.FileMeta{Path: path, Size: info.Size(), ModTime: info.ModTime()},
		Raw:  data,
	}
	ev.Artifact, ev.Err = model.ParseArtifact(data)
	return h.ingest.Ingest(context.Background(), ev)
}

// waitRecord waits for the completion record of id.
func (h *harness) waitRecord(id string) *records.Record {
	h.t.Helper()
	var rec *records.Record
	require.Eventually(h.t, func() bool {
		r, err := h.files.Read(id)
		if err != nil {
			return false
		}
		rec = r
		return true
	}, 10*time.Second, 10*time.Millisecond, "no completion record for %s", id)
	return rec
}

func (h *harness) events(typ events.Type) []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.Event
	for _, ev := range h.seen {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) forgot(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.forgotten {
		if p == path {
			return true
		}
	}
	return false
}
