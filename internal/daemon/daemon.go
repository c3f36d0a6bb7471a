// Package daemon wires the scheduler together: ingest, dispatch, the worker
// pool, finalization, monitoring and the control surfaces.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/artifactd/internal/api"
	"github.com/msageha/artifactd/internal/config"
	"github.com/msageha/artifactd/internal/events"
	"github.com/msageha/artifactd/internal/lock"
	"github.com/msageha/artifactd/internal/logging"
	"github.com/msageha/artifactd/internal/model"
	"github.com/msageha/artifactd/internal/monitor"
	"github.com/msageha/artifactd/internal/processor"
	"github.com/msageha/artifactd/internal/queue"
	"github.com/msageha/artifactd/internal/records"
	"github.com/msageha/artifactd/internal/router"
	"github.com/msageha/artifactd/internal/uds"
	"github.com/msageha/artifactd/internal/watcher"
	yamlutil "github.com/msageha/artifactd/internal/yaml"
)

// Options adjust how New builds the daemon. Zero values use the
// configuration.
type Options struct {
	// Foreground copies the daemon log to stderr.
	Foreground bool
	// LogWriter replaces the log file.
	LogWriter io.Writer
	// Processor replaces the adapter selected by processor.type.
	Processor processor.Processor
	// Queue replaces the backend selected by queue.backend.
	Queue queue.Queue
	// HandleSignals makes Run stop on SIGINT/SIGTERM.
	HandleSignals bool
}

// Daemon is the artifactd process.
type Daemon struct {
	cfg     model.Config
	opts    Options
	log     *logging.Logger
	logFile io.Closer
	owner   string
	started time.Time

	fileLock *lock.FileLock
	server   *uds.Server
	httpSrv  *http.Server

	bus        *events.Bus
	audit      *events.AuditLogger
	queue      queue.Queue
	registry   *Registry
	watcher    *watcher.Watcher
	results    *ResultHandler
	pool       *WorkerPool
	dispatcher *Dispatcher
	ingester   *Ingester
	monitor    *monitor.Monitor
	extraSink  records.Sink

	ready    chan struct{}
	cancel   context.CancelFunc
	shutdown sync.Once
	stopped  atomic.Bool
}

// New prepares the directory tree and the daemon log. Nothing is opened
// until Run.
func New(cfg model.Config, opts Options) (*Daemon, error) {
	if err := config.EnsureDirs(cfg.Paths); err != nil {
		return nil, err
	}

	var w io.Writer
	var closer io.Closer
	if opts.LogWriter != nil {
		w = opts.LogWriter
	} else {
		logPath := filepath.Join(cfg.Paths.State, "logs", "artifactd.log")
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open daemon log: %w", err)
		}
		w, closer = f, f
		if opts.Foreground {
			w = io.MultiWriter(f, os.Stderr)
		}
	}

	owner := InstanceID(cfg.Paths.State)
	log := logging.New(w, logging.ParseLevel(cfg.Logging.Level))
	return &Daemon{
		cfg:      cfg,
		opts:     opts,
		log:      log.With("daemon"),
		logFile:  closer,
		owner:    owner,
		fileLock: lock.NewFileLock(LockPath(cfg.Paths.State), owner),
		server:   uds.NewServer(SocketPath(cfg.Paths.State), log),
		registry: NewRegistry(),
		ready:    make(chan struct{}),
	}, nil
}

// InstanceID names the scheduler owning stateDir on this host. It is the
// lease owner in the queue and stays the same across restarts, so a
// restarted daemon can release exactly the leases its predecessor held.
func InstanceID(stateDir string) string {
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	abs, err := filepath.Abs(stateDir)
	if err != nil {
		abs = stateDir
	}
	return fmt.Sprintf("%s/%s", host, uuid.NewSHA1(uuid.NameSpaceURL, []byte("artifactd:"+abs)).String()[:8])
}

// SocketPath is the control socket of the daemon owning stateDir.
func SocketPath(stateDir string) string {
	return filepath.Join(stateDir, uds.DefaultSocketName)
}

func LockPath(stateDir string) string {
	return filepath.Join(stateDir, "locks", "artifactd.lock")
}

// Ready is closed once the daemon accepts work.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Run starts every component and blocks until ctx is done, a shutdown is
// requested, or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("daemon already running: %w", err)
		}
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.started = time.Now()
	d.log.Infof("daemon starting pid=%d owner=%s", os.Getpid(), d.owner)

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if err := d.open(runCtx); err != nil {
		d.cleanup()
		return err
	}
	if err := d.recover(runCtx); err != nil {
		d.cleanup()
		return err
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}
	d.log.Infof("control socket listening on %s", SocketPath(d.cfg.Paths.State))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return d.watcher.Run(gctx) })
	g.Go(func() error { return d.ingester.Run(gctx, d.watcher.Events()) })
	g.Go(func() error { return d.pool.Run(gctx) })
	g.Go(func() error { return d.dispatcher.Run(gctx) })
	g.Go(func() error { return d.monitor.Run(gctx) })
	g.Go(func() error { return d.results.RunRetries(gctx, d.cfg.Processing.DispatchInterval) })
	g.Go(func() error {
		queue.RunReaper(gctx, d.queue, d.cfg.Queue.ReapInterval, d.log, d.ingester.Redelivered)
		return nil
	})
	if d.cfg.Monitoring.HTTPAddr != "" {
		d.startHTTP(g, gctx)
	}

	d.log.Infof("daemon ready")
	close(d.ready)

	if d.opts.HandleSignals {
		d.waitSignals(gctx)
	} else {
		<-gctx.Done()
	}
	d.Shutdown()

	err := d.wait(g)
	d.cleanup()
	d.log.Infof("daemon stopped")
	return err
}

// open builds the components in dependency order.
func (d *Daemon) open(ctx context.Context) error {
	cfg := d.cfg
	state := cfg.Paths.State

	d.bus = events.NewBus(1024)
	audit, err := events.NewAuditLogger(filepath.Join(state, "logs", "events.jsonl"), 0)
	if err != nil {
		return err
	}
	d.audit = audit
	audit.Attach(d.bus)

	q, err := d.openQueue(ctx)
	if err != nil {
		return err
	}
	d.queue = q

	files, err := records.NewFileSink(filepath.Join(state, "records"))
	if err != nil {
		return err
	}
	if cfg.Records.PostgresURL != "" {
		pg, err := records.NewPostgres(ctx, cfg.Records.PostgresURL, cfg.Records.Table)
		if err != nil {
			return err
		}
		d.extraSink = pg
		d.log.Infof("completion records mirrored to postgres table %s", cfg.Records.Table)
	}

	proc := d.opts.Processor
	if proc == nil {
		if proc, err = processor.New(cfg.Processor, cfg.Paths.Temp); err != nil {
			return err
		}
	}

	mode, err := model.ParseMode(cfg.Processing.Mode)
	if err != nil {
		return err
	}
	levels := cfg.Queue.Levels()
	rt := router.New(cfg.Router, mode, levels)

	w, err := watcher.New(cfg.Paths.Watch, cfg.Watcher, d.log)
	if err != nil {
		return err
	}
	d.watcher = w

	d.results = NewResultHandler(cfg.Paths, files, d.extraSink, d.bus, d.log)
	finish := NewFinisher(d.results, d.registry, w.Forget)

	d.pool = NewWorkerPool(cfg.Processing, cfg.Queue.VisibilityTimeout, PoolDeps{
		Queue:     q,
		Processor: proc,
		Registry:  d.registry,
		Finish:    finish,
		Bus:       d.bus,
		Log:       d.log,
	})
	d.pool.SetDrainTimeout(cfg.Daemon.ShutdownTimeout)

	d.dispatcher = NewDispatcher(cfg, d.owner, DispatcherDeps{
		Queue:    q,
		Pool:     d.pool,
		Registry: d.registry,
		Finish:   finish,
		Ingest:   w,
		Bus:      d.bus,
		Log:      d.log,
	})
	d.pool.OnIdle(d.dispatcher.Wake)
	d.pool.OnBackendError(d.dispatcher.Degrade)

	d.ingester = NewIngester(cfg.Queue.MaxQueueSize, IngestDeps{
		Router:   rt,
		Queue:    q,
		Registry: d.registry,
		Results:  d.results,
		Forget:   w.Forget,
		Wake:     d.dispatcher.Wake,
		Degrade:  d.dispatcher.Degrade,
		Bus:      d.bus,
		Log:      d.log,
	})

	d.monitor = monitor.New(cfg.Monitoring, state, monitor.Probes{
		Depths:  q.Depths,
		Workers: d.pool.Stats,
		System:  monitor.NewProcSampler(),
	}, d.bus, d.log)
	return nil
}

func (d *Daemon) openQueue(ctx context.Context) (queue.Queue, error) {
	if d.opts.Queue != nil {
		return d.opts.Queue, nil
	}
	opts := queue.Options{
		Levels:            d.cfg.Queue.Levels(),
		VisibilityTimeout: d.cfg.Queue.VisibilityTimeout,
	}
	switch d.cfg.Queue.Backend {
	case "redis":
		q, err := queue.NewRedis(ctx, d.cfg.Queue.RedisURL, d.cfg.Queue.RedisPrefix, opts)
		if err != nil {
			return nil, fmt.Errorf("open redis queue: %w", err)
		}
		return q, nil
	default:
		q, rec, err := queue.OpenFile(d.cfg.Paths.State, opts)
		if err != nil {
			return nil, err
		}
		switch rec {
		case yamlutil.RecoveryFromBackup:
			d.log.Warnf("queue journal was corrupt, restored from backup")
		case yamlutil.RecoveryReset:
			d.log.Errorf("queue journal and backup unreadable, starting with an empty queue")
		}
		return q, nil
	}
}

// recover re-registers the tasks a previous process left in the queue and
// clears the processor's working directory.
func (d *Daemon) recover(ctx context.Context) error {
	n, err := d.ingester.Recover(ctx, d.owner)
	if err != nil {
		return err
	}
	if n > 0 {
		d.log.Infof("recovered %d queued task(s)", n)
	}
	return sweepTemp(d.cfg.Paths.Temp, d.log)
}

func (d *Daemon) startHTTP(g *errgroup.Group, ctx context.Context) {
	d.httpSrv = &http.Server{
		Addr:              d.cfg.Monitoring.HTTPAddr,
		Handler:           api.NewRouter(d, d.log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		d.log.Infof("http api listening on %s", d.cfg.Monitoring.HTTPAddr)
		if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.httpSrv.Shutdown(sctx)
	})
}

// waitSignals blocks until a shutdown signal arrives or ctx is done. A
// second signal exits immediately.
func (d *Daemon) waitSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		d.log.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-ctx.Done():
		signal.Stop(sigCh)
		return
	}

	go func() {
		<-sigCh
		d.log.Warnf("received second signal, forcing exit")
		os.Exit(1)
	}()
}

// Shutdown stops accepting work and lets Run drain. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log.Infof("shutdown started")
		d.stopped.Store(true)
		if d.cancel != nil {
			d.cancel()
		}
		_ = d.server.Stop()
	})
}

// wait drains the run loops. The pool bounds its own drain by the shutdown
// timeout; the extra grace covers the processor reacting to cancellation.
func (d *Daemon) wait(g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	limit := d.cfg.Daemon.ShutdownTimeout + 10*time.Second
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.Errorf("run loop failed: %v", err)
			return err
		}
		d.log.Infof("all goroutines drained")
		return nil
	case <-time.After(limit):
		d.log.Warnf("shutdown timeout after %s, some operations may be incomplete", limit)
		return nil
	}
}

// cleanup releases resources in reverse order of acquisition.
func (d *Daemon) cleanup() {
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.log.Warnf("close queue: %v", err)
		}
	}
	if d.extraSink != nil {
		_ = d.extraSink.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
	_ = os.Remove(SocketPath(d.cfg.Paths.State))
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
