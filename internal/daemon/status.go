package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/msageha/artifactd/internal/api"
	"github.com/msageha/artifactd/internal/model"
	"github.com/msageha/artifactd/internal/monitor"
	"github.com/msageha/artifactd/internal/uds"
)

// TaskSummary is the status view of one live task.
type TaskSummary struct {
	ID       string         `json:"id" yaml:"id"`
	Priority model.Priority `json:"priority" yaml:"priority"`
	Mode     model.Mode     `json:"mode" yaml:"mode"`
	Status   model.Status   `json:"status" yaml:"status"`
	Attempts int            `json:"attempts" yaml:"attempts"`
	WorkerID string         `json:"worker_id,omitempty" yaml:"worker_id,omitempty"`
	Source   string         `json:"source" yaml:"source"`
}

type WorkerStats struct {
	Busy  int `json:"busy" yaml:"busy"`
	Total int `json:"total" yaml:"total"`
}

// Status is the answer to the status command and GET /status.
type Status struct {
	PID             int                  `json:"pid" yaml:"pid"`
	StartedAt       time.Time            `json:"started_at" yaml:"started_at"`
	Uptime          string               `json:"uptime" yaml:"uptime"`
	Backend         string               `json:"backend" yaml:"backend"`
	DispatchPaused  bool                 `json:"dispatch_paused" yaml:"dispatch_paused"`
	IngestionPaused bool                 `json:"ingestion_paused" yaml:"ingestion_paused"`
	Degraded        bool                 `json:"degraded" yaml:"degraded"`
	Workers         WorkerStats          `json:"workers" yaml:"workers"`
	Batched         int                  `json:"batched" yaml:"batched"`
	Unfinalized     int                  `json:"unfinalized" yaml:"unfinalized"`
	Tasks           map[model.Status]int `json:"tasks" yaml:"tasks"`
	Active          []TaskSummary        `json:"active" yaml:"active"`
	Monitor         *monitor.Status      `json:"monitor,omitempty" yaml:"monitor,omitempty"`
}

// maxActive bounds the task list in a status answer.
const maxActive = 100

// Health reports an error while dispatch cannot make progress.
func (d *Daemon) Health(context.Context) error {
	if d.stopped.Load() {
		return errors.New("daemon shutting down")
	}
	if d.dispatcher != nil && d.dispatcher.Degraded() {
		return errors.New(string(model.ReasonBackendUnavailable))
	}
	return nil
}

// Snapshot implements api.Source.
func (d *Daemon) Snapshot(ctx context.Context) (any, error) {
	return d.Status(ctx)
}

func (d *Daemon) Status(ctx context.Context) (Status, error) {
	st := Status{
		PID:             os.Getpid(),
		StartedAt:       d.started.UTC(),
		Uptime:          time.Since(d.started).Truncate(time.Second).String(),
		Backend:         d.cfg.Queue.Backend,
		DispatchPaused:  d.dispatcher.Paused(),
		IngestionPaused: d.dispatcher.IngestionPaused(),
		Degraded:        d.dispatcher.Degraded(),
		Batched:         d.dispatcher.Batched(),
		Unfinalized:     d.results.PendingFinalizations(),
		Tasks:           d.registry.Counts(),
	}
	st.Workers.Busy, st.Workers.Total = d.pool.Stats()

	for _, t := range d.registry.Snapshot() {
		if t.Status != model.StatusDispatched && len(st.Active) >= maxActive {
			continue
		}
		st.Active = append(st.Active, TaskSummary{
			ID:       t.ID,
			Priority: t.Priority,
			Mode:     t.Mode,
			Status:   t.Status,
			Attempts: t.AttemptCount,
			WorkerID: t.WorkerID,
			Source:   t.SourcePath,
		})
	}

	ms, err := d.monitor.Status(ctx)
	if err != nil {
		d.log.Debugf("monitor status: %v", err)
		return st, nil
	}
	st.Monitor = &ms
	return st, nil
}

func (d *Daemon) Report(ctx context.Context, from, to time.Time) (monitor.Report, error) {
	return d.monitor.Report(ctx, from, to)
}

// ReportParams select the range of the report command.
type ReportParams struct {
	Window string `json:"window,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// registerHandlers registers the control socket commands.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(ctx context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	d.server.Handle("status", func(ctx context.Context, req *uds.Request) *uds.Response {
		st, err := d.Status(ctx)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(st)
	})

	d.server.Handle("report", func(ctx context.Context, req *uds.Request) *uds.Response {
		var p ReportParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
		}
		from, to, err := api.ParseRange(p.Window, p.From, p.To, time.Now())
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		rep, err := d.Report(ctx, from, to)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(rep)
	})

	d.server.Handle("pause", func(ctx context.Context, req *uds.Request) *uds.Response {
		d.dispatcher.Pause()
		return uds.SuccessResponse(map[string]string{"dispatch": "paused"})
	})

	d.server.Handle("resume", func(ctx context.Context, req *uds.Request) *uds.Response {
		if d.dispatcher.Degraded() {
			d.dispatcher.Resume()
			return uds.ErrorResponse(uds.ErrCodeBackendUnavailable, "dispatch resumed but the queue backend is still unavailable")
		}
		d.dispatcher.Resume()
		return uds.SuccessResponse(map[string]string{"dispatch": "running"})
	})

	d.server.Handle("scan", func(ctx context.Context, req *uds.Request) *uds.Response {
		d.watcher.Scan()
		return uds.SuccessResponse(map[string]string{"status": "scan_requested"})
	})

	d.server.Handle("shutdown", func(ctx context.Context, req *uds.Request) *uds.Response {
		d.log.Infof("shutdown requested via control socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}
