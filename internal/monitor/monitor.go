// Package monitor samples scheduler health, evaluates alert thresholds with
// hysteresis, and keeps a bounded history for reports. All statistics are
// owned by the goroutine running Run; everything else talks to it over
// channels, so publishers never block on observation.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/msageha/artifactd/internal/events"
	"github.com/msageha/artifactd/internal/logging"
	"github.com/msageha/artifactd/internal/model"
	"github.com/msageha/artifactd/internal/queue"
)

var ErrStopped = errors.New("monitor: not running")

type AlertKind string

const (
	AlertFiring    AlertKind = "alert"
	AlertRecovered AlertKind = "recovery"
)

type Alert struct {
	Metric    string    `json:"metric" yaml:"metric"`
	Kind      AlertKind `json:"kind" yaml:"kind"`
	Value     float64   `json:"value" yaml:"value"`
	Threshold float64   `json:"threshold" yaml:"threshold"`
	Time      time.Time `json:"time" yaml:"time"`
}

// Sample is one observation. Succeeded and Failed count outcomes inside the
// sliding window; NewSucceeded and NewFailed count those since the previous
// sample.
type Sample struct {
	Time         time.Time              `json:"time" yaml:"time"`
	Depths       map[model.Priority]int `json:"depths" yaml:"depths"`
	QueueTotal   int                    `json:"queue_total" yaml:"queue_total"`
	BusyWorkers  int                    `json:"busy_workers" yaml:"busy_workers"`
	TotalWorkers int                    `json:"total_workers" yaml:"total_workers"`
	Utilization  float64                `json:"utilization" yaml:"utilization"`
	Succeeded    int                    `json:"succeeded" yaml:"succeeded"`
	Failed       int                    `json:"failed" yaml:"failed"`
	ErrorRate    float64                `json:"error_rate" yaml:"error_rate"`
	NewSucceeded int                    `json:"new_succeeded" yaml:"new_succeeded"`
	NewFailed    int                    `json:"new_failed" yaml:"new_failed"`
	CPU          float64                `json:"cpu_usage" yaml:"cpu_usage"`
	Memory       float64                `json:"memory_usage" yaml:"memory_usage"`
	Degraded     bool                   `json:"degraded" yaml:"degraded"`
}

func (s Sample) clone() Sample {
	s.Depths = maps.Clone(s.Depths)
	return s
}

// Counters are totals since start.
type Counters struct {
	Ingested    int `json:"ingested" yaml:"ingested"`
	Dispatched  int `json:"dispatched" yaml:"dispatched"`
	Batches     int `json:"batches" yaml:"batches"`
	Succeeded   int `json:"succeeded" yaml:"succeeded"`
	Retried     int `json:"retried" yaml:"retried"`
	Failed      int `json:"failed" yaml:"failed"`
	Archived    int `json:"archived" yaml:"archived"`
	Malformed   int `json:"malformed" yaml:"malformed"`
	Parked      int `json:"parked" yaml:"parked"`
	Redelivered int `json:"redelivered" yaml:"redelivered"`
}

type Status struct {
	Sample          `yaml:",inline"`
	Counters        Counters `json:"counters" yaml:"counters"`
	IngestionPaused bool     `json:"ingestion_paused" yaml:"ingestion_paused"`
	ActiveAlerts    []string `json:"active_alerts" yaml:"active_alerts"`
	RecentAlerts    []Alert  `json:"recent_alerts" yaml:"recent_alerts"`
	Samples         int      `json:"samples" yaml:"samples"`
	EventsDropped   int64    `json:"events_dropped" yaml:"events_dropped"`
}

type DepthStats struct {
	Min int     `json:"min" yaml:"min"`
	Max int     `json:"max" yaml:"max"`
	Avg float64 `json:"avg" yaml:"avg"`
}

type Report struct {
	From           time.Time  `json:"from" yaml:"from"`
	To             time.Time  `json:"to" yaml:"to"`
	Samples        int        `json:"samples" yaml:"samples"`
	Depth          DepthStats `json:"depth" yaml:"depth"`
	AvgUtilization float64    `json:"avg_utilization" yaml:"avg_utilization"`
	Succeeded      int        `json:"succeeded" yaml:"succeeded"`
	Failed         int        `json:"failed" yaml:"failed"`
	ErrorRate      float64    `json:"error_rate" yaml:"error_rate"`
	PeakCPU        float64    `json:"peak_cpu_usage" yaml:"peak_cpu_usage"`
	PeakMemory     float64    `json:"peak_memory_usage" yaml:"peak_memory_usage"`
	DegradedTime   int        `json:"degraded_samples" yaml:"degraded_samples"`
	Alerts         []Alert    `json:"alerts" yaml:"alerts"`
}

// Probes are polled on every sample. Nil probes are skipped.
type Probes struct {
	Depths  func(ctx context.Context) (queue.Depths, error)
	Workers func() (busy, total int)
	System  SystemSampler
}

const maxAlertLog = 256

type outcome struct {
	at     time.Time
	failed bool
}

type Monitor struct {
	cfg      model.MonitoringConfig
	stateDir string
	probes   Probes
	bus      *events.Bus
	log      *logging.Logger
	now      func() time.Time

	in      chan events.Event
	reqs    chan func()
	stopped chan struct{}

	// Owned by the Run goroutine.
	outcomes     []outcome
	newSucceeded int
	newFailed    int
	counters     Counters
	degraded     bool
	paused       bool
	history      *ring
	thresholds   []*threshold
	alerts       []Alert
}

func New(cfg model.MonitoringConfig, stateDir string, probes Probes, bus *events.Bus, log *logging.Logger) *Monitor {
	if cfg.ConsecutiveSamples < 1 {
		cfg.ConsecutiveSamples = 1
	}
	th := cfg.AlertThresholds
	thresholds := []*threshold{
		{metric: "cpu_usage", limit: th.CPUUsage},
		{metric: "memory_usage", limit: th.MemoryUsage},
		{metric: "queue_size", limit: float64(th.QueueSize)},
		{metric: "error_rate", limit: th.ErrorRate},
	}
	return &Monitor{
		cfg:        cfg,
		stateDir:   stateDir,
		probes:     probes,
		bus:        bus,
		log:        log.With("monitor"),
		now:        time.Now,
		in:         make(chan events.Event, 1024),
		reqs:       make(chan func()),
		stopped:    make(chan struct{}),
		history:    newRing(cfg.HistorySize),
		thresholds: thresholds,
	}
}

var observed = []events.Type{
	events.TaskIngested, events.TaskDispatched, events.BatchDispatched,
	events.TaskSucceeded, events.TaskRetrying, events.TaskFailed,
	events.TaskArchived, events.TaskRedelivered,
	events.ArtifactMalformed, events.ArtifactParked,
	events.IngestionPaused, events.IngestionResumed,
	events.BackendDegraded, events.BackendRecovered,
}

// Run owns the statistics until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.stopped)
	if m.bus != nil {
		unsubscribe := m.bus.Subscribe(m.offer, observed...)
		defer unsubscribe()
	}

	interval := m.cfg.SampleInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	tkr := time.NewTicker(interval)
	defer tkr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.in:
			m.safely("apply event", func() { m.apply(ev) })
		case req := <-m.reqs:
			m.safely("serve request", req)
		case <-tkr.C:
			m.safely("sample", func() {
				sctx, cancel := context.WithTimeout(ctx, interval)
				defer cancel()
				m.sample(sctx)
			})
		}
	}
}

// offer hands an event to the owner goroutine, dropping it when the owner is
// behind.
func (m *Monitor) offer(ev events.Event) {
	select {
	case m.in <- ev:
	default:
	}
}

func (m *Monitor) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("panic during %s: %v\n%s", what, r, debug.Stack())
		}
	}()
	fn()
}

func (m *Monitor) apply(ev events.Event) {
	switch ev.Type {
	case events.TaskIngested:
		m.counters.Ingested++
	case events.TaskDispatched:
		m.counters.Dispatched++
	case events.BatchDispatched:
		m.counters.Batches++
	case events.TaskSucceeded:
		m.counters.Succeeded++
		m.newSucceeded++
		m.outcomes = append(m.outcomes, outcome{at: ev.Time})
	case events.TaskRetrying:
		m.counters.Retried++
		m.newFailed++
		m.outcomes = append(m.outcomes, outcome{at: ev.Time, failed: true})
	case events.TaskFailed:
		m.counters.Failed++
		m.newFailed++
		m.outcomes = append(m.outcomes, outcome{at: ev.Time, failed: true})
	case events.TaskArchived:
		m.counters.Archived++
	case events.TaskRedelivered:
		m.counters.Redelivered++
	case events.ArtifactMalformed:
		m.counters.Malformed++
	case events.ArtifactParked:
		m.counters.Parked++
	case events.IngestionPaused:
		m.paused = true
	case events.IngestionResumed:
		m.paused = false
	case events.BackendDegraded:
		m.degraded = true
	case events.BackendRecovered:
		m.degraded = false
	}
}

// sample takes one observation, evaluates thresholds and persists the
// metrics and dashboard files.
func (m *Monitor) sample(ctx context.Context) {
	now := m.now()
	s := Sample{Time: now.UTC(), Degraded: m.degraded}

	if m.probes.Depths != nil {
		d, err := m.probes.Depths(ctx)
		if err != nil {
			m.log.Warnf("sample queue depths: %v", err)
			s.Degraded = true
		} else {
			s.Depths = make(map[model.Priority]int, len(d))
			for p, v := range d {
				s.Depths[p] = v.Total()
			}
			s.QueueTotal = d.Total()
		}
	}
	if m.probes.Workers != nil {
		s.BusyWorkers, s.TotalWorkers = m.probes.Workers()
		if s.TotalWorkers > 0 {
			s.Utilization = float64(s.BusyWorkers) / float64(s.TotalWorkers)
		}
	}
	if m.probes.System != nil {
		cpu, mem, err := m.probes.System.Sample()
		if err != nil {
			m.log.Debugf("sample system usage: %v", err)
		}
		s.CPU, s.Memory = cpu, mem
	}

	m.trimWindow(now)
	for _, o := range m.outcomes {
		if o.failed {
			s.Failed++
		} else {
			s.Succeeded++
		}
	}
	if total := s.Succeeded + s.Failed; total > 0 {
		s.ErrorRate = float64(s.Failed) / float64(total)
	}
	s.NewSucceeded, s.NewFailed = m.newSucceeded, m.newFailed
	m.newSucceeded, m.newFailed = 0, 0

	m.history.push(s)
	m.evaluate(s)
	m.persist(s)
}

func (m *Monitor) trimWindow(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for i < len(m.outcomes) && m.outcomes[i].at.Before(cutoff) {
		i++
	}
	m.outcomes = m.outcomes[i:]
}

func (m *Monitor) evaluate(s Sample) {
	values := map[string]float64{
		"cpu_usage":    s.CPU,
		"memory_usage": s.Memory,
		"queue_size":   float64(s.QueueTotal),
		"error_rate":   s.ErrorRate,
	}
	for _, th := range m.thresholds {
		a := th.observe(values[th.metric], m.cfg.ConsecutiveSamples, s.Time)
		if a == nil {
			continue
		}
		m.alerts = append(m.alerts, *a)
		if len(m.alerts) > maxAlertLog {
			m.alerts = m.alerts[len(m.alerts)-maxAlertLog:]
		}
		typ := events.AlertFired
		if a.Kind == AlertRecovered {
			typ = events.AlertRecovered
			m.log.Infof("%s recovered: %.2f below %.2f", a.Metric, a.Value, a.Threshold)
		} else {
			m.log.Warnf("%s alert: %.2f >= %.2f for %d samples", a.Metric, a.Value, a.Threshold, m.cfg.ConsecutiveSamples)
		}
		m.bus.Publish(events.Event{
			Type: typ,
			Time: a.Time,
			Data: map[string]any{"metric": a.Metric, "value": a.Value, "threshold": a.Threshold},
		})
	}
}

func (m *Monitor) status() Status {
	last, _ := m.history.last()
	st := Status{
		Sample:          last.clone(),
		Counters:        m.counters,
		IngestionPaused: m.paused,
		Samples:         m.history.len(),
		EventsDropped:   m.bus.Dropped(),
	}
	st.Degraded = st.Degraded || m.degraded
	for _, th := range m.thresholds {
		if th.firing {
			st.ActiveAlerts = append(st.ActiveAlerts, th.metric)
		}
	}
	n := len(m.alerts)
	if n > 10 {
		n = 10
	}
	st.RecentAlerts = append([]Alert(nil), m.alerts[len(m.alerts)-n:]...)
	return st
}

func (m *Monitor) report(from, to time.Time) Report {
	r := Report{From: from.UTC(), To: to.UTC()}
	samples := m.history.between(from, to)
	r.Samples = len(samples)
	var depthSum, utilSum float64
	for i, s := range samples {
		if i == 0 || s.QueueTotal < r.Depth.Min {
			r.Depth.Min = s.QueueTotal
		}
		if s.QueueTotal > r.Depth.Max {
			r.Depth.Max = s.QueueTotal
		}
		depthSum += float64(s.QueueTotal)
		utilSum += s.Utilization
		r.Succeeded += s.NewSucceeded
		r.Failed += s.NewFailed
		r.PeakCPU = max(r.PeakCPU, s.CPU)
		r.PeakMemory = max(r.PeakMemory, s.Memory)
		if s.Degraded {
			r.DegradedTime++
		}
	}
	if r.Samples > 0 {
		r.Depth.Avg = depthSum / float64(r.Samples)
		r.AvgUtilization = utilSum / float64(r.Samples)
	}
	if total := r.Succeeded + r.Failed; total > 0 {
		r.ErrorRate = float64(r.Failed) / float64(total)
	}
	for _, a := range m.alerts {
		if !a.Time.Before(from) && !a.Time.After(to) {
			r.Alerts = append(r.Alerts, a)
		}
	}
	return r
}

// do runs fn on the owner goroutine and waits for it. Once the owner has
// accepted fn it may be writing into the caller's variables, so the wait
// no longer honours ctx.
func (m *Monitor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	req := func() {
		defer close(done)
		fn()
	}
	select {
	case m.reqs <- req:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Status returns a copy of the latest sample and the running counters.
func (m *Monitor) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.do(ctx, func() { st = m.status() })
	return st, err
}

// Report aggregates the history inside [from, to].
func (m *Monitor) Report(ctx context.Context, from, to time.Time) (Report, error) {
	if to.Before(from) {
		return Report{}, fmt.Errorf("report window ends before it starts")
	}
	var r Report
	err := m.do(ctx, func() { r = m.report(from, to) })
	return r, err
}

// SampleNow forces an observation outside the regular interval.
func (m *Monitor) SampleNow(ctx context.Context) error {
	return m.do(ctx, func() { m.sample(ctx) })
}

func (m *Monitor) metricsPath() string   { return filepath.Join(m.stateDir, "metrics.yaml") }
func (m *Monitor) dashboardPath() string { return filepath.Join(m.stateDir, "dashboard.md") }
