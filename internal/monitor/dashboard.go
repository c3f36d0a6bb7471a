package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/msageha/artifactd/internal/model"
	yamlutil "github.com/msageha/artifactd/internal/yaml"
)

type metricsFile struct {
	SchemaVersion int      `yaml:"schema_version"`
	FileType      string   `yaml:"file_type"`
	UpdatedAt     string   `yaml:"updated_at"`
	Sample        Sample   `yaml:"sample"`
	Counters      Counters `yaml:"counters"`
	ActiveAlerts  []string `yaml:"active_alerts,omitempty"`
}

// persist writes state/metrics.yaml and dashboard.md. Failures are logged
// and otherwise ignored.
func (m *Monitor) persist(s Sample) {
	if m.stateDir == "" {
		return
	}
	st := m.status()
	mf := metricsFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "state_metrics",
		UpdatedAt:     s.Time.Format(time.RFC3339),
		Sample:        s,
		Counters:      m.counters,
		ActiveAlerts:  st.ActiveAlerts,
	}
	if err := yamlutil.AtomicWrite(m.metricsPath(), mf); err != nil {
		m.log.Warnf("write metrics: %v", err)
	}
	if err := yamlutil.AtomicWriteFile(m.dashboardPath(), []byte(FormatDashboard(st))); err != nil {
		m.log.Warnf("write dashboard: %v", err)
	}
}

// FormatDashboard renders a status as markdown.
func FormatDashboard(st Status) string {
	var sb strings.Builder
	sb.WriteString("# artifactd Dashboard\n\n")
	sb.WriteString(fmt.Sprintf("Updated: %s\n\n", st.Time.Format(time.RFC3339)))

	state := "running"
	switch {
	case st.Degraded:
		state = "degraded (queue backend unavailable)"
	case st.IngestionPaused:
		state = "ingestion paused (backpressure)"
	}
	sb.WriteString(fmt.Sprintf("State: %s\n\n", state))

	sb.WriteString("## Queue Depth\n\n")
	sb.WriteString("| Partition | Tasks |\n")
	sb.WriteString("|-----------|------:|\n")
	for _, p := range model.Priorities {
		if v, ok := st.Depths[p]; ok {
			sb.WriteString(fmt.Sprintf("| %s | %d |\n", p, v))
		}
	}
	sb.WriteString(fmt.Sprintf("| **total** | %d |\n", st.QueueTotal))

	sb.WriteString("\n## Workers\n\n")
	sb.WriteString(fmt.Sprintf("- busy: %d / %d (%.0f%%)\n", st.BusyWorkers, st.TotalWorkers, st.Utilization*100))
	sb.WriteString(fmt.Sprintf("- cpu: %.1f%%, memory: %.1f%%\n", st.CPU, st.Memory))

	sb.WriteString("\n## Outcomes\n\n")
	sb.WriteString(fmt.Sprintf("- window: %d succeeded, %d failed (error rate %.2f)\n", st.Succeeded, st.Failed, st.ErrorRate))
	c := st.Counters
	sb.WriteString(fmt.Sprintf("- total: %d ingested, %d dispatched, %d succeeded, %d retried, %d failed, %d archived\n",
		c.Ingested, c.Dispatched, c.Succeeded, c.Retried, c.Failed, c.Archived))
	sb.WriteString(fmt.Sprintf("- rejected: %d malformed, %d parked, %d redelivered\n", c.Malformed, c.Parked, c.Redelivered))

	sb.WriteString("\n## Alerts\n\n")
	if len(st.ActiveAlerts) == 0 {
		sb.WriteString("_No active alerts_\n")
	}
	for _, a := range st.ActiveAlerts {
		sb.WriteString(fmt.Sprintf("- **%s** firing\n", a))
	}
	if len(st.RecentAlerts) > 0 {
		sb.WriteString("\n| Time | Metric | Kind | Value | Threshold |\n")
		sb.WriteString("|------|--------|------|------:|----------:|\n")
		for _, a := range st.RecentAlerts {
			sb.WriteString(fmt.Sprintf("| %s | %s | %s | %.2f | %.2f |\n",
				a.Time.Format(time.RFC3339), a.Metric, a.Kind, a.Value, a.Threshold))
		}
	}
	return sb.String()
}
