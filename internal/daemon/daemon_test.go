package daemon

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/artifactd/internal/config"
	"github.com/msageha/artifactd/internal/lock"
	"github.com/msageha/artifactd/internal/model"
	"github.com/msageha/artifactd/internal/uds"
)

func daemonConfig(t *testing.T) model.Config {
	t.Helper()
	cfg := testConfig(t)
	cfg.Watcher.QuietPeriod = 50 * time.Millisecond
	cfg.Watcher.PollInterval = 20 * time.Millisecond
	cfg.Watcher.ScanInterval = 100 * time.Millisecond
	cfg.Monitoring.HTTPAddr = ""
	cfg.Monitoring.SampleInterval = 50 * time.Millisecond

	// The control socket lives in the state dir; keep its path under the
	// unix socket length limit.
	state, err := os.MkdirTemp("/tmp", "afd-state-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(state) })
	cfg.Paths.State = state
	require.NoError(t, config.EnsureDirs(cfg.Paths))
	return cfg
}

func startDaemon(t *testing.T, cfg model.Config, proc *fakeProc) (*Daemon, <-chan error) {
	t.Helper()
	d, err := New(cfg, Options{LogWriter: io.Discard, Processor: proc})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background()) }()
	select {
	case <-d.Ready():
	case err := <-errCh:
		t.Fatalf("daemon exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not ready")
	}
	t.Cleanup(func() {
		d.Shutdown()
		select {
		case <-errCh:
		case <-time.After(15 * time.Second):
		}
	})
	return d, errCh
}

// archived waits for a file ending in suffix to appear in dir.
func archived(t *testing.T, dir, suffix string) string {
	t.Helper()
	var found string
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), suffix) {
				found = filepath.Join(dir, e.Name())
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond, "nothing ending in %s under %s", suffix, dir)
	return found
}

func TestDaemon_ProcessesDroppedFile(t *testing.T) {
	cfg := daemonConfig(t)
	proc := newFakeProc()
	startDaemon(t, cfg, proc)

	src := filepath.Join(cfg.Paths.Watch[0], "alert.json")
	require.NoError(t, os.WriteFile(src, []byte(artifactJSON("a-1", "", "critical outage in region")), 0644))

	dest := archived(t, cfg.Paths.Archive, "__alert.json")
	assert.NoFileExists(t, src)
	assert.FileExists(t, dest)
	assert.Equal(t, 1, proc.totalCalls())

	broken := filepath.Join(cfg.Paths.Watch[0], "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"id":`), 0644))
	archived(t, cfg.Paths.Errors, "__broken.json")
	archived(t, cfg.Paths.Errors, "__broken.json.reason.yaml")
}

func TestDaemon_ControlSocket(t *testing.T) {
	cfg := daemonConfig(t)
	d, errCh := startDaemon(t, cfg, newFakeProc())
	client := uds.NewClient(SocketPath(cfg.Paths.State))

	var pong map[string]any
	require.NoError(t, client.Call("ping", nil, &pong))
	assert.Equal(t, "ok", pong["status"])

	require.NoError(t, client.Call("pause", nil, nil))
	assert.True(t, d.dispatcher.Paused())

	var st Status
	require.NoError(t, client.Call("status", nil, &st))
	assert.True(t, st.DispatchPaused)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, "file", st.Backend)
	assert.Equal(t, 1, st.Workers.Total)

	require.NoError(t, client.Call("resume", nil, nil))
	assert.False(t, d.dispatcher.Paused())

	require.NoError(t, client.Call("scan", nil, nil))

	var rep map[string]any
	require.NoError(t, client.Call("report", ReportParams{Window: "5m"}, &rep))
	err := client.Call("report", ReportParams{Window: "soon"}, &rep)
	var detail *uds.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)

	err = client.Call("frobnicate", nil, nil)
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeUnknownCommand, detail.Code)

	require.NoError(t, client.Call("shutdown", nil, nil))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop after shutdown command")
	}
	assert.NoFileExists(t, SocketPath(cfg.Paths.State))
}

func TestDaemon_SecondInstanceIsRejected(t *testing.T) {
	cfg := daemonConfig(t)
	startDaemon(t, cfg, newFakeProc())

	other, err := New(cfg, Options{LogWriter: io.Discard, Processor: newFakeProc()})
	require.NoError(t, err)
	err = other.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, lock.ErrLocked), "got %v", err)
}

func TestDaemon_RecoversQueuedTasks(t *testing.T) {
	cfg := daemonConfig(t)

	// Leave a leased task behind, as a crashed process would.
	h := newHarness(t, cfg, newFakeProc())
	h.enqueue("leftover", model.PriorityMedium, model.ModeRealTime)
	_, err := h.q.Dequeue(context.Background(), "crashed-owner")
	require.NoError(t, err)
	require.NoError(t, h.q.Close())
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.Temp, "orphan.tmp"), []byte("x"), 0644))

	proc := newFakeProc()
	startDaemon(t, cfg, proc)

	archived(t, cfg.Paths.Archive, "leftover__leftover.json")
	assert.Equal(t, 1, proc.callsFor("leftover"))
	assert.NoFileExists(t, filepath.Join(cfg.Paths.Temp, "orphan.tmp"))
}

func TestInstanceID(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	assert.Equal(t, InstanceID(a), InstanceID(a), "stable across restarts")
	assert.NotEqual(t, InstanceID(a), InstanceID(b))
	assert.NotContains(t, InstanceID(a), " ")
}
