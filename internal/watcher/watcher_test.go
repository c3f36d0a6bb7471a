package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/artifactd/internal/logging"
	"github.com/msageha/artifactd/internal/model"
)

const validArtifact = `{"id":"a1","timestamp":"2026-03-01T12:00:00Z","content":{"text":"hello"},"metadata":{"source":"gen"}}`

func testConfig() model.WatcherConfig {
	return model.WatcherConfig{
		Pattern:      "*.json",
		Recursive:    true,
		QuietPeriod:  50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		ScanInterval: time.Hour,
	}
}

func startWatcher(t *testing.T, roots ...string) (*Watcher, context.CancelFunc) {
	t.Helper()
	w, err := New(roots, testConfig(), logging.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, cancel
}

func next(t *testing.T, w *Watcher, timeout time.Duration) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		return ev, ok
	case <-time.After(timeout):
		return Event{}, false
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestWatcher_EmitsStableFile(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)

	path := filepath.Join(dir, "a.json")
	write(t, path, validArtifact)

	ev, ok := next(t, w, 2*time.Second)
	require.True(t, ok, "expected an event")
	assert.Equal(t, path, ev.Meta.Path)
	assert.False(t, ev.Malformed())
	require.NotNil(t, ev.Artifact)
	assert.Equal(t, "a1", ev.Artifact.ID)
	assert.Equal(t, int64(len(validArtifact)), ev.Meta.Size)
}

func TestWatcher_ExistingFilesPickedUpOnStart(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "early.json"), validArtifact)
	w, _ := startWatcher(t, dir)

	ev, ok := next(t, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "early.json", filepath.Base(ev.Meta.Path))
}

func TestWatcher_WaitsForQuietPeriod(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)
	path := filepath.Join(dir, "growing.json")

	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.WriteString(" ")
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}
	_, err = f.WriteString(validArtifact)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ev, ok := next(t, w, 2*time.Second)
	require.True(t, ok)
	assert.False(t, ev.Malformed(), "only the complete file may be emitted: %v", ev.Err)
}

func TestWatcher_IgnoresNonMatchingAndHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)
	write(t, filepath.Join(dir, "notes.txt"), validArtifact)
	write(t, filepath.Join(dir, ".partial.json"), validArtifact)

	_, ok := next(t, w, 300*time.Millisecond)
	assert.False(t, ok)
}

func TestWatcher_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)
	write(t, filepath.Join(dir, "bad.json"), `[1,2,3]`)

	ev, ok := next(t, w, 2*time.Second)
	require.True(t, ok)
	assert.True(t, ev.Malformed())
	assert.ErrorIs(t, ev.Err, model.ErrMalformed)
	assert.Nil(t, ev.Artifact)
}

func TestWatcher_DedupeUntilForget(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)
	path := filepath.Join(dir, "a.json")
	write(t, path, validArtifact)

	_, ok := next(t, w, 2*time.Second)
	require.True(t, ok)

	// A rescan sees the same path and mtime.
	w.Scan()
	_, ok = next(t, w, 300*time.Millisecond)
	assert.False(t, ok, "same path+mtime must not be emitted twice")

	w.Forget(path)
	w.Scan()
	ev, ok := next(t, w, 2*time.Second)
	require.True(t, ok, "forgotten file is re-offered on rescan")
	assert.Equal(t, path, ev.Meta.Path)
}

func TestWatcher_PauseHoldsEmission(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)
	w.Pause()
	assert.True(t, w.Paused())

	write(t, filepath.Join(dir, "a.json"), validArtifact)
	_, ok := next(t, w, 300*time.Millisecond)
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return w.Pending() == 1 }, time.Second, 10*time.Millisecond)

	w.Resume()
	_, ok = next(t, w, 2*time.Second)
	assert.True(t, ok)
}

func TestWatcher_RecursiveNewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir)

	sub := filepath.Join(dir, "batch1")
	require.NoError(t, os.Mkdir(sub, 0755))
	// Let the watcher register the directory before the file lands.
	time.Sleep(50 * time.Millisecond)
	write(t, filepath.Join(sub, "x.json"), validArtifact)

	ev, ok := next(t, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(sub, "x.json"), ev.Meta.Path)
}

func TestWatcher_MissingRoot(t *testing.T) {
	_, err := New([]string{filepath.Join(t.TempDir(), "absent")}, testConfig(), logging.Discard())
	assert.Error(t, err)
}
