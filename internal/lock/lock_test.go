package lock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexMap_SerializesPerKey(t *testing.T) {
	m := NewMutexMap()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		overlap bool
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("task_1")
			mu.Lock()
			inside++
			if inside > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			m.Unlock("task_1")
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
	assert.Zero(t, m.Len(), "released keys are dropped")
}

func TestMutexMap_IndependentKeys(t *testing.T) {
	m := NewMutexMap()
	m.Lock("a")
	defer m.Unlock("a")

	done := make(chan struct{})
	go func() {
		m.Lock("b")
		m.Unlock("b")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key b blocked behind key a")
	}
	assert.Equal(t, 1, m.Len())
}

func TestMutexMap_UnlockUnknownPanics(t *testing.T) {
	assert.Panics(t, func() { NewMutexMap().Unlock("never") })
}

func TestFileLock_RecordsHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "artifactd.lock")
	fl := NewFileLock(path, "host-a/42")
	require.NoError(t, fl.TryLock())
	defer fl.Unlock()
	assert.True(t, fl.Held())

	h := ReadHolder(path)
	assert.Equal(t, os.Getpid(), h.PID)
	assert.Equal(t, "host-a/42", h.Owner)
	assert.WithinDuration(t, time.Now(), h.Since, time.Minute)
	assert.Contains(t, h.String(), "owner host-a/42")
}

func TestFileLock_SecondHolderRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifactd.lock")
	first := NewFileLock(path, "first")
	require.NoError(t, first.TryLock())
	defer first.Unlock()

	second := NewFileLock(path, "second")
	err := second.TryLock()
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "owner first")
	assert.False(t, second.Held())
	assert.Equal(t, "first", ReadHolder(path).Owner, "a failed attempt leaves the holder line alone")
}

func TestFileLock_ReleaseAndRelock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifactd.lock")
	first := NewFileLock(path, "")
	require.NoError(t, first.TryLock())
	require.NoError(t, first.TryLock(), "relocking a held lock is a no-op")
	require.NoError(t, first.Unlock())
	require.NoError(t, first.Unlock(), "unlocking twice is safe")
	assert.NoFileExists(t, path)

	second := NewFileLock(path, "")
	require.NoError(t, second.TryLock())
	defer second.Unlock()
	assert.Empty(t, ReadHolder(path).Owner)
}

func TestReadHolder(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0600))
		return p
	}

	tests := []struct {
		name string
		path string
		want Holder
	}{
		{"missing", filepath.Join(dir, "none"), Holder{}},
		{"empty", write("empty", ""), Holder{}},
		{"garbage", write("garbage", "not-a-pid"), Holder{}},
		{"pid only", write("pid", "123\n"), Holder{PID: 123}},
		{"full", write("full", "77 box/77 2026-02-03T04:05:06Z\n"),
			Holder{PID: 77, Owner: "box/77", Since: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReadHolder(tt.path)
			assert.Equal(t, tt.want.PID, got.PID)
			assert.Equal(t, tt.want.Owner, got.Owner)
			assert.True(t, tt.want.Since.Equal(got.Since))
		})
	}
	assert.Equal(t, "unknown holder", Holder{}.String())
}
