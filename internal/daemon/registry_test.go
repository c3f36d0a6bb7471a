package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/artifactd/internal/model"
)

func regTask(id, src string, created time.Time, status model.Status) *model.Task {
	return &model.Task{ID: id, SourcePath: src, Priority: model.PriorityMedium, Status: status, CreatedAt: created}
}

func TestRegistry_PutGetRemove(t *testing.T) {
	r := NewRegistry()
	task := regTask("t1", "/w/a.json", time.Now(), model.StatusPending)
	r.Put(task)

	task.Status = model.StatusFailed
	got, ok := r.Get("t1")
	require.True(t, ok)
	assert.Equal(t, model.StatusPending, got.Status, "the registry keeps its own copy")

	bySrc, ok := r.BySource("/w/a.json")
	require.True(t, ok)
	assert.Equal(t, "t1", bySrc.ID)

	r.Remove("t1")
	_, ok = r.Get("t1")
	assert.False(t, ok)
	_, ok = r.BySource("/w/a.json")
	assert.False(t, ok)
	assert.Zero(t, r.Len())
	r.Remove("t1")
}

func TestRegistry_ApplyIsFencedByEpoch(t *testing.T) {
	r := NewRegistry()
	current := regTask("t1", "/w/a.json", time.Now(), model.StatusDispatched)
	current.LeaseEpoch = 3
	r.Put(current)

	stale := current.Clone()
	stale.LeaseEpoch = 2
	stale.Status = model.StatusSucceeded
	assert.False(t, r.Apply(stale))
	got, _ := r.Get("t1")
	assert.Equal(t, model.StatusDispatched, got.Status)

	fresh := current.Clone()
	fresh.Status = model.StatusRetrying
	assert.True(t, r.Apply(fresh))
	got, _ = r.Get("t1")
	assert.Equal(t, model.StatusRetrying, got.Status)
}

func TestRegistry_SnapshotAndCounts(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Put(regTask("c", "/w/c", base.Add(2*time.Second), model.StatusPending))
	r.Put(regTask("b", "/w/b", base, model.StatusDispatched))
	r.Put(regTask("a", "/w/a", base, model.StatusPending))

	var ids []string
	for _, task := range r.Snapshot() {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, map[model.Status]int{model.StatusPending: 2, model.StatusDispatched: 1}, r.Counts())
}

func TestRegistry_MovedSourceDropsOldIndex(t *testing.T) {
	r := NewRegistry()
	r.Put(regTask("t1", "/w/old.json", time.Now(), model.StatusPending))
	r.Put(regTask("t1", "/w/new.json", time.Now(), model.StatusPending))

	_, ok := r.BySource("/w/old.json")
	assert.False(t, ok)
	_, ok = r.BySource("/w/new.json")
	assert.True(t, ok)
}
