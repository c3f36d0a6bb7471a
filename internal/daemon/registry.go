package daemon

import (
	"sort"
	"sync"

	"github.com/msageha/artifactd/internal/model"
)

// Registry is the daemon's in-memory view of every live task, from ingest
// until it is archived. The queue stays the source of truth for ownership;
// the registry answers status queries and source-path lookups.
type Registry struct {
	mu       sync.RWMutex
	tasks    map[string]*model.Task
	bySource map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		tasks:    make(map[string]*model.Task),
		bySource: make(map[string]string),
	}
}

// Put stores a copy of t unconditionally.
func (r *Registry) Put(t *model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(t)
}

func (r *Registry) put(t *model.Task) {
	if old, ok := r.tasks[t.ID]; ok && old.SourcePath != t.SourcePath {
		delete(r.bySource, old.SourcePath)
	}
	r.tasks[t.ID] = t.Clone()
	if t.SourcePath != "" {
		r.bySource[t.SourcePath] = t.ID
	}
}

// Apply stores t unless the registry already holds a newer lease epoch for
// it, which means t belongs to a superseded delivery. It reports whether t
// was stored.
func (r *Registry) Apply(t *model.Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.tasks[t.ID]; ok && old.LeaseEpoch > t.LeaseEpoch {
		return false
	}
	r.put(t)
	return true
}

func (r *Registry) Get(id string) (*model.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// BySource returns the live task created from path.
func (r *Registry) BySource(path string) (*model.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySource[path]
	if !ok {
		return nil, false
	}
	return r.tasks[id].Clone(), true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	if r.bySource[t.SourcePath] == id {
		delete(r.bySource, t.SourcePath)
	}
	delete(r.tasks, id)
}

// Snapshot returns copies of every task, oldest first.
func (r *Registry) Snapshot() []*model.Task {
	r.mu.RLock()
	out := make([]*model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Counts returns the number of live tasks per status.
func (r *Registry) Counts() map[model.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.Status]int)
	for _, t := range r.tasks {
		out[t.Status]++
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
