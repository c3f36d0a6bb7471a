package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/msageha/artifactd/internal/model"
	yamlutil "github.com/msageha/artifactd/internal/yaml"
)

const journalFileType = "queue_journal"

type journal struct {
	SchemaVersion int                               `yaml:"schema_version"`
	FileType      string                            `yaml:"file_type"`
	Partitions    map[model.Priority][]*model.Task `yaml:"partitions"`
	Leased        []*model.Task                     `yaml:"leased"`
	UpdatedAt     time.Time                         `yaml:"updated_at"`
}

// FileQueue keeps partitions in memory and rewrites state/queue.yaml after
// every mutation. Tasks held by the queue are never mutated in place; a
// change replaces the pointer, so a shallow snapshot is enough to roll back
// a mutation whose journal write failed.
type FileQueue struct {
	mu       sync.Mutex
	path     string
	stateDir string
	opts     Options
	write    func(path string, v any) error

	parts  map[model.Priority][]*model.Task
	leased map[string]*model.Task
	index  map[string]model.Priority
	closed bool
}

type snapshot struct {
	parts  map[model.Priority][]*model.Task
	leased map[string]*model.Task
	index  map[string]model.Priority
}

// OpenFile loads (or creates) the journal under stateDir. A corrupt journal
// is quarantined and replaced by its backup.
func OpenFile(stateDir string, opts Options) (*FileQueue, yamlutil.Recovery, error) {
	opts.normalize()
	q := &FileQueue{
		path:     filepath.Join(stateDir, "queue.yaml"),
		stateDir: stateDir,
		opts:     opts,
		write:    yamlutil.AtomicWrite,
		parts:    make(map[model.Priority][]*model.Task),
		leased:   make(map[string]*model.Task),
		index:    make(map[string]model.Priority),
	}

	var j journal
	rec, err := yamlutil.LoadState(stateDir, q.path, journalFileType, &j)
	if err != nil {
		return nil, rec, fmt.Errorf("load queue journal: %w", err)
	}
	if rec == yamlutil.RecoveryReset {
		j = journal{}
	}
	for p, tasks := range j.Partitions {
		for _, t := range tasks {
			if t == nil || q.index[t.ID] != "" {
				continue
			}
			q.parts[p] = append(q.parts[p], t)
			q.index[t.ID] = p
		}
	}
	for _, t := range j.Leased {
		if t == nil || q.index[t.ID] != "" {
			continue
		}
		q.leased[t.ID] = t
		q.index[t.ID] = t.Priority
	}
	return q, rec, nil
}

func (q *FileQueue) snapshot() snapshot {
	s := snapshot{
		parts:  make(map[model.Priority][]*model.Task, len(q.parts)),
		leased: make(map[string]*model.Task, len(q.leased)),
		index:  make(map[string]model.Priority, len(q.index)),
	}
	for p, ts := range q.parts {
		s.parts[p] = append([]*model.Task(nil), ts...)
	}
	for k, v := range q.leased {
		s.leased[k] = v
	}
	for k, v := range q.index {
		s.index[k] = v
	}
	return s
}

func (q *FileQueue) restore(s snapshot) {
	q.parts, q.leased, q.index = s.parts, s.leased, s.index
}

// commit persists the current state, rolling back to before on failure.
func (q *FileQueue) commit(before snapshot) error {
	j := journal{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      journalFileType,
		Partitions:    q.parts,
		Leased:        make([]*model.Task, 0, len(q.leased)),
		UpdatedAt:     q.opts.Now().UTC(),
	}
	for _, t := range q.leased {
		j.Leased = append(j.Leased, t)
	}
	if err := q.write(q.path, j); err != nil {
		q.restore(before)
		return fmt.Errorf("%w: write journal: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (q *FileQueue) Enqueue(ctx context.Context, t *model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.index[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
	}

	before := q.snapshot()
	c := t.Clone()
	release(c)
	q.parts[c.Priority] = append(q.parts[c.Priority], c)
	q.index[c.ID] = c.Priority
	return q.commit(before)
}

func (q *FileQueue) Dequeue(ctx context.Context, owner string) (*model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.opts.Levels {
		t, err := q.dequeueLocked(p, owner)
		if !errors.Is(err, ErrEmpty) {
			return t, err
		}
	}
	return nil, ErrEmpty
}

func (q *FileQueue) DequeueFrom(ctx context.Context, p model.Priority, owner string) (*model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked(p, owner)
}

func (q *FileQueue) dequeueLocked(p model.Priority, owner string) (*model.Task, error) {
	if q.closed {
		return nil, ErrClosed
	}
	now := q.opts.Now()
	i := q.firstReady(p, now)
	if i < 0 {
		return nil, ErrEmpty
	}

	before := q.snapshot()
	part := q.parts[p]
	t := part[i].Clone()
	q.parts[p] = append(part[:i:i], part[i+1:]...)
	acquire(t, owner, now, q.opts.VisibilityTimeout)
	q.leased[t.ID] = t
	if err := q.commit(before); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (q *FileQueue) firstReady(p model.Priority, now time.Time) int {
	for i, t := range q.parts[p] {
		if t.Ready(now) {
			return i
		}
	}
	return -1
}

func (q *FileQueue) Peek(ctx context.Context) (*model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.Now()
	for _, p := range q.opts.Levels {
		if i := q.firstReady(p, now); i >= 0 {
			return q.parts[p][i].Clone(), nil
		}
	}
	return nil, ErrEmpty
}

func (q *FileQueue) Ack(ctx context.Context, id string, epoch int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if !holds(q.leased[id], epoch) {
		return fmt.Errorf("%w: %s epoch %d", ErrLeaseLost, id, epoch)
	}

	before := q.snapshot()
	delete(q.leased, id)
	delete(q.index, id)
	return q.commit(before)
}

func (q *FileQueue) Nack(ctx context.Context, t *model.Task, retryAfter time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	held := q.leased[t.ID]
	if !holds(held, t.LeaseEpoch) {
		return fmt.Errorf("%w: %s epoch %d", ErrLeaseLost, t.ID, t.LeaseEpoch)
	}

	before := q.snapshot()
	c := t.Clone()
	c.Priority = held.Priority
	release(c)
	if retryAfter > 0 {
		nb := q.opts.Now().Add(retryAfter).UTC()
		c.NotBefore = &nb
	} else {
		c.NotBefore = nil
	}
	delete(q.leased, c.ID)
	q.parts[c.Priority] = append(q.parts[c.Priority], c)
	return q.commit(before)
}

func (q *FileQueue) Extend(ctx context.Context, id string, epoch int) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return time.Time{}, ErrClosed
	}
	held := q.leased[id]
	if !holds(held, epoch) {
		return time.Time{}, fmt.Errorf("%w: %s epoch %d", ErrLeaseLost, id, epoch)
	}

	before := q.snapshot()
	c := held.Clone()
	expires := extend(c, q.opts.Now(), q.opts.VisibilityTimeout)
	q.leased[id] = c
	if err := q.commit(before); err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

func (q *FileQueue) ReapExpired(ctx context.Context) ([]*model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	now := q.opts.Now()
	var expired []*model.Task
	for _, t := range q.leased {
		if leaseExpired(t, now) {
			expired = append(expired, t)
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	sortByLeaseExpiry(expired)
	return q.requeueLocked(expired, now, false)
}

// Recover releases every lease in the journal. The journal lives in a state
// directory held by a single scheduler, so all of them belong to owner.
func (q *FileQueue) Recover(ctx context.Context, owner string) ([]*model.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if len(q.leased) > 0 {
		stale := make([]*model.Task, 0, len(q.leased))
		for _, t := range q.leased {
			stale = append(stale, t)
		}
		sortByLeaseExpiry(stale)
		if _, err := q.requeueLocked(stale, q.opts.Now(), true); err != nil {
			return nil, err
		}
	}

	var all []*model.Task
	for _, p := range model.Priorities {
		for _, t := range q.parts[p] {
			all = append(all, t.Clone())
		}
	}
	return all, nil
}

// requeueLocked moves leased tasks back into their partitions as pending,
// keeping their epochs. With head set they go in front of everything queued,
// in the order given.
func (q *FileQueue) requeueLocked(tasks []*model.Task, now time.Time, head bool) ([]*model.Task, error) {
	before := q.snapshot()
	out := make([]*model.Task, 0, len(tasks))
	front := make(map[model.Priority][]*model.Task)
	for _, t := range tasks {
		c := t.Clone()
		release(c)
		c.Status = model.StatusPending
		c.LastUpdatedAt = now.UTC()
		delete(q.leased, c.ID)
		if head {
			front[c.Priority] = append(front[c.Priority], c)
		} else {
			q.parts[c.Priority] = append(q.parts[c.Priority], c)
		}
		out = append(out, c.Clone())
	}
	for p, ts := range front {
		q.parts[p] = append(ts, q.parts[p]...)
	}
	if err := q.commit(before); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *FileQueue) Depths(ctx context.Context) (Depths, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.Now()
	d := make(Depths, len(q.opts.Levels))
	for _, p := range q.opts.Levels {
		var dp Depth
		for _, t := range q.parts[p] {
			if t.Ready(now) {
				dp.Ready++
			} else {
				dp.Delayed++
			}
		}
		d[p] = dp
	}
	for _, t := range q.leased {
		dp := d[t.Priority]
		dp.Leased++
		d[t.Priority] = dp
	}
	return d, nil
}

func (q *FileQueue) Has(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok, nil
}

func (q *FileQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *FileQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
