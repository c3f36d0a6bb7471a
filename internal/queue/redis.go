package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/msageha/artifactd/internal/model"
)

// RedisQueue keeps one ready list, one delayed zset and one lease zset per
// partition. Task bodies live in a hash keyed by task id; lease epochs,
// partitions and lease owners live in sibling hashes so scripts never decode
// a body. Several schedulers may share a prefix.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	opts   Options
}

// NewRedis connects to url and verifies the connection with PING.
func NewRedis(ctx context.Context, url, prefix string, opts Options) (*RedisQueue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return NewRedisFromClient(rdb, prefix, opts), nil
}

func NewRedisFromClient(rdb *redis.Client, prefix string, opts Options) *RedisQueue {
	opts.normalize()
	if prefix == "" {
		prefix = "artifactd"
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, opts: opts}
}

func (q *RedisQueue) readyKey(p model.Priority) string   { return q.prefix + ":q:" + string(p) }
func (q *RedisQueue) delayedKey(p model.Priority) string { return q.prefix + ":delayed:" + string(p) }
func (q *RedisQueue) leasesKey(p model.Priority) string  { return q.prefix + ":leases:" + string(p) }
func (q *RedisQueue) tasksKey() string                   { return q.prefix + ":tasks" }
func (q *RedisQueue) epochsKey() string                  { return q.prefix + ":epochs" }
func (q *RedisQueue) prioKey() string                    { return q.prefix + ":prio" }
func (q *RedisQueue) ownersKey() string                  { return q.prefix + ":owners" }

// unavailable maps transport failures onto ErrBackendUnavailable. Context
// errors pass through untouched.
func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func (q *RedisQueue) Enqueue(ctx context.Context, t *model.Task) error {
	c := t.Clone()
	release(c)
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", c.ID, err)
	}
	var nb int64
	if c.NotBefore != nil && c.NotBefore.After(q.opts.Now()) {
		nb = ms(*c.NotBefore)
	}
	keys := []string{q.tasksKey(), q.epochsKey(), q.prioKey(), q.readyKey(c.Priority), q.delayedKey(c.Priority)}
	n, err := enqueueScript.Run(ctx, q.rdb, keys, c.ID, body, string(c.Priority), nb, c.LeaseEpoch).Int()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.ID)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, owner string) (*model.Task, error) {
	for _, p := range q.opts.Levels {
		t, err := q.DequeueFrom(ctx, p, owner)
		if !errors.Is(err, ErrEmpty) {
			return t, err
		}
	}
	return nil, ErrEmpty
}

func (q *RedisQueue) DequeueFrom(ctx context.Context, p model.Priority, owner string) (*model.Task, error) {
	now := q.opts.Now()
	keys := []string{q.readyKey(p), q.delayedKey(p), q.leasesKey(p), q.tasksKey(), q.epochsKey(), q.ownersKey()}
	res, err := dequeueScript.Run(ctx, q.rdb, keys, ms(now), ms(now.Add(q.opts.VisibilityTimeout)), owner).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("%w: dequeue from %s returned a task without a body", ErrBackendUnavailable, p)
	}
	body, _ := res[0].(string)
	epoch, _ := res[1].(int64)

	var t model.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	t.LeaseEpoch = int(epoch) - 1
	acquire(&t, owner, now, q.opts.VisibilityTimeout)
	return &t, nil
}

func (q *RedisQueue) Peek(ctx context.Context) (*model.Task, error) {
	now := q.opts.Now()
	for _, p := range q.opts.Levels {
		id, err := q.rdb.LIndex(ctx, q.readyKey(p), 0).Result()
		if errors.Is(err, redis.Nil) {
			ids, zerr := q.rdb.ZRangeByScore(ctx, q.delayedKey(p), &redis.ZRangeBy{
				Min: "-inf", Max: strconv.FormatInt(ms(now), 10), Count: 1,
			}).Result()
			if zerr != nil {
				return nil, unavailable(zerr)
			}
			if len(ids) == 0 {
				continue
			}
			id, err = ids[0], nil
		}
		if err != nil {
			return nil, unavailable(err)
		}
		return q.load(ctx, id)
	}
	return nil, ErrEmpty
}

// load reads one task body and its current epoch.
func (q *RedisQueue) load(ctx context.Context, id string) (*model.Task, error) {
	var body, epoch *redis.StringCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		body = pipe.HGet(ctx, q.tasksKey(), id)
		epoch = pipe.HGet(ctx, q.epochsKey(), id)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}
	if body.Err() != nil {
		return nil, ErrEmpty
	}
	var t model.Task
	if err := json.Unmarshal([]byte(body.Val()), &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	if n, err := epoch.Int(); err == nil {
		t.LeaseEpoch = n
	}
	return &t, nil
}

// partition looks up where id lives. Unknown ids report ErrLeaseLost.
func (q *RedisQueue) partition(ctx context.Context, id string, epoch int) (model.Priority, error) {
	p, err := q.rdb.HGet(ctx, q.prioKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s epoch %d", ErrLeaseLost, id, epoch)
	}
	if err != nil {
		return "", unavailable(err)
	}
	return model.Priority(p), nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string, epoch int) error {
	p, err := q.partition(ctx, id, epoch)
	if err != nil {
		return err
	}
	keys := []string{q.leasesKey(p), q.tasksKey(), q.epochsKey(), q.prioKey(), q.ownersKey()}
	n, err := ackScript.Run(ctx, q.rdb, keys, id, epoch).Int()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s epoch %d", ErrLeaseLost, id, epoch)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, t *model.Task, retryAfter time.Duration) error {
	p, err := q.partition(ctx, t.ID, t.LeaseEpoch)
	if err != nil {
		return err
	}
	c := t.Clone()
	c.Priority = p
	release(c)
	c.NotBefore = nil
	var nb int64
	if retryAfter > 0 {
		at := q.opts.Now().Add(retryAfter).UTC()
		c.NotBefore = &at
		nb = ms(at)
	}
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", c.ID, err)
	}
	keys := []string{q.leasesKey(p), q.tasksKey(), q.epochsKey(), q.readyKey(p), q.delayedKey(p), q.ownersKey()}
	n, err := nackScript.Run(ctx, q.rdb, keys, c.ID, c.LeaseEpoch, body, nb).Int()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s epoch %d", ErrLeaseLost, c.ID, c.LeaseEpoch)
	}
	return nil
}

func (q *RedisQueue) Extend(ctx context.Context, id string, epoch int) (time.Time, error) {
	p, err := q.partition(ctx, id, epoch)
	if err != nil {
		return time.Time{}, err
	}
	expires := q.opts.Now().Add(q.opts.VisibilityTimeout).UTC()
	n, err := extendScript.Run(ctx, q.rdb, []string{q.leasesKey(p), q.epochsKey()}, id, epoch, ms(expires)).Int()
	if err != nil {
		return time.Time{}, unavailable(err)
	}
	if n == 0 {
		return time.Time{}, fmt.Errorf("%w: %s epoch %d", ErrLeaseLost, id, epoch)
	}
	return expires, nil
}

func (q *RedisQueue) ReapExpired(ctx context.Context) ([]*model.Task, error) {
	now := q.opts.Now()
	var out []*model.Task
	for _, p := range q.opts.Levels {
		ids, err := reapScript.Run(ctx, q.rdb, []string{q.leasesKey(p), q.readyKey(p), q.ownersKey()}, ms(now)).StringSlice()
		if err != nil {
			return out, unavailable(err)
		}
		reaped, err := q.loadAll(ctx, ids, now)
		out = append(out, reaped...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (q *RedisQueue) loadAll(ctx context.Context, ids []string, now time.Time) ([]*model.Task, error) {
	out := make([]*model.Task, 0, len(ids))
	for _, id := range ids {
		t, err := q.load(ctx, id)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			return out, err
		}
		t.Status = model.StatusPending
		t.LastUpdatedAt = now.UTC()
		out = append(out, t)
	}
	return out, nil
}

// Recover puts the leases recorded for owner back at the head of their
// partitions and returns every task not leased by another scheduler. Live
// leases of other schedulers sharing the prefix are left alone; if their
// owner died, ReapExpired returns them once they expire.
func (q *RedisQueue) Recover(ctx context.Context, owner string) ([]*model.Task, error) {
	for _, p := range q.opts.Levels {
		keys := []string{q.leasesKey(p), q.readyKey(p), q.ownersKey()}
		if err := releaseOwnedScript.Run(ctx, q.rdb, keys, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, unavailable(err)
		}
	}

	var bodies, epochs, owners *redis.MapStringStringCmd
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		bodies = pipe.HGetAll(ctx, q.tasksKey())
		epochs = pipe.HGetAll(ctx, q.epochsKey())
		owners = pipe.HGetAll(ctx, q.ownersKey())
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	leasedElsewhere := owners.Val()
	out := make([]*model.Task, 0, len(bodies.Val()))
	for id, body := range bodies.Val() {
		if _, ok := leasedElsewhere[id]; ok {
			continue
		}
		var t model.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", id, err)
		}
		if n, err := strconv.Atoi(epochs.Val()[id]); err == nil {
			t.LeaseEpoch = n
		}
		out = append(out, &t)
	}
	return out, nil
}

func (q *RedisQueue) Depths(ctx context.Context) (Depths, error) {
	now := strconv.FormatInt(ms(q.opts.Now()), 10)
	type counts struct{ ready, due, later, leased *redis.IntCmd }
	cmds := make(map[model.Priority]counts, len(q.opts.Levels))
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range q.opts.Levels {
			cmds[p] = counts{
				ready:  pipe.LLen(ctx, q.readyKey(p)),
				due:    pipe.ZCount(ctx, q.delayedKey(p), "-inf", now),
				later:  pipe.ZCount(ctx, q.delayedKey(p), "("+now, "+inf"),
				leased: pipe.ZCard(ctx, q.leasesKey(p)),
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	d := make(Depths, len(cmds))
	for p, c := range cmds {
		d[p] = Depth{
			Ready:   int(c.ready.Val() + c.due.Val()),
			Delayed: int(c.later.Val()),
			Leased:  int(c.leased.Val()),
		}
	}
	return d, nil
}

func (q *RedisQueue) Has(ctx context.Context, id string) (bool, error) {
	ok, err := q.rdb.HExists(ctx, q.tasksKey(), id).Result()
	return ok, unavailable(err)
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return unavailable(q.rdb.Ping(ctx).Err())
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

var (
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*FileQueue)(nil)
)
