package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/artifactd/internal/model"
)

// sharedRedis returns two queues over one prefix, as two schedulers would see it.
func sharedRedis(t *testing.T, clock *fakeClock) (*RedisQueue, *RedisQueue) {
	t.Helper()
	url := os.Getenv("ARTIFACTD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ARTIFACTD_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	prefix := "artifactd-test:" + t.Name()
	opts := Options{VisibilityTimeout: time.Hour, Now: clock.Now}

	open := func() *RedisQueue {
		rdb := redis.NewClient(opt)
		t.Cleanup(func() { _ = rdb.Close() })
		return NewRedisFromClient(rdb, prefix, opts)
	}
	a, b := open(), open()
	t.Cleanup(func() {
		ctx := context.Background()
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if keys, _ := rdb.Keys(ctx, prefix+":*").Result(); len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	})
	return a, b
}

func TestRedisQueue_RecoverLeavesOtherOwnersLeases(t *testing.T) {
	clock := newFakeClock()
	a, b := sharedRedis(t, clock)
	ctx := context.Background()

	require.NoError(t, a.Enqueue(ctx, newTask("t1", model.PriorityHigh)))
	leased, err := a.Dequeue(ctx, "instance-a")
	require.NoError(t, err)

	all, err := b.Recover(ctx, "instance-b")
	require.NoError(t, err)
	assert.Empty(t, all, "a task leased by another scheduler is not handed to b")

	_, err = b.Dequeue(ctx, "instance-b")
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, a.Ack(ctx, leased.ID, leased.LeaseEpoch))
}

func TestRedisQueue_RecoverReleasesOwnLeases(t *testing.T) {
	clock := newFakeClock()
	a, b := sharedRedis(t, clock)
	ctx := context.Background()

	require.NoError(t, a.Enqueue(ctx, newTask("mine", model.PriorityHigh)))
	require.NoError(t, a.Enqueue(ctx, newTask("theirs", model.PriorityHigh)))
	mine, err := a.Dequeue(ctx, "instance-a")
	require.NoError(t, err)
	theirs, err := b.Dequeue(ctx, "instance-b")
	require.NoError(t, err)
	require.Equal(t, "theirs", theirs.ID)

	// instance-a restarts: only its own lease comes back.
	all, err := a.Recover(ctx, "instance-a")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "mine", all[0].ID)

	again, err := a.Dequeue(ctx, "instance-a")
	require.NoError(t, err)
	assert.Equal(t, "mine", again.ID)
	assert.Equal(t, mine.LeaseEpoch+1, again.LeaseEpoch)

	require.NoError(t, b.Ack(ctx, theirs.ID, theirs.LeaseEpoch), "b's lease survived a's recovery")
}

func TestRedisQueue_ExpiredForeignLeaseIsReaped(t *testing.T) {
	clock := newFakeClock()
	a, b := sharedRedis(t, clock)
	ctx := context.Background()

	require.NoError(t, a.Enqueue(ctx, newTask("t1", model.PriorityMedium)))
	_, err := a.Dequeue(ctx, "instance-a")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	reaped, err := b.ReapExpired(ctx)
	require.NoError(t, err)
	require.Len(t, reaped, 1)

	got, err := b.Dequeue(ctx, "instance-b")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, "instance-b", got.LeaseOwner)
}
