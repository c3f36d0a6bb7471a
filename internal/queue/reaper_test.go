package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/artifactd/internal/logging"
	"github.com/msageha/artifactd/internal/model"
)

func TestRunReaper_RedeliversExpiredLeases(t *testing.T) {
	clock := newFakeClock()
	q, _, err := OpenFile(t.TempDir(), Options{VisibilityTimeout: time.Minute, Now: clock.Now})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, newTask("a", model.PriorityHigh)))
	_, err = q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunReaper(ctx, q, 5*time.Millisecond, logging.Discard(), func(ts []*model.Task) {
			mu.Lock()
			defer mu.Unlock()
			for _, task := range ts {
				got = append(got, task.ID)
			}
		})
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	assert.Equal(t, []string{"a"}, got)
	mu.Unlock()
}
