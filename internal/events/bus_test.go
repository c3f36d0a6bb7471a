package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(c.add, TaskDispatched)
	defer unsub()

	bus.Publish(Event{Type: TaskDispatched, TaskID: "task_123", WorkerID: "worker-1"})
	bus.Publish(Event{Type: TaskSucceeded, TaskID: "task_123"})

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got := c.snapshot()
	require.Len(t, got, 1, "filtered subscriber must only see its types")
	assert.Equal(t, "task_123", got[0].TaskID)
	assert.False(t, got[0].Time.IsZero(), "publish stamps the time")
}

func TestBus_AllTypesInOrder(t *testing.T) {
	bus := NewBus(100)
	defer bus.Close()

	var c collector
	bus.Subscribe(c.add)

	for i := 0; i < 50; i++ {
		bus.Publish(Event{Type: TaskIngested, Attempt: i})
	}
	require.Eventually(t, func() bool { return len(c.snapshot()) == 50 }, time.Second, 5*time.Millisecond)
	for i, e := range c.snapshot() {
		assert.Equal(t, i, e.Attempt)
	}
}

func TestBus_NonBlockingWhenFull(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(func(Event) { <-block })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TaskFailed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(block)
	assert.Greater(t, bus.Dropped(), int64(0))
}

func TestBus_SubscriberPanicRecovered(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	calls := 0
	bus.Subscribe(func(e Event) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		c.add(e)
	})

	bus.Publish(Event{Type: TaskIngested})
	bus.Publish(Event{Type: TaskIngested})
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewBus(10)

	var c collector
	unsub := bus.Subscribe(c.add)
	unsub()
	unsub()
	bus.Publish(Event{Type: TaskIngested})

	bus.Close()
	bus.Close()
	bus.Publish(Event{Type: TaskIngested})
	_ = bus.Subscribe(c.add)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.snapshot())

	var nilBus *Bus
	nilBus.Publish(Event{Type: TaskIngested})
}
