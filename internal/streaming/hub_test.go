package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertQuiet(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryHub_FilterBySessionAndType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		SessionID:  "s1",
		EventTypes: []string{"step_completed"},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s2", EventType: "step_completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s1", EventType: "step_started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s1", Step: "weather.get", EventType: "step_completed"}))

	got := receive(t, ch)
	assert.Equal(t, "weather.get", got.Step)
	assertQuiet(t, ch)
}

func TestMemoryHub_CancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	_, ok := <-ch
	assert.False(t, ok)
	require.NoError(t, hub.Publish(context.Background(), StreamEvent{SessionID: "s1"}))
}

func TestMemoryHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s1", EventType: "tick"}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestMemoryHub_SubscriptionEndsWithContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, stop := context.WithCancel(context.Background())
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	stop()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisHub_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hub, err := NewRedisHub(client, "", nil)
	require.NoError(t, err)
	ctx := context.Background()

	one, cancelOne, err := hub.Subscribe(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	defer cancelOne()
	all, cancelAll, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"session_completed"}})
	require.NoError(t, err)
	defer cancelAll()

	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s1", EventType: "step_started", Step: "weather.get"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{SessionID: "s2", EventType: "session_completed"}))

	got := receive(t, one)
	assert.Equal(t, "step_started", got.EventType)
	assert.Equal(t, "weather.get", got.Step)

	got = receive(t, all)
	assert.Equal(t, "s2", got.SessionID)
	assertQuiet(t, one)
}

func TestNop(t *testing.T) {
	var hub EventHub = Nop{}
	require.NoError(t, hub.Publish(context.Background(), StreamEvent{}))
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}
