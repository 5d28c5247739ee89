package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan ExecutionEvent) ExecutionEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ExecutionEvent{}
	}
}

func assertQuiet(t *testing.T, ch <-chan ExecutionEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := ExecutionEvent{
		Type:        "step_completed",
		ExecutionID: "exec-1",
		Step:        "fetch",
		Payload:     []byte(`{"result":"ok"}`),
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event.ExecutionID, got.ExecutionID)
	assert.Equal(t, event.Step, got.Step)
	assert.Equal(t, event.Type, got.Type)
	assert.JSONEq(t, `{"result":"ok"}`, string(got.Payload))
}

func TestFilterByExecutionID(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, ExecutionEvent{ExecutionID: "exec-1", Type: "step_started"}))
	require.NoError(t, hub.Publish(ctx, ExecutionEvent{ExecutionID: "exec-2", Type: "step_started"}))

	assert.Equal(t, "exec-1", receive(t, ch).ExecutionID)
	assertQuiet(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{"step_completed", "execution_failed"},
	})
	require.NoError(t, err)
	defer cancel()

	for _, typ := range []string{"step_completed", "step_started", "execution_failed"} {
		require.NoError(t, hub.Publish(ctx, ExecutionEvent{ExecutionID: "exec-1", Type: typ}))
	}

	var received []string
	for range 2 {
		received = append(received, receive(t, ch).Type)
	}
	assert.Equal(t, []string{"step_completed", "execution_failed"}, received)
	assertQuiet(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, ExecutionEvent{ExecutionID: "exec-1", Type: "step_completed"}))

	for _, ch := range []<-chan ExecutionEvent{ch1, ch2} {
		got := receive(t, ch)
		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, "step_completed", got.Type)
	}
	assert.Equal(t, 2, hub.Subscribers())
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel()
	require.NoError(t, hub.Publish(ctx, ExecutionEvent{ExecutionID: "exec-1", Type: "step_completed"}))

	_, open := <-ch
	assert.False(t, open, "channel is closed on cancel")
	assert.Zero(t, hub.Subscribers())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub(4)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for range 10 {
		require.NoError(t, hub.Publish(ctx, ExecutionEvent{ExecutionID: "exec-1", Type: "tick"}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, 4, drained)
	assert.Equal(t, uint64(6), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range eventsPerGoroutine {
				_ = hub.Publish(ctx, ExecutionEvent{ExecutionID: "exec-concurrent", Type: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, ExecutionEvent{Type: "tick"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEventFilter_Match(t *testing.T) {
	e := ExecutionEvent{ExecutionID: "exec-1", Type: "step_failed"}
	assert.True(t, EventFilter{}.Match(e))
	assert.True(t, EventFilter{ExecutionID: "exec-1", EventTypes: []string{"step_failed"}}.Match(e))
	assert.False(t, EventFilter{ExecutionID: "exec-1", EventTypes: []string{"step_completed"}}.Match(e))
	assert.False(t, EventFilter{ExecutionID: "exec-2"}.Match(e))
}
