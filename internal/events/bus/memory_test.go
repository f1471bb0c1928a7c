package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuity/continuity/internal/common/logger"
)

func createTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

func waitForEvents(t *testing.T, ch <-chan *Event, n int, timeout time.Duration) []*Event {
	t.Helper()
	var events []*Event
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(events))
		}
	}
	return events
}

func TestMemoryEventBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(createTestLogger())
	defer bus.Close()

	received := make(chan *Event, 10)
	sub, err := bus.Subscribe("session.exited.agent-1", func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	event := NewEvent("session.exited", "test", map[string]interface{}{"exit_code": 0})
	require.NoError(t, bus.Publish(context.Background(), "session.exited.agent-1", event))

	got := waitForEvents(t, received, 1, time.Second)
	assert.Equal(t, event.ID, got[0].ID)
	assert.Equal(t, "session.exited", got[0].Type)
}

func TestMemoryEventBusWildcards(t *testing.T) {
	bus := NewMemoryEventBus(createTestLogger())
	defer bus.Close()

	tests := []struct {
		name    string
		pattern string
		subject string
		matched bool
	}{
		{"single token wildcard", "continuation.triggered.*", "continuation.triggered.sess-1", true},
		{"single token wildcard no match deeper", "continuation.*", "continuation.triggered.sess-1", false},
		{"full wildcard", "continuation.>", "continuation.triggered.sess-1", true},
		{"exact", "signal.output_idle.s", "signal.output_idle.s", true},
		{"mismatch", "signal.process_exit.*", "signal.output_idle.s", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received := make(chan *Event, 1)
			sub, err := bus.Subscribe(tt.pattern, func(ctx context.Context, ev *Event) error {
				received <- ev
				return nil
			})
			require.NoError(t, err)
			defer sub.Unsubscribe()

			require.NoError(t, bus.Publish(context.Background(), tt.subject, NewEvent("t", "test", nil)))

			if tt.matched {
				waitForEvents(t, received, 1, time.Second)
			} else {
				select {
				case <-received:
					t.Fatal("unexpected delivery")
				case <-time.After(50 * time.Millisecond):
				}
			}
		})
	}
}

func TestMemoryEventBusQueueGroupSingleDelivery(t *testing.T) {
	bus := NewMemoryEventBus(createTestLogger())
	defer bus.Close()

	var mu sync.Mutex
	deliveries := 0
	handler := func(ctx context.Context, ev *Event) error {
		mu.Lock()
		deliveries++
		mu.Unlock()
		return nil
	}

	for i := 0; i < 3; i++ {
		_, err := bus.QueueSubscribe("signal.>", "workers", handler)
		require.NoError(t, err)
	}

	require.NoError(t, bus.Publish(context.Background(), "signal.output_idle.s", NewEvent("t", "test", nil)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries == 1
	}, time.Second, 10*time.Millisecond)

	// Give any duplicate deliveries a chance to land.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, deliveries, "queue group should deliver to exactly one member")
}

func TestMemoryEventBusUnsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(createTestLogger())
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("session.created.s", func(ctx context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, bus.Publish(context.Background(), "session.created.s", NewEvent("t", "test", nil)))
	select {
	case <-received:
		t.Fatal("unsubscribed handler was invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryEventBusClose(t *testing.T) {
	bus := NewMemoryEventBus(createTestLogger())
	assert.True(t, bus.IsConnected())

	bus.Close()
	assert.False(t, bus.IsConnected())
	assert.Error(t, bus.Publish(context.Background(), "x.y", NewEvent("t", "test", nil)))
}
