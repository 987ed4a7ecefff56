package natsbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/events"
)

func startBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := NewBus(0)
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	require.NotEmpty(t, bus.ClientURL())
	return bus
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "conductor.worker.idle", Subject("conductor", events.WorkerIdle))
	assert.Equal(t, "conductor.>", SubjectAll("conductor"))
}

func TestForwarderPublishesHubEvents(t *testing.T) {
	bus := startBus(t)

	pub, err := NewClient(bus.ClientURL(), "forwarder")
	require.NoError(t, err)
	defer pub.Close()
	sub, err := NewClient(bus.ClientURL(), "watcher")
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan *nats.Msg, 256)
	_, err = sub.Subscribe(SubjectAll("conductor"), func(msg *nats.Msg) { received <- msg })
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	hub := events.NewHub(10)
	fwd := NewForwarder(pub, hub, "conductor.", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fwd.Run(ctx) }()

	// Publish until the forwarder's subscription is live.
	var msg *nats.Msg
	require.Eventually(t, func() bool {
		hub.Publish(events.WorkerIdle, events.WorkerPayload{Worker: "a", To: "idle"})
		select {
		case msg = <-received:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, "conductor.worker.idle", msg.Subject)
	var ev events.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, events.WorkerIdle, ev.Type)
	var payload events.WorkerPayload
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, "a", payload.Worker)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop")
	}
}
