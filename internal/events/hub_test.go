package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	ev := h.Publish(WorkerIdle, WorkerPayload{Worker: "a", From: "busy", To: "idle"})
	assert.Equal(t, int64(1), ev.ID)

	got := <-ch
	assert.Equal(t, WorkerIdle, got.Type)
	var p WorkerPayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, "a", p.Worker)
	assert.Equal(t, "idle", p.To)
}

func TestNilPayload(t *testing.T) {
	h := NewHub(2)
	ev := h.Publish("ping", nil)
	assert.JSONEq(t, `{}`, string(ev.Data))
}

func TestRingBufferSnapshot(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(RunStarted, RunPayload{RunID: "r"})
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < 200; i++ {
		h.Publish(RunTool, nil)
	}
	assert.Equal(t, int64(200-128), h.Dropped())
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	h.Publish(WorkerDead, nil)
}
