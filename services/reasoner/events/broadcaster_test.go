// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// Tests for the run event broadcaster.

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	b.Publish(datatypes.RunEvent{RunID: "run-1", State: "PROPOSE"})

	ev := <-ch
	assert.Equal(t, "PROPOSE", ev.State)
}

func TestPublishIsScopedByRun(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	b.Publish(datatypes.RunEvent{RunID: "run-2", State: "PROPOSE"})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	b := NewBroadcaster()
	_, cancel := b.Subscribe("run-1")
	defer cancel()

	// Far more events than the buffer holds; Publish must not block.
	for i := 0; i < subscriberBuffer*4; i++ {
		b.Publish(datatypes.RunEvent{RunID: "run-1", State: "EVALUATE"})
	}
}

func TestCancelIsIdempotentAndCleansUp(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("run-1")
	require.Equal(t, 1, b.SubscriberCount("run-1"))

	cancel()
	cancel()
	assert.Equal(t, 0, b.SubscriberCount("run-1"))

	_, open := <-ch
	assert.False(t, open, "channel closed after cancel")

	// Publishing into a fully unsubscribed run is a no-op.
	b.Publish(datatypes.RunEvent{RunID: "run-1"})
}
