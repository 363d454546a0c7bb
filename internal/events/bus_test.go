package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeByType(t *testing.T) {
	bus := NewEventBus()
	approved := bus.Subscribe(TypeDecisionApproved)
	defer bus.Unsubscribe(approved)

	bus.Emit(TypeDecisionApproved, "/api/v1/decisions", "deployment_1", map[string]interface{}{"confidence": 0.9})
	bus.Emit(TypeDecisionEscalated, "/api/v1/decisions", "deployment_2", nil)

	select {
	case ev := <-approved:
		assert.Equal(t, TypeDecisionApproved, ev.Type)
		assert.Equal(t, "deployment_1", ev.Subject)
		assert.Equal(t, "1.0", ev.SpecVersion)
		assert.NotEmpty(t, ev.ID)
	default:
		t.Fatal("expected the approved event")
	}

	select {
	case ev := <-approved:
		t.Fatalf("unexpected event %s for a filtered subscriber", ev.Type)
	default:
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	all := bus.Subscribe()
	defer bus.Unsubscribe(all)

	bus.Emit(TypeIncidentOpened, "/diagnostics", "database", nil)
	bus.Emit(TypeLevelChanged, "/guardian", "high", nil)

	assert.Len(t, all, 2)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypeGuardianOverride)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Zero(t, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := NewEventBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeDecisionApproved)
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeDecisionApproved, "/api/v1/decisions", "a", nil)
	bus.Emit(TypeDecisionApproved, "/api/v1/decisions", "b", nil)

	// The second event is dropped instead of blocking the publisher.
	assert.Len(t, ch, 1)
	ev := <-ch
	assert.Equal(t, "a", ev.Subject)
}

func TestCloudEventJSON(t *testing.T) {
	ev := NewCloudEvent(TypeHealingEscalated, "/diagnostics", "database", map[string]interface{}{
		"attempts": 3,
	})
	raw, err := ev.JSON()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "1.0", decoded["specversion"])
	assert.Equal(t, TypeHealingEscalated, decoded["type"])
	assert.Equal(t, "database", decoded["subject"])
	assert.Equal(t, 3.0, decoded["data"].(map[string]interface{})["attempts"])
}
