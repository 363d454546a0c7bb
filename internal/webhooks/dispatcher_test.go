package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// REGISTRY
// ============================================================================

func TestRegistryRegisterAndRoute(t *testing.T) {
	r := NewRegistry()

	sub := &Subscription{
		URL:    "https://hooks.example.com/a",
		Events: []EventType{EventDecisionEscalated, EventGuardianOverride},
	}
	require.NoError(t, r.Register(sub))
	assert.NotEmpty(t, sub.ID)
	assert.True(t, sub.Active)

	assert.Len(t, r.GetSubscribers(EventDecisionEscalated), 1)
	assert.Empty(t, r.GetSubscribers(EventLevelChanged))
	assert.Len(t, r.ListAll(), 1)

	require.NoError(t, r.Unregister(sub.ID))
	assert.Empty(t, r.GetSubscribers(EventDecisionEscalated))
	assert.Error(t, r.Unregister(sub.ID))
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(&Subscription{Events: []EventType{EventDecisionEscalated}}))
	assert.Error(t, r.Register(&Subscription{URL: "https://hooks.example.com/a"}))
}

func TestRegistryDisablesAfterTenFailures(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "https://hooks.example.com/a", Events: []EventType{EventIncidentOpened}}
	require.NoError(t, r.Register(sub))

	for i := 0; i < 9; i++ {
		r.MarkFailed(sub.ID)
	}
	assert.Len(t, r.GetSubscribers(EventIncidentOpened), 1)

	r.MarkFailed(sub.ID)
	assert.Empty(t, r.GetSubscribers(EventIncidentOpened), "subscription disabled at ten failures")
}

func TestSignPayloadIsDeterministic(t *testing.T) {
	a := SignPayload([]byte(`{"x":1}`), "secret")
	b := SignPayload([]byte(`{"x":1}`), "secret")
	c := SignPayload([]byte(`{"x":1}`), "other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

// ============================================================================
// DISPATCHER
// ============================================================================

func TestDispatcherDeliversNotification(t *testing.T) {
	type received struct {
		notification Notification
		headers      http.Header
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var n Notification
		assert.NoError(t, json.Unmarshal(body, &n))

		// Verify the signature against the raw payload.
		sig := r.Header.Get("X-Aegis-Signature")
		assert.Equal(t, "sha256="+SignPayload(body, "s3cret"), sig)

		got <- received{notification: n, headers: r.Header.Clone()}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{
		URL:    srv.URL,
		Events: []EventType{EventDecisionEscalated},
		Secret: "s3cret",
	}))

	d := NewDispatcher(reg, 2)
	d.Emit(EventDecisionEscalated, "deployment_1", map[string]interface{}{"confidence": 0.4})
	d.Shutdown()

	select {
	case r := <-got:
		assert.Equal(t, EventDecisionEscalated, r.notification.Type)
		assert.Equal(t, "deployment_1", r.notification.Subject)
		assert.Equal(t, "decision.escalated", r.headers.Get("X-Aegis-Event-Type"))
		assert.Equal(t, "1", r.headers.Get("X-Aegis-Delivery-Attempt"))
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestDispatcherSkipsUnsubscribedEvents(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{
		URL:    srv.URL,
		Events: []EventType{EventIncidentOpened},
	}))

	d := NewDispatcher(reg, 1)
	d.Emit(EventDecisionApproved, "deployment_1", nil)
	d.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestDispatcherMarksFailedOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := NewRegistry()
	sub := &Subscription{URL: srv.URL, Events: []EventType{EventLevelChanged}}
	require.NoError(t, reg.Register(sub))

	d := NewDispatcher(reg, 1)
	d.Emit(EventLevelChanged, "high", map[string]interface{}{"from": "normal"})
	d.Shutdown()

	reg.mu.RLock()
	defer reg.mu.RUnlock()
	assert.Equal(t, 1, reg.hooks[sub.ID].FailCount)
}
