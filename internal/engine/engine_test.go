package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/backend/internal/core"
	"github.com/aegisops/backend/internal/decision"
	"github.com/aegisops/backend/internal/events"
	"github.com/aegisops/backend/internal/guardian"
	"github.com/aegisops/backend/internal/ledger"
	"github.com/aegisops/backend/internal/webhooks"
)

type capturingNotifier struct {
	events []webhooks.EventType
	data   []map[string]interface{}
}

func (c *capturingNotifier) Emit(eventType webhooks.EventType, subject string, data map[string]interface{}) {
	c.events = append(c.events, eventType)
	c.data = append(c.data, data)
}

func (c *capturingNotifier) Shutdown() {}

func newTestEngine(t *testing.T) (*Engine, *events.EventBus) {
	t.Helper()
	led := ledger.NewService(ledger.NewMemoryStore(), "memory", nil)
	monitor := guardian.NewMonitor(led)
	bus := events.NewEventBus()
	eng := New(decision.NewMatrix(), monitor, led, WithEmitter(bus))
	return eng, bus
}

func submitCtx(confidence float64, priority core.Priority) core.DecisionContext {
	return core.DecisionContext{
		DecisionType: core.DecisionDeployment,
		Priority:     priority,
		Source:       "ci",
		Parameters: []core.DecisionParameter{
			{Name: "test_pass_rate", Value: confidence, Weight: 1.0},
		},
	}
}

func TestSubmitApprovedEmitsEvent(t *testing.T) {
	eng, bus := newTestEngine(t)
	ch := bus.Subscribe(events.TypeDecisionApproved)
	defer bus.Unsubscribe(ch)

	result, err := eng.Submit(context.Background(), submitCtx(0.95, core.PriorityLow))
	require.NoError(t, err)
	require.True(t, result.Approved)
	assert.Equal(t, string(guardian.ValidationApproved), result.Metadata["validation_status"])
	assert.NotEmpty(t, result.Metadata["validation_id"])

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeDecisionApproved, ev.Type)
		assert.Equal(t, result.DecisionID, ev.Subject)
		assert.Equal(t, true, ev.Data["approved"])
	default:
		t.Fatal("expected an approval event on the bus")
	}
}

func TestSubmitEscalatedEmitsEvent(t *testing.T) {
	eng, bus := newTestEngine(t)
	ch := bus.Subscribe(events.TypeDecisionEscalated)
	defer bus.Unsubscribe(ch)

	result, err := eng.Submit(context.Background(), submitCtx(0.50, core.PriorityLow))
	require.NoError(t, err)
	require.False(t, result.Approved)

	select {
	case ev := <-ch:
		assert.Equal(t, "guardian_review", ev.Data["reason"])
	default:
		t.Fatal("expected an escalation event on the bus")
	}
}

func TestEscalationNotificationCarriesAlert(t *testing.T) {
	led := ledger.NewService(ledger.NewMemoryStore(), "memory", nil)
	notifier := &capturingNotifier{}
	eng := New(decision.NewMatrix(), guardian.NewMonitor(led), led, WithNotifier(notifier))

	result, err := eng.Submit(context.Background(), submitCtx(0.50, core.PriorityLow))
	require.NoError(t, err)
	require.False(t, result.Approved)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, webhooks.EventDecisionEscalated, notifier.events[0])

	alert, ok := notifier.data[0]["alert"].(map[string]interface{})
	require.True(t, ok, "escalation notification should carry an alert payload")
	assert.Contains(t, alert["title"], result.DecisionID)
	assert.Contains(t, alert["body"], "guardian_review")
	assert.Contains(t, alert["labels"], "deployment")
}

func TestSubmitInvalidContext(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.Submit(context.Background(), core.DecisionContext{
		DecisionType: "reboot",
		Priority:     core.PriorityLow,
	})
	assert.ErrorIs(t, err, decision.ErrInvalidContext)
}

func TestOverrideWritesLedgerAndEmits(t *testing.T) {
	eng, bus := newTestEngine(t)
	ch := bus.Subscribe(events.TypeGuardianOverride)
	defer bus.Unsubscribe(ch)

	result, err := eng.Submit(context.Background(), submitCtx(0.50, core.PriorityLow))
	require.NoError(t, err)

	rec, err := eng.Override(context.Background(), core.ApprovalRecord{
		DecisionID: result.DecisionID,
		Action:     core.ActionApprove,
		GuardianID: "guardian-1",
		Reasoning:  "manual review passed",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ApprovalID)
	assert.Equal(t, core.DecisionDeployment, rec.DecisionType, "type recovered from the decision id")

	assert.True(t, eng.Ledger().IsApproved(context.Background(), result.DecisionID))

	select {
	case ev := <-ch:
		assert.Equal(t, result.DecisionID, ev.Subject)
		assert.Equal(t, "approve", ev.Data["action"])
	default:
		t.Fatal("expected an override event on the bus")
	}
}

func TestLevelChangeGatesSubmission(t *testing.T) {
	eng, bus := newTestEngine(t)
	eng.Monitor().OnLevelChange(eng.HandleLevelChange)
	ch := bus.Subscribe(events.TypeLevelChanged)
	defer bus.Unsubscribe(ch)

	// Medium priority auto-approves at normal posture.
	result, err := eng.Submit(context.Background(), submitCtx(0.95, core.PriorityMedium))
	require.NoError(t, err)
	require.True(t, result.Approved)

	eng.Monitor().UpdateMetric("security_score", 0.75) // high

	select {
	case ev := <-ch:
		assert.Equal(t, "high", ev.Data["to"])
	default:
		t.Fatal("expected a level change event on the bus")
	}

	// The same submission now escalates.
	result, err = eng.Submit(context.Background(), submitCtx(0.95, core.PriorityMedium))
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.True(t, result.RequiresGuardian)
}
