package bpmn

import (
	"testing"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCorrelatesByKey(t *testing.T) {
	// given
	engine := NewEngine()
	process := deploy(t, engine, "message_event.yaml")
	first := startProcess(t, engine, process, map[string]any{"orderId": "o-1"})
	second := startProcess(t, engine, process, map[string]any{"orderId": "o-2"})
	waiting := activeActivity(t, engine, first, "payment")
	assert.Equal(t, "payment-received", waiting.MessageName)
	assert.Equal(t, "o-1", waiting.CorrelationKey)

	// when
	n, err := engine.CorrelateMessage(t.Context(), "payment-received", "o-1", map[string]any{"amount": int64(99)})

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s := snapshot(t, engine, first)
	assert.Equal(t, runtime.ProcessCompleted, s.Instance.Status)
	assert.EqualValues(t, 99, s.Variables["paidAmount"])
	assert.NotContains(t, s.Variables, "amount", "only mapped message variables are kept")
	assert.Equal(t, runtime.ProcessActive, snapshot(t, engine, second).Instance.Status)
}

func TestMessageWithoutSubscriberIsNotCorrelated(t *testing.T) {
	// given
	engine := NewEngine()
	process := deploy(t, engine, "message_event.yaml")
	key := startProcess(t, engine, process, map[string]any{"orderId": "o-1"})

	// when
	n, err := engine.CorrelateMessage(t.Context(), "payment-received", "unknown", nil)

	// then
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, runtime.ProcessActive, snapshot(t, engine, key).Instance.Status)

	// when the message is correlated a second time
	n, err = engine.CorrelateMessage(t.Context(), "payment-received", "o-1", map[string]any{"amount": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = engine.CorrelateMessage(t.Context(), "payment-received", "o-1", map[string]any{"amount": 2})

	// then
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMessageCorrelatesEveryMatchingSubscription(t *testing.T) {
	// given
	engine := NewEngine()
	process := deploy(t, engine, "message_event.yaml")
	first := startProcess(t, engine, process, map[string]any{"orderId": "shared"})
	second := startProcess(t, engine, process, map[string]any{"orderId": "shared"})

	// when
	n, err := engine.CorrelateMessage(t.Context(), "payment-received", "shared", map[string]any{"amount": 1})

	// then
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, runtime.ProcessCompleted, snapshot(t, engine, first).Instance.Status)
	assert.Equal(t, runtime.ProcessCompleted, snapshot(t, engine, second).Instance.Status)
}

func TestMessageToSuspendedInstanceIsNotCorrelated(t *testing.T) {
	// given
	engine := NewEngine()
	process := deploy(t, engine, "message_event.yaml")
	key := startProcess(t, engine, process, map[string]any{"orderId": "o-9"})
	require.NoError(t, engine.SuspendProcess(t.Context(), key))

	// when
	n, err := engine.CorrelateMessage(t.Context(), "payment-received", "o-9", nil)

	// then
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimerEventFiresWhenDue(t *testing.T) {
	// given
	clock := newTestClock()
	engine := NewEngine(EngineWithClock(clock.Now))
	process := deploy(t, engine, "timer_event.yaml")
	key := startProcess(t, engine, process, nil)
	wait := activeActivity(t, engine, key, "wait")
	require.NotNil(t, wait.DueAt)
	assert.Equal(t, clock.Now().Add(time.Hour), *wait.DueAt)

	// when fired early
	err := engine.FireTimer(t.Context(), key, wait.Key)

	// then
	assert.ErrorIs(t, err, ErrInvalidState)
	due, err := engine.DueTimers(t.Context(), clock.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	// when
	clock.Advance(time.Hour)
	due, err = engine.DueTimers(t.Context(), clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, wait.Key, due[0].ActivityInstanceKey)
	assert.Equal(t, "wait", due[0].ActivityId)
	require.NoError(t, engine.FireTimer(t.Context(), due[0].ProcessInstanceKey, due[0].ActivityInstanceKey))

	// then
	assert.Equal(t, runtime.ProcessCompleted, snapshot(t, engine, key).Instance.Status)

	// firing again does nothing
	assert.NoError(t, engine.FireTimer(t.Context(), key, wait.Key))
}

func TestTimerOfCancelledInstanceIsIgnored(t *testing.T) {
	// given
	clock := newTestClock()
	engine := NewEngine(EngineWithClock(clock.Now))
	process := deploy(t, engine, "timer_event.yaml")
	key := startProcess(t, engine, process, nil)
	wait := activeActivity(t, engine, key, "wait")
	require.NoError(t, engine.CancelProcess(t.Context(), key, "no longer needed"))

	// when
	clock.Advance(2 * time.Hour)
	err := engine.FireTimer(t.Context(), key, wait.Key)

	// then
	assert.NoError(t, err)
	assert.Equal(t, runtime.ProcessCancelled, snapshot(t, engine, key).Instance.Status)
	due, err := engine.DueTimers(t.Context(), clock.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestEmbeddedTimerManagerFiresTimers(t *testing.T) {
	// given
	engine := NewEngine(EngineWithTimerPollInterval(20 * time.Millisecond))
	def, err := engine.DeployYaml(t.Context(), []byte(`
id: short_timer
activities:
  - {id: start, kind: event, eventType: start}
  - {id: wait, kind: event, eventType: timer, timerDuration: PT1S}
  - {id: end, kind: event, eventType: end}
transitions:
  - {id: f1, source: start, target: wait}
  - {id: f2, source: wait, target: end}
`))
	require.NoError(t, err)
	engine.Start()
	defer engine.Stop()

	// when
	key := startProcess(t, engine, def, nil)

	// then
	assert.Eventually(t, func() bool {
		s, err := engine.GetInstanceState(t.Context(), key)
		return err == nil && s.Instance.Status == runtime.ProcessCompleted
	}, 5*time.Second, 20*time.Millisecond)
}
