package bpmn

import (
	"fmt"
	"testing"

	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTracedEngine(t *testing.T) (*Engine, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })
	return NewEngine(EngineWithTracer(provider.Tracer("test"))), recorder
}

func spanNames(recorder *tracetest.SpanRecorder) []string {
	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	return names
}

func TestOperationsAreTraced(t *testing.T) {
	// given
	engine, recorder := newTracedEngine(t)
	process := deploy(t, engine, "simple_task.yaml")

	// when
	key := startProcess(t, engine, process, nil)
	task := activeActivity(t, engine, key, "id")
	require.NoError(t, engine.CompleteActivity(t.Context(), key, task.Key, nil))

	// then
	names := spanNames(recorder)
	assert.Contains(t, names, "deploy:simple_task")
	assert.Contains(t, names, "start:simple_task")
	assert.Contains(t, names, fmt.Sprintf("complete:%d", task.Key))
	for _, s := range recorder.Ended() {
		if s.Name() != "start:simple_task" {
			continue
		}
		assert.Contains(t, s.Attributes(), attribute.Int64(otelPkg.AttributeProcessInstanceKey, key))
		assert.Contains(t, s.Attributes(), attribute.Int(otelPkg.AttributeTransitionAttempts, 1))
	}
}

func TestFailedOperationMarksSpan(t *testing.T) {
	// given
	engine, recorder := newTracedEngine(t)

	// when
	err := engine.CancelProcess(t.Context(), 4242, "")

	// then
	require.ErrorIs(t, err, ErrNotFound)
	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "cancel:4242", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.NotEmpty(t, ended[0].Events(), "the error is recorded on the span")
}
