package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CorrelateMessage completes every message event waiting for name with the given correlation key.
// The variables of the message become the outputs of each event. It returns the number of message
// events that were completed, zero when nobody waits for the message.
func (engine *Engine) CorrelateMessage(ctx context.Context, name, correlationKey string, variables map[string]any) (_ int, retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("message:%s", name), trace.WithAttributes(
		attribute.String("message-name", name),
		attribute.String("correlation-key", correlationKey),
	))
	defer func() { endSpan(span, retErr) }()

	subscriptions, err := engine.persistence.FindActivityInstances(ctx, storage.ActivityInstanceFilter{
		Status:         runtime.ActivityActive,
		MessageName:    name,
		CorrelationKey: correlationKey,
	})
	if err != nil {
		return 0, &PersistenceError{Op: "correlate message", Err: err}
	}

	correlated := 0
	var errs error
	for _, sub := range subscriptions {
		matched := false
		_, err := engine.transition(ctx, sub.ProcessInstanceKey, "correlate message", func(r *run) error {
			matched = false
			tok, ok := r.byKey[sub.Key]
			if !ok || tok.Status != runtime.ActivityActive || tok.MessageName != name || tok.CorrelationKey != correlationKey {
				return nil
			}
			if r.instance.Status != runtime.ProcessActive {
				return nil
			}
			act, err := r.activity(tok)
			if err != nil {
				return err
			}
			matched = true
			r.addHistory(runtime.HistoryMessageCorrelated, tok, name)
			if err := r.leave(tok, act, variables); err != nil {
				return err
			}
			return r.drain()
		})
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if matched {
			correlated++
			span.AddEvent("correlated", trace.WithAttributes(attribute.Int64(otelPkg.AttributeProcessInstanceKey, sub.ProcessInstanceKey)))
		}
	}
	return correlated, errs
}
