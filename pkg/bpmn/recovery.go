package bpmn

import (
	"context"
	"errors"
	"fmt"
)

// Recover continues every instance that was active when the engine went down. Each instance runs
// through the same step as any other signal: scheduled tokens are entered and the effects of active
// tokens (task dispatch, timers, child instances) are issued again. It returns the number of instances
// that were continued.
func (engine *Engine) Recover(ctx context.Context) (_ int, retErr error) {
	ctx, span := engine.tracer.Start(ctx, "recover")
	defer func() { endSpan(span, retErr) }()

	keys, err := engine.persistence.ListResumable(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "list resumable", Err: err}
	}
	recovered := 0
	var errs error
	for _, key := range keys {
		_, err := engine.transition(ctx, key, "recover", func(r *run) error {
			return r.resume(true)
		})
		if err != nil {
			engine.logger.Error(fmt.Sprintf("Failed to recover process instance %d: %s", key, err))
			errs = errors.Join(errs, err)
			continue
		}
		recovered++
	}
	engine.logger.Info(fmt.Sprintf("Recovered %d of %d active process instances", recovered, len(keys)))
	return recovered, errs
}
