package bpmn

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/pkg/script"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type EngineOption = func(*Engine)

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func EngineWithTracer(tracer trace.Tracer) EngineOption {
	return func(engine *Engine) {
		engine.tracer = tracer
	}
}

func EngineWithMeter(meter metric.Meter) EngineOption {
	return func(engine *Engine) {
		engine.meter = meter
	}
}

func EngineWithKeyGenerator(keys *zenflake.Generator) EngineOption {
	return func(engine *Engine) {
		engine.keys = keys
	}
}

// EngineWithDispatcher pushes activated external tasks that no in-process handler claims to dispatcher.
func EngineWithDispatcher(dispatcher TaskDispatcher) EngineOption {
	return func(engine *Engine) {
		engine.dispatcher = dispatcher
	}
}

// EngineWithJsRuntime enables script tasks.
func EngineWithJsRuntime(rt script.JsRuntime) EngineOption {
	return func(engine *Engine) {
		engine.jsRuntime = rt
	}
}

func EngineWithDefinitionCache(size int, ttl time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.definitionCacheSize = size
		engine.definitionCacheTtl = ttl
	}
}

// EngineWithMaxTransitionRetries bounds how often a step is recomputed after a concurrency conflict.
func EngineWithMaxTransitionRetries(retries int) EngineOption {
	return func(engine *Engine) {
		engine.maxTransitionRetries = retries
	}
}

// EngineWithMaxStepsPerTransition bounds the number of activities one step may enter,
// an instance exceeding it is failed.
func EngineWithMaxStepsPerTransition(steps int) EngineOption {
	return func(engine *Engine) {
		engine.maxStepsPerTransition = steps
	}
}

func EngineWithTimerPollInterval(interval time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.timerPollInterval = interval
	}
}

// EngineWithClock replaces time.Now for due time computation.
func EngineWithClock(clock func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.clock = clock
	}
}
