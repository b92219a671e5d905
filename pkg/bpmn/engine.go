// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/script"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxTransitionRetries  = 16
	defaultMaxStepsPerTransition = 10_000
	defaultTimerPollInterval     = time.Second
	defaultDefinitionCacheSize   = 256
	defaultDefinitionCacheTtl    = time.Hour
)

// Engine executes process instances. It keeps no instance state in memory between operations,
// every operation loads the instance, computes one step and commits it through the store.
type Engine struct {
	name        string
	persistence storage.Storage
	keys        *zenflake.Generator
	logger      hclog.Logger
	tracer      trace.Tracer
	meter       metric.Meter
	metrics     *otelPkg.EngineMetrics
	clock       func() time.Time

	definitions         *expirable.LRU[int64, *compiledDefinition]
	definitionCacheSize int
	definitionCacheTtl  time.Duration

	behaviours map[model.ActivityKind]behaviour

	jsRuntime      script.JsRuntime
	dispatcher     TaskDispatcher
	taskHandlers   []*taskHandler
	taskHandlersMu sync.RWMutex

	timerManager      *timerManager
	timerPollInterval time.Duration

	maxTransitionRetries  int
	maxStepsPerTransition int
}

// NewEngine creates a new engine. Without EngineWithStorage the engine keeps its state in memory.
func NewEngine(options ...EngineOption) *Engine {
	engine := &Engine{
		keys:                  getGlobalKeyGenerator(),
		logger:                hclog.Default().Named("engine"),
		clock:                 time.Now,
		definitionCacheSize:   defaultDefinitionCacheSize,
		definitionCacheTtl:    defaultDefinitionCacheTtl,
		timerPollInterval:     defaultTimerPollInterval,
		maxTransitionRetries:  defaultMaxTransitionRetries,
		maxStepsPerTransition: defaultMaxStepsPerTransition,
	}
	engine.name = fmt.Sprintf("Zenflow-Engine-%d", engine.keys.Generate())

	for _, option := range options {
		option(engine)
	}

	if engine.persistence == nil {
		engine.persistence = inmemory.NewStorage()
	}
	if engine.tracer == nil {
		engine.tracer = otel.Tracer("zenflow-engine")
	}
	if engine.meter == nil {
		engine.meter = otel.Meter("zenflow-engine")
	}
	metrics, err := otelPkg.NewMetrics(engine.meter)
	if err != nil {
		engine.logger.Error(fmt.Sprintf("Failed to create some engine metrics: %s", err))
	}
	engine.metrics = metrics
	engine.definitions = expirable.NewLRU[int64, *compiledDefinition](engine.definitionCacheSize, nil, engine.definitionCacheTtl)
	engine.behaviours = defaultBehaviours()
	engine.timerManager = newTimerManager(engine.processTimer, engine.DueTimers, engine.timerPollInterval, engine.logger.Named("timer-manager"))
	return engine
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

// Start launches the embedded timer manager.
func (engine *Engine) Start() {
	engine.timerManager.start()
}

func (engine *Engine) Stop() {
	engine.timerManager.stop()
}

// now is the engine time, truncated to what every store can persist.
func (engine *Engine) now() time.Time {
	return engine.clock().UTC().Truncate(time.Millisecond)
}
