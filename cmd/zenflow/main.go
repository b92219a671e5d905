package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pbinitiative/zenflow/internal/config"
	"github.com/pbinitiative/zenflow/internal/log"
	"github.com/pbinitiative/zenflow/internal/mq"
	"github.com/pbinitiative/zenflow/internal/otel"
	"github.com/pbinitiative/zenflow/internal/profile"
	"github.com/pbinitiative/zenflow/internal/rest"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"github.com/pbinitiative/zenflow/pkg/script/js"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/storage/inmemory"
	"github.com/pbinitiative/zenflow/pkg/storage/sqlstore"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
)

const shutdownTimeout = 10 * time.Second

func main() {
	profile.InitProfile()
	log.Init()
	defer log.Sync()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	store, err := openStorage(appContext, conf.Persistence)
	if err != nil {
		log.Error("Failed to open %s storage: %s", conf.Persistence.Driver, err)
		os.Exit(1)
	}

	keys, err := zenflake.NewGenerator(zenflake.NodeIdFromEnvironment())
	if err != nil {
		log.Error("Failed to create key generator: %s", err)
		os.Exit(1)
	}

	options := []bpmn.EngineOption{
		bpmn.EngineWithStorage(store),
		bpmn.EngineWithLogger(log.Hclog("engine")),
		bpmn.EngineWithKeyGenerator(keys),
		bpmn.EngineWithJsRuntime(js.NewJsRuntime(appContext, conf.Engine.JsVmPoolMax, conf.Engine.JsVmPoolMin, conf.Engine.ScriptTimeout)),
		bpmn.EngineWithDefinitionCache(conf.Persistence.DefinitionCacheSize, conf.Persistence.DefinitionCacheTtl),
		bpmn.EngineWithMaxTransitionRetries(conf.Engine.MaxTransitionRetries),
		bpmn.EngineWithMaxStepsPerTransition(conf.Engine.MaxStepsPerTransition),
		bpmn.EngineWithTimerPollInterval(conf.Engine.TimerPollInterval),
	}

	var amqpConn *mq.Connection
	topology := mq.DefaultTopology()
	topology.TaskExchange = conf.Messaging.Exchange
	topology.ResultQueue = conf.Messaging.ResultQueue
	if conf.Messaging.Enabled {
		amqpConn, err = mq.NewConnection(conf.Messaging.Url, log.Hclog("amqp"))
		if err != nil {
			log.Error("Failed to connect to message broker: %s", err)
			os.Exit(1)
		}
		if err := topology.Declare(amqpConn); err != nil {
			log.Error("Failed to declare broker topology: %s", err)
			os.Exit(1)
		}
		options = append(options, bpmn.EngineWithDispatcher(mq.NewPublisher(amqpConn, topology, log.Hclog("publisher"))))
		defer func() {
			if err := amqpConn.Close(); err != nil {
				log.Error("Failed to close broker connection: %s", err)
			}
		}()
	}

	engine := bpmn.NewEngine(options...)

	recovered, err := engine.Recover(appContext)
	if err != nil {
		log.Error("Recovery of running instances was incomplete: %s", err)
	}
	log.Info("%s recovered %d running instances", engine.Name(), recovered)
	engine.Start()

	if amqpConn != nil {
		consumer := mq.NewResultConsumer(amqpConn, engine, topology, conf.Messaging.Prefetch, log.Hclog("consumer"))
		go func() {
			if err := consumer.Run(appContext); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Task result consumer stopped: %s", err)
			}
		}()
	}

	// Start the public API
	svr := rest.NewServer(engine, conf, openTelemetry.Requests, func() any {
		return status(engine, conf, amqpConn)
	})
	if _, err := svr.Start(); err != nil {
		log.Error("Failed to start REST server: %s", err)
		os.Exit(1)
	}

	appStop := make(chan os.Signal, 2)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	svr.Stop(shutdownCtx)
	engine.Stop()
	if closer, ok := store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Error("Failed to close storage: %s", err)
		}
	}
	openTelemetry.Stop(shutdownCtx)
}

func openStorage(ctx context.Context, conf config.Persistence) (storage.Storage, error) {
	switch conf.Driver {
	case config.DriverInMemory:
		return inmemory.NewStorage(), nil
	case config.DriverSqlite:
		return sqlstore.OpenSqlite(ctx, conf.Dsn)
	case config.DriverPostgres:
		return sqlstore.OpenPostgres(ctx, conf.Dsn, conf.MaxConns)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", conf.Driver)
	}
}

func status(engine *bpmn.Engine, conf config.Config, amqpConn *mq.Connection) any {
	res := map[string]any{
		"engine":  engine.Name(),
		"storage": conf.Persistence.Driver,
	}
	if amqpConn != nil {
		res["messagingConnected"] = amqpConn.IsConnected()
	}
	return res
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
