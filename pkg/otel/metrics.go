package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type EngineMetrics struct {
	ProcessesStarted    metric.Int64Counter
	ProcessesEnded      metric.Int64Counter
	ProcessesRunning    metric.Int64UpDownCounter
	TasksCreated        metric.Int64Counter
	TasksCompleted      metric.Int64Counter
	TasksFailed         metric.Int64Counter
	TransitionConflicts metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	processesStartedTotal, err := meter.Int64Counter("processes_started", metric.WithDescription("Number of processes started"))
	errJoin = errors.Join(errJoin, err)

	processesEndedTotal, err := meter.Int64Counter("processes_ended", metric.WithDescription("Number of processes that reached a terminal status"))
	errJoin = errors.Join(errJoin, err)

	processesRunning, err := meter.Int64UpDownCounter("processes_running", metric.WithDescription("Number of processes currently running"))
	errJoin = errors.Join(errJoin, err)

	tasksCreated, err := meter.Int64Counter("tasks_created", metric.WithDescription("Number of external tasks activated"))
	errJoin = errors.Join(errJoin, err)

	tasksCompleted, err := meter.Int64Counter("tasks_completed", metric.WithDescription("Number of external tasks completed"))
	errJoin = errors.Join(errJoin, err)

	tasksFailed, err := meter.Int64Counter("tasks_failed", metric.WithDescription("Number of external tasks failed"))
	errJoin = errors.Join(errJoin, err)

	conflicts, err := meter.Int64Counter("transition_conflicts", metric.WithDescription("Number of transitions retried after a concurrent modification"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		ProcessesStarted:    processesStartedTotal,
		ProcessesEnded:      processesEndedTotal,
		ProcessesRunning:    processesRunning,
		TasksCreated:        tasksCreated,
		TasksCompleted:      tasksCompleted,
		TasksFailed:         tasksFailed,
		TransitionConflicts: conflicts,
	}
	return &metrics, errJoin
}
