package bpmn

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
)

type timeManagerTester struct {
	mu              sync.Mutex
	generatedTimers []DueTimer
	processedTimers []DueTimer
}

func (t *timeManagerTester) generateTimers(ctx context.Context, end time.Time) ([]DueTimer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	timersToGenerate := int64(3)
	now := time.Now()
	diff := int64(end.Sub(now))
	timers := make([]DueTimer, timersToGenerate)
	for i := range timersToGenerate {
		timers[i] = DueTimer{
			ProcessInstanceKey:  rand.Int63(),
			ActivityInstanceKey: rand.Int63(),
			DueAt:               now.Add(time.Duration((diff / timersToGenerate) * i)),
		}
	}
	t.generatedTimers = append(t.generatedTimers, timers...)
	return timers, nil
}

func (t *timeManagerTester) processTimer(ctx context.Context, timer DueTimer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processedTimers = append(t.processedTimers, timer)
}

func (t *timeManagerTester) snapshot() (generated, processed []DueTimer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.generatedTimers), slices.Clone(t.processedTimers)
}

func TestTimerManagerLoadsAndFiresTimers(t *testing.T) {
	tester := &timeManagerTester{}
	tm := newTimerManager(tester.processTimer, tester.generateTimers, 500*time.Millisecond, hclog.NewNullLogger())
	tm.start()
	defer tm.stop()

	assert.Eventually(t, func() bool {
		generated, _ := tester.snapshot()
		return len(generated) > 0
	}, 2*time.Second, 50*time.Millisecond, "timers should be generated in time")
	now := time.Now()

	assert.Eventually(t, func() bool {
		generated, processed := tester.snapshot()
		for _, timerToFire := range generated {
			if timerToFire.DueAt.Before(now) && !slices.Contains(processed, timerToFire) {
				return false
			}
		}
		return true
	}, 2*time.Second, 50*time.Millisecond, "processed timers did not contain timer that should be fired")

	_, processed := tester.snapshot()
	assert.NotEmpty(t, processed)
}

func TestTimerManagerIgnoresDuplicateTimers(t *testing.T) {
	tester := &timeManagerTester{}
	tm := newTimerManager(
		tester.processTimer,
		func(ctx context.Context, end time.Time) ([]DueTimer, error) { return nil, nil },
		1*time.Second,
		hclog.NewNullLogger(),
	)
	tm.start()
	defer tm.stop()
	duplicate := DueTimer{
		ProcessInstanceKey:  rand.Int63(),
		ActivityInstanceKey: rand.Int63(),
		ActivityId:          "wait",
		DueAt:               time.Now().Add(100 * time.Millisecond),
	}

	tm.registerTimer(duplicate)
	tm.registerTimer(duplicate)
	time.Sleep(500 * time.Millisecond)

	// verify that the timer fired exactly once
	_, processed := tester.snapshot()
	assert.Len(t, processed, 1)
}

func TestTimerManagerRemovedTimerDoesNotFire(t *testing.T) {
	tester := &timeManagerTester{}
	tm := newTimerManager(
		tester.processTimer,
		func(ctx context.Context, end time.Time) ([]DueTimer, error) { return nil, nil },
		1*time.Second,
		hclog.NewNullLogger(),
	)
	tm.start()
	defer tm.stop()
	timer := DueTimer{
		ProcessInstanceKey:  rand.Int63(),
		ActivityInstanceKey: rand.Int63(),
		DueAt:               time.Now().Add(200 * time.Millisecond),
	}

	tm.registerTimer(timer)
	tm.removeTimer(timer.ActivityInstanceKey)
	time.Sleep(400 * time.Millisecond)

	_, processed := tester.snapshot()
	assert.Empty(t, processed)
}

func TestTimerManagerIgnoresTimersWhenStopped(t *testing.T) {
	tester := &timeManagerTester{}
	tm := newTimerManager(tester.processTimer, tester.generateTimers, time.Second, hclog.NewNullLogger())

	tm.registerTimer(DueTimer{ActivityInstanceKey: 1, DueAt: time.Now()})
	time.Sleep(100 * time.Millisecond)

	_, processed := tester.snapshot()
	assert.Empty(t, processed)
	assert.Empty(t, tm.waitingTimers)
}
