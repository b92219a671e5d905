package bpmn

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// processTimerFunc should execute the timer and continue processing the process instance
type processTimerFunc func(ctx context.Context, timer DueTimer)

// pollTimerFunc must return timers of active activity instances that should fire before end
// timerManager does the de-duplication of already waiting timers and timers returned by this function
type pollTimerFunc func(ctx context.Context, end time.Time) ([]DueTimer, error)

type waitingTimer struct {
	cancel context.CancelFunc
	timer  DueTimer
}

type timerManager struct {
	pollTimerDelay   time.Duration
	nextPoll         time.Time
	mu               *sync.RWMutex
	ctx              context.Context
	ctxCancelFunc    context.CancelFunc
	ch               chan DueTimer
	logger           hclog.Logger
	processTimerFunc processTimerFunc
	pollTimerFunc    pollTimerFunc
	waitingTimers    []waitingTimer
	running          bool
}

func newTimerManager(processTimerFunc processTimerFunc, pollTimerFunc pollTimerFunc, pollTimerDelay time.Duration, logger hclog.Logger) *timerManager {
	return &timerManager{
		pollTimerDelay:   pollTimerDelay,
		mu:               &sync.RWMutex{},
		ch:               make(chan DueTimer),
		pollTimerFunc:    pollTimerFunc,
		processTimerFunc: processTimerFunc,
		logger:           logger,
	}
}

// registerTimer will register the timer if its due date is in the current cycle, later timers are
// picked up by a future poll
func (tm *timerManager) registerTimer(timer DueTimer) {
	tm.mu.RLock()
	running, nextPoll := tm.running, tm.nextPoll
	tm.mu.RUnlock()
	if !running || timer.DueAt.After(nextPoll) {
		return
	}
	tm.addWaitingTimer(timer)
}

// removeTimer stops waiting for the timer of an activity instance that ended before it fired.
func (tm *timerManager) removeTimer(activityInstanceKey int64) {
	// most of the time the timer will be waiting in DB not yet loaded so we just Rlock here to not block other reads
	tm.mu.RLock()
	remove := slices.ContainsFunc(tm.waitingTimers, func(wt waitingTimer) bool {
		return wt.timer.ActivityInstanceKey == activityInstanceKey
	})
	tm.mu.RUnlock()
	if !remove {
		return
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.waitingTimers = slices.DeleteFunc(tm.waitingTimers, func(wt waitingTimer) bool {
		if wt.timer.ActivityInstanceKey != activityInstanceKey {
			return false
		}
		wt.cancel()
		return true
	})
}

func (tm *timerManager) run(ctx context.Context) {
	pollTicker := time.NewTicker(tm.pollTimerDelay)
	defer pollTicker.Stop()
	tm.poll(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case timer := <-tm.ch:
			tm.processTimerFunc(ctx, timer)
			tm.mu.Lock()
			tm.waitingTimers = slices.DeleteFunc(tm.waitingTimers, func(item waitingTimer) bool {
				return item.timer.ActivityInstanceKey == timer.ActivityInstanceKey
			})
			tm.mu.Unlock()
		case t := <-pollTicker.C:
			tm.poll(ctx, t)
		}
	}
}

func (tm *timerManager) poll(ctx context.Context, t time.Time) {
	nextPoll := t.Add(tm.pollTimerDelay)
	tm.mu.Lock()
	tm.nextPoll = nextPoll
	tm.mu.Unlock()
	toFireTimers, err := tm.pollTimerFunc(ctx, nextPoll)
	if err != nil {
		tm.logger.Error(fmt.Sprintf("Failed to poll timers for processing: %s", err))
		return
	}
	for _, tft := range toFireTimers {
		tm.addWaitingTimer(tft)
	}
}

func (tm *timerManager) addWaitingTimer(tft DueTimer) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if !tm.running {
		return
	}
	for _, wt := range tm.waitingTimers {
		if wt.timer.ActivityInstanceKey == tft.ActivityInstanceKey {
			return
		}
	}
	timerCtx, timerCancel := context.WithCancel(tm.ctx)
	tm.waitingTimers = append(tm.waitingTimers, waitingTimer{
		cancel: timerCancel,
		timer:  tft,
	})
	go func() {
		t := time.NewTimer(time.Until(tft.DueAt))
		defer t.Stop()
		select {
		case <-t.C:
			select {
			case tm.ch <- tft:
			case <-timerCtx.Done():
			}
		case <-timerCtx.Done():
		}
	}()
}

func (tm *timerManager) start() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.running {
		return
	}
	tm.ctx, tm.ctxCancelFunc = context.WithCancel(context.Background())
	tm.running = true
	tm.nextPoll = time.Now().Add(tm.pollTimerDelay)
	go tm.run(tm.ctx)
}

func (tm *timerManager) stop() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if !tm.running {
		return
	}
	tm.running = false
	tm.ctxCancelFunc()
	for _, wt := range tm.waitingTimers {
		wt.cancel()
	}
	tm.waitingTimers = nil
}
