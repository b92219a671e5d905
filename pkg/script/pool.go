package script

import (
	"context"
	"sync"
	"time"
)

const idleReleaseInterval = 10 * time.Minute

// RunnerPool keeps between min and max runners. A runner is used by one goroutine at a time.
type RunnerPool[R any] struct {
	pool      chan R
	newRunner func() R
	mu        sync.Mutex
	active    int
	max       int
	min       int
}

// NewRunnerPool starts min runners up front. Idle runners above the minimum are released every
// 10 minutes until ctx ends.
func NewRunnerPool[R any](ctx context.Context, newRunner func() R, maxSize int, minSize int) *RunnerPool[R] {
	if maxSize < 1 {
		maxSize = 1
	}
	if minSize > maxSize {
		minSize = maxSize
	}
	rp := &RunnerPool[R]{
		pool:      make(chan R, maxSize),
		newRunner: newRunner,
		max:       maxSize,
		min:       minSize,
	}
	for range minSize {
		rp.pool <- newRunner()
		rp.active++
	}

	go func() {
		ticker := time.NewTicker(idleReleaseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rp.releaseIdle()
			case <-ctx.Done():
				return
			}
		}
	}()
	return rp
}

func (rp *RunnerPool[R]) releaseIdle() {
	for {
		rp.mu.Lock()
		if rp.active <= rp.min {
			rp.mu.Unlock()
			return
		}
		select {
		case <-rp.pool:
			rp.active--
			rp.mu.Unlock()
		default:
			rp.mu.Unlock()
			return
		}
	}
}

// Acquire returns an idle runner, creates one while below the maximum, and otherwise waits
// for a runner to be released or for ctx to end.
func (rp *RunnerPool[R]) Acquire(ctx context.Context) (R, error) {
	select {
	case runner := <-rp.pool:
		return runner, nil
	default:
	}
	rp.mu.Lock()
	if rp.active < rp.max {
		rp.active++
		rp.mu.Unlock()
		return rp.newRunner(), nil
	}
	rp.mu.Unlock()
	select {
	case runner := <-rp.pool:
		return runner, nil
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func (rp *RunnerPool[R]) Release(runner R) {
	select {
	case rp.pool <- runner:
	default:
		rp.mu.Lock()
		rp.active--
		rp.mu.Unlock()
	}
}

// Active is the number of runners currently alive, idle or in use.
func (rp *RunnerPool[R]) Active() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.active
}
