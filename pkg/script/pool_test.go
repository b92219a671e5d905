package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct{ id int }

func newCounterPool(t *testing.T, maxSize, minSize int) *RunnerPool[*counter] {
	created := 0
	return NewRunnerPool(t.Context(), func() *counter {
		created++
		return &counter{id: created}
	}, maxSize, minSize)
}

func TestPoolStartsMinimumRunners(t *testing.T) {
	pool := newCounterPool(t, 4, 2)

	assert.Equal(t, 2, pool.Active())
}

func TestPoolReusesReleasedRunner(t *testing.T) {
	// given
	pool := newCounterPool(t, 2, 0)
	first, err := pool.Acquire(t.Context())
	require.NoError(t, err)

	// when
	pool.Release(first)
	second, err := pool.Acquire(t.Context())

	// then
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, pool.Active())
}

func TestExhaustedPoolWaitsForContext(t *testing.T) {
	// given
	pool := newCounterPool(t, 1, 1)
	_, err := pool.Acquire(t.Context())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	// when
	_, err = pool.Acquire(ctx)

	// then
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, pool.Active())
}

func TestReleaseIdleKeepsMinimum(t *testing.T) {
	// given
	pool := newCounterPool(t, 3, 1)
	var held []*counter
	for range 3 {
		r, err := pool.Acquire(t.Context())
		require.NoError(t, err)
		held = append(held, r)
	}
	for _, r := range held {
		pool.Release(r)
	}

	// when
	pool.releaseIdle()

	// then
	assert.Equal(t, 1, pool.Active())
}
