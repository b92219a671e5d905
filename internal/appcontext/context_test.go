package appcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstanceKey(t *testing.T) {
	// given
	ctx := WithInstanceKey(context.Background(), 42)

	// when
	key, ok := InstanceKey(ctx)

	// then
	assert.True(t, ok)
	assert.Equal(t, int64(42), key)

	_, ok = InstanceKey(context.Background())
	assert.False(t, ok)
}
