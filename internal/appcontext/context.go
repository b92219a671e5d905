package appcontext

import (
	"context"
)

type contextKey string

const instanceKey contextKey = "processInstanceKey"

// WithInstanceKey returns a context that carries the process instance key a request works on.
func WithInstanceKey(ctx context.Context, key int64) context.Context {
	return context.WithValue(ctx, instanceKey, key)
}

// InstanceKey returns the process instance key stored by WithInstanceKey.
func InstanceKey(ctx context.Context) (int64, bool) {
	key, ok := ctx.Value(instanceKey).(int64)
	return key, ok
}
