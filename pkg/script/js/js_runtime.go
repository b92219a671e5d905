package js

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/pbinitiative/zenflow/pkg/script"
)

// ErrScriptTimeout is returned when a script is interrupted because its context ended.
var ErrScriptTimeout = errors.New("script interrupted")

type JsRuntime struct {
	pool    *script.RunnerPool[*JsRunner]
	timeout time.Duration
}

var _ script.JsRuntime = &JsRuntime{}

// NewJsRuntime creates a goja backed runtime, timeout bounds every script run (zero means only the caller context applies).
func NewJsRuntime(ctx context.Context, maxVmPoolSize int, minVmPoolSize int, timeout time.Duration) *JsRuntime {
	return &JsRuntime{
		pool:    script.NewRunnerPool(ctx, newJsRunner, maxVmPoolSize, minVmPoolSize),
		timeout: timeout,
	}
}

func (r *JsRuntime) RunScript(ctx context.Context, source string, variables map[string]any) (map[string]any, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	runner, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: no script runner available: %v", ErrScriptTimeout, err)
	}
	defer r.pool.Release(runner)

	return runner.runScript(ctx, source, variables)
}

type JsRunner struct {
	vm *goja.Runtime
}

func newJsRunner() *JsRunner {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return &JsRunner{vm: vm}
}

// runScript wraps the source in a function so `return` works and declarations do not leak into the next run.
func (r *JsRunner) runScript(ctx context.Context, source string, variables map[string]any) (map[string]any, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	stop := context.AfterFunc(ctx, func() {
		r.vm.Interrupt(ErrScriptTimeout)
	})
	defer func() {
		stop()
		r.vm.ClearInterrupt()
	}()

	fn, err := r.vm.RunString("(function(variables) {\n" + source + "\n})")
	if err != nil {
		return nil, fmt.Errorf("error compiling script: %w", err)
	}
	call, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, fmt.Errorf("error compiling script: not a function")
	}
	res, err := call(goja.Undefined(), r.vm.ToValue(variables))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("%w: %v", ErrScriptTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("error running script: %w", err)
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, nil
	}
	out, ok := res.Export().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("script must return an object, got %s", res.ExportType())
	}
	return out, nil
}
