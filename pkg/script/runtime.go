package script

import "context"

// JsRuntime runs inline task scripts. The script sees the visible variables as `variables`
// and may return an object whose properties become the output variables of the task.
type JsRuntime interface {
	RunScript(ctx context.Context, script string, variables map[string]any) (map[string]any, error)
}
