package expression

import (
	"errors"
	"fmt"
)

var (
	ErrUnresolvedVariable = errors.New("unresolved variable")
	ErrTypeMismatch       = errors.New("type mismatch")
	ErrDivisionByZero     = errors.New("division by zero")
	ErrFunctionArgument   = errors.New("invalid function argument")
	ErrUnknownFunction    = errors.New("unknown function")
	// ErrNumericOverflow is reported when an integer result does not fit into int64.
	ErrNumericOverflow = errors.New("numeric overflow")
)

// ParseError is returned by Compile for malformed expression text.
type ParseError struct {
	Expression string
	Position   int
	Msg        string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse expression %q at position %d: %s", e.Expression, e.Position, e.Msg)
}

// EvaluationError is returned when a compiled expression can not be evaluated against a scope.
// Err is one of the Err* sentinels of this package.
type EvaluationError struct {
	Expression string
	Msg        string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate expression %q: %s", e.Expression, e.Msg)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// evalFailure is raised inside the evaluator and wrapped into an EvaluationError at the boundary.
type evalFailure struct {
	kind error
	msg  string
}

func (f *evalFailure) Error() string {
	return f.msg
}

func (f *evalFailure) Unwrap() error {
	return f.kind
}

func failf(kind error, format string, a ...any) error {
	return &evalFailure{kind: kind, msg: fmt.Sprintf(format, a...)}
}
