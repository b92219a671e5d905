// Package expression implements a JUEL-style expression language.
//
// Text is compiled once into a syntax tree and evaluated many times against a Variables source.
// "${expr}" (or "#{expr}") on its own yields the typed result of expr, text mixing literals and
// placeholders renders to a string, text without placeholders is a string literal. Evaluation
// never performs I/O or reads the clock, so the same variables always produce the same result.
package expression

import (
	"errors"
	"strings"
)

// Variables resolves names for evaluation. runtime.Scope satisfies it.
type Variables interface {
	Get(name string) (any, bool)
}

// MapVariables adapts a plain map.
type MapVariables map[string]any

func (m MapVariables) Get(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Expression is a compiled expression. It is immutable and safe for concurrent use.
type Expression struct {
	text    string
	root    node
	literal bool
}

// IsExpression reports whether text contains at least one placeholder.
func IsExpression(text string) bool {
	return strings.Contains(text, "${") || strings.Contains(text, "#{")
}

// Compile parses text. Malformed input returns a *ParseError.
func Compile(text string) (*Expression, error) {
	segments, err := splitTemplate(text)
	if err != nil {
		return nil, withExpression(err, text)
	}
	expr := &Expression{text: text}
	if len(segments) == 1 && !segments[0].expr {
		expr.root = &literalNode{value: segments[0].text}
		expr.literal = true
		return expr, nil
	}
	parts := make([]node, 0, len(segments))
	for _, seg := range segments {
		if !seg.expr {
			parts = append(parts, &literalNode{value: seg.text})
			continue
		}
		n, err := parseSource(seg.text, seg.offset)
		if err != nil {
			return nil, withExpression(err, text)
		}
		parts = append(parts, n)
	}
	if len(segments) == 1 {
		expr.root = parts[0]
	} else {
		expr.root = &templateNode{parts: parts}
	}
	return expr, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(text string) *Expression {
	e, err := Compile(text)
	if err != nil {
		panic(err)
	}
	return e
}

func withExpression(err error, text string) error {
	var pe *ParseError
	if errors.As(err, &pe) {
		pe.Expression = text
	}
	return err
}

func (e *Expression) String() string {
	return e.text
}

// IsLiteral reports whether the text had no placeholders.
func (e *Expression) IsLiteral() bool {
	return e.literal
}

// Evaluate returns the value of the expression. Failures are returned as *EvaluationError.
func (e *Expression) Evaluate(vars Variables) (any, error) {
	v, err := e.root.eval(vars)
	if err != nil {
		return nil, e.wrap(err)
	}
	return v, nil
}

// EvaluateBool evaluates a guard. null is false, any other non boolean result is a type mismatch.
func (e *Expression) EvaluateBool(vars Variables) (bool, error) {
	v, err := e.Evaluate(vars)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	case string:
		if e.literal {
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
	}
	return false, e.wrap(failf(ErrTypeMismatch, "expected a boolean result, got %s", typeName(v)))
}

func (e *Expression) wrap(err error) error {
	var f *evalFailure
	if errors.As(err, &f) {
		return &EvaluationError{Expression: e.text, Msg: f.msg, Err: f.kind}
	}
	return &EvaluationError{Expression: e.text, Msg: err.Error(), Err: err}
}

type segment struct {
	text   string
	offset int
	expr   bool
}

// splitTemplate cuts text into literal and placeholder segments.
func splitTemplate(text string) ([]segment, error) {
	var segments []segment
	i := 0
	for i < len(text) {
		start := nextPlaceholder(text, i)
		if start < 0 {
			segments = append(segments, segment{text: text[i:], offset: i})
			break
		}
		if start > i {
			segments = append(segments, segment{text: text[i:start], offset: i})
		}
		end, err := closingBrace(text, start+2)
		if err != nil {
			return nil, err
		}
		segments = append(segments, segment{text: text[start+2 : end], offset: start + 2, expr: true})
		i = end + 1
	}
	if len(segments) == 0 {
		segments = append(segments, segment{text: ""})
	}
	// a single placeholder surrounded by whitespace keeps its typed value
	if len(segments) > 1 {
		var exprs []segment
		blank := true
		for _, s := range segments {
			if s.expr {
				exprs = append(exprs, s)
			} else if strings.TrimSpace(s.text) != "" {
				blank = false
			}
		}
		if blank && len(exprs) == 1 {
			return exprs, nil
		}
	}
	return segments, nil
}

func nextPlaceholder(text string, from int) int {
	d := strings.Index(text[from:], "${")
	h := strings.Index(text[from:], "#{")
	switch {
	case d < 0 && h < 0:
		return -1
	case d < 0:
		return from + h
	case h < 0:
		return from + d
	}
	return from + min(d, h)
}

func closingBrace(text string, from int) (int, error) {
	var quote byte
	for j := from; j < len(text); j++ {
		c := text[j]
		switch {
		case quote != 0:
			if c == '\\' {
				j++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '}':
			return j, nil
		}
	}
	return 0, &ParseError{Position: from - 2, Msg: "unterminated placeholder, missing '}'"}
}
