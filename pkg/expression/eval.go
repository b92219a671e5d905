package expression

import (
	"math"
	"reflect"
	"strings"
)

func (n *literalNode) eval(Variables) (any, error) {
	return n.value, nil
}

func (n *identNode) eval(vars Variables) (any, error) {
	if vars != nil {
		if v, ok := vars.Get(n.name); ok {
			return v, nil
		}
	}
	return nil, failf(ErrUnresolvedVariable, "variable '%s' is not defined", n.name)
}

func (n *memberNode) eval(vars Variables) (any, error) {
	target, err := n.target.eval(vars)
	if err != nil {
		return nil, err
	}
	return property(target, n.name)
}

func property(target any, name string) (any, error) {
	switch m := target.(type) {
	case nil:
		return nil, failf(ErrTypeMismatch, "can not read property '%s' of null", name)
	case map[string]any:
		return m[name], nil
	case map[string]string:
		if v, ok := m[name]; ok {
			return v, nil
		}
		return nil, nil
	}
	rv := reflect.ValueOf(target)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, failf(ErrTypeMismatch, "can not read property '%s' of null", name)
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		v := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, nil
		}
		return v.Interface(), nil
	case reflect.Struct:
		f := rv.FieldByName(name)
		if !f.IsValid() && name != "" {
			f = rv.FieldByName(strings.ToUpper(name[:1]) + name[1:])
		}
		if f.IsValid() && f.CanInterface() {
			return f.Interface(), nil
		}
		return nil, failf(ErrTypeMismatch, "%s has no property '%s'", rv.Type().Name(), name)
	}
	return nil, failf(ErrTypeMismatch, "can not read property '%s' of %s", name, typeName(target))
}

func (n *indexNode) eval(vars Variables) (any, error) {
	target, err := n.target.eval(vars)
	if err != nil {
		return nil, err
	}
	idx, err := n.index.eval(vars)
	if err != nil {
		return nil, err
	}
	if list, ok := toList(target); ok {
		num, ok := toNumber(idx)
		if !ok {
			return nil, failf(ErrTypeMismatch, "list index must be an integer, got %s", typeName(idx))
		}
		i, ok := num.integral()
		if !ok {
			return nil, failf(ErrTypeMismatch, "list index must be an integer, got %s", stringify(idx))
		}
		if i < 0 || i >= int64(len(list)) {
			return nil, nil
		}
		return list[i], nil
	}
	if target == nil {
		return nil, failf(ErrTypeMismatch, "can not index null")
	}
	return property(target, stringify(idx))
}

func (n *unaryNode) eval(vars Variables) (any, error) {
	v, err := n.operand.eval(vars)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "-":
		num, ok := toNumber(v)
		if !ok {
			return nil, failf(ErrTypeMismatch, "can not negate %s", typeName(v))
		}
		if num.isFloat {
			return -num.f, nil
		}
		neg, ok := negInt(num.i)
		if !ok {
			return nil, failf(ErrNumericOverflow, "-(%d) does not fit into an integer", num.i)
		}
		return neg, nil
	case "!":
		b, ok := v.(bool)
		if !ok {
			return nil, failf(ErrTypeMismatch, "operator 'not' expects a boolean, got %s", typeName(v))
		}
		return !b, nil
	case "empty":
		return isEmpty(v), nil
	}
	return nil, failf(ErrTypeMismatch, "unknown unary operator '%s'", n.op)
}

func (n *logicalNode) eval(vars Variables) (any, error) {
	left, err := evalBool(n.left, vars)
	if err != nil {
		return nil, err
	}
	if n.and && !left {
		return false, nil
	}
	if !n.and && left {
		return true, nil
	}
	return evalBool(n.right, vars)
}

func evalBool(n node, vars Variables) (bool, error) {
	v, err := n.eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, failf(ErrTypeMismatch, "expected a boolean operand, got %s", typeName(v))
	}
	return b, nil
}

func (n *ternaryNode) eval(vars Variables) (any, error) {
	cond, err := evalBool(n.cond, vars)
	if err != nil {
		return nil, err
	}
	if cond {
		return n.then.eval(vars)
	}
	return n.otherwise.eval(vars)
}

func (n *callNode) eval(vars Variables) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(vars)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return n.fn.call(args)
}

func (n *templateNode) eval(vars Variables) (any, error) {
	var sb strings.Builder
	for _, p := range n.parts {
		v, err := p.eval(vars)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(v))
	}
	return sb.String(), nil
}

func (n *binaryNode) eval(vars Variables) (any, error) {
	left, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return equals(left, right), nil
	case "!=":
		return !equals(left, right), nil
	case "<", ">", "<=", ">=":
		c, err := compare(left, right)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "<":
			return c < 0, nil
		case ">":
			return c > 0, nil
		case "<=":
			return c <= 0, nil
		}
		return c >= 0, nil
	case "+":
		_, ls := left.(string)
		_, rs := right.(string)
		if ls || rs {
			return stringify(left) + stringify(right), nil
		}
	}
	return arithmetic(n.op, left, right)
}

func overflow(op string, a, b int64) error {
	return failf(ErrNumericOverflow, "%d %s %d does not fit into an integer", a, op, b)
}

func arithmetic(op string, left, right any) (any, error) {
	a, aok := toNumber(left)
	b, bok := toNumber(right)
	if !aok || !bok {
		return nil, failf(ErrTypeMismatch, "operator '%s' expects numbers, got %s and %s", op, typeName(left), typeName(right))
	}
	bothInt := !a.isFloat && !b.isFloat
	switch op {
	case "+":
		if bothInt {
			if c, ok := addInt(a.i, b.i); ok {
				return c, nil
			}
			return nil, overflow(op, a.i, b.i)
		}
		return a.float() + b.float(), nil
	case "-":
		if bothInt {
			if c, ok := subInt(a.i, b.i); ok {
				return c, nil
			}
			return nil, overflow(op, a.i, b.i)
		}
		return a.float() - b.float(), nil
	case "*":
		if bothInt {
			if c, ok := mulInt(a.i, b.i); ok {
				return c, nil
			}
			return nil, overflow(op, a.i, b.i)
		}
		return a.float() * b.float(), nil
	case "/":
		if b.float() == 0 {
			return nil, failf(ErrDivisionByZero, "division by zero")
		}
		return a.float() / b.float(), nil
	case "%":
		if b.float() == 0 {
			return nil, failf(ErrDivisionByZero, "modulo by zero")
		}
		if bothInt {
			return a.i % b.i, nil
		}
		return math.Mod(a.float(), b.float()), nil
	}
	return nil, failf(ErrTypeMismatch, "unknown operator '%s'", op)
}
