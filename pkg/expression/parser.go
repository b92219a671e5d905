package expression

import (
	"fmt"
	"strconv"
	"strings"
)

var keywordOps = map[string]string{
	"and": "&&",
	"or":  "||",
	"not": "!",
	"eq":  "==",
	"ne":  "!=",
	"lt":  "<",
	"gt":  ">",
	"le":  "<=",
	"ge":  ">=",
	"div": "/",
	"mod": "%",
}

type parser struct {
	tokens []token
	pos    int
}

// parseSource parses one expression body, offset is the position of src within the original text.
func parseSource(src string, offset int) (node, error) {
	tokens, err := tokenize(src, offset)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	if p.peek().kind == tokEOF {
		return nil, p.errorf(p.peek(), "empty expression")
	}
	n, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, fmt.Sprintf("unexpected token '%s'", tok.text))
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) peekAt(i int) token {
	if p.pos+i >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+i]
}

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, msg string) error {
	return &ParseError{Position: tok.pos, Msg: msg}
}

// operator returns the canonical operator of tok, translating keyword operators.
func operator(tok token) string {
	switch tok.kind {
	case tokOp:
		return tok.text
	case tokIdent:
		if op, ok := keywordOps[tok.text]; ok {
			return op
		}
	}
	return ""
}

func (p *parser) match(ops ...string) (string, bool) {
	op := operator(p.peek())
	if op == "" {
		return "", false
	}
	for _, o := range ops {
		if o == op {
			p.advance()
			return op, true
		}
	}
	return "", false
}

func (p *parser) expect(op string) error {
	tok := p.peek()
	if tok.kind != tokOp || tok.text != op {
		if tok.kind == tokEOF {
			return p.errorf(tok, fmt.Sprintf("expected '%s' but reached end of expression", op))
		}
		return p.errorf(tok, fmt.Sprintf("expected '%s' but found '%s'", op, tok.text))
	}
	p.advance()
	return nil
}

func (p *parser) ternary() (node, error) {
	cond, err := p.or()
	if err != nil {
		return nil, err
	}
	if _, ok := p.match("?"); !ok {
		return cond, nil
	}
	then, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	otherwise, err := p.ternary()
	if err != nil {
		return nil, err
	}
	return &ternaryNode{cond: cond, then: then, otherwise: otherwise}, nil
}

func (p *parser) or() (node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.match("||"); !ok {
			return left, nil
		}
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{and: false, left: left, right: right}
	}
}

func (p *parser) and() (node, error) {
	left, err := p.equality()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.match("&&"); !ok {
			return left, nil
		}
		right, err := p.equality()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{and: true, left: left, right: right}
	}
}

func (p *parser) binaryLevel(next func() (node, error), ops ...string) (node, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.match(ops...)
		if !ok {
			return left, nil
		}
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) equality() (node, error) {
	return p.binaryLevel(p.relational, "==", "!=")
}

func (p *parser) relational() (node, error) {
	return p.binaryLevel(p.additive, "<", ">", "<=", ">=")
}

func (p *parser) additive() (node, error) {
	return p.binaryLevel(p.multiplicative, "+", "-")
}

func (p *parser) multiplicative() (node, error) {
	return p.binaryLevel(p.unary, "*", "/", "%")
}

func (p *parser) unary() (node, error) {
	if op, ok := p.match("-", "!"); ok {
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	if tok := p.peek(); tok.kind == tokIdent && tok.text == "empty" {
		p.advance()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "empty", operand: operand}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (node, error) {
	n, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp {
			return n, nil
		}
		switch tok.text {
		case ".":
			p.advance()
			name := p.advance()
			if name.kind != tokIdent {
				return nil, p.errorf(name, "expected property name after '.'")
			}
			n = &memberNode{target: n, name: name.text}
		case "[":
			p.advance()
			idx, err := p.ternary()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			n = &indexNode{target: n, index: idx}
		default:
			return n, nil
		}
	}
}

func (p *parser) primary() (node, error) {
	tok := p.advance()
	switch tok.kind {
	case tokNumber:
		return parseNumber(p, tok)
	case tokString:
		return &literalNode{value: tok.value}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null":
			return &literalNode{value: nil}, nil
		}
		if _, reserved := keywordOps[tok.text]; reserved || tok.text == "empty" {
			return nil, p.errorf(tok, fmt.Sprintf("unexpected keyword '%s'", tok.text))
		}
		name := tok.text
		if p.isNamespacedCall(tok) {
			p.advance()
			name = p.advance().text
		}
		if next := p.peek(); next.kind == tokOp && next.text == "(" {
			return p.call(tok, name)
		}
		if name != tok.text {
			return nil, p.errorf(tok, "expected '(' after function name")
		}
		return &identNode{name: name}, nil
	case tokOp:
		if tok.text == "(" {
			n, err := p.ternary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return n, nil
		}
		return nil, p.errorf(tok, fmt.Sprintf("unexpected token '%s'", tok.text))
	}
	return nil, p.errorf(tok, "unexpected end of expression")
}

// isNamespacedCall detects "ns:fn(" written without spaces, which would otherwise read as a ternary branch.
func (p *parser) isNamespacedCall(ns token) bool {
	colon, name, paren := p.peekAt(0), p.peekAt(1), p.peekAt(2)
	return colon.kind == tokOp && colon.text == ":" && colon.pos == ns.pos+len(ns.text) &&
		name.kind == tokIdent && name.pos == colon.pos+1 &&
		paren.kind == tokOp && paren.text == "("
}

func (p *parser) call(nameTok token, name string) (node, error) {
	fn, ok := lookupFunction(name)
	if !ok {
		return nil, p.errorf(nameTok, fmt.Sprintf("unknown function '%s'", name))
	}
	if err := p.expect("("); err != nil {
		return nil, err
	}
	var args []node
	if _, ok := p.match(")"); !ok {
		for {
			arg, err := p.ternary()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if _, ok := p.match(","); ok {
				continue
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			break
		}
	}
	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, p.errorf(nameTok, fmt.Sprintf("function '%s' called with %d arguments", name, len(args)))
	}
	return &callNode{name: name, fn: fn, args: args}, nil
}

func parseNumber(p *parser, tok token) (node, error) {
	if !strings.ContainsAny(tok.text, ".eE") {
		if i, err := strconv.ParseInt(tok.text, 10, 64); err == nil {
			return &literalNode{value: i}, nil
		}
	}
	f, err := strconv.ParseFloat(tok.text, 64)
	if err != nil {
		return nil, p.errorf(tok, fmt.Sprintf("invalid number '%s'", tok.text))
	}
	return &literalNode{value: f}, nil
}
