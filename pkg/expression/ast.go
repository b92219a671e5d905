package expression

// node is an element of the compiled syntax tree. Nodes are immutable after Compile.
type node interface {
	eval(vars Variables) (any, error)
}

type literalNode struct {
	value any
}

type identNode struct {
	name string
}

type memberNode struct {
	target node
	name   string
}

type indexNode struct {
	target node
	index  node
}

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op          string
	left, right node
}

type logicalNode struct {
	and         bool
	left, right node
}

type ternaryNode struct {
	cond, then, otherwise node
}

type callNode struct {
	name string
	fn   function
	args []node
}

// templateNode renders literal text and embedded expressions into one string.
type templateNode struct {
	parts []node
}
