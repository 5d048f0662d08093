package expression

import (
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/deepnoodle-ai/forge/variables"
)

// Node is an expression tree node.
type Node interface {
	String() string
	node()
}

// Literal is a constant: float64, string, bool, nil or []any.
type Literal struct {
	Value any
}

// Field reads a value from the evaluation context.
type Field struct {
	Path []variables.Segment
}

// Op is a binary operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
	OpIn
)

var opText = map[Op]string{
	OpEq: "==", OpNe: "!=", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpAnd: "&&", OpOr: "||", OpIn: "in",
}

func (o Op) String() string { return opText[o] }

// Binary applies Op to two operands.
type Binary struct {
	Op    Op
	Left  Node
	Right Node
}

// Not negates its operand's truthiness.
type Not struct {
	X Node
}

// Call invokes a built-in function.
type Call struct {
	Name string
	Args []Node
}

// List is an inline list literal whose items may be expressions.
type List struct {
	Items []Node
}

func (Literal) node() {}
func (Field) node()   {}
func (Binary) node()  {}
func (Not) node()     {}
func (Call) node()    {}
func (List) node()    {}

func (l Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	case float64:
		return variables.FormatNumber(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		data, _ := xjson.Marshal(v)
		return string(data)
	}
}

func (f Field) String() string {
	var b strings.Builder
	for i, seg := range f.Path {
		if seg.Kind == variables.SegmentKey {
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(seg.Key)
			continue
		}
		b.WriteString(seg.String())
	}
	return b.String()
}

func (b Binary) String() string {
	return "(" + b.Left.String() + " " + b.Op.String() + " " + b.Right.String() + ")"
}

func (n Not) String() string {
	return "!" + n.X.String()
}

func (c Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return c.Name + "(" + strings.Join(args, ", ") + ")"
}

func (l List) String() string {
	items := make([]string, len(l.Items))
	for i, it := range l.Items {
		items[i] = it.String()
	}
	return "[" + strings.Join(items, ", ") + "]"
}
