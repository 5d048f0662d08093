package expression

// Optimize rewrites node into an equivalent, cheaper tree:
//   - constant folding of operators and pure calls over literals
//   - negated comparisons become the inverse comparison
//   - identity elements of && and || are dropped, and an absorbing element
//     cuts off the operands after it
//   - duplicate operands of an && / || chain are dropped
func Optimize(node Node) Node {
	switch n := node.(type) {
	case Not:
		return optimizeNot(Not{X: Optimize(n.X)})
	case Binary:
		left, right := Optimize(n.Left), Optimize(n.Right)
		if n.Op == OpAnd || n.Op == OpOr {
			return optimizeChain(n.Op, flatten(n.Op, Binary{Op: n.Op, Left: left, Right: right}))
		}
		b := Binary{Op: n.Op, Left: left, Right: right}
		if isConst(left) && isConst(right) {
			if v, err := Eval(b, nil); err == nil {
				return Literal{Value: v}
			}
		}
		return b
	case Call:
		args := make([]Node, len(n.Args))
		allConst := true
		for i, a := range n.Args {
			args[i] = Optimize(a)
			allConst = allConst && isConst(args[i])
		}
		c := Call{Name: n.Name, Args: args}
		if allConst {
			if v, err := Eval(c, nil); err == nil {
				return Literal{Value: v}
			}
		}
		return c
	case List:
		items := make([]Node, len(n.Items))
		allConst := true
		for i, it := range n.Items {
			items[i] = Optimize(it)
			allConst = allConst && isConst(items[i])
		}
		if allConst {
			values := make([]any, len(items))
			for i, it := range items {
				values[i] = it.(Literal).Value
			}
			return Literal{Value: values}
		}
		return List{Items: items}
	}
	return node
}

func isConst(n Node) bool {
	_, ok := n.(Literal)
	return ok
}

var inverse = map[Op]Op{OpEq: OpNe, OpNe: OpEq, OpLt: OpGe, OpGe: OpLt, OpGt: OpLe, OpLe: OpGt}

func optimizeNot(n Not) Node {
	switch x := n.X.(type) {
	case Literal:
		return Literal{Value: !Truthy(x.Value)}
	case Binary:
		if inv, ok := inverse[x.Op]; ok {
			return Binary{Op: inv, Left: x.Left, Right: x.Right}
		}
	case Not:
		if producesBool(x.X) {
			return x.X
		}
	}
	return n
}

// producesBool reports whether a node always evaluates to a bool.
func producesBool(n Node) bool {
	switch x := n.(type) {
	case Binary, Not:
		return true
	case Literal:
		_, ok := x.Value.(bool)
		return ok
	case Call:
		switch x.Name {
		case "contains", "starts_with", "ends_with", "matches",
			"is_null", "is_number", "is_string", "is_bool", "is_array", "is_object":
			return true
		}
	}
	return false
}

func flatten(op Op, n Node) []Node {
	if b, ok := n.(Binary); ok && b.Op == op {
		return append(flatten(op, b.Left), flatten(op, b.Right)...)
	}
	return []Node{n}
}

func optimizeChain(op Op, operands []Node) Node {
	// Operands keep their source order: an earlier operand may guard a
	// later one that fails on a missing field or a type mismatch. The
	// identity element is dropped; the absorbing element ends the chain.
	absorbing := op == OpOr
	var kept []Node
	seen := map[string]bool{}
	for _, operand := range operands {
		if lit, ok := operand.(Literal); ok {
			if Truthy(lit.Value) != absorbing {
				continue
			}
			if len(kept) == 0 {
				return Literal{Value: absorbing}
			}
			kept = append(kept, Literal{Value: absorbing})
			break
		}
		key := operand.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, operand)
	}
	if len(kept) == 0 {
		return Literal{Value: !absorbing}
	}
	if len(kept) == 1 {
		if producesBool(kept[0]) {
			return kept[0]
		}
		// Keep the boolean coercion of a single non-boolean operand.
		return Not{X: Not{X: kept[0]}}
	}
	node := kept[0]
	for _, next := range kept[1:] {
		node = Binary{Op: op, Left: node, Right: next}
	}
	return node
}
