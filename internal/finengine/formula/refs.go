package formula

// Ref describes one reference found while walking a parsed formula: the
// identifier name and its time shift (0 for same-period).
type Ref struct {
	Name  string
	Shift int
}

// Refs walks node and returns every reference it contains, in source order.
// Used by the template package to build calculation-order dependency edges
// without evaluating the formula.
func Refs(node Node) []Ref {
	var out []Ref
	walk(node, &out)
	return out
}

func walk(node Node, out *[]Ref) {
	switch n := node.(type) {
	case *numberNode:
	case *refNode:
		*out = append(*out, Ref{Name: n.name, Shift: n.shift})
	case *unaryNode:
		walk(n.operand, out)
	case *binaryNode:
		walk(n.left, out)
		walk(n.right, out)
	case *callNode:
		for _, a := range n.args {
			walk(a, out)
		}
	}
}
