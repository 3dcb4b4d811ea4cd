// Package filter implements the predicate AST the query coordinator compiles
// against entity and relation history. It generalizes the teacher's flat
// core/query.QueryFilter/FilterGroup union into a graph-aware tree whose leaf
// paths can address either endpoint of a relation.
package filter

import "fmt"

// Operator mirrors the teacher's ComparisonOperator set (core/query/dsl.go),
// restricted to what a typed, content-addressed field domain can support.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNeq       Operator = "neq"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpContains  Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpExists    Operator = "exists"
)

// LogicalOp joins Logical node children, matching the teacher's
// schema.LogicalOperator.
type LogicalOp string

const (
	And LogicalOp = "and"
	Or  LogicalOp = "or"
	Not LogicalOp = "not"
)

// NodeKind discriminates the three shapes a filter tree node can take.
type NodeKind string

const (
	KindComparison NodeKind = "comparison"
	KindExists     NodeKind = "exists"
	KindLogical    NodeKind = "logical"
)

// Node is one node of a filter predicate tree. Exactly one of the
// kind-specific field groups is populated, selected by Kind — the same
// tagged-union shape the teacher's FieldDefinition/SchemaChange use via
// custom (Un)MarshalJSON, reimplemented here as a plain struct since filter
// trees are built programmatically, not round-tripped through JSON as often.
type Node struct {
	Kind NodeKind

	// Comparison fields.
	Path     Path
	Operator Operator
	Value    any

	// Exists fields (Path + negation only).
	Negate bool

	// Logical fields.
	Logical  LogicalOp
	Children []*Node
}

// Comparison builds a leaf comparison node.
func Comparison(path Path, op Operator, value any) *Node {
	return &Node{Kind: KindComparison, Path: path, Operator: op, Value: value}
}

// Exists builds a leaf existence-check node.
func Exists(path Path, negate bool) *Node {
	return &Node{Kind: KindExists, Path: path, Negate: negate}
}

// Logical builds an internal and/or/not node.
func LogicalNode(op LogicalOp, children ...*Node) *Node {
	return &Node{Kind: KindLogical, Logical: op, Children: children}
}

// Validate walks the tree checking structural invariants: logical nodes have
// the right arity (Not takes exactly one child, And/Or take at least one),
// and comparison/exists nodes carry a non-empty Path.
func (n *Node) Validate() error {
	if n == nil {
		return fmt.Errorf("filter: nil node")
	}
	switch n.Kind {
	case KindComparison:
		if n.Path.Len() == 0 {
			return fmt.Errorf("filter: comparison node missing path")
		}
	case KindExists:
		if n.Path.Len() == 0 {
			return fmt.Errorf("filter: exists node missing path")
		}
	case KindLogical:
		switch n.Logical {
		case Not:
			if len(n.Children) != 1 {
				return fmt.Errorf("filter: not requires exactly one child, got %d", len(n.Children))
			}
		case And, Or:
			if len(n.Children) == 0 {
				return fmt.Errorf("filter: %s requires at least one child", n.Logical)
			}
		default:
			return fmt.Errorf("filter: unknown logical operator %q", n.Logical)
		}
		for _, c := range n.Children {
			if err := c.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("filter: unknown node kind %q", n.Kind)
	}
	return nil
}
