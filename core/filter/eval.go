package filter

import (
	"fmt"
	"strings"
)

// Evaluator applies a filter tree to in-memory documents after storage has
// done what pushdown it can, mirroring the teacher's DataProcessor role of
// handling what the backend cannot. Unlike the teacher's processor, Evaluate
// takes the already-resolved left/right endpoint documents for relation
// rows so comparison nodes addressing either endpoint can be evaluated
// without a second storage round-trip.
type Evaluator struct{}

// NewEvaluator returns a stateless Evaluator; it exists as a type (rather
// than a bare function) so query/coordinator can hold one as a field and
// extend it later with custom predicate registration, matching the
// teacher's DataProcessor shape.
func NewEvaluator() *Evaluator { return &Evaluator{} }

// Row bundles the subject document together with the resolved left/right
// endpoint documents a relation's traversal may need.
type Row struct {
	Subject map[string]any
	Left    map[string]any
	Right   map[string]any
}

// Match reports whether row satisfies the filter tree rooted at n.
func (e *Evaluator) Match(n *Node, row Row) (bool, error) {
	if n == nil {
		return true, nil
	}
	switch n.Kind {
	case KindComparison:
		doc := e.docFor(n.Path.Endpoint, row)
		val, found := lookup(doc, n.Path.Segments)
		return compare(n.Operator, val, found, n.Value)
	case KindExists:
		doc := e.docFor(n.Path.Endpoint, row)
		_, found := lookup(doc, n.Path.Segments)
		if n.Negate {
			return !found, nil
		}
		return found, nil
	case KindLogical:
		switch n.Logical {
		case Not:
			m, err := e.Match(n.Children[0], row)
			if err != nil {
				return false, err
			}
			return !m, nil
		case And:
			for _, c := range n.Children {
				m, err := e.Match(c, row)
				if err != nil {
					return false, err
				}
				if !m {
					return false, nil
				}
			}
			return true, nil
		case Or:
			for _, c := range n.Children {
				m, err := e.Match(c, row)
				if err != nil {
					return false, err
				}
				if m {
					return true, nil
				}
			}
			return false, nil
		}
	}
	return false, fmt.Errorf("filter: cannot evaluate node kind %q", n.Kind)
}

func (e *Evaluator) docFor(ep Endpoint, row Row) map[string]any {
	switch ep {
	case EndpointLeft:
		return row.Left
	case EndpointRight:
		return row.Right
	default:
		return row.Subject
	}
}

func lookup(doc map[string]any, segments []string) (any, bool) {
	var cur any = doc
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func compare(op Operator, actual any, found bool, expected any) (bool, error) {
	if op == OpExists {
		return found, nil
	}
	if !found {
		return false, nil
	}
	switch op {
	case OpEq:
		return actual == expected, nil
	case OpNeq:
		return actual != expected, nil
	case OpContains:
		s, ok := actual.(string)
		sub, ok2 := expected.(string)
		if ok && ok2 {
			return strings.Contains(s, sub), nil
		}
		return false, nil
	case OpStartsWith:
		s, ok := actual.(string)
		pre, ok2 := expected.(string)
		if ok && ok2 {
			return strings.HasPrefix(s, pre), nil
		}
		return false, nil
	case OpIn:
		return memberOf(actual, expected), nil
	case OpNotIn:
		return !memberOf(actual, expected), nil
	case OpGt, OpGte, OpLt, OpLte:
		return numericCompare(op, actual, expected)
	}
	return false, fmt.Errorf("filter: unsupported operator %q", op)
}

func memberOf(actual, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if v == actual {
			return true
		}
	}
	return false
}

func numericCompare(op Operator, actual, expected any) (bool, error) {
	a, aok := toFloat(actual)
	b, bok := toFloat(expected)
	if !aok || !bok {
		return false, fmt.Errorf("filter: operator %q requires numeric operands", op)
	}
	switch op {
	case OpGt:
		return a > b, nil
	case OpGte:
		return a >= b, nil
	case OpLt:
		return a < b, nil
	case OpLte:
		return a <= b, nil
	}
	return false, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
