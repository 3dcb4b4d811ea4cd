package query

import (
	"errors"

	"github.com/ontograph/ontograph/core/filter"
)

var (
	errUnclosedGroup = errors.New("query: builder has an unclosed Group")
	errBadPath       = errors.New("query: builder contains a comparison with an invalid path")
)

// SortDirection mirrors the teacher's SortConfiguration direction enum.
type SortDirection string

const (
	Asc  SortDirection = "asc"
	Desc SortDirection = "desc"
)

// SortField is one ORDER BY clause.
type SortField struct {
	Field     string
	Direction SortDirection
}

// Pagination mirrors the teacher's PaginationOptions.
type Pagination struct {
	Limit  int
	Offset int
}

// Plan is the output of QueryBuilder.Build: a filter tree plus the
// sort/pagination the coordinator applies after fetching matches.
type Plan struct {
	Filter     *filter.Node
	Sort       []SortField
	Pagination *Pagination
}

// QueryBuilder is a fluent predicate/sort/pagination builder, generalized
// from the teacher's core/query.QueryBuilder (chained .Where/.Eq/.OrderBy/
// .Limit ergonomics) to emit a core/filter.Node tree instead of the
// teacher's flat QueryFilter.
type QueryBuilder struct {
	stack    [][]*filter.Node // one slice per open WhereGroup level; stack[0] is the root AND group
	groupOps []filter.LogicalOp
	sort     []SortField
	page     *Pagination
}

// NewQueryBuilder returns an empty builder, equivalent to the teacher's
// NewQueryBuilder() returning a QueryBuilder with a zero-value QueryDSL.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{stack: [][]*filter.Node{{}}}
}

func (b *QueryBuilder) top() []*filter.Node { return b.stack[len(b.stack)-1] }
func (b *QueryBuilder) pushTop(n *filter.Node) {
	i := len(b.stack) - 1
	b.stack[i] = append(b.stack[i], n)
}

// Where adds a leaf comparison against path using op, matching the
// teacher's chained comparison helpers (.Eq/.Gt/.Contains/...) collapsed
// into one call taking the filter.Operator explicitly.
func (b *QueryBuilder) Where(path string, op filter.Operator, value any) *QueryBuilder {
	p, err := filter.ParsePath(path)
	if err != nil {
		b.pushTop(nil) // surfaced by Build/Validate
		return b
	}
	b.pushTop(filter.Comparison(p, op, value))
	return b
}

func (b *QueryBuilder) Eq(path string, value any) *QueryBuilder  { return b.Where(path, filter.OpEq, value) }
func (b *QueryBuilder) Neq(path string, value any) *QueryBuilder { return b.Where(path, filter.OpNeq, value) }
func (b *QueryBuilder) Gt(path string, value any) *QueryBuilder  { return b.Where(path, filter.OpGt, value) }
func (b *QueryBuilder) Gte(path string, value any) *QueryBuilder { return b.Where(path, filter.OpGte, value) }
func (b *QueryBuilder) Lt(path string, value any) *QueryBuilder  { return b.Where(path, filter.OpLt, value) }
func (b *QueryBuilder) Lte(path string, value any) *QueryBuilder { return b.Where(path, filter.OpLte, value) }
func (b *QueryBuilder) Contains(path string, value any) *QueryBuilder {
	return b.Where(path, filter.OpContains, value)
}
func (b *QueryBuilder) In(path string, values []any) *QueryBuilder {
	return b.Where(path, filter.OpIn, values)
}

// Exists adds an existence-check leaf.
func (b *QueryBuilder) Exists(path string, negate bool) *QueryBuilder {
	p, err := filter.ParsePath(path)
	if err != nil {
		b.pushTop(nil)
		return b
	}
	b.pushTop(filter.Exists(p, negate))
	return b
}

// Group opens a nested logical group combined with op (filter.Or is the
// common case; filter.And nested groups are legal but redundant with the
// implicit top-level AND). Call EndGroup to close it.
func (b *QueryBuilder) Group(op filter.LogicalOp) *QueryBuilder {
	b.stack = append(b.stack, nil)
	b.groupOps = append(b.groupOps, op)
	return b
}

// EndGroup closes the most recently opened Group, folding its children into
// a single logical node appended to the parent level.
func (b *QueryBuilder) EndGroup() *QueryBuilder {
	if len(b.stack) < 2 {
		return b
	}
	children := b.stack[len(b.stack)-1]
	op := b.groupOps[len(b.groupOps)-1]
	b.groupOps = b.groupOps[:len(b.groupOps)-1]
	b.stack = b.stack[:len(b.stack)-1]
	b.pushTop(filter.LogicalNode(op, children...))
	return b
}

// OrderByAsc appends an ascending sort field, matching the teacher's
// OrderByAsc.
func (b *QueryBuilder) OrderByAsc(field string) *QueryBuilder {
	b.sort = append(b.sort, SortField{Field: field, Direction: Asc})
	return b
}

func (b *QueryBuilder) OrderByDesc(field string) *QueryBuilder {
	b.sort = append(b.sort, SortField{Field: field, Direction: Desc})
	return b
}

// Limit sets the pagination limit, matching the teacher's Limit.
func (b *QueryBuilder) Limit(n int) *QueryBuilder {
	if b.page == nil {
		b.page = &Pagination{}
	}
	b.page.Limit = n
	return b
}

func (b *QueryBuilder) Offset(n int) *QueryBuilder {
	if b.page == nil {
		b.page = &Pagination{}
	}
	b.page.Offset = n
	return b
}

// Reset clears the builder back to its zero state, matching the teacher's
// Reset.
func (b *QueryBuilder) Reset() *QueryBuilder {
	b.stack = [][]*filter.Node{{}}
	b.groupOps = nil
	b.sort = nil
	b.page = nil
	return b
}

// Clone returns a deep-enough copy that mutating the clone never affects
// the original, matching the teacher's Clone semantics (verified by
// TestQueryBuilder_Clone in builder_test.go).
func (b *QueryBuilder) Clone() *QueryBuilder {
	clone := &QueryBuilder{}
	clone.stack = make([][]*filter.Node, len(b.stack))
	for i, level := range b.stack {
		clone.stack[i] = append([]*filter.Node(nil), level...)
	}
	clone.groupOps = append([]filter.LogicalOp(nil), b.groupOps...)
	clone.sort = append([]SortField(nil), b.sort...)
	if b.page != nil {
		p := *b.page
		clone.page = &p
	}
	return clone
}

// Build assembles the accumulated predicate (implicitly AND-joined at the
// root) plus sort/pagination into a Plan.
func (b *QueryBuilder) Build() Plan {
	root := b.top()
	plan := Plan{Sort: append([]SortField(nil), b.sort...), Pagination: b.page}
	switch len(root) {
	case 0:
		return plan
	case 1:
		plan.Filter = root[0]
	default:
		plan.Filter = filter.LogicalNode(filter.And, root...)
	}
	return plan
}

// Validate reports whether the builder's current predicate tree is
// well-formed (no unclosed Group, no failed path parse).
func (b *QueryBuilder) Validate() error {
	if len(b.stack) != 1 {
		return errUnclosedGroup
	}
	for _, n := range b.top() {
		if n == nil {
			return errBadPath
		}
		if err := n.Validate(); err != nil {
			return err
		}
	}
	return nil
}
