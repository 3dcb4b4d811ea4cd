package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontograph/ontograph/core/filter"
)

func TestNewQueryBuilder(t *testing.T) {
	qb := NewQueryBuilder()
	assert.NotNil(t, qb)
	plan := qb.Build()
	assert.Nil(t, plan.Filter)
	assert.Empty(t, plan.Sort)
	assert.Nil(t, plan.Pagination)
}

func TestQueryBuilder_Build(t *testing.T) {
	qb := NewQueryBuilder()
	qb.Limit(10)
	plan := qb.Build()
	require.NotNil(t, plan.Pagination)
	assert.Equal(t, 10, plan.Pagination.Limit)
}

func TestQueryBuilder_WhereAndBuild(t *testing.T) {
	qb := NewQueryBuilder().Eq("$.name", "ada").Gt("$.age", float64(18))
	plan := qb.Build()
	require.NotNil(t, plan.Filter)
	assert.Equal(t, filter.KindLogical, plan.Filter.Kind)
	assert.Equal(t, filter.And, plan.Filter.Logical)
	assert.Len(t, plan.Filter.Children, 2)
}

func TestQueryBuilder_SingleWhereNoWrap(t *testing.T) {
	qb := NewQueryBuilder().Eq("$.name", "ada")
	plan := qb.Build()
	require.NotNil(t, plan.Filter)
	assert.Equal(t, filter.KindComparison, plan.Filter.Kind)
}

func TestQueryBuilder_Group(t *testing.T) {
	qb := NewQueryBuilder().Eq("$.kind", "friend")
	qb.Group(filter.Or).Eq("$.status", "active").Eq("$.status", "pending").EndGroup()
	plan := qb.Build()
	require.NoError(t, qb.Validate())
	require.NotNil(t, plan.Filter)
	assert.Equal(t, filter.And, plan.Filter.Logical)
	assert.Len(t, plan.Filter.Children, 2)
	orNode := plan.Filter.Children[1]
	assert.Equal(t, filter.Or, orNode.Logical)
}

func TestQueryBuilder_Clone(t *testing.T) {
	qb := NewQueryBuilder().Limit(10).OrderByAsc("name")
	clonedQb := qb.Clone()

	assert.Equal(t, qb.Build(), clonedQb.Build())

	clonedQb.Limit(20)
	assert.Equal(t, 10, qb.Build().Pagination.Limit)
	assert.Equal(t, 20, clonedQb.Build().Pagination.Limit)
}

func TestQueryBuilder_Reset(t *testing.T) {
	qb := NewQueryBuilder().Limit(10).OrderByAsc("name").Eq("$.x", 1)
	qb.Reset()
	plan := qb.Build()
	assert.Nil(t, plan.Filter)
	assert.Empty(t, plan.Sort)
	assert.Nil(t, plan.Pagination)
}

func TestQueryBuilder_ValidateUnclosedGroup(t *testing.T) {
	qb := NewQueryBuilder().Group(filter.Or).Eq("$.a", 1)
	assert.Error(t, qb.Validate())
}
