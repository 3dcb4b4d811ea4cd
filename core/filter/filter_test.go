package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	p, err := ParsePath("$.name")
	require.NoError(t, err)
	assert.Equal(t, EndpointNone, p.Endpoint)
	assert.Equal(t, []string{"name"}, p.Segments)

	p, err = ParsePath("left.$.age")
	require.NoError(t, err)
	assert.Equal(t, EndpointLeft, p.Endpoint)
	assert.Equal(t, []string{"age"}, p.Segments)

	p, err = ParsePath("right.$.address.city")
	require.NoError(t, err)
	assert.Equal(t, EndpointRight, p.Endpoint)
	assert.Equal(t, []string{"address", "city"}, p.Segments)

	_, err = ParsePath("name")
	assert.Error(t, err)

	_, err = ParsePath("$.")
	assert.Error(t, err)
}

func TestNodeValidate(t *testing.T) {
	path, _ := ParsePath("$.name")
	assert.NoError(t, Comparison(path, OpEq, "x").Validate())
	assert.Error(t, LogicalNode(Not).Validate())
	assert.Error(t, LogicalNode(And).Validate())

	n := LogicalNode(And, Comparison(path, OpEq, "x"), Exists(path, false))
	assert.NoError(t, n.Validate())
}

func TestEvaluatorMatch(t *testing.T) {
	e := NewEvaluator()
	namePath, _ := ParsePath("$.name")
	agePath, _ := ParsePath("$.age")

	row := Row{Subject: map[string]any{"name": "ada", "age": float64(30)}}

	n := LogicalNode(And,
		Comparison(namePath, OpEq, "ada"),
		Comparison(agePath, OpGte, float64(18)),
	)
	ok, err := e.Match(n, row)
	require.NoError(t, err)
	assert.True(t, ok)

	n2 := Comparison(agePath, OpLt, float64(18))
	ok, err = e.Match(n2, row)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluatorEndpoints(t *testing.T) {
	e := NewEvaluator()
	leftPath, _ := ParsePath("left.$.role")
	rightPath, _ := ParsePath("right.$.status")

	row := Row{
		Left:  map[string]any{"role": "manager"},
		Right: map[string]any{"status": "active"},
	}

	n := LogicalNode(And,
		Comparison(leftPath, OpEq, "manager"),
		Comparison(rightPath, OpEq, "active"),
	)
	ok, err := e.Match(n, row)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSplitEndpointSubtrees(t *testing.T) {
	subjectPath, _ := ParsePath("$.kind")
	leftPath, _ := ParsePath("left.$.role")
	rightPath, _ := ParsePath("right.$.status")

	tree := LogicalNode(And,
		Comparison(subjectPath, OpEq, "friend"),
		Comparison(leftPath, OpEq, "manager"),
		Comparison(rightPath, OpEq, "active"),
	)

	subject, left, right, ok := SplitEndpointSubtrees(tree)
	require.True(t, ok)
	require.NotNil(t, subject)
	require.NotNil(t, left)
	require.NotNil(t, right)

	mixedOr := LogicalNode(Or,
		Comparison(leftPath, OpEq, "manager"),
		Comparison(rightPath, OpEq, "active"),
	)
	_, _, _, ok = SplitEndpointSubtrees(mixedOr)
	assert.False(t, ok)
}
