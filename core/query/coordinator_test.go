package query_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/query"
	"github.com/ontograph/ontograph/core/storage"
	"github.com/ontograph/ontograph/storage/sqlitestore"
)

func newEngine(t *testing.T) storage.Engine {
	t.Helper()
	s, err := sqlitestore.Open(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background(), storage.Options{Namespace: "ns1", IfNotExists: true}))
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestCoordinatorLatestAndTemporal(t *testing.T) {
	ctx := context.Background()
	st := newEngine(t)
	c1, err := st.Commit(ctx, storage.WriteBatch{
		Entities: []model.EntityRow{{TypeName: "Person", EntityID: "e1", Data: model.Document{"age": float64(30)}}},
	})
	require.NoError(t, err)
	_, err = st.Commit(ctx, storage.WriteBatch{
		ParentCommit: c1.ID,
		Entities:     []model.EntityRow{{TypeName: "Person", EntityID: "e1", Data: model.Document{"age": float64(31)}}},
	})
	require.NoError(t, err)

	coord := query.New(st)
	latest, err := coord.Latest(ctx, "Person", nil)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, float64(31), latest[0].Data["age"])

	asOf, err := coord.AsOf(ctx, "Person", nil, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(30), asOf[0].Data["age"])

	hist, err := coord.WithHistory(ctx, "Person", nil)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestCoordinatorTraverse(t *testing.T) {
	ctx := context.Background()
	st := newEngine(t)

	_, err := st.Commit(ctx, storage.WriteBatch{
		Entities: []model.EntityRow{
			{TypeName: "Person", EntityID: "alice", Data: model.Document{"name": "alice"}},
			{TypeName: "Person", EntityID: "bob", Data: model.Document{"name": "bob"}},
		},
		Relations: []model.RelationRow{
			{TypeName: "Knows", RelationID: "r1", LeftType: "Person", LeftID: "alice", RightType: "Person", RightID: "bob", Data: model.Document{}},
		},
	})
	require.NoError(t, err)

	coord := query.New(st)
	results, err := coord.Traverse(ctx, "Person", nil, []query.TraversalStep{{RelationType: "Knows", Forward: true}})
	require.NoError(t, err)

	var foundBob bool
	for _, r := range results {
		if r.Entity.EntityID == "bob" {
			foundBob = true
		}
	}
	assert.True(t, foundBob)
}
