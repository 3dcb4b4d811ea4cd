package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/registry"
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

func personSchema() model.Schema {
	return model.Schema{
		TypeName: "Person",
		Kind:     model.KindEntity,
		Fields:   []model.FieldDefinition{{Name: "name", Type: model.FieldString, Required: true}},
	}
}

func TestRegisterIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(newEngine(t), nil)

	v1, err := reg.Register(ctx, "Person", personSchema())
	require.NoError(t, err)
	v2, err := reg.Register(ctx, "Person", personSchema())
	require.NoError(t, err)
	assert.Equal(t, v1.Hash, v2.Hash)
	assert.Equal(t, v1.Sequence, v2.Sequence)
}

func TestActivateAndCurrent(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(newEngine(t), nil)

	v, err := reg.Register(ctx, "Person", personSchema())
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "Person", v.Hash, "c1"))

	current, err := reg.Current(ctx, "Person")
	require.NoError(t, err)
	assert.Equal(t, v.Hash, current.Hash)
}

func TestDropRejectsCurrent(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(newEngine(t), nil)

	v, err := reg.Register(ctx, "Person", personSchema())
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "Person", v.Hash, "c1"))

	err = reg.Drop(ctx, "Person", v.Hash)
	assert.True(t, model.IsCode(err, model.ErrSchemaOutdated))
}

func TestDetectDrift(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(newEngine(t), nil)

	v, err := reg.Register(ctx, "Person", personSchema())
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "Person", v.Hash, "c1"))

	drifted, _, err := reg.DetectDrift(ctx, "Person", personSchema())
	require.NoError(t, err)
	assert.False(t, drifted)

	changed := personSchema()
	changed.Fields = append(changed.Fields, model.FieldDefinition{Name: "age", Type: model.FieldNumber})
	drifted, _, err = reg.DetectDrift(ctx, "Person", changed)
	require.NoError(t, err)
	assert.True(t, drifted)
}
