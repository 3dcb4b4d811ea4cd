package migration_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontograph/ontograph/core/migration"
	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/registry"
	"github.com/ontograph/ontograph/core/storage"
	"github.com/ontograph/ontograph/storage/sqlitestore"
)

func setup(t *testing.T) (storage.Engine, *registry.Registry) {
	t.Helper()
	s, err := sqlitestore.Open(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background(), storage.Options{Namespace: "ns1", IfNotExists: true}))
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, registry.New(s, nil)
}

func TestPreviewThenApply(t *testing.T) {
	ctx := context.Background()
	st, reg := setup(t)

	schemaV1 := model.Schema{TypeName: "Person", Kind: model.KindEntity, Fields: []model.FieldDefinition{{Name: "name", Type: model.FieldString}}}
	v1, err := reg.Register(ctx, "Person", schemaV1)
	require.NoError(t, err)

	c0, err := st.Commit(ctx, storage.WriteBatch{
		Entities: []model.EntityRow{{TypeName: "Person", EntityID: "e1", SchemaHash: v1.Hash, Data: model.Document{"name": "ada"}}},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "Person", v1.Hash, c0.ID))

	schemaV2 := schemaV1
	schemaV2.Fields = append(schemaV2.Fields, model.FieldDefinition{Name: "greeting", Type: model.FieldString})
	v2, err := reg.Register(ctx, "Person", schemaV2)
	require.NoError(t, err)

	plan := migration.Plan{
		TypeName: "Person", FromHash: v1.Hash, ToHash: v2.Hash, Description: "add greeting",
		Steps: []migration.Upgrader{func(doc model.Document) (model.Document, error) {
			doc["greeting"] = "hello, " + doc["name"].(string)
			return doc, nil
		}},
	}

	eng := migration.New(st, reg, nil)
	preview, err := eng.Preview(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, preview.RowCount)
	require.Len(t, preview.SampleRows, 1)
	assert.Equal(t, "hello, ada", preview.SampleRows[0]["greeting"])

	_, err = eng.Apply(ctx, plan, "stale-token")
	assert.True(t, model.IsCode(err, model.ErrMigrationToken))

	commit, err := eng.Apply(ctx, plan, preview.Token)
	require.NoError(t, err)
	assert.NotEmpty(t, commit.ID)

	current, err := reg.Current(ctx, "Person")
	require.NoError(t, err)
	assert.Equal(t, v2.Hash, current.Hash)
}

func TestPreviewThenApplyRelation(t *testing.T) {
	ctx := context.Background()
	st, reg := setup(t)

	schemaV1 := model.Schema{TypeName: "WorksAt", Kind: model.KindRelation, Fields: []model.FieldDefinition{{Name: "role", Type: model.FieldString}}}
	v1, err := reg.Register(ctx, "WorksAt", schemaV1)
	require.NoError(t, err)

	c0, err := st.Commit(ctx, storage.WriteBatch{
		Relations: []model.RelationRow{{TypeName: "WorksAt", RelationID: "alice\x1facme\x1f", LeftID: "alice", RightID: "acme", SchemaHash: v1.Hash, Data: model.Document{"role": "engineer"}}},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "WorksAt", v1.Hash, c0.ID))

	schemaV2 := schemaV1
	schemaV2.Fields = append(schemaV2.Fields, model.FieldDefinition{Name: "seniority", Type: model.FieldString})
	v2, err := reg.Register(ctx, "WorksAt", schemaV2)
	require.NoError(t, err)

	plan := migration.Plan{
		TypeName: "WorksAt", Kind: model.KindRelation, FromHash: v1.Hash, ToHash: v2.Hash, Description: "add seniority",
		Steps: []migration.Upgrader{func(doc model.Document) (model.Document, error) {
			doc["seniority"] = "senior"
			return doc, nil
		}},
	}

	eng := migration.New(st, reg, nil)
	preview, err := eng.Preview(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, preview.RowCount)

	commit, err := eng.Apply(ctx, plan, preview.Token)
	require.NoError(t, err)
	assert.NotEmpty(t, commit.ID)

	rows, err := st.ReadRelations(ctx, "WorksAt", nil, storage.TemporalView{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "senior", rows[0].Data["seniority"])
	assert.Equal(t, v2.Hash, rows[0].SchemaHash)
}

func TestApplyBatchMigratesMultipleTypesInOneCommit(t *testing.T) {
	ctx := context.Background()
	st, reg := setup(t)

	personV1 := model.Schema{TypeName: "Person", Kind: model.KindEntity, Fields: []model.FieldDefinition{{Name: "name", Type: model.FieldString}}}
	pv1, err := reg.Register(ctx, "Person", personV1)
	require.NoError(t, err)
	worksAtV1 := model.Schema{TypeName: "WorksAt", Kind: model.KindRelation, Fields: []model.FieldDefinition{{Name: "role", Type: model.FieldString}}}
	wv1, err := reg.Register(ctx, "WorksAt", worksAtV1)
	require.NoError(t, err)

	c0, err := st.Commit(ctx, storage.WriteBatch{
		Entities:  []model.EntityRow{{TypeName: "Person", EntityID: "e1", SchemaHash: pv1.Hash, Data: model.Document{"name": "ada"}}},
		Relations: []model.RelationRow{{TypeName: "WorksAt", RelationID: "alice\x1facme\x1f", LeftID: "alice", RightID: "acme", SchemaHash: wv1.Hash, Data: model.Document{"role": "engineer"}}},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "Person", pv1.Hash, c0.ID))
	require.NoError(t, reg.Activate(ctx, "WorksAt", wv1.Hash, c0.ID))

	personV2 := personV1
	personV2.Fields = append(personV2.Fields, model.FieldDefinition{Name: "greeting", Type: model.FieldString})
	pv2, err := reg.Register(ctx, "Person", personV2)
	require.NoError(t, err)
	worksAtV2 := worksAtV1
	worksAtV2.Fields = append(worksAtV2.Fields, model.FieldDefinition{Name: "seniority", Type: model.FieldString})
	wv2, err := reg.Register(ctx, "WorksAt", worksAtV2)
	require.NoError(t, err)

	bp := migration.BatchPlan{Plans: []migration.Plan{
		{
			TypeName: "Person", FromHash: pv1.Hash, ToHash: pv2.Hash, Description: "add greeting",
			Steps: []migration.Upgrader{func(doc model.Document) (model.Document, error) {
				doc["greeting"] = "hello, " + doc["name"].(string)
				return doc, nil
			}},
		},
		{
			TypeName: "WorksAt", Kind: model.KindRelation, FromHash: wv1.Hash, ToHash: wv2.Hash, Description: "add seniority",
			Steps: []migration.Upgrader{func(doc model.Document) (model.Document, error) {
				doc["seniority"] = "senior"
				return doc, nil
			}},
		},
	}}

	eng := migration.New(st, reg, nil).WithLeaseSeconds(2)
	preview, err := eng.PreviewBatch(ctx, bp)
	require.NoError(t, err)
	assert.True(t, preview.HasChanges)
	assert.ElementsMatch(t, []string{"Person", "WorksAt"}, preview.TypesRequiringUpgraders)
	assert.Empty(t, preview.MissingUpgraders)

	_, err = eng.ApplyBatch(ctx, bp, "stale-token", false)
	assert.True(t, model.IsCode(err, model.ErrMigrationToken))

	commit, err := eng.ApplyBatch(ctx, bp, preview.Token, false)
	require.NoError(t, err)
	assert.NotEmpty(t, commit.ID)

	personRows, err := st.ReadEntities(ctx, "Person", nil, storage.TemporalView{})
	require.NoError(t, err)
	require.Len(t, personRows, 1)
	assert.Equal(t, "hello, ada", personRows[0].Data["greeting"])
	assert.Equal(t, commit.ID, personRows[0].CommitID)

	relRows, err := st.ReadRelations(ctx, "WorksAt", nil, storage.TemporalView{})
	require.NoError(t, err)
	require.Len(t, relRows, 1)
	assert.Equal(t, "senior", relRows[0].Data["seniority"])
	assert.Equal(t, commit.ID, relRows[0].CommitID)

	currentPerson, err := reg.Current(ctx, "Person")
	require.NoError(t, err)
	assert.Equal(t, pv2.Hash, currentPerson.Hash)
	currentWorksAt, err := reg.Current(ctx, "WorksAt")
	require.NoError(t, err)
	assert.Equal(t, wv2.Hash, currentWorksAt.Hash)
}

func TestApplyBatchRejectsMissingUpgrader(t *testing.T) {
	ctx := context.Background()
	st, reg := setup(t)

	v1, err := reg.Register(ctx, "Person", model.Schema{TypeName: "Person", Kind: model.KindEntity, Fields: []model.FieldDefinition{{Name: "name", Type: model.FieldString}}})
	require.NoError(t, err)
	c0, err := st.Commit(ctx, storage.WriteBatch{
		Entities: []model.EntityRow{{TypeName: "Person", EntityID: "e1", SchemaHash: v1.Hash, Data: model.Document{"name": "ada"}}},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "Person", v1.Hash, c0.ID))

	v2schema := model.Schema{TypeName: "Person", Kind: model.KindEntity, Fields: []model.FieldDefinition{{Name: "name", Type: model.FieldString}, {Name: "greeting", Type: model.FieldString}}}
	v2, err := reg.Register(ctx, "Person", v2schema)
	require.NoError(t, err)

	bp := migration.BatchPlan{Plans: []migration.Plan{{TypeName: "Person", FromHash: v1.Hash, ToHash: v2.Hash}}}

	eng := migration.New(st, reg, nil)
	preview, err := eng.PreviewBatch(ctx, bp)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Person"}, preview.MissingUpgraders)

	_, err = eng.ApplyBatch(ctx, bp, preview.Token, false)
	assert.True(t, model.IsCode(err, model.ErrMissingUpgrader))
}

func TestDiffReportsAddedRemovedChangedAndInstanceKey(t *testing.T) {
	keyA, keyB := "role", "seniority"
	from := model.Schema{
		TypeName: "WorksAt", Kind: model.KindRelation, InstanceKeyField: &keyA,
		Fields: []model.FieldDefinition{
			{Name: "role", Type: model.FieldString, Required: true},
			{Name: "legacy", Type: model.FieldString},
		},
	}
	to := model.Schema{
		TypeName: "WorksAt", Kind: model.KindRelation, InstanceKeyField: &keyB,
		Fields: []model.FieldDefinition{
			{Name: "role", Type: model.FieldString, Required: false},
			{Name: "seniority", Type: model.FieldString},
		},
	}

	d := migration.Diff("WorksAt", "h1", "h2", from, to)
	assert.True(t, d.HasChanges())
	assert.ElementsMatch(t, []string{"seniority"}, d.AddedFields)
	assert.ElementsMatch(t, []string{"legacy"}, d.RemovedFields)
	require.Len(t, d.ChangedFields, 1)
	assert.Equal(t, "role", d.ChangedFields[0].Name)
	assert.True(t, d.InstanceKeyChanged)
	assert.Equal(t, "role", d.OldInstanceKeyField)
	assert.Equal(t, "seniority", d.NewInstanceKeyField)
}

func TestDiffNoChangesReportsFalse(t *testing.T) {
	schema := model.Schema{TypeName: "Person", Kind: model.KindEntity, Fields: []model.FieldDefinition{{Name: "name", Type: model.FieldString}}}
	d := migration.Diff("Person", "h1", "h1", schema, schema)
	assert.False(t, d.HasChanges())
}

func TestChainMissingUpgrader(t *testing.T) {
	_, err := migration.Chain("v1", "v3", map[string]struct {
		NextHash string
		Upgrade  migration.Upgrader
	}{})
	assert.True(t, model.IsCode(err, model.ErrMissingUpgrader))
}

func TestLegacyTypeSpecUpgrade(t *testing.T) {
	doc := model.Document{"type_spec": "legacy-string", "name": "x"}
	out, err := migration.LegacyTypeSpecUpgrade(doc)
	require.NoError(t, err)
	assert.Equal(t, "legacy-string", out["legacyTypeSpec"])
	_, hasOld := out["type_spec"]
	assert.False(t, hasOld)
}
