package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(newFakeS3Client(), "test-bucket", "ontograph", "ns1", nil)
	require.NoError(t, s.Open(context.Background(), storage.Options{Namespace: "ns1", IfNotExists: true}))
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestParseDSN(t *testing.T) {
	bucket, prefix, err := ParseDSN("s3://my-bucket/ontograph/prod")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "ontograph/prod", prefix)

	bucket, prefix, err = ParseDSN("s3://my-bucket")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "", prefix)

	_, _, err = ParseDSN("not-s3")
	assert.Error(t, err)
}

func TestCommitAndHead(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Head(ctx)
	assert.True(t, model.IsCode(err, model.ErrUninitializedStorage))

	c1, err := s.Commit(ctx, storage.WriteBatch{
		Entities: []model.EntityRow{{TypeName: "Person", EntityID: "e1", SchemaHash: "h1", Data: model.Document{"name": "ada"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), c1.Sequence)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, head.ID)

	_, err = s.Commit(ctx, storage.WriteBatch{ParentCommit: "wrong"})
	assert.True(t, model.IsCode(err, model.ErrHeadMismatch))
}

func TestReadEntitiesLatestAndHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c1, err := s.Commit(ctx, storage.WriteBatch{
		Entities: []model.EntityRow{{TypeName: "Person", EntityID: "e1", SchemaHash: "h1", Data: model.Document{"age": float64(30)}}},
	})
	require.NoError(t, err)

	_, err = s.Commit(ctx, storage.WriteBatch{
		ParentCommit: c1.ID,
		Entities:     []model.EntityRow{{TypeName: "Person", EntityID: "e1", SchemaHash: "h1", Data: model.Document{"age": float64(31)}}},
	})
	require.NoError(t, err)

	latest, err := s.ReadEntities(ctx, "Person", nil, storage.TemporalView{})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, float64(31), latest[0].Data["age"])

	hist, err := s.ReadEntities(ctx, "Person", nil, storage.TemporalView{WithHistory: true})
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	asOf, err := s.ReadEntities(ctx, "Person", nil, storage.TemporalView{AsOfCommit: c1.ID})
	require.NoError(t, err)
	require.Len(t, asOf, 1)
	assert.Equal(t, float64(30), asOf[0].Data["age"])
}

func TestReadRelationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Commit(ctx, storage.WriteBatch{
		Relations: []model.RelationRow{{
			TypeName: "WorksAt", RelationID: "r1", LeftType: "Person", LeftID: "e1",
			RightType: "Company", RightID: "c1", SchemaHash: "h1", Data: model.Document{"since": float64(2020)},
		}},
	})
	require.NoError(t, err)

	rels, err := s.ReadRelations(ctx, "WorksAt", nil, storage.TemporalView{})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "r1", rels[0].RelationID)
	assert.Equal(t, "e1", rels[0].LeftID)
	assert.Equal(t, float64(2020), rels[0].Data["since"])
}

func TestWriteLockContention(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.AcquireLock(ctx, "holder-a", 60)
	require.NoError(t, err)

	_, err = s.AcquireLock(ctx, "holder-b", 60)
	assert.True(t, model.IsCode(err, model.ErrLockContention))

	require.NoError(t, s.ReleaseLock(ctx, "holder-a"))
	_, err = s.AcquireLock(ctx, "holder-b", 60)
	assert.NoError(t, err)
}

func TestSchemaRegistryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sv := model.SchemaVersion{
		TypeName: "Person",
		Hash:     "h1",
		Schema:   model.Schema{TypeName: "Person", Kind: model.KindEntity, Fields: []model.FieldDefinition{{Name: "name", Type: model.FieldString}}},
		Sequence: 1,
	}
	require.NoError(t, s.RegisterSchemaVersion(ctx, sv))

	versions, err := s.SchemaVersions(ctx, "Person")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "h1", versions[0].Hash)

	require.NoError(t, s.ActivateSchema(ctx, model.ActivationRecord{
		TypeName: "Person", SchemaHash: "h1", CommitID: "c0", ActivatedAt: time.Now(),
	}))
	rec, err := s.CurrentActivation(ctx, "Person")
	require.NoError(t, err)
	assert.Equal(t, "h1", rec.SchemaHash)

	require.NoError(t, s.DropSchemaVersion(ctx, "Person", "h1"))
	versions, err = s.SchemaVersions(ctx, "Person")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.True(t, versions[0].Dropped)
}

func TestListCommitsWalksChain(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c1, err := s.Commit(ctx, storage.WriteBatch{Entities: []model.EntityRow{{TypeName: "Person", EntityID: "e1", SchemaHash: "h1", Data: model.Document{}}}})
	require.NoError(t, err)
	c2, err := s.Commit(ctx, storage.WriteBatch{ParentCommit: c1.ID, Entities: []model.EntityRow{{TypeName: "Person", EntityID: "e2", SchemaHash: "h1", Data: model.Document{}}}})
	require.NoError(t, err)

	commits, err := s.ListCommits(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, c2.ID, commits[0].ID)
	assert.Equal(t, c1.ID, commits[1].ID)
}
