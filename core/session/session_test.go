package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontograph/ontograph/core/eventstore"
	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/observability"
	"github.com/ontograph/ontograph/core/registry"
	"github.com/ontograph/ontograph/core/session"
	"github.com/ontograph/ontograph/core/storage"
	"github.com/ontograph/ontograph/storage/sqlitestore"
)

func newRig(t *testing.T) (storage.Engine, *registry.Registry, *eventstore.Store, *observability.Bus) {
	t.Helper()
	st, err := sqlitestore.Open(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, st.Open(context.Background(), storage.Options{Namespace: "ns1", IfNotExists: true}))
	t.Cleanup(func() { st.Close(context.Background()) })

	ev, err := eventstore.Open(":memory:", "ns1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ev.Close() })

	bus, err := observability.New(nil)
	require.NoError(t, err)

	reg := registry.New(st, nil)
	return st, reg, ev, bus
}

func TestSessionCommitWithEvent(t *testing.T) {
	ctx := context.Background()
	st, reg, ev, bus := newRig(t)

	v, err := reg.Register(ctx, "Person", model.Schema{TypeName: "Person", Kind: model.KindEntity, Fields: []model.FieldDefinition{{Name: "name", Type: model.FieldString}}})
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "Person", v.Hash, ""))

	sess, err := session.New(ctx, "sess-1", "ns1", st, reg, ev, bus, nil, session.DefaultConfig())
	require.NoError(t, err)
	defer sess.Close(ctx)

	sess.Stage(session.Intent{Kind: session.IntentCreateEntity, TypeName: "Person", EntityID: "e1", Data: model.Document{"name": "ada"}})
	commit, err := sess.Commit(ctx, "create person", "person.created", model.Document{"id": "e1"})
	require.NoError(t, err)
	assert.NotEmpty(t, commit.ID)

	claimed, _, err := ev.Claim(ctx, "person.created", "sess-1", 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestHandlerLoopProcessesAndAcks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, reg, ev, bus := newRig(t)

	v, err := reg.Register(ctx, "Person", model.Schema{TypeName: "Person", Kind: model.KindEntity})
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "Person", v.Hash, ""))

	sess, err := session.New(ctx, "sess-1", "ns1", st, reg, ev, bus, nil, session.Config{CommitChainDepth: 32, EventLoopLimit: 1, LeaseSeconds: 30})
	require.NoError(t, err)
	defer sess.Close(ctx)

	_, err = ev.Enqueue(ctx, "greet", model.Document{"name": "ada"}, "", 3)
	require.NoError(t, err)

	processedCh := make(chan struct{}, 1)
	handlers := map[string]session.Handler{
		"greet": func(ctx context.Context, hc *session.HandlerContext) error {
			processedCh <- struct{}{}
			return nil
		},
	}
	err = sess.RunHandlerLoop(ctx, handlers, 10*time.Millisecond)
	require.NoError(t, err)

	select {
	case <-processedCh:
	default:
		t.Fatal("handler never ran")
	}
}

func TestRunHandlerLoopFiresSchedule(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, reg, ev, bus := newRig(t)

	v, err := reg.Register(ctx, "Person", model.Schema{TypeName: "Person", Kind: model.KindEntity})
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "Person", v.Hash, ""))

	sess, err := session.New(ctx, "sess-1", "ns1", st, reg, ev, bus, nil, session.Config{CommitChainDepth: 32, EventLoopLimit: 1, LeaseSeconds: 30})
	require.NoError(t, err)
	defer sess.Close(ctx)

	everyMinute, err := eventstore.ParseCron("* * * * *")
	require.NoError(t, err)

	processedCh := make(chan struct{}, 1)
	handlers := map[string]session.Handler{
		"heartbeat.tick": func(ctx context.Context, hc *session.HandlerContext) error {
			processedCh <- struct{}{}
			return nil
		},
	}
	schedules := []session.Schedule{
		{Cron: everyMinute, Topic: "heartbeat.tick", Payload: model.Document{"tick": true}, MaxAttempts: 3},
	}
	err = sess.RunHandlerLoop(ctx, handlers, 10*time.Millisecond, schedules...)
	require.NoError(t, err)

	select {
	case <-processedCh:
	default:
		t.Fatal("scheduled event never fired")
	}
}

func TestCommitIsNoopWhenDataUnchanged(t *testing.T) {
	ctx := context.Background()
	st, reg, ev, bus := newRig(t)

	v, err := reg.Register(ctx, "Customer", model.Schema{TypeName: "Customer", Kind: model.KindEntity,
		Fields: []model.FieldDefinition{{Name: "name", Type: model.FieldString}, {Name: "age", Type: model.FieldNumber}}})
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "Customer", v.Hash, ""))

	sess, err := session.New(ctx, "sess-1", "ns1", st, reg, ev, bus, nil, session.DefaultConfig())
	require.NoError(t, err)
	defer sess.Close(ctx)

	sess.Stage(session.Intent{Kind: session.IntentCreateEntity, TypeName: "Customer", EntityID: "c1", Data: model.Document{"name": "Alice", "age": 30}})
	commit1, err := sess.Commit(ctx, "create c1", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, commit1.ID)
	require.NoError(t, sess.Close(ctx))

	sess2, err := session.New(ctx, "sess-2", "ns1", st, reg, ev, bus, nil, session.DefaultConfig())
	require.NoError(t, err)
	defer sess2.Close(ctx)
	sess2.Stage(session.Intent{Kind: session.IntentCreateEntity, TypeName: "Customer", EntityID: "c1", Data: model.Document{"name": "Alice", "age": 30}})
	commit2, err := sess2.Commit(ctx, "repeat c1", "", nil)
	require.NoError(t, err)
	assert.Empty(t, commit2.ID, "identical payload must not produce a new commit")

	rows, err := st.ReadEntities(ctx, "Customer", nil, storage.TemporalView{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, sess2.Close(ctx))

	sess3, err := session.New(ctx, "sess-3", "ns1", st, reg, ev, bus, nil, session.DefaultConfig())
	require.NoError(t, err)
	defer sess3.Close(ctx)
	sess3.Stage(session.Intent{Kind: session.IntentCreateEntity, TypeName: "Customer", EntityID: "c1", Data: model.Document{"name": "Alice", "age": 31}})
	commit3, err := sess3.Commit(ctx, "update c1 age", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, commit3.ID, "changed payload must produce a new commit")
}

func TestCreateRelationRejectsBlankInstanceKey(t *testing.T) {
	ctx := context.Background()
	st, reg, ev, bus := newRig(t)

	field := "role"
	v, err := reg.Register(ctx, "WorksAt", model.Schema{
		TypeName: "WorksAt", Kind: model.KindRelation, InstanceKeyField: &field,
		Fields: []model.FieldDefinition{{Name: "role", Type: model.FieldString}},
	})
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "WorksAt", v.Hash, ""))

	sess, err := session.New(ctx, "sess-1", "ns1", st, reg, ev, bus, nil, session.DefaultConfig())
	require.NoError(t, err)
	defer sess.Close(ctx)

	sess.Stage(session.Intent{
		Kind: session.IntentCreateRelation, TypeName: "WorksAt",
		LeftID: "alice", RightID: "acme", InstanceKey: "   ",
		Data: model.Document{"role": "engineer"},
	})
	_, err = sess.Commit(ctx, "create relation", "", nil)
	assert.True(t, model.IsCode(err, model.ErrInvalidInstanceKey))
}

func TestCreateRelationDerivesStableIdentity(t *testing.T) {
	ctx := context.Background()
	st, reg, ev, bus := newRig(t)

	v, err := reg.Register(ctx, "Knows", model.Schema{TypeName: "Knows", Kind: model.KindRelation,
		Fields: []model.FieldDefinition{{Name: "since", Type: model.FieldNumber}}})
	require.NoError(t, err)
	require.NoError(t, reg.Activate(ctx, "Knows", v.Hash, ""))

	sess, err := session.New(ctx, "sess-1", "ns1", st, reg, ev, bus, nil, session.DefaultConfig())
	require.NoError(t, err)
	defer sess.Close(ctx)

	sess.Stage(session.Intent{
		Kind: session.IntentCreateRelation, TypeName: "Knows", LeftType: "Person", LeftID: "alice",
		RightType: "Person", RightID: "bob", Data: model.Document{"since": 2020},
	})
	_, err = sess.Commit(ctx, "create relation", "", nil)
	require.NoError(t, err)

	rows, err := st.ReadRelations(ctx, "Knows", nil, storage.TemporalView{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0].InstanceKey)

	sess2, err := session.New(ctx, "sess-1", "ns1", st, reg, ev, bus, nil, session.DefaultConfig())
	require.NoError(t, err)
	defer sess2.Close(ctx)
	sess2.Stage(session.Intent{
		Kind: session.IntentCreateRelation, TypeName: "Knows", LeftType: "Person", LeftID: "alice",
		RightType: "Person", RightID: "bob", Data: model.Document{"since": 2021},
	})
	_, err = sess2.Commit(ctx, "update relation", "", nil)
	require.NoError(t, err)

	rows, err = st.ReadRelations(ctx, "Knows", nil, storage.TemporalView{})
	require.NoError(t, err)
	require.Len(t, rows, 1, "same (left, right) pair with no instance key collapses to one identity")
	assert.EqualValues(t, 2021, rows[0].Data["since"])
}
