package eventstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontograph/ontograph/core/eventstore"
	"github.com/ontograph/ontograph/core/model"
)

func newStore(t *testing.T) *eventstore.Store {
	t.Helper()
	s, err := eventstore.Open(":memory:", "ns1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueClaimAck(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Enqueue(ctx, "person.created", model.Document{"id": "e1"}, "", 3)
	require.NoError(t, err)

	claimed, claims, err := s.Claim(ctx, "person.created", "session-a", 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Len(t, claims, 1)

	require.NoError(t, s.Ack(ctx, claimed[0].ID))

	claimed2, _, err := s.Claim(ctx, "person.created", "session-a", 30, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed2)
}

func TestReleaseRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ev, err := s.Enqueue(ctx, "t", model.Document{"x": 1}, "", 2)
	require.NoError(t, err)

	claimed, _, err := s.Claim(ctx, "t", "s1", 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.Release(ctx, ev.ID, "handler failed"))

	claimed2, _, err := s.Claim(ctx, "t", "s1", 30, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed2, "event should not be claimable until backoff elapses")

	require.NoError(t, s.Release(ctx, ev.ID, "handler failed again"))

	replayed, err := s.Replay(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "t", replayed.Topic)
}

func TestCleanupExpiredClaims(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Enqueue(ctx, "t", model.Document{}, "", 3)
	require.NoError(t, err)
	_, _, err = s.Claim(ctx, "t", "s1", -1, 10) // already-expired lease
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	ids, err := s.CleanupExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestReleaseDeadLettersEnqueueFollowUpEvent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ev, err := s.Enqueue(ctx, "t", model.Document{"x": 1}, "", 1)
	require.NoError(t, err)

	claimed, _, err := s.Claim(ctx, "t", "s1", 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.Release(ctx, ev.ID, "boom"))

	letters, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, ev.ID, letters[0].EventID)

	dl, _, err := s.Claim(ctx, "EventDeadLetter", "s1", 30, 10)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, ev.ID, dl[0].Payload["event_id"])
	assert.Equal(t, float64(1), dl[0].Payload["chain_depth"])
}

func TestClaimOrdersByPriorityThenCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Enqueue(ctx, "t", model.Document{"who": "low"}, "", 3, 0)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "t", model.Document{"who": "high"}, "", 3, 5)
	require.NoError(t, err)

	claimed, _, err := s.Claim(ctx, "t", "s1", 30, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "high", claimed[0].Payload["who"])
	assert.Equal(t, "low", claimed[1].Payload["who"])
}

func TestSessionRegistryAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.RegisterSession(ctx, "sess-1", 30)
	require.NoError(t, err)
	require.NoError(t, s.Heartbeat(ctx, "sess-1", 30))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-1", sessions[0].ID)

	require.NoError(t, s.Heartbeat(ctx, "sess-2", 30), "unregistered session auto-registers on heartbeat")
	sessions, err = s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestInspectAndListEvents(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ev, err := s.Enqueue(ctx, "t", model.Document{"id": "e1"}, "", 3)
	require.NoError(t, err)

	got, claim, err := s.InspectEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Nil(t, claim)

	_, _, err = s.Claim(ctx, "t", "s1", 30, 10)
	require.NoError(t, err)
	_, claim, err = s.InspectEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, "s1", claim.SessionID)

	events, err := s.ListEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	namespaces, err := s.ListNamespaces(ctx)
	require.NoError(t, err)
	assert.Contains(t, namespaces, "ns1")
}

func TestCleanupEventsPreservesDeadLetters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ev, err := s.Enqueue(ctx, "t", model.Document{}, "", 1)
	require.NoError(t, err)
	_, _, err = s.Claim(ctx, "t", "s1", 30, 10)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, ev.ID, "fail"))

	n, err := s.CleanupEvents(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	letters, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, letters, 1, "dead-letter record must survive event cleanup")
}

func TestParseCronAndNext(t *testing.T) {
	sched, err := eventstore.ParseCron("*/15 * * * *")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 15, 30, 45}, sched.Minute)

	base := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	next, err := eventstore.Next(sched, base)
	require.NoError(t, err)
	assert.Equal(t, 15, next.Minute())

	_, err = eventstore.ParseCron("bad expr")
	assert.Error(t, err)

	sunday, err := eventstore.ParseCron("0 0 * * 7")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, sunday.Weekday)
}
