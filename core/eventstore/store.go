// Package eventstore implements the durable, at-least-once, per-namespace
// event queue: claim/ack/release with leases, exponential-backoff retries,
// dead-lettering and cron-scheduled recurring events. It plays the role the
// teacher's in-process go-events TypedEventBus plays for observability, but
// durable — surviving process restarts, which the teacher's bus never
// needed to since it has no queue, only fire-and-forget subscriber callbacks
// (core/persistence/events.go).
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ontograph/ontograph/core/model"
)

// Store is the durable event queue for one namespace, backed by its own
// embedded SQLite database (separate from storage.Engine's commit log,
// since events are operational state, not versioned domain history).
type Store struct {
	db         *sql.DB
	namespace  string
	logger     *zap.Logger
	maxBackoff time.Duration
	minBackoff time.Duration
}

const eventSchemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	topic TEXT NOT NULL,
	payload TEXT NOT NULL,
	commit_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	not_before TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_claimable ON events(namespace, topic, status, not_before, priority);

CREATE TABLE IF NOT EXISTS event_claims (
	event_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	nonce TEXT NOT NULL,
	claimed_at TEXT NOT NULL,
	expiry TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	event_id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	topic TEXT NOT NULL,
	payload TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL,
	dead_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	started_at TEXT NOT NULL,
	last_heartbeat TEXT NOT NULL,
	expiry TEXT NOT NULL
);
`

// Open establishes dsn and prepares the event tables for namespace use.
func Open(dsn, namespace string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, model.StorageBackendError("eventstore:open", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(eventSchemaDDL); err != nil {
		return nil, model.StorageBackendError("eventstore:ddl", err)
	}
	// 1s minimum, 5m maximum, matching the bounded-retry window spec §4.4 names.
	return &Store{db: db, namespace: namespace, logger: logger, minBackoff: time.Second, maxBackoff: 5 * time.Minute}, nil
}

// backoffFor returns the exponential-with-jitter delay for the given
// attempt count, using github.com/cloudflare/backoff exactly as
// xataio-pgroll's pkg/db.RDB does for its own retry loops — a fresh Backoff
// advanced attempt times, since the library tracks state across calls to
// Duration() rather than taking the attempt number directly.
func (s *Store) backoffFor(attempt int) time.Duration {
	b := backoff.New(s.maxBackoff, s.minBackoff)
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.Duration()
	}
	return d
}

func (s *Store) Close() error { return s.db.Close() }

// Enqueue inserts a new pending Event, optionally paired with commitID so
// the event records the data commit it follows. The insert is its own
// statement in this store's database, separate from the storage engine's
// commit. priority is variadic: callers that pass none (Emit, dead-letter
// re-publish) get the default priority of 100; pass one value to override
// it.
func (s *Store) Enqueue(ctx context.Context, topic string, payload model.Document, commitID string, maxAttempts int, priority ...int) (model.Event, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	prio := 100
	if len(priority) > 0 {
		prio = priority[0]
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return model.Event{}, model.StorageBackendError("eventstore:marshal", err)
	}
	e := model.Event{
		ID: uuid.NewString(), Namespace: s.namespace, Topic: topic, Payload: payload,
		CommitID: commitID, Status: model.EventPending, Priority: prio, MaxAttempts: maxAttempts,
		NotBefore: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, namespace, topic, payload, commit_id, status, priority, attempts, max_attempts, not_before, created_at, last_error)
		VALUES (?,?,?,?,?,?,?,0,?,?,?,'')`,
		e.ID, e.Namespace, e.Topic, string(data), e.CommitID, e.Status, e.Priority, e.MaxAttempts,
		e.NotBefore.Format(time.RFC3339Nano), e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return model.Event{}, model.StorageBackendError("eventstore:enqueue", err)
	}
	return e, nil
}

// Claim atomically moves up to limit pending+claimable events on topic to
// EventClaimed, leasing them to sessionID for leaseSeconds. Events whose
// NotBefore is in the future (backoff, or a cron-scheduled future run) are
// not claimable yet.
func (s *Store) Claim(ctx context.Context, topic, sessionID string, leaseSeconds int64, limit int) ([]model.Event, []model.EventClaim, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, commit_id, priority, attempts, max_attempts, created_at FROM events
		WHERE namespace = ? AND topic = ? AND status IN ('pending','retrying') AND not_before <= ?
		ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`, s.namespace, topic, now.Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, nil, model.StorageBackendError("eventstore:claim_select", err)
	}
	var ids []string
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var payload, createdAt string
		if err := rows.Scan(&e.ID, &payload, &e.CommitID, &e.Priority, &e.Attempts, &e.MaxAttempts, &createdAt); err != nil {
			rows.Close()
			return nil, nil, model.StorageBackendError("eventstore:claim_scan", err)
		}
		e.Namespace = s.namespace
		e.Topic = topic
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			rows.Close()
			return nil, nil, model.StorageBackendError("eventstore:claim_unmarshal", err)
		}
		ids = append(ids, e.ID)
		events = append(events, e)
	}
	rows.Close()

	var claims []model.EventClaim
	var claimed []model.Event
	expiry := now.Add(time.Duration(leaseSeconds) * time.Second)
	for i, id := range ids {
		res, err := s.db.ExecContext(ctx, `UPDATE events SET status = 'claimed' WHERE id = ? AND namespace = ? AND status IN ('pending','retrying')`, id, s.namespace)
		if err != nil {
			return nil, nil, model.StorageBackendError("eventstore:claim_update", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		nonce := uuid.NewString()
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO event_claims (event_id, session_id, nonce, claimed_at, expiry) VALUES (?,?,?,?,?)
			ON CONFLICT(event_id) DO UPDATE SET session_id=excluded.session_id, nonce=excluded.nonce, claimed_at=excluded.claimed_at, expiry=excluded.expiry`,
			id, sessionID, nonce, now.Format(time.RFC3339Nano), expiry.Format(time.RFC3339Nano)); err != nil {
			return nil, nil, model.StorageBackendError("eventstore:claim_insert", err)
		}
		events[i].Status = model.EventClaimed
		claimed = append(claimed, events[i])
		claims = append(claims, model.EventClaim{EventID: id, SessionID: sessionID, Nonce: nonce, ClaimedAt: now, Expiry: expiry})
	}
	return claimed, claims, nil
}

// Ack marks a claimed event as processed, removing its claim.
func (s *Store) Ack(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE events SET status = 'acked' WHERE id = ? AND namespace = ?`, eventID, s.namespace); err != nil {
		return model.StorageBackendError("eventstore:ack", err)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM event_claims WHERE event_id = ?`, eventID)
	if err != nil {
		return model.StorageBackendError("eventstore:ack_claim", err)
	}
	return nil
}

// Release returns a claimed event to pending (or dead-letters it if
// MaxAttempts is exhausted), scheduling NotBefore via bounded exponential
// backoff keyed by attempt count, using github.com/cloudflare/backoff
// exactly as a retryer from xataio-pgroll's dependency graph would.
func (s *Store) Release(ctx context.Context, eventID, reason string) error {
	row := s.db.QueryRowContext(ctx, `SELECT topic, payload, attempts, max_attempts FROM events WHERE id = ? AND namespace = ?`, eventID, s.namespace)
	var topic, payload string
	var attempts, maxAttempts int
	if err := row.Scan(&topic, &payload, &attempts, &maxAttempts); err != nil {
		return model.StorageBackendError("eventstore:release_select", err)
	}
	attempts++
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_claims WHERE event_id = ?`, eventID); err != nil {
		return model.StorageBackendError("eventstore:release_claim", err)
	}
	if attempts >= maxAttempts {
		now := time.Now().UTC()
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO dead_letters (event_id, namespace, topic, payload, attempts, last_error, dead_at) VALUES (?,?,?,?,?,?,?)`,
			eventID, s.namespace, topic, payload, attempts, reason, now.Format(time.RFC3339Nano)); err != nil {
			return model.StorageBackendError("eventstore:dead_letter", err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE events SET status = 'dead', attempts = ?, last_error = ? WHERE id = ?`, attempts, reason, eventID); err != nil {
			return model.StorageBackendError("eventstore:release_dead", err)
		}
		return s.enqueueDeadLetterEvent(ctx, eventID, topic, payload, attempts, reason)
	}
	delay := s.backoffFor(attempts)
	notBefore := time.Now().UTC().Add(delay)
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = 'retrying', attempts = ?, not_before = ?, last_error = ? WHERE id = ?`,
		attempts, notBefore.Format(time.RFC3339Nano), reason, eventID)
	if err != nil {
		return model.StorageBackendError("eventstore:release", err)
	}
	return nil
}

// enqueueDeadLetterEvent publishes the fresh "EventDeadLetter" event spec §8
// (S6) requires alongside the dead-letter record itself: carries the
// original event's id, attempts and last error, with chain_depth
// incremented. model.Event has no dedicated ChainDepth column, so
// chain_depth travels inside Payload, the same place every other
// handler-facing field lives.
func (s *Store) enqueueDeadLetterEvent(ctx context.Context, originalID, originalTopic, originalPayload string, attempts int, reason string) error {
	var orig model.Document
	_ = json.Unmarshal([]byte(originalPayload), &orig)
	chainDepth := 0
	if orig != nil {
		if v, ok := orig["chain_depth"].(float64); ok {
			chainDepth = int(v)
		}
	}
	payload := model.Document{
		"event_id":    originalID,
		"topic":       originalTopic,
		"attempts":    attempts,
		"last_error":  reason,
		"chain_depth": chainDepth + 1,
	}
	_, err := s.Enqueue(ctx, "EventDeadLetter", payload, "", 1)
	return err
}

// Replay re-enqueues a dead-lettered event as a fresh pending Event with
// Attempts reset to zero, preserving the original dead-letter row as an
// audit trail (DESIGN.md Open Question 4) rather than mutating it in place.
func (s *Store) Replay(ctx context.Context, eventID string) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT topic, payload FROM dead_letters WHERE event_id = ? AND namespace = ?`, eventID, s.namespace)
	var topic, payload string
	if err := row.Scan(&topic, &payload); err != nil {
		return model.Event{}, model.StorageBackendError("eventstore:replay_select", err)
	}
	var doc model.Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return model.Event{}, model.StorageBackendError("eventstore:replay_unmarshal", err)
	}
	return s.Enqueue(ctx, topic, doc, "", 5)
}

// RegisterSession upserts a session row with a fresh lease, called once by
// a handler loop before it starts claiming; registering an existing
// sessionID again refreshes its heartbeat and expiry.
func (s *Store) RegisterSession(ctx context.Context, sessionID string, leaseSeconds int64) (model.SessionRecord, error) {
	now := time.Now().UTC()
	rec := model.SessionRecord{
		ID: sessionID, Namespace: s.namespace, StartedAt: now, LastHeartbeat: now,
		Expiry: now.Add(time.Duration(leaseSeconds) * time.Second),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, namespace, started_at, last_heartbeat, expiry) VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET last_heartbeat=excluded.last_heartbeat, expiry=excluded.expiry`,
		rec.ID, rec.Namespace, rec.StartedAt.Format(time.RFC3339Nano), rec.LastHeartbeat.Format(time.RFC3339Nano), rec.Expiry.Format(time.RFC3339Nano))
	if err != nil {
		return model.SessionRecord{}, model.StorageBackendError("eventstore:register_session", err)
	}
	return rec, nil
}

// Heartbeat extends sessionID's lease, the durable-queue analogue of
// Session.Heartbeat's write-lock renewal. Session expiry is recorded for
// listing only; a claim is released by CleanupExpiredClaims once the claim's
// own expiry passes, whatever the state of the session that holds it.
func (s *Store) Heartbeat(ctx context.Context, sessionID string, leaseSeconds int64) error {
	now := time.Now().UTC()
	expiry := now.Add(time.Duration(leaseSeconds) * time.Second)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_heartbeat = ?, expiry = ? WHERE id = ? AND namespace = ?`,
		now.Format(time.RFC3339Nano), expiry.Format(time.RFC3339Nano), sessionID, s.namespace)
	if err != nil {
		return model.StorageBackendError("eventstore:heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := s.RegisterSession(ctx, sessionID, leaseSeconds)
		return err
	}
	return nil
}

// InspectEvent returns one Event by id along with its active claim (if
// any), for `ontoctl events inspect`.
func (s *Store) InspectEvent(ctx context.Context, eventID string) (model.Event, *model.EventClaim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topic, payload, commit_id, status, priority, attempts, max_attempts, not_before, created_at, last_error
		FROM events WHERE id = ? AND namespace = ?`, eventID, s.namespace)
	e, payload, notBefore, createdAt, err := scanEventRow(row)
	if err != nil {
		return model.Event{}, nil, model.StorageBackendError("eventstore:inspect", err)
	}
	if err := finishEvent(&e, payload, notBefore, createdAt); err != nil {
		return model.Event{}, nil, err
	}
	e.Namespace = s.namespace

	claimRow := s.db.QueryRowContext(ctx, `SELECT event_id, session_id, nonce, claimed_at, expiry FROM event_claims WHERE event_id = ?`, eventID)
	var claim model.EventClaim
	var claimedAt, expiry string
	if err := claimRow.Scan(&claim.EventID, &claim.SessionID, &claim.Nonce, &claimedAt, &expiry); err != nil {
		return e, nil, nil
	}
	claim.ClaimedAt, _ = time.Parse(time.RFC3339Nano, claimedAt)
	claim.Expiry, _ = time.Parse(time.RFC3339Nano, expiry)
	return e, &claim, nil
}

// ListEvents returns up to limit Events in the namespace, optionally
// filtered by status ("" means any), newest first.
func (s *Store) ListEvents(ctx context.Context, status string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, topic, payload, commit_id, status, priority, attempts, max_attempts, not_before, created_at, last_error FROM events WHERE namespace = ?`
	args := []any{s.namespace}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.StorageBackendError("eventstore:list_events", err)
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		e, payload, notBefore, createdAt, err := scanEventRow(rows)
		if err != nil {
			return nil, model.StorageBackendError("eventstore:list_events_scan", err)
		}
		if err := finishEvent(&e, payload, notBefore, createdAt); err != nil {
			return nil, err
		}
		e.Namespace = s.namespace
		out = append(out, e)
	}
	return out, nil
}

// ListDeadLetters returns up to limit dead-lettered events for the
// namespace, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, namespace, topic, payload, attempts, last_error, dead_at FROM dead_letters
		WHERE namespace = ? ORDER BY dead_at DESC LIMIT ?`, s.namespace, limit)
	if err != nil {
		return nil, model.StorageBackendError("eventstore:list_dead_letters", err)
	}
	defer rows.Close()
	var out []model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		var payload, deadAt string
		if err := rows.Scan(&dl.EventID, &dl.Namespace, &dl.Topic, &payload, &dl.Attempts, &dl.LastError, &deadAt); err != nil {
			return nil, model.StorageBackendError("eventstore:list_dead_letters_scan", err)
		}
		if err := json.Unmarshal([]byte(payload), &dl.Payload); err != nil {
			return nil, model.StorageBackendError("eventstore:list_dead_letters_unmarshal", err)
		}
		dl.DeadAt, _ = time.Parse(time.RFC3339Nano, deadAt)
		out = append(out, dl)
	}
	return out, nil
}

// ListSessions returns every session row registered for the namespace.
func (s *Store) ListSessions(ctx context.Context) ([]model.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, namespace, started_at, last_heartbeat, expiry FROM sessions WHERE namespace = ? ORDER BY last_heartbeat DESC`, s.namespace)
	if err != nil {
		return nil, model.StorageBackendError("eventstore:list_sessions", err)
	}
	defer rows.Close()
	var out []model.SessionRecord
	for rows.Next() {
		var rec model.SessionRecord
		var started, heartbeat, expiry string
		if err := rows.Scan(&rec.ID, &rec.Namespace, &started, &heartbeat, &expiry); err != nil {
			return nil, model.StorageBackendError("eventstore:list_sessions_scan", err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, heartbeat)
		rec.Expiry, _ = time.Parse(time.RFC3339Nano, expiry)
		out = append(out, rec)
	}
	return out, nil
}

// ListNamespaces returns every distinct namespace with at least one event
// ever enqueued in this physical database, for the admin CLI's
// `ontoctl events show --what=namespaces` when multiple namespaces share one
// dsn.
func (s *Store) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM events ORDER BY namespace ASC`)
	if err != nil {
		return nil, model.StorageBackendError("eventstore:list_namespaces", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, model.StorageBackendError("eventstore:list_namespaces_scan", err)
		}
		out = append(out, ns)
	}
	return out, nil
}

// CleanupEvents deletes acked/dead event rows (and any stray claims on
// them) created before cutoff. Dead-letter records are preserved
// independently of event retention, per spec §4.4: a cleaned-up event's
// dead-letter audit trail must remain inspectable and replayable.
func (s *Store) CleanupEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM event_claims WHERE event_id IN (
			SELECT id FROM events WHERE namespace = ? AND status IN ('acked','dead') AND created_at < ?
		)`, s.namespace, before.Format(time.RFC3339Nano))
	if err != nil {
		return 0, model.StorageBackendError("eventstore:cleanup_events_claims", err)
	}
	res, err = s.db.ExecContext(ctx, `
		DELETE FROM events WHERE namespace = ? AND status IN ('acked','dead') AND created_at < ?`,
		s.namespace, before.Format(time.RFC3339Nano))
	if err != nil {
		return 0, model.StorageBackendError("eventstore:cleanup_events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// scanner is the subset of *sql.Row/*sql.Rows Scan needs, letting
// scanEventRow serve both InspectEvent (single row) and ListEvents (rows).
type scanner interface {
	Scan(dest ...any) error
}

func scanEventRow(row scanner) (model.Event, string, string, string, error) {
	var e model.Event
	var payload, notBefore, createdAt string
	err := row.Scan(&e.ID, &e.Topic, &payload, &e.CommitID, &e.Status, &e.Priority, &e.Attempts, &e.MaxAttempts, &notBefore, &createdAt, &e.LastError)
	return e, payload, notBefore, createdAt, err
}

func finishEvent(e *model.Event, payload, notBefore, createdAt string) error {
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return model.StorageBackendError("eventstore:unmarshal_payload", err)
	}
	e.NotBefore, _ = time.Parse(time.RFC3339Nano, notBefore)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return nil
}

// CleanupExpiredClaims releases any claim whose lease has expired without
// an Ack, returning the affected event ids so a caller can log them.
func (s *Store) CleanupExpiredClaims(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `SELECT event_id FROM event_claims WHERE expiry < ?`, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, model.StorageBackendError("eventstore:cleanup_select", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, model.StorageBackendError("eventstore:cleanup_scan", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if err := s.Release(ctx, id, "lease expired"); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
