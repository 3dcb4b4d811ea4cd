// Package sqlitestore is the embedded-SQL storage.Engine implementation,
// playing the role the teacher's sqlite.SQLiteInteractor plays for a single
// document table but generalized to ontograph's namespaced, append-only
// entity/relation history, commit log, schema registry and write lock.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ontograph/ontograph/core/filter"
	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/storage"
)

// dbRunner abstracts *sql.DB and *sql.Tx exactly as the teacher's
// sqlite.dbRunner does, so Store's methods work identically inside and
// outside a transaction.
type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements storage.Engine over a single embedded SQLite database.
// One namespace corresponds to one open connection; callers wanting several
// namespaces open several Stores against separate database files or
// separate ATTACHed schemas.
type Store struct {
	db        *sql.DB
	tx        *sql.Tx
	namespace string
	logger    *zap.Logger
	eval      *filter.Evaluator
}

var _ storage.Engine = (*Store)(nil)

// Open establishes the sqlite3 connection at dsn (a file path, or
// ":memory:" as the tests use) and prepares Store for namespace use.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, model.StorageBackendError("open", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	return &Store{db: db, logger: logger, eval: filter.NewEvaluator()}, nil
}

func (s *Store) runner() dbRunner {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS commits (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	parent_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	kind TEXT NOT NULL,
	summary TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_ns_seq ON commits(namespace, sequence);

CREATE TABLE IF NOT EXISTS entity_history (
	namespace TEXT NOT NULL,
	type_name TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	commit_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	schema_hash TEXT NOT NULL,
	data TEXT NOT NULL,
	tombstone INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entity_identity ON entity_history(namespace, type_name, entity_id, sequence);

CREATE TABLE IF NOT EXISTS relation_history (
	namespace TEXT NOT NULL,
	type_name TEXT NOT NULL,
	relation_id TEXT NOT NULL,
	left_type TEXT NOT NULL,
	left_id TEXT NOT NULL,
	right_type TEXT NOT NULL,
	right_id TEXT NOT NULL,
	instance_key TEXT NOT NULL DEFAULT '',
	commit_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	schema_hash TEXT NOT NULL,
	data TEXT NOT NULL,
	tombstone INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_relation_identity ON relation_history(namespace, type_name, relation_id, sequence);

CREATE TABLE IF NOT EXISTS schema_versions (
	namespace TEXT NOT NULL,
	type_name TEXT NOT NULL,
	hash TEXT NOT NULL,
	schema_json TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	dropped INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (namespace, type_name, hash)
);

CREATE TABLE IF NOT EXISTS activations (
	namespace TEXT NOT NULL,
	type_name TEXT NOT NULL,
	schema_hash TEXT NOT NULL,
	commit_id TEXT NOT NULL,
	activated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activations_ns_type ON activations(namespace, type_name, activated_at);

CREATE TABLE IF NOT EXISTS write_lock (
	namespace TEXT PRIMARY KEY,
	holder_id TEXT NOT NULL,
	acquired_at TEXT NOT NULL,
	expiry TEXT NOT NULL
);
`

// Open prepares tables for opts.Namespace, per storage.Engine.
func (s *Store) Open(ctx context.Context, opts storage.Options) error {
	s.namespace = opts.Namespace
	if opts.DropIfExists {
		for _, t := range []string{"commits", "entity_history", "relation_history", "schema_versions", "activations", "write_lock"} {
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE namespace = ?", t), opts.Namespace); err != nil {
				s.logger.Warn("drop-if-exists cleanup failed, table likely absent", zap.String("table", t), zap.Error(err))
			}
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return model.StorageBackendError("open:ddl", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// AcquireLock implements the single-row CAS lock the teacher's transaction
// model doesn't need (it relies on sql.Tx isolation); ontograph's
// multi-session event runtime needs an explicit lease.
func (s *Store) AcquireLock(ctx context.Context, holderID string, leaseSeconds int64) (model.WriteLock, error) {
	now := time.Now().UTC()
	expiry := now.Add(time.Duration(leaseSeconds) * time.Second)

	row := s.runner().QueryRowContext(ctx, `SELECT holder_id, expiry FROM write_lock WHERE namespace = ?`, s.namespace)
	var holder, expiryStr string
	err := row.Scan(&holder, &expiryStr)
	if err == nil {
		existingExpiry, _ := time.Parse(time.RFC3339Nano, expiryStr)
		if holder != holderID && now.Before(existingExpiry) {
			return model.WriteLock{}, model.NewError(model.ErrLockContention, "write lock held by another session", nil, map[string]any{"holder": holder})
		}
	} else if err != sql.ErrNoRows {
		return model.WriteLock{}, model.StorageBackendError("acquire_lock", err)
	}

	_, err = s.runner().ExecContext(ctx, `
		INSERT INTO write_lock (namespace, holder_id, acquired_at, expiry) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET holder_id = excluded.holder_id, acquired_at = excluded.acquired_at, expiry = excluded.expiry
	`, s.namespace, holderID, now.Format(time.RFC3339Nano), expiry.Format(time.RFC3339Nano))
	if err != nil {
		return model.WriteLock{}, model.StorageBackendError("acquire_lock", err)
	}
	return model.WriteLock{Namespace: s.namespace, HolderID: holderID, AcquiredAt: now, Expiry: expiry}, nil
}

func (s *Store) RenewLock(ctx context.Context, holderID string, leaseSeconds int64) (model.WriteLock, error) {
	row := s.runner().QueryRowContext(ctx, `SELECT holder_id FROM write_lock WHERE namespace = ?`, s.namespace)
	var holder string
	if err := row.Scan(&holder); err != nil {
		if err == sql.ErrNoRows {
			return model.WriteLock{}, model.NewError(model.ErrLeaseExpired, "no lock held for namespace", nil, nil)
		}
		return model.WriteLock{}, model.StorageBackendError("renew_lock", err)
	}
	if holder != holderID {
		return model.WriteLock{}, model.NewError(model.ErrLeaseExpired, "lease no longer held by this session", nil, map[string]any{"holder": holder})
	}
	return s.AcquireLock(ctx, holderID, leaseSeconds)
}

func (s *Store) ReleaseLock(ctx context.Context, holderID string) error {
	_, err := s.runner().ExecContext(ctx, `DELETE FROM write_lock WHERE namespace = ? AND holder_id = ?`, s.namespace, holderID)
	if err != nil {
		return model.StorageBackendError("release_lock", err)
	}
	return nil
}

func (s *Store) Head(ctx context.Context) (model.Commit, error) {
	row := s.runner().QueryRowContext(ctx, `
		SELECT id, parent_id, sequence, created_at, kind, summary FROM commits
		WHERE namespace = ? ORDER BY sequence DESC LIMIT 1`, s.namespace)
	return scanCommit(row, s.namespace)
}

func (s *Store) CommitByID(ctx context.Context, id string) (model.Commit, error) {
	row := s.runner().QueryRowContext(ctx, `
		SELECT id, parent_id, sequence, created_at, kind, summary FROM commits
		WHERE namespace = ? AND id = ?`, s.namespace, id)
	return scanCommit(row, s.namespace)
}

func scanCommit(row *sql.Row, namespace string) (model.Commit, error) {
	var c model.Commit
	var createdAt string
	err := row.Scan(&c.ID, &c.ParentID, &c.Sequence, &createdAt, &c.Kind, &c.Summary)
	if err == sql.ErrNoRows {
		return model.Commit{}, model.NewError(model.ErrUninitializedStorage, "no commits in namespace", nil, nil)
	}
	if err != nil {
		return model.Commit{}, model.StorageBackendError("scan_commit", err)
	}
	c.Namespace = namespace
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return c, nil
}

func (s *Store) ListCommits(ctx context.Context, limit int, before string) ([]model.Commit, error) {
	var beforeSeq int64 = 1 << 62
	if before != "" {
		c, err := s.CommitByID(ctx, before)
		if err != nil {
			return nil, err
		}
		beforeSeq = c.Sequence
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.runner().QueryContext(ctx, `
		SELECT id, parent_id, sequence, created_at, kind, summary FROM commits
		WHERE namespace = ? AND sequence < ? ORDER BY sequence DESC LIMIT ?`, s.namespace, beforeSeq, limit)
	if err != nil {
		return nil, model.StorageBackendError("list_commits", err)
	}
	defer rows.Close()
	var out []model.Commit
	for rows.Next() {
		var c model.Commit
		var createdAt string
		if err := rows.Scan(&c.ID, &c.ParentID, &c.Sequence, &createdAt, &c.Kind, &c.Summary); err != nil {
			return nil, model.StorageBackendError("list_commits", err)
		}
		c.Namespace = s.namespace
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Commit appends batch as a new row in commits plus its entity/relation
// history and activation rows, all within one transaction so the whole
// batch is atomic, matching the teacher's Transact() rollback-on-error
// pattern generalized to ontograph's multi-table writes.
func (s *Store) Commit(ctx context.Context, batch storage.WriteBatch) (model.Commit, error) {
	head, err := s.Head(ctx)
	headID := ""
	headSeq := int64(0)
	if err == nil {
		headID = head.ID
		headSeq = head.Sequence
	} else if !model.IsCode(err, model.ErrUninitializedStorage) {
		return model.Commit{}, err
	}
	if batch.ParentCommit != headID {
		return model.Commit{}, model.NewError(model.ErrHeadMismatch, "batch parent does not match current head", nil,
			map[string]any{"expected": headID, "got": batch.ParentCommit})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Commit{}, model.StorageBackendError("commit:begin", err)
	}
	inner := &Store{db: s.db, tx: tx, namespace: s.namespace, logger: s.logger, eval: s.eval}

	c := model.Commit{
		ID:        newID(),
		Namespace: s.namespace,
		ParentID:  headID,
		Sequence:  headSeq + 1,
		CreatedAt: time.Now().UTC(),
		Kind:      batch.Kind,
		Summary:   batch.Summary,
	}
	if c.Kind == "" {
		c.Kind = model.CommitKindData
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO commits (id, namespace, parent_id, sequence, created_at, kind, summary) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.Namespace, c.ParentID, c.Sequence, c.CreatedAt.Format(time.RFC3339Nano), c.Kind, c.Summary); err != nil {
		tx.Rollback()
		return model.Commit{}, model.StorageBackendError("commit:insert_commit", err)
	}

	for _, e := range batch.Entities {
		data, err := json.Marshal(e.Data)
		if err != nil {
			tx.Rollback()
			return model.Commit{}, model.StorageBackendError("commit:marshal_entity", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_history (namespace, type_name, entity_id, commit_id, sequence, schema_hash, data, tombstone)
			VALUES (?,?,?,?,?,?,?,?)`,
			s.namespace, e.TypeName, e.EntityID, c.ID, c.Sequence, e.SchemaHash, string(data), boolToInt(e.Tombstone)); err != nil {
			tx.Rollback()
			return model.Commit{}, model.StorageBackendError("commit:insert_entity", err)
		}
	}
	for _, r := range batch.Relations {
		data, err := json.Marshal(r.Data)
		if err != nil {
			tx.Rollback()
			return model.Commit{}, model.StorageBackendError("commit:marshal_relation", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO relation_history (namespace, type_name, relation_id, left_type, left_id, right_type, right_id, instance_key, commit_id, sequence, schema_hash, data, tombstone)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			s.namespace, r.TypeName, r.RelationID, r.LeftType, r.LeftID, r.RightType, r.RightID, r.InstanceKey, c.ID, c.Sequence, r.SchemaHash, string(data), boolToInt(r.Tombstone)); err != nil {
			tx.Rollback()
			return model.Commit{}, model.StorageBackendError("commit:insert_relation", err)
		}
	}
	for _, a := range batch.Activations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO activations (namespace, type_name, schema_hash, commit_id, activated_at) VALUES (?,?,?,?,?)`,
			s.namespace, a.TypeName, a.SchemaHash, c.ID, c.CreatedAt.Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			return model.Commit{}, model.StorageBackendError("commit:insert_activation", err)
		}
	}
	_ = inner

	if err := tx.Commit(); err != nil {
		return model.Commit{}, model.StorageBackendError("commit:tx_commit", err)
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newID() string {
	return uuidString()
}
