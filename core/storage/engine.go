// Package storage defines the repository contract every backend
// (storage/sqlitestore, storage/objectstore) implements: the append-only
// commit log, temporal reads over entity/relation history, schema
// registration plumbing and the single-row write lock. It plays the role of
// the teacher's core/persistence.DatabaseInteractor, generalized from a
// flat document table to namespaced, versioned entity/relation history.
package storage

import (
	"context"

	"github.com/ontograph/ontograph/core/filter"
	"github.com/ontograph/ontograph/core/model"
)

// Options configures a backend at open time, mirroring the teacher's
// InteractorOptions shape (IfNotExists/DropIfExists/TablePrefix) extended
// with the namespace a connection is scoped to.
type Options struct {
	Namespace    string
	IfNotExists  bool
	DropIfExists bool
	TablePrefix  string
}

// WriteBatch is the set of entity/relation mutations a single Commit makes
// atomic. Neither backend in this repository limits a batch's size, so
// Commit does not return model.ErrBatchSizeExceeded.
type WriteBatch struct {
	ParentCommit string
	Summary      string
	Kind         model.CommitKind
	Entities     []model.EntityRow
	Relations    []model.RelationRow
	Activations  []model.ActivationRecord
}

// TemporalView selects which slice of history a read observes.
type TemporalView struct {
	AsOfCommit  string // "": latest; otherwise read as of this commit (inclusive)
	WithHistory bool   // return every historical row, not just the latest per identity
	SinceCommit string // when set with WithHistory, only rows committed after this commit
	CurrentSchemaOnly bool // restrict to rows committed at/after the type's current ActivationRecord
}

// AggregateKind enumerates the aggregate functions the coordinator can push
// down to a backend capable of computing them in-storage.
type AggregateKind string

const (
	AggCount  AggregateKind = "count"
	AggSum    AggregateKind = "sum"
	AggAvg    AggregateKind = "avg"
	AggMin    AggregateKind = "min"
	AggMax    AggregateKind = "max"
	AggAvgLen AggregateKind = "avg_len"
)

// Aggregate requests one aggregate computation, optionally over groups.
type Aggregate struct {
	Kind    AggregateKind
	Field   string // ignored for AggCount
	GroupBy []string
	Having  *filter.Node
}

// AggregateRow is one group's computed aggregate values, keyed by the
// Aggregate.Kind string the caller requested (or the group key fields).
type AggregateRow struct {
	GroupKey map[string]any
	Values   map[string]float64
}

// Diagnostics surfaces backend-detectable anomalies, notably
// commit_before_activation: a commit writing rows under a SchemaHash that
// was not yet active for the TypeName at that commit's position in the log.
type Diagnostics struct {
	CommitBeforeActivation []string // commit IDs
}

// Engine is the full repository contract a storage backend satisfies.
type Engine interface {
	// Open prepares the backend for namespace use (creating tables/objects
	// as needed per Options), returning model.ErrUninitializedStorage if the
	// namespace has never been initialized and IfNotExists is false.
	Open(ctx context.Context, opts Options) error

	// AcquireLock attempts to take the namespace's single write lock for the
	// given holder and lease duration, returning model.ErrLockContention if
	// another holder's lease has not yet expired.
	AcquireLock(ctx context.Context, holderID string, lease int64) (model.WriteLock, error)
	RenewLock(ctx context.Context, holderID string, lease int64) (model.WriteLock, error)
	ReleaseLock(ctx context.Context, holderID string) error

	// Commit atomically appends batch as a new Commit, returning
	// model.ErrHeadMismatch if batch.ParentCommit does not match the
	// namespace's current head.
	Commit(ctx context.Context, batch WriteBatch) (model.Commit, error)
	Head(ctx context.Context) (model.Commit, error)
	CommitByID(ctx context.Context, id string) (model.Commit, error)
	ListCommits(ctx context.Context, limit int, before string) ([]model.Commit, error)

	// ReadEntities and ReadRelations apply pred (nil means "match all") over
	// the TemporalView of a single TypeName's history.
	ReadEntities(ctx context.Context, typeName string, pred *filter.Node, view TemporalView) ([]model.EntityRow, error)
	ReadRelations(ctx context.Context, typeName string, pred *filter.Node, view TemporalView) ([]model.RelationRow, error)

	// Aggregate computes agg over a TypeName's current rows.
	Aggregate(ctx context.Context, typeName string, pred *filter.Node, agg Aggregate, view TemporalView) ([]AggregateRow, error)

	// RegisterSchemaVersion persists a new content-addressed SchemaVersion;
	// ActivateSchema records an ActivationRecord tying a Commit to it.
	RegisterSchemaVersion(ctx context.Context, v model.SchemaVersion) error
	ActivateSchema(ctx context.Context, rec model.ActivationRecord) error
	SchemaVersions(ctx context.Context, typeName string) ([]model.SchemaVersion, error)
	CurrentActivation(ctx context.Context, typeName string) (model.ActivationRecord, error)
	DropSchemaVersion(ctx context.Context, typeName, hash string) error

	Diagnose(ctx context.Context) (Diagnostics, error)

	Close(ctx context.Context) error
}
