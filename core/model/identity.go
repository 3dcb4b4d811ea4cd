package model

import "time"

// TypeName names a governed entity or relation type within a namespace. It is
// the unit the SchemaRegistry versions and the StorageEngine partitions
// history by — the graph-shaped analogue of the teacher's collection name.
type TypeName struct {
	Namespace string
	Name      string
	Kind      Kind
}

func (t TypeName) String() string {
	return t.Namespace + "/" + string(t.Kind) + "/" + t.Name
}

// Document is an untyped JSON-object payload, exactly as the teacher's
// core.Document: callers supply map[string]any, ontograph never reflects
// into Go structs.
type Document = map[string]any

// Commit is one entry in the append-only, linearly-ordered log that backs
// every namespace. Each entity/relation write batch and each migration
// produces exactly one Commit; registering or activating a schema version
// does not produce one.
type Commit struct {
	ID        string
	Namespace string
	ParentID  string // empty for the namespace's first commit
	Sequence  int64  // monotonic, gap-free within a namespace
	CreatedAt time.Time
	Kind      CommitKind
	Summary   string // short human label, e.g. "migrate Person to v3"
}

// CommitKind distinguishes what produced a Commit, used by diagnostics like
// commit_before_activation.
type CommitKind string

const (
	CommitKindData       CommitKind = "data"
	CommitKindActivation CommitKind = "activation"
	CommitKindMigration  CommitKind = "migration"
)

// EntityRow is one historical version of one entity's state, keyed by
// (Namespace, TypeName, EntityID, CommitID). Rows are never mutated or
// deleted in place; a new row with a later Commit supersedes the prior one.
type EntityRow struct {
	Namespace  string
	TypeName   string
	EntityID   string
	CommitID   string
	SchemaHash string // content hash of the SchemaVersion active at write time
	Data       Document
	Tombstone  bool // true marks this version as a deletion
}

// RelationRow is one historical version of one relation instance between two
// entity endpoints. Its identity is the tuple (Namespace, TypeName, LeftID,
// RightID, InstanceKey); RelationID is a derived, stable row key computed
// from that tuple (see session.applyIntent) so backends can index and
// partition "latest per identity" with a single string column rather than a
// four-part composite key. InstanceKey is "" for relation types that declare
// no instance-key field, and a non-empty, non-whitespace string otherwise
// (spec §3, §8 invariant 9).
type RelationRow struct {
	Namespace   string
	TypeName    string
	RelationID  string
	LeftType    string
	LeftID      string
	RightType   string
	RightID     string
	InstanceKey string
	CommitID    string
	SchemaHash  string
	Data        Document
	Tombstone   bool
}

// ActivationRecord ties a Commit to the SchemaVersion that became current
// for a TypeName as of that commit. Reads using the current-schema surface
// (spec §4.1 "current-schema reads") may only observe data committed at or
// after the relevant ActivationRecord's Commit.
type ActivationRecord struct {
	Namespace  string
	TypeName   string
	SchemaHash string
	CommitID   string
	ActivatedAt time.Time
}
