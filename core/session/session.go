// Package session implements the runtime session: typed intents are
// accumulated and committed atomically (optionally paired with a durable
// event), and a handler execution loop claims and processes events with a
// HandlerContext offering ensure/commit/emit. It generalizes the teacher's
// core/persistence.Persistence + Collection orchestration (one schema, one
// table) into a namespace-wide session holding the write lock across many
// types, per spec §4.5.
package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ontograph/ontograph/core/eventstore"
	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/observability"
	"github.com/ontograph/ontograph/core/registry"
	"github.com/ontograph/ontograph/core/storage"
	"github.com/ontograph/ontograph/internal/canonical"
)

// IntentKind discriminates the mutations a Session can accumulate before
// committing, mirroring the teacher's Create/Update/Delete trio
// (core/persistence/collection.go) generalized to entities and relations.
type IntentKind string

const (
	IntentCreateEntity   IntentKind = "create_entity"
	IntentUpdateEntity   IntentKind = "update_entity"
	IntentDeleteEntity   IntentKind = "delete_entity"
	IntentCreateRelation IntentKind = "create_relation"
	IntentDeleteRelation IntentKind = "delete_relation"
)

// Intent is one pending mutation queued on a Session before Commit.
type Intent struct {
	Kind       IntentKind
	TypeName   string
	EntityID   string
	RelationID string
	LeftType   string
	LeftID     string
	RightType  string
	RightID    string
	InstanceKey string
	Data       model.Document
}

// Config bounds the cycle-guard limits spec §5 names: how deep a chain of
// handler-triggered commits may recurse, and how many events one
// RunHandlerLoop call may ack before it returns (checked between claim
// rounds, so a round already started finishes first).
type Config struct {
	CommitChainDepth int
	EventLoopLimit   int
	LeaseSeconds     int64
}

func DefaultConfig() Config {
	return Config{CommitChainDepth: 16, EventLoopLimit: 1000, LeaseSeconds: 30}
}

// Session is one runtime session holding the namespace's write lock,
// accumulating Intents and running the handler execution loop.
type Session struct {
	ID        string
	Namespace string
	storage   storage.Engine
	registry  *registry.Registry
	events    *eventstore.Store
	bus       *observability.Bus
	logger    *zap.Logger
	cfg       Config

	intents []Intent
	depth    int
}

// New opens a Session, acquiring the namespace write lock for holderID.
func New(ctx context.Context, id, namespace string, st storage.Engine, reg *registry.Registry, ev *eventstore.Store, bus *observability.Bus, logger *zap.Logger, cfg Config) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LeaseSeconds <= 0 {
		cfg = DefaultConfig()
	}
	if _, err := st.AcquireLock(ctx, id, cfg.LeaseSeconds); err != nil {
		return nil, err
	}
	return &Session{ID: id, Namespace: namespace, storage: st, registry: reg, events: ev, bus: bus, logger: logger, cfg: cfg}, nil
}

// Close releases the write lock.
func (s *Session) Close(ctx context.Context) error {
	return s.storage.ReleaseLock(ctx, s.ID)
}

// Heartbeat renews the write lock's lease, to be called periodically by a
// caller's keepalive goroutine (core/migration and the handler loop both
// need this — see RunHandlerLoop).
func (s *Session) Heartbeat(ctx context.Context) error {
	_, err := s.storage.RenewLock(ctx, s.ID, s.cfg.LeaseSeconds)
	return err
}

// Stage appends an Intent to the session's pending batch without writing
// anything yet.
func (s *Session) Stage(intent Intent) {
	s.intents = append(s.intents, intent)
}

// Commit writes every staged Intent as one Commit, tagging each row with its
// TypeName's current schema hash, and clears the pending batch. With no
// staged intents and no topic it writes nothing and returns a zero Commit.
// If topic is non-empty, a durable Event referencing the resulting Commit is
// enqueued after Engine.Commit returns, in the event store's own database:
// the two writes are not one transaction, so a failure between them leaves
// the commit without its event, and the enqueue error is returned together
// with the commit.
func (s *Session) Commit(ctx context.Context, summary string, topic string, eventPayload model.Document) (model.Commit, error) {
	if s.depth >= s.cfg.CommitChainDepth {
		return model.Commit{}, model.NewError(model.ErrCommitChainDepth, "commit chain depth exceeded", nil,
			map[string]any{"depth": s.depth, "limit": s.cfg.CommitChainDepth})
	}
	if len(s.intents) == 0 && topic == "" {
		return model.Commit{}, nil
	}
	pending := s.intents
	s.intents = nil // snapshot-and-clear per spec §4.5 step 1, regardless of how commit resolves

	head, err := s.storage.Head(ctx)
	headID := ""
	if err == nil {
		headID = head.ID
	} else if !model.IsCode(err, model.ErrUninitializedStorage) {
		return model.Commit{}, err
	}

	batch := storage.WriteBatch{ParentCommit: headID, Kind: model.CommitKindData, Summary: summary}
	for _, intent := range pending {
		if err := s.applyIntent(ctx, &batch, intent); err != nil {
			return model.Commit{}, err
		}
	}

	// spec §4.5 step 8 / §8 invariant 5: a commit whose delta is empty (every
	// intent was a no-op against the latest row) and that carries no event
	// produces no new Commit at all, not an empty one.
	if len(batch.Entities) == 0 && len(batch.Relations) == 0 && topic == "" {
		return model.Commit{}, nil
	}

	commit, err := observability.Around(s.bus, "session.commit", s.Namespace, "", summary, func() (model.Commit, error) {
		return s.storage.Commit(ctx, batch)
	})
	if err != nil {
		return model.Commit{}, err
	}

	if topic != "" {
		if _, err := s.events.Enqueue(ctx, topic, eventPayload, commit.ID, 5); err != nil {
			return commit, fmt.Errorf("session: commit succeeded but event enqueue failed: %w", err)
		}
	}
	return commit, nil
}

func (s *Session) applyIntent(ctx context.Context, batch *storage.WriteBatch, intent Intent) error {
	switch intent.Kind {
	case IntentCreateEntity, IntentUpdateEntity:
		current, err := s.registry.Current(ctx, intent.TypeName)
		if err != nil {
			return err
		}
		noop, err := s.entityIsNoop(ctx, intent.TypeName, intent.EntityID, intent.Data)
		if err != nil {
			return err
		}
		if noop {
			return nil
		}
		batch.Entities = append(batch.Entities, model.EntityRow{
			TypeName: intent.TypeName, EntityID: intent.EntityID, SchemaHash: current.Hash, Data: intent.Data,
		})
	case IntentDeleteEntity:
		current, err := s.registry.Current(ctx, intent.TypeName)
		if err != nil {
			return err
		}
		batch.Entities = append(batch.Entities, model.EntityRow{
			TypeName: intent.TypeName, EntityID: intent.EntityID, SchemaHash: current.Hash, Tombstone: true,
		})
	case IntentCreateRelation:
		current, err := s.registry.Current(ctx, intent.TypeName)
		if err != nil {
			return err
		}
		instanceKey, err := validateInstanceKey(current.Schema, intent.InstanceKey)
		if err != nil {
			return err
		}
		relationID := intent.RelationID
		if relationID == "" {
			relationID = relationIdentity(intent.LeftID, intent.RightID, instanceKey)
		}
		noop, err := s.relationIsNoop(ctx, intent.TypeName, relationID, intent.Data)
		if err != nil {
			return err
		}
		if noop {
			return nil
		}
		batch.Relations = append(batch.Relations, model.RelationRow{
			TypeName: intent.TypeName, RelationID: relationID,
			LeftType: intent.LeftType, LeftID: intent.LeftID, RightType: intent.RightType, RightID: intent.RightID,
			InstanceKey: instanceKey, SchemaHash: current.Hash, Data: intent.Data,
		})
	case IntentDeleteRelation:
		current, err := s.registry.Current(ctx, intent.TypeName)
		if err != nil {
			return err
		}
		instanceKey, err := validateInstanceKey(current.Schema, intent.InstanceKey)
		if err != nil {
			return err
		}
		relationID := intent.RelationID
		if relationID == "" {
			relationID = relationIdentity(intent.LeftID, intent.RightID, instanceKey)
		}
		batch.Relations = append(batch.Relations, model.RelationRow{
			TypeName: intent.TypeName, RelationID: relationID, InstanceKey: instanceKey, SchemaHash: current.Hash, Tombstone: true,
		})
	default:
		return fmt.Errorf("session: unknown intent kind %q", intent.Kind)
	}
	return nil
}

// entityIsNoop reports whether data is byte-identical (via canonical JSON,
// so key order and numeric representation differences don't cause a false
// mismatch) to the current latest row for (typeName, entityID) — spec §8
// invariant 5: ensure(X) only produces a new row when X's payload differs
// from get_latest_entity(X.identity).fields.
func (s *Session) entityIsNoop(ctx context.Context, typeName, entityID string, data model.Document) (bool, error) {
	rows, err := s.storage.ReadEntities(ctx, typeName, nil, storage.TemporalView{})
	if err != nil {
		if model.IsCode(err, model.ErrUninitializedStorage) {
			return false, nil
		}
		return false, err
	}
	for _, row := range rows {
		if row.EntityID != entityID || row.Tombstone {
			continue
		}
		return documentsEqual(row.Data, data)
	}
	return false, nil
}

// relationIsNoop is entityIsNoop's counterpart for relation identities.
func (s *Session) relationIsNoop(ctx context.Context, typeName, relationID string, data model.Document) (bool, error) {
	rows, err := s.storage.ReadRelations(ctx, typeName, nil, storage.TemporalView{})
	if err != nil {
		if model.IsCode(err, model.ErrUninitializedStorage) {
			return false, nil
		}
		return false, err
	}
	for _, row := range rows {
		if row.RelationID != relationID || row.Tombstone {
			continue
		}
		return documentsEqual(row.Data, data)
	}
	return false, nil
}

func documentsEqual(a, b model.Document) (bool, error) {
	aj, err := canonical.JSON(a)
	if err != nil {
		return false, err
	}
	bj, err := canonical.JSON(b)
	if err != nil {
		return false, err
	}
	return string(aj) == string(bj), nil
}

// relationIdentity derives a stable RelationID from the real identity tuple
// (left, right, instance key), so two intents for the same edge collapse to
// the same row identity even if callers never pass an explicit RelationID.
// "\x1f" (unit separator) cannot appear in a well-formed key, so the
// concatenation is injective over the tuple.
func relationIdentity(leftID, rightID, instanceKey string) string {
	return leftID + "\x1f" + rightID + "\x1f" + instanceKey
}

// validateInstanceKey enforces spec §8 invariant 9: a relation type that
// declares an instance-key field rejects an empty or whitespace-only key at
// construction, and a type that declares none always uses "".
func validateInstanceKey(schema model.Schema, key string) (string, error) {
	if schema.InstanceKeyField == nil {
		return "", nil
	}
	if strings.TrimSpace(key) == "" {
		return "", model.NewError(model.ErrInvalidInstanceKey,
			fmt.Sprintf("relation type %q declares instance key field %q; value must not be empty or whitespace", schema.TypeName, *schema.InstanceKeyField),
			nil, nil)
	}
	return key, nil
}
