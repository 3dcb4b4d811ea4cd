// Package registry implements the SchemaRegistry: content-addressed schema
// versions per TypeName, activation tracking and drop/purge, sitting atop a
// storage.Engine. It generalizes the teacher's per-collection
// SchemaDefinition storage (core/schema/definition.go,
// core/persistence.schemaCollection) into a versioned, multi-type registry.
package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/storage"
)

// Registry is the schema-version authority for one namespace.
type Registry struct {
	engine storage.Engine
	logger *zap.Logger
}

// New returns a Registry bound to engine.
func New(engine storage.Engine, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{engine: engine, logger: logger}
}

// Register computes schema's content hash and persists it as the next
// sequence for typeName if not already present, returning the resulting
// SchemaVersion. Registering an already-known schema is idempotent and
// returns the existing version rather than erroring, since schema drift
// detection (spec §4.2) depends on being able to re-register a schema a
// caller already has without ceremony.
func (r *Registry) Register(ctx context.Context, typeName string, schema model.Schema) (model.SchemaVersion, error) {
	hash, err := schema.Hash()
	if err != nil {
		return model.SchemaVersion{}, model.NewError(model.ErrSchemaOutdated, "failed to hash schema", err, nil)
	}
	existing, err := r.engine.SchemaVersions(ctx, typeName)
	if err != nil {
		return model.SchemaVersion{}, err
	}
	for _, v := range existing {
		if v.Hash == hash {
			return v, nil
		}
	}
	v := model.SchemaVersion{TypeName: typeName, Hash: hash, Schema: schema, Sequence: int64(len(existing)) + 1}
	if err := r.engine.RegisterSchemaVersion(ctx, v); err != nil {
		return model.SchemaVersion{}, err
	}
	r.logger.Info("registered schema version", zap.String("type", typeName), zap.String("hash", hash), zap.Int64("sequence", v.Sequence))
	return v, nil
}

// Activate ties commitID to schemaHash as the current version of typeName.
// The activation Commit must already exist in the log; activation does not
// itself create a commit (callers pair it with a session-level commit).
func (r *Registry) Activate(ctx context.Context, typeName, schemaHash, commitID string) error {
	rec := model.ActivationRecord{TypeName: typeName, SchemaHash: schemaHash, CommitID: commitID, ActivatedAt: time.Now().UTC()}
	if err := r.engine.ActivateSchema(ctx, rec); err != nil {
		return err
	}
	r.logger.Info("activated schema version", zap.String("type", typeName), zap.String("hash", schemaHash), zap.String("commit", commitID))
	return nil
}

// Current returns the SchemaVersion currently active for typeName.
func (r *Registry) Current(ctx context.Context, typeName string) (model.SchemaVersion, error) {
	rec, err := r.engine.CurrentActivation(ctx, typeName)
	if err != nil {
		return model.SchemaVersion{}, err
	}
	versions, err := r.engine.SchemaVersions(ctx, typeName)
	if err != nil {
		return model.SchemaVersion{}, err
	}
	for _, v := range versions {
		if v.Hash == rec.SchemaHash {
			return v, nil
		}
	}
	return model.SchemaVersion{}, model.NewError(model.ErrSchemaOutdated, "active schema hash has no registered version", nil,
		map[string]any{"type": typeName, "hash": rec.SchemaHash})
}

// History returns every registered SchemaVersion for typeName, including
// dropped ones, in registration order.
func (r *Registry) History(ctx context.Context, typeName string) ([]model.SchemaVersion, error) {
	return r.engine.SchemaVersions(ctx, typeName)
}

// ByHash returns the registered SchemaVersion of typeName whose content hash
// is hash, used by the migration engine to resolve a Plan's FromHash/ToHash
// into the Schema values needed to compute a TypeSchemaDiff.
func (r *Registry) ByHash(ctx context.Context, typeName, hash string) (model.SchemaVersion, error) {
	versions, err := r.engine.SchemaVersions(ctx, typeName)
	if err != nil {
		return model.SchemaVersion{}, err
	}
	for _, v := range versions {
		if v.Hash == hash {
			return v, nil
		}
	}
	return model.SchemaVersion{}, model.NewError(model.ErrSchemaOutdated, "no registered schema version with that hash", nil,
		map[string]any{"type": typeName, "hash": hash})
}

// Drop soft-deletes a SchemaVersion: it remains readable for historical
// queries (spec §4.2 "dropped-set tracking") but is excluded from History's
// active listing by callers that filter on Dropped.
func (r *Registry) Drop(ctx context.Context, typeName, hash string) error {
	current, err := r.Current(ctx, typeName)
	if err == nil && current.Hash == hash {
		return model.NewError(model.ErrSchemaOutdated, "cannot drop the currently active schema version", nil,
			map[string]any{"type": typeName, "hash": hash})
	}
	if _, err := r.ByHash(ctx, typeName, hash); err != nil {
		return err
	}
	if err := r.engine.DropSchemaVersion(ctx, typeName, hash); err != nil {
		return err
	}
	r.logger.Info("dropped schema version", zap.String("type", typeName), zap.String("hash", hash))
	return nil
}

// DetectDrift reports whether schema, if registered now, would hash
// differently from typeName's currently active version — i.e. a caller is
// about to write against a schema the registry doesn't yet know about.
func (r *Registry) DetectDrift(ctx context.Context, typeName string, schema model.Schema) (bool, string, error) {
	hash, err := schema.Hash()
	if err != nil {
		return false, "", err
	}
	current, err := r.Current(ctx, typeName)
	if err != nil {
		if model.IsCode(err, model.ErrUninitializedStorage) {
			return true, hash, nil
		}
		return false, "", err
	}
	return current.Hash != hash, hash, nil
}
