// Package migration implements the two-phase schema migration engine: diff
// computation against a SchemaMigrationHelper-style builder, a deterministic
// preview token, and chained per-version upgraders applied to existing
// entity/relation data. It generalizes the teacher's
// core/schema.SchemaMigrationHelper (a single forward/rollback change list)
// into a multi-step upgrade chain plus the preview/apply split the spec adds.
package migration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/registry"
	"github.com/ontograph/ontograph/core/storage"
	"github.com/ontograph/ontograph/internal/canonical"
)

// Upgrader transforms one entity or relation's Document from the schema
// version it was written under to the next version in the chain. Returning
// a nil Document (with nil error) deletes the row.
type Upgrader func(doc model.Document) (model.Document, error)

// Plan is a named, ordered sequence of per-version Upgraders taking a
// TypeName's data from FromHash to ToHash. Kind selects which of the two
// append-only history tables (spec §4.1) the plan rewrites; the zero value
// defaults to model.KindEntity so existing entity-only callers are
// unaffected.
type Plan struct {
	TypeName    string
	Kind        model.Kind
	FromHash    string
	ToHash      string
	Description string
	Steps       []Upgrader
}

func (p Plan) kind() model.Kind {
	if p.Kind == "" {
		return model.KindEntity
	}
	return p.Kind
}

// FieldDiff reports one changed field between two Schema versions: present
// in Old and New when the field survived but its declaration changed, Old
// only when dropped, New only when added.
type FieldDiff struct {
	Name string
	Old  *model.FieldDefinition
	New  *model.FieldDefinition
}

// TypeSchemaDiff reports the field-level and instance-key-level shape
// change FromHash -> ToHash for one TypeName, computed by diffing the two
// registered Schemas rather than trusting the caller's Upgrader list to
// describe itself.
type TypeSchemaDiff struct {
	TypeName            string
	Kind                model.Kind
	FromHash            string
	ToHash              string
	AddedFields         []string
	RemovedFields       []string
	ChangedFields       []FieldDiff
	InstanceKeyChanged  bool
	OldInstanceKeyField string
	NewInstanceKeyField string
}

// HasChanges reports whether d describes any actual shape change, the
// `has_changes` flag a caller uses to short-circuit a no-op migration.
func (d TypeSchemaDiff) HasChanges() bool {
	return len(d.AddedFields) > 0 || len(d.RemovedFields) > 0 || len(d.ChangedFields) > 0 || d.InstanceKeyChanged
}

// Diff computes the TypeSchemaDiff between two registered Schema versions of
// the same TypeName. Field order never matters: only name, type,
// required-ness, enum values and ref type are compared.
func Diff(typeName, fromHash, toHash string, from, to model.Schema) TypeSchemaDiff {
	d := TypeSchemaDiff{TypeName: typeName, Kind: to.Kind, FromHash: fromHash, ToHash: toHash}

	byName := func(fields []model.FieldDefinition) map[string]model.FieldDefinition {
		m := make(map[string]model.FieldDefinition, len(fields))
		for _, f := range fields {
			m[f.Name] = f
		}
		return m
	}
	oldFields, newFields := byName(from.Fields), byName(to.Fields)

	for name, nf := range newFields {
		of, existed := oldFields[name]
		if !existed {
			d.AddedFields = append(d.AddedFields, name)
			continue
		}
		if !fieldsEqual(of, nf) {
			oCopy, nCopy := of, nf
			d.ChangedFields = append(d.ChangedFields, FieldDiff{Name: name, Old: &oCopy, New: &nCopy})
		}
	}
	for name := range oldFields {
		if _, stillPresent := newFields[name]; !stillPresent {
			d.RemovedFields = append(d.RemovedFields, name)
		}
	}

	oldKey, newKey := "", ""
	if from.InstanceKeyField != nil {
		oldKey = *from.InstanceKeyField
	}
	if to.InstanceKeyField != nil {
		newKey = *to.InstanceKeyField
	}
	d.OldInstanceKeyField, d.NewInstanceKeyField = oldKey, newKey
	d.InstanceKeyChanged = oldKey != newKey

	return d
}

func fieldsEqual(a, b model.FieldDefinition) bool {
	if a.Type != b.Type || a.Required != b.Required || a.RefType != b.RefType {
		return false
	}
	if len(a.EnumVals) != len(b.EnumVals) {
		return false
	}
	for i := range a.EnumVals {
		if a.EnumVals[i] != b.EnumVals[i] {
			return false
		}
	}
	return true
}

// PreviewResult is returned by Preview: the deterministic Token a caller
// must echo back to Apply, a has_changes-capable shape Diff, and a sample
// of the transformed rows so a caller can sanity check before committing.
type PreviewResult struct {
	Token      string
	TypeName   string
	FromHash   string
	ToHash     string
	Diff       TypeSchemaDiff
	RowCount   int
	SampleRows []model.Document
}

// Engine runs migration Plans against a namespace's storage.Engine, using
// Registry to resolve and activate schema versions.
type Engine struct {
	storage   storage.Engine
	registry  *registry.Registry
	logger    *zap.Logger
	holderID  string // write-lock owner identity for ApplyBatch, one per Engine instance
	leaseSecs int64
}

func New(st storage.Engine, reg *registry.Registry, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{storage: st, registry: reg, logger: logger, holderID: uuid.NewString(), leaseSecs: 30}
}

// planHash returns a content hash of the plan's identity (type, endpoints,
// description, step count) — not the Upgrader closures themselves, which
// aren't serializable, but everything a caller can independently verify
// matches the plan they requested a preview for.
func planHash(p Plan) (string, error) {
	return canonical.Hash(struct {
		TypeName    string
		Kind        string
		FromHash    string
		ToHash      string
		Description string
		Steps       int
	}{p.TypeName, string(p.kind()), p.FromHash, p.ToHash, p.Description, len(p.Steps)})
}

// Token computes the deterministic preview token spec §4.3 specifies:
// base64url(sha256(plan_hash || ":" || head_commit_id)).
func Token(p Plan, headCommitID string) (string, error) {
	ph, err := planHash(p)
	if err != nil {
		return "", err
	}
	return canonical.Token(ph, headCommitID), nil
}

const maxSampleRows = 10

// Preview runs plan's Upgraders over every current row of TypeName without
// writing anything, returning a token that commits to both the plan's
// identity and the namespace's head at preview time. Apply rejects a token
// computed against a stale head, forcing a fresh Preview after concurrent
// writes (spec §4.3 two-phase guarantee).
func (e *Engine) Preview(ctx context.Context, plan Plan) (PreviewResult, error) {
	head, err := e.storage.Head(ctx)
	headID := ""
	if err == nil {
		headID = head.ID
	} else if !model.IsCode(err, model.ErrUninitializedStorage) {
		return PreviewResult{}, err
	}

	token, err := Token(plan, headID)
	if err != nil {
		return PreviewResult{}, model.NewError(model.ErrMigrationToken, "failed to compute preview token", err, nil)
	}

	result := PreviewResult{Token: token, TypeName: plan.TypeName, FromHash: plan.FromHash, ToHash: plan.ToHash}

	if plan.FromHash != "" && plan.ToHash != "" {
		fromVer, err := e.registry.ByHash(ctx, plan.TypeName, plan.FromHash)
		if err != nil {
			return PreviewResult{}, err
		}
		toVer, err := e.registry.ByHash(ctx, plan.TypeName, plan.ToHash)
		if err != nil {
			return PreviewResult{}, err
		}
		result.Diff = Diff(plan.TypeName, plan.FromHash, plan.ToHash, fromVer.Schema, toVer.Schema)
	}

	if plan.kind() == model.KindRelation {
		rows, err := e.storage.ReadRelations(ctx, plan.TypeName, nil, storage.TemporalView{})
		if err != nil {
			return PreviewResult{}, err
		}
		result.RowCount = len(rows)
		for _, row := range rows {
			doc := row.Data
			for i, step := range plan.Steps {
				doc, err = step(doc)
				if err != nil {
					return PreviewResult{}, model.NewError(model.ErrMigrationFailed, fmt.Sprintf("upgrader step %d failed for relation %q", i, row.RelationID), err, nil)
				}
				if doc == nil {
					break
				}
			}
			if len(result.SampleRows) < maxSampleRows && doc != nil {
				result.SampleRows = append(result.SampleRows, doc)
			}
		}
		return result, nil
	}

	rows, err := e.storage.ReadEntities(ctx, plan.TypeName, nil, storage.TemporalView{})
	if err != nil {
		return PreviewResult{}, err
	}

	result.RowCount = len(rows)
	for _, row := range rows {
		doc := row.Data
		for i, step := range plan.Steps {
			doc, err = step(doc)
			if err != nil {
				return PreviewResult{}, model.NewError(model.ErrMigrationFailed, fmt.Sprintf("upgrader step %d failed for entity %q", i, row.EntityID), err, nil)
			}
			if doc == nil {
				break
			}
		}
		if len(result.SampleRows) < maxSampleRows && doc != nil {
			result.SampleRows = append(result.SampleRows, doc)
		}
	}
	return result, nil
}

// Apply re-runs plan's Upgraders and, if token matches a fresh Preview
// computed against the current head, writes the transformed rows as one
// Commit and activates ToHash for TypeName. A mismatched token means the
// namespace advanced since Preview and returns model.ErrMigrationToken so
// the caller re-previews.
func (e *Engine) Apply(ctx context.Context, plan Plan, token string) (model.Commit, error) {
	fresh, err := e.Preview(ctx, plan)
	if err != nil {
		return model.Commit{}, err
	}
	if fresh.Token != token {
		return model.Commit{}, model.NewError(model.ErrMigrationToken, "preview token is stale; namespace head advanced since preview", nil,
			map[string]any{"expected": fresh.Token, "got": token})
	}

	head, err := e.storage.Head(ctx)
	headID := ""
	if err == nil {
		headID = head.ID
	} else if !model.IsCode(err, model.ErrUninitializedStorage) {
		return model.Commit{}, err
	}

	batch := storage.WriteBatch{ParentCommit: headID, Kind: model.CommitKindMigration, Summary: plan.Description}

	if plan.kind() == model.KindRelation {
		rows, err := e.storage.ReadRelations(ctx, plan.TypeName, nil, storage.TemporalView{})
		if err != nil {
			return model.Commit{}, err
		}
		for _, row := range rows {
			doc := row.Data
			for _, step := range plan.Steps {
				doc, err = step(doc)
				if err != nil {
					return model.Commit{}, model.NewError(model.ErrMigrationFailed, "upgrader failed during apply", err, nil)
				}
				if doc == nil {
					break
				}
			}
			batch.Relations = append(batch.Relations, model.RelationRow{
				TypeName: plan.TypeName, RelationID: row.RelationID, LeftType: row.LeftType, LeftID: row.LeftID,
				RightType: row.RightType, RightID: row.RightID, InstanceKey: row.InstanceKey,
				SchemaHash: plan.ToHash, Data: doc, Tombstone: doc == nil,
			})
		}
	} else {
		rows, err := e.storage.ReadEntities(ctx, plan.TypeName, nil, storage.TemporalView{})
		if err != nil {
			return model.Commit{}, err
		}
		for _, row := range rows {
			doc := row.Data
			for _, step := range plan.Steps {
				doc, err = step(doc)
				if err != nil {
					return model.Commit{}, model.NewError(model.ErrMigrationFailed, "upgrader failed during apply", err, nil)
				}
				if doc == nil {
					break
				}
			}
			batch.Entities = append(batch.Entities, model.EntityRow{
				TypeName: plan.TypeName, EntityID: row.EntityID, SchemaHash: plan.ToHash, Data: doc, Tombstone: doc == nil,
			})
		}
	}

	c, err := e.storage.Commit(ctx, batch)
	if err != nil {
		return model.Commit{}, err
	}
	if err := e.registry.Activate(ctx, plan.TypeName, plan.ToHash, c.ID); err != nil {
		return model.Commit{}, err
	}
	e.logger.Info("applied migration", zap.String("type", plan.TypeName), zap.String("to_hash", plan.ToHash), zap.String("commit", c.ID))
	return c, nil
}

// WithLeaseSeconds overrides the write-lock lease ApplyBatch holds (and
// renews at one-third of, per spec §4.3's apply algorithm); the default is
// 30s, matching session.DefaultConfig's LeaseSeconds.
func (e *Engine) WithLeaseSeconds(seconds int64) *Engine {
	e.leaseSecs = seconds
	return e
}

// BatchPlan groups the per-TypeName Plans that must be diffed, tokenized and
// applied together as spec §4.3's `migrate()` contract requires: "for each
// touched TypeName in dependency-insensitive order," under one write-lock
// hold and one migration Commit. A single-type migration is simply a
// BatchPlan with one Plan; Preview/Apply above remain as the single-type
// primitives PreviewBatch/ApplyBatch compose.
type BatchPlan struct {
	Plans []Plan
}

// BatchPreviewResult mirrors spec §4.3's MigrationPreview exactly:
// has_changes, a single deterministic token covering every touched
// TypeName's diff, the full diff list, and the row-count-driven partition
// into schema-only types (zero rows, version bump only) vs. types that
// require upgraders, plus any TypeName whose diff has changes but was given
// no upgrader steps.
type BatchPreviewResult struct {
	Token                   string
	HasChanges              bool
	Diffs                   []TypeSchemaDiff
	EstimatedRows           map[string]int
	TypesSchemaOnly         []string
	TypesRequiringUpgraders []string
	MissingUpgraders        []string
}

// batchPlanHash hashes the canonical JSON of diffs sorted by TypeName, so
// the same set of touched types always yields the same plan_hash regardless
// of the order plans were supplied in, per spec §4.3's "Token" definition.
func batchPlanHash(diffs []TypeSchemaDiff) (string, error) {
	sorted := make([]TypeSchemaDiff, len(diffs))
	copy(sorted, diffs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TypeName < sorted[j].TypeName })
	return canonical.Hash(sorted)
}

// previewOne computes the schema diff and current row count for a single
// Plan, used by PreviewBatch.
func (e *Engine) previewOne(ctx context.Context, plan Plan) (diff TypeSchemaDiff, rowCount int, err error) {
	if plan.FromHash != "" && plan.ToHash != "" {
		fromVer, err := e.registry.ByHash(ctx, plan.TypeName, plan.FromHash)
		if err != nil {
			return TypeSchemaDiff{}, 0, err
		}
		toVer, err := e.registry.ByHash(ctx, plan.TypeName, plan.ToHash)
		if err != nil {
			return TypeSchemaDiff{}, 0, err
		}
		diff = Diff(plan.TypeName, plan.FromHash, plan.ToHash, fromVer.Schema, toVer.Schema)
	}

	if plan.kind() == model.KindRelation {
		rows, err := e.storage.ReadRelations(ctx, plan.TypeName, nil, storage.TemporalView{})
		if err != nil {
			return TypeSchemaDiff{}, 0, err
		}
		return diff, len(rows), nil
	}
	rows, err := e.storage.ReadEntities(ctx, plan.TypeName, nil, storage.TemporalView{})
	if err != nil {
		return TypeSchemaDiff{}, 0, err
	}
	return diff, len(rows), nil
}

// PreviewBatch computes a MigrationPreview across every Plan in bp in one
// step: recomputes each Plan's diff and row count against the namespace's
// current head, classifies each touched TypeName as schema-only (zero rows)
// or upgrader-requiring, flags any upgrader-requiring type with no supplied
// Steps, and returns one token binding the whole set plus the head commit
// (spec §4.3 "Token").
func (e *Engine) PreviewBatch(ctx context.Context, bp BatchPlan) (BatchPreviewResult, error) {
	head, err := e.storage.Head(ctx)
	headID := ""
	if err == nil {
		headID = head.ID
	} else if !model.IsCode(err, model.ErrUninitializedStorage) {
		return BatchPreviewResult{}, err
	}

	result := BatchPreviewResult{EstimatedRows: map[string]int{}}
	for _, plan := range bp.Plans {
		diff, rowCount, err := e.previewOne(ctx, plan)
		if err != nil {
			return BatchPreviewResult{}, err
		}
		result.Diffs = append(result.Diffs, diff)
		result.EstimatedRows[plan.TypeName] = rowCount
		if diff.HasChanges() {
			result.HasChanges = true
		}
		switch {
		case rowCount == 0:
			result.TypesSchemaOnly = append(result.TypesSchemaOnly, plan.TypeName)
		case diff.HasChanges() && len(plan.Steps) == 0:
			result.MissingUpgraders = append(result.MissingUpgraders, plan.TypeName)
			result.TypesRequiringUpgraders = append(result.TypesRequiringUpgraders, plan.TypeName)
		case diff.HasChanges():
			result.TypesRequiringUpgraders = append(result.TypesRequiringUpgraders, plan.TypeName)
		}
	}

	planHash, err := batchPlanHash(result.Diffs)
	if err != nil {
		return BatchPreviewResult{}, model.NewError(model.ErrMigrationToken, "failed to compute batch preview token", err, nil)
	}
	result.Token = canonical.Token(planHash, headID)
	return result, nil
}

// ApplyBatch applies every Plan in bp as one migration Commit, under one
// hold of the namespace's write lock, per spec §4.3's apply algorithm:
//  1. Recompute diffs/token/head.
//  2. Reject a stale token unless force is set.
//  3. Reject a non-empty MissingUpgraders set.
//  4. Begin the batch: acquire the write lock, start a lease-keepalive
//     goroutine renewing at one-third of the lease interval, allocate one
//     migration Commit touching every Plan's rows in dependency-insensitive
//     (slice) order, activate each TypeName's ToHash at that Commit, then
//     release the lock.
func (e *Engine) ApplyBatch(ctx context.Context, bp BatchPlan, token string, force bool) (model.Commit, error) {
	fresh, err := e.PreviewBatch(ctx, bp)
	if err != nil {
		return model.Commit{}, err
	}
	if !force && fresh.Token != token {
		return model.Commit{}, model.NewError(model.ErrMigrationToken, "preview token is stale; namespace head advanced since preview", nil,
			map[string]any{"expected": fresh.Token, "got": token})
	}
	if len(fresh.MissingUpgraders) > 0 {
		return model.Commit{}, model.NewError(model.ErrMissingUpgrader, "one or more touched types have schema changes but no supplied upgrader", nil,
			map[string]any{"types": fresh.MissingUpgraders})
	}

	if _, err := e.storage.AcquireLock(ctx, e.holderID, e.leaseSecs); err != nil {
		return model.Commit{}, err
	}
	stopKeepalive := e.startLeaseKeepalive(ctx)
	defer func() {
		stopKeepalive()
		if err := e.storage.ReleaseLock(ctx, e.holderID); err != nil {
			e.logger.Error("failed to release migration write lock", zap.Error(err))
		}
	}()

	head, err := e.storage.Head(ctx)
	headID := ""
	if err == nil {
		headID = head.ID
	} else if !model.IsCode(err, model.ErrUninitializedStorage) {
		return model.Commit{}, err
	}

	batch := storage.WriteBatch{ParentCommit: headID, Kind: model.CommitKindMigration}
	for _, plan := range bp.Plans {
		if err := e.stageApply(ctx, plan, &batch); err != nil {
			return model.Commit{}, err
		}
	}

	c, err := e.storage.Commit(ctx, batch)
	if err != nil {
		return model.Commit{}, err
	}
	for _, plan := range bp.Plans {
		if err := e.registry.Activate(ctx, plan.TypeName, plan.ToHash, c.ID); err != nil {
			return model.Commit{}, err
		}
	}
	e.logger.Info("applied batch migration", zap.Int("types", len(bp.Plans)), zap.String("commit", c.ID))
	return c, nil
}

// stageApply runs plan's Upgraders over its current rows and appends the
// rewritten rows to batch, used by ApplyBatch for each of its plans.
func (e *Engine) stageApply(ctx context.Context, plan Plan, batch *storage.WriteBatch) error {
	if plan.kind() == model.KindRelation {
		rows, err := e.storage.ReadRelations(ctx, plan.TypeName, nil, storage.TemporalView{})
		if err != nil {
			return err
		}
		for _, row := range rows {
			doc := row.Data
			for _, step := range plan.Steps {
				doc, err = step(doc)
				if err != nil {
					return model.NewError(model.ErrMigrationFailed, "upgrader failed during apply", err,
						map[string]any{"type": plan.TypeName, "relation_id": row.RelationID, "pre_migration_payload": row.Data})
				}
				if doc == nil {
					break
				}
			}
			batch.Relations = append(batch.Relations, model.RelationRow{
				TypeName: plan.TypeName, RelationID: row.RelationID, LeftType: row.LeftType, LeftID: row.LeftID,
				RightType: row.RightType, RightID: row.RightID, InstanceKey: row.InstanceKey,
				SchemaHash: plan.ToHash, Data: doc, Tombstone: doc == nil,
			})
		}
		return nil
	}
	rows, err := e.storage.ReadEntities(ctx, plan.TypeName, nil, storage.TemporalView{})
	if err != nil {
		return err
	}
	for _, row := range rows {
		doc := row.Data
		for _, step := range plan.Steps {
			doc, err = step(doc)
			if err != nil {
				return model.NewError(model.ErrMigrationFailed, "upgrader failed during apply", err,
					map[string]any{"type": plan.TypeName, "entity_id": row.EntityID, "pre_migration_payload": row.Data})
			}
			if doc == nil {
				break
			}
		}
		batch.Entities = append(batch.Entities, model.EntityRow{
			TypeName: plan.TypeName, EntityID: row.EntityID, SchemaHash: plan.ToHash, Data: doc, Tombstone: doc == nil,
		})
	}
	return nil
}

// startLeaseKeepalive renews the engine's write lock at one-third of its
// lease interval until the returned stop function is called, matching spec
// §4.3's "lease-keepalive thread renewing at one-third of the lease
// interval." Grounded on the same periodic-renewal shape
// core/session.Session.Heartbeat exposes for the handler loop, run here on
// its own ticker since ApplyBatch has no caller-driven loop to piggyback on.
func (e *Engine) startLeaseKeepalive(ctx context.Context) func() {
	interval := time.Duration(e.leaseSecs) * time.Second / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := e.storage.RenewLock(ctx, e.holderID, e.leaseSecs); err != nil {
					e.logger.Error("migration lease renewal failed", zap.Error(err))
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

// Chain resolves a contiguous sequence of Upgraders from fromHash to
// toHash through the supplied per-version map, keyed by the hash the
// upgrader expects as input. A gap in the chain is model.ErrMissingUpgrader,
// never an implicit identity step (see DESIGN.md Open Question 2).
func Chain(fromHash, toHash string, upgraders map[string]struct {
	NextHash string
	Upgrade  Upgrader
}) ([]Upgrader, error) {
	var steps []Upgrader
	current := fromHash
	for current != toHash {
		step, ok := upgraders[current]
		if !ok {
			return nil, model.NewError(model.ErrMissingUpgrader, fmt.Sprintf("no upgrader registered from schema %q", current), nil,
				map[string]any{"from": current, "target": toHash})
		}
		steps = append(steps, step.Upgrade)
		current = step.NextHash
	}
	return steps, nil
}

// LegacyTypeSpecUpgrade adapts a pre-registry "type_spec" document shape
// (the teacher's FieldDefinition before NestedSchemaDefinition existed,
// spec §9 "legacy type_spec upgrade special case") into the current
// Schema-based row shape: it moves the row's "type_spec" value to the
// "legacyTypeSpec" key and keeps every other key as it is. Rows without the
// legacy key are returned unchanged. It works on rows only; it registers no
// schema version.
func LegacyTypeSpecUpgrade(doc model.Document) (model.Document, error) {
	spec, ok := doc["type_spec"]
	if !ok {
		return doc, nil
	}
	out := model.Document{}
	for k, v := range doc {
		if k != "type_spec" {
			out[k] = v
		}
	}
	out["legacyTypeSpec"] = spec
	return out, nil
}
