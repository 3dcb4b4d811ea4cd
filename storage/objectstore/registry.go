package objectstore

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/storage"
)

// schemaVersionsKey and activationKey intentionally drop the kind segment
// spec §6's `meta/schema/versions/<kind>/<name>.json` layout names: the
// Engine interface's SchemaVersions/CurrentActivation/DropSchemaVersion
// methods are keyed by typeName alone (no Kind parameter), the same
// collapse storage/sqlitestore's schema_versions/activations tables already
// make by omitting a kind column — see DESIGN.md.
func (s *Store) schemaVersionsKey(typeName string) string {
	return s.key("meta/schema/versions", typeName+".json")
}

func (s *Store) activationKey(typeName string) string {
	return s.key("meta/schema/activation", typeName+".json")
}

func (s *Store) RegisterSchemaVersion(ctx context.Context, v model.SchemaVersion) error {
	key := s.schemaVersionsKey(v.TypeName)
	var file schemaVersionsFile
	etag, err, found := s.getJSON(ctx, key, &file)
	if err != nil && found {
		return model.StorageBackendError("objectstore:register_schema_version:decode", err)
	}
	if err != nil && !isNotFound(err) {
		return model.StorageBackendError("objectstore:register_schema_version:get", err)
	}
	for _, existing := range file.Versions {
		if existing.Hash == v.Hash {
			return nil
		}
	}
	file.Versions = append(file.Versions, v)

	var ifMatch, ifNoneMatch *string
	if found {
		ifMatch = aws.String(etag)
	} else {
		ifNoneMatch = aws.String("*")
	}
	if _, err := s.putJSON(ctx, key, file, ifMatch, ifNoneMatch); err != nil {
		if isPreconditionFailed(err) {
			return model.NewError(model.ErrConcurrentWrite, "schema version registry changed concurrently", err, nil)
		}
		return model.StorageBackendError("objectstore:register_schema_version:put", err)
	}
	return nil
}

func (s *Store) ActivateSchema(ctx context.Context, rec model.ActivationRecord) error {
	key := s.activationKey(rec.TypeName)
	var file activationFile
	etag, err, found := s.getJSON(ctx, key, &file)
	if err != nil && found {
		return model.StorageBackendError("objectstore:activate_schema:decode", err)
	}
	if err != nil && !isNotFound(err) {
		return model.StorageBackendError("objectstore:activate_schema:get", err)
	}
	recCopy := rec
	file.Current = &recCopy
	file.History = append(file.History, rec)

	var ifMatch, ifNoneMatch *string
	if found {
		ifMatch = aws.String(etag)
	} else {
		ifNoneMatch = aws.String("*")
	}
	if _, err := s.putJSON(ctx, key, file, ifMatch, ifNoneMatch); err != nil {
		if isPreconditionFailed(err) {
			return model.NewError(model.ErrConcurrentWrite, "activation record changed concurrently", err, nil)
		}
		return model.StorageBackendError("objectstore:activate_schema:put", err)
	}
	return nil
}

func (s *Store) SchemaVersions(ctx context.Context, typeName string) ([]model.SchemaVersion, error) {
	var file schemaVersionsFile
	_, err, found := s.getJSON(ctx, s.schemaVersionsKey(typeName), &file)
	if err != nil && found {
		return nil, model.StorageBackendError("objectstore:schema_versions:decode", err)
	}
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, model.StorageBackendError("objectstore:schema_versions:get", err)
	}
	return file.Versions, nil
}

func (s *Store) CurrentActivation(ctx context.Context, typeName string) (model.ActivationRecord, error) {
	var file activationFile
	_, err, found := s.getJSON(ctx, s.activationKey(typeName), &file)
	if err != nil && found {
		return model.ActivationRecord{}, model.StorageBackendError("objectstore:current_activation:decode", err)
	}
	if err != nil && !isNotFound(err) {
		return model.ActivationRecord{}, model.StorageBackendError("objectstore:current_activation:get", err)
	}
	if file.Current == nil {
		return model.ActivationRecord{}, model.NewError(model.ErrUninitializedStorage, "no activation for type", nil,
			map[string]any{"type": typeName})
	}
	return *file.Current, nil
}

func (s *Store) DropSchemaVersion(ctx context.Context, typeName, hash string) error {
	key := s.schemaVersionsKey(typeName)
	var file schemaVersionsFile
	etag, err, found := s.getJSON(ctx, key, &file)
	if err != nil && found {
		return model.StorageBackendError("objectstore:drop_schema_version:decode", err)
	}
	if err != nil {
		if isNotFound(err) {
			return model.NewError(model.ErrUninitializedStorage, "no schema versions for type", nil, map[string]any{"type": typeName})
		}
		return model.StorageBackendError("objectstore:drop_schema_version:get", err)
	}
	for i := range file.Versions {
		if file.Versions[i].Hash == hash {
			file.Versions[i].Dropped = true
		}
	}
	if _, err := s.putJSON(ctx, key, file, aws.String(etag), nil); err != nil {
		if isPreconditionFailed(err) {
			return model.NewError(model.ErrConcurrentWrite, "schema version registry changed concurrently", err, nil)
		}
		return model.StorageBackendError("objectstore:drop_schema_version:put", err)
	}
	return nil
}

// activationSequences returns, per SchemaHash ever activated for typeName,
// the earliest commit Sequence at which it became current — the bound
// Diagnose compares each row's own commit sequence against.
func (s *Store) activationSequences(ctx context.Context, typeName string) (map[string]int64, error) {
	var file activationFile
	_, err, found := s.getJSON(ctx, s.activationKey(typeName), &file)
	if err != nil && found {
		return nil, model.StorageBackendError("objectstore:diagnose:decode_activation", err)
	}
	if err != nil {
		if isNotFound(err) {
			return map[string]int64{}, nil
		}
		return nil, model.StorageBackendError("objectstore:diagnose:get_activation", err)
	}
	out := map[string]int64{}
	for _, rec := range file.History {
		c, err := s.CommitByID(ctx, rec.CommitID)
		if err != nil {
			continue
		}
		if existing, ok := out[rec.SchemaHash]; !ok || c.Sequence < existing {
			out[rec.SchemaHash] = c.Sequence
		}
	}
	return out, nil
}

// Diagnose walks the full manifest chain looking for commit_before_activation:
// a row whose SchemaHash was not yet active for its TypeName as of the
// commit that wrote it, mirroring storage/sqlitestore.Store.Diagnose's
// self-join but computed over decoded Parquet rows instead of a SQL join,
// since the object store has no query engine to push the join into.
func (s *Store) Diagnose(ctx context.Context) (storage.Diagnostics, error) {
	h, _, err := s.headObject(ctx)
	if err != nil {
		if model.IsCode(err, model.ErrUninitializedStorage) {
			return storage.Diagnostics{}, nil
		}
		return storage.Diagnostics{}, err
	}
	if h.CommitID == "" {
		return storage.Diagnostics{}, nil
	}

	var diag storage.Diagnostics
	seen := map[string]bool{}
	actCache := map[string]map[string]int64{}
	manifestPath := h.ManifestPath
	for manifestPath != "" {
		m, err := s.manifestAt(ctx, manifestPath)
		if err != nil {
			return storage.Diagnostics{}, err
		}
		for _, f := range m.Files {
			actSeqs, ok := actCache[f.TypeName]
			if !ok {
				actSeqs, err = s.activationSequences(ctx, f.TypeName)
				if err != nil {
					return storage.Diagnostics{}, err
				}
				actCache[f.TypeName] = actSeqs
			}
			data, _, err := s.getObject(ctx, f.Path)
			if err != nil {
				return storage.Diagnostics{}, model.StorageBackendError("objectstore:diagnose:get_parquet", err)
			}
			prows, err := decodeParquet(data)
			if err != nil {
				return storage.Diagnostics{}, model.StorageBackendError("objectstore:diagnose:decode_parquet", err)
			}
			for _, pr := range prows {
				if actSeq, ok := actSeqs[pr.SchemaHash]; ok && actSeq > m.Sequence && !seen[m.CommitID] {
					seen[m.CommitID] = true
					diag.CommitBeforeActivation = append(diag.CommitBeforeActivation, m.CommitID)
				}
			}
		}
		manifestPath = s.parentManifestPath(m)
	}
	return diag, nil
}
