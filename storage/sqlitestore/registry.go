package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/storage"
)

func (s *Store) RegisterSchemaVersion(ctx context.Context, v model.SchemaVersion) error {
	schemaJSON, err := json.Marshal(v.Schema)
	if err != nil {
		return model.StorageBackendError("register_schema_version:marshal", err)
	}
	_, err = s.runner().ExecContext(ctx, `
		INSERT INTO schema_versions (namespace, type_name, hash, schema_json, sequence, dropped)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(namespace, type_name, hash) DO NOTHING`,
		s.namespace, v.TypeName, v.Hash, string(schemaJSON), v.Sequence, boolToInt(v.Dropped))
	if err != nil {
		return model.StorageBackendError("register_schema_version", err)
	}
	return nil
}

func (s *Store) ActivateSchema(ctx context.Context, rec model.ActivationRecord) error {
	_, err := s.runner().ExecContext(ctx, `
		INSERT INTO activations (namespace, type_name, schema_hash, commit_id, activated_at) VALUES (?,?,?,?,?)`,
		s.namespace, rec.TypeName, rec.SchemaHash, rec.CommitID, rec.ActivatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return model.StorageBackendError("activate_schema", err)
	}
	return nil
}

func (s *Store) SchemaVersions(ctx context.Context, typeName string) ([]model.SchemaVersion, error) {
	rows, err := s.runner().QueryContext(ctx, `
		SELECT hash, schema_json, sequence, dropped FROM schema_versions
		WHERE namespace = ? AND type_name = ? ORDER BY sequence ASC`, s.namespace, typeName)
	if err != nil {
		return nil, model.StorageBackendError("schema_versions", err)
	}
	defer rows.Close()
	var out []model.SchemaVersion
	for rows.Next() {
		var v model.SchemaVersion
		var schemaJSON string
		var dropped int
		if err := rows.Scan(&v.Hash, &schemaJSON, &v.Sequence, &dropped); err != nil {
			return nil, model.StorageBackendError("schema_versions:scan", err)
		}
		if err := json.Unmarshal([]byte(schemaJSON), &v.Schema); err != nil {
			return nil, model.StorageBackendError("schema_versions:unmarshal", err)
		}
		v.Namespace = s.namespace
		v.TypeName = typeName
		v.Dropped = dropped != 0
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) CurrentActivation(ctx context.Context, typeName string) (model.ActivationRecord, error) {
	row := s.runner().QueryRowContext(ctx, `
		SELECT schema_hash, commit_id, activated_at FROM activations
		WHERE namespace = ? AND type_name = ? ORDER BY activated_at DESC LIMIT 1`, s.namespace, typeName)
	var rec model.ActivationRecord
	var activatedAt string
	err := row.Scan(&rec.SchemaHash, &rec.CommitID, &activatedAt)
	if err == sql.ErrNoRows {
		return model.ActivationRecord{}, model.NewError(model.ErrUninitializedStorage, "no activation for type", nil, map[string]any{"type": typeName})
	}
	if err != nil {
		return model.ActivationRecord{}, model.StorageBackendError("current_activation", err)
	}
	rec.Namespace = s.namespace
	rec.TypeName = typeName
	rec.ActivatedAt, _ = time.Parse(time.RFC3339Nano, activatedAt)
	return rec, nil
}

func (s *Store) DropSchemaVersion(ctx context.Context, typeName, hash string) error {
	_, err := s.runner().ExecContext(ctx, `
		UPDATE schema_versions SET dropped = 1 WHERE namespace = ? AND type_name = ? AND hash = ?`,
		s.namespace, typeName, hash)
	if err != nil {
		return model.StorageBackendError("drop_schema_version", err)
	}
	return nil
}

// Diagnose implements the commit_before_activation check: an entity/relation
// row whose schema_hash was activated for its type_name at a commit sequence
// later than the row's own commit indicates a writer used a schema version
// before it became current.
func (s *Store) Diagnose(ctx context.Context) (storage.Diagnostics, error) {
	rows, err := s.runner().QueryContext(ctx, `
		SELECT eh.commit_id FROM (
			SELECT namespace, type_name, commit_id, schema_hash FROM entity_history
			UNION ALL
			SELECT namespace, type_name, commit_id, schema_hash FROM relation_history
		) eh
		JOIN commits c ON c.id = eh.commit_id AND c.namespace = eh.namespace
		JOIN activations a ON a.namespace = eh.namespace AND a.type_name = eh.type_name AND a.schema_hash = eh.schema_hash
		JOIN commits ac ON ac.id = a.commit_id AND ac.namespace = a.namespace
		WHERE eh.namespace = ? AND ac.sequence > c.sequence`, s.namespace)
	if err != nil {
		return storage.Diagnostics{}, model.StorageBackendError("diagnose", err)
	}
	defer rows.Close()
	var diag storage.Diagnostics
	seen := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return storage.Diagnostics{}, model.StorageBackendError("diagnose:scan", err)
		}
		if !seen[id] {
			seen[id] = true
			diag.CommitBeforeActivation = append(diag.CommitBeforeActivation, id)
		}
	}
	return diag, rows.Err()
}
