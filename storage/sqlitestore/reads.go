package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ontograph/ontograph/core/filter"
	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/storage"
)

// latestEntityCTE uses a window function (ROW_NUMBER partitioned by
// identity, ordered by sequence descending) to pick the current row per
// entity_id, the SQLite equivalent of the teacher's single-row-per-document
// model extended over an append-only table.
const latestEntityCTE = `
WITH ranked AS (
	SELECT *, ROW_NUMBER() OVER (PARTITION BY entity_id ORDER BY sequence DESC) AS rn
	FROM entity_history
	WHERE namespace = ? AND type_name = ? AND sequence <= ?
)
SELECT entity_id, commit_id, schema_hash, data, tombstone, sequence FROM ranked WHERE rn = 1
`

const latestRelationCTE = `
WITH ranked AS (
	SELECT *, ROW_NUMBER() OVER (PARTITION BY relation_id ORDER BY sequence DESC) AS rn
	FROM relation_history
	WHERE namespace = ? AND type_name = ? AND sequence <= ?
)
SELECT relation_id, left_type, left_id, right_type, right_id, instance_key, commit_id, schema_hash, data, tombstone FROM ranked WHERE rn = 1
`

func (s *Store) asOfSequence(ctx context.Context, view storage.TemporalView) (int64, error) {
	if view.AsOfCommit == "" {
		return 1 << 62, nil
	}
	c, err := s.CommitByID(ctx, view.AsOfCommit)
	if err != nil {
		return 0, err
	}
	return c.Sequence, nil
}

func (s *Store) sinceSequence(ctx context.Context, view storage.TemporalView) (int64, error) {
	if view.SinceCommit == "" {
		return -1, nil
	}
	c, err := s.CommitByID(ctx, view.SinceCommit)
	if err != nil {
		return 0, err
	}
	return c.Sequence, nil
}

func (s *Store) activationFloor(ctx context.Context, typeName string) (int64, error) {
	rec, err := s.CurrentActivation(ctx, typeName)
	if err != nil {
		if model.IsCode(err, model.ErrUninitializedStorage) {
			return 0, nil
		}
		return 0, err
	}
	c, err := s.CommitByID(ctx, rec.CommitID)
	if err != nil {
		return 0, err
	}
	return c.Sequence, nil
}

func (s *Store) ReadEntities(ctx context.Context, typeName string, pred *filter.Node, view storage.TemporalView) ([]model.EntityRow, error) {
	asOf, err := s.asOfSequence(ctx, view)
	if err != nil {
		return nil, err
	}
	floor := int64(0)
	if view.CurrentSchemaOnly {
		floor, err = s.activationFloor(ctx, typeName)
		if err != nil {
			return nil, err
		}
	}

	var rows *sql.Rows
	if view.WithHistory {
		since, err := s.sinceSequence(ctx, view)
		if err != nil {
			return nil, err
		}
		rows, err = s.runner().QueryContext(ctx, `
			SELECT entity_id, commit_id, schema_hash, data, tombstone FROM entity_history
			WHERE namespace = ? AND type_name = ? AND sequence <= ? AND sequence > ? AND sequence >= ?
			ORDER BY sequence ASC`, s.namespace, typeName, asOf, since, floor)
		if err != nil {
			return nil, model.StorageBackendError("read_entities:history", err)
		}
	} else {
		rows, err = s.runner().QueryContext(ctx, latestEntityCTE, s.namespace, typeName, asOf)
		if err != nil {
			return nil, model.StorageBackendError("read_entities:latest", err)
		}
	}
	defer rows.Close()

	eval := filter.NewEvaluator()
	var out []model.EntityRow
	for rows.Next() {
		var e model.EntityRow
		var data string
		var tomb int
		var seq int64
		if view.WithHistory {
			if err := rows.Scan(&e.EntityID, &e.CommitID, &e.SchemaHash, &data, &tomb); err != nil {
				return nil, model.StorageBackendError("read_entities:scan", err)
			}
		} else {
			if err := rows.Scan(&e.EntityID, &e.CommitID, &e.SchemaHash, &data, &tomb, &seq); err != nil {
				return nil, model.StorageBackendError("read_entities:scan", err)
			}
			if floor > 0 && seq < floor {
				continue
			}
		}
		e.Namespace = s.namespace
		e.TypeName = typeName
		e.Tombstone = tomb != 0
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, model.StorageBackendError("read_entities:unmarshal", err)
		}
		if pred != nil {
			ok, err := eval.Match(pred, filter.Row{Subject: e.Data})
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ReadRelations(ctx context.Context, typeName string, pred *filter.Node, view storage.TemporalView) ([]model.RelationRow, error) {
	asOf, err := s.asOfSequence(ctx, view)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if view.WithHistory {
		since, err := s.sinceSequence(ctx, view)
		if err != nil {
			return nil, err
		}
		rows, err = s.runner().QueryContext(ctx, `
			SELECT relation_id, left_type, left_id, right_type, right_id, instance_key, commit_id, schema_hash, data, tombstone FROM relation_history
			WHERE namespace = ? AND type_name = ? AND sequence <= ? AND sequence > ?
			ORDER BY sequence ASC`, s.namespace, typeName, asOf, since)
		if err != nil {
			return nil, model.StorageBackendError("read_relations:history", err)
		}
	} else {
		rows, err = s.runner().QueryContext(ctx, latestRelationCTE, s.namespace, typeName, asOf)
		if err != nil {
			return nil, model.StorageBackendError("read_relations:latest", err)
		}
	}
	defer rows.Close()

	eval := filter.NewEvaluator()
	var out []model.RelationRow
	for rows.Next() {
		var r model.RelationRow
		var data string
		var tomb int
		if err := rows.Scan(&r.RelationID, &r.LeftType, &r.LeftID, &r.RightType, &r.RightID, &r.InstanceKey, &r.CommitID, &r.SchemaHash, &data, &tomb); err != nil {
			return nil, model.StorageBackendError("read_relations:scan", err)
		}
		r.Namespace = s.namespace
		r.TypeName = typeName
		r.Tombstone = tomb != 0
		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, model.StorageBackendError("read_relations:unmarshal", err)
		}
		if pred != nil {
			ok, err := eval.Match(pred, filter.Row{Subject: r.Data})
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Aggregate computes the requested function in Go over the already-fetched
// current rows, mirroring the teacher's DataProcessor fallback for
// operations the SQL layer doesn't push down — grouped aggregation over an
// arbitrary nested-field path isn't expressible in a portable SQLite
// expression, so it's done the same way query/coordinator does it.
func (s *Store) Aggregate(ctx context.Context, typeName string, pred *filter.Node, agg storage.Aggregate, view storage.TemporalView) ([]storage.AggregateRow, error) {
	rows, err := s.ReadEntities(ctx, typeName, pred, view)
	if err != nil {
		return nil, err
	}
	groups := map[string][]model.EntityRow{}
	groupKeys := map[string]map[string]any{}
	for _, r := range rows {
		key, kv := groupKeyFor(r.Data, agg.GroupBy)
		groups[key] = append(groups[key], r)
		groupKeys[key] = kv
	}
	var out []storage.AggregateRow
	for key, grp := range groups {
		values := computeAggregate(agg, grp)
		out = append(out, storage.AggregateRow{GroupKey: groupKeys[key], Values: values})
	}
	if agg.Having != nil {
		eval := filter.NewEvaluator()
		var filtered []storage.AggregateRow
		for _, row := range out {
			doc := map[string]any{}
			for k, v := range row.GroupKey {
				doc[k] = v
			}
			for k, v := range row.Values {
				doc[k] = v
			}
			ok, err := eval.Match(agg.Having, filter.Row{Subject: doc})
			if err != nil {
				return nil, err
			}
			if ok {
				filtered = append(filtered, row)
			}
		}
		out = filtered
	}
	return out, nil
}

func groupKeyFor(data map[string]any, fields []string) (string, map[string]any) {
	if len(fields) == 0 {
		return "", map[string]any{}
	}
	kv := map[string]any{}
	key := ""
	for _, f := range fields {
		kv[f] = data[f]
		key += fmt.Sprintf("%v\x1f", data[f])
	}
	return key, kv
}

func computeAggregate(agg storage.Aggregate, rows []model.EntityRow) map[string]float64 {
	switch agg.Kind {
	case storage.AggCount:
		return map[string]float64{"count": float64(len(rows))}
	case storage.AggSum, storage.AggAvg, storage.AggMin, storage.AggMax:
		var sum, min, max float64
		n := 0
		for i, r := range rows {
			v, ok := toFloat(r.Data[agg.Field])
			if !ok {
				continue
			}
			if n == 0 {
				min, max = v, v
			}
			sum += v
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
			n++
			_ = i
		}
		switch agg.Kind {
		case storage.AggSum:
			return map[string]float64{"sum": sum}
		case storage.AggAvg:
			if n == 0 {
				return map[string]float64{"avg": 0}
			}
			return map[string]float64{"avg": sum / float64(n)}
		case storage.AggMin:
			return map[string]float64{"min": min}
		case storage.AggMax:
			return map[string]float64{"max": max}
		}
	case storage.AggAvgLen:
		var sum float64
		n := 0
		for _, r := range rows {
			if s, ok := r.Data[agg.Field].(string); ok {
				sum += float64(len(s))
				n++
			}
		}
		if n == 0 {
			return map[string]float64{"avg_len": 0}
		}
		return map[string]float64{"avg_len": sum / float64(n)}
	}
	return map[string]float64{}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

var _ = time.Now
