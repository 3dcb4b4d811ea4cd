package objectstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ontograph/ontograph/core/filter"
	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/storage"
)

// taggedRow pairs a decoded Parquet row with the Sequence of the commit that
// wrote it, the information storage/sqlitestore gets for free from its
// `sequence` SQL column.
type taggedRow struct {
	row parquetRow
	seq int64
}

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

// collectRows walks the manifest parent chain from head back to genesis,
// decoding every Parquet object that matches kind/typeName and whose owning
// commit's Sequence is <= maxSeq. Unlike storage/sqlitestore's SQL WHERE
// clause, there is no pushdown here: the object store has no query engine of
// its own, so every read walks the full chain, the same tradeoff
// storage/sqlitestore's Aggregate already makes for grouped aggregation (see
// its doc comment) but applied one layer lower. Advisory per-type indices
// (meta/indices/...) exist to let a future reader skip manifests that carry
// no file for typeName; this implementation does not yet consult them, since
// the chain walk itself already skips non-matching manifests cheaply (one
// JSON GetObject per commit, no Parquet decode unless a file matches).
func (s *Store) collectRows(ctx context.Context, kind, typeName string, maxSeq int64) ([]taggedRow, error) {
	h, _, err := s.headObject(ctx)
	if err != nil {
		if model.IsCode(err, model.ErrUninitializedStorage) {
			return nil, nil
		}
		return nil, err
	}
	if h.CommitID == "" {
		return nil, nil
	}

	var out []taggedRow
	manifestPath := h.ManifestPath
	for manifestPath != "" {
		m, err := s.manifestAt(ctx, manifestPath)
		if err != nil {
			return nil, err
		}
		if m.Sequence <= maxSeq {
			for _, f := range m.Files {
				if f.Kind != kind || f.TypeName != typeName {
					continue
				}
				data, _, err := s.getObject(ctx, f.Path)
				if err != nil {
					return nil, model.StorageBackendError("objectstore:collect_rows:get_parquet", err)
				}
				prows, err := decodeParquet(data)
				if err != nil {
					return nil, model.StorageBackendError("objectstore:collect_rows:decode_parquet", err)
				}
				for _, pr := range prows {
					out = append(out, taggedRow{row: pr, seq: m.Sequence})
				}
			}
		}
		manifestPath = s.parentManifestPath(m)
	}
	return out, nil
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
	tagged, err := s.collectRows(ctx, "entity", typeName, asOf)
	if err != nil {
		return nil, err
	}

	since := int64(-1)
	if view.WithHistory {
		since, err = s.sinceSequence(ctx, view)
		if err != nil {
			return nil, err
		}
	}

	eval := filter.NewEvaluator()
	byIdentity := map[string]taggedRow{}
	var history []taggedRow
	for _, tr := range tagged {
		if view.WithHistory {
			if tr.seq > since {
				history = append(history, tr)
			}
			continue
		}
		cur, ok := byIdentity[tr.row.EntityID]
		if !ok || tr.seq > cur.seq {
			byIdentity[tr.row.EntityID] = tr
		}
	}

	var candidates []taggedRow
	if view.WithHistory {
		candidates = history
	} else {
		for _, tr := range byIdentity {
			candidates = append(candidates, tr)
		}
	}

	var out []model.EntityRow
	for _, tr := range candidates {
		if !view.WithHistory && floor > 0 && tr.seq < floor {
			continue
		}
		e, err := decodeEntityRow(tr.row, s.namespace, typeName)
		if err != nil {
			return nil, err
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
	return out, nil
}

func (s *Store) ReadRelations(ctx context.Context, typeName string, pred *filter.Node, view storage.TemporalView) ([]model.RelationRow, error) {
	asOf, err := s.asOfSequence(ctx, view)
	if err != nil {
		return nil, err
	}
	tagged, err := s.collectRows(ctx, "relation", typeName, asOf)
	if err != nil {
		return nil, err
	}

	since := int64(-1)
	if view.WithHistory {
		since, err = s.sinceSequence(ctx, view)
		if err != nil {
			return nil, err
		}
	}

	eval := filter.NewEvaluator()
	byIdentity := map[string]taggedRow{}
	var history []taggedRow
	for _, tr := range tagged {
		if view.WithHistory {
			if tr.seq > since {
				history = append(history, tr)
			}
			continue
		}
		cur, ok := byIdentity[tr.row.EntityID]
		if !ok || tr.seq > cur.seq {
			byIdentity[tr.row.EntityID] = tr
		}
	}

	var candidates []taggedRow
	if view.WithHistory {
		candidates = history
	} else {
		for _, tr := range byIdentity {
			candidates = append(candidates, tr)
		}
	}

	var out []model.RelationRow
	for _, tr := range candidates {
		r, err := decodeRelationRow(tr.row, s.namespace, typeName)
		if err != nil {
			return nil, err
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
	return out, nil
}

func decodeEntityRow(pr parquetRow, namespace, typeName string) (model.EntityRow, error) {
	var e model.EntityRow
	e.Namespace = namespace
	e.TypeName = typeName
	e.EntityID = pr.EntityID
	e.CommitID = pr.CommitID
	e.SchemaHash = pr.SchemaHash
	e.Tombstone = pr.Tombstone
	if err := json.Unmarshal([]byte(pr.FieldsJSON), &e.Data); err != nil {
		return model.EntityRow{}, model.StorageBackendError("objectstore:decode_entity", err)
	}
	return e, nil
}

func decodeRelationRow(pr parquetRow, namespace, typeName string) (model.RelationRow, error) {
	var r model.RelationRow
	r.Namespace = namespace
	r.TypeName = typeName
	r.RelationID = pr.EntityID
	r.LeftType = pr.LeftType
	r.LeftID = pr.LeftID
	r.RightType = pr.RightType
	r.RightID = pr.RightID
	r.InstanceKey = pr.InstanceKey
	r.CommitID = pr.CommitID
	r.SchemaHash = pr.SchemaHash
	r.Tombstone = pr.Tombstone
	if err := json.Unmarshal([]byte(pr.FieldsJSON), &r.Data); err != nil {
		return model.RelationRow{}, model.StorageBackendError("objectstore:decode_relation", err)
	}
	return r, nil
}

// Aggregate mirrors storage/sqlitestore.Store.Aggregate: fetch the resolved
// entity rows for typeName/view, then group and reduce in Go, the same
// fallback the teacher's DataProcessor uses for aggregation shapes a backend
// query language can't express portably.
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
		for _, r := range rows {
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
			if str, ok := r.Data[agg.Field].(string); ok {
				sum += float64(len(str))
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
