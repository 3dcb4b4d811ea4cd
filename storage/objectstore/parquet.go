package objectstore

import (
	"encoding/json"
	"fmt"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/schema"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/ontograph/ontograph/core/model"
)

// parquetRow is the flat, per-kind column layout every commit's Parquet
// objects share. Per-declared-field pushdown columns (spec §6 "plus one
// column per declared field") are intentionally not generated dynamically
// here — see DESIGN.md's objectstore entry — fields_json carries the full
// Document and every read goes through the same in-memory filter.Evaluator
// path storage/sqlitestore already uses for the same reason.
type parquetRow struct {
	Kind       string `json:"kind"`
	EntityID   string `json:"entity_id"` // doubles as RelationID for kind="relation" rows
	LeftType   string `json:"left_type"`
	LeftID     string `json:"left_id"`
	RightType  string `json:"right_type"`
	RightID    string `json:"right_id"`
	InstanceKey string `json:"instance_key"`
	CommitID   string `json:"commit_id"`
	SchemaHash string `json:"schema_hash"`
	Tombstone  bool   `json:"tombstone"`
	FieldsJSON string `json:"fields_json"`
}

const parquetRowSchema = `
{
  "Tag": "name=row, repetitiontype=REQUIRED",
  "Fields": [
    {"Tag": "name=kind, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
    {"Tag": "name=entity_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
    {"Tag": "name=left_type, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
    {"Tag": "name=left_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
    {"Tag": "name=right_type, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
    {"Tag": "name=right_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
    {"Tag": "name=instance_key, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
    {"Tag": "name=commit_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
    {"Tag": "name=schema_hash, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
    {"Tag": "name=tombstone, type=BOOLEAN, repetitiontype=REQUIRED"},
    {"Tag": "name=fields_json, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"}
  ]
}`

func entityRowsToParquet(rows []model.EntityRow) ([]byte, error) {
	prows := make([]parquetRow, 0, len(rows))
	for _, e := range rows {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		prows = append(prows, parquetRow{
			Kind: "entity", EntityID: e.EntityID, CommitID: e.CommitID,
			SchemaHash: e.SchemaHash, Tombstone: e.Tombstone, FieldsJSON: string(data),
		})
	}
	return encodeParquet(prows)
}

func relationRowsToParquet(rows []model.RelationRow) ([]byte, error) {
	prows := make([]parquetRow, 0, len(rows))
	for _, r := range rows {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return nil, err
		}
		prows = append(prows, parquetRow{
			Kind: "relation", EntityID: r.RelationID, LeftType: r.LeftType, LeftID: r.LeftID,
			RightType: r.RightType, RightID: r.RightID, InstanceKey: r.InstanceKey, CommitID: r.CommitID,
			SchemaHash: r.SchemaHash, Tombstone: r.Tombstone, FieldsJSON: string(data),
		})
	}
	return encodeParquet(prows)
}

// encodeParquet writes rows to an in-memory Parquet object using the JSON
// schema writer, grounded on xitongsys/parquet-go's JSON-mode writer (the
// generic path the library offers for payloads not known at compile time,
// exactly ontograph's case since Document is map[string]any). The in-memory
// buffer.BufferFile source avoids pulling in a second, SDK-v1-based
// parquet-go-source/s3 dependency alongside aws-sdk-go-v2.
func encodeParquet(rows []parquetRow) ([]byte, error) {
	bf := buffer.NewBufferFile()
	pw, err := writer.NewJSONWriter(parquetRowSchema, bf, 4)
	if err != nil {
		return nil, fmt.Errorf("objectstore: new parquet writer: %w", err)
	}
	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		if err := pw.Write(string(b)); err != nil {
			return nil, fmt.Errorf("objectstore: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("objectstore: finalize parquet object: %w", err)
	}
	return bf.Bytes(), nil
}

// decodeParquet reads every row back out of a Parquet object written by
// encodeParquet.
func decodeParquet(data []byte) ([]parquetRow, error) {
	bf := buffer.NewBufferFileFromBytes(data)
	pr, err := reader.NewParquetReader(bf, nil, 4)
	if err != nil {
		return nil, fmt.Errorf("objectstore: new parquet reader: %w", err)
	}
	defer pr.ReadStop()
	sh, err := schema.NewSchemaHandlerFromJSON(parquetRowSchema)
	if err != nil {
		return nil, fmt.Errorf("objectstore: parse parquet schema: %w", err)
	}
	pr.SchemaHandler = sh

	n := int(pr.GetNumRows())
	raw, err := pr.ReadByNumber(n)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read parquet rows: %w", err)
	}
	out := make([]parquetRow, 0, len(raw))
	for _, v := range raw {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var r parquetRow
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
