package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// FieldType enumerates the scalar and structural field kinds a Schema can
// declare, carried over from the teacher's schema.FieldType.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
	FieldEnum    FieldType = "enum"
	FieldRef     FieldType = "ref" // reference to another TypeName (entity-to-entity)
)

// FieldDefinition is one field of a Schema. Nested/array field types carry a
// recursive Schema in SubSchema, mirroring the teacher's NestedSchemaDefinition.
type FieldDefinition struct {
	Name     string          `json:"name"`
	Type     FieldType       `json:"type"`
	Required bool            `json:"required"`
	EnumVals []string        `json:"enumValues,omitempty"`
	SubSchema *Schema        `json:"subSchema,omitempty"`
	RefType  string          `json:"refType,omitempty"`
}

// EndpointSpec constrains which TypeNames may fill the left/right endpoints
// of a relation Schema.
type EndpointSpec struct {
	AllowedTypes []string `json:"allowedTypes"`
}

// Schema is the canonical, content-addressable definition of an entity or
// relation type. Two Schemas with identical canonical JSON hash identically
// regardless of field declaration order, matching the teacher's
// SchemaDefinition but generalized with an explicit Kind and, for relations,
// Left/Right endpoint constraints.
type Schema struct {
	TypeName string            `json:"typeName"`
	Kind     Kind              `json:"kind"`
	Fields   []FieldDefinition `json:"fields"`
	Left     *EndpointSpec     `json:"left,omitempty"`
	Right    *EndpointSpec     `json:"right,omitempty"`

	// InstanceKeyField names the relation field (if any) that distinguishes
	// multiple distinct edges between the same (left, right) endpoint pair.
	// Nil for entity schemas and for relations that declare no instance key,
	// in which case every RelationRow for the type carries InstanceKey = "".
	InstanceKeyField *string `json:"instanceKeyField,omitempty"`
}

// CanonicalJSON serializes s with sorted object keys and tight separators so
// that semantically identical schemas always hash identically. There is no
// canonicalization library in the retrieval pack, so this is hand-rolled
// stdlib (json.Marshal already sorts map keys; struct field order is fixed
// by declaration, so the only normalization done is sorting Fields by Name
// and each field's EnumVals; other slices keep their given order).
func (s Schema) CanonicalJSON() ([]byte, error) {
	sorted := s
	sorted.Fields = append([]FieldDefinition(nil), s.Fields...)
	sort.Slice(sorted.Fields, func(i, j int) bool { return sorted.Fields[i].Name < sorted.Fields[j].Name })
	for i := range sorted.Fields {
		if len(sorted.Fields[i].EnumVals) > 0 {
			ev := append([]string(nil), sorted.Fields[i].EnumVals...)
			sort.Strings(ev)
			sorted.Fields[i].EnumVals = ev
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sorted); err != nil {
		return nil, err
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	var compact bytes.Buffer
	if err := json.Compact(&compact, out); err != nil {
		return nil, err
	}
	return compact.Bytes(), nil
}

// Hash returns the content address of s: hex-encoded SHA-256 of its
// CanonicalJSON. This is the SchemaHash referenced throughout EntityRow,
// RelationRow, ActivationRecord and the registry.
func (s Schema) Hash() (string, error) {
	b, err := s.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SchemaVersion pairs a content-addressed Schema with the registry metadata
// needed to order and activate it.
type SchemaVersion struct {
	Namespace string
	TypeName  string
	Hash      string
	Schema    Schema
	Sequence  int64 // monotonic per TypeName, assigned at registration
	Dropped   bool  // soft-deleted: retained for historical reads, excluded from current listings
}
