package objectstore

import (
	"time"

	"github.com/ontograph/ontograph/core/model"
)

// ManifestEntry names one Parquet object a commit wrote, mirroring spec §6's
// manifest entry shape (row counts and a content hash alongside the path).
type ManifestEntry struct {
	Kind          string `json:"kind"` // "entity" | "relation"
	TypeName      string `json:"typeName"`
	Path          string `json:"path"`
	RowCount      int    `json:"rowCount"`
	ContentSHA256 string `json:"contentSha256"`
}

// Manifest describes one Commit's written objects and links to its parent,
// the chain a reader walks when no advisory index is available.
type Manifest struct {
	CommitID  string          `json:"commitId"`
	ParentID  string          `json:"parentId"`
	Sequence  int64           `json:"sequence"`
	CreatedAt time.Time       `json:"createdAt"`
	Kind      model.CommitKind `json:"kind"`
	Summary   string          `json:"summary"`
	Files     []ManifestEntry `json:"files"`
}

// Head is the CAS'd pointer to the namespace's current commit, spec §6's
// meta/head.json.
type Head struct {
	CommitID     string    `json:"commitId"`
	ManifestPath string    `json:"manifestPath"`
	UpdatedAt    time.Time `json:"updatedAt"`
	RuntimeID    string    `json:"runtimeId"`
}

// Lock is the CAS'd advisory write lock object, spec §6's
// meta/locks/ontology_write.json.
type Lock struct {
	OwnerID    string    `json:"ownerId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	LeaseMs    int64     `json:"leaseMs"`
}

// schemaVersionsFile is the per-TypeName registry object,
// meta/schema/versions/<name>.json.
type schemaVersionsFile struct {
	Versions []model.SchemaVersion `json:"versions"`
}

// activationFile is the per-TypeName current-activation object. Spec §6
// does not name a dedicated activation object path (it folds activation
// into `type_layout_catalog.json`); ontograph keeps one object per TypeName
// instead of one catalog-wide object so ActivateSchema/CurrentActivation are
// single-key CAS operations rather than a read-modify-write over a shared
// catalog file — documented as an Open-Question-style decision in
// DESIGN.md.
type activationFile struct {
	Current *model.ActivationRecord `json:"current,omitempty"`
	History []model.ActivationRecord `json:"history,omitempty"`
}
