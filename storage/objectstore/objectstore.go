package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ontograph/ontograph/core/model"
	"github.com/ontograph/ontograph/core/storage"
)

// Store implements storage.Engine against an S3-compatible object store,
// following spec §4.1/§6's layout: per-commit Parquet objects grouped under
// a manifest, a compare-and-swapped head.json, a compare-and-swapped
// lock.json, and JSON schema-registry objects. It plays the role
// storage/sqlitestore.Store plays for the embedded backend, generalized to
// an eventually-consistent object namespace instead of a single transactional
// file, grounded on evalgo-org-eve's storage.S3Client wiring (client.go).
type Store struct {
	client    S3Client
	bucket    string
	prefix    string
	namespace string
	runtimeID string
	logger    *zap.Logger
}

var _ storage.Engine = (*Store)(nil)

// ParseDSN resolves the `s3://<bucket>/<prefix>` connection-string grammar
// spec §6 names. The prefix may be empty.
func ParseDSN(dsn string) (bucket, prefix string, err error) {
	const schemePrefix = "s3://"
	if !strings.HasPrefix(dsn, schemePrefix) {
		return "", "", fmt.Errorf("objectstore: dsn %q does not start with %q", dsn, schemePrefix)
	}
	rest := strings.TrimPrefix(dsn, schemePrefix)
	if rest == "" {
		return "", "", fmt.Errorf("objectstore: dsn %q has no bucket", dsn)
	}
	parts := strings.SplitN(rest, "/", 2)
	bucket = parts[0]
	if bucket == "" {
		return "", "", fmt.Errorf("objectstore: dsn %q has an empty bucket", dsn)
	}
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix, nil
}

// New wraps an already-constructed S3Client (a real *s3.Client from
// NewS3Client, or a fake for tests) as a Store bound to namespace.
func New(client S3Client, bucket, prefix, namespace string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client, bucket: bucket, prefix: prefix, namespace: namespace,
		runtimeID: uuid.NewString(), logger: logger,
	}
}

// Open initializes the namespace's meta objects (head/engine) if absent, per
// spec §6 "Initialization". Without IfNotExists, a missing head is
// model.ErrUninitializedStorage; re-initializing an existing namespace is a
// no-op unless DropIfExists is set, which overwrites head/engine with a
// fresh empty namespace (the admin "confirmation token" spec §6 requires is
// the caller's responsibility — Open itself trusts DropIfExists).
func (s *Store) Open(ctx context.Context, opts storage.Options) error {
	s.namespace = opts.Namespace
	_, err, exists := s.getJSON(ctx, s.key("meta/head.json"), &Head{})
	if err != nil && !isNotFound(err) {
		return model.StorageBackendError("objectstore:open:head", err)
	}

	if exists && !opts.DropIfExists {
		return nil
	}
	if !exists && !opts.IfNotExists && !opts.DropIfExists {
		return model.NewError(model.ErrUninitializedStorage, "object-store namespace has not been initialized", nil,
			map[string]any{"namespace": s.namespace})
	}

	head := Head{CommitID: "", ManifestPath: "", UpdatedAt: time.Now().UTC(), RuntimeID: s.runtimeID}
	if _, err := s.putJSONUnconditional(ctx, s.key("meta/head.json"), head); err != nil {
		return model.StorageBackendError("objectstore:open:init_head", err)
	}
	engine := map[string]any{"backend": "s3", "engineVersion": 2, "createdAt": time.Now().UTC()}
	if _, err := s.putJSONUnconditional(ctx, s.key("meta/engine.json"), engine); err != nil {
		return model.StorageBackendError("objectstore:open:init_engine", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error { return nil }

// key joins s.prefix, s.namespace and the given path segments into one
// object key. Namespacing under the object key (rather than a separate
// bucket per namespace) lets one bucket/prefix host several namespaces, the
// same multi-namespace-per-connection shape storage/sqlitestore offers via
// its `namespace` column.
func (s *Store) key(parts ...string) string {
	segs := append([]string{s.prefix, s.namespace}, parts...)
	return path.Join(segs...)
}

// --- object primitives -----------------------------------------------------

func (s *Store) getObject(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, "", err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", err
	}
	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}
	return data, etag, nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (etag string, err error, found bool) {
	data, etag, err := s.getObject(ctx, key)
	if err != nil {
		return "", err, false
	}
	if err := json.Unmarshal(data, v); err != nil {
		return "", err, true
	}
	return etag, nil, true
}

func (s *Store) putObject(ctx context.Context, key string, data []byte, ifMatch, ifNoneMatch *string) (string, error) {
	in := &s3.PutObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key), Body: strReader(data)}
	if ifMatch != nil {
		in.IfMatch = ifMatch
	}
	if ifNoneMatch != nil {
		in.IfNoneMatch = ifNoneMatch
	}
	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		return "", err
	}
	if out.ETag != nil {
		return *out.ETag, nil
	}
	return "", nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any, ifMatch, ifNoneMatch *string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return s.putObject(ctx, key, data, ifMatch, ifNoneMatch)
}

func (s *Store) putJSONUnconditional(ctx context.Context, key string, v any) (string, error) {
	return s.putJSON(ctx, key, v, nil, nil)
}

// isNotFound reports whether err is the S3 "object does not exist" family
// (NoSuchKey for GetObject, NotFound for HeadObject), the two typed errors
// the SDK v2 actually exports for this condition.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") || strings.Contains(msg, "404")
}

// isPreconditionFailed reports whether a conditional PutObject (IfMatch /
// IfNoneMatch) was rejected because the object's current ETag no longer
// matched, the signal both head-CAS and lock-CAS use to detect a racing
// writer. The aws-sdk-go-v2 s3 package does not export a typed error for
// S3's 412 response the way it does for NoSuchKey/NotFound, so this falls
// back to matching the response's error code in the message — a pragmatic
// choice documented in DESIGN.md rather than a dependency on smithy-go's
// APIError interface, which no repo in the retrieval pack imports directly.
func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "PreconditionFailed") ||
		strings.Contains(msg, "ConditionalRequestConflict") ||
		strings.Contains(msg, "412")
}

// --- lock -------------------------------------------------------------------

func (s *Store) lockKey() string { return s.key("meta/locks/ontology_write.json") }

func (s *Store) AcquireLock(ctx context.Context, holderID string, leaseSeconds int64) (model.WriteLock, error) {
	now := time.Now().UTC()
	lease := time.Duration(leaseSeconds) * time.Second
	var existing Lock
	etag, err, found := s.getJSON(ctx, s.lockKey(), &existing)
	if err != nil && found {
		return model.WriteLock{}, model.StorageBackendError("objectstore:acquire_lock:decode", err)
	}
	if err != nil && !isNotFound(err) {
		return model.WriteLock{}, model.StorageBackendError("objectstore:acquire_lock:get", err)
	}
	if found && existing.OwnerID != holderID && now.Before(existing.ExpiresAt) {
		return model.WriteLock{}, model.NewError(model.ErrLockContention, "write lock held by another session", nil,
			map[string]any{"holder": existing.OwnerID})
	}

	newLock := Lock{OwnerID: holderID, AcquiredAt: now, ExpiresAt: now.Add(lease), LeaseMs: leaseSeconds * 1000}
	var ifMatch, ifNoneMatch *string
	if found {
		ifMatch = aws.String(etag)
	} else {
		ifNoneMatch = aws.String("*")
	}
	if _, err := s.putJSON(ctx, s.lockKey(), newLock, ifMatch, ifNoneMatch); err != nil {
		if isPreconditionFailed(err) {
			return model.WriteLock{}, model.NewError(model.ErrLockContention, "write lock CAS lost to a concurrent acquirer", err, nil)
		}
		return model.WriteLock{}, model.StorageBackendError("objectstore:acquire_lock:put", err)
	}
	return model.WriteLock{Namespace: s.namespace, HolderID: holderID, AcquiredAt: now, Expiry: newLock.ExpiresAt}, nil
}

func (s *Store) RenewLock(ctx context.Context, holderID string, leaseSeconds int64) (model.WriteLock, error) {
	var existing Lock
	_, err, found := s.getJSON(ctx, s.lockKey(), &existing)
	if err != nil && found {
		return model.WriteLock{}, model.StorageBackendError("objectstore:renew_lock:decode", err)
	}
	if !found {
		return model.WriteLock{}, model.NewError(model.ErrLeaseExpired, "no lock object for namespace", nil, nil)
	}
	if existing.OwnerID != holderID {
		return model.WriteLock{}, model.NewError(model.ErrLeaseExpired, "lease no longer held by this session", nil,
			map[string]any{"holder": existing.OwnerID})
	}
	return s.AcquireLock(ctx, holderID, leaseSeconds)
}

func (s *Store) ReleaseLock(ctx context.Context, holderID string) error {
	var existing Lock
	_, err, found := s.getJSON(ctx, s.lockKey(), &existing)
	if err != nil && found {
		return model.StorageBackendError("objectstore:release_lock:decode", err)
	}
	if !found {
		return nil
	}
	if existing.OwnerID != holderID {
		return nil
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.lockKey())})
	if err != nil {
		return model.StorageBackendError("objectstore:release_lock:delete", err)
	}
	return nil
}

// --- commit log ---------------------------------------------------------

func (s *Store) headObject(ctx context.Context) (Head, string, error) {
	var h Head
	etag, err, found := s.getJSON(ctx, s.key("meta/head.json"), &h)
	if err != nil && found {
		return Head{}, "", model.StorageBackendError("objectstore:head:decode", err)
	}
	if err != nil {
		if isNotFound(err) {
			return Head{}, "", model.NewError(model.ErrUninitializedStorage, "object-store namespace has no head", nil, nil)
		}
		return Head{}, "", model.StorageBackendError("objectstore:head:get", err)
	}
	return h, etag, nil
}

func (s *Store) manifestAt(ctx context.Context, manifestPath string) (Manifest, error) {
	var m Manifest
	_, err, found := s.getJSON(ctx, manifestPath, &m)
	if err != nil && found {
		return Manifest{}, model.StorageBackendError("objectstore:manifest:decode", err)
	}
	if err != nil {
		return Manifest{}, model.StorageBackendError("objectstore:manifest:get", err)
	}
	return m, nil
}

func (s *Store) commitIndexKey(commitID string) string { return s.key("meta/commits", commitID+".json") }

func (s *Store) manifestToCommit(m Manifest) model.Commit {
	return model.Commit{
		ID: m.CommitID, Namespace: s.namespace, ParentID: m.ParentID, Sequence: m.Sequence,
		CreatedAt: m.CreatedAt, Kind: m.Kind, Summary: m.Summary,
	}
}

func (s *Store) Head(ctx context.Context) (model.Commit, error) {
	h, _, err := s.headObject(ctx)
	if err != nil {
		return model.Commit{}, err
	}
	if h.CommitID == "" {
		return model.Commit{}, model.NewError(model.ErrUninitializedStorage, "no commits in namespace", nil, nil)
	}
	m, err := s.manifestAt(ctx, h.ManifestPath)
	if err != nil {
		return model.Commit{}, err
	}
	return s.manifestToCommit(m), nil
}

func (s *Store) CommitByID(ctx context.Context, id string) (model.Commit, error) {
	var ref struct {
		ManifestPath string `json:"manifestPath"`
	}
	_, err, found := s.getJSON(ctx, s.commitIndexKey(id), &ref)
	if err != nil && found {
		return model.Commit{}, model.StorageBackendError("objectstore:commit_by_id:decode", err)
	}
	if err != nil {
		if isNotFound(err) {
			return model.Commit{}, model.NewError(model.ErrUninitializedStorage, "no such commit", nil, map[string]any{"id": id})
		}
		return model.Commit{}, model.StorageBackendError("objectstore:commit_by_id:get", err)
	}
	m, err := s.manifestAt(ctx, ref.ManifestPath)
	if err != nil {
		return model.Commit{}, err
	}
	return s.manifestToCommit(m), nil
}

// ListCommits walks the manifest parent chain backward from head, the
// authoritative traversal spec §4.1 names for when advisory indices are
// absent or stale — this backend never consults an index for ListCommits
// since listing is inherently sequential over the chain either way.
func (s *Store) ListCommits(ctx context.Context, limit int, before string) ([]model.Commit, error) {
	if limit <= 0 {
		limit = 100
	}
	h, _, err := s.headObject(ctx)
	if err != nil {
		return nil, err
	}
	if h.CommitID == "" {
		return nil, nil
	}
	skipping := before != ""
	var out []model.Commit
	manifestPath := h.ManifestPath
	for manifestPath != "" {
		m, err := s.manifestAt(ctx, manifestPath)
		if err != nil {
			return nil, err
		}
		if skipping {
			if m.CommitID == before {
				skipping = false
			}
			manifestPath = s.parentManifestPath(m)
			continue
		}
		out = append(out, s.manifestToCommit(m))
		if len(out) >= limit {
			break
		}
		manifestPath = s.parentManifestPath(m)
	}
	return out, nil
}

// parentManifestPath resolves m's parent commit's manifest path via the
// per-commit index object, returning "" once the chain reaches genesis.
func (s *Store) parentManifestPath(m Manifest) string {
	if m.ParentID == "" {
		return ""
	}
	var ref struct {
		ManifestPath string `json:"manifestPath"`
	}
	_, err, found := s.getJSON(context.Background(), s.commitIndexKey(m.ParentID), &ref)
	if err != nil || !found {
		return ""
	}
	return ref.ManifestPath
}

// Commit writes batch's entity/relation rows as per-type Parquet objects
// under a fresh commit directory, publishes a manifest linking to the
// current head's manifest as parent, and CAS-publishes head.json to point at
// it. A changed head between read and CAS surfaces as model.ErrHeadMismatch
// (spec §4.1 "Head mismatch"), exactly as a stale batch.ParentCommit does.
func (s *Store) Commit(ctx context.Context, batch storage.WriteBatch) (model.Commit, error) {
	head, headEtag, err := s.headObject(ctx)
	if err != nil {
		return model.Commit{}, err
	}
	if batch.ParentCommit != head.CommitID {
		return model.Commit{}, model.NewError(model.ErrHeadMismatch, "batch parent does not match current head", nil,
			map[string]any{"expected": head.CommitID, "got": batch.ParentCommit})
	}

	parentSeq := int64(0)
	if head.ManifestPath != "" {
		pm, err := s.manifestAt(ctx, head.ManifestPath)
		if err != nil {
			return model.Commit{}, err
		}
		parentSeq = pm.Sequence
	}

	commitID := uuid.NewString()
	nonce := uuid.NewString()[:8]
	dir := s.key("commits", fmt.Sprintf("%s-%s", commitID, nonce))

	kind := batch.Kind
	if kind == "" {
		kind = model.CommitKindData
	}
	m := Manifest{
		CommitID: commitID, ParentID: head.CommitID, Sequence: parentSeq + 1,
		CreatedAt: time.Now().UTC(), Kind: kind, Summary: batch.Summary,
	}

	entityByType := map[string][]model.EntityRow{}
	for _, e := range batch.Entities {
		e.CommitID = commitID
		entityByType[e.TypeName] = append(entityByType[e.TypeName], e)
	}
	for typeName, rows := range entityByType {
		data, err := entityRowsToParquet(rows)
		if err != nil {
			return model.Commit{}, model.StorageBackendError("objectstore:commit:encode_entities", err)
		}
		objKey := path.Join(dir, "entities", typeName+".parquet")
		if _, err := s.putObject(ctx, objKey, data, nil, nil); err != nil {
			return model.Commit{}, model.StorageBackendError("objectstore:commit:put_entities", err)
		}
		m.Files = append(m.Files, ManifestEntry{Kind: "entity", TypeName: typeName, Path: objKey, RowCount: len(rows), ContentSHA256: sha256Hex(data)})
	}

	relByType := map[string][]model.RelationRow{}
	for _, r := range batch.Relations {
		r.CommitID = commitID
		relByType[r.TypeName] = append(relByType[r.TypeName], r)
	}
	for typeName, rows := range relByType {
		data, err := relationRowsToParquet(rows)
		if err != nil {
			return model.Commit{}, model.StorageBackendError("objectstore:commit:encode_relations", err)
		}
		objKey := path.Join(dir, "relations", typeName+".parquet")
		if _, err := s.putObject(ctx, objKey, data, nil, nil); err != nil {
			return model.Commit{}, model.StorageBackendError("objectstore:commit:put_relations", err)
		}
		m.Files = append(m.Files, ManifestEntry{Kind: "relation", TypeName: typeName, Path: objKey, RowCount: len(rows), ContentSHA256: sha256Hex(data)})
	}

	manifestPath := path.Join(dir, "manifest.json")
	if _, err := s.putJSONUnconditional(ctx, manifestPath, m); err != nil {
		return model.Commit{}, model.StorageBackendError("objectstore:commit:put_manifest", err)
	}

	if _, err := s.putJSONUnconditional(ctx, s.commitIndexKey(commitID), struct {
		ManifestPath string `json:"manifestPath"`
	}{ManifestPath: manifestPath}); err != nil {
		return model.Commit{}, model.StorageBackendError("objectstore:commit:put_commit_index", err)
	}

	newHead := Head{CommitID: commitID, ManifestPath: manifestPath, UpdatedAt: time.Now().UTC(), RuntimeID: s.runtimeID}
	var ifMatch, ifNoneMatch *string
	if head.CommitID == "" && headEtag == "" {
		ifNoneMatch = aws.String("*")
	} else {
		ifMatch = aws.String(headEtag)
	}
	if _, err := s.putJSON(ctx, s.key("meta/head.json"), newHead, ifMatch, ifNoneMatch); err != nil {
		if isPreconditionFailed(err) {
			return model.Commit{}, model.NewError(model.ErrHeadMismatch, "head changed concurrently between plan and publish", err, nil)
		}
		return model.Commit{}, model.StorageBackendError("objectstore:commit:put_head", err)
	}

	for _, a := range batch.Activations {
		if err := s.ActivateSchema(ctx, model.ActivationRecord{
			Namespace: s.namespace, TypeName: a.TypeName, SchemaHash: a.SchemaHash, CommitID: commitID, ActivatedAt: m.CreatedAt,
		}); err != nil {
			return model.Commit{}, err
		}
	}

	s.updateIndices(ctx, m)

	return s.manifestToCommit(m), nil
}

// updateIndices best-effort refreshes the advisory per-type min/max-commit
// index objects spec §4.1 names as an accelerant; failures here are logged,
// not propagated, since the manifest chain remains the authoritative source
// of truth if an index falls behind (spec §4.1 "indices are advisory").
func (s *Store) updateIndices(ctx context.Context, m Manifest) {
	for _, f := range m.Files {
		idxKey := s.key("meta/indices", f.Kind+"s", f.TypeName+".json")
		var idx typeIndex
		_, err, found := s.getJSON(ctx, idxKey, &idx)
		if err != nil && found {
			s.logger.Warn("index decode failed, leaving stale", zap.String("key", idxKey), zap.Error(err))
			continue
		}
		idx.TypeName = f.TypeName
		idx.MaxIndexedCommit = m.Sequence
		idx.Entries = append(idx.Entries, typeIndexEntry{MinCommitSeq: m.Sequence, MaxCommitSeq: m.Sequence, Path: f.Path})
		if _, err := s.putJSONUnconditional(ctx, idxKey, idx); err != nil {
			s.logger.Warn("index update failed", zap.String("key", idxKey), zap.Error(err))
		}
	}
}

type typeIndexEntry struct {
	MinCommitSeq int64  `json:"minCommitSeq"`
	MaxCommitSeq int64  `json:"maxCommitSeq"`
	Path         string `json:"path"`
}

type typeIndex struct {
	TypeName         string           `json:"typeName"`
	MaxIndexedCommit int64            `json:"maxIndexedCommit"`
	Entries          []typeIndexEntry `json:"entries"`
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func strReader(b []byte) io.Reader { return &byteReader{b: b} }

type byteReader struct {
	b []byte
	i int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
