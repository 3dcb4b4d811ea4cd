// Package canonical provides the content-hashing primitive shared by the
// schema registry and the migration engine: a deterministic digest of an
// arbitrary JSON-marshalable value. No canonicalization library appears
// anywhere in the retrieval pack, so this is hand-rolled stdlib
// (encoding/json + crypto/sha256) — see DESIGN.md.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
)

// JSON marshals v through encoding/json (which already sorts map keys) and
// compacts the result, giving a stable byte representation for hashing.
func JSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex-encoded SHA-256 digest of v's canonical JSON.
func Hash(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Token returns base64url(sha256(planHash + ":" + headCommitID)), the
// deterministic migration preview token spec §4.3 specifies.
func Token(planHash, headCommitID string) string {
	sum := sha256.Sum256([]byte(planHash + ":" + headCommitID))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
