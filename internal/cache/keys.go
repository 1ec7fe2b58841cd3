package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Key derivation. Digests are full 64-hex-char SHA-256; truncating them
// would manufacture cross-entry collisions.

func EmbeddingKey(text string) string {
	return "embedding:" + sha256Hex(text)
}

func ReformulationKey(query, method string) string {
	return "query_reform:" + sha256Hex(query+":"+method)
}

// SearchKey scopes the digest under a tenant segment so invalidation can
// sweep one tenant without touching the rest of the keyspace. The digest
// covers the query plus the full canonical parameter set.
func SearchKey(tenantID, query string, params any) (string, error) {
	canon, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}
	return SearchPrefix(tenantID) + sha256Hex(query+":"+canon), nil
}

func SearchPrefix(tenantID string) string {
	return "search:" + tenantID + ":"
}

// CanonicalJSON renders v with all object keys sorted, so logically equal
// parameter sets digest identically. Round-tripping through map[string]any
// leans on encoding/json's sorted map iteration.
func CanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var loose any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return "", err
	}
	canon, err := json.Marshal(loose)
	if err != nil {
		return "", err
	}
	return string(canon), nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
