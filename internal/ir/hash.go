package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainQueryKey = "livesync/querykey/v" + KeyVersion
	DomainValue    = "livesync/value/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// QueryKeyFor derives the cache key for a (query, params) pair.
//
// Two logically identical queries collide to the same key regardless of
// call-site map identity or field order:
//
//	QueryKeyFor("todos.list", {"status": "open", "limit": 10}) ==
//	QueryKeyFor("todos.list", {"limit": 10, "status": "open"})
//
// A nil params map and an empty one produce the same key.
func QueryKeyFor(query string, params map[string]any) (QueryKey, error) {
	if query == "" {
		return "", fmt.Errorf("QueryKeyFor: query name is required")
	}
	if params == nil {
		params = map[string]any{}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"query":  query,
		"params": params,
	})
	if err != nil {
		return "", fmt.Errorf("QueryKeyFor: failed to marshal: %w", err)
	}
	return QueryKey(hashWithDomain(DomainQueryKey, canonical)), nil
}

// MustQueryKey is like QueryKeyFor but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustQueryKey(query string, params map[string]any) QueryKey {
	key, err := QueryKeyFor(query, params)
	if err != nil {
		panic(err)
	}
	return key
}

// ValueHash fingerprints an arbitrary cached value. Used for logging and
// trace output where printing whole result sets would be noisy.
func ValueHash(v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("ValueHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainValue, canonical), nil
}
