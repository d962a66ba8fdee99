package cache

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// cacheKey is the fixed-width digest identifying one (tenant, path,
// canonicalParams) triple. Using the full tenant-qualified hash as the
// lookup key (rather than hashing tenant and params separately) makes
// cross-tenant collision structurally impossible — the isolation invariant
// from spec.md §4.4.
type cacheKey [32]byte

// canonicalize sorts params by key, skips nil values, and stringifies
// deterministically so equivalent requests always produce the same key
// regardless of map iteration order or param insertion order.
func canonicalize(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		fmt.Fprintf(&b, "%s=%v", k, params[k])
	}
	return b.String()
}

// computeKey hashes the canonical (tenantId, path, canonicalParams) triple.
func computeKey(tenantID, path string, params map[string]any) cacheKey {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(canonicalize(params)))
	var out cacheKey
	copy(out[:], h.Sum(nil))
	return out
}

// shardIndex picks a shard for key using its own leading bytes (the key is
// already a uniformly distributed hash, so no secondary hash is needed).
func shardIndex(key cacheKey, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	v := uint32(key[0])<<24 | uint32(key[1])<<16 | uint32(key[2])<<8 | uint32(key[3])
	return int(v % uint32(shardCount))
}
