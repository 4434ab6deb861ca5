// Package ir provides the foundational types shared by every livesync package.
//
// This package contains value types, canonical serialization and hashing only.
// All other internal packages import ir; ir imports nothing internal. This keeps
// the cache, registry, queue and engine free of circular dependencies.
//
// Key design constraints:
//   - QueryKeys are content-addressed: the same (query, params) pair always
//     produces the same key regardless of map iteration order
//   - Canonical JSON follows RFC 8785 (UTF-16 key order, NFC strings, no HTML escaping)
//   - Records are plain map[string]any values; patches never mutate them in place
//   - Logical clocks (seq) order events, wall-clock timestamps are informational
package ir
