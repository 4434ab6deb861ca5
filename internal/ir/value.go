package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"
)

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// CRITICAL: Go's sort.Strings uses UTF-8 which produces DIFFERENT order.
func SortedKeys[V any](obj map[string]V) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering
// as required by RFC 8785 (Canonical JSON).
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	// If all compared units are equal, shorter string comes first
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// CloneRecord returns a deep copy of r. Nested maps and slices are copied so
// optimistic patches can never alias a value a subscriber already holds.
func CloneRecord(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneRecord(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case []Record:
		out := make([]Record, len(val))
		for i, elem := range val {
			out[i] = CloneRecord(elem)
		}
		return out
	default:
		return v
	}
}

// MergeRecord returns a copy of base with every field of patch applied on top.
// Neither argument is modified.
func MergeRecord(base, patch Record) Record {
	out := CloneRecord(base)
	if out == nil {
		out = make(Record, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// IDOf returns the record's identifier and whether it has one.
func IDOf(r Record) (any, bool) {
	if r == nil {
		return nil, false
	}
	id, ok := r[IDField]
	return id, ok && id != nil
}

// SameID reports whether two identifiers refer to the same row.
// Identifiers are compared by canonical form so 1, int64(1) and 1.0 match,
// which matters when a locally created record meets its decoded server copy.
func SameID(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	return SameValue(a, b)
}

// SameValue reports whether a and b have the same canonical JSON form.
// Values that cannot be canonicalized never match.
func SameValue(a, b any) bool {
	ca, err := MarshalCanonical(a)
	if err != nil {
		return false
	}
	cb, err := MarshalCanonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// IDString renders an identifier in canonical form for use as a storage key.
// String IDs are returned unquoted.
func IDString(id any) (string, error) {
	if s, ok := id.(string); ok {
		return s, nil
	}
	c, err := MarshalCanonical(id)
	if err != nil {
		return "", fmt.Errorf("IDString: %w", err)
	}
	return string(c), nil
}

// DecodeRecord decodes a JSON object into a Record.
// Numbers become int64 when integral and float64 otherwise, never json.Number.
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return normalizeNumbers(raw).(Record), nil
}

// normalizeNumbers replaces json.Number values recursively.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, elem := range val {
			val[k] = normalizeNumbers(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = normalizeNumbers(elem)
		}
		return val
	default:
		return v
	}
}
