package store

import (
	"fmt"

	"github.com/roach88/livesync/internal/ir"
)

// marshalRecord converts a record to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalRecord(rec ir.Record) (string, error) {
	data, err := ir.MarshalCanonical(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(data), nil
}

// unmarshalRecord parses canonical JSON TEXT back into a record.
// Integral numbers come back as int64 so ids keep their identity.
func unmarshalRecord(data string) (ir.Record, error) {
	if data == "" {
		return ir.Record{}, nil
	}
	rec, err := ir.DecodeRecord([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

// recordID returns the storage key for rec's id field.
func recordID(rec ir.Record) (string, bool, error) {
	id, ok := ir.IDOf(rec)
	if !ok {
		return "", false, nil
	}
	s, err := ir.IDString(id)
	if err != nil {
		return "", true, fmt.Errorf("record id: %w", err)
	}
	return s, true, nil
}

// intParam reads an integral parameter such as limit. YAML, JSON and Go
// callers hand over different numeric types.
func intParam(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
