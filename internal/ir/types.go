package ir

import (
	"errors"
	"time"
)

// ErrUnavailable is returned (wrapped) by transport handlers when a request
// could not be delivered at all, as opposed to being rejected by the server.
// A mutation that fails with ErrUnavailable stays queued for replay.
var ErrUnavailable = errors.New("transport unavailable")

// Record is a single row of a table as seen by the client.
// It is an alias so that []map[string]any results can be patched directly.
type Record = map[string]any

// IDField is the record field used to identify rows for update and delete.
const IDField = "id"

// QueryKey identifies a distinct (query, params) pair. See QueryKeyFor.
type QueryKey string

// Kind is the kind of write a Mutation performs.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// ValidKinds defines the accepted mutation kinds.
var ValidKinds = map[Kind]bool{
	KindCreate: true,
	KindUpdate: true,
	KindDelete: true,
}

// Status is the lifecycle state of a Mutation.
//
//	pending → applied → {synced | failed}
type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is final. Terminal mutations are never
// modified again and are only kept in the bounded history.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusFailed
}

// Mutation is a not-yet-confirmed (or recently settled) write.
type Mutation struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Table   string `json:"table"`
	Payload Record `json:"payload"`

	// OptimisticRef lists the cache keys that carry this mutation's optimistic layer.
	OptimisticRef []QueryKey `json:"optimistic_ref,omitempty"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	// Seq is the logical clock value at submission; it orders mutations.
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a deep copy that shares no maps or slices with m.
func (m Mutation) Clone() Mutation {
	out := m
	out.Payload = CloneRecord(m.Payload)
	if m.OptimisticRef != nil {
		out.OptimisticRef = append([]QueryKey(nil), m.OptimisticRef...)
	}
	return out
}
