package ir

// Version constants for the key derivation scheme and engine.
const (
	// KeyVersion is the QueryKey derivation version. Bump it together with
	// DomainQueryKey when the canonical form changes.
	KeyVersion = "1"

	// EngineVersion is the livesync engine version.
	EngineVersion = "0.1.0"
)
