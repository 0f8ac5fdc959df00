// Package ctlogs implements the core of the CT log monitoring pipeline:
// resolving the monitored log set, polling each log's RFC 6962 endpoints,
// tracking per-log health, and parsing raw entries into certificates.
package ctlogs

import "time"

// LogState classifies a log's lifecycle position in the canonical log
// list document. A log sits in exactly one state at a time.
type LogState string

const (
	StateUsable    LogState = "usable"
	StateQualified LogState = "qualified"
	StateReadonly  LogState = "readonly"
	StateRetired   LogState = "retired"
	StateRejected  LogState = "rejected"
	StatePending   LogState = "pending"
	StateUnknown   LogState = ""
)

// Descriptor is the immutable identity of a monitored CT log, resolved
// once at startup. Monitored-set membership is a policy decision made by
// the resolver, not a property carried on the descriptor itself.
type Descriptor struct {
	URL         string
	Operator    string
	Description string
	State       LogState
	MMDSeconds  int
}

// SignedTreeHead is the log's statement of current size and root hash.
// Fetched on every poll iteration, never persisted.
type SignedTreeHead struct {
	TreeSize  uint64
	Timestamp uint64
	RootHash  string
}

// ParsedCertificate is the outcome of successfully disassembling one
// get-entries leaf. Names are the union of SAN dNSName entries, falling
// back to the subject Common Name when the SAN list is empty.
type ParsedCertificate struct {
	DNSNames      []string
	IPAddresses   []string
	NotBefore     int64
	NotAfter      int64
	Fingerprint   string
	IsPrecert     bool
	IssuerCN      string
	LeafObserved  int64 // log-observed timestamp from the Merkle leaf, distinct from cert validity
	WeakSignature bool
	WeakKey       bool
}

// CertificateEvent is a ParsedCertificate tagged with its provenance:
// the log it came from and its index within that log.
type CertificateEvent struct {
	Cert       ParsedCertificate
	SourceLog  string
	EntryIndex uint64
	ObservedAt time.Time
}

// Health describes a single log's poll-eligibility state. Held in
// memory only; never persisted, per spec.
type HealthState string

const (
	Healthy  HealthState = "healthy"
	Degraded HealthState = "degraded"
	Failed   HealthState = "failed"
)

type Health struct {
	Status               HealthState
	ConsecutiveFailures  uint32
	LastSuccessAt        time.Time
	LastFailureAt        time.Time
	NextAttemptNotBefore time.Time
}
