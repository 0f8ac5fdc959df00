// Package match implements the Match Pipeline: subject expansion,
// watchlist matching, deduplication, an optional root-domain
// post-filter, and fan-out to output sinks.
package match

import (
	"context"
	"time"
)

// Certificate is the subset of ctlogs.ParsedCertificate the match
// pipeline needs, decoupled from the ctlogs package so match has no
// import-cycle risk with the poller (spec §9 cyclic-reference guidance).
type Certificate struct {
	DNSNames    []string
	IPAddresses []string
	NotBefore   int64
	NotAfter    int64
	Fingerprint string
	IssuerCN    string
	IsPrecert   bool
	SourceLog   string
	EntryIndex  uint64
}

// Result is a single Match Result, per spec §3.
type Result struct {
	MatchedIdentifier string
	RootDomain        string // eTLD+1 of MatchedIdentifier, for grouping in output sinks
	AllNames          []string
	CertIndex         uint64
	NotBefore         int64
	NotAfter          int64
	Fingerprint       string
	IssuerCN          string
	ProgramLabel      string
	SourceLogURL      string
	DiscoveredAt      time.Time
	IsPrecert         bool
}

// Sink is the capability every output destination implements. Emit must
// not fail the caller: sinks handle and log their own errors.
type Sink interface {
	Emit(ctx context.Context, result Result)
}

// Source is the capability external watchlist feeds implement.
type Source interface {
	Fetch(ctx context.Context) ([]Entry, error)
}

// Entry is one unit a Source can contribute: either a whole program or
// loose additions to the anonymous program (ProgramLabel == "").
type Entry struct {
	ProgramLabel string
	Domains      []string // suffix patterns, e.g. "*.x.com" or ".x.com"
	Hosts        []string // exact hostnames
	IPs          []string
	CIDRs        []string
}
