// Package output implements the concrete MatchSink collaborators: sinks
// the core hands Match Results to, kept outside the core per spec §1/§6.
package output

import (
	"time"

	"github.com/bl4ck0w1/ctsentry/internal/match"
)

// Payload is the JSON shape of a MatchResult named in spec §6.
type Payload struct {
	EventType    string    `json:"event_type"`
	Timestamp    time.Time `json:"timestamp"`
	MatchedDomain string   `json:"matched_domain"`
	RootDomain   string    `json:"root_domain,omitempty"`
	AllDomains   []string  `json:"all_domains"`
	CertIndex    uint64    `json:"cert_index"`
	NotBefore    int64     `json:"not_before"`
	NotAfter     int64     `json:"not_after"`
	Fingerprint  string    `json:"fingerprint"`
	ProgramName  string    `json:"program_name,omitempty"`
	CTLog        string    `json:"ct_log"`
	Issuer       string    `json:"issuer,omitempty"`
	IsPrecert    bool      `json:"is_precert"`
}

func toPayload(r match.Result) Payload {
	return Payload{
		EventType:     "ct_match",
		Timestamp:     r.DiscoveredAt,
		MatchedDomain: r.MatchedIdentifier,
		RootDomain:    r.RootDomain,
		AllDomains:    r.AllNames,
		CertIndex:     r.CertIndex,
		NotBefore:     r.NotBefore,
		NotAfter:      r.NotAfter,
		Fingerprint:   r.Fingerprint,
		Issuer:        r.IssuerCN,
		ProgramName:   r.ProgramLabel,
		CTLog:         r.SourceLogURL,
		IsPrecert:     r.IsPrecert,
	}
}
