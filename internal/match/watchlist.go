package match

import (
	"net/netip"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/net/idna"
	"golang.org/x/text/cases"
)

var foldCase = cases.Fold()

// Program is one watchlist scope: an anonymous (unlabeled) program or a
// named one. Exact hostnames and single IPs are held in sets; domain
// suffix patterns and CIDRs are held as ordered lists since suffix and
// CIDR matching both require iteration, not membership lookup.
type Program struct {
	Label   string
	Domains []string // suffix patterns, e.g. "*.x.com" or ".x.com"
	Hosts   mapset.Set[string]
	IPs     mapset.Set[string]
	CIDRs   []netip.Prefix
}

func newProgram(label string) *Program {
	return &Program{
		Label: label,
		Hosts: mapset.NewThreadUnsafeSet[string](),
		IPs:   mapset.NewThreadUnsafeSet[string](),
	}
}

// Watchlist is the process-wide, mutable set of match targets: one
// anonymous program plus zero or more labeled programs, in definition
// order. It is safe for concurrent use; the lock must never be held
// across I/O (spec §5).
type Watchlist struct {
	mu       sync.RWMutex
	anon     *Program
	programs []*Program // labeled, in definition order
	byLabel  map[string]*Program
}

func New() *Watchlist {
	return &Watchlist{
		anon:    newProgram(""),
		byLabel: make(map[string]*Program),
	}
}

// Merge adds entries from a WatchlistSource fetch into the shared
// watchlist. Removal is not supported, per spec §3 ("not required for
// correctness").
func (w *Watchlist) Merge(entries []Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, e := range entries {
		p := w.anon
		if e.ProgramLabel != "" {
			p = w.programLocked(e.ProgramLabel)
		}
		p.Domains = append(p.Domains, e.Domains...)
		for _, h := range e.Hosts {
			p.Hosts.Add(normalizeHost(h))
		}
		for _, ip := range e.IPs {
			if addr, err := netip.ParseAddr(ip); err == nil {
				p.IPs.Add(addr.String())
			}
		}
		for _, c := range e.CIDRs {
			if prefix, err := netip.ParsePrefix(c); err == nil {
				p.CIDRs = append(p.CIDRs, prefix)
			}
		}
	}
}

// AddHost adds a single exact hostname to a program (creating it if
// absent), mirroring original_source's add_host_to_program helper.
func (w *Watchlist) AddHost(programLabel, host string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.anon
	if programLabel != "" {
		p = w.programLocked(programLabel)
	}
	p.Hosts.Add(normalizeHost(host))
}

// AddDomain adds a suffix/wildcard pattern to a program.
func (w *Watchlist) AddDomain(programLabel, pattern string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.anon
	if programLabel != "" {
		p = w.programLocked(programLabel)
	}
	p.Domains = append(p.Domains, pattern)
}

func (w *Watchlist) programLocked(label string) *Program {
	if p, ok := w.byLabel[label]; ok {
		return p
	}
	p := newProgram(label)
	w.byLabel[label] = p
	w.programs = append(w.programs, p)
	return p
}

// Match implements spec §4.6 step 2: for each subject, try the
// anonymous program first, then labeled programs in definition order;
// the first hit wins. It returns the matching identifier and program
// label (empty for the anonymous program), or ok=false.
func (w *Watchlist) Match(subject string) (identifier, programLabel string, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	host := normalizeHost(subject)
	if isIPLiteral(host) {
		if matchProgramIP(w.anon, host) {
			return host, "", true
		}
		for _, p := range w.programs {
			if matchProgramIP(p, host) {
				return host, p.Label, true
			}
		}
		return "", "", false
	}

	if matchProgramHost(w.anon, host) {
		return host, "", true
	}
	for _, p := range w.programs {
		if matchProgramHost(p, host) {
			return host, p.Label, true
		}
	}
	return "", "", false
}

func matchProgramHost(p *Program, host string) bool {
	if p.Hosts.Contains(host) {
		return true
	}
	for _, pattern := range p.Domains {
		if MatchesPattern(host, pattern) {
			return true
		}
	}
	return false
}

func matchProgramIP(p *Program, host string) bool {
	if p.IPs.Contains(host) {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, cidr := range p.CIDRs {
		if cidr.Contains(addr) {
			return true
		}
	}
	return false
}

// MatchesPattern implements Property P6: root(p) = p with a leading
// "*." or "." stripped; the wildcard form "*.x.com" matches only strict
// subdomains of x.com (never x.com itself), while the bare-suffix form
// ".x.com" and the plain form "x.com" both match x.com and its
// subdomains. Comparison is case-insensitive.
func MatchesPattern(host, pattern string) bool {
	host = normalizeHost(host)
	pattern = normalizeHost(pattern)

	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	if suffix, ok := strings.CutPrefix(pattern, "."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// normalizeHost lower-cases (Unicode-aware) and converts to ASCII/Punycode
// so patterns and subjects compare on the same representation regardless
// of whether a certificate carried an internationalized name.
func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	host = foldCase.String(host)
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}

func isIPLiteral(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}
