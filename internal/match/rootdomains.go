package match

import (
	"bufio"
	"os"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// RootDomainSet is the optional post-filter from spec §4.6 step 4: when
// loaded, a match is kept only if its matched_identifier equals, or is a
// subdomain of, one of these roots. Roots are matched as configured
// (not reduced to eTLD+1), so an operator can scope the filter to a
// subdomain narrower than a full registrable domain if they want to.
type RootDomainSet struct {
	roots map[string]struct{}
}

// LoadRootDomains reads one domain per line from path. A nil, empty
// RootDomainSet means "no filter configured" (Allows always returns true).
func LoadRootDomains(path string) (*RootDomainSet, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	roots := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		roots[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &RootDomainSet{roots: roots}, nil
}

// Allows reports whether identifier is equal to, or a subdomain suffix
// of, any configured root. A nil set allows everything.
func (r *RootDomainSet) Allows(identifier string) bool {
	if r == nil || len(r.roots) == 0 {
		return true
	}
	identifier = strings.ToLower(identifier)
	for root := range r.roots {
		if identifier == root || strings.HasSuffix(identifier, "."+root) {
			return true
		}
	}
	return false
}

// EffectiveTLDPlusOne returns the registrable domain (eTLD+1) of host.
// The pipeline stores it in Result.RootDomain so output sinks can group
// matches by organization rather than by raw hostname; the root-domain
// post-filter above does not use it.
func EffectiveTLDPlusOne(host string) string {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil || etld1 == "" {
		return host
	}
	return etld1
}
