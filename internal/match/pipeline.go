package match

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Pipeline is the single-consumer task that reads Certificate events and
// runs subject expansion, watchlist matching, dedupe, the optional
// root-domain post-filter, and sink fan-out, in that order (spec §4.6).
type Pipeline struct {
	watchlist   *Watchlist
	dedupe      *Dedupe
	rootDomains *RootDomainSet
	sinks       []Sink
	logger      logrus.FieldLogger
	now         func() time.Time
}

func NewPipeline(wl *Watchlist, dedupe *Dedupe, rootDomains *RootDomainSet, sinks []Sink, logger logrus.FieldLogger) *Pipeline {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pipeline{
		watchlist:   wl,
		dedupe:      dedupe,
		rootDomains: rootDomains,
		sinks:       sinks,
		logger:      logger,
		now:         time.Now,
	}
}

// Run consumes events until the channel is closed or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, events <-chan Certificate) {
	for {
		select {
		case cert, ok := <-events:
			if !ok {
				return
			}
			p.ProcessOne(ctx, cert)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessOne runs the full pipeline for a single certificate and returns
// the Result that was emitted, if any (nil if nothing matched or the
// match was suppressed by dedupe/root-domain filter).
func (p *Pipeline) ProcessOne(ctx context.Context, cert Certificate) *Result {
	subjects := expandSubjects(cert)

	var (
		matchedIdentifier string
		programLabel      string
		found             bool
	)
	for _, s := range subjects {
		if id, label, ok := p.watchlist.Match(s); ok {
			matchedIdentifier, programLabel, found = id, label, true
			break
		}
	}
	if !found {
		return nil
	}

	if p.dedupe != nil && !p.dedupe.ShouldEmit(cert.Fingerprint, matchedIdentifier) {
		return nil
	}

	if !p.rootDomains.Allows(matchedIdentifier) {
		return nil
	}

	result := Result{
		MatchedIdentifier: matchedIdentifier,
		RootDomain:        EffectiveTLDPlusOne(matchedIdentifier),
		AllNames:          allNames(cert),
		CertIndex:         cert.EntryIndex,
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
		Fingerprint:       cert.Fingerprint,
		IssuerCN:          cert.IssuerCN,
		ProgramLabel:      programLabel,
		SourceLogURL:      cert.SourceLog,
		DiscoveredAt:      p.now(),
		IsPrecert:         cert.IsPrecert,
	}

	for _, sink := range p.sinks {
		func(s Sink) {
			defer func() {
				if r := recover(); r != nil {
					p.logger.WithField("panic", r).Error("match sink panicked, continuing with remaining sinks")
				}
			}()
			s.Emit(ctx, result)
		}(sink)
	}

	return &result
}

// expandSubjects implements spec §4.6 step 1: the union of dNSName
// entries and IP literals from the SAN list, in the order the parser
// produced them (DNS names first, then IPs) so "first-found subject" is
// deterministic given a fixed certificate.
func expandSubjects(cert Certificate) []string {
	out := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses))
	out = append(out, cert.DNSNames...)
	out = append(out, cert.IPAddresses...)
	return out
}

// allNames satisfies invariant I3: all_names is a superset containing
// matched_identifier, since matched_identifier is drawn from this same
// set.
func allNames(cert Certificate) []string {
	out := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses))
	out = append(out, cert.DNSNames...)
	out = append(out, cert.IPAddresses...)
	return out
}
