package ctlogs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// dnsPrecheckConcurrency bounds the fan-out in filterByDNS so a large log
// list doesn't open hundreds of simultaneous DNS queries.
const dnsPrecheckConcurrency = 16

// ResolverError is returned when the log list cannot be resolved and no
// static override is configured.
type ResolverError struct {
	Cause error
}

func (e *ResolverError) Error() string { return fmt.Sprintf("resolving log list: %v", e.Cause) }
func (e *ResolverError) Unwrap() error { return e.Cause }

// AcceptancePolicy is the 3-bit configuration from spec §4.1.
type AcceptancePolicy struct {
	IncludeReadonly bool
	IncludePending  bool
	IncludeAll      bool
}

func (p AcceptancePolicy) accepts(state LogState, url string) bool {
	if p.IncludeAll {
		return url != ""
	}
	switch state {
	case StateUsable, StateQualified:
		return true
	case StateReadonly:
		return p.IncludeReadonly
	case StatePending:
		return p.IncludePending
	default:
		return false
	}
}

type logListDoc struct {
	Version   string `json:"version"`
	Operators []struct {
		Name  string `json:"name"`
		Email string `json:"email,omitempty"`
		Logs  []struct {
			URL         string          `json:"url"`
			Description string          `json:"description,omitempty"`
			MMD         int             `json:"mmd,omitempty"`
			State       json.RawMessage `json:"state,omitempty"`
		} `json:"logs"`
	} `json:"operators"`
}

// classifyState inspects the state sub-object and reports which single
// key is present, mirroring "a log may sit in exactly one state".
func classifyState(raw json.RawMessage) LogState {
	if len(raw) == 0 {
		return StateUnknown
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return StateUnknown
	}
	for _, k := range []LogState{StateUsable, StateQualified, StateReadonly, StateRetired, StateRejected, StatePending} {
		if _, ok := m[string(k)]; ok {
			return k
		}
	}
	return StateUnknown
}

// Resolver fetches, filters, and merges the set of log endpoints to
// monitor.
type Resolver struct {
	httpClient  *http.Client
	logger      logrus.FieldLogger
	dnsPrecheck bool
	dnsServer   string
}

type ResolverOption func(*Resolver)

func WithDNSPrecheck(enabled bool, server string) ResolverOption {
	return func(r *Resolver) {
		r.dnsPrecheck = enabled
		if server != "" {
			r.dnsServer = server
		}
	}
}

func NewResolver(httpClient *http.Client, logger logrus.FieldLogger, opts ...ResolverOption) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Resolver{httpClient: httpClient, logger: logger, dnsServer: "1.1.1.1:53"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve fetches listURL, applies the acceptance policy, unions
// additionalLogs (de-duplicated by URL), and caps the result at
// maxConcurrentLogs when > 0. staticFallback, if non-nil, is used
// instead of fatally failing when the list cannot be fetched or parsed.
func (r *Resolver) Resolve(ctx context.Context, listURL string, policy AcceptancePolicy, additionalLogs []Descriptor, maxConcurrentLogs int, staticFallback []Descriptor) ([]Descriptor, error) {
	doc, err := r.fetchDoc(ctx, listURL)
	if err != nil {
		if staticFallback != nil {
			r.logger.WithError(err).Warn("falling back to static log list")
			doc = nil
		} else {
			return nil, &ResolverError{Cause: err}
		}
	}

	var accepted []Descriptor
	if doc != nil {
		if err := r.checkVersion(doc.Version); err != nil {
			if staticFallback == nil {
				return nil, &ResolverError{Cause: err}
			}
			r.logger.WithError(err).Warn("log list schema version rejected, falling back to static set")
			doc = nil
		}
	}

	if doc != nil {
		for _, op := range doc.Operators {
			for _, lg := range op.Logs {
				state := classifyState(lg.State)
				if !policy.accepts(state, lg.URL) {
					continue
				}
				accepted = append(accepted, Descriptor{
					URL:         lg.URL,
					Operator:    op.Name,
					Description: lg.Description,
					State:       state,
					MMDSeconds:  lg.MMD,
				})
			}
		}
	} else {
		accepted = append(accepted, staticFallback...)
	}

	seen := make(map[string]struct{}, len(accepted))
	for _, d := range accepted {
		seen[d.URL] = struct{}{}
	}
	for _, add := range additionalLogs {
		if _, dup := seen[add.URL]; dup {
			continue
		}
		seen[add.URL] = struct{}{}
		accepted = append(accepted, add)
	}

	if r.dnsPrecheck {
		accepted = r.filterByDNS(ctx, accepted)
	}

	if maxConcurrentLogs > 0 && len(accepted) > maxConcurrentLogs {
		accepted = accepted[:maxConcurrentLogs]
	}

	r.logger.WithField("count", len(accepted)).Info("resolved monitored log set")
	return accepted, nil
}

func (r *Resolver) checkVersion(v string) error {
	if v == "" {
		return nil
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("unparseable log list version %q: %w", v, err)
	}
	if sv.Major() < 1 {
		return fmt.Errorf("unsupported log list schema version %s", v)
	}
	return nil
}

func (r *Resolver) fetchDoc(ctx context.Context, listURL string) (*logListDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching log list", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var doc logListDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// filterByDNS drops logs whose hostname does not resolve. Best-effort
// and never blocks startup: lookups run concurrently, bounded by
// dnsPrecheckConcurrency, with a short per-log timeout; failures only
// produce a warning. Order is preserved by writing into a pre-sized
// slice rather than appending from goroutines.
func (r *Resolver) filterByDNS(ctx context.Context, descriptors []Descriptor) []Descriptor {
	client := new(dns.Client)
	client.Timeout = 3 * time.Second

	keep := make([]bool, len(descriptors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dnsPrecheckConcurrency)

	for i, d := range descriptors {
		i, d := i, d
		g.Go(func() error {
			host := hostOf(d.URL)
			if host == "" {
				keep[i] = true
				return nil
			}
			m := new(dns.Msg)
			m.SetQuestion(dns.Fqdn(host), dns.TypeA)
			resp, _, err := client.ExchangeContext(gctx, m, r.dnsServer)
			if err != nil || resp == nil || len(resp.Answer) == 0 {
				r.logger.WithField("log_url", d.URL).Warn("dns precheck failed, dropping log from monitored set")
				return nil
			}
			keep[i] = true
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Descriptor, 0, len(descriptors))
	for i, d := range descriptors {
		if keep[i] {
			out = append(out, d)
		}
	}
	return out
}

func hostOf(rawURL string) string {
	s := strings.TrimPrefix(rawURL, "https://")
	s = strings.TrimPrefix(s, "http://")
	if idx := strings.IndexAny(s, "/:"); idx >= 0 {
		s = s[:idx]
	}
	return s
}
