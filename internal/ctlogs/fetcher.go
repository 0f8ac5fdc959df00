package ctlogs

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// NewHTTPClient builds the hardened transport used to talk to CT log
// endpoints: TLS 1.2 minimum with ALPN negotiation left to the peer (no
// forced HTTP/2 preference), gzip transfer encoding accepted by default,
// tuned dial/idle timeouts, and a 30-second per-request timeout.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			},
			CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256, tls.CurveP384},
			NextProtos:       []string{"h2", "http/1.1"},
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
	}
}

// StatusError carries an HTTP status code so callers can distinguish 429
// (soft failure, mandatory pause) from other failures.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// LogClient performs get-sth/get-entries requests against a single CT
// log, paced by a rate limiter.
type LogClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func NewLogClient(baseURL string, httpClient *http.Client, limiter *rate.Limiter) *LogClient {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 10)
	}
	return &LogClient{baseURL: baseURL, http: httpClient, limiter: limiter}
}

type sthResponse struct {
	TreeSize       uint64 `json:"tree_size"`
	Timestamp      uint64 `json:"timestamp"`
	SHA256RootHash string `json:"sha256_root_hash"`
}

func (c *LogClient) GetSTH(ctx context.Context) (SignedTreeHead, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return SignedTreeHead{}, err
	}
	var resp sthResponse
	if err := c.doJSON(ctx, c.baseURL+"/ct/v1/get-sth", &resp); err != nil {
		return SignedTreeHead{}, err
	}
	return SignedTreeHead{TreeSize: resp.TreeSize, Timestamp: resp.Timestamp, RootHash: resp.SHA256RootHash}, nil
}

type entriesResponse struct {
	Entries []struct {
		LeafInput string `json:"leaf_input"`
		ExtraData string `json:"extra_data"`
	} `json:"entries"`
}

// GetEntries requests the inclusive range [start, end] and
// returns the raw base64 leaf_input/extra_data pairs. The server may
// legally return fewer entries than requested.
func (c *LogClient) GetEntries(ctx context.Context, start, end uint64) ([]RawEntryB64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/ct/v1/get-entries?start=%s&end=%s", c.baseURL, strconv.FormatUint(start, 10), strconv.FormatUint(end, 10))
	var resp entriesResponse
	if err := c.doJSON(ctx, url, &resp); err != nil {
		return nil, err
	}
	out := make([]RawEntryB64, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		out = append(out, RawEntryB64{LeafInput: e.LeafInput, ExtraData: e.ExtraData})
	}
	return out, nil
}

// RawEntryB64 holds an entry's fields still base64-encoded, exactly as
// returned on the wire, so the Certificate Parser owns the decode step.
type RawEntryB64 struct {
	LeafInput string
	ExtraData string
}

func (c *LogClient) doJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &StatusError{StatusCode: resp.StatusCode, URL: url}
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
