package ctlogs

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bl4ck0w1/ctsentry/pkg/logging"
)

type fakeFetcher struct {
	mu         sync.Mutex
	sths       []SignedTreeHead
	sthErr     error
	entries    map[[2]uint64][]RawEntryB64
	entriesErr error
	sthCalls   int
	entryCalls int
}

func (f *fakeFetcher) GetSTH(ctx context.Context) (SignedTreeHead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sthCalls++
	if f.sthErr != nil {
		return SignedTreeHead{}, f.sthErr
	}
	idx := f.sthCalls - 1
	if idx >= len(f.sths) {
		idx = len(f.sths) - 1
	}
	return f.sths[idx], nil
}

func (f *fakeFetcher) GetEntries(ctx context.Context, start, end uint64) ([]RawEntryB64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entryCalls++
	if f.entriesErr != nil {
		return nil, f.entriesErr
	}
	return f.entries[[2]uint64{start, end}], nil
}

type fakeStateStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
	history []uint64
	flushed int
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{cursors: make(map[string]uint64)}
}

func (s *fakeStateStore) Get(logURL string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[logURL]
}

func (s *fakeStateStore) Record(logURL string, index uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[logURL] = index
	s.history = append(s.history, index)
	return false
}

func (s *fakeStateStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed++
	return nil
}

// truncatedLeafB64 builds an x509_entry leaf_input that ends right after
// the 12-byte header, leaving no room for the 3-byte DER length prefix,
// so Parse fails it predictably with ErrLeafTooShort.
func truncatedLeafB64() string {
	leaf := make([]byte, 12) // too short past the 12-byte header, len < 15
	leaf[10] = 0
	leaf[11] = 0 // entry type x509
	return base64.StdEncoding.EncodeToString(leaf)
}

func x509LeafWithCertLen(certLen int) []byte {
	leaf := make([]byte, 15+certLen)
	binary.BigEndian.PutUint64(leaf[2:10], 0)
	leaf[10] = 0
	leaf[11] = 0 // x509 entry type
	leaf[12] = byte(certLen >> 16)
	leaf[13] = byte(certLen >> 8)
	leaf[14] = byte(certLen)
	return leaf
}

func TestPollerParseSkipAdvancesCursorByReceivedCount(t *testing.T) {
	// Property P4: N entries, K fail to parse -> cursor advances by N,
	// exactly N-K events emitted. The first get-sth round only performs
	// the first-seen catch-up skip (cursor jumps straight to tree_size,
	// per spec); the second round is the one that actually calls
	// get-entries, matching TestPollerCleanStartCatchesUpToTreeSizeThenAdvances.
	certDER := mustDecodeB64(t, certWithSANB64)
	fetcher := &fakeFetcher{
		sths: []SignedTreeHead{{TreeSize: 100}, {TreeSize: 104}},
		entries: map[[2]uint64][]RawEntryB64{
			{100, 103}: {
				{LeafInput: base64.StdEncoding.EncodeToString(x509LeafWithCert(certDER))},
				{LeafInput: truncatedLeafB64()},                                     // fails to parse
				{LeafInput: base64.StdEncoding.EncodeToString(x509LeafWithCertLen(0))}, // fails to parse (empty DER)
				{LeafInput: base64.StdEncoding.EncodeToString(x509LeafWithCert(certDER))},
			},
		},
	}
	store := newFakeStateStore()
	health := NewHealthTracker(3, logging.Discard())
	events := make(chan CertificateEvent, 10)

	calls := 0
	p := &Poller{
		descriptor: Descriptor{URL: "https://log.example/"},
		client:     fetcher,
		parser:     NewParser(),
		health:     health,
		state:      store,
		events:     events,
		cfg:        PollerConfig{PollInterval: time.Hour, BatchSize: 10, AllowPrecerts: true},
		logger:     logging.Discard(),
		sleep: func(ctx context.Context, d time.Duration) bool {
			calls++
			return calls >= 2 // one catch-up round, one entries round, then stop
		},
	}
	p.Run(context.Background())
	close(events)

	count := 0
	for range events {
		count++
	}
	if got := store.Get("https://log.example/"); got != 104 {
		t.Fatalf("expected cursor to advance by received count (104), got %d", got)
	}
	if count != 2 {
		t.Fatalf("expected 2 of 4 entries to emit events (N-K=4-2), got %d", count)
	}
}

func TestPollerWithinLogOrderingStrictlyIncreasing(t *testing.T) {
	// Property P2: emitted CertificateEvents' EntryIndex must be strictly
	// increasing within a log, including across an entry that fails to
	// parse and is skipped rather than emitted with a placeholder.
	certDER := mustDecodeB64(t, certWithSANB64)
	fetcher := &fakeFetcher{
		sths: []SignedTreeHead{{TreeSize: 50}, {TreeSize: 55}},
		entries: map[[2]uint64][]RawEntryB64{
			{50, 54}: {
				{LeafInput: base64.StdEncoding.EncodeToString(x509LeafWithCert(certDER))},
				{LeafInput: truncatedLeafB64()}, // fails to parse, must not emit
				{LeafInput: base64.StdEncoding.EncodeToString(x509LeafWithCert(certDER))},
				{LeafInput: base64.StdEncoding.EncodeToString(x509LeafWithCert(certDER))},
				{LeafInput: base64.StdEncoding.EncodeToString(x509LeafWithCert(certDER))},
			},
		},
	}
	store := newFakeStateStore()
	health := NewHealthTracker(3, logging.Discard())
	events := make(chan CertificateEvent, 10)

	calls := 0
	p := &Poller{
		descriptor: Descriptor{URL: "https://log.example/"},
		client:     fetcher,
		parser:     NewParser(),
		health:     health,
		state:      store,
		events:     events,
		cfg:        PollerConfig{PollInterval: time.Hour, BatchSize: 10, AllowPrecerts: true},
		logger:     logging.Discard(),
		sleep: func(ctx context.Context, d time.Duration) bool {
			calls++
			return calls >= 2
		},
	}
	p.Run(context.Background())
	close(events)

	var last uint64
	first := true
	count := 0
	for evt := range events {
		if !first && evt.EntryIndex <= last {
			t.Fatalf("entry index not strictly increasing: %d after %d", evt.EntryIndex, last)
		}
		last = evt.EntryIndex
		first = false
		count++
	}
	if count != 4 {
		t.Fatalf("expected 4 emitted events (1 of 5 entries failed to parse), got %d", count)
	}
}

func TestPollerHealthFailureBacksOffAndSkipsGetSTH(t *testing.T) {
	fetcher := &fakeFetcher{sthErr: errors.New("boom")}
	store := newFakeStateStore()
	health := NewHealthTracker(3, logging.Discard())
	events := make(chan CertificateEvent, 1)

	sleeps := 0
	p := &Poller{
		descriptor: Descriptor{URL: "https://log.example/"},
		client:     fetcher,
		parser:     NewParser(),
		health:     health,
		state:      store,
		events:     events,
		cfg:        PollerConfig{PollInterval: time.Hour, BatchSize: 5},
		logger:     logging.Discard(),
		sleep: func(ctx context.Context, d time.Duration) bool {
			sleeps++
			return sleeps >= 4 // three failure pauses, then the health-gate wait
		},
	}
	p.Run(context.Background())

	if fetcher.sthCalls != 3 {
		t.Fatalf("expected get-sth to be skipped once the log is Failed (3 calls), got %d", fetcher.sthCalls)
	}

	st := health.Get("https://log.example/")
	if st.ConsecutiveFailures < 3 {
		t.Fatalf("expected at least 3 consecutive failures, got %d", st.ConsecutiveFailures)
	}
	if st.Status != Failed {
		t.Fatalf("expected Failed status, got %v", st.Status)
	}
}

func TestPollerCleanStartCatchesUpToTreeSizeThenAdvances(t *testing.T) {
	// Scenario S1 (poller half): first get-sth reports tree_size=10 with
	// no cursor yet (skips to 10, initial catch-up is not replayed),
	// second call reports tree_size=12 and get-entries(10,11) returns 2
	// entries, advancing the cursor to 12.
	fetcher := &fakeFetcher{
		sths: []SignedTreeHead{{TreeSize: 10}, {TreeSize: 12}},
		entries: map[[2]uint64][]RawEntryB64{
			{10, 11}: {
				{LeafInput: base64.StdEncoding.EncodeToString(x509LeafWithCertLen(0))},
				{LeafInput: base64.StdEncoding.EncodeToString(x509LeafWithCertLen(0))},
			},
		},
	}
	store := newFakeStateStore()
	health := NewHealthTracker(3, logging.Discard())
	events := make(chan CertificateEvent, 10)

	calls := 0
	p := &Poller{
		descriptor: Descriptor{URL: "https://a.example/"},
		client:     fetcher,
		parser:     NewParser(),
		health:     health,
		state:      store,
		events:     events,
		cfg:        PollerConfig{PollInterval: time.Hour, BatchSize: 8, AllowPrecerts: true},
		logger:     logging.Discard(),
		sleep: func(ctx context.Context, d time.Duration) bool {
			calls++
			return calls >= 2 // one skip-to-10 round, one entries round, then stop
		},
	}
	p.Run(context.Background())

	if got := store.Get("https://a.example/"); got != 12 {
		t.Fatalf("expected final cursor 12, got %d", got)
	}
}
