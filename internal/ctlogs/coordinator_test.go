package ctlogs

import (
	"context"
	"testing"
	"time"

	"github.com/bl4ck0w1/ctsentry/pkg/logging"
)

// Scenario S5: many pollers active, shutdown fires mid-flight. Every
// poller must return, the fan-in channel must close, and a final flush
// must happen without panicking.
func TestCoordinatorGracefulShutdownUnderLoad(t *testing.T) {
	const numLogs = 50

	descriptors := make([]Descriptor, numLogs)
	for i := range descriptors {
		descriptors[i] = Descriptor{URL: "https://log.example/" + string(rune('a'+i%26))}
	}

	health := NewHealthTracker(3, logging.Discard())
	store := newFakeStateStore()
	coord := NewCoordinator(descriptors, health, store, 16, PollerConfig{PollInterval: time.Hour, BatchSize: 4}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- coord.Run(ctx, func(d Descriptor) LogFetcher {
			// Each fake fetcher reports a tree already caught up (tree
			// size 0), so every poller immediately settles into its
			// long PollInterval sleep and shuts down cleanly on
			// cancellation without ever blocking on real I/O.
			return &fakeFetcher{sths: []SignedTreeHead{{TreeSize: 0}}}
		})
	}()

	// Let the goroutines start, then fire shutdown.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not shut down within timeout")
	}

	if store.flushed == 0 {
		t.Fatal("expected at least one state flush on shutdown")
	}

	// The events channel must be closed and drainable without blocking.
	for range coord.Events() {
	}
}
