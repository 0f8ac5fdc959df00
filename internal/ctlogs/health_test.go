package ctlogs

import (
	"errors"
	"testing"
	"time"

	"github.com/bl4ck0w1/ctsentry/pkg/logging"
)

func newTestTracker() *HealthTracker {
	return NewHealthTracker(3, logging.Discard())
}

func TestBackoffCeiling(t *testing.T) {
	// Property P7: backoff(k) <= 3600 for every k.
	for k := uint32(0); k < 40; k++ {
		if got := Backoff(k); got > 3600*time.Second {
			t.Fatalf("Backoff(%d) = %v, want <= 3600s", k, got)
		}
	}
}

func TestBackoffProgression(t *testing.T) {
	cases := []struct {
		failures uint32
		want     time.Duration
	}{
		{0, 0},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{7, 3600 * time.Second},
		{20, 3600 * time.Second},
	}
	for _, c := range cases {
		if got := Backoff(c.failures); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.failures, got, c.want)
		}
	}
}

func TestHealthTransitions(t *testing.T) {
	tr := newTestTracker()
	url := "https://ct.example.com/log"

	if !tr.ShouldPoll(url) {
		t.Fatal("unknown log should be pollable")
	}

	tr.RecordFailure(url, errors.New("boom"))
	if got := tr.Get(url).Status; got != Degraded {
		t.Fatalf("after 1 failure: got %v want Degraded", got)
	}

	tr.RecordFailure(url, errors.New("boom"))
	if got := tr.Get(url).Status; got != Degraded {
		t.Fatalf("after 2 failures: got %v want Degraded", got)
	}

	tr.RecordFailure(url, errors.New("boom"))
	st := tr.Get(url)
	if st.Status != Failed {
		t.Fatalf("after 3 failures: got %v want Failed", st.Status)
	}
	if tr.ShouldPoll(url) {
		t.Fatal("failed log with future next_attempt should not be pollable")
	}

	// Property P3: first observed success returns to Healthy and resets counter.
	tr.RecordSuccess(url)
	st = tr.Get(url)
	if st.Status != Healthy || st.ConsecutiveFailures != 0 {
		t.Fatalf("after success: got %+v", st)
	}
	if !tr.ShouldPoll(url) {
		t.Fatal("healthy log should be pollable")
	}
}

func TestShouldPollRespectsBackoffWindow(t *testing.T) {
	tr := newTestTracker()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }
	url := "https://ct.example.com/log"

	for i := 0; i < 3; i++ {
		tr.RecordFailure(url, errors.New("down"))
	}
	if tr.ShouldPoll(url) {
		t.Fatal("should not poll immediately after entering Failed")
	}

	tr.now = func() time.Time { return fixed.Add(Backoff(3) - time.Second) }
	if tr.ShouldPoll(url) {
		t.Fatal("should not poll before backoff elapses")
	}

	tr.now = func() time.Time { return fixed.Add(Backoff(3)) }
	if !tr.ShouldPoll(url) {
		t.Fatal("should poll once backoff elapses")
	}
}

func TestStats(t *testing.T) {
	tr := newTestTracker()
	tr.RecordSuccess("a")
	tr.RecordFailure("b", errors.New("x"))
	for i := 0; i < 3; i++ {
		tr.RecordFailure("c", errors.New("x"))
	}
	healthy, degraded, failed := tr.Stats()
	if healthy != 1 || degraded != 1 || failed != 1 {
		t.Fatalf("got healthy=%d degraded=%d failed=%d", healthy, degraded, failed)
	}
}
