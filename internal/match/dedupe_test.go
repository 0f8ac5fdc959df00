package match

import (
	"testing"
	"time"
)

func TestDedupeIdempotence(t *testing.T) {
	// Property P5: feeding the same (fingerprint, matched_identifier)
	// twice produces exactly one emission.
	d := NewDedupe(true, 0, 0)
	if !d.ShouldEmit("fp1", "example.com") {
		t.Fatal("first occurrence should emit")
	}
	if d.ShouldEmit("fp1", "example.com") {
		t.Fatal("second occurrence should be suppressed")
	}
}

func TestDedupeDistinctIdentifiersAreIndependent(t *testing.T) {
	d := NewDedupe(true, 0, 0)
	if !d.ShouldEmit("fp1", "a.com") {
		t.Fatal("expected emit")
	}
	if !d.ShouldEmit("fp1", "b.com") {
		t.Fatal("same fingerprint, different identifier must be treated as distinct")
	}
}

func TestDedupeDisabledAlwaysEmits(t *testing.T) {
	d := NewDedupe(false, 0, 0)
	if !d.ShouldEmit("fp1", "a.com") || !d.ShouldEmit("fp1", "a.com") {
		t.Fatal("disabled dedupe must always emit")
	}
}

func TestDedupeCapacityEviction(t *testing.T) {
	d := NewDedupe(true, 2, 0)
	d.ShouldEmit("fp1", "a.com")
	d.ShouldEmit("fp2", "b.com")
	d.ShouldEmit("fp3", "c.com") // evicts fp1/a.com (least recently used)
	if d.Len() != 2 {
		t.Fatalf("expected capacity cap of 2, got %d", d.Len())
	}
	if !d.ShouldEmit("fp1", "a.com") {
		t.Fatal("expected evicted entry to be re-emittable")
	}
}

func TestDedupeTTLEviction(t *testing.T) {
	d := NewDedupe(true, 0, time.Minute)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }
	d.ShouldEmit("fp1", "a.com")

	d.now = func() time.Time { return fixed.Add(30 * time.Second) }
	if d.ShouldEmit("fp1", "a.com") {
		t.Fatal("within TTL window, duplicate should still be suppressed")
	}

	d.now = func() time.Time { return fixed.Add(2 * time.Minute) }
	if !d.ShouldEmit("fp1", "a.com") {
		t.Fatal("after TTL expiry, the same pair should be emittable again")
	}
}
