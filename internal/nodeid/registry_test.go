package nodeid

import "testing"

// Invariant 2 (spec §8): after registering u, lookup(H(u)) == Some(u).
func TestRegisterLookupRoundTrip(t *testing.T) {
	r := NewRegistry()
	n := New()

	if !r.Register(n) {
		t.Fatalf("expected first registration to succeed")
	}
	got, ok := r.Lookup(n.Hash())
	if !ok || got != n {
		t.Fatalf("lookup(%08x) = %v, %v; want %v, true", n.Hash(), got, ok, n)
	}
}

// Round-trip: double-registering the same UUID leaves count unchanged and
// lookup stable (spec §8).
func TestDoubleRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	n := New()

	r.Register(n)
	before := r.Count()
	if r.Register(n) {
		t.Fatalf("second registration of the same uuid should report false")
	}
	if r.Count() != before {
		t.Fatalf("count changed on idempotent re-register: %d != %d", r.Count(), before)
	}
	got, ok := r.Lookup(n.Hash())
	if !ok || got != n {
		t.Fatalf("lookup unstable after re-register")
	}
}

func TestNilUUIDRejected(t *testing.T) {
	r := NewRegistry()
	if r.Register(Nil) {
		t.Fatalf("nil uuid should be rejected")
	}
	if r.Count() != 0 {
		t.Fatalf("count should remain 0")
	}
}

func TestUnregisterRemovesMapping(t *testing.T) {
	r := NewRegistry()
	n := New()
	r.Register(n)
	r.Unregister(n)
	if _, ok := r.Lookup(n.Hash()); ok {
		t.Fatalf("expected mapping removed")
	}
}

func TestClear(t *testing.T) {
	r := NewRegistry()
	r.Register(New())
	r.Register(New())
	r.Clear()
	if r.Count() != 0 {
		t.Fatalf("expected empty registry after Clear")
	}
}
