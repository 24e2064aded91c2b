package device

import (
	"testing"

	"midimesh/internal/nodeid"
)

func TestAddLocalForcesOwnerAndLocalFlag(t *testing.T) {
	r := NewRegistry()
	self := nodeid.New()
	other := nodeid.New()

	r.AddLocal(self, Device{ID: 1, Name: "synth", Kind: KindOutput, OwnerNode: other})

	d, ok := r.Get(1)
	if !ok {
		t.Fatal("device not found")
	}
	if !d.IsLocal || d.OwnerNode != self {
		t.Fatalf("got IsLocal=%v OwnerNode=%v, want true/%v", d.IsLocal, d.OwnerNode, self)
	}
}

func TestAddRemote(t *testing.T) {
	r := NewRegistry()
	peer := nodeid.New()
	r.AddRemote(peer, Device{ID: 2, Name: "peer-out", Kind: KindOutput})

	d, ok := r.Get(2)
	if !ok || d.IsLocal || d.OwnerNode != peer {
		t.Fatalf("got %+v, ok=%v", d, ok)
	}
}

func TestOverwriteOnDuplicateID(t *testing.T) {
	r := NewRegistry()
	self := nodeid.New()
	r.AddLocal(self, Device{ID: 1, Name: "first"})
	r.AddLocal(self, Device{ID: 1, Name: "second"})

	d, _ := r.Get(1)
	if d.Name != "second" {
		t.Fatalf("expected overwrite, got %q", d.Name)
	}
	total, _, _ := r.Counts()
	if total != 1 {
		t.Fatalf("expected 1 device, got %d", total)
	}
}

func TestRemoveAllForNode(t *testing.T) {
	r := NewRegistry()
	peer := nodeid.New()
	r.AddRemote(peer, Device{ID: 10})
	r.AddRemote(peer, Device{ID: 11})
	r.AddRemote(nodeid.New(), Device{ID: 12})

	removed := r.RemoveAllForNode(peer)
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	total, _, _ := r.Counts()
	if total != 1 {
		t.Fatalf("expected 1 remaining device, got %d", total)
	}
}

func TestRouteLocalIsNilNode(t *testing.T) {
	r := NewRegistry()
	self := nodeid.New()
	r.AddLocal(self, Device{ID: 1, Name: "local-in", Kind: KindInput})

	rt, ok := r.Route(1)
	if !ok {
		t.Fatal("route not found")
	}
	if rt.NodeId != nodeid.Nil {
		t.Fatalf("expected nil nodeid for local route, got %v", rt.NodeId)
	}
}

func TestGetReturnsCopyNotAlias(t *testing.T) {
	r := NewRegistry()
	self := nodeid.New()
	r.AddLocal(self, Device{ID: 1, Name: "orig"})

	d, _ := r.Get(1)
	d.Name = "mutated"

	again, _ := r.Get(1)
	if again.Name != "orig" {
		t.Fatalf("registry record was aliased: got %q", again.Name)
	}
}
