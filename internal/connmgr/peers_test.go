package connmgr

import (
	"testing"

	"syncml-bt/internal/rfcomm"
)

func TestPeerRegistryResolveIsSingleUse(t *testing.T) {
	r := NewPeerRegistry()
	if _, replaced := r.Insert(7, rfcomm.ServerRole, "AA:BB:CC:DD:EE:FF"); replaced {
		t.Fatal("first insert reported a replacement")
	}
	p, ok := r.Resolve(7)
	if !ok || p.Address != "AA:BB:CC:DD:EE:FF" || p.Channel != rfcomm.ServerRole {
		t.Fatalf("Resolve(7) = %+v, %v", p, ok)
	}
	if _, ok := r.Resolve(7); ok {
		t.Error("second Resolve(7) found an entry")
	}
}

func TestPeerRegistryInsertReplaces(t *testing.T) {
	r := NewPeerRegistry()
	r.Insert(7, rfcomm.ServerRole, "old")
	old, replaced := r.Insert(7, rfcomm.ClientRole, "new")
	if !replaced || old.Address != "old" {
		t.Errorf("Insert = %+v, %v; want the old entry", old, replaced)
	}
	if p, _ := r.Resolve(7); p.Address != "new" {
		t.Errorf("Resolve(7).Address = %q, want new", p.Address)
	}
}

func TestPeerRegistryRelease(t *testing.T) {
	r := NewPeerRegistry()
	r.Insert(1, rfcomm.ClientRole, "a")
	r.Insert(2, rfcomm.ServerRole, "b")
	r.Insert(3, rfcomm.ClientRole, "c")

	got := r.Release(rfcomm.ClientRole)
	if len(got) != 2 {
		t.Fatalf("Release returned %d entries, want 2", len(got))
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	if _, ok := r.Resolve(2); !ok {
		t.Error("server entry released")
	}
}

func TestPeerRegistryClear(t *testing.T) {
	r := NewPeerRegistry()
	r.Insert(1, rfcomm.ClientRole, "a")
	r.Insert(2, rfcomm.ServerRole, "b")
	if got := r.Clear(); len(got) != 2 {
		t.Errorf("Clear returned %d entries, want 2", len(got))
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Clear", r.Len())
	}
}
