package portalloc

import "testing"

func TestAllocate_RoundRobinAndIdempotent(t *testing.T) {
	a, err := New(30000, 30001)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	owner := Owner{Namespace: "default", Name: "py1"}

	p1, err := a.Allocate(owner)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p2, err := a.Allocate(owner)
	if err != nil {
		t.Fatalf("Allocate (idempotent): %v", err)
	}
	if p1 != p2 {
		t.Fatalf("expected idempotent re-allocation, got %d then %d", p1, p2)
	}

	p3, err := a.Allocate(Owner{Namespace: "default", Name: "py2"})
	if err != nil {
		t.Fatalf("Allocate (second owner): %v", err)
	}
	if p3 != p1+1 {
		t.Fatalf("expected round-robin to hand out %d next, got %d", p1+1, p3)
	}
}

func TestAllocate_ExhaustionRaisesResourceExhausted(t *testing.T) {
	a, _ := New(30000, 30000)
	if _, err := a.Allocate(Owner{Namespace: "default", Name: "a"}); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	if _, err := a.Allocate(Owner{Namespace: "default", Name: "b"}); err == nil {
		t.Fatal("expected ResourceExhausted on second allocation in a one-port range")
	}
}

func TestRelease_WrongOwnerFails(t *testing.T) {
	a, _ := New(30000, 30010)
	owner := Owner{Namespace: "default", Name: "a"}
	p, _ := a.Allocate(owner)

	if err := a.Release(p, Owner{Namespace: "default", Name: "b"}); err == nil {
		t.Fatal("expected release by wrong owner to fail")
	}
	if err := a.Release(p, owner); err != nil {
		t.Fatalf("release by correct owner: %v", err)
	}
	if a.Len() != 0 {
		t.Fatalf("expected no leaked allocations, got %d", a.Len())
	}
}

func TestAllocate_DistinctGuestPortsOnSameSandboxGetDistinctHostPorts(t *testing.T) {
	a, err := New(30000, 30010)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p1, err := a.Allocate(Owner{Namespace: "default", Name: "py1", GuestPort: 8000})
	if err != nil {
		t.Fatalf("Allocate guest 8000: %v", err)
	}
	p2, err := a.Allocate(Owner{Namespace: "default", Name: "py1", GuestPort: 9000})
	if err != nil {
		t.Fatalf("Allocate guest 9000: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct host ports for distinct guest ports on the same sandbox, got %d for both", p1)
	}

	// Re-allocating either mapping is still idempotent per (namespace, name, guest_port).
	p1Again, err := a.Allocate(Owner{Namespace: "default", Name: "py1", GuestPort: 8000})
	if err != nil {
		t.Fatalf("re-allocate guest 8000: %v", err)
	}
	if p1Again != p1 {
		t.Fatalf("expected idempotent re-allocation for guest 8000, got %d then %d", p1, p1Again)
	}
}

func TestRoundTrip_NoPortLeak(t *testing.T) {
	a, _ := New(30000, 30009)
	for i := 0; i < 5; i++ {
		owner := Owner{Namespace: "default", Name: string(rune('a' + i))}
		p, err := a.Allocate(owner)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if err := a.Release(p, owner); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
	if a.Len() != 0 {
		t.Fatalf("expected allocator cardinality to return to baseline, got %d", a.Len())
	}
}
