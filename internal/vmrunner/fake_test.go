package vmrunner

import (
	"context"
	"testing"
	"time"
)

func TestFakeBackend_SpawnThenList(t *testing.T) {
	b := NewFake()
	h, err := b.Spawn(context.Background(), Spec{SandboxID: "default/py1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if h.SandboxID != "default/py1" {
		t.Fatalf("unexpected handle: %+v", h)
	}

	list := b.List()
	if len(list) != 1 || list[0].SandboxID != "default/py1" {
		t.Fatalf("expected one tracked vm, got %+v", list)
	}
}

func TestFakeBackend_KillIsIdempotent(t *testing.T) {
	b := NewFake()
	h, _ := b.Spawn(context.Background(), Spec{SandboxID: "default/py1"})

	if err := b.Kill(context.Background(), h, KillGraceful, time.Now()); err != nil {
		t.Fatalf("first Kill: %v", err)
	}
	if err := b.Kill(context.Background(), h, KillHard, time.Now()); err != nil {
		t.Fatalf("second Kill (already dead): %v", err)
	}
	if len(b.List()) != 0 {
		t.Fatalf("expected no tracked vms after kill")
	}
}

func TestFakeBackend_SpawnErrorPropagates(t *testing.T) {
	b := NewFake()
	b.SpawnErr = context.DeadlineExceeded
	if _, err := b.Spawn(context.Background(), Spec{SandboxID: "x"}); err == nil {
		t.Fatal("expected Spawn to fail")
	}
}
