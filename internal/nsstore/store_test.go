package nsstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteStateThenOpen(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Create("default", "py1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := State{Status: "Ready", HostPorts: map[int]int{8080: 30001}, UpdatedAt: time.Now()}
	if err := s.WriteState("default", "py1", want); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	got, err := s.Open("default", "py1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got == nil || got.Status != "Ready" || got.HostPorts[8080] != 30001 {
		t.Fatalf("unexpected state: %+v", got)
	}
}

func TestOpen_MissingFileReturnsNilNotError(t *testing.T) {
	s, _ := New(t.TempDir())
	got, err := s.Open("default", "nope")
	if err != nil {
		t.Fatalf("expected nil error for missing state, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil state, got %+v", got)
	}
}

func TestOpen_PartialWriteTreatedAsAbsent(t *testing.T) {
	s, _ := New(t.TempDir())
	if err := s.Create("default", "py1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	path := filepath.Join(s.SandboxDir("default", "py1"), "state.json")
	if err := os.WriteFile(path, []byte(`{"status": "Read`), 0o644); err != nil {
		t.Fatalf("write partial state: %v", err)
	}

	got, err := s.Open("default", "py1")
	if err != nil {
		t.Fatalf("expected no error for partial write, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil state for partial write, got %+v", got)
	}
}

func TestList(t *testing.T) {
	s, _ := New(t.TempDir())
	_ = s.Create("default", "a")
	_ = s.Create("default", "b")

	names, err := s.List("default")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 sandboxes, got %v", names)
	}
}

func TestLock_MutualExclusion(t *testing.T) {
	s, _ := New(t.TempDir())
	l1 := s.Lock("default", "py1")
	l2 := s.Lock("default", "py1")

	ok, err := l1.TryLock()
	if err != nil || !ok {
		t.Fatalf("expected l1 to acquire lock, ok=%v err=%v", ok, err)
	}
	defer l1.Unlock()

	ok2, err := l2.TryLock()
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if ok2 {
		t.Fatal("expected l2 to fail to acquire an already-held lock")
	}
}
