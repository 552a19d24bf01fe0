package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu      sync.Mutex
	orphans []Orphan
}

func (f *fakeSource) ListOrphans(ctx context.Context) ([]Orphan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Orphan, len(f.orphans))
	copy(out, f.orphans)
	return out, nil
}

func TestJanitor_DestroysOrphanPastGrace(t *testing.T) {
	src := &fakeSource{orphans: []Orphan{{SandboxID: "default/orphan-1", Since: time.Now().Add(-time.Second)}}}

	var mu sync.Mutex
	destroyed := make([]string, 0)
	destroyFn := func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		destroyed = append(destroyed, id)
		return nil
	}

	j := New(src, destroyFn, 0, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(destroyed) == 0 || destroyed[0] != "default/orphan-1" {
		t.Fatalf("expected orphan-1 to be destroyed, got %v", destroyed)
	}
}

func TestJanitor_NoOrphansNeverCallsDestroy(t *testing.T) {
	src := &fakeSource{}
	called := false
	destroyFn := func(_ context.Context, _ string) error {
		called = true
		return nil
	}

	j := New(src, destroyFn, 0, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	if called {
		t.Error("expected destroyFn not to be called when there are no orphans")
	}
}

func TestJanitor_DestroyErrorDoesNotShortCircuitCycle(t *testing.T) {
	src := &fakeSource{orphans: []Orphan{
		{SandboxID: "default/fail", Since: time.Now().Add(-time.Second)},
		{SandboxID: "default/ok", Since: time.Now().Add(-time.Second)},
	}}

	var mu sync.Mutex
	calls := make([]string, 0)
	destroyFn := func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, id)
		if id == "default/fail" {
			return errors.New("simulated destroy failure")
		}
		return nil
	}

	j := New(src, destroyFn, 0, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(calls) < 2 {
		t.Fatalf("expected both orphans attempted regardless of the first's error, got %v", calls)
	}

	stats := j.Stats()
	if stats.Errors == 0 {
		t.Error("expected a nonzero error count after a failed destroy")
	}
	if stats.OrphansCleaned == 0 {
		t.Error("expected the successful destroy to be counted")
	}
}

func TestJanitor_GracePeriodProtectsFreshOrphan(t *testing.T) {
	src := &fakeSource{orphans: []Orphan{{SandboxID: "default/fresh", Since: time.Now()}}}

	called := false
	destroyFn := func(_ context.Context, _ string) error {
		called = true
		return nil
	}

	j := New(src, destroyFn, time.Hour, slog.Default())
	j.cleanup(context.Background())

	if called {
		t.Error("expected an orphan within its grace period not to be destroyed")
	}
}
