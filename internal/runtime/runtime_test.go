package runtime

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/radiumce/microsandbox/internal/janitor"
	"github.com/radiumce/microsandbox/internal/ledger"
	"github.com/radiumce/microsandbox/internal/nsstore"
	"github.com/radiumce/microsandbox/internal/portalloc"
	"github.com/radiumce/microsandbox/internal/sandbox"
	"github.com/radiumce/microsandbox/internal/session"
	"github.com/radiumce/microsandbox/internal/vmrunner"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	store, err := nsstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("nsstore.New: %v", err)
	}
	ports, err := portalloc.New(33000, 33020)
	if err != nil {
		t.Fatalf("portalloc.New: %v", err)
	}
	backend := vmrunner.NewFake()
	sup := sandbox.New(store, ports, backend, "/nonexistent/kernel", time.Second)
	led := ledger.New(ledger.Caps{MaxSessions: 10, MaxTotalMemoryMiB: 8192, MaxTotalCPUs: 8})
	sessions := session.New(sup, led, false, time.Millisecond)

	reconciler := sandbox.NewReconciler(sup, backend)
	jan := janitor.New(reconciler, reconciler.DestroyOrphan, time.Hour, discardLogger())

	return New(Config{
		CleanupInterval:       10 * time.Millisecond,
		OrphanCleanupInterval: 10 * time.Millisecond,
		LedgerSampleInterval:  10 * time.Millisecond,
		ShutdownTimeout:       time.Second,
	}, sessions, jan, led, discardLogger())
}

func TestStart_PublishesHealthForAllLoops(t *testing.T) {
	rt := newTestRuntime(t)
	rt.Start(context.Background())
	defer rt.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h := rt.Health()
		if len(h) == 3 {
			for name, lh := range h {
				if !lh.Healthy {
					t.Fatalf("loop %s not healthy", name)
				}
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected 3 loops to report health, got %d", len(rt.Health()))
}

func TestStop_ReturnsPromptlyAfterCancel(t *testing.T) {
	rt := newTestRuntime(t)
	rt.Start(context.Background())

	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		rt.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}

func TestStop_WithoutStartIsANoop(t *testing.T) {
	rt := newTestRuntime(t)
	rt.Stop()
}
