package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/radiumce/microsandbox/internal/janitor"
	"github.com/radiumce/microsandbox/internal/vmrunner"
)

// Reconciler implements janitor.Source: it diffs the VM backend's live
// handles against the supervisor's registry to find orphans (a VM process
// with no owning entry — the registry entry vanished without the VM being
// killed, or a restart reattached a handle via QEMUBackend.RecoverState that
// nothing has claimed).
type Reconciler struct {
	supervisor *Supervisor
	backend    vmrunner.Backend

	mu        sync.Mutex
	firstSeen map[string]time.Time
}

// NewReconciler creates a Reconciler over the given supervisor and backend.
func NewReconciler(supervisor *Supervisor, backend vmrunner.Backend) *Reconciler {
	return &Reconciler{
		supervisor: supervisor,
		backend:    backend,
		firstSeen:  make(map[string]time.Time),
	}
}

// ListOrphans satisfies janitor.Source.
func (r *Reconciler) ListOrphans(ctx context.Context) ([]janitor.Orphan, error) {
	known := r.supervisor.KnownIDs()
	live := r.backend.List()

	liveIDs := make(map[string]bool, len(live))
	for _, h := range live {
		liveIDs[h.SandboxID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop bookkeeping for anything no longer live or now claimed.
	for id := range r.firstSeen {
		if !liveIDs[id] || known[id] {
			delete(r.firstSeen, id)
		}
	}

	var orphans []janitor.Orphan
	for _, h := range live {
		if known[h.SandboxID] {
			continue
		}
		since, ok := r.firstSeen[h.SandboxID]
		if !ok {
			since = time.Now()
			r.firstSeen[h.SandboxID] = since
		}
		orphans = append(orphans, janitor.Orphan{SandboxID: h.SandboxID, Since: since})
	}
	return orphans, nil
}

// DestroyOrphan kills a live VM directly via the backend. It bypasses the
// normal Stop path since an orphan by definition has no supervisor entry
// for Stop to act on.
func (r *Reconciler) DestroyOrphan(ctx context.Context, sandboxID string) error {
	for _, h := range r.backend.List() {
		if h.SandboxID == sandboxID {
			_ = r.backend.Kill(ctx, h, vmrunner.KillGraceful, time.Now().Add(3*time.Second))
			return r.backend.Kill(ctx, h, vmrunner.KillHard, time.Now().Add(5*time.Second))
		}
	}
	return nil // already gone
}
