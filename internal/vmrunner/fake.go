package vmrunner

import (
	"context"
	"sync"
	"time"
)

// FakeBackend is a deterministic in-process Backend for tests, satisfying
// spec §9's requirement that the VM backend's single polymorphism point be
// swappable for a test double.
type FakeBackend struct {
	mu       sync.Mutex
	vms      map[string]*Handle
	nextPID  int
	SpawnErr error // if set, Spawn always fails with this error
}

// NewFake creates an empty FakeBackend.
func NewFake() *FakeBackend {
	return &FakeBackend{vms: make(map[string]*Handle), nextPID: 1}
}

func (f *FakeBackend) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SpawnErr != nil {
		return nil, f.SpawnErr
	}
	f.nextPID++
	h := &Handle{SandboxID: spec.SandboxID, PID: f.nextPID}
	f.vms[spec.SandboxID] = h
	return h, nil
}

func (f *FakeBackend) Wait(ctx context.Context, h *Handle) (ExitStatus, error) {
	<-ctx.Done()
	return ExitStatus{}, ctx.Err()
}

func (f *FakeBackend) Kill(ctx context.Context, h *Handle, mode KillMode, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vms, h.SandboxID)
	return nil
}

func (f *FakeBackend) List() []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Handle, 0, len(f.vms))
	for _, h := range f.vms {
		cp := *h
		out = append(out, &cp)
	}
	return out
}
