package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/radiumce/microsandbox/internal/config"
	"github.com/radiumce/microsandbox/internal/errs"
	"github.com/radiumce/microsandbox/internal/nsstore"
	"github.com/radiumce/microsandbox/internal/portal"
	"github.com/radiumce/microsandbox/internal/portalloc"
	"github.com/radiumce/microsandbox/internal/vmrunner"
)

// Key identifies a sandbox by its owning namespace and name.
type Key struct {
	Namespace string
	Name      string
}

func (k Key) String() string { return k.Namespace + "/" + k.Name }

// StatusInfo is the externally-visible snapshot returned by Status.
type StatusInfo struct {
	Status       Status
	Ports        map[int]int
	CPUUsage     *float64
	MemoryUsage  *uint64
	DiskUsage    *uint64
	ErrorReason  string
}

// entry is one live sandbox tracked by the Supervisor. Its own mutex
// serializes state transitions; execution calls only ever hold it briefly to
// adjust inFlight/status bookkeeping, never across the portal round trip
// itself, so concurrent execs are permitted per spec §4.7/§5.
type entry struct {
	mu          sync.RWMutex
	key         Key
	status      Status
	ports       map[int]int // guest_port -> host_port
	vm          *vmrunner.Handle
	portal      *portal.Client
	createdAt   time.Time
	lastActive  time.Time
	sessionID   string
	errorReason string
	diskUsage   *uint64
	inFlight    int // number of exec calls currently in Processing, guarded by mu
}

// Supervisor owns every live sandbox on this host (C7). It composes the
// namespace store (C2), port allocator (C3), and VM backend (C5); the
// portal client (C6) is created per sandbox once its ports are known.
type Supervisor struct {
	mu        sync.Mutex // guards the sandboxes map itself, not per-entry state
	sandboxes map[Key]*entry

	store      *nsstore.Store
	ports      *portalloc.Allocator
	backend    vmrunner.Backend
	kernelPath string
	bootDeadline time.Duration
}

// New creates a Supervisor.
func New(store *nsstore.Store, ports *portalloc.Allocator, backend vmrunner.Backend, kernelPath string, bootDeadline time.Duration) *Supervisor {
	return &Supervisor{
		sandboxes:    make(map[Key]*entry),
		store:        store,
		ports:        ports,
		backend:      backend,
		kernelPath:   kernelPath,
		bootDeadline: bootDeadline,
	}
}

func (s *Supervisor) get(key Key) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sandboxes[key]
	return e, ok
}

// KnownIDs returns the Key.String() of every sandbox currently tracked,
// used by the orphan reaper (C9) to tell a live VM with a registry entry
// apart from one without.
func (s *Supervisor) KnownIDs() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool, len(s.sandboxes))
	for k := range s.sandboxes {
		ids[k.String()] = true
	}
	return ids
}

// dependenciesReady reports whether every spec.DependsOn sandbox in the
// same namespace is Ready or Running.
func (s *Supervisor) dependenciesReady(namespace string, spec config.SandboxSpec) error {
	for _, dep := range spec.DependsOn {
		e, ok := s.get(Key{Namespace: namespace, Name: dep})
		if !ok {
			return errs.DependencyNotReady(dep)
		}
		e.mu.RLock()
		st := e.status
		e.mu.RUnlock()
		if st != StatusReady && st != StatusRunning {
			return errs.DependencyNotReady(dep)
		}
	}
	return nil
}

// Start materializes and boots a sandbox, blocking until the portal is
// healthy or the boot deadline elapses.
func (s *Supervisor) Start(ctx context.Context, namespace string, spec config.SandboxSpec) (string, error) {
	key := Key{Namespace: namespace, Name: spec.Name}

	s.mu.Lock()
	if _, exists := s.sandboxes[key]; exists {
		s.mu.Unlock()
		return "", errs.AlreadyRunning(namespace, spec.Name)
	}
	e := &entry{key: key, status: StatusCreating, createdAt: time.Now(), lastActive: time.Now()}
	s.sandboxes[key] = e
	s.mu.Unlock()

	if err := s.dependenciesReady(namespace, spec); err != nil {
		s.failAndRemove(key, err)
		return "", err
	}

	lock := s.store.Lock(namespace, spec.Name)
	if err := lock.Lock(); err != nil {
		s.failAndRemove(key, err)
		return "", errs.InternalError(err)
	}
	defer lock.Unlock()

	if err := s.store.Create(namespace, spec.Name); err != nil {
		s.failAndRemove(key, err)
		return "", errs.InternalError(err)
	}

	ports := make(map[int]int, len(spec.Ports))
	vmPorts := make([]vmrunner.PortMapping, 0, len(spec.Ports))
	for _, p := range spec.Ports {
		hostPort, err := s.ports.Allocate(portalloc.Owner{Namespace: namespace, Name: spec.Name, GuestPort: p.GuestPort})
		if err != nil {
			s.releasePorts(namespace, spec.Name, portMapKeys(ports))
			s.failAndRemove(key, err)
			return "", err
		}
		ports[p.GuestPort] = hostPort
		vmPorts = append(vmPorts, vmrunner.PortMapping{GuestPort: p.GuestPort, HostPort: hostPort})
	}

	volumes := make([]vmrunner.VolumeMapping, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		volumes = append(volumes, vmrunner.VolumeMapping{
			HostPath:  config.ResolveHostPath(s.store.NamespaceDir(namespace), v.HostPath),
			GuestPath: v.GuestPath,
			ReadOnly:  v.ReadOnly,
		})
	}

	deadline := time.Now().Add(s.bootDeadline)
	vmSpec := vmrunner.Spec{
		SandboxID:  key.String(),
		RootfsPath: s.store.RootfsPath(namespace, spec.Name),
		KernelPath: s.kernelPath,
		MemoryMiB:  spec.MemoryMiB,
		CPUs:       spec.CPUs,
		Volumes:    volumes,
		Ports:      vmPorts,
		Env:        spec.Env,
		Entrypoint: spec.StartCommand,
		LogDir:     s.store.SandboxDir(namespace, spec.Name) + "/log",
	}

	handle, err := s.backend.Spawn(ctx, vmSpec)
	if err != nil {
		s.releasePorts(namespace, spec.Name, portMapKeys(ports))
		s.failAndRemove(key, err)
		return "", err
	}

	portalPort := firstPort(ports)
	client := portal.New("127.0.0.1", portalPort)
	if err := client.WaitReady(ctx, deadline); err != nil {
		_ = s.backend.Kill(ctx, handle, vmrunner.KillHard, time.Now().Add(5*time.Second))
		s.releasePorts(namespace, spec.Name, portMapKeys(ports))
		s.failAndRemove(key, errs.SandboxStartTimeout(namespace, spec.Name))
		return "", errs.SandboxStartTimeout(namespace, spec.Name)
	}

	e.mu.Lock()
	e.status = StatusReady
	e.ports = ports
	e.vm = handle
	e.portal = client
	e.mu.Unlock()

	_ = s.store.WriteState(namespace, spec.Name, nsstore.State{
		Status: string(StatusReady), HostPorts: ports, UpdatedAt: time.Now(),
	})

	return key.String(), nil
}

func firstPort(ports map[int]int) int {
	for _, p := range ports {
		return p
	}
	return 0
}

// portMapKeys returns a guest_port -> host_port map's keys, used to release
// exactly the mappings already allocated when a sandbox fails to start
// partway through port allocation.
func portMapKeys(ports map[int]int) []int {
	keys := make([]int, 0, len(ports))
	for guestPort := range ports {
		keys = append(keys, guestPort)
	}
	return keys
}

// releasePorts frees every one of the sandbox's port allocations. Each
// guest port mapping was allocated under its own Owner (GuestPort included
// in the key), so each must be released individually.
func (s *Supervisor) releasePorts(namespace, name string, guestPorts []int) {
	for _, guestPort := range guestPorts {
		s.ports.ReleaseOwner(portalloc.Owner{Namespace: namespace, Name: name, GuestPort: guestPort})
	}
}

func (s *Supervisor) failAndRemove(key Key, cause error) {
	s.mu.Lock()
	e, ok := s.sandboxes[key]
	if ok {
		e.mu.Lock()
		e.status = StatusError
		e.errorReason = cause.Error()
		e.mu.Unlock()
	}
	s.mu.Unlock()
	_ = cause
}

// Stop transitions a sandbox through Stopping to Stopped. It is idempotent:
// calling Stop on an already-Stopped or unknown sandbox succeeds.
// Concurrent Stop calls on the same sandbox produce exactly one
// Stopping->Stopped transition; all callers observe success.
func (s *Supervisor) Stop(ctx context.Context, namespace, name string, deadline time.Duration) error {
	key := Key{Namespace: namespace, Name: name}
	e, ok := s.get(key)
	if !ok {
		return nil // idempotent: nothing to stop
	}

	e.mu.Lock()
	if e.status.IsTerminal() {
		e.mu.Unlock()
		return nil
	}
	if e.status == StatusStopping {
		e.mu.Unlock()
		return nil // another caller is already driving this transition
	}
	e.status = StatusStopping
	vm := e.vm
	guestPorts := portMapKeys(e.ports)
	e.mu.Unlock()

	_ = s.store.WriteState(namespace, name, nsstore.State{Status: string(StatusStopping), UpdatedAt: time.Now()})
	s.releasePorts(namespace, name, guestPorts)

	if vm != nil {
		half := time.Now().Add(deadline / 2)
		_ = s.backend.Kill(ctx, vm, vmrunner.KillGraceful, half)
		_ = s.backend.Kill(ctx, vm, vmrunner.KillHard, time.Now().Add(deadline))
	}

	e.mu.Lock()
	e.status = StatusStopped
	e.mu.Unlock()

	s.mu.Lock()
	delete(s.sandboxes, key)
	s.mu.Unlock()

	_ = s.store.WriteState(namespace, name, nsstore.State{Status: string(StatusStopped), UpdatedAt: time.Now()})
	return nil
}

// Status returns a best-effort snapshot. Metrics may be absent per spec
// §4.7; disk_usage specifically is served from the last cached refresh
// (Open Question (c) — see DESIGN.md).
func (s *Supervisor) Status(namespace, name string) (StatusInfo, error) {
	e, ok := s.get(Key{Namespace: namespace, Name: name})
	if !ok {
		return StatusInfo{}, errs.SandboxNotFound(namespace, name)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return StatusInfo{
		Status:      e.status,
		Ports:       e.ports,
		DiskUsage:   e.diskUsage,
		ErrorReason: e.errorReason,
	}, nil
}

// RefreshDiskUsage updates the cached disk_usage metric for a sandbox.
func (s *Supervisor) RefreshDiskUsage(namespace, name string, bytes uint64) error {
	e, ok := s.get(Key{Namespace: namespace, Name: name})
	if !ok {
		return errs.SandboxNotFound(namespace, name)
	}
	e.mu.Lock()
	e.diskUsage = &bytes
	e.mu.Unlock()
	return nil
}

// ExecCode requires state in {Ready, Running, Processing}; enterProcessing
// only ever holds the entry's lock long enough to bump the in-flight count
// and flip status, never across the portal round trip, so any number of
// execs can run against the same sandbox concurrently per spec §4.7/§5.
func (s *Supervisor) ExecCode(ctx context.Context, namespace, name string, req portal.RunCodeRequest) (portal.ExecResult, error) {
	e, ok := s.get(Key{Namespace: namespace, Name: name})
	if !ok {
		return portal.ExecResult{}, errs.SandboxNotFound(namespace, name)
	}

	client, err := s.enterProcessing(e)
	if err != nil {
		return portal.ExecResult{}, err
	}
	defer s.exitProcessing(e)

	res, err := client.RunCode(ctx, req)
	if err != nil {
		return portal.ExecResult{}, err
	}
	return res, nil
}

// ExecCommand mirrors ExecCode for command.run.
func (s *Supervisor) ExecCommand(ctx context.Context, namespace, name string, req portal.CommandRequest) (portal.ExecResult, error) {
	e, ok := s.get(Key{Namespace: namespace, Name: name})
	if !ok {
		return portal.ExecResult{}, errs.SandboxNotFound(namespace, name)
	}

	client, err := s.enterProcessing(e)
	if err != nil {
		return portal.ExecResult{}, err
	}
	defer s.exitProcessing(e)

	res, err := client.RunCommand(ctx, req)
	if err != nil {
		return portal.ExecResult{}, err
	}
	return res, nil
}

// enterProcessing validates the sandbox is executable and registers one more
// in-flight exec, marking the sandbox Processing on the first one. It never
// holds e.mu across the actual portal call, so sibling execs proceed
// concurrently instead of queuing behind this one.
func (s *Supervisor) enterProcessing(e *entry) (*portal.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusReady && e.status != StatusRunning && e.status != StatusProcessing {
		return nil, fmt.Errorf("sandbox not in an executable state: %s", e.status)
	}
	e.status = StatusProcessing
	e.lastActive = time.Now()
	e.inFlight++
	return e.portal, nil
}

// exitProcessing releases one in-flight exec, restoring Running once the
// last concurrent exec against this sandbox completes.
func (s *Supervisor) exitProcessing(e *entry) {
	e.mu.Lock()
	e.inFlight--
	if e.inFlight == 0 && e.status == StatusProcessing {
		e.status = StatusRunning
	}
	e.mu.Unlock()
}
