// Package vmrunner builds argv for the microVM backend, spawns it as a
// supervised child process, and owns its lifecycle (wait, kill, reap).
// Spec.Env is carried in the boot spec, but the QEMU backend does not pass
// it to the VM. The
// VM backend itself is treated as an opaque black box per spec §1: given a
// rootfs, kernel, memory, CPU count, mapped directories, port map, and an
// entrypoint, it boots a VM and returns a process handle.
package vmrunner

import (
	"context"
	"time"
)

// KillMode selects how Kill attempts to stop a VM.
type KillMode int

const (
	KillGraceful KillMode = iota
	KillHard
)

// VolumeMapping is a host directory mapped into the guest.
type VolumeMapping struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// PortMapping maps a guest port to a host port already allocated by C3.
type PortMapping struct {
	GuestPort int
	HostPort  int
}

// Spec describes everything needed to boot one VM. It carries no reference
// back to the supervisor or namespace store — the runner only needs paths
// and values, matching spec §1's framing of the backend as an opaque
// collaborator reached via argv/env.
type Spec struct {
	SandboxID  string // opaque identifier, typically "<namespace>/<name>"
	RootfsPath string
	KernelPath string
	MemoryMiB  uint32
	CPUs       uint8
	Volumes    []VolumeMapping
	Ports      []PortMapping
	Env        map[string]string
	Entrypoint string
	LogDir     string // directory holding stdout/stderr files
}

// ExitStatus reports how a VM terminated.
type ExitStatus struct {
	ExitCode int
	Signaled bool
}

// Handle is a live reference to a spawned VM. Handles are owned exclusively
// by the runner; the supervisor (C7) only borrows one, never outliving the
// runner's bookkeeping for it — there is no back-reference from Handle to
// the supervisor, avoiding the cyclic reference spec §9 calls out.
type Handle struct {
	SandboxID string
	PID       int
}

// Backend is the single polymorphism point named in spec §9: a narrow
// capability interface over the VM runtime so tests can supply a
// deterministic in-process fake instead of spawning real VMs.
type Backend interface {
	// Spawn boots a VM per spec and returns a live handle, or a
	// *errs.Error wrapping VmStartError if the backend refuses at a
	// named stage (rootfs, kernel, backend, entrypoint).
	Spawn(ctx context.Context, spec Spec) (*Handle, error)

	// Wait blocks until the VM exits or ctx is cancelled.
	Wait(ctx context.Context, h *Handle) (ExitStatus, error)

	// Kill stops the VM. Graceful mode signals and waits until deadline,
	// then escalates to hard. Kill is idempotent: killing an already-dead
	// VM succeeds without error.
	Kill(ctx context.Context, h *Handle, mode KillMode, deadline time.Time) error

	// List returns every VM handle this backend currently tracks as
	// live, tagged by SandboxID, used by the orphan reaper (C9) to
	// reconcile against the session/sandbox registries.
	List() []*Handle
}
