package vmrunner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/radiumce/microsandbox/internal/errs"
)

// QEMUBackend spawns qemu-system-x86_64 as a supervised child process per
// VM, tracking PIDs in memory and recovering them from pidfiles on disk
// after a daemon restart.
type QEMUBackend struct {
	mu      sync.RWMutex
	vms     map[string]*qemuVM // sandbox_id -> vm
	qemuBin string
	logger  *slog.Logger
}

type qemuVM struct {
	handle Handle
}

// NewQEMUBackend resolves the QEMU binary on PATH and returns a ready
// backend. logger may be nil, in which case slog.Default() is used.
func NewQEMUBackend(qemuBin string, logger *slog.Logger) (*QEMUBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bin, err := exec.LookPath(qemuBin)
	if err != nil {
		return nil, fmt.Errorf("qemu binary not found: %w", err)
	}
	return &QEMUBackend{
		vms:     make(map[string]*qemuVM),
		qemuBin: bin,
		logger:  logger.With("component", "vmrunner"),
	}, nil
}

// Spawn boots a VM by exec'ing QEMU with argv built from spec, waiting for
// it to daemonize and write its pidfile.
func (b *QEMUBackend) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.vms[spec.SandboxID]; exists {
		return nil, fmt.Errorf("vm %s already spawned", spec.SandboxID)
	}
	if _, err := os.Stat(spec.RootfsPath); err != nil {
		return nil, errs.VmStartError("rootfs", err.Error())
	}
	if _, err := os.Stat(spec.KernelPath); err != nil {
		return nil, errs.VmStartError("kernel", err.Error())
	}
	if err := os.MkdirAll(spec.LogDir, 0o755); err != nil {
		return nil, errs.VmStartError("backend", fmt.Sprintf("create log dir: %v", err))
	}

	pidFile := filepath.Join(spec.LogDir, "qemu.pid")
	args := buildArgs(spec, pidFile)

	stdout, err := os.Create(filepath.Join(spec.LogDir, "stdout"))
	if err != nil {
		return nil, errs.VmStartError("backend", err.Error())
	}
	stderr, err := os.Create(filepath.Join(spec.LogDir, "stderr"))
	if err != nil {
		stdout.Close()
		return nil, errs.VmStartError("backend", err.Error())
	}

	// QEMU is started with -daemonize: the exec'd process forks the real
	// VM process and exits immediately, so Run (not Start) is used here
	// and the VM's actual lifecycle is tracked via its pidfile below, not
	// via this *exec.Cmd.
	cmd := exec.Command(b.qemuBin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, errs.VmStartError("entrypoint", err.Error())
	}
	stdout.Close()
	stderr.Close()

	var pid int
	for i := 0; i < 20; i++ {
		if pidBytes, err := os.ReadFile(pidFile); err == nil {
			if p, err := strconv.Atoi(trimSpace(string(pidBytes))); err == nil {
				pid = p
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	if pid == 0 {
		return nil, errs.VmStartError("entrypoint", "qemu did not write a pidfile before the boot probe deadline")
	}

	h := &Handle{SandboxID: spec.SandboxID, PID: pid}
	b.vms[spec.SandboxID] = &qemuVM{handle: *h}
	b.logger.Info("vm spawned", "sandbox_id", spec.SandboxID, "pid", pid)
	return h, nil
}

func buildArgs(spec Spec, pidFile string) []string {
	args := []string{
		"-M", "microvm", "-enable-kvm", "-cpu", "host",
		"-m", strconv.Itoa(int(spec.MemoryMiB)),
		"-smp", strconv.Itoa(int(spec.CPUs)),
		"-kernel", spec.KernelPath,
		"-append", appendLine(spec),
		"-drive", fmt.Sprintf("id=root,file=%s,format=raw,if=none", spec.RootfsPath),
		"-device", "virtio-blk-device,drive=root",
		"-nographic", "-nodefaults",
		"-daemonize",
		"-pidfile", pidFile,
	}
	for i, v := range spec.Volumes {
		tag := fmt.Sprintf("vol%d", i)
		ro := ""
		if v.ReadOnly {
			ro = ",readonly=on"
		}
		args = append(args, "-virtfs",
			fmt.Sprintf("local,path=%s,mount_tag=%s,security_model=none%s", v.HostPath, tag, ro))
	}
	for _, p := range spec.Ports {
		args = append(args, "-netdev",
			fmt.Sprintf("user,id=net%d,hostfwd=tcp::%d-:%d", p.GuestPort, p.HostPort, p.GuestPort))
	}
	return args
}

func appendLine(spec Spec) string {
	line := "console=ttyS0 root=/dev/vda rw quiet"
	if spec.Entrypoint != "" {
		line += " init=" + spec.Entrypoint
	}
	return line
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	for len(s) > 0 && (s[0] == '\n' || s[0] == '\r' || s[0] == ' ') {
		s = s[1:]
	}
	return s
}

// Wait polls the VM's real PID (QEMU having daemonized away from the
// exec'd process) until it exits or ctx is done.
func (b *QEMUBackend) Wait(ctx context.Context, h *Handle) (ExitStatus, error) {
	b.mu.RLock()
	vm, ok := b.vms[h.SandboxID]
	b.mu.RUnlock()
	if !ok {
		return ExitStatus{}, fmt.Errorf("vm %s not found", h.SandboxID)
	}

	proc, err := os.FindProcess(vm.handle.PID)
	if err != nil {
		return ExitStatus{}, nil
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ExitStatus{}, ctx.Err()
		case <-ticker.C:
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				b.mu.Lock()
				delete(b.vms, h.SandboxID)
				b.mu.Unlock()
				return ExitStatus{ExitCode: 0}, nil
			}
		}
	}
}

// Kill stops the VM, trying SIGTERM first in graceful mode and waiting
// until deadline before escalating to SIGKILL. Kill is idempotent.
func (b *QEMUBackend) Kill(ctx context.Context, h *Handle, mode KillMode, deadline time.Time) error {
	b.mu.Lock()
	vm, ok := b.vms[h.SandboxID]
	b.mu.Unlock()
	if !ok {
		return nil // already reaped; killing a dead VM is a no-op
	}

	proc, err := os.FindProcess(vm.handle.PID)
	if err != nil {
		return nil
	}

	sig := syscall.SIGTERM
	if mode == KillHard {
		sig = syscall.SIGKILL
	}
	if err := proc.Signal(sig); err != nil {
		return nil // process already gone
	}

	if mode == KillGraceful {
		for time.Now().Before(deadline) {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				break // process exited
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
		// Escalate to hard kill if still alive past the deadline.
		if err := proc.Signal(syscall.Signal(0)); err == nil {
			if err := proc.Signal(syscall.SIGKILL); err != nil {
				return nil
			}
		}
	}

	b.mu.Lock()
	delete(b.vms, h.SandboxID)
	b.mu.Unlock()
	b.logger.Info("vm killed", "sandbox_id", h.SandboxID, "mode", mode)
	return nil
}

// List returns every VM currently tracked as live.
func (b *QEMUBackend) List() []*Handle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Handle, 0, len(b.vms))
	for _, vm := range b.vms {
		h := vm.handle
		out = append(out, &h)
	}
	return out
}

// RecoverState reads one sandbox's qemu.pid under logDir and, if that
// process is still alive, tracks it again under sandboxID, rebuilding
// in-memory tracking after a daemon restart so the orphan reaper (C9) can
// see it during reconciliation.
func (b *QEMUBackend) RecoverState(sandboxID, logDir string) {
	pidFile := filepath.Join(logDir, "qemu.pid")
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(trimSpace(string(data)))
	if err != nil {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return // dead
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.vms[sandboxID] = &qemuVM{handle: Handle{SandboxID: sandboxID, PID: pid}}
	b.logger.Info("recovered vm", "sandbox_id", sandboxID, "pid", pid)
}
