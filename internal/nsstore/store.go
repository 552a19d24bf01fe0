// Package nsstore implements the on-disk namespace tree: one directory per
// namespace, one subdirectory per sandbox, with crash-safe atomic state
// snapshots and per-(namespace,name) exclusive locking for boot sequencing.
package nsstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// State is the persisted snapshot written to sandboxes/<name>/state.json.
type State struct {
	Status      string         `json:"status"`
	HostPorts   map[int]int    `json:"host_ports"` // guest_port -> host_port
	UpdatedAt   time.Time      `json:"updated_at"`
	SessionID   string         `json:"session_id,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Store owns the on-disk layout under a configured root directory:
//
//	<root>/<namespace>/sandboxes/<name>/rootfs/
//	<root>/<namespace>/sandboxes/<name>/log/{stdout,stderr}
//	<root>/<namespace>/sandboxes/<name>/state.json
//	<root>/<namespace>/sandboxes/<name>/config.yaml
type Store struct {
	root string
}

// New creates a Store rooted at the given directory, creating it if absent.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// NamespaceDir returns the directory for a namespace.
func (s *Store) NamespaceDir(namespace string) string {
	return filepath.Join(s.root, namespace)
}

// SandboxDir returns the directory for a (namespace, name) sandbox.
func (s *Store) SandboxDir(namespace, name string) string {
	return filepath.Join(s.NamespaceDir(namespace), "sandboxes", name)
}

// Create ensures the full directory tree for a sandbox exists. Idempotent.
func (s *Store) Create(namespace, name string) error {
	dir := s.SandboxDir(namespace, name)
	for _, sub := range []string{"rootfs", "log"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create sandbox dir: %w", err)
		}
	}
	return nil
}

// Open returns the state.json contents for a sandbox, or nil if absent.
// A partially-written file (one that fails to unmarshal) is treated as
// absent rather than as an error, per spec §4.2's crash-safety contract.
func (s *Store) Open(namespace, name string) (*State, error) {
	path := filepath.Join(s.SandboxDir(namespace, name), "state.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state.json: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, nil
	}
	return &st, nil
}

// WriteState atomically persists a sandbox's state.json via write-tmp then
// rename, so readers never observe a partial write.
func (s *Store) WriteState(namespace, name string, st State) error {
	st.UpdatedAt = st.UpdatedAt.UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := s.SandboxDir(namespace, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sandbox dir: %w", err)
	}

	final := filepath.Join(dir, "state.json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state.json.tmp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename state.json.tmp: %w", err)
	}
	return nil
}

// WriteConfigSnapshot freezes the config.yaml used to boot a sandbox's VM.
func (s *Store) WriteConfigSnapshot(namespace, name string, data []byte) error {
	dir := s.SandboxDir(namespace, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sandbox dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644)
}

// List returns the sandbox names known under a namespace (i.e. having a
// directory, whether or not a state.json has been written yet).
func (s *Store) List(namespace string) ([]string, error) {
	dir := filepath.Join(s.NamespaceDir(namespace), "sandboxes")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Namespaces returns every namespace directory known to the store.
func (s *Store) Namespaces() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Remove deletes a sandbox's entire directory tree.
func (s *Store) Remove(namespace, name string) error {
	return os.RemoveAll(s.SandboxDir(namespace, name))
}

// Lock returns an unlocked advisory file lock scoped to a single
// (namespace, name) pair. Callers acquire it around the boot sequence to
// prevent two processes (or two goroutines racing a crash-recovery scan)
// from double-starting the same sandbox.
func (s *Store) Lock(namespace, name string) *flock.Flock {
	dir := s.SandboxDir(namespace, name)
	_ = os.MkdirAll(dir, 0o755)
	return flock.New(filepath.Join(dir, ".lock"))
}

// LogPaths returns the stdout/stderr log file paths for a sandbox.
func (s *Store) LogPaths(namespace, name string) (stdout, stderr string) {
	dir := filepath.Join(s.SandboxDir(namespace, name), "log")
	return filepath.Join(dir, "stdout"), filepath.Join(dir, "stderr")
}

// RootfsPath returns the materialized rootfs directory for a sandbox.
func (s *Store) RootfsPath(namespace, name string) string {
	return filepath.Join(s.SandboxDir(namespace, name), "rootfs")
}
