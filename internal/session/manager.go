// Package session implements the logical session registry: id to sandbox
// mapping, last-accessed tracking, synchronous LRU eviction under pressure,
// and periodic idle expiry.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radiumce/microsandbox/internal/config"
	"github.com/radiumce/microsandbox/internal/errs"
	"github.com/radiumce/microsandbox/internal/ledger"
	"github.com/radiumce/microsandbox/internal/sandbox"
)

// Status mirrors spec §3's SessionStatus variants.
type Status string

const (
	StatusCreating   Status = "Creating"
	StatusReady      Status = "Ready"
	StatusRunning    Status = "Running"
	StatusProcessing Status = "Processing"
	StatusError      Status = "Error"
	StatusStopped    Status = "Stopped"
)

// Info is the externally-visible view of one session.
type Info struct {
	ID           string
	Namespace    string
	SandboxName  string
	Template     string
	Flavor       config.Flavor
	CreatedAt    time.Time
	LastAccessed time.Time
	Status       Status
}

type record struct {
	Info
}

// Manager is the session registry (C8). It composes the sandbox supervisor
// (C7, to actually start/stop the underlying VM) and the resource ledger
// (C4, to gate admission and drive eviction).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*record

	supervisor        *sandbox.Supervisor
	ledger            *ledger.Ledger
	enableLRUEviction bool
	sessionTimeout    time.Duration
}

// New creates a session Manager.
func New(supervisor *sandbox.Supervisor, led *ledger.Ledger, enableLRUEviction bool, sessionTimeout time.Duration) *Manager {
	return &Manager{
		sessions:          make(map[string]*record),
		supervisor:        supervisor,
		ledger:            led,
		enableLRUEviction: enableLRUEviction,
		sessionTimeout:    sessionTimeout,
	}
}

// StartFunc boots the sandbox backing a new session; injected so Manager
// does not need to know how to build a config.SandboxSpec from a template.
type StartFunc func(ctx context.Context, namespace, sandboxName string, flavor config.Flavor) error

// GetOrCreate returns an existing session's id unchanged, or creates a new
// one. A non-empty but unknown sessionID always creates a fresh session —
// SessionNotFound is reserved for stop_session, per spec §4.8.
func (m *Manager) GetOrCreate(ctx context.Context, namespace, sessionID, template string, flavor config.Flavor, start StartFunc) (string, bool, error) {
	if sessionID != "" {
		m.mu.RLock()
		_, ok := m.sessions[sessionID]
		m.mu.RUnlock()
		if ok {
			m.Touch(sessionID)
			return sessionID, false, nil
		}
	}

	if err := m.admit(flavor); err != nil {
		return "", false, err
	}

	id := uuid.NewString()
	sandboxName := "sess-" + id
	now := time.Now()

	m.mu.Lock()
	m.sessions[id] = &record{Info{
		ID: id, Namespace: namespace, SandboxName: sandboxName, Template: template,
		Flavor: flavor, CreatedAt: now, LastAccessed: now, Status: StatusCreating,
	}}
	m.mu.Unlock()
	m.ledger.Reserve(flavor)

	if err := start(ctx, namespace, sandboxName, flavor); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		m.ledger.Release(flavor)
		return "", false, err
	}

	m.mu.Lock()
	m.sessions[id].Status = StatusReady
	m.mu.Unlock()

	return id, true, nil
}

// admit checks capacity, running the synchronous LRU eviction algorithm
// from spec §4.8 on a miss.
func (m *Manager) admit(flavor config.Flavor) error {
	if err := m.ledger.TryReserve(flavor); err == nil {
		return nil
	}

	if !m.enableLRUEviction {
		return errs.ResourceExhausted("sessions")
	}

	needSessions, needMemory := m.ledger.WouldExceed(flavor)

	m.mu.RLock()
	candidates := make([]*record, 0, len(m.sessions))
	for _, r := range m.sessions {
		if r.Status == StatusCreating || r.Status == StatusProcessing {
			continue
		}
		candidates = append(candidates, r)
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastAccessed.Equal(candidates[j].LastAccessed) {
			return candidates[i].ID < candidates[j].ID // deterministic tiebreak
		}
		return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
	})

	for _, r := range candidates {
		if needSessions <= 0 && needMemory <= 0 {
			break
		}
		m.StopSession(r.ID)
		needSessions--
		needMemory -= int(config.FlavorShapes[r.Flavor].MemoryMiB)
	}

	if err := m.ledger.TryReserve(flavor); err != nil {
		return err
	}
	return nil
}

// Touch updates last_accessed to now. Called at the start of every exec,
// including command.run issued with a session id that doesn't match the
// sandbox's last-known session — touch is session bookkeeping, not
// sandbox-scoped, per the Open Question (a) decision in DESIGN.md.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.sessions[sessionID]; ok {
		r.LastAccessed = time.Now()
	}
}

// MarkProcessing/MarkReady bracket an in-flight exec; sessions in
// Processing or Creating are ineligible for eviction, per spec §4.8.
func (m *Manager) MarkProcessing(sessionID string) {
	m.setStatus(sessionID, StatusProcessing)
}

func (m *Manager) MarkReady(sessionID string) {
	m.setStatus(sessionID, StatusReady)
}

func (m *Manager) setStatus(sessionID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.sessions[sessionID]; ok {
		r.Status = status
	}
}

// StopSession stops the underlying sandbox and removes the entry. It
// returns false if sessionID is unknown (the one place this package
// surfaces SessionNotFound, per spec §4.8).
func (m *Manager) StopSession(sessionID string) bool {
	m.mu.Lock()
	r, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	_ = m.supervisor.Stop(context.Background(), r.Namespace, r.SandboxName, 30*time.Second)
	m.ledger.Release(r.Flavor)
	return true
}

// List returns a snapshot of every tracked session.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, r.Info)
	}
	return out
}

// SweepIdle stops every session whose last_accessed is older than the
// configured session timeout. Invoked periodically by the supervisor
// runtime (C12).
func (m *Manager) SweepIdle() int {
	cutoff := time.Now().Add(-m.sessionTimeout)

	m.mu.RLock()
	var expired []string
	for id, r := range m.sessions {
		if r.LastAccessed.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.StopSession(id)
	}
	return len(expired)
}
