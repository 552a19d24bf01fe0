// Package ledger tracks the in-memory aggregate of live sandbox resource
// consumption and enforces the configured global caps.
package ledger

import (
	"sync"
	"time"

	"github.com/radiumce/microsandbox/internal/config"
	"github.com/radiumce/microsandbox/internal/errs"
)

// Caps are the configured global resource limits, the highest layer of the
// config override chain already resolved by internal/config.
type Caps struct {
	MaxSessions       int
	MaxTotalMemoryMiB int
	MaxTotalCPUs      int
}

// Stats is a point-in-time snapshot of ledger counters.
type Stats struct {
	ActiveSessions int
	PerFlavor      map[config.Flavor]int
	SumMemoryMiB   int
	SumCPUs        int
	UptimeSeconds  float64
}

// Ledger is the process-wide resource aggregate. It does not itself gate
// reservation atomically with registry mutation — per spec §4.4, the caller
// (the session/sandbox registry, under its own lock) performs the
// check-then-reserve as a single atomic step using TryReserve as the check.
type Ledger struct {
	mu        sync.Mutex
	caps      Caps
	sessions  int
	perFlavor map[config.Flavor]int
	sumMemory int
	sumCPUs   int
	startedAt time.Time
}

// New creates a Ledger enforcing the given caps.
func New(caps Caps) *Ledger {
	return &Ledger{
		caps:      caps,
		perFlavor: make(map[config.Flavor]int),
		startedAt: time.Now(),
	}
}

// TryReserve reports whether reserving one more session of the given flavor
// would stay within caps, without mutating any counter.
func (l *Ledger) TryReserve(flavor config.Flavor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(flavor)
}

func (l *Ledger) check(flavor config.Flavor) error {
	shape := config.FlavorShapes[flavor]
	if l.caps.MaxSessions > 0 && l.sessions+1 > l.caps.MaxSessions {
		return errs.ResourceExhausted("sessions")
	}
	if l.caps.MaxTotalMemoryMiB > 0 && l.sumMemory+int(shape.MemoryMiB) > l.caps.MaxTotalMemoryMiB {
		return errs.ResourceExhausted("memory")
	}
	if l.caps.MaxTotalCPUs > 0 && l.sumCPUs+int(shape.CPUs) > l.caps.MaxTotalCPUs {
		return errs.ResourceExhausted("cpus")
	}
	return nil
}

// Reserve commits a reservation for flavor. Callers must have already
// established mutual exclusion with any concurrent reserve/release via
// their own registry lock (per spec §5).
func (l *Ledger) Reserve(flavor config.Flavor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	shape := config.FlavorShapes[flavor]
	l.sessions++
	l.perFlavor[flavor]++
	l.sumMemory += int(shape.MemoryMiB)
	l.sumCPUs += int(shape.CPUs)
}

// Release decrements counters for a previously reserved flavor.
func (l *Ledger) Release(flavor config.Flavor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	shape := config.FlavorShapes[flavor]
	if l.sessions > 0 {
		l.sessions--
	}
	if l.perFlavor[flavor] > 0 {
		l.perFlavor[flavor]--
	}
	l.sumMemory -= int(shape.MemoryMiB)
	if l.sumMemory < 0 {
		l.sumMemory = 0
	}
	l.sumCPUs -= int(shape.CPUs)
	if l.sumCPUs < 0 {
		l.sumCPUs = 0
	}
}

// Stats returns a snapshot of the current counters.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	perFlavor := make(map[config.Flavor]int, len(l.perFlavor))
	for k, v := range l.perFlavor {
		perFlavor[k] = v
	}
	return Stats{
		ActiveSessions: l.sessions,
		PerFlavor:      perFlavor,
		SumMemoryMiB:   l.sumMemory,
		SumCPUs:        l.sumCPUs,
		UptimeSeconds:  time.Since(l.startedAt).Seconds(),
	}
}

// WouldExceed reports which resource(s) an additional reservation of flavor
// would push over cap, used by the session manager's eviction algorithm to
// compute how much slack it still needs after stopping each candidate.
func (l *Ledger) WouldExceed(flavor config.Flavor) (needSessions, needMemoryMiB int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	shape := config.FlavorShapes[flavor]
	if l.caps.MaxSessions > 0 {
		if d := (l.sessions + 1) - l.caps.MaxSessions; d > 0 {
			needSessions = d
		}
	}
	if l.caps.MaxTotalMemoryMiB > 0 {
		if d := (l.sumMemory + int(shape.MemoryMiB)) - l.caps.MaxTotalMemoryMiB; d > 0 {
			needMemoryMiB = d
		}
	}
	return needSessions, needMemoryMiB
}
