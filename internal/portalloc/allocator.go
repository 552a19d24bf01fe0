// Package portalloc hands out unique host TCP ports from a configured
// contiguous range and tracks which owner holds each one.
package portalloc

import (
	"fmt"
	"sync"

	"github.com/radiumce/microsandbox/internal/errs"
)

// Owner identifies the entity a port allocation belongs to. GuestPort keys
// the allocation to one specific port mapping, so a sandbox declaring
// several ports gets one independent host-port allocation per mapping
// instead of every mapping after the first colliding on the same port.
type Owner struct {
	Namespace string
	Name      string
	GuestPort int
}

// Allocator hands out host ports round-robin from [start, end], tracking a
// live set of allocations. Mutated only through its own exported methods —
// the single exclusive owner the spec requires for the port set.
type Allocator struct {
	mu      sync.Mutex
	start   int
	end     int
	next    int
	byPort  map[int]Owner
	byOwner map[Owner]int
}

// New creates an Allocator over the inclusive range [start, end].
func New(start, end int) (*Allocator, error) {
	if end < start {
		return nil, fmt.Errorf("invalid port range [%d, %d]", start, end)
	}
	return &Allocator{
		start:   start,
		end:     end,
		next:    start,
		byPort:  make(map[int]Owner),
		byOwner: make(map[Owner]int),
	}, nil
}

// Allocate returns the next free host port for owner, scanning round-robin
// from the last allocation point. Re-allocating the same owner before a
// release is idempotent: it returns the port already held.
func (a *Allocator) Allocate(owner Owner) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byOwner[owner]; ok {
		return p, nil
	}

	span := a.end - a.start + 1
	for i := 0; i < span; i++ {
		p := a.start + (a.next-a.start+i)%span
		if _, taken := a.byPort[p]; !taken {
			a.byPort[p] = owner
			a.byOwner[owner] = p
			a.next = p + 1
			if a.next > a.end {
				a.next = a.start
			}
			return p, nil
		}
	}
	return 0, errs.ResourceExhausted("ports")
}

// Release frees a host port. It fails if the port is not currently owned
// by owner — releasing is the only way to free a port, and only its owner
// may do it.
func (a *Allocator) Release(hostPort int, owner Owner) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.byPort[hostPort]
	if !ok || cur != owner {
		return fmt.Errorf("port %d is not owned by %+v", hostPort, owner)
	}
	delete(a.byPort, hostPort)
	delete(a.byOwner, owner)
	return nil
}

// ReleaseOwner frees whatever port owner currently holds, if any.
func (a *Allocator) ReleaseOwner(owner Owner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.byOwner[owner]; ok {
		delete(a.byPort, p)
		delete(a.byOwner, owner)
	}
}

// Len returns the number of live allocations, used by tests to assert no
// port leaks across a start/stop round trip.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byPort)
}
