// Package portalloc implements the port allocator (SPEC_FULL.md §4.2):
// one stable TCP port per username, drawn from a configured range,
// persisted across restarts, with released ports reused LIFO before
// the range is scanned further.
//
// Grounded on internal/tunnel/portpool.go's allocatePort/portFree
// idiom and original_source/src/manager/src/port/{mod,registry}.rs.
package portalloc

import (
	"fmt"
	"net"
	"sync"

	"github.com/websoft9/framed/internal/ferrors"
	"github.com/websoft9/framed/internal/portreg"
)

// Stats summarizes the allocator's current state for the CLI/HTTP
// "port list" surfaces.
type Stats struct {
	Total     int `json:"total"`
	Allocated int `json:"allocated"`
	Released  int `json:"released"`
	Free      int `json:"free"`
}

// Allocator hands out and reclaims ports for usernames. It owns the
// single persisted portreg.Document and serializes all mutation with
// one mutex held across the read-modify-persist cycle, matching
// SPEC_FULL.md §5's port-registry writer-lock model.
type Allocator struct {
	mu   sync.Mutex
	path string
	doc  *portreg.Document
}

// Open loads (or initializes) the registry at path for the given range.
func Open(path string, rng portreg.Range) (*Allocator, error) {
	doc, err := portreg.Load(path, rng)
	if err != nil {
		return nil, err
	}
	// A changed config range never narrows the persisted one, so
	// already-allocated ports are never reinterpreted; each end is
	// widened on its own when the configured range extends past it.
	if rng.Start < doc.Range.Start {
		doc.Range.Start = rng.Start
	}
	if rng.End > doc.Range.End {
		doc.Range.End = rng.End
	}
	return &Allocator{path: path, doc: doc}, nil
}

// Allocate returns the port already held by username, or allocates a
// fresh one: first by popping the released stack (LIFO) for a free
// candidate, then by scanning the range ascending. Persists on success.
func (a *Allocator) Allocate(username string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.doc.Allocated[username]; ok {
		return port, nil
	}

	port, ok := a.takeReleased()
	if !ok {
		port, ok = a.scanRange()
	}
	if !ok {
		return 0, ferrors.New("portalloc.Allocate", ferrors.NoPortsAvailable, nil)
	}

	a.doc.Allocated[username] = port
	if err := portreg.Save(a.path, a.doc); err != nil {
		delete(a.doc.Allocated, username)
		return 0, err
	}
	return port, nil
}

// Release returns username's port to the released pool (pushed onto
// the tail, so the next Allocate reuse pops it back out first).
func (a *Allocator) Release(username string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.doc.Allocated[username]
	if !ok {
		return ferrors.New("portalloc.Release", ferrors.NotFound, nil)
	}
	delete(a.doc.Allocated, username)
	a.doc.Released = append(a.doc.Released, port)
	return portreg.Save(a.path, a.doc)
}

// GetPort returns the port allocated to username, if any.
func (a *Allocator) GetPort(username string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.doc.Allocated[username]
	return port, ok
}

// IsAvailable reports whether port is free at the OS level right now.
// It does not consult the registry — a caller checking "can I hand
// this out" should also check GetPort/Allocated state.
func IsAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Stats snapshots allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.doc.Range.End - a.doc.Range.Start + 1
	if total < 0 {
		total = 0
	}
	return Stats{
		Total:     total,
		Allocated: len(a.doc.Allocated),
		Released:  len(a.doc.Released),
		Free:      total - len(a.doc.Allocated),
	}
}

// ListAllocations returns a copy of the username→port map.
func (a *Allocator) ListAllocations() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.doc.Allocated))
	for k, v := range a.doc.Allocated {
		out[k] = v
	}
	return out
}

// --- internal helpers (caller must hold a.mu) -----------------------------

func (a *Allocator) takeReleased() (int, bool) {
	for len(a.doc.Released) > 0 {
		last := len(a.doc.Released) - 1
		port := a.doc.Released[last]
		a.doc.Released = a.doc.Released[:last]
		if a.portUnused(port) {
			return port, true
		}
		// Stale/occupied — drop it and keep popping.
	}
	return 0, false
}

func (a *Allocator) scanRange() (int, bool) {
	used := make(map[int]bool, len(a.doc.Allocated))
	for _, p := range a.doc.Allocated {
		used[p] = true
	}
	for port := a.doc.Range.Start; port <= a.doc.Range.End; port++ {
		if used[port] {
			continue
		}
		if IsAvailable(port) {
			return port, true
		}
	}
	return 0, false
}

func (a *Allocator) portUnused(port int) bool {
	for _, p := range a.doc.Allocated {
		if p == port {
			return false
		}
	}
	return IsAvailable(port)
}
