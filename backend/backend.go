package backend

import (
	"sync"

	"github.com/session-replay-tools/cetus-sub002/pool"
)

// Type tags a backend as the writable primary or a read replica.
type Type int

const (
	TypeUnknown Type = iota
	TypeRW
	TypeRO
)

// State is the health/administrative state of a backend.
type State int

const (
	StateUnknown State = iota
	StateUp
	StateDown
	StateMaintaining
	StateDeleted
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	case StateMaintaining:
		return "maintaining"
	case StateDeleted:
		return "deleted"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Backend is one configured MySQL server.
type Backend struct {
	Addr   string
	Type   Type
	Weight int
	Pool   *pool.Pool

	mu               sync.Mutex
	state            State
	connectedClients int
}

// State returns the current health state.
func (b *Backend) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetState updates the health state.
func (b *Backend) SetState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// active reports whether the backend may receive new traffic.
// Unknown counts as active so freshly configured backends are usable
// before the first health check completes.
func (b *Backend) active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateUp || b.state == StateUnknown
}

// AddClient records one more client using this backend.
func (b *Backend) AddClient() {
	b.mu.Lock()
	b.connectedClients++
	b.mu.Unlock()
}

// RemoveClient records one client leaving this backend.
func (b *Backend) RemoveClient() {
	b.mu.Lock()
	if b.connectedClients > 0 {
		b.connectedClients--
	}
	b.mu.Unlock()
}

// ConnectedClients returns the number of clients currently attached.
func (b *Backend) ConnectedClients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectedClients
}

// Group is the set of backends one proxy instance routes across:
// one primary plus any number of replicas.
type Group struct {
	mu       sync.RWMutex
	backends []*Backend
	current  int // round-robin cursor over replicas
	priority bool
}

// Replica describes one configured read replica.
type Replica struct {
	Addr   string
	Weight int
}

// NewGroup builds a group from the configured primary and replicas.
// With priority selection enabled, reads go to the heaviest active replica
// instead of round-robin.
func NewGroup(primary string, replicas []Replica, poolOpts pool.Options, priority bool) *Group {
	g := &Group{priority: priority}
	g.backends = append(g.backends, &Backend{
		Addr: primary,
		Type: TypeRW,
		Pool: pool.New(poolOpts),
	})
	for _, r := range replicas {
		weight := r.Weight
		if weight <= 0 {
			weight = 1
		}
		g.backends = append(g.backends, &Backend{
			Addr:   r.Addr,
			Type:   TypeRO,
			Weight: weight,
			Pool:   pool.New(poolOpts),
		})
	}
	return g
}

// Backend returns the backend at ndx, or nil if out of range.
func (g *Group) Backend(ndx int) *Backend {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if ndx < 0 || ndx >= len(g.backends) {
		return nil
	}
	return g.backends[ndx]
}

// All returns the backends in configuration order.
func (g *Group) All() []*Backend {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Backend, len(g.backends))
	copy(out, g.backends)
	return out
}

// RWIndex returns the index of the first active read-write backend,
// or -1 if none is usable.
func (g *Group) RWIndex() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for i, b := range g.backends {
		if b.Type == TypeRW && b.active() {
			return i
		}
	}
	return -1
}

// ROIndex returns the index of the next active read-only backend, or -1 if
// none is usable. Selection is round-robin, or heaviest-weight when the
// group was built with priority selection.
func (g *Group) ROIndex() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.priority {
		best := -1
		for i, b := range g.backends {
			if b.Type != TypeRO || !b.active() {
				continue
			}
			if best == -1 || b.Weight > g.backends[best].Weight {
				best = i
			}
		}
		return best
	}

	n := len(g.backends)
	for tries := 0; tries < n; tries++ {
		g.current = (g.current + 1) % n
		b := g.backends[g.current]
		if b.Type == TypeRO && b.active() {
			return g.current
		}
	}
	return -1
}

// UpReplicaCount returns how many replicas can take traffic.
func (g *Group) UpReplicaCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, b := range g.backends {
		if b.Type == TypeRO && b.active() {
			count++
		}
	}
	return count
}

// Close drains every backend's pool.
func (g *Group) Close() {
	for _, b := range g.All() {
		b.Pool.Close()
	}
}
