package proxy

// maxReservedServers bounds the reserved-server array; statement ids encode
// the index in their high 16 bits, index 0 is the socket active at prepare
// time.
const maxReservedServers = 16

// ReservedServerSet maps backend-group index to the socket a prepared
// statement was reserved on, for sessions whose prepared statements must be
// executable against more than one backend.
type ReservedServerSet struct {
	sockets []*BackendSocket
}

// NewReservedServerSet creates an empty set.
func NewReservedServerSet() *ReservedServerSet {
	return &ReservedServerSet{}
}

// Add registers a socket and returns its slot, or -1 when the set is full.
// A socket already present keeps its slot; emptied slots are reused.
func (r *ReservedServerSet) Add(s *BackendSocket) int {
	free := -1
	for i, held := range r.sockets {
		if held == s {
			return i
		}
		if held == nil && free < 0 {
			free = i
		}
	}
	if free >= 0 {
		r.sockets[free] = s
		return free
	}
	if len(r.sockets) >= maxReservedServers {
		return -1
	}
	r.sockets = append(r.sockets, s)
	return len(r.sockets) - 1
}

// Remove empties the slot holding s. Slots are positional because statement
// ids already handed to the client encode them, so the slot is nilled rather
// than compacted.
func (r *ReservedServerSet) Remove(s *BackendSocket) {
	for i, held := range r.sockets {
		if held == s {
			r.sockets[i] = nil
		}
	}
}

// Get returns the socket in slot, or nil.
func (r *ReservedServerSet) Get(slot int) *BackendSocket {
	if slot < 0 || slot >= len(r.sockets) {
		return nil
	}
	return r.sockets[slot]
}

// Len returns the number of reserved sockets.
func (r *ReservedServerSet) Len() int {
	n := 0
	for _, s := range r.sockets {
		if s != nil {
			n++
		}
	}
	return n
}

// All returns the reserved sockets in slot order, skipping emptied slots.
func (r *ReservedServerSet) All() []*BackendSocket {
	out := make([]*BackendSocket, 0, len(r.sockets))
	for _, s := range r.sockets {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Reset drops all reservations without closing the sockets.
func (r *ReservedServerSet) Reset() {
	r.sockets = r.sockets[:0]
}

// encodeStmtID folds the reserved-server slot into the high 16 bits of a
// statement id before it is handed to the client.
func encodeStmtID(stmtID uint32, slot int) uint32 {
	return (stmtID & 0x0000ffff) | uint32(slot)<<16
}

// decodeStmtID splits a client-visible statement id into the backend's
// original id and the reserved-server slot.
func decodeStmtID(stmtID uint32) (backendID uint32, slot int) {
	return stmtID & 0x0000ffff, int(stmtID >> 16)
}
