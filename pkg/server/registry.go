package server

import (
	"sync"
)

// Registry is the in-memory mapping from identity to that identity's
// live connections. It is the single source of truth for presence: an
// identity is online iff it has at least one registered connection.
//
// All mutations and snapshot reads go through one RWMutex so that no
// caller ever iterates a connection set another goroutine is mutating.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[Conn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]map[Conn]struct{}),
	}
}

// Register adds conn to identity's connection set. It reports whether
// this is the identity's first live connection (which gates the online
// presence broadcast) and returns a snapshot of the other identities
// that were online at registration time. Both come from the same
// critical section, so the broadcast gate and the presence snapshot
// observe identical registry state.
func (r *Registry) Register(identity string, conn Conn) (first bool, peers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[identity]
	if !ok {
		set = make(map[Conn]struct{})
		r.conns[identity] = set
	}
	set[conn] = struct{}{}

	peers = make([]string, 0, len(r.conns)-1)
	for peer := range r.conns {
		if peer != identity {
			peers = append(peers, peer)
		}
	}
	return !ok, peers
}

// Unregister removes conn from identity's set, deleting the identity
// entry entirely when its last connection goes away. It reports whether
// the identity transitioned to fully offline. Unknown identity/conn
// pairs are a no-op.
func (r *Registry) Unregister(identity string, conn Conn) (offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[identity]
	if !ok {
		return false
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.conns, identity)
		return true
	}
	return false
}

// ConnectionsFor returns a snapshot of identity's current connections.
// The returned slice is a copy; callers may fan out over it without
// holding the registry lock.
func (r *Registry) ConnectionsFor(identity string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[identity]
	if len(set) == 0 {
		return nil
	}
	conns := make([]Conn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// OnlineIdentities returns a snapshot of all currently registered
// identities.
func (r *Registry) OnlineIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]string, 0, len(r.conns))
	for identity := range r.conns {
		identities = append(identities, identity)
	}
	return identities
}

// ConnectionCount returns the total number of live connections across
// all identities.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, set := range r.conns {
		total += len(set)
	}
	return total
}

// CloseAll closes every registered connection. Sessions observe the
// close as a read error and run their normal cleanup path.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]Conn, 0)
	for _, set := range r.conns {
		for conn := range set {
			conns = append(conns, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}
