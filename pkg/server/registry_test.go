package server

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// nopConn is a Conn that discards writes and never produces frames.
// Registry tests only need distinct identities.
type nopConn struct {
	id int
}

func (c *nopConn) ReadFrame() (string, error)    { select {} }
func (c *nopConn) WriteFrame(frame string) error { return nil }
func (c *nopConn) Close() error                  { return nil }

func TestRegisterFirstConnection(t *testing.T) {
	r := NewRegistry()

	first, peers := r.Register("alice", &nopConn{id: 1})
	assert.True(t, first)
	assert.Empty(t, peers)

	// Second device: not first, and alice is not her own peer.
	first, peers = r.Register("alice", &nopConn{id: 2})
	assert.False(t, first)
	assert.Empty(t, peers)

	first, peers = r.Register("bob", &nopConn{id: 3})
	assert.True(t, first)
	assert.Equal(t, []string{"alice"}, peers)
}

func TestUnregisterReportsOffline(t *testing.T) {
	r := NewRegistry()
	c1 := &nopConn{id: 1}
	c2 := &nopConn{id: 2}
	r.Register("alice", c1)
	r.Register("alice", c2)

	assert.False(t, r.Unregister("alice", c1))
	assert.Contains(t, r.OnlineIdentities(), "alice")

	assert.True(t, r.Unregister("alice", c2))
	assert.NotContains(t, r.OnlineIdentities(), "alice")

	// Unknown identity/conn pairs are a no-op.
	assert.False(t, r.Unregister("alice", c2))
	assert.False(t, r.Unregister("nobody", c1))
}

func TestConnectionsForSnapshot(t *testing.T) {
	r := NewRegistry()
	c1 := &nopConn{id: 1}
	c2 := &nopConn{id: 2}
	r.Register("alice", c1)
	r.Register("alice", c2)

	conns := r.ConnectionsFor("alice")
	require.Len(t, conns, 2)

	// Mutating the registry must not affect an already-taken snapshot.
	r.Unregister("alice", c1)
	assert.Len(t, conns, 2)
	assert.Len(t, r.ConnectionsFor("alice"), 1)

	assert.Nil(t, r.ConnectionsFor("nobody"))
}

func TestConnectionCount(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.ConnectionCount())

	r.Register("alice", &nopConn{id: 1})
	r.Register("alice", &nopConn{id: 2})
	r.Register("bob", &nopConn{id: 3})
	assert.Equal(t, 3, r.ConnectionCount())
}

// TestRegistryPresenceInvariant model-checks arbitrary register and
// unregister sequences: an identity appears in OnlineIdentities iff its
// connection set is non-empty, and the first/offline flags fire exactly
// on the empty<->non-empty transitions.
func TestRegistryPresenceInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry()
		model := make(map[string]map[*nopConn]bool)
		pool := make([]*nopConn, 8)
		for i := range pool {
			pool[i] = &nopConn{id: i}
		}
		identities := []string{"alice", "bob", "carol"}

		t.Repeat(map[string]func(*rapid.T){
			"register": func(t *rapid.T) {
				identity := rapid.SampledFrom(identities).Draw(t, "identity")
				conn := rapid.SampledFrom(pool).Draw(t, "conn")
				if model[identity][conn] {
					t.Skip() // already registered
				}

				first, _ := r.Register(identity, conn)
				if first != (len(model[identity]) == 0) {
					t.Fatalf("first=%v with %d model conns", first, len(model[identity]))
				}
				if model[identity] == nil {
					model[identity] = make(map[*nopConn]bool)
				}
				model[identity][conn] = true
			},
			"unregister": func(t *rapid.T) {
				identity := rapid.SampledFrom(identities).Draw(t, "identity")
				conn := rapid.SampledFrom(pool).Draw(t, "conn")

				offline := r.Unregister(identity, conn)
				wasPresent := model[identity][conn]
				delete(model[identity], conn)
				if len(model[identity]) == 0 {
					delete(model, identity)
				}
				if offline != (wasPresent && model[identity] == nil) {
					t.Fatalf("offline=%v, wasPresent=%v, remaining=%d",
						offline, wasPresent, len(model[identity]))
				}
			},
			"": func(t *rapid.T) {
				var want []string
				for identity, conns := range model {
					if len(conns) > 0 {
						want = append(want, identity)
					}
				}
				got := r.OnlineIdentities()
				sort.Strings(want)
				sort.Strings(got)
				if len(got) == 0 && len(want) == 0 {
					return
				}
				if !assert.ObjectsAreEqual(want, got) {
					t.Fatalf("online mismatch: got %v, want %v", got, want)
				}
			},
		})
	})
}

// TestRegistryConcurrentMutations exercises the lock with parallel
// connect/disconnect churn across identities while snapshots are taken.
func TestRegistryConcurrentMutations(t *testing.T) {
	r := NewRegistry()
	identities := []string{"alice", "bob", "carol", "dave"}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				identity := identities[(worker+j)%len(identities)]
				conn := &nopConn{id: worker*1000 + j}
				r.Register(identity, conn)
				r.ConnectionsFor(identity)
				r.OnlineIdentities()
				r.Unregister(identity, conn)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, r.OnlineIdentities())
	assert.Equal(t, 0, r.ConnectionCount())
}
