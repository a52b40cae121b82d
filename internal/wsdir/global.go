package wsdir

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultReplicaTTL bounds how long a gossiped client-id -> replica binding
// is trusted without a refresh. spec.md §3 calls for GlobalDirectory entries
// to "age with the replica" — a replica that stops gossiping (crashed, or
// netsplit) should fall out of every other replica's view within this
// window, the same way the teacher's discovery layer drops a provider that
// stops answering health checks.
const DefaultReplicaTTL = 90 * time.Second

// Global is the replicated client-id -> owning-replica-id map described in
// spec.md §3/§4.4 (steps B2-B4). It is held inverted from the spec's literal
// "replica -> set of client-id" shape so that the hot path — "who owns this
// client-id" — is a single lookup; ReplicaOwns reconstructs the forward
// replica -> client-ids view.
type Global struct {
	mu    sync.Mutex
	cache *lru.LRU[string, string] // client-id -> replica-id, TTL-evicted
}

// NewGlobal builds a Global directory with entries aged out after ttl (or
// DefaultReplicaTTL if zero) and capped at maxClients tracked bindings.
func NewGlobal(ttl time.Duration, maxClients int) *Global {
	if ttl <= 0 {
		ttl = DefaultReplicaTTL
	}
	if maxClients <= 0 {
		maxClients = 100_000
	}
	return &Global{cache: lru.NewLRU[string, string](maxClients, nil, ttl)}
}

// Add records that replicaID currently owns clientID, refreshing its TTL.
func (g *Global) Add(replicaID, clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache.Add(clientID, replicaID)
}

// Remove drops clientID's binding, but only if it is still owned by
// replicaID — a later Add from a different replica must not be clobbered by
// a stale removal gossiped from the old owner.
func (g *Global) Remove(replicaID, clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.cache.Peek(clientID); ok && cur == replicaID {
		g.cache.Remove(clientID)
	}
}

// Locate reports the replica-id currently believed to own clientID.
func (g *Global) Locate(clientID string) (replicaID string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache.Get(clientID)
}

// AdoptReplica replaces replicaID's entire set of owned client-ids with
// clientIDs in one step — used when a wsdir.dir snapshot arrives from that
// replica (spec.md §4.4 B3), so stragglers it no longer owns fall away
// immediately instead of waiting out the TTL.
func (g *Global) AdoptReplica(replicaID string, clientIDs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, key := range g.cache.Keys() {
		if cur, ok := g.cache.Peek(key); ok && cur == replicaID {
			g.cache.Remove(key)
		}
	}
	for _, id := range clientIDs {
		g.cache.Add(id, replicaID)
	}
}

// DropReplica removes every binding owned by replicaID outright — used when
// a peer replica is declared gone (spec.md §4.4 B4's wsdir.rem sweep) rather
// than waiting for each entry to individually expire.
func (g *Global) DropReplica(replicaID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, key := range g.cache.Keys() {
		if cur, ok := g.cache.Peek(key); ok && cur == replicaID {
			g.cache.Remove(key)
		}
	}
}

// ReplicaOwns returns every client-id this directory currently believes
// replicaID owns.
func (g *Global) ReplicaOwns(replicaID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var res []string
	for _, key := range g.cache.Keys() {
		if cur, ok := g.cache.Peek(key); ok && cur == replicaID {
			res = append(res, key)
		}
	}
	return res
}

// Len reports the number of tracked client-id bindings across all replicas.
func (g *Global) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache.Len()
}
