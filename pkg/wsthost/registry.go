package wsthost

import (
	"sort"
	"sync"

	"github.com/sammck-go/wstether/pkg/wstcred"
)

// clientRegistry is the set of enrolled client verify keys, indexed by key
// id. It holds the live copy; the Agent persists snapshots on mutation.
type clientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*wstcred.EnrolledClient
}

func newClientRegistry(clients []*wstcred.EnrolledClient) *clientRegistry {
	r := &clientRegistry{
		clients: make(map[string]*wstcred.EnrolledClient, len(clients)),
	}
	for _, c := range clients {
		if c != nil && c.KeyID != "" {
			r.clients[c.KeyID] = c
		}
	}
	return r
}

func (r *clientRegistry) get(keyID string) (*wstcred.EnrolledClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[keyID]
	return c, ok
}

// add inserts or replaces the entry for c.KeyID.
func (r *clientRegistry) add(c *wstcred.EnrolledClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.KeyID] = c
}

// remove deletes the entry for keyID, reporting whether it was present.
func (r *clientRegistry) remove(keyID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[keyID]
	delete(r.clients, keyID)
	return ok
}

func (r *clientRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// snapshot returns the enrolled clients ordered by key id, suitable for
// persisting or listing.
func (r *clientRegistry) snapshot() []*wstcred.EnrolledClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*wstcred.EnrolledClient, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}
