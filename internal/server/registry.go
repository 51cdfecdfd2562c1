package server

import "sync"

// Registry maps online usernames to their live connection. It is the only
// state shared by every connection handler, so all access goes through its
// mutex. Entries are removed by explicit Unregister only; a failed push leaves
// the entry for the owning handler to clean up on teardown.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*client),
	}
}

// Register binds a username to a connection and returns the superseded
// connection, if any. The caller is expected to force-close the returned
// handle so a duplicate login does not leak its socket.
func (r *Registry) Register(username string, c *client) *client {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.clients[username]
	if prev == c {
		return nil
	}
	r.clients[username] = c

	return prev
}

// Unregister removes the entry for username, but only while c is still its
// current owner. A stale handle (already superseded by a newer login) is a
// no-op.
func (r *Registry) Unregister(username string, c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clients[username] != c {
		return false
	}
	delete(r.clients, username)

	return true
}

// Lookup returns the live connection of an online user.
func (r *Registry) Lookup(username string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[username]

	return c, ok
}

// Snapshot copies the current username to connection mapping so callers can
// iterate and write without holding the registry lock across socket I/O.
func (r *Registry) Snapshot() map[string]*client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]*client, len(r.clients))
	for username, c := range r.clients {
		snapshot[username] = c
	}

	return snapshot
}
