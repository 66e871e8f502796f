// Package registry maps identities to the live connections held by this
// process. It is never shared across instances.
package registry

import (
	"sync"
)

// Conn is a live client connection as seen by the relay.
type Conn interface {
	ID() string
	// Send hands one frame to the connection's writer without waiting for
	// the peer. A connection that cannot keep up is closed and reports an
	// error.
	Send(raw []byte) error
	// Open reports whether the connection still accepts writes.
	Open() bool
	Close() error
}

// BindResult tells the caller whether Bind superseded an earlier binding.
type BindResult struct {
	Replaced bool
	// Previous is the superseded connection when Replaced is set. The
	// registry does not close it.
	Previous Conn
}

// Registry is safe for concurrent use. No lock is held while writing to a
// connection.
type Registry struct {
	mu    sync.RWMutex
	byUID map[string]Conn
}

func New() *Registry {
	return &Registry{byUID: make(map[string]Conn)}
}

// Bind registers c for uid. The last connection wins.
func (r *Registry) Bind(uid string, c Conn) BindResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.byUID[uid]
	r.byUID[uid] = c
	if !ok || prev == c {
		return BindResult{}
	}
	return BindResult{Replaced: true, Previous: prev}
}

// Unbind removes the binding whose connection is c and returns its uid.
// ok is false when c is not bound, e.g. after it was superseded.
func (r *Registry) Unbind(c Conn) (uid string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, bound := range r.byUID {
		if bound == c {
			delete(r.byUID, id)
			return id, true
		}
	}
	return "", false
}

func (r *Registry) Lookup(uid string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUID[uid]
	return c, ok
}

// SendLocal writes raw to uid's connection. It reports true only when a
// bound, open connection accepted the frame.
func (r *Registry) SendLocal(uid string, raw []byte) bool {
	c, ok := r.Lookup(uid)
	if !ok || !c.Open() {
		return false
	}
	return c.Send(raw) == nil
}

// BroadcastLocal writes raw to every open connection except exclude and
// returns how many accepted it. exclude may be nil.
func (r *Registry) BroadcastLocal(raw []byte, exclude Conn) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.byUID))
	for _, c := range r.byUID {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.Open() && c.Send(raw) == nil {
			n++
		}
	}
	return n
}
