package signaling

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrBackpressure is returned by Peer.Send when the peer's queue is full.
	ErrBackpressure = errors.New("backpressure")

	// ErrPeerClosed is returned by Peer.Send after Close.
	ErrPeerClosed = errors.New("peer closed")
)

// Peer is one participant connection. Send must not block.
type Peer interface {
	ID() string
	Send(msg []byte) error
	Close()
}

// Role is what a connection registered as.
type Role string

const (
	RoleNone        Role = ""
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// Room is the signaling state for one client: at most one broadcaster and
// any number of viewers keyed by viewer id. All methods are safe for
// concurrent use and serialized per room.
type Room struct {
	clientID string

	mu          sync.Mutex
	broadcaster Peer
	viewers     map[string]Peer
	lastActive  time.Time
	dead        bool
}

func newRoom(clientID string, now time.Time) *Room {
	return &Room{
		clientID:   clientID,
		viewers:    make(map[string]Peer),
		lastActive: now,
	}
}

// ClientID returns the client the room belongs to.
func (r *Room) ClientID() string {
	return r.clientID
}

// setBroadcaster installs p as broadcaster and returns the connection it
// displaced, if any. ok is false when the room was reaped and must not be used.
func (r *Room) setBroadcaster(p Peer, now time.Time) (replaced Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dead {
		return nil, false
	}
	replaced = r.broadcaster
	r.broadcaster = p
	r.lastActive = now
	return replaced, true
}

// addViewer registers p under viewerID and returns the connection it displaced.
func (r *Room) addViewer(viewerID string, p Peer, now time.Time) (replaced Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dead {
		return nil, false
	}
	replaced = r.viewers[viewerID]
	r.viewers[viewerID] = p
	r.lastActive = now
	return replaced, true
}

// remove clears whichever slot still holds p. A displaced connection no
// longer holds a slot, so its disconnect leaves the room untouched.
func (r *Room) remove(p Peer, now time.Time) Role {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = now
	if r.broadcaster != nil && r.broadcaster.ID() == p.ID() {
		r.broadcaster = nil
		return RoleBroadcaster
	}
	for id, v := range r.viewers {
		if v.ID() == p.ID() {
			delete(r.viewers, id)
			return RoleViewer
		}
	}
	return RoleNone
}

// toViewer relays msg from the broadcaster p to viewerID. It reports false
// when p is no longer the broadcaster, the viewer is gone, or its queue is full.
func (r *Room) toViewer(from Peer, viewerID string, msg []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.broadcaster == nil || r.broadcaster.ID() != from.ID() {
		return false
	}
	v, ok := r.viewers[viewerID]
	if !ok {
		return false
	}
	return v.Send(msg) == nil
}

// toBroadcaster relays msg from the viewer p registered as viewerID.
func (r *Room) toBroadcaster(from Peer, viewerID string, msg []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.viewers[viewerID]; !ok || v.ID() != from.ID() {
		return false
	}
	if r.broadcaster == nil {
		return false
	}
	return r.broadcaster.Send(msg) == nil
}

// HasBroadcaster reports whether the broadcaster slot is held.
func (r *Room) HasBroadcaster() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcaster != nil
}

// Broadcaster returns the current broadcaster, or nil.
func (r *Room) Broadcaster() Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcaster
}

// Viewer returns the connection registered as viewerID.
func (r *Room) Viewer(viewerID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.viewers[viewerID]
	return p, ok
}

// ViewerCount returns the number of registered viewers.
func (r *Room) ViewerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// reapIfIdle marks the room dead when it has been empty since before cutoff.
func (r *Room) reapIfIdle(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.broadcaster != nil || len(r.viewers) > 0 || r.lastActive.After(cutoff) {
		return false
	}
	r.dead = true
	return true
}
