package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kiosk-relay/internal/platform/metrics"
)

// DefaultRoomIdleTTL is how long an empty room is kept before it is reaped.
const DefaultRoomIdleTTL = 10 * time.Minute

// Registry holds one Room per client id. Rooms are created on demand and
// reaped by Run once they have been empty for longer than the idle TTL.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	idleTTL time.Duration
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry returns an empty registry. idleTTL <= 0 uses DefaultRoomIdleTTL;
// m may be nil.
func NewRegistry(idleTTL time.Duration, log *slog.Logger, m *metrics.Metrics) *Registry {
	if idleTTL <= 0 {
		idleTTL = DefaultRoomIdleTTL
	}
	return &Registry{
		rooms:   make(map[string]*Room),
		idleTTL: idleTTL,
		now:     time.Now,
		log:     log,
		metrics: m,
	}
}

// Room returns the room for clientID, creating it if needed.
func (r *Registry) Room(clientID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[clientID]
	if !ok {
		room = newRoom(clientID, r.now())
		r.rooms[clientID] = room
		r.log.Debug("signaling room created", slog.String("client_id", clientID))
	}
	return room
}

// Lookup returns the room for clientID without creating one.
func (r *Registry) Lookup(clientID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[clientID]
	return room, ok
}

// Len returns the number of rooms held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// RegisterBroadcaster makes p the broadcaster of clientID's room. A previous
// broadcaster is displaced without being closed.
func (r *Registry) RegisterBroadcaster(clientID string, p Peer) (room *Room, replaced Peer) {
	for {
		room = r.Room(clientID)
		if replaced, ok := room.setBroadcaster(p, r.now()); ok {
			return room, replaced
		}
		r.forget(clientID, room)
	}
}

// RegisterViewer registers p as viewerID in clientID's room. A previous
// connection with the same viewer id is displaced without being closed.
func (r *Registry) RegisterViewer(clientID, viewerID string, p Peer) (room *Room, replaced Peer) {
	for {
		room = r.Room(clientID)
		if replaced, ok := room.addViewer(viewerID, p, r.now()); ok {
			return room, replaced
		}
		r.forget(clientID, room)
	}
}

// Unregister removes p from whichever slot it holds in room.
func (r *Registry) Unregister(room *Room, p Peer) Role {
	return room.remove(p, r.now())
}

// forget drops room from the map if it is still the current one.
func (r *Registry) forget(clientID string, room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[clientID] == room {
		delete(r.rooms, clientID)
	}
}

// Sweep reaps rooms that have been empty for longer than the idle TTL and
// returns how many were removed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, room := range r.rooms {
		if room.reapIfIdle(cutoff) {
			delete(r.rooms, id)
			n++
		}
	}
	if r.metrics != nil {
		r.metrics.SetSignalRooms(len(r.rooms))
	}
	return n
}

// Run sweeps idle rooms every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Info("reaped idle signaling rooms", slog.Int("count", n))
			}
		}
	}
}
