package livestream

import (
	"sort"
	"sync"
	"time"
)

// StatusRepository defines the concurrency-safe contract for the in-memory
// livestream status of each client.
type StatusRepository interface {
	// RecordUpload marks the client's stream active and records the sequence
	// of an accepted segment. regressed is true when seq is lower than the
	// last recorded sequence.
	RecordUpload(clientID ClientID, seq int64, at time.Time) (regressed bool)

	// Start marks the stream active and clears a previous stop.
	Start(clientID ClientID)

	// Stop marks the stream stopped; further uploads are rejected until Start
	// or Forget.
	Stop(clientID ClientID)

	// Stopped reports whether the client's stream is stopped.
	Stopped(clientID ClientID) bool

	// Status returns a copy of the client's status. ok is false for clients
	// never seen since the last Forget.
	Status(clientID ClientID) (status StreamStatus, ok bool)

	// Forget drops all state for the client.
	Forget(clientID ClientID)

	// ActiveStreamCount returns the number of active streams. Used for metrics.
	ActiveStreamCount() int

	// ClientIDs returns known clients in ascending order.
	ClientIDs() []ClientID
}

// InMemoryStatusRepository is a concurrency-safe in-memory StatusRepository.
type InMemoryStatusRepository struct {
	mu      sync.RWMutex
	streams map[ClientID]*StreamStatus
}

// NewInMemoryStatusRepository returns an empty repository.
func NewInMemoryStatusRepository() *InMemoryStatusRepository {
	return &InMemoryStatusRepository{streams: make(map[ClientID]*StreamStatus)}
}

// RecordUpload implements StatusRepository.RecordUpload.
func (r *InMemoryStatusRepository) RecordUpload(clientID ClientID, seq int64, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreateLocked(clientID)
	regressed := st.Uploads > 0 && seq < st.LastSequence
	if !regressed {
		st.LastSequence = seq
	}
	st.Active = true
	st.Uploads++
	st.LastUploadAt = at.UTC()
	return regressed
}

// Start implements StatusRepository.Start.
func (r *InMemoryStatusRepository) Start(clientID ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreateLocked(clientID)
	st.Active = true
	st.Stopped = false
}

// Stop implements StatusRepository.Stop.
func (r *InMemoryStatusRepository) Stop(clientID ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreateLocked(clientID)
	st.Active = false
	st.Stopped = true
}

// Stopped implements StatusRepository.Stopped.
func (r *InMemoryStatusRepository) Stopped(clientID ClientID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.streams[clientID]
	return ok && st.Stopped
}

// Status implements StatusRepository.Status.
func (r *InMemoryStatusRepository) Status(clientID ClientID) (StreamStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.streams[clientID]
	if !ok {
		return StreamStatus{}, false
	}
	return *st, true
}

// Forget implements StatusRepository.Forget.
func (r *InMemoryStatusRepository) Forget(clientID ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.streams, clientID)
}

// ActiveStreamCount implements StatusRepository.ActiveStreamCount.
func (r *InMemoryStatusRepository) ActiveStreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, st := range r.streams {
		if st.Active {
			n++
		}
	}
	return n
}

// ClientIDs implements StatusRepository.ClientIDs.
func (r *InMemoryStatusRepository) ClientIDs() []ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ClientID, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// getOrCreateLocked returns an existing status or creates a new one.
// Caller must hold r.mu in write mode.
func (r *InMemoryStatusRepository) getOrCreateLocked(clientID ClientID) *StreamStatus {
	if st, ok := r.streams[clientID]; ok {
		return st
	}
	st := &StreamStatus{ClientID: clientID}
	r.streams[clientID] = st
	return st
}
