// ABOUTME: Thread-safe bounded ring buffer of forwarded envelopes.
// ABOUTME: Best-effort history; oldest entries evicted first, never authoritative.

package history

import (
	"sync"

	"github.com/2389/space-gateway/internal/envelope"
)

// DefaultCapacity is used when the configured history size is zero.
const DefaultCapacity = 1000

// Ring holds the most recent forwarded envelopes up to a fixed capacity.
type Ring struct {
	mu       sync.RWMutex
	entries  []*envelope.Envelope
	start    int // index of oldest entry
	count    int
	capacity int
}

// New creates a ring with the given capacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		entries:  make([]*envelope.Envelope, capacity),
		capacity: capacity,
	}
}

// Append records an envelope, evicting the oldest entry when full.
func (r *Ring) Append(e *envelope.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.start + r.count) % r.capacity
	r.entries[idx] = e
	if r.count < r.capacity {
		r.count++
		return
	}
	r.start = (r.start + 1) % r.capacity
}

// Recent returns up to n envelopes, oldest first. n <= 0 means all.
func (r *Ring) Recent(n int) []*envelope.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]*envelope.Envelope, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.entries[(r.start+i)%r.capacity])
	}
	return out
}

// Len returns the number of retained envelopes.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Clear removes every entry sent by or addressed to the given participant.
// Used by participant/clear; pass "" to wipe the whole ring.
func (r *Ring) Clear(participantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if participantID == "" {
		removed := r.count
		r.start, r.count = 0, 0
		return removed
	}
	return r.filterLocked(func(e *envelope.Envelope) bool {
		return !r.involves(e, participantID)
	})
}

// CompactTo shrinks a participant's entries down to at most keep, dropping
// the oldest first. Returns the number of entries removed.
func (r *Ring) CompactTo(participantID string, keep int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	have := 0
	for i := 0; i < r.count; i++ {
		if r.involves(r.entries[(r.start+i)%r.capacity], participantID) {
			have++
		}
	}
	drop := have - keep
	if drop <= 0 {
		return 0
	}
	dropped := 0
	return r.filterLocked(func(e *envelope.Envelope) bool {
		if dropped < drop && r.involves(e, participantID) {
			dropped++
			return false
		}
		return true
	})
}

// ParticipantLen counts entries involving the given participant.
func (r *Ring) ParticipantLen(participantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for i := 0; i < r.count; i++ {
		if r.involves(r.entries[(r.start+i)%r.capacity], participantID) {
			n++
		}
	}
	return n
}

func (r *Ring) involves(e *envelope.Envelope, participantID string) bool {
	if e.From == participantID {
		return true
	}
	for _, to := range e.To {
		if to == participantID {
			return true
		}
	}
	return false
}

// filterLocked rewrites the ring keeping entries for which keep returns
// true, preserving order. Must be called with mu held.
func (r *Ring) filterLocked(keep func(*envelope.Envelope) bool) int {
	kept := make([]*envelope.Envelope, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.entries[(r.start+i)%r.capacity]
		if keep(e) {
			kept = append(kept, e)
		}
	}
	removed := r.count - len(kept)
	r.entries = make([]*envelope.Envelope, r.capacity)
	copy(r.entries, kept)
	r.start, r.count = 0, len(kept)
	return removed
}
