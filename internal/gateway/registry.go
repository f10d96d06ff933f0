// ABOUTME: Tracks connected participants and their session-scoped machinery.
// ABOUTME: All join/leave mutation funnels through this registry.

package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/space-gateway/internal/capability"
	"github.com/2389/space-gateway/internal/correlation"
	"github.com/2389/space-gateway/internal/lifecycle"
)

// ErrAlreadyJoined indicates a participant with the same ID is already connected.
var ErrAlreadyJoined = errors.New("participant already joined")

// ErrNotJoined indicates the specified participant was not found.
var ErrNotJoined = errors.New("participant not joined")

// Participant is one connected member of the space: its capability grant
// plus the per-session machinery the supervisor owns for it.
type Participant struct {
	ID           string
	Capabilities *capability.Set
	JoinedAt     time.Time

	conn       *Conn
	controller *lifecycle.Controller
	tracker    *correlation.Tracker
}

// State reports the participant's current lifecycle state.
func (p *Participant) State() lifecycle.State {
	return p.controller.State()
}

// Registry coordinates all connected participants.
type Registry struct {
	participants map[string]*Participant
	mu           sync.RWMutex
	logger       *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		participants: make(map[string]*Participant),
		logger:       logger,
	}
}

// Add registers a participant.
// Returns ErrAlreadyJoined if a participant with the same ID exists.
func (r *Registry) Add(p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[p.ID]; exists {
		return ErrAlreadyJoined
	}

	r.participants[p.ID] = p
	r.logger.Info("=== PARTICIPANT JOINED ===",
		"participant_id", p.ID,
		"capabilities", p.Capabilities.Len(),
		"total_participants", len(r.participants),
	)
	return nil
}

// Remove unregisters the given participant. It compares identity, not just
// id, so tearing down a rejected duplicate join cannot evict the session
// that won the id. Reports whether this exact participant was registered.
func (r *Registry) Remove(p *Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.participants[p.ID]
	if !exists || current != p {
		return false
	}
	delete(r.participants, p.ID)
	r.logger.Info("=== PARTICIPANT LEFT ===",
		"participant_id", p.ID,
		"total_participants", len(r.participants),
	)
	return true
}

// Get retrieves a specific participant by ID.
func (r *Registry) Get(id string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[id]
	return p, ok
}

// IsJoined checks whether a participant with the given ID is connected.
func (r *Registry) IsJoined(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns the connected participants in no particular order.
func (r *Registry) List() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// Select returns the connected participants among the given ids, silently
// skipping absent ones. With no ids it returns everyone, the broadcast set.
func (r *Registry) Select(ids []string) []*Participant {
	if len(ids) == 0 {
		return r.List()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Participant, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.participants[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of connected participants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}
