// ABOUTME: Negotiates side-channel streams between participant pairs and
// ABOUTME: scopes frame delivery strictly to stream membership.

package stream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode selects the framing convention for a stream's data frames. Frame
// contents are opaque to the manager either way.
type Mode string

const (
	ModeText   Mode = "text"
	ModeBinary Mode = "binary"
)

// State is a stream session's negotiation position.
type State string

const (
	StateRequested State = "requested"
	StateOpen      State = "open"
	StateClosed    State = "closed"
)

// Stream errors.
var (
	ErrNotFound  = errors.New("stream not found")
	ErrNotMember = errors.New("participant is not a stream member")
	ErrNotOpen   = errors.New("stream is not open")
	ErrNotPeer   = errors.New("only the addressed participant may open a stream")
)

// Session is a negotiated side channel between two participants.
type Session struct {
	ID        string
	Opener    string // the participant that sent stream/request
	Peer      string // the participant that must reply stream/open
	Mode      Mode
	State     State
	CreatedAt time.Time
	Reason    string // close reason, once closed
}

// Members returns both endpoints.
func (s *Session) Members() []string { return []string{s.Opener, s.Peer} }

func (s *Session) isMember(pid string) bool {
	return pid == s.Opener || pid == s.Peer
}

// Manager owns all stream sessions in a space. Locking is scoped here; the
// gateway never holds its registry lock across stream operations.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty stream manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "stream"),
		sessions: make(map[string]*Session),
	}
}

// Request records a proposed stream from one participant to another and
// returns its id. The peer activates it with Open, or refuses by never
// replying; the requester applies its own timeout via correlation tracking.
func (m *Manager) Request(from, to string, mode Mode) *Session {
	if mode != ModeBinary {
		mode = ModeText
	}
	s := &Session{
		ID:        uuid.New().String(),
		Opener:    from,
		Peer:      to,
		Mode:      mode,
		State:     StateRequested,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Debug("stream requested", "stream_id", s.ID, "from", from, "to", to, "mode", mode)
	return s
}

// Open activates a requested stream. Only the addressed peer may open it.
func (m *Manager) Open(id, by string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if by != s.Peer {
		return nil, ErrNotPeer
	}
	if s.State == StateClosed {
		return nil, ErrNotOpen
	}
	s.State = StateOpen
	m.logger.Debug("stream opened", "stream_id", id, "by", by)
	return s, nil
}

// Recipients returns who a data frame from the given sender goes to: the
// other endpoint, and nothing else, regardless of the envelope's nominal
// destination list.
func (m *Manager) Recipients(id, from string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.isMember(from) {
		return nil, ErrNotMember
	}
	if s.State != StateOpen {
		return nil, ErrNotOpen
	}
	if from == s.Opener {
		return []string{s.Peer}, nil
	}
	return []string{s.Opener}, nil
}

// Close tears down a stream. Idempotent: closing an unknown or already
// closed stream returns (nil, nil). Non-members may not close.
func (m *Manager) Close(id, by, reason string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	if by != "" && !s.isMember(by) {
		return nil, ErrNotMember
	}
	delete(m.sessions, id)
	s.State = StateClosed
	s.Reason = reason
	m.logger.Debug("stream closed", "stream_id", id, "by", by, "reason", reason)
	return s, nil
}

// DropParticipant tears down every session the participant belongs to,
// returning them so the gateway can notify the surviving endpoints.
func (m *Manager) DropParticipant(pid string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []*Session
	for id, s := range m.sessions {
		if s.isMember(pid) {
			delete(m.sessions, id)
			s.State = StateClosed
			s.Reason = "participant disconnected"
			dropped = append(dropped, s)
		}
	}
	if len(dropped) > 0 {
		m.logger.Debug("streams dropped on disconnect", "participant", pid, "count", len(dropped))
	}
	return dropped
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of live (requested or open) sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
