// ABOUTME: HTTP API handlers for health, introspection, and message injection.
// ABOUTME: Lets polling clients read and submit without holding a WebSocket.

package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/space-gateway/internal/envelope"
)

// maxInjectBody bounds a POST /api/send request body.
const maxInjectBody = 1 << 20

// ParticipantResponse is the JSON shape for GET /api/participants.
type ParticipantResponse struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	Capabilities int    `json:"capabilities"`
	JoinedAt     string `json:"joined_at"`
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one participant is connected.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	n := len(s.space.Participants())
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no participants connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready (" + strconv.Itoa(n) + " participants)"))
}

// handleParticipants handles GET /api/participants requests.
// It returns a JSON array of all connected participants.
func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.resolveRequest(r); !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	participants := s.space.Participants()
	response := make([]ParticipantResponse, 0, len(participants))
	for _, p := range participants {
		response = append(response, ParticipantResponse{
			ID:           p.ID,
			State:        string(p.State()),
			Capabilities: p.Capabilities.Len(),
			JoinedAt:     p.JoinedAt.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleHistory handles GET /api/history?limit=N requests.
// It returns up to limit recent envelopes, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.resolveRequest(r); !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.space.History(limit))
}

// handleSend handles POST /api/send requests: the message-injection surface
// for clients that poll rather than hold a connection. The body is one wire
// envelope; it runs through the same admission pipeline as WebSocket
// traffic, and a rejection comes back as the system/error envelope.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	identity, ok := s.resolveRequest(r)
	if !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxInjectBody))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	if rej := s.space.Inject(identity, raw); rej != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(injectStatus(rej))
		_ = json.NewEncoder(w).Encode(rej)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// injectStatus maps a rejection envelope's error code to an HTTP status.
func injectStatus(rej *envelope.Envelope) int {
	detail := rej.ErrorDetail()
	if detail == nil {
		return http.StatusBadRequest
	}
	switch detail.Code {
	case envelope.CodeUnauthorized:
		return http.StatusForbidden
	case envelope.CodeLifecycle:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
