// ABOUTME: Wire envelope type exchanged between participants and the gateway.
// ABOUTME: Handles validation, stamping, and the error payload convention.

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol is the version string carried by every envelope. The gateway
// rejects envelopes whose protocol field does not match exactly.
const Protocol = "space/v1"

// Envelope validation errors.
var (
	ErrBadProtocol = errors.New("protocol version mismatch")
	ErrMissingKind = errors.New("missing kind")
	ErrBadKind     = errors.New("malformed kind")
)

// Envelope is the unit of communication inside a space. The payload is
// opaque to the gateway: routing and authorization use only kind and, for
// payload-refined capability patterns, the raw payload structure.
type Envelope struct {
	Protocol      string         `json:"protocol"`
	ID            string         `json:"id"`
	TS            time.Time      `json:"ts"`
	From          string         `json:"from,omitempty"`
	To            []string       `json:"to,omitempty"`
	Kind          string         `json:"kind"`
	CorrelationID []string       `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// New creates an envelope of the given kind with a fresh id and timestamp.
func New(kind string, payload map[string]any) *Envelope {
	return &Envelope{
		Protocol: Protocol,
		ID:       uuid.New().String(),
		TS:       time.Now().UTC(),
		Kind:     kind,
		Payload:  payload,
	}
}

// Validate checks envelope shape. It does not check the from field; the
// gateway stamps that from the authenticated connection.
func (e *Envelope) Validate() error {
	if e.Protocol != Protocol {
		return fmt.Errorf("%w: got %q, want %q", ErrBadProtocol, e.Protocol, Protocol)
	}
	if e.Kind == "" {
		return ErrMissingKind
	}
	for _, seg := range strings.Split(e.Kind, "/") {
		if seg == "" {
			return fmt.Errorf("%w: %q", ErrBadKind, e.Kind)
		}
	}
	return nil
}

// Stamp fills in gateway-owned fields: the authenticated sender, and an id
// and timestamp when the sender omitted them.
func (e *Envelope) Stamp(senderID string) {
	e.From = senderID
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
}

// Correlates reports whether this envelope references the given id.
func (e *Envelope) Correlates(id string) bool {
	for _, c := range e.CorrelationID {
		if c == id {
			return true
		}
	}
	return false
}

// IsBroadcast reports whether the envelope has no explicit destination.
func (e *Envelope) IsBroadcast() bool {
	return len(e.To) == 0
}

// Parse decodes a raw JSON envelope without validating it.
func Parse(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &e, nil
}

// ErrorDetail is the wire shape of an error payload's "error" field.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error payload codes used by gateway-emitted envelopes.
const (
	CodeProtocol     = "protocol_error"
	CodeUnauthorized = "capability_violation"
	CodeTimeout      = "timeout"
	CodeSendFailure  = "send_failure"
	CodeDisconnected = "disconnected"
	CodeLifecycle    = "lifecycle_conflict"
	CodeStream       = "stream_error"
)

// NewError builds a system/error envelope correlated to the offending
// envelope id. Delivered only to the sender that caused it.
func NewError(correlatesTo, code, message string) *Envelope {
	e := New(KindSystemError, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
	if correlatesTo != "" {
		e.CorrelationID = []string{correlatesTo}
	}
	return e
}

// IsError reports whether the payload follows the error-shaped convention.
func (e *Envelope) IsError() bool {
	if e.Payload == nil {
		return false
	}
	_, ok := e.Payload["error"]
	return ok
}

// ErrorDetail extracts the error field from an error-shaped payload.
// Returns nil when the payload is not error-shaped.
func (e *Envelope) ErrorDetail() *ErrorDetail {
	raw, ok := e.Payload["error"]
	if !ok {
		return nil
	}
	detail := &ErrorDetail{}
	switch v := raw.(type) {
	case map[string]any:
		if code, ok := v["code"].(string); ok {
			detail.Code = code
		}
		if msg, ok := v["message"].(string); ok {
			detail.Message = msg
		}
		detail.Data = v["data"]
	case string:
		detail.Message = v
	}
	return detail
}
