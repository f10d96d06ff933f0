// ABOUTME: The space supervisor: admits, authorizes, and fans out envelopes.
// ABOUTME: Owns the participant registry, history ring, streams, and trackers.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/2389/space-gateway/internal/auth"
	"github.com/2389/space-gateway/internal/correlation"
	"github.com/2389/space-gateway/internal/envelope"
	"github.com/2389/space-gateway/internal/history"
	"github.com/2389/space-gateway/internal/lifecycle"
	"github.com/2389/space-gateway/internal/stream"
)

// GatewayID is the from id on envelopes the gateway itself authors.
const GatewayID = "space"

// ErrNoRoute indicates a tracked request's recipient is not connected.
var ErrNoRoute = errors.New("recipient not connected")

// Options tune a Space. Zero values fall back to package defaults.
type Options struct {
	// HistoryCapacity bounds the retained transcript.
	HistoryCapacity int
	// DefaultRequestTimeout applies to tracked requests whose payload
	// carries timeout_ms <= 0. Zero means correlation.DefaultTimeout.
	DefaultRequestTimeout time.Duration
	// DefaultPauseTimeout fills participant/pause envelopes that omit
	// timeout_seconds. Zero leaves the lifecycle package default.
	DefaultPauseTimeout time.Duration
	// QueueSize bounds each participant's outbound queue.
	QueueSize int
	// Clock drives correlation and lifecycle timers. Nil means wall clock.
	Clock clock.Clock
}

// Space supervises one gateway session: the set of connected participants,
// the bounded envelope history, stream negotiations, and per-participant
// correlation and lifecycle state.
type Space struct {
	logger   *slog.Logger
	clock    clock.Clock
	registry *Registry
	history  *history.Ring
	streams  *stream.Manager

	requestTimeout time.Duration
	pauseTimeout   time.Duration
	queueSize      int
}

// NewSpace creates an empty space.
func NewSpace(opts Options, logger *slog.Logger) *Space {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	requestTimeout := opts.DefaultRequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = correlation.DefaultTimeout
	}
	return &Space{
		logger:         logger,
		clock:          clk,
		registry:       NewRegistry(logger.With("component", "registry")),
		history:        history.New(opts.HistoryCapacity),
		streams:        stream.NewManager(logger.With("component", "stream")),
		requestTimeout: requestTimeout,
		pauseTimeout:   opts.DefaultPauseTimeout,
		queueSize:      opts.QueueSize,
	}
}

// Join registers a resolved identity with its transport, sends the joiner a
// system/welcome, and announces the join to the space. Duplicate participant
// ids are rejected; the existing session stays untouched.
func (s *Space) Join(identity *auth.Identity, transport Transport) (*Participant, error) {
	p := &Participant{
		ID:           identity.ParticipantID,
		Capabilities: identity.Capabilities,
		JoinedAt:     s.clock.Now(),
	}
	p.conn = NewConn(p.ID, transport, s.queueSize,
		s.logger.With("component", "conn", "participant_id", p.ID),
		func(reason string) { s.leave(p, reason) },
	)
	p.tracker = correlation.New(s.clock, s.dispatchGateway,
		s.logger.With("component", "correlation", "participant_id", p.ID))
	p.controller = lifecycle.NewController(p.ID, lifecycle.Hooks{
		Emit:  func(e *envelope.Envelope) { s.dispatchFrom(p.ID, e) },
		Clear: func(reason string) int { return s.history.Clear(p.ID) },
		Compact: func(ctx context.Context, targetTokens int) int {
			if ctx.Err() != nil {
				return 0
			}
			return s.history.CompactTo(p.ID, targetTokens)
		},
		Restart:  func() { p.tracker.RejectAll(correlation.ErrCancelled) },
		Shutdown: func(reason string) { p.conn.Close("shutdown: " + reason) },
	}, s.clock, s.logger.With("component", "lifecycle", "participant_id", p.ID))

	if err := s.registry.Add(p); err != nil {
		p.controller.Close()
		p.conn.Close("duplicate participant id")
		return nil, err
	}

	s.sendWelcome(p)
	s.broadcastPresence("join", p.ID)
	return p, nil
}

// leave tears a session down exactly once: registry removal, pending-request
// rejection, stream teardown, and the presence announcement. Fired from the
// connection's onClose, so every disconnect path converges here.
func (s *Space) leave(p *Participant, reason string) {
	removed := s.registry.Remove(p)

	p.tracker.RejectAll(correlation.ErrDisconnected)
	p.controller.Close()

	if !removed {
		return
	}

	s.logger.Info("participant left", "participant_id", p.ID, "reason", reason)

	for _, sess := range s.streams.DropParticipant(p.ID) {
		notice := envelope.New(envelope.KindStreamClose, map[string]any{
			"stream_id": sess.ID,
			"reason":    "participant disconnected",
		})
		notice.From = GatewayID
		for _, member := range sess.Members() {
			if member == p.ID {
				continue
			}
			if peer, ok := s.registry.Get(member); ok {
				peer.conn.Enqueue(notice)
			}
		}
	}

	s.broadcastPresence("leave", p.ID)
}

// Submit runs one raw envelope from a connected participant through the
// admission pipeline. Fire-and-forget: rejections go back to the submitting
// connection only, never to anyone else.
func (s *Space) Submit(participantID string, raw []byte) {
	sender, ok := s.registry.Get(participantID)
	if !ok {
		s.logger.Warn("submit from unknown participant", "participant_id", participantID)
		return
	}

	e, err := envelope.Parse(raw)
	if err != nil {
		s.replyError(sender, gatewayError("", envelope.CodeProtocol, err.Error()))
		return
	}

	if rej := s.admit(sender.ID, sender, e); rej != nil {
		s.replyError(sender, rej)
		return
	}
	if rej := s.route(sender, e); rej != nil {
		s.replyError(sender, rej)
	}
}

// Inject submits an envelope on behalf of a participant that is not holding
// a connection (the HTTP message-injection surface). The rejection envelope,
// if any, is returned to the caller instead of being sent on a wire.
func (s *Space) Inject(identity *auth.Identity, raw []byte) *envelope.Envelope {
	e, err := envelope.Parse(raw)
	if err != nil {
		return gatewayError("", envelope.CodeProtocol, err.Error())
	}

	// A connected participant's injected traffic is indistinguishable from
	// its wire traffic: same tracker, same error path.
	if sender, ok := s.registry.Get(identity.ParticipantID); ok {
		if rej := s.admit(sender.ID, sender, e); rej != nil {
			return rej
		}
		return s.route(sender, e)
	}

	if rej := s.admit(identity.ParticipantID, nil, e); rej != nil {
		return rej
	}
	if !identity.Capabilities.CanSend(e.Kind, e.Payload) {
		return gatewayError(e.ID, envelope.CodeUnauthorized,
			fmt.Sprintf("no capability grants sending %q", e.Kind))
	}
	return s.route(nil, e)
}

// admit validates shape, stamps the authenticated sender, and checks the
// capability grant. Returns the rejection envelope on failure, nil on
// admission. For a nil sender (injection) the capability check is the
// caller's job, since the grant lives on the identity, not a session.
func (s *Space) admit(senderID string, sender *Participant, e *envelope.Envelope) *envelope.Envelope {
	if err := e.Validate(); err != nil {
		return gatewayError(e.ID, envelope.CodeProtocol, err.Error())
	}
	if e.From != "" && e.From != senderID {
		return gatewayError(e.ID, envelope.CodeProtocol,
			fmt.Sprintf("from %q does not match authenticated participant %q", e.From, senderID))
	}
	e.Stamp(senderID)
	if sender != nil && !sender.Capabilities.CanSend(e.Kind, e.Payload) {
		return gatewayError(e.ID, envelope.CodeUnauthorized,
			fmt.Sprintf("no capability grants sending %q", e.Kind))
	}
	return nil
}

// route dispatches an admitted envelope: stream kinds get scoped delivery,
// everything else is tracked (when request-shaped), recorded, fanned out,
// matched against pending correlations, and side-routed to lifecycle
// controllers for control kinds. sender is nil for injected envelopes.
func (s *Space) route(sender *Participant, e *envelope.Envelope) *envelope.Envelope {
	if envelope.IsStream(e.Kind) {
		return s.routeStream(e.From, e)
	}

	// Fill the configured pause default before the envelope is shared with
	// writer goroutines; payloads are not mutated after fan-out begins.
	if e.Kind == envelope.KindParticipantPause && s.pauseTimeout > 0 {
		if _, ok := e.Payload["timeout_seconds"]; !ok {
			if e.Payload == nil {
				e.Payload = map[string]any{}
			}
			e.Payload["timeout_seconds"] = int(s.pauseTimeout / time.Second)
		}
	}

	if sender != nil {
		s.maybeTrack(sender, e)
	}

	s.history.Append(e)
	for _, r := range s.registry.Select(e.To) {
		r.conn.Enqueue(e)
	}

	if len(e.CorrelationID) > 0 {
		s.resolveCorrelations(e)
	}

	if envelope.IsControl(e.Kind) {
		return s.routeControl(e)
	}
	return nil
}

// routeControl feeds a control envelope to each addressed participant's
// lifecycle controller. The envelope has already been fanned out; this is
// the side-route that actually drives state transitions.
func (s *Space) routeControl(e *envelope.Envelope) *envelope.Envelope {
	for _, target := range s.registry.Select(e.To) {
		if err := target.controller.Submit(e); err != nil {
			return gatewayError(e.ID, envelope.CodeLifecycle,
				fmt.Sprintf("control for %q refused: %v", target.ID, err))
		}
	}
	return nil
}

// routeStream handles the stream surface: negotiation kinds mutate the
// stream manager; data frames deliver only to the session's endpoints,
// regardless of the envelope's nominal to field.
func (s *Space) routeStream(senderID string, e *envelope.Envelope) *envelope.Envelope {
	switch e.Kind {
	case envelope.KindStreamRequest:
		if len(e.To) != 1 {
			return gatewayError(e.ID, envelope.CodeStream, "stream/request requires exactly one recipient")
		}
		peerID := e.To[0]
		peer, ok := s.registry.Get(peerID)
		if !ok {
			return gatewayError(e.ID, envelope.CodeStream,
				fmt.Sprintf("stream peer %q not connected", peerID))
		}
		mode := stream.Mode(payloadString(e, "mode"))
		sess := s.streams.Request(senderID, peerID, mode)
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		e.Payload["stream_id"] = sess.ID
		if sender, ok := s.registry.Get(senderID); ok {
			s.maybeTrack(sender, e)
		}
		s.history.Append(e)
		peer.conn.Enqueue(e)
		return nil

	case envelope.KindStreamOpen:
		sess, err := s.streams.Open(payloadString(e, "stream_id"), senderID)
		if err != nil {
			return gatewayError(e.ID, envelope.CodeStream, err.Error())
		}
		s.history.Append(e)
		s.deliverToMembers(sess, senderID, e)
		if len(e.CorrelationID) > 0 {
			s.resolveCorrelations(e)
		}
		return nil

	case envelope.KindStreamClose:
		sess, err := s.streams.Close(payloadString(e, "stream_id"), senderID, payloadString(e, "reason"))
		if err != nil {
			return gatewayError(e.ID, envelope.CodeStream, err.Error())
		}
		if sess == nil {
			// Duplicate close: idempotent no-op.
			return nil
		}
		s.history.Append(e)
		s.deliverToMembers(sess, senderID, e)
		return nil

	default:
		// Data frames, and any future stream kind carrying a stream_id.
		recipients, err := s.streams.Recipients(payloadString(e, "stream_id"), senderID)
		if err != nil {
			return gatewayError(e.ID, envelope.CodeStream, err.Error())
		}
		s.history.Append(e)
		for _, id := range recipients {
			if p, ok := s.registry.Get(id); ok {
				p.conn.Enqueue(e)
			}
		}
		return nil
	}
}

// deliverToMembers enqueues an envelope to a stream session's endpoints
// other than the sender.
func (s *Space) deliverToMembers(sess *stream.Session, senderID string, e *envelope.Envelope) {
	for _, member := range sess.Members() {
		if member == senderID {
			continue
		}
		if p, ok := s.registry.Get(member); ok {
			p.conn.Enqueue(e)
		}
	}
}

// maybeTrack arms the sender's correlation tracker when the envelope is
// request-shaped: a timeout_ms payload field marks the sender as awaiting a
// correlated reply. An unroutable recipient rejects immediately as a send
// failure rather than waiting out the timeout.
func (s *Space) maybeTrack(sender *Participant, e *envelope.Envelope) {
	ms, ok := payloadInt(e, "timeout_ms")
	if !ok {
		return
	}
	timeout := s.requestTimeout
	if ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	recipient := ""
	if len(e.To) == 1 {
		recipient = e.To[0]
	}

	requestID := e.ID
	err := sender.tracker.Track(requestID, recipient, timeout,
		func(*envelope.Envelope) {
			// The correlated reply reaches the sender through normal
			// fan-out; settling the entry is all that's left to do.
		},
		func(err error) { s.rejectRequest(sender.ID, requestID, err) },
	)
	if err != nil {
		s.logger.Warn("request tracking refused",
			"participant_id", sender.ID, "request_id", requestID, "error", err)
		return
	}

	if recipient != "" && !s.registry.IsJoined(recipient) {
		sender.tracker.Fail(requestID, fmt.Errorf("%w: %s", ErrNoRoute, recipient))
	}
}

// rejectRequest surfaces a settled-without-response request to its sender
// as a correlated system/error envelope.
func (s *Space) rejectRequest(senderID, requestID string, err error) {
	var respErr *correlation.ResponseError
	if errors.As(err, &respErr) {
		// The error-shaped reply itself already reached the sender.
		return
	}
	if errors.Is(err, correlation.ErrCancelled) {
		// Cancellation is sender-initiated (or a restart); no echo needed.
		return
	}

	code := envelope.CodeSendFailure
	switch {
	case errors.Is(err, correlation.ErrTimeout):
		code = envelope.CodeTimeout
	case errors.Is(err, correlation.ErrDisconnected):
		code = envelope.CodeDisconnected
	}

	rej := gatewayError(requestID, code, err.Error())
	rej.To = []string{senderID}
	if p, ok := s.registry.Get(senderID); ok {
		p.conn.Enqueue(rej)
	}
}

// resolveCorrelations offers a correlated envelope to every participant's
// tracker. At most one tracker owns any given request id; the others are
// constant-time misses.
func (s *Space) resolveCorrelations(e *envelope.Envelope) {
	for _, p := range s.registry.List() {
		p.tracker.Resolve(e)
	}
}

// dispatchGateway records and fans out an envelope authored by the gateway
// itself (correlation cancellation notices).
func (s *Space) dispatchGateway(e *envelope.Envelope) {
	s.dispatchFrom(GatewayID, e)
}

// dispatchFrom records and fans out a gateway- or controller-authored
// envelope, stamping its origin. Lifecycle status replies flow through
// here, so they also settle any correlation tracked on the trigger.
func (s *Space) dispatchFrom(from string, e *envelope.Envelope) {
	e.From = from
	s.history.Append(e)
	for _, r := range s.registry.Select(e.To) {
		r.conn.Enqueue(e)
	}
	if len(e.CorrelationID) > 0 {
		s.resolveCorrelations(e)
	}
}

// replyError delivers a rejection to the offending sender only.
func (s *Space) replyError(sender *Participant, rej *envelope.Envelope) {
	rej.To = []string{sender.ID}
	sender.conn.Enqueue(rej)
}

// sendWelcome greets a joiner with the protocol version and current roster.
func (s *Space) sendWelcome(p *Participant) {
	roster := make([]string, 0, s.registry.Len())
	for _, member := range s.registry.List() {
		roster = append(roster, member.ID)
	}
	w := envelope.New(envelope.KindSystemWelcome, map[string]any{
		"participant":  p.ID,
		"participants": roster,
	})
	w.From = GatewayID
	w.To = []string{p.ID}
	p.conn.Enqueue(w)
}

// broadcastPresence announces a join or leave to everyone connected.
func (s *Space) broadcastPresence(event, participantID string) {
	e := envelope.New(envelope.KindSystemPresence, map[string]any{
		"event":       event,
		"participant": participantID,
	})
	s.dispatchFrom(GatewayID, e)
}

// History returns up to limit most recent envelopes, oldest first.
func (s *Space) History(limit int) []*envelope.Envelope {
	return s.history.Recent(limit)
}

// Participants returns the connected participants.
func (s *Space) Participants() []*Participant {
	return s.registry.List()
}

// Close disconnects every participant; used on gateway shutdown.
func (s *Space) Close() {
	for _, p := range s.registry.List() {
		p.conn.Close("gateway shutdown")
	}
}

// gatewayError builds a gateway-authored system/error envelope.
func gatewayError(correlatesTo, code, message string) *envelope.Envelope {
	e := envelope.NewError(correlatesTo, code, message)
	e.From = GatewayID
	return e
}

// payloadString reads a string payload field, empty when absent.
func payloadString(e *envelope.Envelope, key string) string {
	v, _ := e.Payload[key].(string)
	return v
}

// payloadInt reads a numeric payload field. JSON numbers decode as float64;
// programmatic envelopes may carry native ints.
func payloadInt(e *envelope.Envelope, key string) (int, bool) {
	switch v := e.Payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}
