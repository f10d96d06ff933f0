// ABOUTME: Tracks outstanding request ids and resolves them exactly once from
// ABOUTME: matching responses, timeouts, send failures, or disconnects.

package correlation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/2389/space-gateway/internal/envelope"
)

// Terminal outcomes for a tracked request.
var (
	ErrTimeout      = errors.New("request timed out")
	ErrCancelled    = errors.New("request cancelled by caller")
	ErrDisconnected = errors.New("participant disconnected")
	ErrDuplicateID  = errors.New("request id already tracked")
)

// DefaultTimeout applies when Track is called with a zero timeout.
const DefaultTimeout = 30 * time.Second

// ResponseError carries the error detail of an error-shaped response payload.
type ResponseError struct {
	Detail *envelope.ErrorDetail
}

func (e *ResponseError) Error() string {
	if e.Detail == nil {
		return "error response"
	}
	return fmt.Sprintf("error response: %s: %s", e.Detail.Code, e.Detail.Message)
}

// NotifyFunc sends a best-effort envelope (the cancellation notice to the
// original recipient). Its own failure never changes a decided outcome.
type NotifyFunc func(*envelope.Envelope)

// Tracker owns a set of pending correlations. Each tracked id resolves
// exactly once: by response, timeout, send failure, caller cancellation, or
// owner disconnect, whichever wins the race; the losers are no-ops.
type Tracker struct {
	clock  clock.Clock
	notify NotifyFunc
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	id        string
	recipient string
	createdAt time.Time
	timer     *clock.Timer
	onResolve func(*envelope.Envelope)
	onReject  func(error)
}

// New creates a Tracker. notify may be nil when no cancellation notices are
// wanted (e.g. client-side trackers); pass nil logger for the default.
func New(clk clock.Clock, notify NotifyFunc, logger *slog.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		clock:   clk,
		notify:  notify,
		logger:  logger.With("component", "correlation"),
		pending: make(map[string]*pendingRequest),
	}
}

// Track registers a pending request and arms its timeout. recipient is the
// participant the request was sent to, used for the cancellation notice.
func (t *Tracker) Track(requestID, recipient string, timeout time.Duration, onResolve func(*envelope.Envelope), onReject func(error)) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t.mu.Lock()
	if _, exists := t.pending[requestID]; exists {
		t.mu.Unlock()
		return ErrDuplicateID
	}
	p := &pendingRequest{
		id:        requestID,
		recipient: recipient,
		createdAt: t.clock.Now(),
		onResolve: onResolve,
		onReject:  onReject,
	}
	p.timer = t.clock.AfterFunc(timeout, func() { t.expire(requestID) })
	t.pending[requestID] = p
	t.mu.Unlock()

	return nil
}

// Resolve routes an inbound envelope to any pending requests its
// correlation_id references. A response with an error-shaped payload rejects;
// anything else resolves. Returns true if at least one entry was settled.
func (t *Tracker) Resolve(e *envelope.Envelope) bool {
	settled := false
	for _, id := range e.CorrelationID {
		p := t.take(id)
		if p == nil {
			continue
		}
		settled = true
		if e.IsError() {
			p.onReject(&ResponseError{Detail: e.ErrorDetail()})
		} else {
			p.onResolve(e)
		}
	}
	return settled
}

// Fail settles a pending request immediately with a transport-level send
// error, without waiting for the timeout.
func (t *Tracker) Fail(requestID string, err error) bool {
	p := t.take(requestID)
	if p == nil {
		return false
	}
	p.onReject(err)
	return true
}

// Cancel removes a pending request at the caller's initiative, sending a
// best-effort cancellation notice to the original recipient. It cannot stop
// work already delegated to the remote participant.
func (t *Tracker) Cancel(requestID, reason string) bool {
	p := t.take(requestID)
	if p == nil {
		return false
	}
	t.sendCancellation(p, reason)
	p.onReject(ErrCancelled)
	return true
}

// RejectAll settles every pending request with err and cancels all timers.
// Called when the owning participant disconnects; no timers survive it.
func (t *Tracker) RejectAll(err error) {
	t.mu.Lock()
	drained := make([]*pendingRequest, 0, len(t.pending))
	for id, p := range t.pending {
		p.timer.Stop()
		drained = append(drained, p)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, p := range drained {
		p.onReject(err)
	}
}

// Len returns the number of outstanding requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// expire is the timer path. Removal decides the race against Resolve: if the
// entry is already gone the timer fire is a no-op.
func (t *Tracker) expire(requestID string) {
	p := t.take(requestID)
	if p == nil {
		return
	}
	t.logger.Debug("request timed out",
		"request_id", requestID,
		"recipient", p.recipient,
		"age", t.clock.Since(p.createdAt),
	)
	t.sendCancellation(p, "timeout")
	p.onReject(ErrTimeout)
}

// take removes and returns the pending entry, stopping its timer. The
// single map delete under the mutex is what makes resolution at-most-once.
func (t *Tracker) take(requestID string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[requestID]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(t.pending, requestID)
	return p
}

func (t *Tracker) sendCancellation(p *pendingRequest, reason string) {
	if t.notify == nil || p.recipient == "" {
		return
	}
	notice := envelope.New(envelope.KindCancelled, map[string]any{"reason": reason})
	notice.To = []string{p.recipient}
	notice.CorrelationID = []string{p.id}
	t.notify(notice)
}
