// ABOUTME: Per-participant state machine driven by control envelopes.
// ABOUTME: Serializes transitions; restart and shutdown preempt compact/pause.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/2389/space-gateway/internal/envelope"
)

// State is a participant's lifecycle position.
type State string

const (
	StateActive       State = "active"
	StatePaused       State = "paused"
	StateCompacting   State = "compacting"
	StateRestarting   State = "restarting"
	StateShuttingDown State = "shutting_down"
	StateTerminated   State = "terminated"
)

// Controller errors.
var (
	ErrTerminated    = errors.New("participant terminated")
	ErrQueueOverflow = errors.New("control queue overflow")
)

// DefaultPauseTimeout applies when participant/pause omits timeout_seconds.
const DefaultPauseTimeout = 5 * time.Minute

// controlQueueSize bounds how many control envelopes may wait per participant.
const controlQueueSize = 32

// Hooks are the effects a controller applies to its participant. All hooks
// are invoked from the controller's worker goroutine (Compact from its own
// job goroutine) and must be safe to call there.
type Hooks struct {
	// Emit delivers a gateway-authored envelope (statuses, events, errors).
	Emit func(*envelope.Envelope)
	// Clear wipes the participant's context/history; returns entries removed.
	Clear func(reason string) int
	// Compact shrinks the participant's context toward targetTokens. It
	// should honor ctx cancellation when preempted; returns entries removed.
	Compact func(ctx context.Context, targetTokens int) int
	// Restart tears down and reinitializes the participant's runtime,
	// preserving the connection.
	Restart func()
	// Shutdown begins graceful termination and closes the connection.
	Shutdown func(reason string)
}

// Controller processes control envelopes addressed to one participant,
// one at a time in arrival order.
type Controller struct {
	participantID string
	hooks         Hooks
	clock         clock.Clock
	logger        *slog.Logger

	queue chan *envelope.Envelope
	done  chan struct{}

	mu            sync.Mutex
	state         State
	pauseTimer    *clock.Timer
	pauseEpoch    int // invalidates stale auto-resume timer fires
	compactCancel context.CancelFunc
	closed        bool
}

// NewController starts a controller for the given participant in the active
// state. Call Close when the participant disconnects.
func NewController(participantID string, hooks Hooks, clk clock.Clock, logger *slog.Logger) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		participantID: participantID,
		hooks:         hooks,
		clock:         clk,
		logger:        logger.With("component", "lifecycle", "participant", participantID),
		queue:         make(chan *envelope.Envelope, controlQueueSize),
		done:          make(chan struct{}),
		state:         StateActive,
	}
	go c.run()
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Submit enqueues a control envelope. Never blocks the router: a full queue
// is reported back as an error for the sender.
func (c *Controller) Submit(e *envelope.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrTerminated
	}

	select {
	case c.queue <- e:
		return nil
	default:
		return ErrQueueOverflow
	}
}

// Close stops the worker and cancels outstanding timers and compaction.
// Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopPauseLocked()
	if c.compactCancel != nil {
		c.compactCancel()
		c.compactCancel = nil
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Controller) run() {
	for {
		select {
		case e := <-c.queue:
			c.handle(e)
		case <-c.done:
			return
		}
	}
}

func (c *Controller) handle(e *envelope.Envelope) {
	switch e.Kind {
	case envelope.KindParticipantClear:
		c.handleClear(e)
	case envelope.KindParticipantRestart:
		c.handleRestart(e)
	case envelope.KindParticipantCompact:
		c.handleCompact(e)
	case envelope.KindParticipantPause:
		c.handlePause(e)
	case envelope.KindParticipantResume:
		c.handleResume(e)
	case envelope.KindParticipantShutdown:
		c.handleShutdown(e)
	default:
		// Not a transition trigger (e.g. a status envelope echoed back).
	}
}

// handleClear applies immediately, in any state, without preempting anything.
func (c *Controller) handleClear(e *envelope.Envelope) {
	reason := payloadString(e, "reason", "requested")
	removed := 0
	if c.hooks.Clear != nil {
		removed = c.hooks.Clear(reason)
	}
	c.logger.Info("context cleared", "reason", reason, "removed", removed)
	c.emitStatus(e, fmt.Sprintf("cleared:%s", reason))
}

func (c *Controller) handleRestart(e *envelope.Envelope) {
	c.mu.Lock()
	if c.state == StateTerminated || c.state == StateShuttingDown {
		c.mu.Unlock()
		c.emitConflict(e, "restart refused: participant is shutting down")
		return
	}
	c.preemptLocked()
	c.state = StateRestarting
	c.mu.Unlock()

	if c.hooks.Restart != nil {
		c.hooks.Restart()
	}

	c.mu.Lock()
	c.state = StateActive
	c.mu.Unlock()

	c.logger.Info("participant restarted")
	c.emitStatus(e, "restarted")
}

// handleCompact emits the compacting status synchronously, then runs the
// compaction job off the worker so later controls (restart, shutdown) can
// preempt it.
func (c *Controller) handleCompact(e *envelope.Envelope) {
	target := payloadInt(e, "target_tokens", 0)

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.state != StateActive && c.state != StatePaused {
		c.mu.Unlock()
		cancel()
		c.emitConflict(e, fmt.Sprintf("compact refused in state %s", c.state))
		return
	}
	c.state = StateCompacting
	c.compactCancel = cancel
	c.mu.Unlock()

	c.emitStatus(e, "compacting")

	go func() {
		removed := 0
		if c.hooks.Compact != nil {
			removed = c.hooks.Compact(ctx, target)
		}
		if ctx.Err() != nil {
			return // preempted; the preemptor owns the state now
		}

		c.mu.Lock()
		if c.state != StateCompacting {
			c.mu.Unlock()
			return
		}
		c.state = StateActive
		c.compactCancel = nil
		c.mu.Unlock()

		done := envelope.New(envelope.KindParticipantCompactDone, map[string]any{
			"participant": c.participantID,
			"removed":     removed,
		})
		done.To = []string{e.From}
		done.CorrelationID = []string{e.ID}
		c.emit(done)

		c.emitStatus(e, "compacted")
		c.logger.Info("compaction complete", "removed", removed, "target_tokens", target)
	}()
}

func (c *Controller) handlePause(e *envelope.Envelope) {
	timeout := time.Duration(payloadInt(e, "timeout_seconds", 0)) * time.Second
	if timeout <= 0 {
		timeout = DefaultPauseTimeout
	}
	reason := payloadString(e, "reason", "requested")

	c.mu.Lock()
	if c.state != StateActive {
		state := c.state
		c.mu.Unlock()
		c.emitConflict(e, fmt.Sprintf("pause requires active, participant is %s", state))
		return
	}
	c.state = StatePaused
	c.pauseEpoch++
	epoch := c.pauseEpoch
	c.pauseTimer = c.clock.AfterFunc(timeout, func() { c.autoResume(epoch, e) })
	c.mu.Unlock()

	c.logger.Info("participant paused", "reason", reason, "timeout", timeout)
	c.emitStatus(e, fmt.Sprintf("paused:%s", reason))
}

// autoResume fires when a pause expires without a manual resume.
func (c *Controller) autoResume(epoch int, trigger *envelope.Envelope) {
	c.mu.Lock()
	if c.state != StatePaused || c.pauseEpoch != epoch {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.pauseTimer = nil
	c.mu.Unlock()

	resumed := envelope.New(envelope.KindParticipantResume, map[string]any{
		"participant": c.participantID,
		"reason":      "pause expired",
	})
	resumed.To = []string{trigger.From}
	resumed.CorrelationID = []string{trigger.ID}
	c.emit(resumed)

	c.emitStatus(trigger, "active")
	c.logger.Info("pause expired, participant resumed")
}

func (c *Controller) handleResume(e *envelope.Envelope) {
	c.mu.Lock()
	if c.state != StatePaused {
		state := c.state
		c.mu.Unlock()
		c.emitConflict(e, fmt.Sprintf("resume requires paused, participant is %s", state))
		return
	}
	c.stopPauseLocked()
	c.state = StateActive
	c.mu.Unlock()

	c.logger.Info("participant resumed")
	c.emitStatus(e, "active")
}

// handleShutdown is idempotent: a repeated shutdown re-emits the status and
// changes nothing.
func (c *Controller) handleShutdown(e *envelope.Envelope) {
	reason := payloadString(e, "reason", "requested")

	c.mu.Lock()
	already := c.state == StateShuttingDown || c.state == StateTerminated
	if !already {
		c.preemptLocked()
		c.state = StateShuttingDown
	}
	c.mu.Unlock()

	c.emitStatus(e, fmt.Sprintf("shutting_down:%s", reason))
	if already {
		return
	}

	if c.hooks.Shutdown != nil {
		c.hooks.Shutdown(reason)
	}

	c.mu.Lock()
	c.state = StateTerminated
	c.mu.Unlock()
	c.logger.Info("participant shut down", "reason", reason)
}

// preemptLocked cancels an in-flight pause or compaction. Must be called
// with mu held.
func (c *Controller) preemptLocked() {
	c.stopPauseLocked()
	if c.compactCancel != nil {
		c.compactCancel()
		c.compactCancel = nil
	}
}

func (c *Controller) stopPauseLocked() {
	if c.pauseTimer != nil {
		c.pauseTimer.Stop()
		c.pauseTimer = nil
	}
	c.pauseEpoch++
}

// emitStatus sends the correlated participant/status reply for a trigger.
func (c *Controller) emitStatus(trigger *envelope.Envelope, status string) {
	e := envelope.New(envelope.KindParticipantStatus, map[string]any{
		"participant": c.participantID,
		"status":      status,
	})
	if trigger.From != "" {
		e.To = []string{trigger.From}
	}
	e.CorrelationID = []string{trigger.ID}
	c.emit(e)
}

func (c *Controller) emitConflict(trigger *envelope.Envelope, message string) {
	c.logger.Warn("lifecycle conflict", "kind", trigger.Kind, "detail", message)
	err := envelope.NewError(trigger.ID, envelope.CodeLifecycle, message)
	if trigger.From != "" {
		err.To = []string{trigger.From}
	}
	c.emit(err)
}

func (c *Controller) emit(e *envelope.Envelope) {
	if c.hooks.Emit != nil {
		c.hooks.Emit(e)
	}
}

func payloadString(e *envelope.Envelope, key, fallback string) string {
	if v, ok := e.Payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func payloadInt(e *envelope.Envelope, key string, fallback int) int {
	switch v := e.Payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return fallback
	}
}
