// ABOUTME: Tests for the participant lifecycle controller: ordered status
// ABOUTME: replies, pause auto-resume, compact sequencing, and preemption.

package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/space-gateway/internal/envelope"
)

// emitted collects controller output with a signal channel so tests can wait
// for asynchronous emissions (compaction) deterministically.
type emitted struct {
	mu      sync.Mutex
	all     []*envelope.Envelope
	arrived chan struct{}
}

func newEmitted() *emitted {
	return &emitted{arrived: make(chan struct{}, 64)}
}

func (c *emitted) emit(e *envelope.Envelope) {
	c.mu.Lock()
	c.all = append(c.all, e)
	c.mu.Unlock()
	c.arrived <- struct{}{}
}

func (c *emitted) wait(t *testing.T, n int) []*envelope.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.all) >= n {
			out := make([]*envelope.Envelope, len(c.all))
			copy(out, c.all)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.arrived:
		case <-deadline:
			t.Fatalf("timed out waiting for %d emitted envelopes", n)
		}
	}
}

func control(kind, from string, payload map[string]any) *envelope.Envelope {
	e := envelope.New(kind, payload)
	e.From = from
	e.To = []string{"worker"}
	return e
}

func status(e *envelope.Envelope) string {
	s, _ := e.Payload["status"].(string)
	return s
}

func newTestController(t *testing.T, hooks Hooks, clk clock.Clock) (*Controller, *emitted) {
	t.Helper()
	out := newEmitted()
	hooks.Emit = out.emit
	c := NewController("worker", hooks, clk, nil)
	t.Cleanup(c.Close)
	return c, out
}

func TestClearEmitsCorrelatedStatus(t *testing.T) {
	cleared := 0
	c, out := newTestController(t, Hooks{
		Clear: func(string) int { cleared++; return 7 },
	}, clock.NewMock())

	trigger := control(envelope.KindParticipantClear, "admin", map[string]any{"reason": "fresh start"})
	require.NoError(t, c.Submit(trigger))

	replies := out.wait(t, 1)
	assert.Equal(t, envelope.KindParticipantStatus, replies[0].Kind)
	assert.Equal(t, "cleared:fresh start", status(replies[0]))
	assert.Equal(t, []string{trigger.ID}, replies[0].CorrelationID)
	assert.Equal(t, []string{"admin"}, replies[0].To)
	assert.Equal(t, 1, cleared)
	assert.Equal(t, StateActive, c.State())
}

func TestClearThenRestartProduceIndependentReplies(t *testing.T) {
	c, out := newTestController(t, Hooks{
		Clear:   func(string) int { return 0 },
		Restart: func() {},
	}, clock.NewMock())

	clear := control(envelope.KindParticipantClear, "admin", nil)
	restart := control(envelope.KindParticipantRestart, "admin", nil)
	require.NoError(t, c.Submit(clear))
	require.NoError(t, c.Submit(restart))

	replies := out.wait(t, 2)
	assert.Equal(t, "cleared:requested", status(replies[0]))
	assert.Equal(t, []string{clear.ID}, replies[0].CorrelationID)
	assert.Equal(t, "restarted", status(replies[1]))
	assert.Equal(t, []string{restart.ID}, replies[1].CorrelationID)
}

func TestPauseAutoResume(t *testing.T) {
	mock := clock.NewMock()
	c, out := newTestController(t, Hooks{}, mock)

	pause := control(envelope.KindParticipantPause, "admin", map[string]any{
		"reason":          "maintenance",
		"timeout_seconds": float64(2),
	})
	require.NoError(t, c.Submit(pause))

	replies := out.wait(t, 1)
	assert.Equal(t, "paused:maintenance", status(replies[0]))
	assert.Equal(t, StatePaused, c.State())

	mock.Add(2 * time.Second)

	replies = out.wait(t, 3)
	assert.Equal(t, envelope.KindParticipantResume, replies[1].Kind)
	assert.Equal(t, []string{pause.ID}, replies[1].CorrelationID)
	assert.Equal(t, "active", status(replies[2]))
	assert.Equal(t, StateActive, c.State())
}

func TestManualResumeCancelsTimer(t *testing.T) {
	mock := clock.NewMock()
	c, out := newTestController(t, Hooks{}, mock)

	require.NoError(t, c.Submit(control(envelope.KindParticipantPause, "admin", map[string]any{
		"timeout_seconds": float64(60),
	})))
	out.wait(t, 1)

	require.NoError(t, c.Submit(control(envelope.KindParticipantResume, "admin", nil)))
	replies := out.wait(t, 2)
	assert.Equal(t, "active", status(replies[1]))
	assert.Equal(t, StateActive, c.State())

	// Expired timer must not fire a second resume.
	mock.Add(2 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, out.wait(t, 2), 2)
}

func TestPauseRequiresActive(t *testing.T) {
	c, out := newTestController(t, Hooks{}, clock.NewMock())

	require.NoError(t, c.Submit(control(envelope.KindParticipantPause, "admin", map[string]any{"timeout_seconds": float64(60)})))
	out.wait(t, 1)

	require.NoError(t, c.Submit(control(envelope.KindParticipantPause, "admin", map[string]any{"timeout_seconds": float64(60)})))
	replies := out.wait(t, 2)
	assert.Equal(t, envelope.KindSystemError, replies[1].Kind)
	detail := replies[1].ErrorDetail()
	require.NotNil(t, detail)
	assert.Equal(t, envelope.CodeLifecycle, detail.Code)
}

func TestCompactOrderedSequence(t *testing.T) {
	c, out := newTestController(t, Hooks{
		Compact: func(_ context.Context, target int) int {
			assert.Equal(t, 500, target)
			return 12
		},
	}, clock.NewMock())

	compact := control(envelope.KindParticipantCompact, "admin", map[string]any{
		"target_tokens": float64(500),
	})
	require.NoError(t, c.Submit(compact))

	replies := out.wait(t, 3)
	assert.Equal(t, "compacting", status(replies[0]))
	assert.Equal(t, envelope.KindParticipantCompactDone, replies[1].Kind)
	assert.Equal(t, []string{compact.ID}, replies[1].CorrelationID)
	assert.Equal(t, "compacted", status(replies[2]))
	for _, r := range replies {
		assert.Equal(t, []string{compact.ID}, r.CorrelationID)
	}
	assert.Equal(t, StateActive, c.State())
}

func TestRestartPreemptsCompaction(t *testing.T) {
	release := make(chan struct{})
	preempted := make(chan struct{})
	c, out := newTestController(t, Hooks{
		Compact: func(ctx context.Context, _ int) int {
			<-release
			if ctx.Err() != nil {
				close(preempted)
			}
			return 0
		},
		Restart: func() {},
	}, clock.NewMock())

	require.NoError(t, c.Submit(control(envelope.KindParticipantCompact, "admin", nil)))
	out.wait(t, 1) // compacting

	restart := control(envelope.KindParticipantRestart, "admin", nil)
	require.NoError(t, c.Submit(restart))
	replies := out.wait(t, 2)
	assert.Equal(t, "restarted", status(replies[1]))
	assert.Equal(t, StateActive, c.State())

	// Let the compaction job observe its cancellation; it must emit nothing.
	close(release)
	select {
	case <-preempted:
	case <-time.After(2 * time.Second):
		t.Fatal("compaction was not preempted")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, out.wait(t, 2), 2)
}

func TestShutdownIsIdempotent(t *testing.T) {
	shutdowns := 0
	c, out := newTestController(t, Hooks{
		Shutdown: func(string) { shutdowns++ },
	}, clock.NewMock())

	first := control(envelope.KindParticipantShutdown, "admin", map[string]any{"reason": "done"})
	second := control(envelope.KindParticipantShutdown, "admin", map[string]any{"reason": "done"})
	require.NoError(t, c.Submit(first))
	require.NoError(t, c.Submit(second))

	replies := out.wait(t, 2)
	assert.Equal(t, "shutting_down:done", status(replies[0]))
	assert.Equal(t, []string{first.ID}, replies[0].CorrelationID)
	assert.Equal(t, "shutting_down:done", status(replies[1]))
	assert.Equal(t, []string{second.ID}, replies[1].CorrelationID)

	assert.Equal(t, 1, shutdowns)
	assert.Equal(t, StateTerminated, c.State())
}

func TestShutdownPreemptsPause(t *testing.T) {
	mock := clock.NewMock()
	c, out := newTestController(t, Hooks{Shutdown: func(string) {}}, mock)

	require.NoError(t, c.Submit(control(envelope.KindParticipantPause, "admin", map[string]any{"timeout_seconds": float64(2)})))
	out.wait(t, 1)

	require.NoError(t, c.Submit(control(envelope.KindParticipantShutdown, "admin", nil)))
	out.wait(t, 2)
	assert.Equal(t, StateTerminated, c.State())

	// The cancelled pause timer must not resurrect the participant.
	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateTerminated, c.State())
	assert.Len(t, out.wait(t, 2), 2)
}

func TestSubmitAfterClose(t *testing.T) {
	c, _ := newTestController(t, Hooks{}, clock.NewMock())
	c.Close()
	assert.ErrorIs(t, c.Submit(control(envelope.KindParticipantClear, "admin", nil)), ErrTerminated)
}
