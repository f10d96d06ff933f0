// ABOUTME: Per-participant outbound connection with a bounded delivery queue.
// ABOUTME: A slow or broken recipient never blocks the router or other peers.

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/space-gateway/internal/envelope"
)

// Transport is the write side of one participant connection. The WebSocket
// server wraps its conn in this; tests substitute an in-memory fake.
type Transport interface {
	// WriteEnvelope delivers one envelope, honoring ctx for write deadlines.
	WriteEnvelope(ctx context.Context, e *envelope.Envelope) error
	// Close terminates the connection with a reason visible to the peer.
	Close(reason string) error
}

// defaultQueueSize bounds each participant's outbound queue.
const defaultQueueSize = 64

// overflowStrikeLimit is how many consecutive drop-oldest evictions a
// connection tolerates before it is declared dead and disconnected.
const overflowStrikeLimit = 32

// writeTimeout bounds a single transport write.
const writeTimeout = 10 * time.Second

// Conn owns the outbound path to one participant. Envelopes are enqueued
// without blocking; a single writer goroutine drains the queue. On overflow
// the oldest queued envelope is dropped, and sustained overflow disconnects
// the participant rather than letting it wedge the space.
type Conn struct {
	participantID string
	transport     Transport
	queue         chan *envelope.Envelope
	closed        chan struct{}
	closeOnce     sync.Once
	onClose       func(reason string)
	logger        *slog.Logger

	mu      sync.Mutex
	strikes int
}

// NewConn creates the connection and starts its writer goroutine. onClose
// fires exactly once, when the connection dies for any reason.
func NewConn(participantID string, transport Transport, queueSize int, logger *slog.Logger, onClose func(reason string)) *Conn {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	c := &Conn{
		participantID: participantID,
		transport:     transport,
		queue:         make(chan *envelope.Envelope, queueSize),
		closed:        make(chan struct{}),
		onClose:       onClose,
		logger:        logger,
	}
	go c.writeLoop()
	return c
}

// Enqueue hands an envelope to the writer without blocking. When the queue
// is full the oldest entry is evicted to make room; history is best-effort
// for a consumer this far behind. Sustained overflow closes the connection.
func (c *Conn) Enqueue(e *envelope.Envelope) {
	select {
	case <-c.closed:
		return
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case c.queue <- e:
		c.strikes = 0
		return
	default:
	}

	// Queue full: evict the oldest, then retry once.
	select {
	case dropped := <-c.queue:
		c.logger.Warn("outbound queue full, dropping oldest envelope",
			"participant_id", c.participantID,
			"dropped_kind", dropped.Kind,
		)
	default:
	}

	c.strikes++
	if c.strikes >= overflowStrikeLimit {
		c.logger.Warn("sustained outbound overflow, disconnecting",
			"participant_id", c.participantID,
			"strikes", c.strikes,
		)
		go c.Close("outbound queue overflow")
		return
	}

	select {
	case c.queue <- e:
	default:
	}
}

// Close shuts the connection down. Idempotent; the first caller wins.
// onClose runs on its own goroutine so teardown paths that call back into
// Close cannot deadlock.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.drain()
		if err := c.transport.Close(reason); err != nil {
			c.logger.Debug("transport close", "participant_id", c.participantID, "error", err)
		}
		if c.onClose != nil {
			go c.onClose(reason)
		}
	})
}

// drain flushes already-queued envelopes before the transport closes, so a
// final correlated status (e.g. shutting_down) still reaches the peer.
func (c *Conn) drain() {
	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case e := <-c.queue:
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), remaining)
			err := c.transport.WriteEnvelope(ctx, e)
			cancel()
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

// writeLoop drains the queue onto the transport until the connection dies.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case e := <-c.queue:
			// Close has taken over flushing once closed is set.
			select {
			case <-c.closed:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.transport.WriteEnvelope(ctx, e)
			cancel()
			if err != nil {
				c.logger.Warn("envelope write failed, disconnecting",
					"participant_id", c.participantID,
					"kind", e.Kind,
					"error", err,
				)
				c.Close("write failure")
				return
			}
		}
	}
}
