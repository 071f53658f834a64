package realtime

import (
	"sync"

	v1 "studyhub/shared/contracts/realtime/v1"
)

// Close reasons recorded on a Client.
const (
	CloseReasonSlowConsumer = "slow consumer"
	CloseReasonShutdown     = "shutdown"
)

// Client represents one authenticated websocket session.
//
// Design notes:
//   - Send is never closed by the server, so concurrent publishers cannot panic.
//   - done signals the session goroutines to stop.
//   - Close is idempotent; the first reason wins.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	reason string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	c.CloseWithReason("")
}

// CloseWithReason is Close with a reason the gateway reports in the close frame.
func (c *Client) CloseWithReason(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// CloseReason returns the reason given to the first Close call.
func (c *Client) CloseReason() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// offer enqueues env without blocking. It reports false when the client is
// closing or its queue is full.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
