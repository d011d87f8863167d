package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/freshell/freshell/internal/claude"
	"github.com/freshell/freshell/internal/terminal"
	"github.com/freshell/freshell/pkg/protocol"
)

const (
	sendQueueSize = 256
	writeTimeout  = 10 * time.Second
)

// conn wraps one WebSocket connection. All outbound traffic funnels through
// the send queue and a single writer goroutine, so frames for one terminal
// keep their append order and writes never interleave.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan protocol.ServerEnvelope
	done chan struct{}

	closeOnce sync.Once

	mu            sync.Mutex
	authenticated bool
	attachments   map[string]*terminal.Attachment
	claudeSubs    map[string]*claude.Subscription
}

func newConn(id string, ws *websocket.Conn) *conn {
	return &conn{
		id:          id,
		ws:          ws,
		send:        make(chan protocol.ServerEnvelope, sendQueueSize),
		done:        make(chan struct{}),
		attachments: make(map[string]*terminal.Attachment),
		claudeSubs:  make(map[string]*claude.Subscription),
	}
}

// writeLoop is the only goroutine that touches the socket for writes, and it
// owns the socket close: on shutdown it drains frames already queued (the
// handshake failure error, say) before dropping the connection. wait is
// called before each write; the rebind gate uses it to pause broadcasting.
func (c *conn) writeLoop(wait func()) {
	defer c.ws.Close()
	for {
		select {
		case env := <-c.send:
			if !c.writeFrame(env, wait) {
				c.close()
				return
			}
		case <-c.done:
			for {
				select {
				case env := <-c.send:
					if !c.writeFrame(env, wait) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *conn) writeFrame(env protocol.ServerEnvelope, wait func()) bool {
	wait()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(env) == nil
}

// enqueue blocks until the frame is queued or the connection is gone. Event
// pumps rely on this backpressure: when the queue is full their broadcaster
// channel fills next, and the loss is collapsed into an explicit gap there.
func (c *conn) enqueue(env protocol.ServerEnvelope) bool {
	select {
	case c.send <- env:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) sendError(code protocol.ErrorCode, message, requestID, terminalID string) {
	c.enqueue(protocol.ServerEnvelope{
		Type: protocol.ServerError,
		Data: protocol.Error{Code: code, Message: message, RequestID: requestID, TerminalID: terminalID},
	})
}

func (c *conn) setAuthenticated() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
}

func (c *conn) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// trackAttachment records the subscription, replacing (and closing) any
// previous attachment to the same terminal.
func (c *conn) trackAttachment(terminalID string, att *terminal.Attachment) {
	c.mu.Lock()
	prev := c.attachments[terminalID]
	c.attachments[terminalID] = att
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

func (c *conn) dropAttachment(terminalID string) {
	c.mu.Lock()
	att := c.attachments[terminalID]
	delete(c.attachments, terminalID)
	c.mu.Unlock()
	if att != nil {
		att.Close()
	}
}

// forgetAttachment removes bookkeeping without closing; the event pump calls
// it when the record's stream ends on its own.
func (c *conn) forgetAttachment(terminalID string, att *terminal.Attachment) {
	c.mu.Lock()
	if c.attachments[terminalID] == att {
		delete(c.attachments, terminalID)
	}
	c.mu.Unlock()
}

func (c *conn) trackClaudeSub(sessionID string, sub *claude.Subscription) {
	c.mu.Lock()
	prev := c.claudeSubs[sessionID]
	c.claudeSubs[sessionID] = sub
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

func (c *conn) forgetClaudeSub(sessionID string, sub *claude.Subscription) {
	c.mu.Lock()
	if c.claudeSubs[sessionID] == sub {
		delete(c.claudeSubs, sessionID)
	}
	c.mu.Unlock()
}

// close tears the connection down: every terminal attachment and every bridge
// subscription registered by this connection is released here, never anywhere
// else, so a handler error can not leak a listener.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		atts := c.attachments
		subs := c.claudeSubs
		c.attachments = make(map[string]*terminal.Attachment)
		c.claudeSubs = make(map[string]*claude.Subscription)
		c.mu.Unlock()

		for _, att := range atts {
			att.Close()
		}
		for _, sub := range subs {
			sub.Close()
		}
	})
}
