package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/freshell/freshell/internal/claude"
	"github.com/freshell/freshell/internal/terminal"
	"github.com/freshell/freshell/pkg/protocol"
)

const claudeSubBuffer = 128

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	if h.gate.isPaused() {
		http.Error(w, "rebinding", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(uuid.NewString(), ws)
	go c.writeLoop(h.gate.wait)
	h.readLoop(c)
}

// readLoop drives the per-connection state machine until the socket drops.
// Spawns and kills run on the registry's goroutines; nothing here blocks the
// dispatch of other connections.
func (h *Handler) readLoop(c *conn) {
	defer c.close()

	limiter := newCreateLimiter(h.opts.CreateRateMax, h.opts.CreateRateWindow)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.ClientEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError(protocol.ErrInvalidMessage, "malformed envelope", "", "")
			continue
		}
		if !h.dispatch(c, limiter, env) {
			return
		}
	}
}

// dispatch routes one inbound envelope. Returns false to close the
// connection.
func (h *Handler) dispatch(c *conn, limiter *createLimiter, env protocol.ClientEnvelope) bool {
	if env.Type == protocol.ClientHello {
		return h.handleHello(c, env.Data)
	}
	if !c.isAuthenticated() {
		c.sendError(protocol.ErrInvalidMessage, "handshake required", "", "")
		return true
	}

	switch env.Type {
	case protocol.ClientTerminalCreate:
		h.handleCreate(c, limiter, env.Data)
	case protocol.ClientTerminalAttach:
		h.handleAttach(c, env.Data)
	case protocol.ClientTerminalInput:
		h.handleInput(c, env.Data)
	case protocol.ClientTerminalResize:
		h.handleResize(c, env.Data)
	case protocol.ClientTerminalDetach:
		h.handleDetach(c, env.Data)
	case protocol.ClientTerminalKill:
		h.handleKill(c, env.Data)
	case protocol.ClientClaudeCreate:
		h.handleClaudeCreate(c, env.Data)
	case protocol.ClientClaudeInput:
		h.handleClaudeInput(c, env.Data)
	case protocol.ClientClaudeKill:
		h.handleClaudeKill(c, env.Data)
	default:
		c.sendError(protocol.ErrInvalidMessage, "unknown message type", "", "")
	}
	return true
}

func (h *Handler) handleHello(c *conn, data json.RawMessage) bool {
	var req protocol.Hello
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(protocol.ErrInvalidMessage, "malformed hello", "", "")
		return false
	}
	if h.opts.Token != "" && req.Token != h.opts.Token {
		c.sendError(protocol.ErrInvalidMessage, "invalid token", "", "")
		return false
	}
	c.setAuthenticated()
	c.enqueue(protocol.ServerEnvelope{Type: protocol.ServerReady})
	return true
}

func (h *Handler) handleCreate(c *conn, limiter *createLimiter, data json.RawMessage) {
	var req protocol.TerminalCreate
	if err := json.Unmarshal(data, &req); err != nil || req.RequestID == "" || !req.Mode.IsValid() {
		c.sendError(protocol.ErrInvalidMessage, "invalid terminal.create", req.RequestID, "")
		return
	}
	if !limiter.Allow() {
		c.sendError(protocol.ErrRateLimited, "terminal creation rate exceeded", req.RequestID, "")
		return
	}

	mode := terminal.Mode(req.Mode)

	// Restoring a resumable session: converge duplicate owners first, then
	// reuse the canonical running record instead of spawning a twin.
	if req.Restore && req.Mode.IsCLISession() && req.ResumeSessionID != "" {
		h.registry.RepairSessionOwners(mode, req.ResumeSessionID)
		if rec, ok := h.registry.CanonicalRunningBySession(mode, req.ResumeSessionID); ok {
			c.enqueue(protocol.ServerEnvelope{
				Type: protocol.ServerTerminalCreated,
				Data: protocol.TerminalCreated{RequestID: req.RequestID, TerminalID: rec.ID, CreatedAt: rec.CreatedAt},
			})
			h.attachAndStream(c, rec, 0, false)
			return
		}
	}

	rec, err := h.registry.Create(terminal.CreateOptions{
		Mode:            mode,
		Shell:           req.Shell,
		Cwd:             req.Cwd,
		Cols:            req.Cols,
		Rows:            req.Rows,
		ResumeSessionID: req.ResumeSessionID,
	})
	if err != nil {
		if errors.Is(err, terminal.ErrUnknownMode) {
			c.sendError(protocol.ErrInvalidMessage, err.Error(), req.RequestID, "")
			return
		}
		log.Printf("ws: terminal create: %v", err)
		c.sendError(protocol.ErrInternal, err.Error(), req.RequestID, "")
		return
	}

	c.enqueue(protocol.ServerEnvelope{
		Type: protocol.ServerTerminalCreated,
		Data: protocol.TerminalCreated{RequestID: req.RequestID, TerminalID: rec.ID, CreatedAt: rec.CreatedAt},
	})
	// The creating connection is implicitly attached.
	h.attachAndStream(c, rec, 0, false)
}

func (h *Handler) handleAttach(c *conn, data json.RawMessage) {
	var req protocol.TerminalAttach
	if err := json.Unmarshal(data, &req); err != nil || req.TerminalID == "" {
		c.sendError(protocol.ErrInvalidMessage, "invalid terminal.attach", "", "")
		return
	}
	rec, ok := h.registry.Get(req.TerminalID)
	if !ok {
		c.sendError(protocol.ErrInvalidTerminalID, "unknown terminal", "", req.TerminalID)
		return
	}
	h.attachAndStream(c, rec, req.SinceSeq, true)
}

// attachAndStream subscribes the connection and replays history: the ready
// frame, then any gap, then the retained entries in ascending order. Live
// events buffered during the replay drain afterwards, so a gap or a frame
// never overtakes an earlier sequence number.
func (h *Handler) attachAndStream(c *conn, rec *terminal.Record, sinceSeq int64, withReady bool) {
	att := rec.Attach(c.id, sinceSeq)
	c.trackAttachment(rec.ID, att)

	plan := att.Plan
	if withReady {
		c.enqueue(protocol.ServerEnvelope{
			Type: protocol.ServerTerminalAttachOK,
			Data: protocol.TerminalAttachReady{
				TerminalID:    rec.ID,
				HeadSeq:       plan.HeadSeq,
				ReplayFromSeq: plan.ReplayFrom,
				ReplayToSeq:   plan.ReplayTo,
			},
		})
	}
	if plan.Gap != nil {
		c.enqueue(protocol.ServerEnvelope{
			Type: protocol.ServerTerminalOutputGap,
			Data: protocol.TerminalOutputGap{
				TerminalID: rec.ID,
				FromSeq:    plan.Gap.FromSeq,
				ToSeq:      plan.Gap.ToSeq,
				Reason:     protocol.GapReason(plan.Gap.Reason),
			},
		})
	}
	for _, entry := range plan.Entries {
		c.enqueue(protocol.ServerEnvelope{
			Type: protocol.ServerTerminalOutput,
			Data: protocol.TerminalOutput{
				TerminalID: rec.ID,
				SeqStart:   entry.SeqStart,
				SeqEnd:     entry.SeqEnd,
				Data:       string(entry.Data),
			},
		})
	}

	go h.pumpTerminal(c, rec, att)
}

// pumpTerminal relays one attachment's live events onto the connection. When
// the stream ends without an exit event and the record has already finished,
// the exit is synthesized so a late attach to an exited terminal still learns
// the final state after its replay.
func (h *Handler) pumpTerminal(c *conn, rec *terminal.Record, att *terminal.Attachment) {
	sawExit := false
	for ev := range att.Events {
		var env protocol.ServerEnvelope
		switch ev.Kind {
		case terminal.EventOutput:
			env = protocol.ServerEnvelope{
				Type: protocol.ServerTerminalOutput,
				Data: protocol.TerminalOutput{
					TerminalID: rec.ID,
					SeqStart:   ev.Output.SeqStart,
					SeqEnd:     ev.Output.SeqEnd,
					Data:       string(ev.Output.Data),
				},
			}
		case terminal.EventGap:
			env = protocol.ServerEnvelope{
				Type: protocol.ServerTerminalOutputGap,
				Data: protocol.TerminalOutputGap{
					TerminalID: rec.ID,
					FromSeq:    ev.Gap.FromSeq,
					ToSeq:      ev.Gap.ToSeq,
					Reason:     protocol.GapReason(ev.Gap.Reason),
				},
			}
		case terminal.EventExit:
			sawExit = true
			env = protocol.ServerEnvelope{
				Type: protocol.ServerTerminalExit,
				Data: protocol.TerminalExit{TerminalID: rec.ID, ExitCode: ev.Exit.ExitCode},
			}
		case terminal.EventSessionAssociated:
			env = protocol.ServerEnvelope{
				Type: protocol.ServerSessionAssociated,
				Data: protocol.SessionAssociated{TerminalID: rec.ID, SessionID: ev.Session.SessionID},
			}
		default:
			continue
		}
		if !c.enqueue(env) {
			return
		}
	}

	if !sawExit {
		status := rec.Status()
		if code, ok := rec.ExitCode(); ok && (status == terminal.StatusExited || status == terminal.StatusError) {
			c.enqueue(protocol.ServerEnvelope{
				Type: protocol.ServerTerminalExit,
				Data: protocol.TerminalExit{TerminalID: rec.ID, ExitCode: code},
			})
		}
	}
	c.forgetAttachment(rec.ID, att)
}

func (h *Handler) handleInput(c *conn, data json.RawMessage) {
	var req protocol.TerminalInput
	if err := json.Unmarshal(data, &req); err != nil || req.TerminalID == "" {
		c.sendError(protocol.ErrInvalidMessage, "invalid terminal.input", "", "")
		return
	}
	if _, ok := h.registry.Get(req.TerminalID); !ok {
		c.sendError(protocol.ErrInvalidTerminalID, "unknown terminal", "", req.TerminalID)
		return
	}
	// Stale input to an exited terminal is a normal race; drop it silently.
	h.registry.Input(req.TerminalID, []byte(req.Data))
}

func (h *Handler) handleResize(c *conn, data json.RawMessage) {
	var req protocol.TerminalResize
	if err := json.Unmarshal(data, &req); err != nil || req.TerminalID == "" {
		c.sendError(protocol.ErrInvalidMessage, "invalid terminal.resize", "", "")
		return
	}
	if _, ok := h.registry.Get(req.TerminalID); !ok {
		c.sendError(protocol.ErrInvalidTerminalID, "unknown terminal", "", req.TerminalID)
		return
	}
	h.registry.Resize(req.TerminalID, req.Cols, req.Rows)
}

func (h *Handler) handleDetach(c *conn, data json.RawMessage) {
	var req protocol.TerminalDetach
	if err := json.Unmarshal(data, &req); err != nil || req.TerminalID == "" {
		c.sendError(protocol.ErrInvalidMessage, "invalid terminal.detach", "", "")
		return
	}
	c.dropAttachment(req.TerminalID)
}

func (h *Handler) handleKill(c *conn, data json.RawMessage) {
	var req protocol.TerminalKill
	if err := json.Unmarshal(data, &req); err != nil || req.TerminalID == "" {
		c.sendError(protocol.ErrInvalidMessage, "invalid terminal.kill", "", "")
		return
	}
	if _, ok := h.registry.Get(req.TerminalID); !ok {
		c.sendError(protocol.ErrInvalidTerminalID, "unknown terminal", "", req.TerminalID)
		return
	}
	h.registry.Kill(req.TerminalID)
}

func (h *Handler) handleClaudeCreate(c *conn, data json.RawMessage) {
	var req protocol.ClaudeCreate
	if err := json.Unmarshal(data, &req); err != nil || req.RequestID == "" {
		c.sendError(protocol.ErrInvalidMessage, "invalid claude.create", req.RequestID, "")
		return
	}

	terminalID := req.TerminalID
	sess, err := h.bridge.Create(claude.CreateOptions{
		Cwd:             req.Cwd,
		ResumeSessionID: req.ResumeSessionID,
		OnAssociate: func(claudeSessionID string) {
			if terminalID != "" {
				h.registry.AssociateSession(terminalID, claudeSessionID)
			}
		},
	})
	if err != nil {
		log.Printf("ws: claude create: %v", err)
		c.sendError(protocol.ErrInternal, err.Error(), req.RequestID, "")
		return
	}

	sub := sess.Subscribe(claudeSubBuffer)
	c.trackClaudeSub(sess.ID, sub)
	c.enqueue(protocol.ServerEnvelope{
		Type: protocol.ServerClaudeCreated,
		Data: protocol.ClaudeCreated{RequestID: req.RequestID, SessionID: sess.ID},
	})
	go h.pumpClaude(c, sess.ID, sub)
}

// pumpClaude relays one bridge subscription onto the connection until the
// session's stream closes.
func (h *Handler) pumpClaude(c *conn, sessionID string, sub *claude.Subscription) {
	for ev := range sub.C {
		var env protocol.ServerEnvelope
		switch ev.Kind {
		case claude.EventOutput:
			env = protocol.ServerEnvelope{
				Type: protocol.ServerClaudeEvent,
				Data: protocol.ClaudeEvent{SessionID: sessionID, Event: ev.Payload},
			}
		case claude.EventStderr:
			env = protocol.ServerEnvelope{
				Type: protocol.ServerClaudeStderr,
				Data: protocol.ClaudeStderr{SessionID: sessionID, Data: ev.Stderr},
			}
		case claude.EventExit:
			env = protocol.ServerEnvelope{
				Type: protocol.ServerClaudeExit,
				Data: protocol.ClaudeExit{SessionID: sessionID, ExitCode: ev.ExitCode},
			}
		default:
			continue
		}
		if !c.enqueue(env) {
			return
		}
	}
	c.forgetClaudeSub(sessionID, sub)
}

func (h *Handler) handleClaudeInput(c *conn, data json.RawMessage) {
	var req protocol.ClaudeInput
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		c.sendError(protocol.ErrInvalidMessage, "invalid claude.input", "", "")
		return
	}
	if err := h.bridge.Input(req.SessionID, []byte(req.Data)); err != nil {
		if errors.Is(err, claude.ErrSessionNotFound) {
			c.sendError(protocol.ErrInvalidMessage, "unknown claude session", "", "")
			return
		}
		c.sendError(protocol.ErrInternal, err.Error(), "", "")
	}
}

func (h *Handler) handleClaudeKill(c *conn, data json.RawMessage) {
	var req protocol.ClaudeKill
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		c.sendError(protocol.ErrInvalidMessage, "invalid claude.kill", "", "")
		return
	}
	h.bridge.Kill(req.SessionID)
}
