package replay

import (
	"log"
	"sync"
	"time"

	"github.com/freshell/freshell/pkg/protocol"
)

const defaultStallTimeout = 5 * time.Second

// Requests is the outbound half of the contract: messages the controller asks
// the transport to send.
type Requests interface {
	SendAttach(terminalID string, sinceSeq int64)
	SendCreate(paneID string)
}

// Renderer receives the frames the controller decides to apply. Bytes arrive
// in sequence order and never twice.
type Renderer interface {
	RenderOutput(terminalID string, data []byte)
	RenderGap(terminalID string, fromSeq, toSeq int64, reason protocol.GapReason)
	RenderExit(terminalID string, exitCode int)
}

// Options configures a Controller.
type Options struct {
	Store    CursorStore
	Requests Requests
	Renderer Renderer
	// StallTimeout bounds how long a started replay may run without
	// progressing to its target before the one automatic re-attach per
	// reconnect generation.
	StallTimeout time.Duration
}

type terminalState struct {
	appliedSeq int64
	// replayTarget is the pending replayToSeq; zero when no replay is
	// outstanding.
	replayTarget int64
	replaying    bool
	exited       bool
	// stallGen records the generation whose automatic re-attach has been
	// spent; zero means none yet.
	stallGen int64
	// recreated is set once the one-shot terminal.create recovery has fired.
	recreated  bool
	stallTimer *time.Timer
}

// Controller applies server frames forward-only, persists the per-terminal
// cursor, and owns the reconnect recovery policy. One instance serves one
// viewer across transport reconnects.
type Controller struct {
	mu         sync.Mutex
	opts       Options
	generation int64
	terminals  map[string]*terminalState
	// panes maps a pane id to its current terminal binding.
	panes map[string]string
}

func NewController(opts Options) *Controller {
	if opts.Store == nil {
		opts.Store = NewMemoryCursorStore()
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = defaultStallTimeout
	}
	return &Controller{
		opts:      opts,
		terminals: make(map[string]*terminalState),
		panes:     make(map[string]string),
	}
}

func (c *Controller) stateLocked(terminalID string) *terminalState {
	st, ok := c.terminals[terminalID]
	if !ok {
		st = &terminalState{}
		if cur, found := c.opts.Store.Get(terminalID); found {
			st.appliedSeq = cur.Seq
		}
		c.terminals[terminalID] = st
	}
	return st
}

// BindPane records that paneID currently shows terminalID.
func (c *Controller) BindPane(paneID, terminalID string) {
	c.mu.Lock()
	c.panes[paneID] = terminalID
	c.stateLocked(terminalID)
	c.mu.Unlock()
}

// ResumePoint is the sinceSeq an attach for this terminal should carry:
// whichever of the persisted cursor and this session's applied position is
// further along. Zero when neither exists.
func (c *Controller) ResumePoint(terminalID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumePointLocked(terminalID)
}

func (c *Controller) resumePointLocked(terminalID string) int64 {
	st := c.stateLocked(terminalID)
	point := st.appliedSeq
	if cur, ok := c.opts.Store.Get(terminalID); ok && cur.Seq > point {
		point = cur.Seq
	}
	return point
}

// AppliedSeq reports the highest sequence number applied this session.
func (c *Controller) AppliedSeq(terminalID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(terminalID).appliedSeq
}

// Attach requests attachment from the current resume point and arms the
// stall timer.
func (c *Controller) Attach(terminalID string) {
	c.mu.Lock()
	st := c.stateLocked(terminalID)
	if st.exited {
		c.mu.Unlock()
		return
	}
	since := c.resumePointLocked(terminalID)
	st.replaying = true
	st.replayTarget = 0
	gen := c.generation
	c.armStallTimerLocked(terminalID, st, gen)
	c.mu.Unlock()

	c.opts.Requests.SendAttach(terminalID, since)
}

func (c *Controller) armStallTimerLocked(terminalID string, st *terminalState, gen int64) {
	if st.stallTimer != nil {
		st.stallTimer.Stop()
	}
	st.stallTimer = time.AfterFunc(c.opts.StallTimeout, func() {
		c.handleStall(terminalID, gen)
	})
}

// handleStall fires when a replay has not reached its target within the
// timeout. At most one automatic re-attach is issued per terminal per
// reconnect generation, so a terminal whose replay never completes cannot
// produce a retry storm.
func (c *Controller) handleStall(terminalID string, gen int64) {
	c.mu.Lock()
	st, ok := c.terminals[terminalID]
	if !ok || st.exited || !st.replaying || gen != c.generation || st.stallGen == gen {
		c.mu.Unlock()
		return
	}
	st.stallGen = gen
	since := c.resumePointLocked(terminalID)
	c.mu.Unlock()

	c.opts.Requests.SendAttach(terminalID, since)
}

// OnTransportReconnect bumps the reconnect generation and re-attaches every
// bound, still-live terminal from its resume point.
func (c *Controller) OnTransportReconnect() {
	c.mu.Lock()
	c.generation++
	gen := c.generation

	type attach struct {
		terminalID string
		since      int64
	}
	var attaches []attach
	for _, terminalID := range c.panes {
		st := c.stateLocked(terminalID)
		if st.exited {
			continue
		}
		st.replaying = true
		st.replayTarget = 0
		c.armStallTimerLocked(terminalID, st, gen)
		attaches = append(attaches, attach{terminalID, c.resumePointLocked(terminalID)})
	}
	c.mu.Unlock()

	for _, a := range attaches {
		c.opts.Requests.SendAttach(a.terminalID, a.since)
	}
}

// Generation reports the current reconnect generation.
func (c *Controller) Generation() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// HandleAttachReady notes the replay bounds. replayFromSeq > replayToSeq
// means the viewer is already current and the replay is complete immediately.
func (c *Controller) HandleAttachReady(terminalID string, headSeq, replayFromSeq, replayToSeq int64) {
	c.mu.Lock()
	st := c.stateLocked(terminalID)
	if replayFromSeq > replayToSeq {
		c.finishReplayLocked(st)
	} else {
		st.replaying = true
		st.replayTarget = replayToSeq
	}
	c.mu.Unlock()
}

func (c *Controller) finishReplayLocked(st *terminalState) {
	st.replaying = false
	st.replayTarget = 0
	if st.stallTimer != nil {
		st.stallTimer.Stop()
		st.stallTimer = nil
	}
}

// HandleOutput applies one output frame forward-only: frames entirely at or
// below the applied cursor are dropped, and a frame overlapping the cursor
// renders only its new suffix. No byte is ever rendered twice.
func (c *Controller) HandleOutput(terminalID string, seqStart, seqEnd int64, data []byte) {
	c.mu.Lock()
	st := c.stateLocked(terminalID)

	if seqEnd <= st.appliedSeq {
		c.mu.Unlock()
		return
	}

	render := data
	if seqStart <= st.appliedSeq {
		skip := st.appliedSeq - seqStart + 1
		if skip >= int64(len(data)) {
			render = nil
		} else {
			render = data[skip:]
		}
	}

	st.appliedSeq = seqEnd
	c.persistLocked(terminalID, st)
	c.checkReplayDoneLocked(st)
	c.mu.Unlock()

	if len(render) > 0 {
		c.opts.Renderer.RenderOutput(terminalID, render)
	}
}

// HandleGap renders the loss marker and advances the cursor past the lost
// range so the same gap is never re-requested.
func (c *Controller) HandleGap(terminalID string, fromSeq, toSeq int64, reason protocol.GapReason) {
	c.mu.Lock()
	st := c.stateLocked(terminalID)
	if toSeq > st.appliedSeq {
		st.appliedSeq = toSeq
		c.persistLocked(terminalID, st)
	}
	c.checkReplayDoneLocked(st)
	c.mu.Unlock()

	c.opts.Renderer.RenderGap(terminalID, fromSeq, toSeq, reason)
}

// HandleExit marks the terminal finished. Exit is a recognized end-state; no
// recovery ever follows it.
func (c *Controller) HandleExit(terminalID string, exitCode int) {
	c.mu.Lock()
	st := c.stateLocked(terminalID)
	st.exited = true
	c.finishReplayLocked(st)
	c.mu.Unlock()

	c.opts.Renderer.RenderExit(terminalID, exitCode)
}

// HandleInvalidTerminal implements the one-shot recovery policy: when the
// server no longer knows the terminal currently bound to a pane and the
// terminal never exited, the binding is cleared and terminal.create is
// re-issued exactly once. References to any other terminal are ignored.
func (c *Controller) HandleInvalidTerminal(terminalID string) {
	c.mu.Lock()
	var paneID string
	bound := false
	for pane, id := range c.panes {
		if id == terminalID {
			paneID, bound = pane, true
			break
		}
	}
	if !bound {
		c.mu.Unlock()
		return
	}
	st := c.stateLocked(terminalID)
	if st.exited {
		c.mu.Unlock()
		return
	}
	delete(c.panes, paneID)
	if st.recreated {
		c.mu.Unlock()
		return
	}
	st.recreated = true
	c.finishReplayLocked(st)
	c.mu.Unlock()

	c.opts.Requests.SendCreate(paneID)
}

func (c *Controller) checkReplayDoneLocked(st *terminalState) {
	if st.replaying && st.replayTarget > 0 && st.appliedSeq >= st.replayTarget {
		c.finishReplayLocked(st)
	}
}

func (c *Controller) persistLocked(terminalID string, st *terminalState) {
	if err := c.opts.Store.Set(terminalID, st.appliedSeq); err != nil {
		log.Printf("replay: persist cursor for %s: %v", terminalID, err)
	}
}
