package terminal

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

const recordSubscriberBuffer = 128

// Record owns one PTY process and its buffers. All mutation flows through the
// Registry; connections only ever hold the subscription returned by Attach.
type Record struct {
	ID         string
	Mode       Mode
	Cwd        string
	CreatedAt  time.Time
	SessionRef SessionRef

	mu              sync.Mutex
	status          Status
	exitCode        *int
	resumeSessionID string
	cols            int
	rows            int
	ptmx            *os.File
	cmd             *exec.Cmd
	log             *Log
	scrollback      *Scrollback
	broadcaster     *Broadcaster
	attached        map[string]struct{}
}

// Attachment is a live subscription to a record's event stream. Close is
// idempotent and removes the connection from the attached set.
type Attachment struct {
	Plan   Plan
	Events <-chan Event
	cancel func()
}

func (a *Attachment) Close() {
	if a.cancel != nil {
		a.cancel()
	}
}

// appendOutput is the single writer path: assign sequence numbers, retain,
// and fan out, atomically with respect to Attach.
func (r *Record) appendOutput(data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rg := r.log.Append(data)
	r.scrollback.Write(data)
	cp := append([]byte(nil), data...)
	r.broadcaster.Broadcast(Event{Kind: EventOutput, Output: &Entry{SeqStart: rg.SeqStart, SeqEnd: rg.SeqEnd, Data: cp}})
}

// Attach computes the replay plan for sinceSeq and subscribes to live events
// in one step, so no frame can fall between replay and the live stream.
func (r *Record) Attach(connID string, sinceSeq int64) *Attachment {
	r.mu.Lock()
	defer r.mu.Unlock()

	plan := r.log.Read(sinceSeq)
	events, cancel := r.broadcaster.Subscribe(recordSubscriberBuffer)
	r.attached[connID] = struct{}{}

	return &Attachment{
		Plan:   plan,
		Events: events,
		cancel: func() {
			cancel()
			r.mu.Lock()
			delete(r.attached, connID)
			r.mu.Unlock()
		},
	}
}

// Input forwards data to the process stdin iff the record is running. A false
// return is a normal race with exit, not a fault.
func (r *Record) Input(data []byte) bool {
	r.mu.Lock()
	ptmx := r.ptmx
	running := r.status == StatusRunning
	r.mu.Unlock()

	if !running || ptmx == nil {
		return false
	}
	_, err := ptmx.Write(data)
	return err == nil
}

// Resize adjusts the PTY window. No-op unless running.
func (r *Record) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRunning || r.ptmx == nil {
		return
	}
	if err := pty.Setsize(r.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err == nil {
		r.cols, r.rows = cols, rows
	}
}

// Kill terminates the process. Idempotent; the exit pump records the final
// status.
func (r *Record) Kill() {
	r.mu.Lock()
	cmd := r.cmd
	running := r.status == StatusRunning || r.status == StatusCreating
	r.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// finish marks the record exited (or errored), notifies every attached
// connection and clears the attachment set. Buffers are retained so late
// queries still observe the final state.
func (r *Record) finish(exitCode int, failed bool) {
	r.mu.Lock()
	if r.status == StatusExited || r.status == StatusError {
		r.mu.Unlock()
		return
	}
	if failed {
		r.status = StatusError
	} else {
		r.status = StatusExited
	}
	code := exitCode
	r.exitCode = &code
	if r.ptmx != nil {
		_ = r.ptmx.Close()
	}
	r.broadcaster.Broadcast(Event{Kind: EventExit, Exit: &ExitInfo{ExitCode: exitCode}})
	r.broadcaster.Close()
	r.attached = make(map[string]struct{})
	r.mu.Unlock()
}

func (r *Record) associateSession(sessionID string) bool {
	r.mu.Lock()
	if !r.Mode.IsCLISession() || r.resumeSessionID != "" || r.status != StatusRunning {
		r.mu.Unlock()
		return false
	}
	r.resumeSessionID = sessionID
	r.SessionRef.ResumeSessionID = sessionID
	r.broadcaster.Broadcast(Event{Kind: EventSessionAssociated, Session: &SessionInfo{SessionID: sessionID}})
	r.mu.Unlock()
	return true
}

func (r *Record) clearResumeSession() {
	r.mu.Lock()
	r.resumeSessionID = ""
	r.SessionRef.ResumeSessionID = ""
	r.mu.Unlock()
}

// Status returns the current lifecycle state.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// ResumeSessionID returns the external session this record claims, if any.
func (r *Record) ResumeSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumeSessionID
}

// ExitCode returns the recorded exit code once the process has finished.
func (r *Record) ExitCode() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exitCode == nil {
		return 0, false
	}
	return *r.exitCode, true
}

// AttachedConnections returns the ids of connections receiving live frames.
func (r *Record) AttachedConnections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.attached))
	for id := range r.attached {
		ids = append(ids, id)
	}
	return ids
}

// ScrollbackSnapshot returns the full capture buffer contents.
func (r *Record) ScrollbackSnapshot() (string, bool) {
	r.mu.Lock()
	sb := r.scrollback
	r.mu.Unlock()
	return sb.Snapshot()
}

// ReadLog answers "what changed after sinceSeq" without attaching.
func (r *Record) ReadLog(sinceSeq int64) Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Read(sinceSeq)
}

// Info returns an immutable view for listings.
func (r *Record) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := Info{
		TerminalID:      r.ID,
		Mode:            r.Mode,
		Status:          r.status,
		ResumeSessionID: r.resumeSessionID,
		SessionRef:      r.SessionRef,
		Cols:            r.cols,
		Rows:            r.rows,
		Cwd:             r.Cwd,
		CreatedAt:       r.CreatedAt,
		HeadSeq:         r.log.HeadSeq(),
	}
	if r.exitCode != nil {
		code := *r.exitCode
		info.ExitCode = &code
	}
	return info
}
