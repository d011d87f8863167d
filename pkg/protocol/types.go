// Package protocol defines the wire contract between the freshell server and
// its viewer connections. Every message travels inside an envelope of the form
// {type, data}; the payload types here are the closed set of shapes a peer may
// send, validated at the boundary before any state mutation.
package protocol

import (
	"encoding/json"
	"time"
)

type ClientMessageType string

const (
	ClientHello          ClientMessageType = "hello"
	ClientTerminalCreate ClientMessageType = "terminal.create"
	ClientTerminalAttach ClientMessageType = "terminal.attach"
	ClientTerminalInput  ClientMessageType = "terminal.input"
	ClientTerminalResize ClientMessageType = "terminal.resize"
	ClientTerminalDetach ClientMessageType = "terminal.detach"
	ClientTerminalKill   ClientMessageType = "terminal.kill"
	ClientClaudeCreate   ClientMessageType = "claude.create"
	ClientClaudeInput    ClientMessageType = "claude.input"
	ClientClaudeKill     ClientMessageType = "claude.kill"
)

type ServerMessageType string

const (
	ServerReady              ServerMessageType = "ready"
	ServerTerminalCreated    ServerMessageType = "terminal.created"
	ServerTerminalAttachOK   ServerMessageType = "terminal.attach.ready"
	ServerTerminalOutput     ServerMessageType = "terminal.output"
	ServerTerminalOutputGap  ServerMessageType = "terminal.output.gap"
	ServerTerminalExit       ServerMessageType = "terminal.exit"
	ServerSessionAssociated  ServerMessageType = "terminal.session.associated"
	ServerClaudeCreated      ServerMessageType = "claude.created"
	ServerClaudeEvent        ServerMessageType = "claude.event"
	ServerClaudeExit         ServerMessageType = "claude.exit"
	ServerClaudeStderr       ServerMessageType = "claude.stderr"
	ServerError              ServerMessageType = "error"
)

// ErrorCode is the closed taxonomy of protocol-level failures.
type ErrorCode string

const (
	ErrInvalidMessage    ErrorCode = "INVALID_MESSAGE"
	ErrInvalidTerminalID ErrorCode = "INVALID_TERMINAL_ID"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
)

// GapReason explains why a range of output is unavailable.
type GapReason string

const (
	// GapReplayWindowExceeded: the requested history fell below the retained
	// replay window and was evicted.
	GapReplayWindowExceeded GapReason = "replay_window_exceeded"
	// GapQueueOverflow: the consumer fell behind live output faster than it
	// could be flushed and the backlog was truncated.
	GapQueueOverflow GapReason = "queue_overflow"
)

// TerminalMode categorizes the process hosted by a terminal.
type TerminalMode string

const (
	ModeDefault      TerminalMode = "default"
	ModeBash         TerminalMode = "bash"
	ModeZsh          TerminalMode = "zsh"
	ModeFish         TerminalMode = "fish"
	ModeSh           TerminalMode = "sh"
	ModeClaude       TerminalMode = "claude"
	ModeClaudeResume TerminalMode = "claude-resume"
)

// IsValid reports whether the mode is one the server knows how to spawn.
func (m TerminalMode) IsValid() bool {
	switch m {
	case ModeDefault, ModeBash, ModeZsh, ModeFish, ModeSh, ModeClaude, ModeClaudeResume:
		return true
	}
	return false
}

// IsCLISession reports whether the mode represents an externally-resumable
// CLI session, for which resumeSessionId is meaningful.
func (m TerminalMode) IsCLISession() bool {
	return m == ModeClaude || m == ModeClaudeResume
}

type ClientEnvelope struct {
	Type ClientMessageType `json:"type"`
	Data json.RawMessage   `json:"data,omitempty"`
}

type ServerEnvelope struct {
	Type ServerMessageType `json:"type"`
	Data any               `json:"data,omitempty"`
}

// --- client payloads ---

type Hello struct {
	Token string `json:"token"`
}

type TerminalCreate struct {
	RequestID       string       `json:"requestId"`
	Mode            TerminalMode `json:"mode"`
	Shell           string       `json:"shell,omitempty"`
	Cwd             string       `json:"cwd,omitempty"`
	Cols            int          `json:"cols,omitempty"`
	Rows            int          `json:"rows,omitempty"`
	ResumeSessionID string       `json:"resumeSessionId,omitempty"`
	Restore         bool         `json:"restore,omitempty"`
}

type TerminalAttach struct {
	TerminalID string `json:"terminalId"`
	SinceSeq   int64  `json:"sinceSeq"`
}

type TerminalInput struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type TerminalResize struct {
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

type TerminalDetach struct {
	TerminalID string `json:"terminalId"`
}

type TerminalKill struct {
	TerminalID string `json:"terminalId"`
}

type ClaudeCreate struct {
	RequestID       string `json:"requestId"`
	Cwd             string `json:"cwd,omitempty"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
	TerminalID      string `json:"terminalId,omitempty"`
}

type ClaudeInput struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type ClaudeKill struct {
	SessionID string `json:"sessionId"`
}

// --- server payloads ---

type TerminalCreated struct {
	RequestID  string    `json:"requestId"`
	TerminalID string    `json:"terminalId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type TerminalAttachReady struct {
	TerminalID    string `json:"terminalId"`
	HeadSeq       int64  `json:"headSeq"`
	ReplayFromSeq int64  `json:"replayFromSeq"`
	ReplayToSeq   int64  `json:"replayToSeq"`
}

type TerminalOutput struct {
	TerminalID string `json:"terminalId"`
	SeqStart   int64  `json:"seqStart"`
	SeqEnd     int64  `json:"seqEnd"`
	Data       string `json:"data"`
}

type TerminalOutputGap struct {
	TerminalID string    `json:"terminalId"`
	FromSeq    int64     `json:"fromSeq"`
	ToSeq      int64     `json:"toSeq"`
	Reason     GapReason `json:"reason"`
}

type TerminalExit struct {
	TerminalID string `json:"terminalId"`
	ExitCode   int    `json:"exitCode"`
}

type SessionAssociated struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId"`
}

type ClaudeCreated struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

type ClaudeEvent struct {
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

type ClaudeExit struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

type ClaudeStderr struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	RequestID  string    `json:"requestId,omitempty"`
	TerminalID string    `json:"terminalId,omitempty"`
}
