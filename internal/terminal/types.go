package terminal

import "time"

// Mode categorizes the process a terminal hosts. CLI-session modes represent
// externally-resumable sessions and may carry a resume session id.
type Mode string

const (
	ModeDefault      Mode = "default"
	ModeBash         Mode = "bash"
	ModeZsh          Mode = "zsh"
	ModeFish         Mode = "fish"
	ModeSh           Mode = "sh"
	ModeClaude       Mode = "claude"
	ModeClaudeResume Mode = "claude-resume"
)

func (m Mode) IsCLISession() bool {
	return m == ModeClaude || m == ModeClaudeResume
}

// Status is the lifecycle state of a terminal record.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusError    Status = "error"
)

// SessionRef disambiguates a resumable session across server restarts: the
// instance id is generated fresh once per server process.
type SessionRef struct {
	Mode             Mode   `json:"mode"`
	ResumeSessionID  string `json:"resumeSessionId,omitempty"`
	ServerInstanceID string `json:"serverInstanceId"`
}

type EventKind int

const (
	EventOutput EventKind = iota
	EventGap
	EventExit
	EventSessionAssociated
)

// Event is the tagged union fanned out to attached connections.
type Event struct {
	Kind    EventKind
	Output  *Entry
	Gap     *Gap
	Exit    *ExitInfo
	Session *SessionInfo
}

type ExitInfo struct {
	ExitCode int
}

type SessionInfo struct {
	SessionID string
}

// CreateOptions configures a spawn request.
type CreateOptions struct {
	Mode            Mode
	Shell           string
	Cwd             string
	Cols            int
	Rows            int
	ResumeSessionID string
}

// Info is an immutable view of a record for listings and REST reads.
type Info struct {
	TerminalID      string     `json:"terminalId"`
	Mode            Mode       `json:"mode"`
	Status          Status     `json:"status"`
	ExitCode        *int       `json:"exitCode,omitempty"`
	ResumeSessionID string     `json:"resumeSessionId,omitempty"`
	SessionRef      SessionRef `json:"sessionRef"`
	Cols            int        `json:"cols"`
	Rows            int        `json:"rows"`
	Cwd             string     `json:"cwd,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	HeadSeq         int64      `json:"headSeq"`
}
