package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

var (
	// ErrSpawn wraps failures to start the underlying process.
	ErrSpawn = errors.New("spawn failed")
	// ErrUnknownMode rejects create requests for modes the server cannot host.
	ErrUnknownMode = errors.New("unknown terminal mode")
)

// RegistryOptions carries the tuning bounds for per-terminal buffers.
type RegistryOptions struct {
	ReplayWindowBytes int
	ScrollbackBytes   int
	// DefaultShell overrides $SHELL resolution for ModeDefault; tests point
	// it at a predictable binary.
	DefaultShell string
	// ClaudeCommand is the CLI binary for the claude session modes.
	ClaudeCommand string
}

// Registry owns every terminal record and its process lifecycle. Records are
// retained after exit so late queries can still observe status and buffers.
type Registry struct {
	mu         sync.RWMutex
	records    map[string]*Record
	opts       RegistryOptions
	instanceID string
}

// RepairResult reports what RepairSessionOwners changed.
type RepairResult struct {
	Repaired            bool
	CanonicalTerminalID string
	ClearedTerminalIDs  []string
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.ClaudeCommand == "" {
		opts.ClaudeCommand = "claude"
	}
	return &Registry{
		records:    make(map[string]*Record),
		opts:       opts,
		instanceID: uuid.NewString(),
	}
}

// InstanceID identifies this server process lifetime; it participates in
// session refs so a resumable session is never confused across restarts.
func (g *Registry) InstanceID() string {
	return g.instanceID
}

// Create spawns a process for opts and returns the running record. The record
// is visible in `creating` state before the spawn completes; spawn failures
// mark it `error` and are returned wrapped in ErrSpawn.
func (g *Registry) Create(opts CreateOptions) (*Record, error) {
	argv, err := g.commandFor(opts)
	if err != nil {
		return nil, err
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	rec := &Record{
		ID:        uuid.NewString(),
		Mode:      opts.Mode,
		Cwd:       opts.Cwd,
		CreatedAt: time.Now(),
		SessionRef: SessionRef{
			Mode:             opts.Mode,
			ResumeSessionID:  opts.ResumeSessionID,
			ServerInstanceID: g.instanceID,
		},
		status:          StatusCreating,
		resumeSessionID: opts.ResumeSessionID,
		cols:            cols,
		rows:            rows,
		log:             NewLog(g.opts.ReplayWindowBytes),
		scrollback:      NewScrollback(g.opts.ScrollbackBytes),
		broadcaster:     NewBroadcaster(),
		attached:        make(map[string]struct{}),
	}
	if !opts.Mode.IsCLISession() {
		rec.resumeSessionID = ""
		rec.SessionRef.ResumeSessionID = ""
	}

	g.mu.Lock()
	g.records[rec.ID] = rec
	g.mu.Unlock()

	cmd := exec.Command(argv[0], argv[1:]...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		rec.finish(-1, true)
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, argv[0], err)
	}

	rec.mu.Lock()
	rec.ptmx = ptmx
	rec.cmd = cmd
	rec.status = StatusRunning
	rec.mu.Unlock()

	go g.readLoop(rec, ptmx)
	go g.waitLoop(rec, cmd)

	return rec, nil
}

func (g *Registry) commandFor(opts CreateOptions) ([]string, error) {
	switch opts.Mode {
	case ModeBash, ModeZsh, ModeFish, ModeSh:
		shell := opts.Shell
		if shell == "" {
			shell = "/bin/" + string(opts.Mode)
		}
		return []string{shell}, nil
	case ModeDefault:
		shell := opts.Shell
		if shell == "" {
			shell = g.opts.DefaultShell
		}
		if shell == "" {
			shell = os.Getenv("SHELL")
		}
		if shell == "" {
			shell = "/bin/sh"
		}
		return []string{shell}, nil
	case ModeClaude:
		return []string{g.opts.ClaudeCommand}, nil
	case ModeClaudeResume:
		if opts.ResumeSessionID == "" {
			return nil, fmt.Errorf("%w: claude-resume requires resumeSessionId", ErrUnknownMode)
		}
		return []string{g.opts.ClaudeCommand, "--resume", opts.ResumeSessionID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, opts.Mode)
	}
}

func (g *Registry) readLoop(rec *Record, ptmx *os.File) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			rec.appendOutput(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (g *Registry) waitLoop(rec *Record, cmd *exec.Cmd) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	rec.finish(code, false)
}

// Get returns the record for id, including exited ones.
func (g *Registry) Get(id string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[id]
	return rec, ok
}

// List returns every record, newest last.
func (g *Registry) List() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Record, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Input forwards data to a running terminal; false for unknown or non-running
// terminals (stale input after exit is a normal race, not an error).
func (g *Registry) Input(id string, data []byte) bool {
	rec, ok := g.Get(id)
	if !ok {
		return false
	}
	return rec.Input(data)
}

// Resize adjusts a terminal's window; no-op when not running.
func (g *Registry) Resize(id string, cols, rows int) {
	if rec, ok := g.Get(id); ok {
		rec.Resize(cols, rows)
	}
}

// Kill terminates a terminal's process; idempotent.
func (g *Registry) Kill(id string) {
	if rec, ok := g.Get(id); ok {
		rec.Kill()
	}
}

// AssociateSession binds an external session id to a running CLI-mode record
// that does not have one yet. Reports whether the association took effect.
func (g *Registry) AssociateSession(id, sessionID string) bool {
	rec, ok := g.Get(id)
	if !ok || sessionID == "" {
		return false
	}
	return rec.associateSession(sessionID)
}

// FindRunningBySession returns the first running record claiming the given
// (mode, resumeSessionId) pair.
func (g *Registry) FindRunningBySession(mode Mode, sessionID string) (*Record, bool) {
	claimants := g.runningClaimants(mode, sessionID)
	if len(claimants) == 0 {
		return nil, false
	}
	return claimants[0], true
}

// CanonicalRunningBySession returns the single authoritative owner of the
// pair: the earliest-created running claimant.
func (g *Registry) CanonicalRunningBySession(mode Mode, sessionID string) (*Record, bool) {
	return g.FindRunningBySession(mode, sessionID)
}

// RepairSessionOwners converges duplicate claims on one external session left
// behind by create-on-reconnect races: the earliest-created running claimant
// keeps the session, the rest have their resumeSessionId cleared. Safe to
// call repeatedly; never touches any process.
func (g *Registry) RepairSessionOwners(mode Mode, sessionID string) RepairResult {
	claimants := g.runningClaimants(mode, sessionID)
	if len(claimants) <= 1 {
		result := RepairResult{}
		if len(claimants) == 1 {
			result.CanonicalTerminalID = claimants[0].ID
		}
		return result
	}

	result := RepairResult{
		Repaired:            true,
		CanonicalTerminalID: claimants[0].ID,
	}
	for _, dup := range claimants[1:] {
		dup.clearResumeSession()
		result.ClearedTerminalIDs = append(result.ClearedTerminalIDs, dup.ID)
	}
	return result
}

// runningClaimants returns running records claiming the pair, earliest first.
func (g *Registry) runningClaimants(mode Mode, sessionID string) []*Record {
	if sessionID == "" {
		return nil
	}
	var claimants []*Record
	for _, rec := range g.List() {
		if rec.Mode != mode {
			continue
		}
		if rec.Status() != StatusRunning {
			continue
		}
		if rec.ResumeSessionID() != sessionID {
			continue
		}
		claimants = append(claimants, rec)
	}
	return claimants
}
