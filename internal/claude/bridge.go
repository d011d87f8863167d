package claude

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrSessionNotFound = errors.New("claude session not found")

// CreateOptions configures a new bridge session.
type CreateOptions struct {
	Cwd             string
	ResumeSessionID string
	// OnAssociate fires once when the CLI announces its session id.
	OnAssociate func(claudeSessionID string)
}

// Bridge owns every claude CLI session spawned on behalf of viewers.
type Bridge struct {
	mu       sync.RWMutex
	command  string
	sessions map[string]*Session
}

func NewBridge(command string) *Bridge {
	if command == "" {
		command = "claude"
	}
	return &Bridge{
		command:  command,
		sessions: make(map[string]*Session),
	}
}

// Create spawns a CLI process in streaming-JSON mode and starts its pumps.
// The session outlives the originating request; it stops on exit or Kill.
func (b *Bridge) Create(opts CreateOptions) (*Session, error) {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	proc, err := StartProcess(procCtx, ProcessConfig{
		Command:    b.command,
		Args:       args,
		WorkingDir: opts.Cwd,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start claude session: %w", err)
	}

	sess := newSession(opts.Cwd, proc, cancel, opts.OnAssociate)

	b.mu.Lock()
	b.sessions[sess.ID] = sess
	b.mu.Unlock()

	go sess.run()
	return sess, nil
}

// Get returns the session for id.
func (b *Bridge) Get(id string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess, ok := b.sessions[id]
	return sess, ok
}

// Input forwards one line of input to a session.
func (b *Bridge) Input(id string, data []byte) error {
	sess, ok := b.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	return sess.SendInput(data)
}

// Kill terminates a session's process; idempotent, unknown ids are ignored.
func (b *Bridge) Kill(id string) {
	if sess, ok := b.Get(id); ok {
		sess.Kill()
	}
}

// List returns every known session, including exited ones.
func (b *Bridge) List() []*Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		out = append(out, sess)
	}
	return out
}
