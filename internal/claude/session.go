package claude

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const stopGrace = 3 * time.Second

// maxLineBytes bounds one NDJSON record; claude tool results can be large.
const maxLineBytes = 4 << 20

// SessionInfo is a point-in-time view of a bridge session.
type SessionInfo struct {
	ID              string `json:"id"`
	ClaudeSessionID string `json:"claudeSessionId,omitempty"`
	Cwd             string `json:"cwd,omitempty"`
	Running         bool   `json:"running"`
	ExitCode        *int   `json:"exitCode,omitempty"`
}

// Session is one running claude CLI process. Events flow through its stream;
// the announced claude session id (for later --resume) surfaces via
// OnAssociate and Info.
type Session struct {
	ID string

	mu              sync.Mutex
	cwd             string
	proc            *Process
	stream          *EventStream
	claudeSessionID string
	running         bool
	exitCode        *int
	onAssociate     func(claudeSessionID string)
	cancel          context.CancelFunc
}

func newSession(cwd string, proc *Process, cancel context.CancelFunc, onAssociate func(string)) *Session {
	return &Session{
		ID:          uuid.NewString(),
		cwd:         cwd,
		proc:        proc,
		stream:      NewEventStream(),
		running:     true,
		onAssociate: onAssociate,
		cancel:      cancel,
	}
}

// run pumps stdout and stderr until the process exits, then publishes the
// final exit event and closes the stream.
func (s *Session) run() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(s.proc.Stdout())
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			parsed, raw, err := ParseLine(line)
			if err != nil {
				continue
			}
			if parsed.SessionID != "" {
				s.associate(parsed.SessionID)
			}
			s.stream.Publish(Event{Kind: EventOutput, Payload: raw})
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(s.proc.Stderr())
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			s.stream.Publish(Event{Kind: EventStderr, Stderr: scanner.Text()})
		}
	}()

	code := s.proc.Wait()
	wg.Wait()
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	s.running = false
	s.exitCode = &code
	s.mu.Unlock()

	s.stream.Publish(Event{Kind: EventExit, ExitCode: code})
	s.stream.Close()
}

func (s *Session) associate(claudeSessionID string) {
	s.mu.Lock()
	already := s.claudeSessionID != ""
	if !already {
		s.claudeSessionID = claudeSessionID
	}
	cb := s.onAssociate
	s.mu.Unlock()

	if !already && cb != nil {
		cb(claudeSessionID)
	}
}

// Subscribe registers a consumer for this session's events.
func (s *Session) Subscribe(buffer int) *Subscription {
	return s.stream.Subscribe(buffer)
}

// SendInput writes one line of input to the CLI stdin.
func (s *Session) SendInput(data []byte) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(append([]byte(nil), data...), '\n')
	}
	_, err := proc.Write(data)
	return err
}

// Kill terminates the session process. Idempotent.
func (s *Session) Kill() {
	s.mu.Lock()
	running := s.running
	proc := s.proc
	s.mu.Unlock()

	if !running {
		return
	}
	proc.Stop(stopGrace)
}

// Info returns the current session state.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:              s.ID,
		ClaudeSessionID: s.claudeSessionID,
		Cwd:             s.cwd,
		Running:         s.running,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		info.ExitCode = &code
	}
	return info
}

// ListenerCount reports how many subscriptions are currently registered.
func (s *Session) ListenerCount() int {
	return s.stream.SubscriberCount()
}
