// Package claude bridges the server to the external claude CLI: it spawns the
// process in streaming-JSON mode, parses its line-delimited output into typed
// events, and exposes each session as an event stream with explicit
// subscription handles.
package claude

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ProcessConfig holds configuration for starting a bridge process.
type ProcessConfig struct {
	Command     string
	Args        []string
	WorkingDir  string
	Environment map[string]string
}

// Process handles one CLI process with stdin/stdout/stderr pipes and graceful
// shutdown.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// StartProcess creates and starts a process with all three pipes attached.
func StartProcess(ctx context.Context, config ProcessConfig) (*Process, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}

	cmd := exec.CommandContext(ctx, config.Command, config.Args...)
	if config.WorkingDir != "" {
		cmd.Dir = config.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range config.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// Write sends data to the process stdin.
func (p *Process) Write(data []byte) (int, error) {
	return p.stdin.Write(data)
}

// Stdout returns the process stdout reader.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the process stderr reader.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Wait blocks until the process exits and returns its exit code.
func (p *Process) Wait() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Stop asks the process to terminate, escalating to SIGKILL after grace. The
// owner's Wait call observes the eventual exit.
func (p *Process) Stop(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}
	_ = p.stdin.Close()
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		time.Sleep(grace)
		// No-op if the process is already gone.
		_ = p.cmd.Process.Kill()
	}()
}
