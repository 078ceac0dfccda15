package executil

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// RecordedCommand captures a command that was executed.
type RecordedCommand struct {
	Dir   string
	Cmd   string
	Args  []string
	Stdin string
}

// ExitStatusError is a fake process failure carrying an exit code.
type ExitStatusError struct {
	Code   int
	Stderr string
}

func (e *ExitStatusError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode returns the fake exit status.
func (e *ExitStatusError) ExitCode() int { return e.Code }

// RecordingExecutor captures commands for testing.
// Configure Outputs and Errors maps to control return values, or set Handler
// to compute a response from the full command line.
type RecordingExecutor struct {
	mu       sync.Mutex
	Commands []RecordedCommand

	// Outputs maps command names to their output.
	// Key is the command name (e.g., "git").
	Outputs map[string][]byte

	// Errors maps command names to their error.
	Errors map[string]error

	// Handler, when set, takes precedence over Outputs and Errors.
	Handler func(ctx context.Context, cmd RecordedCommand) ([]byte, error)
}

// Run records the command and returns configured output/error.
func (e *RecordingExecutor) Run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	return e.record(ctx, RecordedCommand{Cmd: cmd, Args: args})
}

// RunDir records the command with directory and returns configured output/error.
func (e *RecordingExecutor) RunDir(ctx context.Context, dir, cmd string, args ...string) ([]byte, error) {
	return e.record(ctx, RecordedCommand{Dir: dir, Cmd: cmd, Args: args})
}

// RunDirInput records the command along with everything read from stdin.
func (e *RecordingExecutor) RunDirInput(ctx context.Context, dir string, stdin io.Reader, cmd string, args ...string) ([]byte, error) {
	rc := RecordedCommand{Dir: dir, Cmd: cmd, Args: args}
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		rc.Stdin = string(data)
	}
	return e.record(ctx, rc)
}

func (e *RecordingExecutor) record(ctx context.Context, rc RecordedCommand) ([]byte, error) {
	e.mu.Lock()
	e.Commands = append(e.Commands, rc)
	handler := e.Handler
	e.mu.Unlock()

	if handler != nil {
		return handler(ctx, rc)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []byte
	var err error

	if e.Outputs != nil {
		out = e.Outputs[rc.Cmd]
	}
	if e.Errors != nil {
		err = e.Errors[rc.Cmd]
	}

	return out, err
}

// Snapshot returns a copy of the recorded commands.
func (e *RecordingExecutor) Snapshot() []RecordedCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RecordedCommand(nil), e.Commands...)
}

// Reset clears recorded commands.
func (e *RecordingExecutor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Commands = nil
}
