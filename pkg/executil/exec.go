// Package executil provides process execution utilities.
package executil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

const (
	maxStderrLen = 500

	// DefaultMaxOutput bounds stdout captured from a single command.
	DefaultMaxOutput = 4 << 20
)

// limitedWriter caps writes to a bytes.Buffer at a maximum byte count.
// Bytes beyond the limit are silently discarded.
type limitedWriter struct {
	buf       *bytes.Buffer
	n         int64
	max       int64
	truncated bool
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.n >= w.max {
		w.truncated = w.truncated || len(p) > 0
		return len(p), nil
	}
	remaining := w.max - w.n
	origLen := len(p)
	if int64(origLen) > remaining {
		p = p[:remaining]
		w.truncated = true
	}
	n, err := w.buf.Write(p)
	w.n += int64(n)
	if err != nil {
		return n, err
	}
	return origLen, nil
}

// Executor runs external commands. Implementations never invoke a shell.
type Executor interface {
	// Run executes a command and returns its stdout.
	Run(ctx context.Context, cmd string, args ...string) ([]byte, error)
	// RunDir executes a command in a specific directory.
	RunDir(ctx context.Context, dir, cmd string, args ...string) ([]byte, error)
	// RunDirInput executes a command in a directory with stdin attached.
	RunDirInput(ctx context.Context, dir string, stdin io.Reader, cmd string, args ...string) ([]byte, error)
}

// RealExecutor calls actual binaries.
//
// Stdout is capped at MaxOutput bytes (DefaultMaxOutput when zero). On failure
// stderr is folded into the error message, capped at 500 bytes, and the
// original *exec.ExitError is preserved via wrapping so callers can inspect
// exit codes with ExitCode.
type RealExecutor struct {
	MaxOutput int64
}

// Run executes a command and returns its stdout.
func (e *RealExecutor) Run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	return e.run(ctx, "", nil, cmd, args...)
}

// RunDir executes a command in a specific directory.
func (e *RealExecutor) RunDir(ctx context.Context, dir, cmd string, args ...string) ([]byte, error) {
	return e.run(ctx, dir, nil, cmd, args...)
}

// RunDirInput executes a command in a directory, feeding stdin.
func (e *RealExecutor) RunDirInput(ctx context.Context, dir string, stdin io.Reader, cmd string, args ...string) ([]byte, error) {
	return e.run(ctx, dir, stdin, cmd, args...)
}

func (e *RealExecutor) run(ctx context.Context, dir string, stdin io.Reader, cmd string, args ...string) ([]byte, error) {
	max := e.MaxOutput
	if max <= 0 {
		max = DefaultMaxOutput
	}

	c := exec.CommandContext(ctx, cmd, args...)
	if dir != "" {
		c.Dir = dir
	}
	if stdin != nil {
		c.Stdin = stdin
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &limitedWriter{buf: &stdout, max: max}
	c.Stderr = &limitedWriter{buf: &stderr, max: maxStderrLen}

	if err := c.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		where := cmd
		if dir != "" {
			where = fmt.Sprintf("%s in %s", cmd, dir)
		}
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("exec %s: %s: %w", where, msg, err)
		}
		return stdout.Bytes(), fmt.Errorf("exec %s: %w", where, err)
	}

	return stdout.Bytes(), nil
}

// ExitCode reports the process exit status carried by err, if any.
func ExitCode(err error) (int, bool) {
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode(), true
	}
	return 0, false
}

// ShellQuote returns s wrapped in single quotes, escaping embedded quotes
// with the '\'' technique. Used when an argument vector must cross a remote
// shell (ssh joins its arguments).
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
