package executil

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealExecutor_StderrCappedAtMaxLen(t *testing.T) {
	ctx := context.Background()
	exec := &RealExecutor{}

	// Write twice the cap to stderr; only the first maxStderrLen bytes should appear in the error.
	longStderr := strings.Repeat("A", maxStderrLen*2)
	_, err := exec.Run(ctx, "sh", "-c", "printf '%s' '"+longStderr+"' >&2; exit 1")
	require.Error(t, err)

	assert.Contains(t, err.Error(), strings.Repeat("A", maxStderrLen))
	assert.NotContains(t, err.Error(), strings.Repeat("A", maxStderrLen+1))
}

func TestRealExecutor_PreservesExitError(t *testing.T) {
	_, err := (&RealExecutor{}).Run(context.Background(), "sh", "-c", "exit 2")
	require.Error(t, err)

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, "original ExitError should be preserved via wrapping")

	code, ok := ExitCode(err)
	require.True(t, ok)
	assert.Equal(t, 2, code)
}

func TestRealExecutor_StdoutCapped(t *testing.T) {
	exec := &RealExecutor{MaxOutput: 8}

	out, err := exec.Run(context.Background(), "sh", "-c", "printf '0123456789abcdef'")
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(out))
}

func TestRealExecutor_Run(t *testing.T) {
	exec := &RealExecutor{}
	ctx := context.Background()

	t.Run("successful command", func(t *testing.T) {
		out, err := exec.Run(ctx, "echo", "hello")
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(out))
	})

	t.Run("command not found", func(t *testing.T) {
		_, err := exec.Run(ctx, "nonexistent-command-12345")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exec nonexistent-command-12345")
	})

	t.Run("stderr is not mixed into stdout", func(t *testing.T) {
		out, err := exec.Run(ctx, "sh", "-c", "echo out; echo err >&2")
		require.NoError(t, err)
		assert.Equal(t, "out\n", string(out))
	})
}

func TestRealExecutor_RunDir(t *testing.T) {
	exec := &RealExecutor{}
	ctx := context.Background()

	t.Run("runs in specified directory", func(t *testing.T) {
		out, err := exec.RunDir(ctx, "/tmp", "pwd")
		require.NoError(t, err)
		assert.Contains(t, string(out), "/tmp")
	})

	t.Run("invalid directory", func(t *testing.T) {
		_, err := exec.RunDir(ctx, "/nonexistent-dir-12345", "pwd")
		require.Error(t, err)
	})
}

func TestRealExecutor_RunDirInput(t *testing.T) {
	out, err := (&RealExecutor{}).RunDirInput(context.Background(), "", strings.NewReader("piped"), "cat")
	require.NoError(t, err)
	assert.Equal(t, "piped", string(out))
}

func TestExitCode(t *testing.T) {
	_, ok := ExitCode(errors.New("plain"))
	assert.False(t, ok)

	code, ok := ExitCode(&ExitStatusError{Code: 255})
	assert.True(t, ok)
	assert.Equal(t, 255, code)
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"hello world", "'hello world'"},
		{"it's", `'it'\''s'`},
		{"$(whoami) && rm -rf /", "'$(whoami) && rm -rf /'"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ShellQuote(tt.in))
		})
	}
}

func TestRecordingExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("records commands", func(t *testing.T) {
		exec := &RecordingExecutor{}

		_, _ = exec.Run(ctx, "git", "grep", "term")
		_, _ = exec.RunDir(ctx, "/tmp/repo", "git", "status")

		require.Len(t, exec.Commands, 2)
		assert.Equal(t, "git", exec.Commands[0].Cmd)
		assert.Equal(t, []string{"grep", "term"}, exec.Commands[0].Args)
		assert.Equal(t, "/tmp/repo", exec.Commands[1].Dir)
	})

	t.Run("returns configured output and error", func(t *testing.T) {
		expectedErr := errors.New("command failed")
		exec := &RecordingExecutor{
			Outputs: map[string][]byte{"git": []byte("output")},
			Errors:  map[string]error{"ssh": expectedErr},
		}

		out, err := exec.Run(ctx, "git", "status")
		require.NoError(t, err)
		assert.Equal(t, []byte("output"), out)

		_, err = exec.Run(ctx, "ssh", "host")
		assert.Equal(t, expectedErr, err)
	})

	t.Run("handler receives stdin", func(t *testing.T) {
		exec := &RecordingExecutor{
			Handler: func(_ context.Context, rc RecordedCommand) ([]byte, error) {
				return []byte(strings.ToUpper(rc.Stdin)), nil
			},
		}

		out, err := exec.RunDirInput(ctx, "/repo", strings.NewReader("prompt"), "claude", "-p")
		require.NoError(t, err)
		assert.Equal(t, "PROMPT", string(out))
		assert.Equal(t, "prompt", exec.Snapshot()[0].Stdin)
	})

	t.Run("reset clears commands", func(t *testing.T) {
		exec := &RecordingExecutor{}
		_, _ = exec.Run(ctx, "echo", "hello")
		exec.Reset()
		assert.Empty(t, exec.Commands)
	})
}
