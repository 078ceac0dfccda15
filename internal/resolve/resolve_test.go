package resolve

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colonyops/triage/internal/core/issue"
	"github.com/colonyops/triage/internal/core/ticket"
	"github.com/colonyops/triage/pkg/executil"
)

const transcript = `Looked at internal/billing/charge.go. The decline code E1042 is not mapped.
Created pull request: https://github.com/acme/payments/pull/812.
See also https://github.com/acme/payments/pull/812 for context.

=== FINAL ANALYSIS ===
Root cause: unmapped gateway code. PR https://github.com/acme/payments/pull/812
`

func request() Request {
	return Request{
		RunID: "run-1",
		Ticket: ticket.Ticket{
			ID:          "SUP-42",
			Title:       "Card payment fails",
			Description: "Checkout shows error E1042",
		},
		Issue: issue.Record{
			Category: issue.CategoryBug,
			Summary:  "Payments declined with E1042",
			Signals:  issue.Signals{ErrorCodes: []string{"E1042"}},
		},
		Findings: "- s1 log_search: ok: 3 matching log lines",
	}
}

func TestAgentEngine_ProposeFix(t *testing.T) {
	rec := &executil.RecordingExecutor{Outputs: map[string][]byte{"claude": []byte(transcript)}}
	dataDir := t.TempDir()
	e := NewAgentEngine(AgentConfig{RepoRoot: "/srv/repo", TranscriptDir: dataDir}, rec, zerolog.Nop())

	fix, err := e.ProposeFix(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/payments/pull/812", fix.Ref)
	assert.Equal(t, []string{"https://github.com/acme/payments/pull/812"}, fix.Refs)
	assert.True(t, strings.HasPrefix(fix.Analysis, "Root cause"))

	require.Len(t, rec.Commands, 1)
	cmd := rec.Commands[0]
	assert.Equal(t, "/srv/repo", cmd.Dir)
	assert.Equal(t, []string{"--print"}, cmd.Args)
	assert.Contains(t, cmd.Stdin, "ID: SUP-42")
	assert.Contains(t, cmd.Stdin, "Error codes: E1042")
	assert.Contains(t, cmd.Stdin, "s1 log_search")

	saved, err := os.ReadFile(filepath.Join(dataDir, "SUP-42", "run-1", "resolution.log"))
	require.NoError(t, err)
	assert.Equal(t, transcript, string(saved))
	assert.FileExists(t, filepath.Join(dataDir, "SUP-42", "run-1", "resolution-prompt.md"))
}

func TestAgentEngine_NoArtifact(t *testing.T) {
	rec := &executil.RecordingExecutor{Outputs: map[string][]byte{
		"claude": []byte("I investigated the repository at length but could not find a defect to fix."),
	}}
	e := NewAgentEngine(AgentConfig{}, rec, zerolog.Nop())

	fix, err := e.ProposeFix(context.Background(), request())
	require.NoError(t, err)
	assert.Empty(t, fix.Ref)
}

func TestAgentEngine_Errors(t *testing.T) {
	t.Run("too little output", func(t *testing.T) {
		rec := &executil.RecordingExecutor{Outputs: map[string][]byte{"claude": []byte("ok")}}
		_, err := NewAgentEngine(AgentConfig{}, rec, zerolog.Nop()).ProposeFix(context.Background(), request())
		assert.ErrorIs(t, err, ErrNoOutput)
	})

	t.Run("process failure", func(t *testing.T) {
		boom := &executil.ExitStatusError{Code: 1, Stderr: "not logged in"}
		rec := &executil.RecordingExecutor{Errors: map[string]error{"claude": boom}}
		_, err := NewAgentEngine(AgentConfig{}, rec, zerolog.Nop()).ProposeFix(context.Background(), request())
		var exitErr *executil.ExitStatusError
		require.True(t, errors.As(err, &exitErr))
	})

	t.Run("missing instructions file", func(t *testing.T) {
		rec := &executil.RecordingExecutor{}
		cfg := AgentConfig{InstructionsFile: filepath.Join(t.TempDir(), "missing.md")}
		_, err := NewAgentEngine(cfg, rec, zerolog.Nop()).ProposeFix(context.Background(), request())
		require.Error(t, err)
		assert.Empty(t, rec.Commands)
	})
}

func TestAgentEngine_Instructions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "AGENT.md")
	require.NoError(t, os.WriteFile(path, []byte("Follow the house style.\n"), 0o644))

	rec := &executil.RecordingExecutor{Outputs: map[string][]byte{"agent": []byte(transcript)}}
	cfg := AgentConfig{Command: "agent", Args: []string{"run", "-"}, InstructionsFile: path}
	_, err := NewAgentEngine(cfg, rec, zerolog.Nop()).ProposeFix(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rec.Commands[0].Stdin, "Follow the house style."))
	assert.Equal(t, []string{"run", "-"}, rec.Commands[0].Args)
}

func TestExtractPRURLs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "none", text: "no links here", want: nil},
		{
			name: "github and gitlab in order",
			text: "MR https://gitlab.example.com/team/app/-/merge_requests/7 then https://github.com/a/b/pull/3",
			want: []string{"https://gitlab.example.com/team/app/-/merge_requests/7", "https://github.com/a/b/pull/3"},
		},
		{
			name: "labelled url",
			text: "PR created: https://git.internal/acme/app/pulls/9",
			want: []string{"https://git.internal/acme/app/pulls/9"},
		},
		{
			name: "deduplicated",
			text: "https://github.com/a/b/pull/3 and again https://github.com/a/b/pull/3.",
			want: []string{"https://github.com/a/b/pull/3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractPRURLs(tt.text))
		})
	}
}
