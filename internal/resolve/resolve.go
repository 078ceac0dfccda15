// Package resolve asks an external coding agent to propose a fix for a
// ticket. A proposal is an artifact reference (usually a pull request URL);
// applying it is left to the normal review workflow.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/colonyops/triage/internal/core/issue"
	"github.com/colonyops/triage/internal/core/ticket"
	"github.com/colonyops/triage/pkg/executil"
	"github.com/colonyops/triage/pkg/tmpl"
)

// Request is everything the engine is told about a ticket.
type Request struct {
	RunID    string
	Ticket   ticket.Ticket
	Issue    issue.Record
	Findings string
}

// Fix is a proposed change.
type Fix struct {
	// Ref is the primary artifact reference; empty when the engine produced
	// nothing usable.
	Ref        string   `json:"ref,omitempty"`
	Refs       []string `json:"refs,omitempty"`
	Analysis   string   `json:"analysis,omitempty"`
	Transcript string   `json:"transcript,omitempty"`
}

// Engine proposes fixes.
type Engine interface {
	ProposeFix(ctx context.Context, req Request) (Fix, error)
}

// ErrNoOutput is returned when the agent produced too little output to be a
// real answer.
var ErrNoOutput = errors.New("resolution agent produced no meaningful output")

// AgentConfig configures the coding-agent engine.
type AgentConfig struct {
	Command  string
	Args     []string
	RepoRoot string
	// InstructionsFile, if set, is read and prepended to every prompt.
	InstructionsFile string
	// TranscriptDir receives <ticket>/<run>/resolution.log and the prompt.
	TranscriptDir string
	MinOutput     int
}

// AgentEngine runs a coding-agent CLI in the repository root with the prompt
// on stdin.
type AgentEngine struct {
	cfg  AgentConfig
	exec executil.Executor
	log  zerolog.Logger
}

var _ Engine = (*AgentEngine)(nil)

// NewAgentEngine creates an engine.
func NewAgentEngine(cfg AgentConfig, exec executil.Executor, log zerolog.Logger) *AgentEngine {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.Args == nil {
		cfg.Args = []string{"--print"}
	}
	if cfg.MinOutput <= 0 {
		cfg.MinOutput = 50
	}
	return &AgentEngine{cfg: cfg, exec: exec, log: log}
}

// ProposeFix runs the agent and extracts artifact references from its
// transcript.
func (e *AgentEngine) ProposeFix(ctx context.Context, req Request) (Fix, error) {
	prompt, err := e.prompt(req)
	if err != nil {
		return Fix{}, err
	}

	dir := ""
	if e.cfg.TranscriptDir != "" {
		dir = filepath.Join(e.cfg.TranscriptDir, req.Ticket.ID, req.RunID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Fix{}, fmt.Errorf("create transcript dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "resolution-prompt.md"), []byte(prompt), 0o644); err != nil {
			return Fix{}, fmt.Errorf("write prompt: %w", err)
		}
	}

	start := time.Now()
	out, runErr := e.exec.RunDirInput(ctx, e.cfg.RepoRoot, strings.NewReader(prompt), e.cfg.Command, e.cfg.Args...)
	e.log.Info().Ctx(ctx).
		Str("command", e.cfg.Command).
		Dur("elapsed", time.Since(start)).
		Int("bytes", len(out)).
		Err(runErr).
		Msg("resolution agent finished")

	fix := Fix{}
	if dir != "" {
		fix.Transcript = filepath.Join(dir, "resolution.log")
		if err := os.WriteFile(fix.Transcript, out, 0o644); err != nil {
			e.log.Warn().Ctx(ctx).Err(err).Msg("failed to save resolution transcript")
			fix.Transcript = ""
		}
	}

	if runErr != nil {
		return fix, fmt.Errorf("run %s: %w", e.cfg.Command, runErr)
	}
	text := string(out)
	if len(strings.TrimSpace(text)) < e.cfg.MinOutput {
		return fix, ErrNoOutput
	}

	fix.Refs = ExtractPRURLs(text)
	if len(fix.Refs) > 0 {
		fix.Ref = fix.Refs[0]
	}
	fix.Analysis = FinalAnalysis(text)
	return fix, nil
}

func (e *AgentEngine) prompt(req Request) (string, error) {
	instructions := defaultInstructions
	if e.cfg.InstructionsFile != "" {
		data, err := os.ReadFile(e.cfg.InstructionsFile)
		if err != nil {
			return "", fmt.Errorf("read instructions: %w", err)
		}
		instructions = string(data)
	}

	return tmpl.Render(promptTemplate, map[string]any{
		"Instructions": strings.TrimSpace(instructions),
		"Ticket":       req.Ticket,
		"Issue":        req.Issue,
		"Findings":     req.Findings,
		"Marker":       finalAnalysisHeader,
	})
}

const defaultInstructions = `You are a senior software engineer. Investigate the support ticket below in
this repository and, if you find the defect, open a pull request with the fix.
Do not merge or deploy anything.`

const finalAnalysisHeader = "=== FINAL ANALYSIS ==="

const promptTemplate = `{{ .Instructions }}

TICKET
======
ID: {{ .Ticket.ID }}
Title: {{ .Ticket.Title }}
Status: {{ .Ticket.Status }}
Priority: {{ .Ticket.Priority }}

{{ trunc 4000 .Ticket.Description }}

ANALYSIS
========
Category: {{ .Issue.Category }}
Severity: {{ .Issue.Severity }}
Summary: {{ .Issue.Summary }}
Error codes: {{ join .Issue.Signals.ErrorCodes ", " }}
Error messages: {{ join .Issue.Signals.ErrorMessages ", " }}
Affected features: {{ join .Issue.Signals.AffectedFeatures ", " }}

INVESTIGATION FINDINGS
======================
{{ .Findings }}

End your answer with a section headed "{{ .Marker }}" covering the root cause,
the change you proposed, and the pull request URL if you opened one.
`

var prPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https://github\.com/[^/\s]+/[^/\s]+/pull/\d+`),
	regexp.MustCompile(`https://gitlab\.[^/\s]+/\S+/-/merge_requests/\d+`),
	regexp.MustCompile(`(?i)(?:pull request|pr created|created pull request):\s*(https://\S+)`),
}

// ExtractPRURLs returns the distinct pull request URLs in text, in order of
// first appearance.
func ExtractPRURLs(text string) []string {
	type hit struct {
		pos int
		url string
	}
	var hits []hit
	for _, re := range prPatterns {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[0], m[1]
			if len(m) >= 4 && m[2] >= 0 {
				start, end = m[2], m[3]
			}
			hits = append(hits, hit{pos: start, url: strings.TrimRight(text[start:end], ".,;)")})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	seen := make(map[string]bool)
	var out []string
	for _, h := range hits {
		if seen[h.url] {
			continue
		}
		seen[h.url] = true
		out = append(out, h.url)
	}
	return out
}

// FinalAnalysis returns the text after the final analysis header, or "".
func FinalAnalysis(text string) string {
	_, after, ok := strings.Cut(text, finalAnalysisHeader)
	if !ok {
		return ""
	}
	return strings.TrimSpace(after)
}
