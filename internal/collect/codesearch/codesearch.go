// Package codesearch implements the code collector: a read-only git grep over
// a single repository root.
package codesearch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/colonyops/triage/internal/collect"
	"github.com/colonyops/triage/internal/core/plan"
	"github.com/colonyops/triage/pkg/executil"
)

const maxLineLen = 300

// Config describes the repository and search limits.
type Config struct {
	RepoRoot      string
	GitPath       string
	MaxTerms      int
	MaxTermLength int
	MaxPathHints  int
	// MaxPerFile is passed to git grep --max-count.
	MaxPerFile int
	// MaxMatches caps the total matches kept in the payload.
	MaxMatches    int
	RatePerSecond float64
}

// Collector searches source code.
type Collector struct {
	cfg     Config
	exec    executil.Executor
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ collect.Collector = (*Collector)(nil)

// New creates a code collector.
func New(cfg Config, exec executil.Executor, log zerolog.Logger) *Collector {
	if cfg.GitPath == "" {
		cfg.GitPath = "git"
	}
	if cfg.MaxTerms <= 0 {
		cfg.MaxTerms = 8
	}
	if cfg.MaxTermLength <= 0 {
		cfg.MaxTermLength = 200
	}
	if cfg.MaxPathHints <= 0 {
		cfg.MaxPathHints = 8
	}
	if cfg.MaxPerFile <= 0 {
		cfg.MaxPerFile = 20
	}
	if cfg.MaxMatches <= 0 {
		cfg.MaxMatches = 200
	}
	return &Collector{
		cfg:     cfg,
		exec:    exec,
		limiter: collect.NewLimiter(cfg.RatePerSecond, 1),
		log:     log,
	}
}

func (c *Collector) Kind() plan.Kind { return plan.KindCodeSearch }

// Match is a single source line hit.
type Match struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Payload is the evidence payload for a code search.
type Payload struct {
	Terms     []string       `json:"terms"`
	PathHints []string       `json:"path_hints,omitempty"`
	Matches   []Match        `json:"matches"`
	Files     map[string]int `json:"files"`
	Truncated bool           `json:"truncated"`
}

// Collect runs git grep for the step's terms, limited to its path hints.
func (c *Collector) Collect(ctx context.Context, step plan.Step) collect.Result {
	if err := c.validate(step); err != nil {
		return collect.Failed(err)
	}

	root := c.cfg.RepoRoot
	if root == "" {
		return collect.Failed(collect.Errorf(collect.CodeUnavailable, "no repository root configured"))
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return collect.Failed(collect.Errorf(collect.CodeNotFound, "repository root %s does not exist", root))
	}

	hints := normalizeHints(step.PathHints)

	if err := collect.Throttle(ctx, c.limiter); err != nil {
		return collect.Failed(err)
	}

	start := time.Now()
	out, err := c.exec.Run(ctx, c.cfg.GitPath, c.grepArgs(root, step.Terms, hints)...)
	c.log.Debug().Ctx(ctx).Dur("elapsed", time.Since(start)).Int("bytes", len(out)).Msg("code search")

	if err != nil {
		if cerr := collect.FromContext(ctx.Err()); cerr != nil {
			return collect.Failed(cerr)
		}
		if errors.Is(err, exec.ErrNotFound) {
			return collect.Failed(collect.Wrap(collect.CodeUnavailable, err, "git binary"))
		}
		code, ok := executil.ExitCode(err)
		switch {
		case ok && code == 1:
			out = nil // no matches
		case ok && code == 128 && strings.Contains(err.Error(), "not a git repository"):
			return collect.Failed(collect.Wrap(collect.CodeNotFound, err, "repository at "+root))
		default:
			return collect.Failed(collect.Wrap(collect.CodeRemote, err, "git grep"))
		}
	}

	payload := Payload{
		Terms:     step.Terms,
		PathHints: hints,
		Matches:   []Match{},
		Files:     map[string]int{},
	}
	for _, m := range parseMatches(string(out)) {
		if !matchesHints(m.File, hints) {
			continue
		}
		if len(payload.Matches) >= c.cfg.MaxMatches {
			payload.Truncated = true
			break
		}
		payload.Matches = append(payload.Matches, m)
		payload.Files[m.File]++
	}

	return collect.OK(payload, summarize(payload))
}

func (c *Collector) validate(step plan.Step) *collect.Error {
	if len(step.Terms) == 0 {
		return collect.Errorf(collect.CodeInvalidRequest, "at least one search term is required")
	}
	if len(step.Terms) > c.cfg.MaxTerms {
		return collect.Errorf(collect.CodeInvalidRequest, "%d terms exceeds maximum %d", len(step.Terms), c.cfg.MaxTerms)
	}
	for _, t := range step.Terms {
		if strings.TrimSpace(t) == "" {
			return collect.Errorf(collect.CodeInvalidRequest, "empty search term")
		}
		if len([]rune(t)) > c.cfg.MaxTermLength {
			return collect.Errorf(collect.CodeInvalidRequest, "term exceeds %d characters", c.cfg.MaxTermLength)
		}
		if strings.IndexFunc(t, unicode.IsControl) >= 0 {
			return collect.Errorf(collect.CodeInvalidRequest, "term contains control characters")
		}
	}
	if len(step.PathHints) > c.cfg.MaxPathHints {
		return collect.Errorf(collect.CodeInvalidRequest, "%d path hints exceeds maximum %d", len(step.PathHints), c.cfg.MaxPathHints)
	}
	for _, h := range step.PathHints {
		if err := plan.ValidPathHint(h); err != nil {
			return collect.Wrap(collect.CodeInvalidRequest, err, "path hint")
		}
	}
	return nil
}

// grepArgs builds the only git invocation this collector makes. Terms are
// fixed strings, so no pattern syntax reaches git.
func (c *Collector) grepArgs(root string, terms, hints []string) []string {
	args := []string{"-C", root, "grep", "-n", "-I", "-i", "-F", "--full-name", "--max-count", strconv.Itoa(c.cfg.MaxPerFile)}
	for _, t := range terms {
		args = append(args, "-e", t)
	}
	args = append(args, "--")
	for _, h := range hints {
		// git pathspec globs have no brace alternation; those are filtered afterwards.
		if strings.ContainsAny(h, "{}") {
			return args
		}
	}
	for _, h := range hints {
		if hasMeta(h) {
			args = append(args, ":(glob)"+h)
		} else {
			args = append(args, ":(literal)"+h)
		}
	}
	return args
}

func hasMeta(h string) bool {
	return strings.ContainsAny(h, "*?[{")
}

func normalizeHints(hints []string) []string {
	out := make([]string, 0, len(hints))
	for _, h := range hints {
		h = strings.TrimSuffix(filepath.ToSlash(strings.TrimSpace(h)), "/")
		h = strings.TrimPrefix(h, "./")
		if h == "" || h == "." {
			continue
		}
		out = append(out, h)
	}
	return out
}

// matchesHints reports whether file is selected by any hint. A hint without
// glob characters selects that file or everything below that directory.
func matchesHints(file string, hints []string) bool {
	if len(hints) == 0 {
		return true
	}
	for _, h := range hints {
		if !hasMeta(h) {
			if file == h || strings.HasPrefix(file, h+"/") {
				return true
			}
			continue
		}
		if ok, _ := doublestar.Match(h, file); ok {
			return true
		}
	}
	return false
}

var linePattern = regexp.MustCompile(`^(.+?):(\d+):(.*)$`)

func parseMatches(out string) []Match {
	var matches []Match
	for _, line := range strings.Split(out, "\n") {
		m := linePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		text := strings.TrimSpace(m[3])
		if r := []rune(text); len(r) > maxLineLen {
			text = string(r[:maxLineLen])
		}
		matches = append(matches, Match{File: m[1], Line: n, Text: text})
	}
	return matches
}

func summarize(p Payload) string {
	if len(p.Matches) == 0 {
		return "no matching source lines"
	}

	files := make([]string, 0, len(p.Files))
	for f := range p.Files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if p.Files[files[i]] != p.Files[files[j]] {
			return p.Files[files[i]] > p.Files[files[j]]
		}
		return files[i] < files[j]
	})
	if len(files) > 3 {
		files = files[:3]
	}

	s := fmt.Sprintf("%d matching source lines in %d files (top: %s)", len(p.Matches), len(p.Files), strings.Join(files, ", "))
	if p.Truncated {
		s += "; truncated"
	}
	return s
}
