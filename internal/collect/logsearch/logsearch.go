// Package logsearch implements the log collector: a fixed, read-only grep
// over a configured log root on remote hosts, reached through ssh.
package logsearch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/colonyops/triage/internal/collect"
	"github.com/colonyops/triage/internal/core/evidence"
	"github.com/colonyops/triage/internal/core/plan"
	"github.com/colonyops/triage/pkg/executil"
)

const maxLineLen = 500

// Config describes where logs live and how far a search may reach.
type Config struct {
	Hosts          []string
	User           string
	Port           int
	IdentityFile   string
	SSHPath        string
	ConnectTimeout time.Duration
	LogRoot        string
	MaxWindow      time.Duration
	MaxTerms       int
	MaxTermLength  int
	MaxMatches     int
	RatePerSecond  float64
}

// Collector searches remote logs.
type Collector struct {
	cfg     Config
	exec    executil.Executor
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ collect.Collector = (*Collector)(nil)

// New creates a log collector.
func New(cfg Config, exec executil.Executor, log zerolog.Logger) *Collector {
	if cfg.SSHPath == "" {
		cfg.SSHPath = "ssh"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = 30 * 24 * time.Hour
	}
	if cfg.MaxTerms <= 0 {
		cfg.MaxTerms = 8
	}
	if cfg.MaxTermLength <= 0 {
		cfg.MaxTermLength = 200
	}
	if cfg.MaxMatches <= 0 {
		cfg.MaxMatches = 200
	}
	return &Collector{
		cfg:     cfg,
		exec:    exec,
		limiter: collect.NewLimiter(cfg.RatePerSecond, len(cfg.Hosts)),
		log:     log,
	}
}

func (c *Collector) Kind() plan.Kind { return plan.KindLogSearch }

// Match is a single log line hit.
type Match struct {
	Host      string     `json:"host"`
	File      string     `json:"file"`
	Line      int        `json:"line"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Level     string     `json:"level,omitempty"`
	Text      string     `json:"text"`
}

// HostResult reports the outcome on one host.
type HostResult struct {
	Host    string          `json:"host"`
	Matches int             `json:"matches"`
	Err     *evidence.Error `json:"error,omitempty"`
}

// Payload is the evidence payload for a log search.
type Payload struct {
	Window  plan.Window    `json:"window"`
	Terms   []string       `json:"terms"`
	Hosts   []HostResult   `json:"hosts"`
	Matches []Match        `json:"matches"`
	Levels  map[string]int `json:"levels,omitempty"`
	Undated int            `json:"undated"`
}

// Collect runs the search on every host concurrently.
func (c *Collector) Collect(ctx context.Context, step plan.Step) collect.Result {
	if err := c.validate(step); err != nil {
		return collect.Failed(err)
	}
	if len(c.cfg.Hosts) == 0 {
		return collect.Failed(collect.Errorf(collect.CodeUnavailable, "no log hosts configured"))
	}

	remote := c.remoteCommand(step.Terms)
	results := make([]hostSearch, len(c.cfg.Hosts))

	var g errgroup.Group
	for i, host := range c.cfg.Hosts {
		g.Go(func() error {
			results[i] = c.searchHost(ctx, host, remote, step.Window)
			return nil
		})
	}
	_ = g.Wait()

	payload := Payload{Window: step.Window, Terms: step.Terms, Levels: map[string]int{}}
	var firstErr *collect.Error
	failed := 0
	for _, r := range results {
		hr := HostResult{Host: r.host, Matches: len(r.matches)}
		if r.err != nil {
			failed++
			hr.Err = r.err.Evidence()
			if firstErr == nil {
				firstErr = r.err
			}
		}
		payload.Hosts = append(payload.Hosts, hr)
		payload.Matches = append(payload.Matches, r.matches...)
	}

	sort.SliceStable(payload.Matches, func(i, j int) bool {
		a, b := payload.Matches[i].Timestamp, payload.Matches[j].Timestamp
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return a.Before(*b)
	})
	for _, m := range payload.Matches {
		if m.Timestamp == nil {
			payload.Undated++
		}
		if m.Level != "" {
			payload.Levels[m.Level]++
		}
	}

	summary := summarize(payload)
	switch {
	case failed == len(results):
		c.log.Warn().Ctx(ctx).Str("code", string(firstErr.Code)).Msg("log search failed on all hosts")
		return collect.Failed(firstErr)
	case failed > 0:
		return collect.Partial(payload, summary, firstErr)
	default:
		return collect.OK(payload, summary)
	}
}

func (c *Collector) validate(step plan.Step) *collect.Error {
	w := step.Window
	if w.Start.IsZero() || w.End.IsZero() {
		return collect.Errorf(collect.CodeInvalidRequest, "time window is required")
	}
	if w.End.Before(w.Start) {
		return collect.Errorf(collect.CodeInvalidRequest, "window end precedes start")
	}
	if w.Span() > c.cfg.MaxWindow {
		return collect.Errorf(collect.CodeInvalidRequest, "window %s exceeds maximum %s", w.Span(), c.cfg.MaxWindow)
	}
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
	return nil
}

// remoteCommand builds the only command this collector ever runs remotely.
// Every variable part is shell-quoted because ssh hands the string to the
// remote shell.
func (c *Collector) remoteCommand(terms []string) string {
	parts := []string{"grep", "-rHnIiF", "-m", strconv.Itoa(c.cfg.MaxMatches)}
	for _, t := range terms {
		parts = append(parts, "-e", executil.ShellQuote(t))
	}
	parts = append(parts, "--", executil.ShellQuote(c.cfg.LogRoot))
	return strings.Join(parts, " ")
}

func (c *Collector) sshArgs(host, remote string) []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(c.cfg.ConnectTimeout.Seconds())),
	}
	if c.cfg.Port > 0 {
		args = append(args, "-p", strconv.Itoa(c.cfg.Port))
	}
	if c.cfg.IdentityFile != "" {
		args = append(args, "-i", c.cfg.IdentityFile)
	}
	if c.cfg.User != "" {
		args = append(args, "-l", c.cfg.User)
	}
	return append(args, host, "--", remote)
}

type hostSearch struct {
	host    string
	matches []Match
	err     *collect.Error
}

func (c *Collector) searchHost(ctx context.Context, host, remote string, w plan.Window) hostSearch {
	res := hostSearch{host: host}

	if err := collect.Throttle(ctx, c.limiter); err != nil {
		res.err = err
		return res
	}

	start := time.Now()
	out, err := c.exec.Run(ctx, c.cfg.SSHPath, c.sshArgs(host, remote)...)
	c.log.Debug().Ctx(ctx).Str("host", host).Dur("elapsed", time.Since(start)).Int("bytes", len(out)).Msg("log search")

	if err != nil {
		if cerr := collect.FromContext(ctx.Err()); cerr != nil {
			res.err = cerr
			return res
		}
		if errors.Is(err, exec.ErrNotFound) {
			res.err = collect.Wrap(collect.CodeUnavailable, err, "ssh binary")
			return res
		}
		code, ok := executil.ExitCode(err)
		switch {
		case ok && code == 1:
			return res // no matches
		case ok && code == 2 && len(out) > 0:
			// some files unreadable; keep what matched
		case ok && code == 255:
			res.err = collect.Wrap(collect.CodeConnection, err, "ssh "+host)
			return res
		case ok && code == 2 && strings.Contains(err.Error(), "No such file"):
			res.err = collect.Wrap(collect.CodeNotFound, err, "log root on "+host)
			return res
		case !ok:
			res.err = collect.Wrap(collect.CodeConnection, err, "ssh "+host)
			return res
		default:
			res.err = collect.Wrap(collect.CodeRemote, err, "grep on "+host)
			return res
		}
	}

	res.matches = parseMatches(host, string(out), w)
	return res
}

var (
	tsPattern    = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	levelPattern = regexp.MustCompile(`\b(DEBUG|INFO|WARN|WARNING|ERROR|FATAL|CRITICAL)\b`)
)

var tsLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp extracts the first ISO-like timestamp from a log line.
// Timestamps without a zone are read as UTC.
func ParseTimestamp(line string) (time.Time, bool) {
	raw := tsPattern.FindString(line)
	if raw == "" {
		return time.Time{}, false
	}
	raw = strings.Replace(raw, ",", ".", 1)
	for _, layout := range tsLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseLevel extracts a log level, normalizing WARNING to WARN.
func ParseLevel(line string) string {
	lvl := levelPattern.FindString(line)
	if lvl == "WARNING" {
		return "WARN"
	}
	return lvl
}

// parseMatches reads grep -Hn output. Lines outside the window are dropped;
// lines without a recognizable timestamp are kept.
func parseMatches(host, out string, w plan.Window) []Match {
	var matches []Match
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		text := strings.TrimSpace(parts[2])

		m := Match{Host: host, File: parts[0], Line: n, Level: ParseLevel(text)}
		if ts, ok := ParseTimestamp(text); ok {
			if !w.Contains(ts) {
				continue
			}
			m.Timestamp = &ts
		}
		if r := []rune(text); len(r) > maxLineLen {
			text = string(r[:maxLineLen])
		}
		m.Text = text
		matches = append(matches, m)
	}
	return matches
}

func summarize(p Payload) string {
	failed := 0
	for _, h := range p.Hosts {
		if h.Err != nil {
			failed++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d matching log lines across %d/%d hosts", len(p.Matches), len(p.Hosts)-failed, len(p.Hosts))
	if len(p.Levels) > 0 {
		levels := make([]string, 0, len(p.Levels))
		for lvl := range p.Levels {
			levels = append(levels, lvl)
		}
		sort.Strings(levels)
		counts := make([]string, 0, len(levels))
		for _, lvl := range levels {
			counts = append(counts, fmt.Sprintf("%s=%d", lvl, p.Levels[lvl]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(counts, ", "))
	}
	if p.Undated > 0 {
		fmt.Fprintf(&b, "; %d undated", p.Undated)
	}
	return b.String()
}
