package logsearch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colonyops/triage/internal/collect"
	"github.com/colonyops/triage/internal/core/evidence"
	"github.com/colonyops/triage/internal/core/plan"
	"github.com/colonyops/triage/pkg/executil"
)

var window = plan.Window{
	Start: time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC),
}

const sampleOutput = `/var/log/app/api.log:10:2024-06-11T08:00:00Z ERROR checkout failed E1042 for user 7
/var/log/app/api.log:11:2024-06-01 08:00:00 ERROR checkout failed E1042 old entry
/var/log/app/worker.log:3:2024-06-10 09:30:00,123 WARNING retrying E1042
/var/log/app/worker.log:4:stack frame mentioning E1042
not-a-grep-line
`

func newCollector(t *testing.T, hosts []string, handler func(context.Context, executil.RecordedCommand) ([]byte, error)) (*Collector, *executil.RecordingExecutor) {
	t.Helper()
	rec := &executil.RecordingExecutor{Handler: handler}
	c := New(Config{
		Hosts:        hosts,
		User:         "triage",
		IdentityFile: "/keys/id_ed25519",
		LogRoot:      "/var/log/app",
		MaxMatches:   50,
	}, rec, zerolog.Nop())
	return c, rec
}

func step(terms ...string) plan.Step {
	return plan.Step{ID: "s1", Kind: plan.KindLogSearch, Window: window, Terms: terms}
}

func decode(t *testing.T, res collect.Result) Payload {
	t.Helper()
	p, ok := res.Payload.(Payload)
	require.True(t, ok, "payload type %T", res.Payload)
	return p
}

func TestCollect_ParsesAndFiltersWindow(t *testing.T) {
	c, rec := newCollector(t, []string{"app-1"}, func(context.Context, executil.RecordedCommand) ([]byte, error) {
		return []byte(sampleOutput), nil
	})

	res := c.Collect(context.Background(), step("E1042"))
	require.Equal(t, evidence.StatusOK, res.Status, "%v", res.Err)

	p := decode(t, res)
	require.Len(t, p.Matches, 3)
	assert.Equal(t, 3, p.Matches[0].Line, "dated matches sorted by time")
	assert.Equal(t, "WARN", p.Matches[0].Level)
	assert.Equal(t, 10, p.Matches[1].Line)
	assert.Nil(t, p.Matches[2].Timestamp, "undated matches kept last")
	assert.Equal(t, 1, p.Undated)
	assert.Equal(t, map[string]int{"ERROR": 1, "WARN": 1}, p.Levels)
	assert.Contains(t, res.Summary, "3 matching log lines across 1/1 hosts")

	cmds := rec.Snapshot()
	require.Len(t, cmds, 1)
	assert.Equal(t, "ssh", cmds[0].Cmd)
	args := cmds[0].Args
	assert.Contains(t, args, "BatchMode=yes")
	assert.Equal(t, "app-1", args[len(args)-3])
	assert.Equal(t, "--", args[len(args)-2])
	assert.Equal(t, "grep -rHnIiF -m 50 -e 'E1042' -- '/var/log/app'", args[len(args)-1])
}

func TestCollect_QuotesHostileTerms(t *testing.T) {
	c, rec := newCollector(t, []string{"app-1"}, func(context.Context, executil.RecordedCommand) ([]byte, error) {
		return nil, &executil.ExitStatusError{Code: 1}
	})

	res := c.Collect(context.Background(), step("'; rm -rf / #", "$(id)"))
	require.Equal(t, evidence.StatusOK, res.Status)

	remote := rec.Snapshot()[0].Args[len(rec.Snapshot()[0].Args)-1]
	assert.Equal(t, `grep -rHnIiF -m 50 -e ''\''; rm -rf / #' -e '$(id)' -- '/var/log/app'`, remote)
	assert.Empty(t, decode(t, res).Matches)
}

func TestCollect_PartialWhenSomeHostsFail(t *testing.T) {
	c, _ := newCollector(t, []string{"app-1", "app-2"}, func(_ context.Context, rc executil.RecordedCommand) ([]byte, error) {
		for _, a := range rc.Args {
			if a == "app-2" {
				return nil, &executil.ExitStatusError{Code: 255, Stderr: "connection refused"}
			}
		}
		return []byte(sampleOutput), nil
	})

	res := c.Collect(context.Background(), step("E1042"))
	assert.Equal(t, evidence.StatusPartial, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, collect.CodeConnection, res.Err.Code)

	p := decode(t, res)
	require.Len(t, p.Hosts, 2)
	assert.Nil(t, p.Hosts[0].Err)
	require.NotNil(t, p.Hosts[1].Err)
	assert.Equal(t, "connection_error", p.Hosts[1].Err.Code)
}

func TestCollect_FailedWhenAllHostsFail(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want collect.Code
	}{
		{"ssh connection", &executil.ExitStatusError{Code: 255}, collect.CodeConnection},
		{"missing log root", &executil.ExitStatusError{Code: 2, Stderr: "grep: /var/log/app: No such file or directory"}, collect.CodeNotFound},
		{"remote failure", &executil.ExitStatusError{Code: 2, Stderr: "grep: invalid option"}, collect.CodeRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newCollector(t, []string{"app-1"}, func(context.Context, executil.RecordedCommand) ([]byte, error) {
				return nil, tt.err
			})

			res := c.Collect(context.Background(), step("E1042"))
			assert.Equal(t, evidence.StatusFailed, res.Status)
			require.NotNil(t, res.Err)
			assert.Equal(t, tt.want, res.Err.Code)
		})
	}
}

func TestCollect_TimeoutFromContext(t *testing.T) {
	c, _ := newCollector(t, []string{"app-1"}, func(ctx context.Context, _ executil.RecordedCommand) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	res := c.Collect(ctx, step("E1042"))
	require.NotNil(t, res.Err)
	assert.Equal(t, collect.CodeTimeout, res.Err.Code)
}

func TestCollect_RevalidatesInput(t *testing.T) {
	c, rec := newCollector(t, []string{"app-1"}, nil)

	tests := []struct {
		name string
		step plan.Step
	}{
		{"window too wide", plan.Step{Window: plan.Window{Start: window.End.Add(-31 * 24 * time.Hour), End: window.End}, Terms: []string{"x"}}},
		{"missing window", plan.Step{Terms: []string{"x"}}},
		{"inverted window", plan.Step{Window: plan.Window{Start: window.End, End: window.Start}, Terms: []string{"x"}}},
		{"no terms", plan.Step{Window: window}},
		{"control chars", plan.Step{Window: window, Terms: []string{"a\nb"}}},
		{"term too long", plan.Step{Window: window, Terms: []string{strings.Repeat("a", 201)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Collect(context.Background(), tt.step)
			assert.Equal(t, evidence.StatusFailed, res.Status)
			assert.Equal(t, collect.CodeInvalidRequest, res.Err.Code)
		})
	}

	assert.Empty(t, rec.Snapshot(), "invalid requests must not reach ssh")
}

func TestCollect_NoHosts(t *testing.T) {
	c, _ := newCollector(t, nil, nil)
	res := c.Collect(context.Background(), step("x"))
	assert.Equal(t, collect.CodeUnavailable, res.Err.Code)
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		line string
		want time.Time
		ok   bool
	}{
		{"2024-06-11T08:00:00Z ERROR", time.Date(2024, 6, 11, 8, 0, 0, 0, time.UTC), true},
		{"[2024-06-11 08:00:00] INFO", time.Date(2024, 6, 11, 8, 0, 0, 0, time.UTC), true},
		{"2024-06-11T10:00:00+02:00 x", time.Date(2024, 6, 11, 8, 0, 0, 0, time.UTC), true},
		{"2024-06-11 08:00:00,500 x", time.Date(2024, 6, 11, 8, 0, 0, 500_000_000, time.UTC), true},
		{"no time here", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.line)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.True(t, tt.want.Equal(got), "got %s", got)
			}
		})
	}
}

func TestPayloadJSON(t *testing.T) {
	c, _ := newCollector(t, []string{"app-1"}, func(context.Context, executil.RecordedCommand) ([]byte, error) {
		return []byte(sampleOutput), nil
	})
	res := c.Collect(context.Background(), step("E1042"))

	data, err := json.Marshal(res.Payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"host":"app-1"`)
}
