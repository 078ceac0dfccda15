package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colonyops/triage/internal/core/evidence"
	"github.com/colonyops/triage/internal/core/plan"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStep(plan.KindLogSearch, evidence.StatusOK, "", 1, 2*time.Second)
	m.ObserveStep(plan.KindLogSearch, evidence.StatusFailed, "timeout", 1, time.Minute)
	m.ObserveStep(plan.KindLogSearch, evidence.StatusOK, "", 2, time.Second)
	m.Transition("planned")
	m.RunFinished("reported", 30*time.Second)
	m.Decision("auto_fix", "human_guidance", 0.5)
	m.Update("posted")
	m.ModelCall("classifier", errors.New("boom"), time.Second)

	assert.InDelta(t, 2, testutil.ToFloat64(m.stepsTotal.WithLabelValues("log_search", "ok", "")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.stepsTotal.WithLabelValues("log_search", "failed", "timeout")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runsTotal.WithLabelValues("reported")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.decisions.WithLabelValues("auto_fix", "human_guidance")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.postsTotal.WithLabelValues("posted")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.modelDuration))
}

func TestMetrics_ReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	second := New(reg)
	assert.Same(t, first.stepsTotal, second.stepsTotal)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStep(plan.KindCodeSearch, evidence.StatusSkipped, "budget_exhausted", 0, 0)
		m.Transition("fetched")
		m.RunFinished("failed", time.Second)
		m.Decision("auto_fix", "auto_fix", 1)
		m.Update("skipped")
		m.ModelCall("planner", nil, time.Second)
	})
}

func TestServer_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Update("posted")

	srv := NewServer("127.0.0.1:0", reg, true)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `triage_pipeline_ticket_updates_total{result="posted"} 1`)
}
