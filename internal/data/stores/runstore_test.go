package stores

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colonyops/triage/internal/core/outcome"
	"github.com/colonyops/triage/internal/core/run"
	"github.com/colonyops/triage/internal/core/ticket"
	"github.com/colonyops/triage/internal/data/db"
	"github.com/colonyops/triage/internal/resolve"
)

func openStore(t *testing.T) *RunStore {
	t.Helper()
	database, err := db.Open(t.TempDir(), db.DefaultOpenOptions())
	require.NoError(t, err, "Open")
	t.Cleanup(func() { _ = database.Close() })
	return NewRunStore(database)
}

func TestRunStore(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("save and get", func(t *testing.T) {
		store := openStore(t)

		rec := run.Record{
			TicketID:  "SUP-1",
			RunID:     "r1",
			State:     run.StatePlanned,
			Warnings:  []string{"step 0 kind: unknown kind \"shell\""},
			CreatedAt: created,
			UpdatedAt: created,
		}
		require.NoError(t, store.Save(ctx, rec))

		got, err := store.Get(ctx, "SUP-1", "r1")
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("get not found", func(t *testing.T) {
		store := openStore(t)

		_, err := store.Get(ctx, "SUP-1", "missing")
		assert.ErrorIs(t, err, run.ErrNotFound)

		_, err = store.Outcome(ctx, "SUP-1", "missing")
		assert.ErrorIs(t, err, run.ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		store := openStore(t)

		require.NoError(t, store.Save(ctx, run.Record{TicketID: "SUP-1", RunID: "b", State: run.StateFailed, CreatedAt: created.Add(time.Minute)}))
		require.NoError(t, store.Save(ctx, run.Record{TicketID: "SUP-1", RunID: "a", State: run.StateReported, CreatedAt: created}))
		require.NoError(t, store.Save(ctx, run.Record{TicketID: "SUP-2", RunID: "c", State: run.StateFetched, CreatedAt: created}))

		runs, err := store.List(ctx, "SUP-1")
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "a", runs[0].RunID)
		assert.Equal(t, "b", runs[1].RunID)
	})

	t.Run("list recent", func(t *testing.T) {
		store := openStore(t)

		for i, id := range []string{"a", "b", "c"} {
			at := created.Add(time.Duration(i) * time.Minute)
			require.NoError(t, store.Save(ctx, run.Record{TicketID: "SUP-" + id, RunID: id, State: run.StateFetched, CreatedAt: at, UpdatedAt: at}))
		}

		runs, err := store.ListRecent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "c", runs[0].RunID)
		assert.Equal(t, "b", runs[1].RunID)

		runs, err = store.ListRecent(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("stats", func(t *testing.T) {
		store := openStore(t)

		st, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, run.Stats{}, st)

		save := func(ticketID, runID string, state run.State, took time.Duration) {
			require.NoError(t, store.Save(ctx, run.Record{
				TicketID: ticketID, RunID: runID, State: state,
				CreatedAt: created, UpdatedAt: created.Add(took),
			}))
		}
		save("SUP-1", "a", run.StateReported, 2*time.Second)
		save("SUP-1", "b", run.StateFailed, 4*time.Second)
		save("SUP-2", "c", run.StatePlanned, time.Hour)

		fixed := outcome.Outcome{TicketID: "SUP-3", RunID: "d", Strategy: outcome.StrategyAutoFix, FixRef: "https://github.com/acme/payments/pull/812"}
		require.NoError(t, store.Resolve(ctx, run.Record{TicketID: "SUP-3", RunID: "d", State: run.StateResolved, CreatedAt: created, UpdatedAt: created}, fixed))
		noFix := outcome.Outcome{TicketID: "SUP-2", RunID: "e", Strategy: outcome.StrategyCustomerResponse}
		require.NoError(t, store.Resolve(ctx, run.Record{TicketID: "SUP-2", RunID: "e", State: run.StateResolved, CreatedAt: created, UpdatedAt: created}, noFix))

		st, err = store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, st.Total)
		assert.Equal(t, 1, st.Reported)
		assert.Equal(t, 1, st.Failed)
		assert.Equal(t, 3, st.InProgress)
		assert.Equal(t, 3*time.Second, st.AvgDuration, "only terminal runs count")
		assert.Equal(t, 3, st.UniqueTickets)
		assert.Equal(t, 1, st.TicketsWithFix)
	})

	t.Run("resolve stores outcome once", func(t *testing.T) {
		store := openStore(t)

		o := outcome.Outcome{
			TicketID:   "SUP-1",
			RunID:      "r1",
			Strategy:   outcome.StrategyHumanGuidance,
			Hint:       outcome.StrategyAutoFix,
			Confidence: 0.5,
			Findings:   "## Summary",
			Evidence:   []outcome.StepSummary{{StepID: "s1", Kind: "log_search", Status: "ok"}},
			Update:     ticket.Update{Marker: "triage-run:r1", Comment: "x", Labels: []string{"automated-analysis"}},
			CreatedAt:  created,
		}
		rec := run.Record{TicketID: "SUP-1", RunID: "r1", State: run.StateResolved, CreatedAt: created, UpdatedAt: created}

		require.NoError(t, store.Resolve(ctx, rec, o))

		got, err := store.Outcome(ctx, "SUP-1", "r1")
		require.NoError(t, err)
		assert.Equal(t, o, got)

		saved, err := store.Get(ctx, "SUP-1", "r1")
		require.NoError(t, err)
		assert.Equal(t, run.StateResolved, saved.State)

		err = store.Resolve(ctx, rec, o)
		require.ErrorIs(t, err, run.ErrOutcomeExists)
	})

	t.Run("failed resolve leaves no state", func(t *testing.T) {
		store := openStore(t)

		rec := run.Record{TicketID: "SUP-1", RunID: "r1", State: run.StateInvestigated, CreatedAt: created}
		require.NoError(t, store.Save(ctx, rec))

		o := outcome.Outcome{TicketID: "SUP-1", RunID: "r1", Strategy: outcome.StrategyCustomerResponse}
		require.NoError(t, store.Resolve(ctx, run.Record{TicketID: "SUP-1", RunID: "r1", State: run.StateResolved}, o))

		// A duplicate must roll back the state change that came with it.
		err := store.Resolve(ctx, run.Record{TicketID: "SUP-1", RunID: "r1", State: run.StateFailed}, o)
		require.ErrorIs(t, err, run.ErrOutcomeExists)

		got, err := store.Get(ctx, "SUP-1", "r1")
		require.NoError(t, err)
		assert.Equal(t, run.StateResolved, got.State)
	})

	t.Run("markers", func(t *testing.T) {
		store := openStore(t)

		_, ok, err := store.Marker(ctx, "SUP-1", "r1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.MarkReporting(ctx, "SUP-1", "r1", "triage-run:r1"))
		require.NoError(t, store.MarkReporting(ctx, "SUP-1", "r1", "triage-run:r1"))

		marker, ok, err := store.Marker(ctx, "SUP-1", "r1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "triage-run:r1", marker)
	})

	t.Run("fix proposals", func(t *testing.T) {
		store := openStore(t)

		prior, claimed, err := store.ClaimProposal(ctx, "SUP-1", "r1")
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Nil(t, prior)

		// claimed but never finished
		prior, claimed, err = store.ClaimProposal(ctx, "SUP-1", "r1")
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.Nil(t, prior)

		fix := resolve.Fix{Ref: "https://github.com/acme/app/pull/42", Analysis: "Unmapped gateway code."}
		require.NoError(t, store.SaveProposal(ctx, "SUP-1", "r1", fix))

		prior, claimed, err = store.ClaimProposal(ctx, "SUP-1", "r1")
		require.NoError(t, err)
		assert.False(t, claimed)
		require.NotNil(t, prior)
		assert.Equal(t, fix, *prior)

		// other runs of the same ticket are independent
		_, claimed, err = store.ClaimProposal(ctx, "SUP-1", "r2")
		require.NoError(t, err)
		assert.True(t, claimed)
	})
}
