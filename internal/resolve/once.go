package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrProposalInterrupted is returned when an earlier attempt of the same run
// started a proposal but never recorded what the engine returned.
var ErrProposalInterrupted = errors.New("earlier fix proposal for this run did not finish")

// Ledger durably records fix proposals per ticket run.
type Ledger interface {
	// ClaimProposal records that a proposal is about to start. When the run
	// already has one it returns claimed=false and the stored fix, which is
	// nil if the earlier attempt never finished.
	ClaimProposal(ctx context.Context, ticketID, runID string) (prior *Fix, claimed bool, err error)
	// SaveProposal stores the fix of a claimed proposal.
	SaveProposal(ctx context.Context, ticketID, runID string, fix Fix) error
}

// Once wraps engine so that each ticket run asks it at most once, even when
// the run is restarted after a crash.
func Once(engine Engine, ledger Ledger, log zerolog.Logger) Engine {
	return &onceEngine{engine: engine, ledger: ledger, log: log}
}

type onceEngine struct {
	engine Engine
	ledger Ledger
	log    zerolog.Logger
}

func (e *onceEngine) ProposeFix(ctx context.Context, req Request) (Fix, error) {
	prior, claimed, err := e.ledger.ClaimProposal(ctx, req.Ticket.ID, req.RunID)
	if err != nil {
		return Fix{}, fmt.Errorf("claim fix proposal: %w", err)
	}
	if !claimed {
		if prior == nil {
			return Fix{}, ErrProposalInterrupted
		}
		e.log.Info().Ctx(ctx).Str("ref", prior.Ref).Msg("reusing recorded fix proposal")
		return *prior, nil
	}

	fix, err := e.engine.ProposeFix(ctx, req)
	if err != nil {
		return fix, err
	}
	if err := e.ledger.SaveProposal(ctx, req.Ticket.ID, req.RunID, fix); err != nil {
		// the outcome still carries the fix; a restart only loses the reuse
		e.log.Warn().Ctx(ctx).Err(err).Msg("failed to record fix proposal")
	}
	return fix, nil
}
