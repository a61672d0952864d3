// Package strategy produces candidate plans for resolving drift. The
// generator is a capability interface: the deterministic rule ladder is
// one implementation, an LLM-backed planner is a drop-in replacement.
// The CGA loop depends only on the interface.
package strategy

import (
	"context"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// WorldView is the read surface generators may consult.
type WorldView interface {
	Get(id string) (contracts.Entity, error)
}

// Request carries the full context of one generation attempt. The
// accumulated rejections are the only feedback channel from earlier
// attempts; attempt N must differ materially from rejected attempts < N.
type Request struct {
	Intent                contracts.Intent
	World                 WorldView
	Drift                 contracts.DriftEvent
	AccumulatedRejections []contracts.RejectionFeedback
	PriorProposals        []contracts.StrategyProposal
	AttemptNumber         int
}

// Generator is the pluggable producer of the next proposal.
type Generator interface {
	Generate(ctx context.Context, req Request) (contracts.StrategyProposal, error)
}
