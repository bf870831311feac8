// Package adapter defines the AgentAdapter boundary the state machine drives
// phases through, and an immutable registry of adapters keyed by descriptor
// id (spec.md §4.5).
package adapter

import (
	"context"

	"github.com/taskforge/engine/pkg/models"
)

// TaskContext is the read-only bundle an adapter needs to run one phase: the
// task's goal, workspace, and the policy profile it is bound to.
type TaskContext struct {
	TaskID       string
	Goal         string
	WorkspaceDir string
	Profile      models.PolicyProfile
	Tier         models.SandboxTier
}

// Adapter is the boundary between the state machine and a concrete agent
// backend. Implementations never mutate shared state directly; every result
// crosses back as a models.PhaseOutcome for the FSM to record.
type Adapter interface {
	// Capabilities reports the set of phases/operations this adapter can
	// service. The registry consults this at lookup time, not the caller.
	Capabilities() []models.Capability

	// EstimateCost is a pure, side-effect-free projection consumed by
	// PolicyGuard's budget check before Propose is ever invoked.
	EstimateCost(ctx context.Context, phase models.Phase, contextDigest string) (models.CostEstimate, error)

	// Propose runs phase for the first time in the current attempt.
	Propose(ctx context.Context, phase models.Phase, taskCtx TaskContext, priorFeedback string) (models.PhaseOutcome, error)

	// Refine re-runs phase incorporating feedback from a prior NEEDS_REFINE
	// or FAILED_TRANSIENT outcome.
	Refine(ctx context.Context, phase models.Phase, taskCtx TaskContext, feedback string) (models.PhaseOutcome, error)
}
