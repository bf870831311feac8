package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/taskforge/engine/internal/sandbox"
	"github.com/taskforge/engine/pkg/models"
)

// PhaseArgvBuilder turns a phase and prompt into the argv of the CLI agent
// process to spawn. Each cli_pty adapter is parameterized by one, since
// different agent binaries expect different flag conventions (the teacher's
// own Claude Code CLI takes "--print --output-format stream-json -p <prompt>";
// other agent CLIs will differ).
type PhaseArgvBuilder func(phase models.Phase, prompt string) []string

// CLIPTYAdapter drives an agent binary through sandbox.Runner: one subprocess
// per Propose/Refine call, its stdout/stderr captured into the OverlayBroker,
// and its argv built from PhaseArgvBuilder.
//
// Named cli_pty for the execution model it implements (spec.md §4.5); the
// underlying capture is pipe-based rather than a real pseudo-terminal, the
// same documented deviation internal/sandbox carries.
type CLIPTYAdapter struct {
	id           string
	caps         []models.Capability
	runner       *sandbox.Runner
	buildArgv    PhaseArgvBuilder
	cost         models.CostModel
	phaseTimeout time.Duration
}

// NewCLIPTYAdapter constructs a CLIPTYAdapter. phaseTimeout bounds how long
// Propose/Refine wait for the subprocess before treating it as a transient
// failure; zero means wait for sandbox.Runner's own tier-based wall-time cap.
func NewCLIPTYAdapter(id string, caps []models.Capability, runner *sandbox.Runner, buildArgv PhaseArgvBuilder, cost models.CostModel, phaseTimeout time.Duration) *CLIPTYAdapter {
	return &CLIPTYAdapter{id: id, caps: caps, runner: runner, buildArgv: buildArgv, cost: cost, phaseTimeout: phaseTimeout}
}

// Capabilities reports the adapter's declared capability set.
func (a *CLIPTYAdapter) Capabilities() []models.Capability { return a.caps }

// EstimateCost approximates cost from the adapter's flat rate table; a
// cli_pty backend has no token accounting of its own, so the estimate scales
// only with prompt length via contextDigest's length as a rough proxy.
func (a *CLIPTYAdapter) EstimateCost(ctx context.Context, phase models.Phase, contextDigest string) (models.CostEstimate, error) {
	units := float64(len(contextDigest))
	return models.CostEstimate{
		CostUSD:  units * a.cost.RatePerInputUnit,
		WallTime: int64(a.phaseTimeout),
	}, nil
}

// Propose runs phase for the first time, treating priorFeedback (if any) as
// additional prompt context.
func (a *CLIPTYAdapter) Propose(ctx context.Context, phase models.Phase, taskCtx TaskContext, priorFeedback string) (models.PhaseOutcome, error) {
	prompt := taskCtx.Goal
	if priorFeedback != "" {
		prompt = fmt.Sprintf("%s\n\nPrior feedback:\n%s", prompt, priorFeedback)
	}
	return a.run(ctx, phase, taskCtx, prompt)
}

// Refine re-runs phase, folding feedback from a prior NEEDS_REFINE outcome
// into the prompt.
func (a *CLIPTYAdapter) Refine(ctx context.Context, phase models.Phase, taskCtx TaskContext, feedback string) (models.PhaseOutcome, error) {
	prompt := fmt.Sprintf("%s\n\nRefine based on feedback:\n%s", taskCtx.Goal, feedback)
	return a.run(ctx, phase, taskCtx, prompt)
}

func (a *CLIPTYAdapter) run(ctx context.Context, phase models.Phase, taskCtx TaskContext, prompt string) (models.PhaseOutcome, error) {
	argv := a.buildArgv(phase, prompt)

	sandboxCtx := sandbox.TaskContext{
		TaskID:       taskCtx.TaskID,
		WorkspaceDir: taskCtx.WorkspaceDir,
		Profile:      taskCtx.Profile,
		Tier:         taskCtx.Tier,
	}

	handle, err := a.runner.Run(ctx, sandboxCtx, argv, nil, "")
	if err != nil {
		return models.PhaseOutcome{}, fmt.Errorf("spawn cli_pty agent: %w", err)
	}

	outcome, err := handle.Wait(a.phaseTimeout)
	if err != nil {
		handle.Cancel(5 * time.Second)
		return models.PhaseOutcome{Classification: models.ClassificationFailedTransient}, nil
	}

	switch outcome.ExitReason {
	case sandbox.ExitPolicyBlocked:
		return models.PhaseOutcome{Classification: models.ClassificationFailedPermanent}, nil
	case sandbox.ExitNormal:
		return models.PhaseOutcome{Classification: models.ClassificationOK}, nil
	case sandbox.ExitTimeout, sandbox.ExitCrashed:
		return models.PhaseOutcome{Classification: models.ClassificationFailedTransient}, nil
	case sandbox.ExitCancelled:
		return models.PhaseOutcome{Classification: models.ClassificationFailedPermanent}, nil
	default:
		return models.PhaseOutcome{Classification: models.ClassificationFailedTransient}, nil
	}
}
