package fsm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskforge/engine/internal/adapter"
	"github.com/taskforge/engine/internal/audit"
	"github.com/taskforge/engine/internal/commit"
	"github.com/taskforge/engine/internal/policy"
	"github.com/taskforge/engine/pkg/models"
)

// DefaultPlanMaxAttempts bounds PLANNING's NEEDS_REFINE self-loop (spec.md
// §4.6 transition table).
const DefaultPlanMaxAttempts = 2

// DefaultAdapterTransientMaxAttempts is how many FAILED_TRANSIENT outcomes a
// phase tolerates before escalating to FAILED_PERMANENT (spec.md §4.5's
// "first two occurrences ... thereafter FAILED_PERMANENT").
const DefaultAdapterTransientMaxAttempts = 2

// AcceptanceRunner evaluates a task's acceptance criteria against its
// current workspace state. Implementations (internal/acceptance) invoke
// SandboxRunner under the hood; the FSM only sees pass/fail and a summary.
type AcceptanceRunner interface {
	Run(ctx context.Context, criteria []models.AcceptanceCriterion, taskCtx adapter.TaskContext) (passed bool, summary string, err error)
}

// RoutingTable resolves which registered adapter services each phase for a
// task, fixed at submission per the static-routing Open Question decision
// (DESIGN.md): the FSM never re-resolves an adapter mid-task.
type RoutingTable map[models.Phase]string

// Machine drives one Task through its lifecycle. A Machine is not reused
// across tasks and is not safe for concurrent Drive calls.
type Machine struct {
	task       *models.Task
	taskCtx    adapter.TaskContext
	store      *audit.Store
	guard      *policy.Guard
	registry   *adapter.Registry
	acceptance AcceptanceRunner
	routing    RoutingTable

	patchApplier commit.PatchApplier
	lastPatchSet *models.PatchSet

	planMaxAttempts     int
	transientMaxRetries int
	retryBase           time.Duration
	retryCap            time.Duration
	cancelGrace         time.Duration

	cancelCh chan struct{}
}

// Option customizes a Machine's retry/backoff tuning away from defaults.
type Option func(*Machine)

// WithPlanMaxAttempts overrides DefaultPlanMaxAttempts.
func WithPlanMaxAttempts(n int) Option { return func(m *Machine) { m.planMaxAttempts = n } }

// WithBackoff overrides the default retry base/cap delays.
func WithBackoff(base, cap time.Duration) Option {
	return func(m *Machine) { m.retryBase = base; m.retryCap = cap }
}

// WithPatchApplier installs the PatchApplier used to apply a CODING phase's
// PatchSet to the workspace and, once COMMIT_PENDING clears, commit it.
// Without one, the FSM trusts the routed adapter's own classification and
// never touches the workspace directly (used by tests whose adapters never
// populate PatchSet).
func WithPatchApplier(a commit.PatchApplier) Option {
	return func(m *Machine) { m.patchApplier = a }
}

// NewMachine constructs a Machine for task, bound to taskCtx's workspace and
// policy profile, driven by the adapters resolved through routing.
func NewMachine(task *models.Task, taskCtx adapter.TaskContext, store *audit.Store, guard *policy.Guard, registry *adapter.Registry, routing RoutingTable, acceptance AcceptanceRunner, opts ...Option) *Machine {
	m := &Machine{
		task:                task,
		taskCtx:             taskCtx,
		store:               store,
		guard:               guard,
		registry:            registry,
		acceptance:          acceptance,
		routing:             routing,
		planMaxAttempts:     DefaultPlanMaxAttempts,
		transientMaxRetries: DefaultAdapterTransientMaxAttempts,
		retryBase:           DefaultRetryBaseDelay,
		retryCap:            DefaultRetryMaxDelay,
		cancelGrace:         2 * time.Second,
		cancelCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cancel requests cooperative cancellation. Idempotent (spec.md §7).
func (m *Machine) Cancel() {
	select {
	case <-m.cancelCh:
	default:
		close(m.cancelCh)
	}
}

func (m *Machine) cancelled() bool {
	select {
	case <-m.cancelCh:
		return true
	default:
		return false
	}
}

// Drive runs task from PENDING to a terminal State, returning the
// corresponding models.TaskStatus. Every transition is audited write-ahead:
// the AuditEntry for entering a state is durably appended before any side
// effect belonging to that state begins (spec.md §4.1, §4.6).
func (m *Machine) Drive(ctx context.Context) (models.TaskStatus, error) {
	state := StatePending
	if err := m.transition(state, StatePlanning, "scheduler admits", nil); err != nil {
		return "", err
	}
	state = StatePlanning
	m.task.Status = models.TaskStatusRunning

	planAttempt := 0
	var priorFeedback string
	transientStreak := map[models.Phase]int{}

	for {
		if m.cancelled() {
			return m.terminate(state, StateCancelled, "explicit cancel", nil)
		}
		select {
		case <-ctx.Done():
			return m.terminate(state, StateCancelled, "context cancelled", map[string]any{"error": ctx.Err().Error()})
		default:
		}

		switch state {
		case StatePlanning:
			planAttempt++
			next, feedback, failTerm, _, err := m.driveAdapterPhase(ctx, models.PhasePlan, planAttempt, priorFeedback, transientStreak, m.planMaxAttempts)
			if err != nil {
				return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
			}
			if failTerm != "" {
				return m.terminate(state, StateFailed, failTerm, nil)
			}
			if next {
				priorFeedback = ""
				if err := m.transition(state, StateCoding, "adapter OK", nil); err != nil {
					return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
				}
				state = StateCoding
			} else {
				priorFeedback = feedback
			}

		case StateCoding:
			attempt := m.task.Spent.Iterations + 1
			next, feedback, failTerm, outcome, err := m.driveAdapterPhase(ctx, models.PhaseCode, attempt, priorFeedback, transientStreak, 0)
			if err != nil {
				return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
			}
			if failTerm != "" {
				return m.terminate(state, StateFailed, failTerm, nil)
			}
			// A CODING entry that cleared the budget check counts as one
			// consumed iteration regardless of its outcome (spec.md §4.6:
			// "the CODING⇄TESTING loop counts as one iteration per CODING
			// entry").
			m.task.Spent.Iterations = attempt
			if next {
				applied, conflictFeedback, applyFailTerm, err := m.applyCodeOutcome(ctx, outcome)
				if err != nil {
					return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
				}
				if applyFailTerm != "" {
					return m.terminate(state, StateFailed, applyFailTerm, nil)
				}
				if applied {
					priorFeedback = ""
					if err := m.transition(state, StateTesting, "patch applied", nil); err != nil {
						return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
					}
					state = StateTesting
				} else {
					if m.task.Spent.ExceedsAny(m.task.Budgets) {
						return m.terminate(state, StateFailed, "iteration_budget_exhausted", nil)
					}
					priorFeedback = conflictFeedback
				}
			} else {
				if m.task.Spent.ExceedsAny(m.task.Budgets) {
					return m.terminate(state, StateFailed, "iteration_budget_exhausted", nil)
				}
				priorFeedback = feedback
			}

		case StateTesting:
			passed, summary, err := m.acceptance.Run(ctx, m.task.AcceptanceCriteria, m.taskCtx)
			if err != nil {
				return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
			}
			if passed {
				if err := m.transition(state, StateReviewing, "acceptance predicates pass", nil); err != nil {
					return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
				}
				state = StateReviewing
			} else {
				if m.task.Spent.Iterations >= m.task.Budgets.MaxIterations {
					return m.terminate(state, StateFailed, "acceptance_exhausted", map[string]any{"summary": summary})
				}
				priorFeedback = summary
				if err := m.transition(state, StateCoding, "acceptance predicate failed", map[string]any{"summary": summary}); err != nil {
					return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
				}
				state = StateCoding
			}

		case StateReviewing:
			next, feedback, failTerm, _, err := m.driveAdapterPhase(ctx, models.PhaseReview, 1, priorFeedback, transientStreak, 0)
			if err != nil {
				return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
			}
			if failTerm != "" {
				return m.terminate(state, StateFailed, failTerm, nil)
			}
			if next {
				priorFeedback = ""
				if err := m.transition(state, StateCommitPending, "review OK", nil); err != nil {
					return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
				}
				state = StateCommitPending
			} else {
				if m.task.Spent.ExceedsAny(m.task.Budgets) {
					return m.terminate(state, StateFailed, "iteration_budget_exhausted", nil)
				}
				priorFeedback = feedback
				if err := m.transition(state, StateCoding, "review rejects", nil); err != nil {
					return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
				}
				state = StateCoding
			}

		case StateCommitPending:
			next, _, failTerm, outcome, err := m.driveAdapterPhase(ctx, models.PhaseCommit, 1, "", transientStreak, 0)
			if err != nil {
				return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
			}
			if failTerm != "" {
				return m.terminate(state, StateFailed, failTerm, nil)
			}
			if !next {
				return m.terminate(state, StateFailed, "commit_failed", nil)
			}
			if m.patchApplier != nil && m.lastPatchSet != nil {
				if err := m.patchApplier.Commit(ctx, m.taskCtx.WorkspaceDir, outcome.CommitMessage); err != nil {
					return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
				}
			}
			if m.task.Deploy {
				if err := m.transition(state, StateDeploying, "task.deploy", nil); err != nil {
					return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
				}
				state = StateDeploying
			} else {
				return m.terminate(state, StateSucceeded, "commit adapter OK", nil)
			}

		case StateDeploying:
			next, _, failTerm, _, err := m.driveAdapterPhase(ctx, models.PhaseDeploy, 1, "", transientStreak, 0)
			if err != nil {
				return m.terminate(state, StateFailed, "internal", map[string]any{"error": err.Error()})
			}
			if failTerm != "" {
				return m.terminate(state, StateFailed, failTerm, nil)
			}
			if !next {
				return m.terminate(state, StateFailed, "deploy_failed", nil)
			}
			return m.terminate(state, StateSucceeded, "deploy adapter OK", nil)

		default:
			return m.terminate(state, StateFailed, "internal", map[string]any{"error": "unreachable state " + string(state)})
		}
	}
}

// driveAdapterPhase resolves phase's routed adapter, checks its cost
// estimate against the budget, and invokes Propose (first attempt) or
// Refine (subsequent attempts). It returns (advance, feedback, failReason,
// outcome, err): advance is true on ClassificationOK; feedback carries
// forward text for the next Propose/Refine call on NEEDS_REFINE; failReason
// is non-empty once the phase must terminate the task as FAILED; outcome is
// the raw PhaseOutcome, for callers (CODING, COMMIT_PENDING) that need more
// than the summary text.
func (m *Machine) driveAdapterPhase(ctx context.Context, phase models.Phase, attempt int, priorFeedback string, transientStreak map[models.Phase]int, maxAttempts int) (advance bool, feedback string, failReason string, outcome models.PhaseOutcome, err error) {
	adapterID, ok := m.routing[phase]
	if !ok {
		return false, "", "", models.PhaseOutcome{}, fmt.Errorf("no adapter routed for phase %s", phase)
	}
	impl, _, ok := m.registry.Get(adapterID)
	if !ok {
		return false, "", "", models.PhaseOutcome{}, fmt.Errorf("adapter %q not registered", adapterID)
	}

	estimate, err := impl.EstimateCost(ctx, phase, priorFeedback)
	if err != nil {
		return false, "", "", models.PhaseOutcome{}, fmt.Errorf("estimate cost for phase %s: %w", phase, err)
	}

	decision, err := m.guard.CheckBudget(m.task, phase, estimate.CostUSD, time.Duration(estimate.WallTime))
	if err != nil {
		return false, "", "", models.PhaseOutcome{}, fmt.Errorf("check budget for phase %s: %w", phase, err)
	}
	if !decision.Allowed() {
		return false, "", "budget_exceeded", models.PhaseOutcome{}, nil
	}

	var out models.PhaseOutcome
	if attempt <= 1 {
		out, err = impl.Propose(ctx, phase, m.taskCtx, priorFeedback)
	} else {
		out, err = impl.Refine(ctx, phase, m.taskCtx, priorFeedback)
	}
	if err != nil {
		out.Classification = models.ClassificationFailedTransient
	}

	m.recordPhaseRun(phase, attempt, adapterID, out)

	switch out.Classification {
	case models.ClassificationOK:
		transientStreak[phase] = 0
		return true, "", "", out, nil
	case models.ClassificationNeedsRefine:
		transientStreak[phase] = 0
		if maxAttempts > 0 && attempt >= maxAttempts {
			return false, "", "plan_max_attempts_exhausted", out, nil
		}
		return false, feedbackText(out), "", out, nil
	case models.ClassificationFailedTransient:
		transientStreak[phase]++
		if transientStreak[phase] > m.transientMaxRetries {
			return false, "", "adapter_permanent", out, nil
		}
		time.Sleep(retryDelay(m.task.ID, string(phase), transientStreak[phase], m.retryBase, m.retryCap))
		return false, priorFeedback, "", out, nil
	case models.ClassificationFailedPermanent:
		return false, "", "adapter_permanent", out, nil
	default:
		return false, "", "adapter_permanent", out, nil
	}
}

// applyCodeOutcome applies a successful CODING outcome's PatchSet to the
// workspace, enforcing write-scope containment (spec.md P6) and detecting
// PATCH_CONFLICT (spec.md §7: the patch's precondition sha no longer
// matches the workspace head). With no PatchApplier installed, or no
// PatchSet produced (e.g. a scripted test adapter), it is a pass-through:
// CODING always advances.
//
// applied is false with a non-empty feedback string when the next CODING
// attempt should retry against a refreshed head; failReason is non-empty
// only for a write-scope violation, which fails the task outright rather
// than looping.
func (m *Machine) applyCodeOutcome(ctx context.Context, outcome models.PhaseOutcome) (applied bool, feedback string, failReason string, err error) {
	if m.patchApplier == nil || outcome.PatchSet == nil {
		m.lastPatchSet = outcome.PatchSet
		return true, "", "", nil
	}

	patch := *outcome.PatchSet
	if touched := patch.TouchedPaths(); len(touched) > 0 {
		decision, err := m.guard.CheckWrite(m.task.ID, m.taskCtx.Profile, touched)
		if err != nil {
			return false, "", "", fmt.Errorf("check write scope: %w", err)
		}
		if !decision.Allowed() {
			return false, "", "write_scope_violation", nil
		}
	}

	_, conflict, err := m.patchApplier.Apply(ctx, m.taskCtx.WorkspaceDir, patch)
	if err != nil {
		return false, "", "", fmt.Errorf("apply patch: %w", err)
	}
	if conflict {
		return false, "patch_conflict: workspace head moved since the patch's precondition sha, refresh and retry", "", nil
	}

	m.lastPatchSet = &patch
	return true, "", "", nil
}

// feedbackText extracts whichever artifact field is populated on outcome, to
// forward as the next Refine call's feedback.
func feedbackText(outcome models.PhaseOutcome) string {
	switch {
	case outcome.Plan != "":
		return outcome.Plan
	case outcome.ReviewReport != "":
		return outcome.ReviewReport
	case outcome.TestReport != "":
		return outcome.TestReport
	default:
		return ""
	}
}

func (m *Machine) recordPhaseRun(phase models.Phase, attempt int, adapterID string, outcome models.PhaseOutcome) {
	now := time.Now().UTC()
	run := models.PhaseRun{
		TaskID:    m.task.ID,
		Phase:     phase,
		Attempt:   attempt,
		AdapterID: adapterID,
		StartedAt: now,
		EndedAt:   &now,
		Outcome:   outcomeKindFor(outcome.Classification),
		TokensIn:  outcome.TokensIn,
		TokensOut: outcome.TokensOut,
		CostUSD:   outcome.CostActual,
	}
	m.task.Spent.CostUSD += outcome.CostActual

	payload := map[string]any{}
	if b, err := json.Marshal(run); err == nil {
		_ = json.Unmarshal(b, &payload)
	}

	_, _ = m.store.Append(models.AuditEntry{
		TaskID:  m.task.ID,
		Kind:    models.AuditPhaseRunRecorded,
		Payload: payload,
	})
}

func outcomeKindFor(c models.PhaseOutcomeClassification) models.PhaseOutcomeKind {
	switch c {
	case models.ClassificationOK:
		return models.OutcomeOK
	case models.ClassificationNeedsRefine:
		return models.OutcomeRetryable
	case models.ClassificationFailedTransient:
		return models.OutcomeRetryable
	case models.ClassificationFailedPermanent:
		return models.OutcomeFatal
	default:
		return models.OutcomeFatal
	}
}

// transition appends the write-ahead AuditEntry for from→to, then updates
// Machine's view of state. No side effect belonging to `to` may begin before
// this call returns successfully (spec.md §4.1, §4.6).
func (m *Machine) transition(from, to State, reason string, detail map[string]any) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	payload := map[string]any{"reason": reason}
	for k, v := range detail {
		payload[k] = v
	}
	_, err := m.store.Append(models.AuditEntry{
		TaskID:     m.task.ID,
		Kind:       models.AuditStateTransition,
		PriorState: models.TaskStatus(from),
		NextState:  models.TaskStatus(to),
		Payload:    payload,
	})
	return err
}

// terminate transitions into a terminal state and returns the corresponding
// Task status.
func (m *Machine) terminate(from, to State, reason string, detail map[string]any) (models.TaskStatus, error) {
	if err := m.transition(from, to, reason, detail); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	m.task.TerminalAt = &now

	switch to {
	case StateSucceeded:
		m.task.Status = models.TaskStatusSucceeded
	case StateCancelled:
		m.task.Status = models.TaskStatusCancelled
	default:
		m.task.Status = models.TaskStatusFailed
	}
	return m.task.Status, nil
}
