// Package acceptance implements the tool-plugin registry of acceptance
// predicates referenced by a Task's AcceptanceCriteria (spec.md §6: "named
// references resolved against a registry of predicates: given a workspace
// path and the applied PatchSet, each predicate returns {passed, summary,
// artifacts?}"). By the time TESTING invokes the registry the CODING phase's
// PatchSet has already been applied to the workspace, so a predicate
// inspects the workspace directly rather than the patch text itself.
//
// Generalized from the teacher's internal/validation.Validator (a fixed
// 4-layer pipeline keyed by struct fields) into an open, named registry:
// spec.md's predicates are opaque tool plugins identified by name, not a
// fixed layer count.
package acceptance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/taskforge/engine/internal/adapter"
	"github.com/taskforge/engine/internal/sandbox"
	"github.com/taskforge/engine/pkg/models"
)

// Predicate is one named acceptance check. Implementations must be
// side-effect-free beyond what Check's command itself does to the
// workspace (spec.md's opaque tool plugins: build/lint/test runners are out
// of scope for the core to understand, only to invoke).
type Predicate interface {
	// Name is the identifier AcceptanceCriterion.Name resolves against.
	Name() string
	// Check runs the predicate against the workspace described by taskCtx.
	Check(ctx context.Context, taskCtx adapter.TaskContext) (passed bool, summary string, err error)
}

// Registry resolves AcceptanceCriterion names to Predicates and aggregates
// their results for the TaskStateMachine's TESTING state. Registry itself
// implements fsm.AcceptanceRunner.
type Registry struct {
	predicates map[string]Predicate
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{predicates: make(map[string]Predicate)}
}

// Register adds p under p.Name(), overwriting any predicate previously
// registered under that name.
func (r *Registry) Register(p Predicate) {
	r.predicates[p.Name()] = p
}

// Get looks up a predicate by name.
func (r *Registry) Get(name string) (Predicate, bool) {
	p, ok := r.predicates[name]
	return p, ok
}

// Run evaluates every criterion in order, short-circuiting on the first
// failure (matching the teacher's layered-validator short-circuit), and
// returns an aggregate pass/fail with a combined summary. An unregistered
// criterion name is reported as a failed check (passed false, nil error,
// the name in the summary) rather than being silently skipped, since an
// unresolved acceptance predicate can never truthfully report passed.
func (r *Registry) Run(ctx context.Context, criteria []models.AcceptanceCriterion, taskCtx adapter.TaskContext) (bool, string, error) {
	if len(criteria) == 0 {
		return true, "no acceptance criteria configured", nil
	}

	var sb strings.Builder
	for _, criterion := range criteria {
		predicate, ok := r.predicates[criterion.Name]
		if !ok {
			sb.WriteString(fmt.Sprintf("%s: FAIL (no predicate registered under this name)\n", criterion.Name))
			return false, sb.String(), nil
		}

		passed, summary, err := predicate.Check(ctx, taskCtx)
		if err != nil {
			return false, "", fmt.Errorf("run predicate %q: %w", criterion.Name, err)
		}

		status := "PASS"
		if !passed {
			status = "FAIL"
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n%s\n", criterion.Name, status, summary))

		if !passed {
			return false, sb.String(), nil
		}
	}

	sb.WriteString("all acceptance criteria passed\n")
	return true, sb.String(), nil
}

// CommandPredicate is a Predicate that shells out to a single command inside
// a sandbox.Runner and passes if the process exits 0. Grounded on the
// teacher's SimpleBuildTester.RunBuildAndTests, narrowed to one command per
// predicate (spec.md's predicates are individually named, unlike the
// teacher's fused build+test layer) and rerouted through sandbox.Runner so
// the run is policy-checked and overlay-published like any other sandboxed
// process, instead of a bare exec.CommandContext.
type CommandPredicate struct {
	name    string
	argv    []string
	env     []string
	runner  *sandbox.Runner
	timeout time.Duration
}

// NewCommandPredicate constructs a CommandPredicate named name that runs
// argv inside the task's workspace via runner.
func NewCommandPredicate(name string, argv []string, runner *sandbox.Runner, timeout time.Duration) *CommandPredicate {
	return &CommandPredicate{name: name, argv: argv, runner: runner, timeout: timeout}
}

func (p *CommandPredicate) Name() string { return p.name }

func (p *CommandPredicate) Check(ctx context.Context, taskCtx adapter.TaskContext) (bool, string, error) {
	sbCtx := sandbox.TaskContext{
		TaskID:       taskCtx.TaskID,
		WorkspaceDir: taskCtx.WorkspaceDir,
		Profile:      taskCtx.Profile,
		Tier:         taskCtx.Tier,
	}

	handle, err := p.runner.Run(ctx, sbCtx, p.argv, nil, "")
	if err != nil {
		return false, "", fmt.Errorf("spawn %s: %w", p.name, err)
	}

	outcome, err := handle.Wait(p.timeout)
	if err != nil {
		handle.Cancel(2 * time.Second)
		return false, "", fmt.Errorf("wait for %s: %w", p.name, err)
	}

	switch outcome.ExitReason {
	case sandbox.ExitPolicyBlocked:
		return false, fmt.Sprintf("%s blocked by policy", p.name), nil
	case sandbox.ExitTimeout:
		return false, fmt.Sprintf("%s timed out after %s", p.name, p.timeout), nil
	case sandbox.ExitNormal:
		if outcome.ExitCode == 0 {
			return true, fmt.Sprintf("%s exited 0 in %s", p.name, outcome.Duration), nil
		}
		return false, fmt.Sprintf("%s exited %d in %s", p.name, outcome.ExitCode, outcome.Duration), nil
	default:
		return false, fmt.Sprintf("%s ended abnormally: %s", p.name, outcome.ExitReason), nil
	}
}

var _ Predicate = (*CommandPredicate)(nil)

// NewGoRegistry builds the default Registry for a Go-module workspace:
// "unit_tests_pass" running `go test ./...` and "lint_clean" running
// `go vet ./...`. golangci-lint is not assumed present on the sandbox image,
// matching the teacher's own fallback to `go vet` when no richer linter
// config exists; a deployment wiring a golangci-lint sandbox image can
// Register a CommandPredicate named "lint_clean" to override this one.
func NewGoRegistry(runner *sandbox.Runner, testTimeout, lintTimeout time.Duration) *Registry {
	r := NewRegistry()
	r.Register(NewCommandPredicate("unit_tests_pass", []string{"go", "test", "./..."}, runner, testTimeout))
	r.Register(NewCommandPredicate("lint_clean", []string{"go", "vet", "./..."}, runner, lintTimeout))
	return r
}
