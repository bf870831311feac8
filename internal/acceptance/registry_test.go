package acceptance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/taskforge/engine/internal/adapter"
	"github.com/taskforge/engine/internal/audit"
	"github.com/taskforge/engine/internal/overlay"
	"github.com/taskforge/engine/internal/policy"
	"github.com/taskforge/engine/internal/sandbox"
	"github.com/taskforge/engine/pkg/models"
)

func newTestSandboxRunner(t *testing.T) *sandbox.Runner {
	t.Helper()

	store, err := audit.Open(":memory:")
	if err != nil {
		t.Fatalf("audit.Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log, err := overlay.OpenLog(":memory:")
	if err != nil {
		t.Fatalf("overlay.OpenLog(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	broker := overlay.NewBroker(log)
	guard := policy.New(store, nil)
	return sandbox.New(broker, guard)
}

func permissiveTaskCtx(workspace string) adapter.TaskContext {
	return adapter.TaskContext{
		TaskID:       "t1",
		WorkspaceDir: workspace,
		Profile:      models.PolicyProfile{CommandAllowPatterns: []string{".*"}, WriteScope: []string{"."}},
		Tier:         models.SandboxTierLow,
	}
}

func TestCommandPredicatePassesOnZeroExit(t *testing.T) {
	runner := newTestSandboxRunner(t)
	p := NewCommandPredicate("always_true", []string{"true"}, runner, 5*time.Second)

	passed, summary, err := p.Check(context.Background(), permissiveTaskCtx(t.TempDir()))
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if !passed {
		t.Errorf("expected Check() to pass, summary: %s", summary)
	}
}

func TestCommandPredicateFailsOnNonzeroExit(t *testing.T) {
	runner := newTestSandboxRunner(t)
	p := NewCommandPredicate("always_false", []string{"false"}, runner, 5*time.Second)

	passed, _, err := p.Check(context.Background(), permissiveTaskCtx(t.TempDir()))
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if passed {
		t.Error("expected Check() to fail for a nonzero exit")
	}
}

func TestCommandPredicateBlockedByPolicy(t *testing.T) {
	runner := newTestSandboxRunner(t)
	p := NewCommandPredicate("blocked", []string{"rm", "-rf", "/"}, runner, 5*time.Second)

	taskCtx := adapter.TaskContext{
		TaskID:       "t1",
		WorkspaceDir: t.TempDir(),
		Profile:      models.PolicyProfile{CommandAllowPatterns: []string{`^echo\b`}},
	}

	passed, summary, err := p.Check(context.Background(), taskCtx)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if passed {
		t.Error("expected a disallowed command to fail the predicate")
	}
	if summary == "" {
		t.Error("expected a non-empty summary explaining the policy block")
	}
}

type fakePredicate struct {
	name   string
	passed bool
}

func (f *fakePredicate) Name() string { return f.name }

func (f *fakePredicate) Check(ctx context.Context, taskCtx adapter.TaskContext) (bool, string, error) {
	return f.passed, f.name + " summary", nil
}

func TestRegistryRunShortCircuitsOnFirstFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakePredicate{name: "first", passed: false})
	r.Register(&fakePredicate{name: "second", passed: true})

	criteria := []models.AcceptanceCriterion{{Name: "first"}, {Name: "second"}}
	passed, summary, err := r.Run(context.Background(), criteria, adapter.TaskContext{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if passed {
		t.Error("expected Run() to fail when the first criterion fails")
	}
	if !strings.Contains(summary, "first") {
		t.Errorf("expected summary to mention the failing criterion, got: %s", summary)
	}
}

func TestRegistryRunPassesWhenAllPredicatesPass(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakePredicate{name: "first", passed: true})
	r.Register(&fakePredicate{name: "second", passed: true})

	criteria := []models.AcceptanceCriterion{{Name: "first"}, {Name: "second"}}
	passed, _, err := r.Run(context.Background(), criteria, adapter.TaskContext{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !passed {
		t.Error("expected Run() to pass when every criterion passes")
	}
}

func TestRegistryRunFailsOnUnregisteredPredicate(t *testing.T) {
	r := NewRegistry()
	criteria := []models.AcceptanceCriterion{{Name: "missing"}}

	passed, summary, err := r.Run(context.Background(), criteria, adapter.TaskContext{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if passed {
		t.Error("expected Run() to fail for an unregistered predicate name")
	}
	if summary == "" {
		t.Error("expected a non-empty summary explaining the missing predicate")
	}
}

func TestRegistryRunPassesWithNoCriteria(t *testing.T) {
	r := NewRegistry()
	passed, _, err := r.Run(context.Background(), nil, adapter.TaskContext{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !passed {
		t.Error("expected Run() to pass trivially with no criteria configured")
	}
}
