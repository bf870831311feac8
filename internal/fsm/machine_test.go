package fsm

import (
	"context"
	"testing"
	"time"

	"github.com/taskforge/engine/internal/adapter"
	"github.com/taskforge/engine/internal/audit"
	"github.com/taskforge/engine/internal/commit"
	"github.com/taskforge/engine/internal/policy"
	"github.com/taskforge/engine/pkg/models"
)

// fakePatchApplier scripts a sequence of Apply conflict outcomes, repeating
// the last entry once exhausted, and records every Commit call.
type fakePatchApplier struct {
	applyConflicts []bool
	applyCalls     int
	applyErr       error

	commitCalls       int
	lastCommitMessage string
	commitErr         error
}

func (f *fakePatchApplier) Apply(ctx context.Context, workspaceDir string, patch models.PatchSet) (string, bool, error) {
	if f.applyErr != nil {
		return "", false, f.applyErr
	}
	i := f.applyCalls
	f.applyCalls++
	conflict := false
	switch {
	case i < len(f.applyConflicts):
		conflict = f.applyConflicts[i]
	case len(f.applyConflicts) > 0:
		conflict = f.applyConflicts[len(f.applyConflicts)-1]
	}
	return "deadbeef", conflict, nil
}

func (f *fakePatchApplier) Commit(ctx context.Context, workspaceDir string, message string) error {
	f.commitCalls++
	f.lastCommitMessage = message
	return f.commitErr
}

var _ commit.PatchApplier = (*fakePatchApplier)(nil)

// scriptedAdapter returns a queued sequence of PhaseOutcomes per phase,
// repeating the last entry once exhausted.
type scriptedAdapter struct {
	scripts map[models.Phase][]models.PhaseOutcome
	calls   map[models.Phase]int
}

func newScriptedAdapter(scripts map[models.Phase][]models.PhaseOutcome) *scriptedAdapter {
	return &scriptedAdapter{scripts: scripts, calls: map[models.Phase]int{}}
}

func (s *scriptedAdapter) Capabilities() []models.Capability { return nil }

func (s *scriptedAdapter) EstimateCost(ctx context.Context, phase models.Phase, digest string) (models.CostEstimate, error) {
	return models.CostEstimate{CostUSD: 0.01, WallTime: int64(time.Second)}, nil
}

func (s *scriptedAdapter) next(phase models.Phase) models.PhaseOutcome {
	seq := s.scripts[phase]
	i := s.calls[phase]
	s.calls[phase]++
	if i >= len(seq) {
		return seq[len(seq)-1]
	}
	return seq[i]
}

func (s *scriptedAdapter) Propose(ctx context.Context, phase models.Phase, taskCtx adapter.TaskContext, priorFeedback string) (models.PhaseOutcome, error) {
	return s.next(phase), nil
}

func (s *scriptedAdapter) Refine(ctx context.Context, phase models.Phase, taskCtx adapter.TaskContext, feedback string) (models.PhaseOutcome, error) {
	return s.next(phase), nil
}

type scriptedAcceptance struct {
	results []bool
	call    int
}

func (a *scriptedAcceptance) Run(ctx context.Context, criteria []models.AcceptanceCriterion, taskCtx adapter.TaskContext) (bool, string, error) {
	if a.call >= len(a.results) {
		return a.results[len(a.results)-1], "", nil
	}
	r := a.results[a.call]
	a.call++
	if r {
		return true, "", nil
	}
	return false, "predicate failed", nil
}

func newTestMachine(t *testing.T, task *models.Task, ag *scriptedAdapter, acc AcceptanceRunner, opts ...Option) *Machine {
	t.Helper()
	store, err := audit.Open(":memory:")
	if err != nil {
		t.Fatalf("audit.Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	guard := policy.New(store, nil)

	registry := adapter.NewRegistry()
	if err := registry.Register(models.AdapterDescriptor{ID: "fake"}, ag); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	routing := RoutingTable{
		models.PhasePlan:   "fake",
		models.PhaseCode:   "fake",
		models.PhaseReview: "fake",
		models.PhaseCommit: "fake",
		models.PhaseDeploy: "fake",
	}

	taskCtx := adapter.TaskContext{
		TaskID:  task.ID,
		Goal:    task.Goal,
		Profile: models.PolicyProfile{WriteScope: []string{"."}},
	}
	allOpts := append([]Option{WithBackoff(time.Millisecond, 5*time.Millisecond)}, opts...)
	return NewMachine(task, taskCtx, store, guard, registry, routing, acc, allOpts...)
}

func baseTask(id string) *models.Task {
	return &models.Task{
		ID:                 id,
		Goal:               "fix the bug",
		Mode:               models.TaskModeBugfix,
		AcceptanceCriteria: []models.AcceptanceCriterion{{Name: "unit_tests_pass"}},
		Budgets:            models.Budgets{MaxIterations: 3, CostUSD: 10, WallTime: time.Hour},
		Status:             models.TaskStatusPending,
		CreatedAt:          time.Now().Add(-time.Second),
	}
}

func TestDriveHappyPath(t *testing.T) {
	ag := newScriptedAdapter(map[models.Phase][]models.PhaseOutcome{
		models.PhasePlan:   {{Classification: models.ClassificationOK}},
		models.PhaseCode:   {{Classification: models.ClassificationOK}},
		models.PhaseReview: {{Classification: models.ClassificationOK}},
		models.PhaseCommit: {{Classification: models.ClassificationOK}},
	})
	acc := &scriptedAcceptance{results: []bool{true}}
	task := baseTask("t1")
	m := newTestMachine(t, task, ag, acc)

	status, err := m.Drive(context.Background())
	if err != nil {
		t.Fatalf("Drive() failed: %v", err)
	}
	if status != models.TaskStatusSucceeded {
		t.Errorf("status = %v, want SUCCEEDED", status)
	}
	if task.Spent.Iterations != 1 {
		t.Errorf("Spent.Iterations = %d, want 1", task.Spent.Iterations)
	}
}

func TestDriveRefineLoopThenSuccess(t *testing.T) {
	ag := newScriptedAdapter(map[models.Phase][]models.PhaseOutcome{
		models.PhasePlan:   {{Classification: models.ClassificationOK}},
		models.PhaseCode:   {{Classification: models.ClassificationOK}, {Classification: models.ClassificationOK}},
		models.PhaseReview: {{Classification: models.ClassificationOK}},
		models.PhaseCommit: {{Classification: models.ClassificationOK}},
	})
	acc := &scriptedAcceptance{results: []bool{false, true}}
	task := baseTask("t2")
	m := newTestMachine(t, task, ag, acc)

	status, err := m.Drive(context.Background())
	if err != nil {
		t.Fatalf("Drive() failed: %v", err)
	}
	if status != models.TaskStatusSucceeded {
		t.Errorf("status = %v, want SUCCEEDED", status)
	}
	if task.Spent.Iterations != 2 {
		t.Errorf("Spent.Iterations = %d, want 2", task.Spent.Iterations)
	}
}

func TestDriveBudgetExhaustionFailsInPlanning(t *testing.T) {
	ag := newScriptedAdapter(map[models.Phase][]models.PhaseOutcome{
		models.PhasePlan: {{Classification: models.ClassificationOK}},
	})
	acc := &scriptedAcceptance{results: []bool{true}}
	task := baseTask("t3")
	task.Budgets.CostUSD = 0
	m := newTestMachine(t, task, ag, acc)

	status, err := m.Drive(context.Background())
	if err != nil {
		t.Fatalf("Drive() failed: %v", err)
	}
	if status != models.TaskStatusFailed {
		t.Errorf("status = %v, want FAILED", status)
	}
}

func TestDriveAdapterPermanentFailureFailsTask(t *testing.T) {
	ag := newScriptedAdapter(map[models.Phase][]models.PhaseOutcome{
		models.PhasePlan: {{Classification: models.ClassificationFailedPermanent}},
	})
	acc := &scriptedAcceptance{results: []bool{true}}
	task := baseTask("t4")
	m := newTestMachine(t, task, ag, acc)

	status, err := m.Drive(context.Background())
	if err != nil {
		t.Fatalf("Drive() failed: %v", err)
	}
	if status != models.TaskStatusFailed {
		t.Errorf("status = %v, want FAILED", status)
	}
}

func TestDriveCancelIsIdempotentAndTerminates(t *testing.T) {
	ag := newScriptedAdapter(map[models.Phase][]models.PhaseOutcome{
		models.PhasePlan: {{Classification: models.ClassificationOK}},
	})
	acc := &scriptedAcceptance{results: []bool{true}}
	task := baseTask("t5")
	m := newTestMachine(t, task, ag, acc)

	m.Cancel()
	m.Cancel()

	status, err := m.Drive(context.Background())
	if err != nil {
		t.Fatalf("Drive() failed: %v", err)
	}
	if status != models.TaskStatusCancelled {
		t.Errorf("status = %v, want CANCELLED", status)
	}
}

func TestCanTransitionRejectsSkippedPhases(t *testing.T) {
	if CanTransition(StatePlanning, StateReviewing) {
		t.Error("expected PLANNING -> REVIEWING to be illegal")
	}
	if !CanTransition(StatePlanning, StateCoding) {
		t.Error("expected PLANNING -> CODING to be legal")
	}
}

func TestCanTransitionOutOfTerminalStateAlwaysFalse(t *testing.T) {
	if CanTransition(StateSucceeded, StatePlanning) {
		t.Error("expected no transition out of SUCCEEDED")
	}
}

func TestDriveAppliesPatchSetAndCommits(t *testing.T) {
	patchSet := &models.PatchSet{
		PhaseRunID:      "run-1",
		PreconditionSHA: "deadbeef",
		Edits:           []models.FileEdit{{Path: "newfile.txt", ChangeType: models.ChangeCreated}},
	}
	ag := newScriptedAdapter(map[models.Phase][]models.PhaseOutcome{
		models.PhasePlan:   {{Classification: models.ClassificationOK}},
		models.PhaseCode:   {{Classification: models.ClassificationOK, PatchSet: patchSet}},
		models.PhaseReview: {{Classification: models.ClassificationOK}},
		models.PhaseCommit: {{Classification: models.ClassificationOK, CommitMessage: "fix the bug"}},
	})
	acc := &scriptedAcceptance{results: []bool{true}}
	task := baseTask("t6")
	applier := &fakePatchApplier{}
	m := newTestMachine(t, task, ag, acc, WithPatchApplier(applier))

	status, err := m.Drive(context.Background())
	if err != nil {
		t.Fatalf("Drive() failed: %v", err)
	}
	if status != models.TaskStatusSucceeded {
		t.Fatalf("status = %v, want SUCCEEDED", status)
	}
	if applier.applyCalls != 1 {
		t.Errorf("Apply() calls = %d, want 1", applier.applyCalls)
	}
	if applier.commitCalls != 1 {
		t.Errorf("Commit() calls = %d, want 1", applier.commitCalls)
	}
	if applier.lastCommitMessage != "fix the bug" {
		t.Errorf("commit message = %q, want %q", applier.lastCommitMessage, "fix the bug")
	}
}

func TestDrivePatchConflictLoopsBackIntoCoding(t *testing.T) {
	patchSet := &models.PatchSet{
		PreconditionSHA: "stale",
		Edits:           []models.FileEdit{{Path: "newfile.txt", ChangeType: models.ChangeCreated}},
	}
	ag := newScriptedAdapter(map[models.Phase][]models.PhaseOutcome{
		models.PhasePlan: {{Classification: models.ClassificationOK}},
		models.PhaseCode: {
			{Classification: models.ClassificationOK, PatchSet: patchSet},
			{Classification: models.ClassificationOK, PatchSet: patchSet},
		},
		models.PhaseReview: {{Classification: models.ClassificationOK}},
		models.PhaseCommit: {{Classification: models.ClassificationOK}},
	})
	acc := &scriptedAcceptance{results: []bool{true}}
	task := baseTask("t7")
	applier := &fakePatchApplier{applyConflicts: []bool{true, false}}
	m := newTestMachine(t, task, ag, acc, WithPatchApplier(applier))

	status, err := m.Drive(context.Background())
	if err != nil {
		t.Fatalf("Drive() failed: %v", err)
	}
	if status != models.TaskStatusSucceeded {
		t.Fatalf("status = %v, want SUCCEEDED", status)
	}
	if applier.applyCalls != 2 {
		t.Errorf("Apply() calls = %d, want 2 (one conflict, one success)", applier.applyCalls)
	}
	if task.Spent.Iterations != 2 {
		t.Errorf("Spent.Iterations = %d, want 2 (the conflicting attempt still consumed one)", task.Spent.Iterations)
	}
}

func TestDriveWriteScopeViolationFailsTask(t *testing.T) {
	patchSet := &models.PatchSet{
		PreconditionSHA: "deadbeef",
		Edits:           []models.FileEdit{{Path: "/etc/passwd", ChangeType: models.ChangeModified}},
	}
	ag := newScriptedAdapter(map[models.Phase][]models.PhaseOutcome{
		models.PhasePlan: {{Classification: models.ClassificationOK}},
		models.PhaseCode: {{Classification: models.ClassificationOK, PatchSet: patchSet}},
	})
	acc := &scriptedAcceptance{results: []bool{true}}
	task := baseTask("t8")
	applier := &fakePatchApplier{}
	m := newTestMachine(t, task, ag, acc, WithPatchApplier(applier))

	status, err := m.Drive(context.Background())
	if err != nil {
		t.Fatalf("Drive() failed: %v", err)
	}
	if status != models.TaskStatusFailed {
		t.Errorf("status = %v, want FAILED", status)
	}
	if applier.applyCalls != 0 {
		t.Errorf("Apply() calls = %d, want 0 (write-scope check must reject before apply)", applier.applyCalls)
	}
}
