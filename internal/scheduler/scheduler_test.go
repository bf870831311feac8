package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/taskforge/engine/internal/adapter"
	"github.com/taskforge/engine/internal/audit"
	"github.com/taskforge/engine/internal/fsm"
	"github.com/taskforge/engine/internal/overlay"
	"github.com/taskforge/engine/internal/policy"
	"github.com/taskforge/engine/pkg/models"
)

// fakeWorkspaceProvider hands out in-memory workspace records without
// touching the filesystem or git, keeping Scheduler tests fast and
// hermetic.
type fakeWorkspaceProvider struct {
	mu       sync.Mutex
	created  int
	removed  []string
}

func (f *fakeWorkspaceProvider) Create(taskID string, repo models.RepoRef) (*Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &Workspace{TaskID: taskID, Path: "/tmp/fake/" + taskID, BranchName: "task-" + taskID}, nil
}

func (f *fakeWorkspaceProvider) Remove(path string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeWorkspaceProvider) StartupCleanup(activeTaskIDs []string) (int, error) {
	return 0, nil
}

// blockingAdapter never returns from Propose/Refine until its release
// channel is signalled, letting tests pin a task in RUNNING to observe
// concurrency-ceiling behavior.
type blockingAdapter struct {
	release chan struct{}
}

func (a *blockingAdapter) Capabilities() []models.Capability { return nil }

func (a *blockingAdapter) EstimateCost(ctx context.Context, phase models.Phase, digest string) (models.CostEstimate, error) {
	return models.CostEstimate{}, nil
}

func (a *blockingAdapter) Propose(ctx context.Context, phase models.Phase, taskCtx adapter.TaskContext, priorFeedback string) (models.PhaseOutcome, error) {
	if phase == models.PhasePlan {
		select {
		case <-a.release:
		case <-ctx.Done():
			return models.PhaseOutcome{}, ctx.Err()
		}
	}
	return models.PhaseOutcome{Classification: models.ClassificationOK}, nil
}

func (a *blockingAdapter) Refine(ctx context.Context, phase models.Phase, taskCtx adapter.TaskContext, feedback string) (models.PhaseOutcome, error) {
	return models.PhaseOutcome{Classification: models.ClassificationOK}, nil
}

// instantAdapter resolves every phase immediately with OK, for tests that
// just want a task to run to completion quickly.
type instantAdapter struct{}

func (instantAdapter) Capabilities() []models.Capability { return nil }

func (instantAdapter) EstimateCost(ctx context.Context, phase models.Phase, digest string) (models.CostEstimate, error) {
	return models.CostEstimate{}, nil
}

func (instantAdapter) Propose(ctx context.Context, phase models.Phase, taskCtx adapter.TaskContext, priorFeedback string) (models.PhaseOutcome, error) {
	return models.PhaseOutcome{Classification: models.ClassificationOK}, nil
}

func (instantAdapter) Refine(ctx context.Context, phase models.Phase, taskCtx adapter.TaskContext, feedback string) (models.PhaseOutcome, error) {
	return models.PhaseOutcome{Classification: models.ClassificationOK}, nil
}

// pausingAdapter blocks its first Propose call (PLAN) until release is
// closed, signalling started the moment it begins blocking. This lets a
// test call Cancel while a task is provably mid-phase, then unblock it to
// observe the machine's loop-top cancellation check take effect on the
// following state.
type pausingAdapter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *pausingAdapter) Capabilities() []models.Capability { return nil }

func (a *pausingAdapter) EstimateCost(ctx context.Context, phase models.Phase, digest string) (models.CostEstimate, error) {
	return models.CostEstimate{}, nil
}

func (a *pausingAdapter) Propose(ctx context.Context, phase models.Phase, taskCtx adapter.TaskContext, priorFeedback string) (models.PhaseOutcome, error) {
	if phase == models.PhasePlan {
		a.once.Do(func() { close(a.started) })
		<-a.release
	}
	return models.PhaseOutcome{Classification: models.ClassificationOK}, nil
}

func (a *pausingAdapter) Refine(ctx context.Context, phase models.Phase, taskCtx adapter.TaskContext, feedback string) (models.PhaseOutcome, error) {
	return models.PhaseOutcome{Classification: models.ClassificationOK}, nil
}

type alwaysPass struct{}

func (alwaysPass) Run(ctx context.Context, criteria []models.AcceptanceCriterion, taskCtx adapter.TaskContext) (bool, string, error) {
	return true, "", nil
}

func newTestScheduler(t *testing.T, ag adapter.Adapter, opts ...Option) (*Scheduler, *fakeWorkspaceProvider) {
	t.Helper()
	store, err := audit.Open(":memory:")
	if err != nil {
		t.Fatalf("audit.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	guard := policy.New(store, nil)
	registry := adapter.NewRegistry()
	if err := registry.Register(models.AdapterDescriptor{ID: "fake"}, ag); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	log, err := overlay.OpenLog(":memory:")
	if err != nil {
		t.Fatalf("overlay.OpenLog failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	broker := overlay.NewBroker(log)

	ws := &fakeWorkspaceProvider{}
	profiles := map[string]models.PolicyProfile{
		"default": {Name: "default", Version: 1, SandboxTier: models.SandboxTierLow, PerTaskCostCeiling: 100},
	}
	routing := map[models.TaskMode]fsm.RoutingTable{
		models.TaskModeBugfix: {
			models.PhasePlan:   "fake",
			models.PhaseCode:   "fake",
			models.PhaseReview: "fake",
			models.PhaseCommit: "fake",
			models.PhaseDeploy: "fake",
		},
	}

	allOpts := append([]Option{WithCancelGrace(200 * time.Millisecond), WithWorkspaceGrace(10 * time.Millisecond)}, opts...)
	s := New(store, guard, registry, broker, ws, alwaysPass{}, profiles, routing, allOpts...)
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return s, ws
}

func validSpec(id string) TaskSpec {
	return TaskSpec{
		ID:                 id,
		Goal:               "fix the bug",
		Mode:               models.TaskModeBugfix,
		AcceptanceCriteria: []models.AcceptanceCriterion{{Name: "unit_tests_pass"}},
		PolicyProfile:      "default",
		Budgets:            models.Budgets{MaxIterations: 3, CostUSD: 10, WallTime: time.Hour},
	}
}

func TestSubmitValidation(t *testing.T) {
	s, _ := newTestScheduler(t, instantAdapter{})

	cases := []struct {
		name string
		mut  func(spec TaskSpec) TaskSpec
	}{
		{"empty goal", func(sp TaskSpec) TaskSpec { sp.Goal = ""; return sp }},
		{"unknown mode", func(sp TaskSpec) TaskSpec { sp.Mode = "bogus"; return sp }},
		{"negative budget", func(sp TaskSpec) TaskSpec { sp.Budgets.MaxIterations = -1; return sp }},
		{"unknown policy profile", func(sp TaskSpec) TaskSpec { sp.PolicyProfile = "nope"; return sp }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			spec := c.mut(validSpec(fmt.Sprintf("bad-%s", c.name)))
			if _, err := s.Submit(spec); err == nil {
				t.Errorf("Submit() with %s: expected error, got nil", c.name)
			}
		})
	}
}

func TestSubmitMissingAdapterRouting(t *testing.T) {
	s, _ := newTestScheduler(t, instantAdapter{})
	spec := validSpec("deploy-task")
	spec.Deploy = true
	// Deploy is routed in our routing table, so this should actually
	// succeed; flip mode to one with no routing entry instead.
	spec.Mode = models.TaskModeNewFeature
	if _, err := s.Submit(spec); err == nil {
		t.Error("Submit() with unrouted mode: expected error, got nil")
	}
}

func TestSubmitAppendsCreatedAuditEntry(t *testing.T) {
	s, _ := newTestScheduler(t, instantAdapter{})
	id, err := s.Submit(validSpec("task-created"))
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		status, ok := s.Status(id)
		if ok && status.Status.Terminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never reached a terminal state")
		case <-time.After(10 * time.Millisecond):
		}
	}

	entries, err := s.store.Scan(id, 0)
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if len(entries) == 0 || entries[0].Kind != models.AuditTaskCreated {
		t.Errorf("expected first audit entry to be task_created, got %+v", entries)
	}
}

func TestConcurrencyCeilingQueuesExcessTasks(t *testing.T) {
	ag := &blockingAdapter{release: make(chan struct{})}
	s, _ := newTestScheduler(t, ag, WithMaxConcurrent(1))

	id1, err := s.Submit(validSpec("ceiling-1"))
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	id2, err := s.Submit(validSpec("ceiling-2"))
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	s.mu.Lock()
	_, firstRunning := s.running[id1]
	_, secondRunning := s.running[id2]
	s.mu.Unlock()

	if !firstRunning {
		t.Errorf("expected %s to be running", id1)
	}
	if secondRunning {
		t.Errorf("expected %s to still be queued while ceiling is at capacity", id2)
	}

	close(ag.release)
}

func TestRunningLowPriorityTaskIsNotPreempted(t *testing.T) {
	ag := &blockingAdapter{release: make(chan struct{})}
	s, _ := newTestScheduler(t, ag, WithMaxConcurrent(1))

	low := validSpec("low-priority")
	low.Priority = 0
	high := validSpec("high-priority")
	high.Priority = 10

	if _, err := s.Submit(low); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // ensure low occupies the only slot first
	if _, err := s.Submit(high); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	s.mu.Lock()
	_, lowRunning := s.running["low-priority"]
	s.mu.Unlock()
	if !lowRunning {
		t.Fatalf("expected low-priority to already be running before high-priority arrived")
	}

	close(ag.release)
}

func TestCancelQueuedTask(t *testing.T) {
	ag := &blockingAdapter{release: make(chan struct{})}
	s, _ := newTestScheduler(t, ag, WithMaxConcurrent(1))
	defer close(ag.release)

	if _, err := s.Submit(validSpec("occupier")); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.Submit(validSpec("queued")); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	if err := s.Cancel("queued", "no longer needed"); err != nil {
		t.Fatalf("Cancel() failed: %v", err)
	}

	status, ok := s.Status("queued")
	if !ok || status.Status != models.TaskStatusCancelled {
		t.Errorf("status = %+v, want CANCELLED", status)
	}
}

func TestCancelRunningTaskPropagatesToMachine(t *testing.T) {
	ag := &pausingAdapter{started: make(chan struct{}), release: make(chan struct{})}
	s, _ := newTestScheduler(t, ag, WithMaxConcurrent(1), WithCancelGrace(2*time.Second))

	id, err := s.Submit(validSpec("running-cancel"))
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	select {
	case <-ag.started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never reached the blocking PLAN phase")
	}

	cancelDone := make(chan error, 1)
	go func() { cancelDone <- s.Cancel(id, "operator request") }()
	// Let Cancel reach the machine while PLAN is still blocked, so the
	// request is pending when the loop-top check runs after release.
	time.Sleep(50 * time.Millisecond)
	close(ag.release)

	select {
	case err := <-cancelDone:
		if err != nil {
			t.Fatalf("Cancel() failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Cancel() never returned")
	}

	status, ok := s.Status(id)
	if !ok || status.Status != models.TaskStatusCancelled {
		t.Errorf("status = %+v, want CANCELLED", status)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, instantAdapter{})
	id, err := s.Submit(validSpec("idempotent-cancel"))
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := s.Cancel(id, "first"); err != nil {
		t.Fatalf("first Cancel() failed: %v", err)
	}
	if err := s.Cancel(id, "second"); err != nil {
		t.Fatalf("second Cancel() on terminal task should be a no-op, got: %v", err)
	}
}

func TestShutdownStopsAdmitting(t *testing.T) {
	ag := &blockingAdapter{release: make(chan struct{})}
	s, _ := newTestScheduler(t, ag, WithMaxConcurrent(1))

	if _, err := s.Submit(validSpec("shutdown-running")); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	close(ag.release)
	if err := s.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	if _, err := s.Submit(validSpec("after-shutdown")); err == nil {
		t.Error("Submit() after Shutdown(): expected error, got nil")
	}
}
