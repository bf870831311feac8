// Package scheduler owns task admission, workspace lifecycle, concurrency
// bounds, and cancellation propagation across many concurrently-driven
// TaskStateMachine instances (spec.md §4.7).
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/engine/internal/adapter"
	"github.com/taskforge/engine/internal/audit"
	"github.com/taskforge/engine/internal/commit"
	"github.com/taskforge/engine/internal/fsm"
	"github.com/taskforge/engine/internal/overlay"
	"github.com/taskforge/engine/internal/policy"
	"github.com/taskforge/engine/pkg/models"
)

// DefaultMaxConcurrentTasks bounds simultaneously-RUNNING tasks absent an
// explicit override (spec.md §4.7 "fixed concurrency ceiling (configurable)").
const DefaultMaxConcurrentTasks = 4

// DefaultWorkspaceGrace is how long a terminated task's workspace is
// retained for post-mortem inspection before removal.
const DefaultWorkspaceGrace = 15 * time.Minute

// DefaultCancelGrace is the soft-stop-then-hard-kill window observed when
// propagating cancellation to a running task's FSM.
const DefaultCancelGrace = 10 * time.Second

// TaskSpec is the ingress submission shape (spec.md §6 "Task submission").
type TaskSpec struct {
	ID                 string
	Goal               string
	Repo               models.RepoRef
	Mode               models.TaskMode
	AcceptanceCriteria []models.AcceptanceCriterion
	PolicyProfile      string
	Budgets            models.Budgets
	Deploy             bool
	Priority           int
}

// runningTask tracks one admitted task's live driver and workspace.
type runningTask struct {
	task      *models.Task
	machine   *fsm.Machine
	workspace *Workspace
	cancel    context.CancelFunc
	done      chan struct{}
}

// Scheduler admits TaskSpecs, drives each admitted Task through its own
// TaskStateMachine, and reclaims workspaces once a task reaches a terminal
// state. Grounded on the teacher's orchestrator/scheduler.go (available-slot
// computation, running-set bookkeeping) generalized from Alphie's
// DAG/collision-aware batch scheduling — spec.md §5 states tasks are
// independent, so the collision layers and dependency graph are dropped in
// favor of a flat priority-FIFO admission queue — and orchestrator.go's
// stopCh/wg lifecycle fields for graceful shutdown.
type Scheduler struct {
	store    *audit.Store
	guard    *policy.Guard
	registry *adapter.Registry
	broker   *overlay.Broker
	workspaces WorkspaceProvider
	acceptance   fsm.AcceptanceRunner
	routing      map[models.TaskMode]fsm.RoutingTable
	profiles     map[string]models.PolicyProfile
	patchApplier commit.PatchApplier

	maxConcurrent  int
	workspaceGrace time.Duration
	cancelGrace    time.Duration

	mu        sync.Mutex
	queue     admissionQueue
	byID      map[string]*queueEntry
	running   map[string]*runningTask
	tasks     map[string]*models.Task
	seenTasks map[string]struct{}
	nextSeq   uint64
	admitting bool
	trigger   chan struct{}

	wg         sync.WaitGroup
	stopCh     chan struct{}
	shutdownOnce sync.Once
}

// Option customizes a Scheduler away from its defaults.
type Option func(*Scheduler)

func WithMaxConcurrent(n int) Option            { return func(s *Scheduler) { s.maxConcurrent = n } }
func WithWorkspaceGrace(d time.Duration) Option { return func(s *Scheduler) { s.workspaceGrace = d } }
func WithCancelGrace(d time.Duration) Option    { return func(s *Scheduler) { s.cancelGrace = d } }

// WithPatchApplier installs the PatchApplier every driven Machine uses to
// apply a CODING phase's PatchSet to its workspace and commit the result.
// Without one, Machines trust the routed adapter's own classification.
func WithPatchApplier(a commit.PatchApplier) Option {
	return func(s *Scheduler) { s.patchApplier = a }
}

// New constructs a Scheduler. routing maps each supported TaskMode to the
// per-phase adapter routing table used for tasks submitted with that mode
// (Open Question decision: adapter selection is a static, submission-time
// binding, never re-resolved mid-task — see DESIGN.md).
func New(store *audit.Store, guard *policy.Guard, registry *adapter.Registry, broker *overlay.Broker, workspaces WorkspaceProvider, acceptance fsm.AcceptanceRunner, profiles map[string]models.PolicyProfile, routing map[models.TaskMode]fsm.RoutingTable, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:          store,
		guard:          guard,
		registry:       registry,
		broker:         broker,
		workspaces:     workspaces,
		acceptance:     acceptance,
		routing:        routing,
		profiles:       profiles,
		maxConcurrent:  DefaultMaxConcurrentTasks,
		workspaceGrace: DefaultWorkspaceGrace,
		cancelGrace:    DefaultCancelGrace,
		byID:           make(map[string]*queueEntry),
		running:        make(map[string]*runningTask),
		tasks:          make(map[string]*models.Task),
		seenTasks:      make(map[string]struct{}),
		admitting:      true,
		trigger:        make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.admitLoop()
	return s
}

// Submit validates spec, appends CREATED to AuditStore, and enqueues the new
// task for admission. Never blocks on capacity: at-capacity submissions
// simply wait in PENDING (spec.md §4.7).
func (s *Scheduler) Submit(spec TaskSpec) (string, error) {
	s.mu.Lock()
	admitting := s.admitting
	s.mu.Unlock()
	if !admitting {
		return "", fmt.Errorf("scheduler is shutting down, not accepting new tasks")
	}

	profile, ok := s.profiles[spec.PolicyProfile]
	if !ok {
		return "", fmt.Errorf("unknown policy profile %q", spec.PolicyProfile)
	}
	routing, ok := s.routing[spec.Mode]
	if !ok {
		return "", fmt.Errorf("no adapter routing configured for mode %q", spec.Mode)
	}
	if err := validateSpec(spec, routing, s.registry); err != nil {
		return "", err
	}

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}

	s.mu.Lock()
	if _, exists := s.tasks[id]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("task %q already exists", id)
	}
	s.mu.Unlock()

	task := &models.Task{
		ID:                 id,
		Goal:               spec.Goal,
		Repo:               spec.Repo,
		Mode:               spec.Mode,
		AcceptanceCriteria: spec.AcceptanceCriteria,
		PolicyProfile:      profile.Name,
		PolicyVersion:      profile.Version,
		Budgets:            spec.Budgets,
		Status:             models.TaskStatusPending,
		Deploy:             spec.Deploy,
		Priority:           spec.Priority,
		CreatedAt:          time.Now().UTC(),
	}

	if _, err := s.store.Append(models.AuditEntry{
		TaskID: task.ID,
		Kind:   models.AuditTaskCreated,
		Payload: map[string]any{
			"goal": task.Goal, "mode": string(task.Mode), "policy_profile": task.PolicyProfile,
		},
	}); err != nil {
		return "", fmt.Errorf("append task_created: %w", err)
	}

	s.mu.Lock()
	s.tasks[id] = task
	s.seenTasks[id] = struct{}{}
	s.nextSeq++
	entry := &queueEntry{taskID: id, priority: spec.Priority, seq: s.nextSeq}
	s.byID[id] = entry
	heap.Push(&s.queue, entry)
	s.mu.Unlock()

	s.wake()
	return id, nil
}

func validateSpec(spec TaskSpec, routing fsm.RoutingTable, registry *adapter.Registry) error {
	if spec.Goal == "" {
		return fmt.Errorf("goal must not be empty")
	}
	if !spec.Mode.Valid() {
		return fmt.Errorf("unrecognized task mode %q", spec.Mode)
	}
	if spec.Budgets.MaxIterations < 0 || spec.Budgets.CostUSD < 0 || spec.Budgets.WallTime < 0 {
		return fmt.Errorf("budgets must be non-negative")
	}
	requiredPhases := []models.Phase{models.PhasePlan, models.PhaseCode, models.PhaseReview, models.PhaseCommit}
	if spec.Deploy {
		requiredPhases = append(requiredPhases, models.PhaseDeploy)
	}
	for _, phase := range requiredPhases {
		adapterID, ok := routing[phase]
		if !ok {
			return fmt.Errorf("no adapter routed for required phase %s", phase)
		}
		if _, _, ok := registry.Get(adapterID); !ok {
			return fmt.Errorf("adapter %q routed for phase %s is not registered", adapterID, phase)
		}
	}
	return nil
}

func (s *Scheduler) wake() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// admitLoop pops the highest-priority ready task whenever a concurrency slot
// opens and drives it to completion in its own goroutine.
func (s *Scheduler) admitLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.trigger:
			s.admitReady()
		case <-ticker.C:
			s.admitReady()
		}
	}
}

func (s *Scheduler) admitReady() {
	for {
		s.mu.Lock()
		if !s.admitting || len(s.running) >= s.maxConcurrent || s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		entry := heap.Pop(&s.queue).(*queueEntry)
		delete(s.byID, entry.taskID)
		task, ok := s.tasks[entry.taskID]
		if !ok || task.Status.Terminal() {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()
		s.start(task)
	}
}

func (s *Scheduler) start(task *models.Task) {
	workspace, err := s.workspaces.Create(task.ID, task.Repo)
	if err != nil {
		s.failToStart(task, fmt.Errorf("allocate workspace: %w", err))
		return
	}

	profile := s.profiles[task.PolicyProfile]
	taskCtx := adapter.TaskContext{
		TaskID:       task.ID,
		Goal:         task.Goal,
		WorkspaceDir: workspace.Path,
		Profile:      profile,
		Tier:         profile.SandboxTier,
	}
	routing := s.routing[task.Mode]
	var machineOpts []fsm.Option
	if s.patchApplier != nil {
		machineOpts = append(machineOpts, fsm.WithPatchApplier(s.patchApplier))
	}
	machine := fsm.NewMachine(task, taskCtx, s.store, s.guard, s.registry, routing, s.acceptance, machineOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{task: task, machine: machine, workspace: workspace, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[task.ID] = rt
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(rt.done)
		defer cancel()

		status, err := machine.Drive(ctx)
		if err != nil {
			status = models.TaskStatusFailed
		}
		task.Status = status

		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()

		s.broker.Close(task.ID)
		s.reclaimWorkspace(workspace)
		s.wake()
	}()
}

func (s *Scheduler) failToStart(task *models.Task, cause error) {
	task.Status = models.TaskStatusFailed
	now := time.Now().UTC()
	task.TerminalAt = &now
	_, _ = s.store.Append(models.AuditEntry{
		TaskID:  task.ID,
		Kind:    models.AuditInternalError,
		Payload: map[string]any{"error": cause.Error()},
	})
	s.wake()
}

// reclaimWorkspace removes a terminated task's workspace once its retention
// grace window elapses (spec.md §4.7).
func (s *Scheduler) reclaimWorkspace(ws *Workspace) {
	time.AfterFunc(s.workspaceGrace, func() {
		_ = s.workspaces.Remove(ws.Path, true)
	})
}

// Cancel requests cancellation of task_id. Idempotent; only effective on
// non-terminal tasks (spec.md §4.7).
func (s *Scheduler) Cancel(taskID, reason string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown task %q", taskID)
	}
	if task.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}

	if rt, running := s.running[taskID]; running {
		s.mu.Unlock()
		rt.machine.Cancel()
		select {
		case <-rt.done:
		case <-time.After(s.cancelGrace):
			rt.cancel()
		}
		return nil
	}

	if entry, queued := s.byID[taskID]; queued {
		heap.Remove(&s.queue, entry.index)
		delete(s.byID, taskID)
		task.Status = models.TaskStatusCancelled
		now := time.Now().UTC()
		task.TerminalAt = &now
		s.mu.Unlock()
		_, _ = s.store.Append(models.AuditEntry{
			TaskID:     taskID,
			Kind:       models.AuditCancelled,
			PriorState: models.TaskStatusPending,
			NextState:  models.TaskStatusCancelled,
			Payload:    map[string]any{"reason": reason},
		})
		s.broker.Close(taskID)
		return nil
	}
	s.mu.Unlock()
	return nil
}

// Status returns a snapshot of task_id's current Task record.
func (s *Scheduler) Status(taskID string) (models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return models.Task{}, false
	}
	return *task, true
}

// List returns a snapshot of every task the Scheduler has admitted or
// queued, in no particular order.
func (s *Scheduler) List() []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// Shutdown stops admitting new tasks, cancels every running task with
// grace, and closes every OverlayBroker topic this Scheduler has touched
// (spec.md §4.7). AuditStore appends are synchronous, so there is nothing to
// flush beyond letting in-flight Append calls return.
func (s *Scheduler) Shutdown(grace time.Duration) error {
	s.mu.Lock()
	alreadyStopped := !s.admitting
	s.admitting = false
	running := make([]*runningTask, 0, len(s.running))
	for _, rt := range s.running {
		running = append(running, rt)
	}
	seen := make([]string, 0, len(s.seenTasks))
	for id := range s.seenTasks {
		seen = append(seen, id)
	}
	s.mu.Unlock()

	for _, rt := range running {
		rt.machine.Cancel()
	}

	deadline := time.After(grace)
	for _, rt := range running {
		select {
		case <-rt.done:
		case <-deadline:
		}
	}

	s.shutdownOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	if !alreadyStopped {
		for _, id := range seen {
			s.broker.Close(id)
		}
	}
	return nil
}
