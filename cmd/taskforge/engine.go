package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/taskforge/engine/internal/acceptance"
	"github.com/taskforge/engine/internal/adapter"
	"github.com/taskforge/engine/internal/audit"
	"github.com/taskforge/engine/internal/commit"
	tfconfig "github.com/taskforge/engine/internal/config"
	"github.com/taskforge/engine/internal/fsm"
	"github.com/taskforge/engine/internal/git"
	"github.com/taskforge/engine/internal/overlay"
	"github.com/taskforge/engine/internal/policy"
	"github.com/taskforge/engine/internal/protect"
	"github.com/taskforge/engine/internal/sandbox"
	"github.com/taskforge/engine/internal/scheduler"
	"github.com/taskforge/engine/pkg/models"
)

// engine bundles every component wired together at process startup, in
// spec.md §2's dependency order: AuditStore, PolicyGuard, OverlayBroker,
// SandboxRunner, AgentAdapter, TaskStateMachine, Scheduler. Each process
// that needs it builds its own audit.Store, overlay.Log, Broker and
// Scheduler rather than sharing a long-lived daemon process.
type engine struct {
	cfg        *tfconfig.Config
	store      *audit.Store
	overlayLog *overlay.Log
	broker     *overlay.Broker
	scheduler  *scheduler.Scheduler
}

// dbDir returns the directory holding this process's durable audit and
// overlay logs, defaulting to the workspace base dir's parent so a single
// `--repo` checkout accumulates one history across CLI invocations.
func dbDir(cfg *tfconfig.Config) string {
	return filepath.Join(filepath.Dir(cfg.Workspace.BaseDir), "taskforge-state")
}

// newEngine boots every component against repoPath, using cfg's policy
// profiles, adapter descriptors, and scheduler/workspace defaults.
func newEngine(cfg *tfconfig.Config, repoPath string) (*engine, error) {
	dir := dbDir(cfg)

	store, err := audit.Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	overlayLog, err := overlay.OpenLog(filepath.Join(dir, "overlay.db"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open overlay log: %w", err)
	}
	broker := overlay.NewBroker(overlayLog)

	detector := protect.New()
	guard := policy.New(store, detector)

	sandboxRunner := sandbox.New(broker, guard)

	registry := adapter.NewRegistry()
	if err := registerAdapters(registry, cfg, sandboxRunner); err != nil {
		overlayLog.Close()
		store.Close()
		return nil, err
	}

	profiles := tfconfig.DefaultPolicyProfiles()

	runner := git.NewRunner(repoPath)
	workspaces, err := scheduler.NewWorktreeWorkspaceProvider(cfg.Workspace.BaseDir, repoPath, runner)
	if err != nil {
		overlayLog.Close()
		store.Close()
		return nil, fmt.Errorf("create workspace provider: %w", err)
	}

	acceptanceRegistry := acceptance.NewGoRegistry(sandboxRunner, 5*time.Minute, 2*time.Minute)

	routing := defaultRouting()
	applier := commit.NewGitApplier()

	sched := scheduler.New(store, guard, registry, broker, workspaces, acceptanceRegistry, profiles, routing,
		scheduler.WithMaxConcurrent(cfg.Scheduler.MaxConcurrentTasks),
		scheduler.WithCancelGrace(cfg.Scheduler.CancelGrace),
		scheduler.WithWorkspaceGrace(cfg.Workspace.Grace),
		scheduler.WithPatchApplier(applier),
	)

	return &engine{cfg: cfg, store: store, overlayLog: overlayLog, broker: broker, scheduler: sched}, nil
}

func (e *engine) close(shutdownGrace time.Duration) {
	_ = e.scheduler.Shutdown(shutdownGrace)
	e.overlayLog.Close()
	e.store.Close()
}

// registerAdapters wires one adapter per supported execution model, using
// whichever backend credentials cfg provides. A missing Anthropic API key
// is not an error at startup — it only surfaces if a task actually routes
// to the http_api adapter, matching the teacher's lazy credential checks.
func registerAdapters(registry *adapter.Registry, cfg *tfconfig.Config, sandboxRunner *sandbox.Runner) error {
	descriptors := tfconfig.DefaultAdapterDescriptors()

	for _, d := range descriptors {
		switch d.ExecutionModel {
		case models.ExecutionCLIPTY:
			impl := adapter.NewCLIPTYAdapter(d.ID, d.Capabilities, sandboxRunner, buildAgentArgv, d.Cost, 10*time.Minute)
			if err := registry.Register(d, impl); err != nil {
				return fmt.Errorf("register adapter %s: %w", d.ID, err)
			}
		case models.ExecutionHTTPAPI:
			if cfg.Anthropic.APIKey == "" {
				continue
			}
			impl, err := adapter.NewHTTPAPIAdapter(d.ID, d.Capabilities, adapter.HTTPAPIConfig{APIKey: cfg.Anthropic.APIKey}, d.Cost)
			if err != nil {
				return fmt.Errorf("construct adapter %s: %w", d.ID, err)
			}
			if err := registry.Register(d, impl); err != nil {
				return fmt.Errorf("register adapter %s: %w", d.ID, err)
			}
		}
	}
	return nil
}

// buildAgentArgv builds the argv of the cli_pty backend's coding agent
// process. Modeled on the teacher's Claude Code CLI invocation
// (`claude --print --output-format stream-json -p <prompt>`); swap for another agent binary's flag
// convention by supplying a different adapter.PhaseArgvBuilder.
func buildAgentArgv(phase models.Phase, prompt string) []string {
	return []string{"claude", "--print", "--output-format", "stream-json", "-p", prompt}
}

// defaultRouting binds every task mode to the same single-adapter routing
// table: the CLI-driven agent handles every phase. A deployment wiring
// multiple adapters per mode would replace this with a config-driven table.
func defaultRouting() map[models.TaskMode]fsm.RoutingTable {
	table := fsm.RoutingTable{
		models.PhasePlan:   "anthropic-cli",
		models.PhaseCode:   "anthropic-cli",
		models.PhaseReview: "anthropic-cli",
		models.PhaseCommit: "anthropic-cli",
		models.PhaseDeploy: "anthropic-cli",
	}
	return map[models.TaskMode]fsm.RoutingTable{
		models.TaskModeBugfix:        table,
		models.TaskModeRefactor:      table,
		models.TaskModeNewFeature:    table,
		models.TaskModeAppGeneration: table,
	}
}
