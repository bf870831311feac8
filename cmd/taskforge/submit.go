package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	tfconfig "github.com/taskforge/engine/internal/config"
	"github.com/taskforge/engine/internal/overlay"
	"github.com/taskforge/engine/internal/overlay/replay"
	"github.com/taskforge/engine/internal/scheduler"
	"github.com/taskforge/engine/pkg/models"
)

var (
	submitRepo         string
	submitMode         string
	submitPolicy       string
	submitAcceptance   []string
	submitCostBudget   float64
	submitIterBudget   int
	submitWallBudget   time.Duration
	submitDeploy       bool
	submitPriority     int
	submitShutdownWait time.Duration
	submitTUI          bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <goal>",
	Short: "Submit a coding task and drive it to completion",
	Long: `Submit boots the orchestration engine, admits one task built from the
given goal and flags, streams its captured agent output to stdout as it
runs, and prints the final status once the task reaches a terminal state.

This exercises the core's submit, get_status, and stream_overlay
operations in one foreground process; Ctrl-C sends a cooperative cancel
(get_status/cancel against an already-running task submitted by a
different process is not supported by this reference shim — see the
` + "`status`" + ` command for post-mortem inspection of the durable audit trail).`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitRepo, "repo", ".", "path to the local repository checkout to work in")
	submitCmd.Flags().StringVar(&submitMode, "mode", string(models.TaskModeBugfix), "task mode: bugfix, refactor, new_feature, app_generation")
	submitCmd.Flags().StringVar(&submitPolicy, "policy", "default", "policy profile name")
	submitCmd.Flags().StringSliceVar(&submitAcceptance, "acceptance", []string{"unit_tests_pass"}, "acceptance criterion names, comma-separated")
	submitCmd.Flags().Float64Var(&submitCostBudget, "budget-cost", 1.0, "cost budget in USD")
	submitCmd.Flags().IntVar(&submitIterBudget, "budget-iterations", 5, "max CODING/TESTING iterations")
	submitCmd.Flags().DurationVar(&submitWallBudget, "budget-wall", 15*time.Minute, "wall-clock time budget")
	submitCmd.Flags().BoolVar(&submitDeploy, "deploy", false, "run the DEPLOY phase after a successful commit")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "admission priority, higher runs first")
	submitCmd.Flags().DurationVar(&submitShutdownWait, "shutdown-grace", 30*time.Second, "grace period for engine shutdown after the task finishes")
	submitCmd.Flags().BoolVar(&submitTUI, "tui", false, "watch the overlay stream in a scrollable terminal viewer instead of printing to stdout/stderr")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	goal := args[0]

	cfg, err := tfconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng, err := newEngine(cfg, submitRepo)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.close(submitShutdownWait)

	criteria := make([]models.AcceptanceCriterion, 0, len(submitAcceptance))
	for _, name := range submitAcceptance {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		criteria = append(criteria, models.AcceptanceCriterion{Name: name})
	}

	taskID, err := eng.scheduler.Submit(scheduler.TaskSpec{
		Goal:               goal,
		Repo:               models.RepoRef{URL: submitRepo},
		Mode:               models.TaskMode(submitMode),
		AcceptanceCriteria: criteria,
		PolicyProfile:      submitPolicy,
		Budgets: models.Budgets{
			MaxIterations: submitIterBudget,
			CostUSD:       submitCostBudget,
			WallTime:      submitWallBudget,
		},
		Deploy:   submitDeploy,
		Priority: submitPriority,
	})
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	fmt.Fprintf(os.Stderr, "submitted task %s\n", taskID)

	sub, err := eng.broker.Subscribe(taskID, 0)
	if err != nil {
		return fmt.Errorf("subscribe to overlay: %w", err)
	}
	defer sub.Unsubscribe()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ncancelling...")
		_ = eng.scheduler.Cancel(taskID, "interrupted by operator")
	}()

	if submitTUI {
		if err := runReplayTUI(taskID, sub); err != nil {
			return fmt.Errorf("run overlay viewer: %w", err)
		}
	} else {
		streamOverlay(sub)
	}

	task, ok := eng.scheduler.Status(taskID)
	if !ok {
		return fmt.Errorf("task %s vanished after completion", taskID)
	}

	out, _ := json.MarshalIndent(task, "", "  ")
	fmt.Println(string(out))

	if task.Status == models.TaskStatusFailed {
		os.Exit(1)
	}
	return nil
}

// runReplayTUI drives the replay.Model bubbletea program against sub's
// event channel until the task's topic closes and the operator quits.
func runReplayTUI(taskID string, sub *overlay.Subscription) error {
	model := replay.New(taskID, sub.Events())
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	return err
}

// streamOverlay prints every event on sub to stdout/stderr until the
// subscription's channel closes (topic closed once the task reaches a
// terminal state, spec.md §4.3).
func streamOverlay(sub *overlay.Subscription) {
	for event := range sub.Events() {
		switch event.Stream {
		case models.StreamStdout:
			os.Stdout.Write(event.Payload)
		case models.StreamStderr:
			os.Stderr.Write(event.Payload)
		case models.StreamMeta:
			var rec models.MetaRecord
			if err := json.Unmarshal(event.Payload, &rec); err == nil {
				fmt.Fprintf(os.Stderr, "[%s] %s %s\n", rec.Kind, rec.Reason, formatDetail(rec.Detail))
			}
		}
	}
}

func formatDetail(detail map[string]any) string {
	if len(detail) == 0 {
		return ""
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return ""
	}
	return string(b)
}
