package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taskforge/engine/internal/audit"
	tfconfig "github.com/taskforge/engine/internal/config"
	"github.com/taskforge/engine/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Print a task's latest recorded state from the durable audit log",
	Long: `Status reads the AuditStore directly rather than querying a live
Scheduler, so it works against tasks submitted by an earlier ` + "`submit`" + `
invocation even after that process has exited (spec.md §4.1: every
transition is durably appended before its side effects begin).`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var statusHistory bool

func init() {
	statusCmd.Flags().BoolVar(&statusHistory, "history", false, "print the full audit trail instead of just the latest state")
}

func runStatus(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	cfg, err := tfconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := audit.Open(filepath.Join(dbDir(cfg), "audit.db"))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	if statusHistory {
		entries, err := store.Scan(taskID, 0)
		if err != nil {
			return fmt.Errorf("scan audit log for %s: %w", taskID, err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("no audit entries for task %s", taskID)
		}
		out, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	latest, err := store.LatestState(taskID)
	if err != nil {
		return fmt.Errorf("get latest state for %s: %w", taskID, err)
	}
	printStateLine(latest.TaskID, latest.NextState)
	out, _ := json.MarshalIndent(latest, "", "  ")
	fmt.Println(string(out))
	return nil
}

// printStateLine prints a one-line colored summary to stderr before the JSON
// body, in the teacher's init.go printStatus idiom (symbol + color.Attribute
// per outcome) rather than a library-free ANSI implementation.
func printStateLine(taskID string, state models.TaskStatus) {
	symbol, attr := "•", color.FgYellow
	switch state {
	case models.TaskStatusSucceeded:
		symbol, attr = "✓", color.FgGreen
	case models.TaskStatusFailed, models.TaskStatusCancelled:
		symbol, attr = "✗", color.FgRed
	case models.TaskStatusRunning:
		symbol, attr = "…", color.FgCyan
	}
	c := color.New(attr)
	c.Fprintf(os.Stderr, "%s %s: %s\n", symbol, taskID, state)
}
