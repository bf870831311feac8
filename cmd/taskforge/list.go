package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/taskforge/engine/internal/audit"
	tfconfig "github.com/taskforge/engine/internal/config"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the latest recorded state of every known task",
	Long: `List reads the AuditStore directly, surfacing the most recent
transition recorded for every task this machine has ever submitted against
the configured workspace, newest first.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := tfconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := audit.Open(filepath.Join(dbDir(cfg), "audit.db"))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	entries, err := store.LatestStatesAll()
	if err != nil {
		return fmt.Errorf("list task states: %w", err)
	}

	for _, e := range entries {
		printStateLine(e.TaskID, e.NextState)
	}

	out, _ := json.MarshalIndent(entries, "", "  ")
	fmt.Println(string(out))
	return nil
}
