package main

import (
	"strings"
	"testing"

	tfconfig "github.com/taskforge/engine/internal/config"
	"github.com/taskforge/engine/pkg/models"
)

func TestDefaultRoutingCoversEveryTaskMode(t *testing.T) {
	routing := defaultRouting()

	modes := []models.TaskMode{
		models.TaskModeBugfix,
		models.TaskModeRefactor,
		models.TaskModeNewFeature,
		models.TaskModeAppGeneration,
	}
	for _, mode := range modes {
		table, ok := routing[mode]
		if !ok {
			t.Errorf("defaultRouting() missing entry for mode %q", mode)
			continue
		}
		for _, phase := range []models.Phase{models.PhasePlan, models.PhaseCode, models.PhaseReview, models.PhaseCommit, models.PhaseDeploy} {
			if _, ok := table[phase]; !ok {
				t.Errorf("defaultRouting()[%q] missing adapter for phase %q", mode, phase)
			}
		}
	}
}

func TestBuildAgentArgvIncludesPrompt(t *testing.T) {
	argv := buildAgentArgv(models.PhaseCode, "fix the bug")

	found := false
	for _, a := range argv {
		if a == "fix the bug" {
			found = true
		}
	}
	if !found {
		t.Errorf("buildAgentArgv() = %v, want it to include the prompt verbatim", argv)
	}
	if argv[0] != "claude" {
		t.Errorf("buildAgentArgv()[0] = %q, want \"claude\"", argv[0])
	}
}

func TestFormatDetailEmptyMap(t *testing.T) {
	if got := formatDetail(nil); got != "" {
		t.Errorf("formatDetail(nil) = %q, want empty string", got)
	}
	if got := formatDetail(map[string]any{}); got != "" {
		t.Errorf("formatDetail({}) = %q, want empty string", got)
	}
}

func TestFormatDetailMarshalsContent(t *testing.T) {
	got := formatDetail(map[string]any{"reason": "budget exceeded"})
	if !strings.Contains(got, "budget exceeded") {
		t.Errorf("formatDetail() = %q, want it to contain the detail value", got)
	}
}

func TestDbDirDerivesFromWorkspaceBaseDir(t *testing.T) {
	cfg := &tfconfig.Config{}
	cfg.Workspace.BaseDir = "/var/taskforge/workspaces"

	got := dbDir(cfg)
	want := "/var/taskforge/taskforge-state"
	if got != want {
		t.Errorf("dbDir() = %q, want %q", got, want)
	}
}
