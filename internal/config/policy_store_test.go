package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskforge/engine/pkg/models"
)

func TestLoadPolicyProfiles(t *testing.T) {
	dir := t.TempDir()
	content := `
name: ci
version: 3
command_allow_patterns:
  - "^go\\s"
  - "^git\\s"
write_scope:
  - "."
protected_paths:
  - pattern: "**/*.pem"
    reason: "credentials"
egress_allow_list:
  - "api.anthropic.com"
per_call_cost_ceiling: 0.5
per_task_cost_ceiling: 5
sandbox_tier: high
`
	if err := os.WriteFile(filepath.Join(dir, "ci.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	profiles, err := LoadPolicyProfiles(dir)
	if err != nil {
		t.Fatalf("LoadPolicyProfiles() failed: %v", err)
	}

	p, ok := profiles["ci"]
	if !ok {
		t.Fatal("expected profile 'ci' to be loaded")
	}
	if p.Version != 3 {
		t.Errorf("Version = %d, want 3", p.Version)
	}
	if p.SandboxTier != models.SandboxTierHigh {
		t.Errorf("SandboxTier = %v, want high", p.SandboxTier)
	}
	if len(p.ProtectedPaths) != 1 || p.ProtectedPaths[0].Reason != "credentials" {
		t.Errorf("ProtectedPaths = %+v, want one credentials rule", p.ProtectedPaths)
	}
}

func TestLoadPolicyProfilesMissingDirReturnsEmpty(t *testing.T) {
	profiles, err := LoadPolicyProfiles(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("expected no error for missing directory, got %v", err)
	}
	if len(profiles) != 0 {
		t.Errorf("expected empty profile set, got %d", len(profiles))
	}
}

func TestLoadAdapterDescriptors(t *testing.T) {
	dir := t.TempDir()
	content := `
id: anthropic-cli
capabilities:
  - plan
  - propose
  - refine
execution_model: cli_pty
default_policy_profile: default
cost:
  rate_per_input_unit: 0.000003
  rate_per_output_unit: 0.000015
`
	if err := os.WriteFile(filepath.Join(dir, "anthropic-cli.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}

	descriptors, err := LoadAdapterDescriptors(dir)
	if err != nil {
		t.Fatalf("LoadAdapterDescriptors() failed: %v", err)
	}
	if len(descriptors) != 1 {
		t.Fatalf("expected 1 descriptor, got %d", len(descriptors))
	}
	d := descriptors[0]
	if d.ID != "anthropic-cli" {
		t.Errorf("ID = %q, want anthropic-cli", d.ID)
	}
	if !d.HasCapability(models.CapabilityPropose) {
		t.Error("expected descriptor to declare propose capability")
	}
	if d.ExecutionModel != models.ExecutionCLIPTY {
		t.Errorf("ExecutionModel = %v, want cli_pty", d.ExecutionModel)
	}
}

func TestDefaultPolicyProfilesAndAdapters(t *testing.T) {
	profiles := DefaultPolicyProfiles()
	if _, ok := profiles["default"]; !ok {
		t.Error("expected a 'default' fallback profile")
	}

	descriptors := DefaultAdapterDescriptors()
	if len(descriptors) == 0 {
		t.Error("expected at least one fallback adapter descriptor")
	}
}

func TestPolicyStoreReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	profilePath := filepath.Join(dir, "team.yaml")
	initial := "name: team\nversion: 1\nsandbox_tier: low\n"
	if err := os.WriteFile(profilePath, []byte(initial), 0644); err != nil {
		t.Fatalf("write initial profile: %v", err)
	}

	store, err := NewPolicyStore(dir, "")
	if err != nil {
		t.Fatalf("NewPolicyStore() failed: %v", err)
	}
	defer store.Close()

	profiles := store.Profiles()
	if profiles["team"].Version != 1 {
		t.Fatalf("expected initial version 1, got %d", profiles["team"].Version)
	}

	updated := "name: team\nversion: 2\nsandbox_tier: low\n"
	if err := os.WriteFile(profilePath, []byte(updated), 0644); err != nil {
		t.Fatalf("write updated profile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Profiles()["team"].Version == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("expected profile version to reload to 2, still %d", store.Profiles()["team"].Version)
}
