package adapter

import (
	"os"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/taskforge/engine/pkg/models"
)

func TestNewHTTPAPIAdapterWithAPIKey(t *testing.T) {
	cfg := HTTPAPIConfig{APIKey: "test-key-123", Model: anthropic.ModelClaudeSonnet4_5_20250929}

	a, err := NewHTTPAPIAdapter("claude-direct", []models.Capability{models.CapabilityPlan}, cfg, models.CostModel{})
	if err != nil {
		t.Fatalf("NewHTTPAPIAdapter() failed: %v", err)
	}
	if a.model != anthropic.ModelClaudeSonnet4_5_20250929 {
		t.Errorf("model = %q, want %q", a.model, anthropic.ModelClaudeSonnet4_5_20250929)
	}
}

func TestNewHTTPAPIAdapterNoAPIKeyFails(t *testing.T) {
	original := os.Getenv("ANTHROPIC_API_KEY")
	defer os.Setenv("ANTHROPIC_API_KEY", original)
	os.Unsetenv("ANTHROPIC_API_KEY")

	_, err := NewHTTPAPIAdapter("claude-direct", nil, HTTPAPIConfig{}, models.CostModel{})
	if err == nil {
		t.Fatal("expected NewHTTPAPIAdapter() to fail without an API key")
	}
}

func TestNewHTTPAPIAdapterDefaultModel(t *testing.T) {
	a, err := NewHTTPAPIAdapter("claude-direct", nil, HTTPAPIConfig{APIKey: "test-key"}, models.CostModel{})
	if err != nil {
		t.Fatalf("NewHTTPAPIAdapter() failed: %v", err)
	}
	if a.model != anthropic.ModelClaudeSonnet4_5_20250929 {
		t.Errorf("default model = %q, want %q", a.model, anthropic.ModelClaudeSonnet4_5_20250929)
	}
}

func TestTranslateModelForBedrockKnownModel(t *testing.T) {
	got := translateModelForBedrock(anthropic.ModelClaudeSonnet4_20250514)
	want := anthropic.Model("us.anthropic.claude-sonnet-4-20250514-v1:0")
	if got != want {
		t.Errorf("translateModelForBedrock() = %q, want %q", got, want)
	}
}

func TestTranslateModelForBedrockUnknownModelPassesThrough(t *testing.T) {
	custom := anthropic.Model("some-custom-model")
	if got := translateModelForBedrock(custom); got != custom {
		t.Errorf("translateModelForBedrock() = %q, want unchanged %q", got, custom)
	}
}

func TestAssignOutcomeTextRoutesByPhase(t *testing.T) {
	cases := []struct {
		phase models.Phase
		get   func(models.PhaseOutcome) string
	}{
		{models.PhasePlan, func(o models.PhaseOutcome) string { return o.Plan }},
		{models.PhaseTest, func(o models.PhaseOutcome) string { return o.TestReport }},
		{models.PhaseReview, func(o models.PhaseOutcome) string { return o.ReviewReport }},
		{models.PhaseCommit, func(o models.PhaseOutcome) string { return o.CommitMessage }},
		{models.PhaseDeploy, func(o models.PhaseOutcome) string { return o.DeployRecord }},
	}

	for _, c := range cases {
		var outcome models.PhaseOutcome
		assignOutcomeText(&outcome, c.phase, "result text")
		if got := c.get(outcome); got != "result text" {
			t.Errorf("phase %v: got %q, want %q", c.phase, got, "result text")
		}
	}
}
