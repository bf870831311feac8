package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/taskforge/engine/pkg/models"
)

// policyProfileFile is the on-disk shape of one PolicyProfile YAML document,
// mirroring models.PolicyProfile's json tags in yaml form.
type policyProfileFile struct {
	Name                 string   `yaml:"name"`
	Version              int      `yaml:"version"`
	CommandAllowPatterns []string `yaml:"command_allow_patterns"`
	WriteScope           []string `yaml:"write_scope"`
	ProtectedPaths       []struct {
		Pattern string `yaml:"pattern"`
		Reason  string `yaml:"reason"`
	} `yaml:"protected_paths"`
	EgressAllowList    []string `yaml:"egress_allow_list"`
	PerCallCostCeiling float64  `yaml:"per_call_cost_ceiling"`
	PerTaskCostCeiling float64  `yaml:"per_task_cost_ceiling"`
	SandboxTier        string   `yaml:"sandbox_tier"`
}

func (f policyProfileFile) toModel() models.PolicyProfile {
	profile := models.PolicyProfile{
		Name:                 f.Name,
		Version:              f.Version,
		CommandAllowPatterns: f.CommandAllowPatterns,
		WriteScope:           f.WriteScope,
		EgressAllowList:      f.EgressAllowList,
		PerCallCostCeiling:   f.PerCallCostCeiling,
		PerTaskCostCeiling:   f.PerTaskCostCeiling,
		SandboxTier:          models.SandboxTier(f.SandboxTier),
	}
	for _, p := range f.ProtectedPaths {
		profile.ProtectedPaths = append(profile.ProtectedPaths, models.ProtectedRule{Pattern: p.Pattern, Reason: p.Reason})
	}
	return profile
}

// adapterDescriptorFile is the on-disk shape of one AdapterDescriptor YAML
// document.
type adapterDescriptorFile struct {
	ID                   string   `yaml:"id"`
	Capabilities         []string `yaml:"capabilities"`
	ExecutionModel       string   `yaml:"execution_model"`
	DefaultPolicyProfile string   `yaml:"default_policy_profile"`
	Cost                 struct {
		RatePerInputUnit  float64 `yaml:"rate_per_input_unit"`
		RatePerOutputUnit float64 `yaml:"rate_per_output_unit"`
	} `yaml:"cost"`
}

func (f adapterDescriptorFile) toModel() models.AdapterDescriptor {
	caps := make([]models.Capability, 0, len(f.Capabilities))
	for _, c := range f.Capabilities {
		caps = append(caps, models.Capability(c))
	}
	return models.AdapterDescriptor{
		ID:                   f.ID,
		Capabilities:         caps,
		ExecutionModel:       models.ExecutionModel(f.ExecutionModel),
		DefaultPolicyProfile: f.DefaultPolicyProfile,
		Cost: models.CostModel{
			RatePerInputUnit:  f.Cost.RatePerInputUnit,
			RatePerOutputUnit: f.Cost.RatePerOutputUnit,
		},
	}
}

// LoadPolicyProfiles reads every *.yaml file in profilesDir as a
// models.PolicyProfile, keyed by its Name (spec.md §3: a PolicyProfile is a
// named capability set bound to a Task at submission). Malformed or
// unreadable directories return an error; an empty or absent directory
// yields an empty map rather than an error, letting callers fall back to
// DefaultPolicyProfiles.
func LoadPolicyProfiles(profilesDir string) (map[string]models.PolicyProfile, error) {
	paths, err := yamlFilesIn(profilesDir)
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]models.PolicyProfile, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy profile %s: %w", path, err)
		}
		var pf policyProfileFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("parse policy profile %s: %w", path, err)
		}
		if pf.Name == "" {
			return nil, fmt.Errorf("policy profile %s: missing name", path)
		}
		profiles[pf.Name] = pf.toModel()
	}
	return profiles, nil
}

// LoadAdapterDescriptors reads every *.yaml file in adaptersDir as a
// models.AdapterDescriptor (spec.md §3, §4.5).
func LoadAdapterDescriptors(adaptersDir string) ([]models.AdapterDescriptor, error) {
	paths, err := yamlFilesIn(adaptersDir)
	if err != nil {
		return nil, err
	}

	descriptors := make([]models.AdapterDescriptor, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read adapter descriptor %s: %w", path, err)
		}
		var af adapterDescriptorFile
		if err := yaml.Unmarshal(data, &af); err != nil {
			return nil, fmt.Errorf("parse adapter descriptor %s: %w", path, err)
		}
		if af.ID == "" {
			return nil, fmt.Errorf("adapter descriptor %s: missing id", path)
		}
		descriptors = append(descriptors, af.toModel())
	}
	return descriptors, nil
}

func yamlFilesIn(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := strings.ToLower(filepath.Ext(e.Name())); ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// DefaultPolicyProfiles returns a hardcoded fallback profile set, used when
// no profiles directory is configured. "default" is deliberately
// permissive-but-scoped: it allows common build/test tooling and confines
// writes to the workspace.
func DefaultPolicyProfiles() map[string]models.PolicyProfile {
	return map[string]models.PolicyProfile{
		"default": {
			Name:                 "default",
			Version:              1,
			CommandAllowPatterns: []string{`^go\s`, `^git\s`, `^npm\s`, `^make\s`},
			WriteScope:           []string{"."},
			EgressAllowList:      nil,
			PerCallCostCeiling:   1.0,
			PerTaskCostCeiling:   10.0,
			SandboxTier:          models.SandboxTierMedium,
		},
		"trusted": {
			Name:                 "trusted",
			Version:              1,
			CommandAllowPatterns: []string{`.*`},
			WriteScope:           []string{"."},
			PerCallCostCeiling:   5.0,
			PerTaskCostCeiling:   50.0,
			SandboxTier:          models.SandboxTierLow,
		},
	}
}

// DefaultAdapterDescriptors returns a hardcoded fallback descriptor set.
func DefaultAdapterDescriptors() []models.AdapterDescriptor {
	return []models.AdapterDescriptor{
		{
			ID: "anthropic-cli",
			Capabilities: []models.Capability{
				models.CapabilityPlan, models.CapabilityPropose, models.CapabilityRefine,
				models.CapabilityApplyPatch, models.CapabilityCommitMessage,
			},
			ExecutionModel:       models.ExecutionCLIPTY,
			DefaultPolicyProfile: "default",
			Cost:                 models.CostModel{RatePerInputUnit: 0.000003, RatePerOutputUnit: 0.000015},
		},
		{
			ID: "anthropic-api",
			Capabilities: []models.Capability{
				models.CapabilityPlan, models.CapabilityPropose, models.CapabilityRefine,
				models.CapabilitySummarizeDiff, models.CapabilityCommitMessage,
			},
			ExecutionModel:       models.ExecutionHTTPAPI,
			DefaultPolicyProfile: "default",
			Cost:                 models.CostModel{RatePerInputUnit: 0.000003, RatePerOutputUnit: 0.000015},
		},
	}
}
