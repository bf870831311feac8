package models

import "testing"

func TestExecutionModelValid(t *testing.T) {
	tests := []struct {
		name  string
		model ExecutionModel
		want  bool
	}{
		{"cli_pty", ExecutionCLIPTY, true},
		{"http_api", ExecutionHTTPAPI, true},
		{"in_process", ExecutionInProcess, true},
		{"unknown", ExecutionModel("websocket"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.model.Valid(); got != tc.want {
				t.Errorf("ExecutionModel(%q).Valid() = %v, want %v", tc.model, got, tc.want)
			}
		})
	}
}

func TestAdapterDescriptorHasCapability(t *testing.T) {
	desc := AdapterDescriptor{
		ID:           "claude-cli",
		Capabilities: []Capability{CapabilityPlan, CapabilityPropose, CapabilityRefine},
	}

	tests := []struct {
		name string
		cap  Capability
		want bool
	}{
		{"declared capability", CapabilityPropose, true},
		{"undeclared capability", CapabilityEmbed, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := desc.HasCapability(tc.cap); got != tc.want {
				t.Errorf("AdapterDescriptor.HasCapability(%q) = %v, want %v", tc.cap, got, tc.want)
			}
		})
	}
}
