package models

import "testing"

func TestAuditEntryIsTransition(t *testing.T) {
	tests := []struct {
		name  string
		entry AuditEntry
		want  bool
	}{
		{
			name:  "transition entry has next state",
			entry: AuditEntry{Kind: AuditStateTransition, PriorState: TaskStatusPending, NextState: TaskStatusRunning},
			want:  true,
		},
		{
			name:  "metric entry has no next state",
			entry: AuditEntry{Kind: AuditPolicyDecision},
			want:  false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.entry.IsTransition(); got != tc.want {
				t.Errorf("AuditEntry.IsTransition() = %v, want %v", got, tc.want)
			}
		})
	}
}
