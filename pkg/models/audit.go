package models

import "time"

// AuditEventKind names the category of an AuditEntry. Transition kinds mirror
// TaskStatemachine states; metric kinds (policy_decision, budget_warning,
// etc.) carry no state change.
type AuditEventKind string

const (
	AuditTaskCreated      AuditEventKind = "task_created"
	AuditStateTransition  AuditEventKind = "state_transition"
	AuditPolicyDecision   AuditEventKind = "policy_decision"
	AuditBudgetWarning    AuditEventKind = "budget_warning"
	AuditBudgetExceeded   AuditEventKind = "budget_exceeded"
	AuditPhaseRunRecorded AuditEventKind = "phase_run_recorded"
	AuditCancelled        AuditEventKind = "cancelled"
	AuditInternalError    AuditEventKind = "internal_error"
)

// AuditEntry is one append-only record of a state transition or metric
// (spec.md §3, §4.1). Never mutated after append. CausationID links back to
// the PhaseRun or OverlayEvent that caused it, when applicable.
type AuditEntry struct {
	TaskID      string         `json:"task_id"`
	Seq         uint64         `json:"seq"`
	Kind        AuditEventKind `json:"kind"`
	PriorState  TaskStatus     `json:"prior_state,omitempty"`
	NextState   TaskStatus     `json:"next_state,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	CausationID string         `json:"causation_id,omitempty"`
}

// IsTransition reports whether this entry represents a state change (as
// opposed to a metric-only record, which leaves NextState empty).
func (e AuditEntry) IsTransition() bool {
	return e.NextState != ""
}
