// Package models defines the data model shared across the orchestration
// engine: tasks, phase runs, patch sets, overlay events, audit entries,
// policy profiles, and adapter descriptors.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been admitted for execution.
	TaskStatusPending TaskStatus = "PENDING"
	// TaskStatusRunning indicates the task's state machine is actively driving phases.
	TaskStatusRunning TaskStatus = "RUNNING"
	// TaskStatusSuspended indicates the task is paused awaiting an operator decision.
	TaskStatusSuspended TaskStatus = "SUSPENDED"
	// TaskStatusSucceeded indicates the task reached its terminal success state.
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	// TaskStatusFailed indicates the task reached a terminal failure state.
	TaskStatusFailed TaskStatus = "FAILED"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSuspended,
		TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is one-way terminal (spec.md Task invariant:
// status transitions are one-way into terminal states).
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskMode classifies the kind of coding work requested.
type TaskMode string

const (
	TaskModeRefactor        TaskMode = "refactor"
	TaskModeNewFeature      TaskMode = "new_feature"
	TaskModeBugfix          TaskMode = "bugfix"
	TaskModeAppGeneration   TaskMode = "app_generation"
)

// Valid returns true if the mode is a known value.
func (m TaskMode) Valid() bool {
	switch m {
	case TaskModeRefactor, TaskModeNewFeature, TaskModeBugfix, TaskModeAppGeneration:
		return true
	default:
		return false
	}
}

// RepoRef pins a task to a source repository at a specific commit.
type RepoRef struct {
	URL       string `json:"url"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`
}

// Budgets bounds the resources a task may consume.
type Budgets struct {
	MaxIterations int           `json:"max_iterations"`
	CostUSD       float64       `json:"cost_usd"`
	WallTime      time.Duration `json:"wall_time"`
}

// Spent tracks resource consumption against Budgets. Invariant (spec.md §3):
// spent.* <= budgets.* at every observable moment.
type Spent struct {
	Iterations int           `json:"iterations"`
	CostUSD    float64       `json:"cost_usd"`
	WallTime   time.Duration `json:"wall_time"`
}

// ExceedsAny reports whether spent has outrun any dimension of budgets.
func (s Spent) ExceedsAny(b Budgets) bool {
	return s.Iterations > b.MaxIterations || s.CostUSD > b.CostUSD || s.WallTime > b.WallTime
}

// AcceptanceCriterion is a named reference to a predicate resolved against the
// acceptance-predicate registry (spec.md §6 Tool-plugin interface).
type AcceptanceCriterion struct {
	Name string `json:"name"`
}

// Task is the unit of work driven through the orchestration engine.
type Task struct {
	ID                 string                `json:"id"`
	Goal               string                `json:"goal"`
	Repo               RepoRef               `json:"repo"`
	Mode               TaskMode              `json:"mode"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria"`
	PolicyProfile      string                `json:"policy_profile"`
	PolicyVersion      int                   `json:"policy_version"`
	Budgets            Budgets               `json:"budgets"`
	Status             TaskStatus            `json:"status"`
	Spent              Spent                 `json:"spent"`
	Deploy             bool                  `json:"deploy"`
	Priority           int                   `json:"priority"`
	CreatedAt          time.Time             `json:"created_at"`
	TerminalAt         *time.Time            `json:"terminal_at,omitempty"`
}

// InQueue reports whether the task may legitimately still be waiting for
// admission. Invariant (spec.md §3): a task referenced in the queue is never
// in a terminal status.
func (t *Task) InQueue() bool {
	return t.Status == TaskStatusPending
}
