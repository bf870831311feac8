package models

import "time"

// OverlayStream identifies which PTY stream an OverlayEvent's payload came from.
type OverlayStream string

const (
	StreamStdout OverlayStream = "STDOUT"
	StreamStderr OverlayStream = "STDERR"
	StreamMeta   OverlayStream = "META"
)

// MetaKind discriminates structured META records carried in an OverlayEvent's
// payload. The set is closed (spec.md §6).
type MetaKind string

const (
	MetaProcessStart   MetaKind = "process_start"
	MetaProcessExit    MetaKind = "process_exit"
	MetaPolicyDecision MetaKind = "policy_decision"
	MetaBudgetWarning  MetaKind = "budget_warning"
	MetaPhaseTransition MetaKind = "phase_transition"
	MetaCancelled      MetaKind = "cancelled"
	MetaSlowConsumer   MetaKind = "slow_consumer"
)

// OverlayEvent is one chunk of captured PTY output. Invariants (spec.md §3):
// per task, Seq is gap-free starting at 0; META payloads carry structured
// records whose kind is one of the MetaKind constants; payload bytes are
// opaque and ANSI sequences pass through unmodified — chunk boundaries carry
// no semantic meaning and may split an escape sequence mid-stream.
type OverlayEvent struct {
	TaskID  string        `json:"task_id"`
	Seq     uint64        `json:"seq"`
	Ts      time.Time     `json:"ts"`
	Stream  OverlayStream `json:"stream"`
	Payload []byte        `json:"payload"`
}

// MetaRecord is the structured body of a META OverlayEvent, JSON-encoded into
// OverlayEvent.Payload.
type MetaRecord struct {
	Kind    MetaKind       `json:"kind"`
	Reason  string         `json:"reason,omitempty"`
	Code    *int           `json:"code,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}
