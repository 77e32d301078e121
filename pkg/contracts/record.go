package contracts

import (
	"time"
)

// RecordPhase marks which kernel phase produced an audit record.
type RecordPhase string

const (
	PhaseDecision RecordPhase = "decision"
	PhaseOutcome  RecordPhase = "outcome"
)

// EventType classifies audit records beyond the two kernel phases. The
// autonomy machine and operator tooling append their own event kinds into
// the same chain so one verification pass covers everything.
type EventType string

const (
	EventDecision           EventType = "decision"
	EventOutcome            EventType = "outcome"
	EventAutonomyTransition EventType = "autonomy_transition"
	EventLiveness           EventType = "liveness"
	EventPanicClearance     EventType = "panic_clearance"
	EventConfigReload       EventType = "config_reload"
	EventIntegrityCheck     EventType = "integrity_check"
)

// DecisionRecord is the atomic unit of audit truth. Digest covers the
// record content plus PrevDigest, so the chain detects any retroactive
// edit. Payload is stored after sensitive-key redaction; the raw payload
// never reaches durable storage.
type DecisionRecord struct {
	Sequence      uint64            `json:"sequence"`
	ID            string            `json:"id"`
	RequestID     string            `json:"request_id,omitempty"`
	Phase         RecordPhase       `json:"phase,omitempty"`
	EventType     EventType         `json:"event_type"`
	Timestamp     time.Time         `json:"timestamp"`
	Agent         string            `json:"agent,omitempty"`
	Operation     string            `json:"operation,omitempty"`
	RiskCategory  RiskCategory      `json:"risk_category,omitempty"`
	AutonomyLevel string            `json:"autonomy_level,omitempty"`
	Verdict       string            `json:"verdict,omitempty"`
	Reason        DecisionReason    `json:"reason,omitempty"`
	Detail        string            `json:"detail,omitempty"`
	Conditions    []ConditionResult `json:"conditions,omitempty"`
	Payload       map[string]any    `json:"payload,omitempty"`
	LatencyMicros int64             `json:"latency_micros,omitempty"`
	PrevDigest    string            `json:"prev_digest"`
	Digest        string            `json:"digest"`
}
