package contracts

import (
	"time"
)

// Verdict is the kernel's answer for the decision phase.
type Verdict string

const (
	VerdictApprove  Verdict = "APPROVE"
	VerdictDeny     Verdict = "DENY"
	VerdictEscalate Verdict = "ESCALATE"
)

// PostVerdict is the kernel's answer for the outcome phase.
type PostVerdict string

const (
	PostVerdictPass PostVerdict = "PASS"
	PostVerdictFail PostVerdict = "FAIL"
)

// DecisionReason is the closed taxonomy attached to every verdict. Wire
// strings are stable; dashboards and the audit chain depend on them.
type DecisionReason string

const (
	ReasonApproved            DecisionReason = "APPROVED"
	ReasonUnknownOperation    DecisionReason = "UNKNOWN_OPERATION"
	ReasonPermissionDenied    DecisionReason = "PERMISSION_DENIED"
	ReasonAutonomyRestricted  DecisionReason = "AUTONOMY_RESTRICTED"
	ReasonRateLimited         DecisionReason = "RATE_LIMITED"
	ReasonResourceExhausted   DecisionReason = "RESOURCE_EXHAUSTED"
	ReasonPreConditionFailed  DecisionReason = "PRE_CONDITION_FAILED"
	ReasonPostConditionFailed DecisionReason = "POST_CONDITION_FAILED"
	ReasonInvariantViolated   DecisionReason = "INVARIANT_VIOLATED"
	ReasonAuditFailed         DecisionReason = "AUDIT_FAILED"
	ReasonInternalError       DecisionReason = "INTERNAL_ERROR"
	ReasonTimeout             DecisionReason = "TIMEOUT"
	ReasonEscalated           DecisionReason = "ESCALATED"
)

// Severity grades a condition failure or operation outcome.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ConditionKind distinguishes where in a contract a condition sits.
type ConditionKind string

const (
	ConditionPre       ConditionKind = "pre"
	ConditionPost      ConditionKind = "post"
	ConditionInvariant ConditionKind = "invariant"
)

// ConditionResult is the outcome of evaluating one contract condition.
// Every condition of a contract is evaluated and reported; callers see the
// full violation set, never just the first.
type ConditionResult struct {
	Condition string        `json:"condition"`
	Kind      ConditionKind `json:"kind"`
	Passed    bool          `json:"passed"`
	Severity  Severity      `json:"severity,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// FailedConditions filters results down to the failures.
func FailedConditions(results []ConditionResult) []ConditionResult {
	var failed []ConditionResult
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

// AllPassed reports whether every condition in results passed.
func AllPassed(results []ConditionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Decision is returned by the kernel's decision phase. AuditError carries a
// non-fatal append failure note for an already-denied request; for a
// would-be approval an append failure flips the verdict itself to
// DENY(AUDIT_FAILED), so an APPROVE with a non-empty AuditError never occurs.
type Decision struct {
	RequestID     string            `json:"request_id"`
	Verdict       Verdict           `json:"verdict"`
	Reason        DecisionReason    `json:"reason"`
	Detail        string            `json:"detail,omitempty"`
	Conditions    []ConditionResult `json:"conditions,omitempty"`
	AutonomyLevel string            `json:"autonomy_level"`
	RecordDigest  string            `json:"record_digest,omitempty"`
	AuditError    string            `json:"audit_error,omitempty"`
	DecidedAt     time.Time         `json:"decided_at"`
	Latency       time.Duration     `json:"latency"`
}

// Approved reports whether the decision permits execution.
func (d *Decision) Approved() bool { return d.Verdict == VerdictApprove }

// PostDecision is returned by the kernel's outcome phase.
type PostDecision struct {
	RequestID       string            `json:"request_id"`
	Verdict         PostVerdict       `json:"verdict"`
	Reason          DecisionReason    `json:"reason"`
	Conditions      []ConditionResult `json:"conditions,omitempty"`
	CriticalFailure bool              `json:"critical_failure"`
	RecordDigest    string            `json:"record_digest,omitempty"`
	RecordedAt      time.Time         `json:"recorded_at"`
}
