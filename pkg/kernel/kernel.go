// Package kernel is the single enforcement point between agents and the
// environment. Every operation request passes through Decide's fixed,
// fail-fast pipeline, and every verdict is proven by an audit append
// before it takes effect: a decision that cannot be logged is a denial.
// The kernel never executes agent code; approved operations run elsewhere
// and report back through RecordOutcome.
//
// The package deliberately has no dependency edge to any network or LLM
// client: the authorizer, rate limiter, and audit store arrive as
// constructor interfaces, so transport concerns stay outside the trust
// boundary.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ember6784/archon-ai/pkg/autonomy"
	"github.com/ember6784/archon-ai/pkg/contracts"
	"github.com/ember6784/archon-ai/pkg/intent"
	"github.com/ember6784/archon-ai/pkg/metrics"
	"github.com/ember6784/archon-ai/pkg/registry"
)

// Authorizer is the RBAC collaborator. An error return, including a
// timeout, is a denial.
type Authorizer interface {
	HasPermission(ctx context.Context, identity, operation string) (bool, error)
}

// RateLimiter gates request rates per agent. Any error denies with
// RATE_LIMITED; the Redis-backed implementation fails closed the same way
// when unreachable.
type RateLimiter interface {
	Allow(ctx context.Context, agent string, multiplier float64) error
}

// ResourceChecker enforces hard per-request ceilings. Any error denies
// with RESOURCE_EXHAUSTED.
type ResourceChecker interface {
	Check(req *contracts.OperationRequest) error
}

// Recorder is the audit append surface. *audit.Log satisfies it.
type Recorder interface {
	Append(ctx context.Context, rec *contracts.DecisionRecord) error
}

// Observer taps the decision stream for detection-quality metrics. The
// kernel reports observations without ground truth; labeling happens out
// of band.
type Observer interface {
	RecordObservation(barrier string, obs metrics.Observation)
}

// Barrier names used for metric observations.
const (
	BarrierDecision = "kernel.decision"
	BarrierContract = "kernel.contract"
	BarrierOutcome  = "kernel.outcome"
)

// Config holds downstream call deadlines and pipeline bounds. Zero values
// get defaults.
type Config struct {
	RBACTimeout  time.Duration
	AuditTimeout time.Duration

	// MaxInFlight bounds the set of approved requests whose outcome has
	// not been reported yet. When the bound is hit the oldest pin is
	// dropped; a late RecordOutcome for a dropped pin falls back to the
	// live contract.
	MaxInFlight int
}

func (c Config) withDefaults() Config {
	if c.RBACTimeout <= 0 {
		c.RBACTimeout = 2 * time.Second
	}
	if c.AuditTimeout <= 0 {
		c.AuditTimeout = 5 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4096
	}
	return c
}

// Deps are the kernel's collaborators. Registry, Authorizer, Machine,
// Library, Checker, and Audit are required; the rest degrade gracefully
// when nil.
type Deps struct {
	Registry   *registry.Registry
	Authorizer Authorizer
	Machine    *autonomy.Machine
	Library    *intent.Library
	Checker    *intent.Checker
	Audit      Recorder
	Limiter    RateLimiter
	Resources  ResourceChecker
	Reputation *autonomy.ReputationTracker
	Observer   Observer
	Clock      contracts.Clock
	Logger     *slog.Logger
}

// pending pins the contract and whitelist entry an approved request was
// decided against, so RecordOutcome evaluates the same contract version
// even across a concurrent reload.
type pending struct {
	contract *intent.Contract
	op       *registry.Operation
	level    string
}

// Kernel orchestrates the decision pipeline. Safe for concurrent use; the
// autonomy machine and the audit log serialize internally.
type Kernel struct {
	registry   *registry.Registry
	authorizer Authorizer
	machine    *autonomy.Machine
	library    *intent.Library
	checker    *intent.Checker
	audit      Recorder
	limiter    RateLimiter
	resources  ResourceChecker
	reputation *autonomy.ReputationTracker
	observer   Observer
	clock      contracts.Clock
	logger     *slog.Logger
	cfg        Config

	mu       sync.Mutex
	inFlight map[string]pending
	pinOrder []string
}

// New validates the dependency set and returns a ready kernel.
func New(deps Deps, cfg Config) (*Kernel, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("kernel: registry is required")
	case deps.Authorizer == nil:
		return nil, fmt.Errorf("kernel: authorizer is required")
	case deps.Machine == nil:
		return nil, fmt.Errorf("kernel: autonomy machine is required")
	case deps.Library == nil:
		return nil, fmt.Errorf("kernel: contract library is required")
	case deps.Checker == nil:
		return nil, fmt.Errorf("kernel: contract checker is required")
	case deps.Audit == nil:
		return nil, fmt.Errorf("kernel: audit recorder is required")
	}
	if deps.Clock == nil {
		deps.Clock = contracts.SystemClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Kernel{
		registry:   deps.Registry,
		authorizer: deps.Authorizer,
		machine:    deps.Machine,
		library:    deps.Library,
		checker:    deps.Checker,
		audit:      deps.Audit,
		limiter:    deps.Limiter,
		resources:  deps.Resources,
		reputation: deps.Reputation,
		observer:   deps.Observer,
		clock:      deps.Clock,
		logger:     deps.Logger.With("component", "kernel"),
		cfg:        cfg.withDefaults(),
		inFlight:   make(map[string]pending),
	}, nil
}

// Decide runs the fail-fast pipeline: whitelist, payload schema, RBAC,
// autonomy level, limits, contract pre-conditions, audit. The verdict is
// final once the audit append commits; every internal error resolves to a
// denial.
func (k *Kernel) Decide(ctx context.Context, req *contracts.OperationRequest) (decision *contracts.Decision, err error) {
	start := k.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("decision pipeline panicked", "request_id", requestID(req), "panic", fmt.Sprint(r))
			decision = k.finalize(ctx, req, nil, start, "", &contracts.Decision{
				Verdict: contracts.VerdictDeny,
				Reason:  contracts.ReasonInternalError,
				Detail:  fmt.Sprintf("internal error: %v", r),
			})
			err = nil
		}
	}()

	if req == nil || req.ID == "" || req.Agent == "" || req.Operation == "" {
		return nil, contracts.ErrInvalidRequest
	}

	// 1. Whitelist. Unknown operations never reach RBAC.
	op, ok := k.registry.Lookup(req.Operation)
	if !ok {
		return k.finalize(ctx, req, nil, start, "", &contracts.Decision{
			Verdict: contracts.VerdictDeny,
			Reason:  contracts.ReasonUnknownOperation,
			Detail:  fmt.Sprintf("operation %q is not whitelisted", req.Operation),
		}), nil
	}
	if req.RiskCategory != op.RiskCategory {
		return k.finalize(ctx, req, op, start, "", &contracts.Decision{
			Verdict: contracts.VerdictDeny,
			Reason:  contracts.ReasonPreConditionFailed,
			Detail: fmt.Sprintf("declared risk category %q does not match manifest %q",
				req.RiskCategory, op.RiskCategory),
		}), nil
	}

	// 2. Payload shape.
	if err := op.ValidatePayload(req.Payload); err != nil {
		return k.finalize(ctx, req, op, start, "", &contracts.Decision{
			Verdict: contracts.VerdictDeny,
			Reason:  contracts.ReasonPreConditionFailed,
			Detail:  err.Error(),
		}), nil
	}

	// 3. RBAC, under its own deadline. Unreachable means no.
	rbacCtx, cancel := context.WithTimeout(ctx, k.cfg.RBACTimeout)
	permitted, rbacErr := k.authorizer.HasPermission(rbacCtx, req.Agent, req.Operation)
	cancel()
	if rbacErr != nil {
		k.logger.Warn("rbac check failed, denying",
			"request_id", req.ID, "agent", req.Agent, "error", rbacErr)
	}
	if rbacErr != nil || !permitted {
		return k.finalize(ctx, req, op, start, "", &contracts.Decision{
			Verdict: contracts.VerdictDeny,
			Reason:  contracts.ReasonPermissionDenied,
			Detail:  fmt.Sprintf("agent %q may not invoke %q", req.Agent, req.Operation),
		}), nil
	}

	// 4. Autonomy level, read once and used for the whole decision.
	snap := k.machine.BeginCycle(ctx)
	level := snap.Level.String()
	switch snap.Access(op.RiskCategory) {
	case autonomy.AccessDeny:
		return k.finalize(ctx, req, op, start, level, &contracts.Decision{
			Verdict: contracts.VerdictDeny,
			Reason:  contracts.ReasonAutonomyRestricted,
			Detail:  fmt.Sprintf("risk category %q not permitted at level %s", op.RiskCategory, level),
		}), nil
	case autonomy.AccessEscalate:
		return k.finalize(ctx, req, op, start, level, &contracts.Decision{
			Verdict: contracts.VerdictEscalate,
			Reason:  contracts.ReasonEscalated,
			Detail:  fmt.Sprintf("risk category %q requires human review at level %s", op.RiskCategory, level),
		}), nil
	}

	// 5. Resource ceilings, then rate.
	if k.resources != nil {
		if err := k.resources.Check(req); err != nil {
			return k.finalize(ctx, req, op, start, level, &contracts.Decision{
				Verdict: contracts.VerdictDeny,
				Reason:  contracts.ReasonResourceExhausted,
				Detail:  err.Error(),
			}), nil
		}
	}
	if k.limiter != nil {
		multiplier := 1.0
		if k.reputation != nil {
			multiplier = k.reputation.Multiplier(req.Agent)
		}
		if err := k.limiter.Allow(ctx, req.Agent, multiplier); err != nil {
			return k.finalize(ctx, req, op, start, level, &contracts.Decision{
				Verdict: contracts.VerdictDeny,
				Reason:  contracts.ReasonRateLimited,
				Detail:  err.Error(),
			}), nil
		}
	}

	// 6. Contract pre-conditions and invariants. The contract version is
	// pinned here; a reload mid-flight does not retroactively apply.
	contract := k.library.Resolve(req.Operation)
	results := k.checker.CheckPre(ctx, contract, req)
	contractPassed := contracts.AllPassed(results)
	k.observe(BarrierContract, req.ID, !contractPassed, start)
	if !contractPassed {
		failed := contracts.FailedConditions(results)
		return k.finalize(ctx, req, op, start, level, &contracts.Decision{
			Verdict:    contracts.VerdictDeny,
			Reason:     contracts.ReasonPreConditionFailed,
			Detail:     fmt.Sprintf("%d of %d conditions failed (first: %s)", len(failed), len(results), failed[0].Condition),
			Conditions: results,
		}), nil
	}

	d := k.finalize(ctx, req, op, start, level, &contracts.Decision{
		Verdict:    contracts.VerdictApprove,
		Reason:     contracts.ReasonApproved,
		Conditions: results,
	})
	if d.Approved() {
		k.pin(req.ID, pending{contract: contract, op: op, level: level})
	}
	return d, nil
}

// pin remembers the decision context for req.ID until its outcome is
// reported, evicting the oldest unreported pin past MaxInFlight so callers
// that never report cannot grow the map without bound.
func (k *Kernel) pin(id string, p pending) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.inFlight[id]; !ok {
		k.pinOrder = append(k.pinOrder, id)
	}
	k.inFlight[id] = p
	for len(k.inFlight) > k.cfg.MaxInFlight && len(k.pinOrder) > 0 {
		oldest := k.pinOrder[0]
		k.pinOrder = k.pinOrder[1:]
		if _, ok := k.inFlight[oldest]; ok {
			delete(k.inFlight, oldest)
			k.logger.Warn("dropped oldest unreported decision pin", "request_id", oldest)
		}
	}
	// pinOrder carries tombstones for reported outcomes; compact before
	// they dominate.
	if len(k.pinOrder) > 2*k.cfg.MaxInFlight {
		live := make([]string, 0, len(k.inFlight))
		for _, pid := range k.pinOrder {
			if _, ok := k.inFlight[pid]; ok {
				live = append(live, pid)
			}
		}
		k.pinOrder = live
	}
}

// finalize stamps the decision, writes the audit record, and applies the
// audit-failure conversion: a would-be approval that cannot be proven
// becomes DENY(AUDIT_FAILED); an existing denial keeps its reason and
// surfaces the append failure in AuditError.
func (k *Kernel) finalize(ctx context.Context, req *contracts.OperationRequest, op *registry.Operation, start time.Time, level string, d *contracts.Decision) *contracts.Decision {
	now := k.clock.Now()
	d.RequestID = requestID(req)
	d.AutonomyLevel = level
	d.DecidedAt = now
	d.Latency = now.Sub(start)

	rec := &contracts.DecisionRecord{
		RequestID:     d.RequestID,
		Phase:         contracts.PhaseDecision,
		EventType:     contracts.EventDecision,
		Timestamp:     now,
		Agent:         requestAgent(req),
		Operation:     requestOperation(req),
		AutonomyLevel: level,
		Verdict:       string(d.Verdict),
		Reason:        d.Reason,
		Detail:        d.Detail,
		Conditions:    d.Conditions,
		LatencyMicros: d.Latency.Microseconds(),
	}
	if req != nil {
		rec.RiskCategory = req.RiskCategory
		rec.Payload = req.Payload
	}

	auditCtx, cancel := context.WithTimeout(ctx, k.cfg.AuditTimeout)
	appendErr := k.audit.Append(auditCtx, rec)
	cancel()
	if appendErr != nil {
		if d.Verdict == contracts.VerdictApprove || d.Verdict == contracts.VerdictEscalate {
			// The operation must not proceed if it cannot be proven to
			// have been decided.
			d.Verdict = contracts.VerdictDeny
			d.Reason = contracts.ReasonAuditFailed
			d.Detail = fmt.Sprintf("audit append failed: %v", appendErr)
			d.Conditions = nil
		}
		d.AuditError = appendErr.Error()
		k.logger.Error("audit append failed",
			"request_id", d.RequestID, "verdict", string(d.Verdict), "error", appendErr)
	} else {
		d.RecordDigest = rec.Digest
	}

	if k.reputation != nil && req != nil {
		k.reputation.RecordDecision(req.Agent, d.Verdict, d.Reason)
	}
	k.observe(BarrierDecision, d.RequestID, d.Verdict != contracts.VerdictApprove, start)

	k.logger.Info("decision",
		"request_id", d.RequestID,
		"operation", requestOperation(req),
		"agent", requestAgent(req),
		"verdict", string(d.Verdict),
		"reason", string(d.Reason),
		"level", level,
		"latency", d.Latency)
	return d
}

// RecordOutcome is the second phase: the caller reports the result of an
// executed operation, the kernel checks post-conditions and invariants
// (re-resolving paths at use time), feeds the failure counters, and writes
// a linked outcome record.
func (k *Kernel) RecordOutcome(ctx context.Context, req *contracts.OperationRequest, result *contracts.OperationResult) (post *contracts.PostDecision, err error) {
	start := k.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("outcome pipeline panicked", "request_id", requestID(req), "panic", fmt.Sprint(r))
			post = &contracts.PostDecision{
				RequestID:  requestID(req),
				Verdict:    contracts.PostVerdictFail,
				Reason:     contracts.ReasonInternalError,
				RecordedAt: k.clock.Now(),
			}
			err = nil
		}
	}()

	if req == nil || req.ID == "" {
		return nil, contracts.ErrInvalidRequest
	}
	if result == nil {
		return nil, fmt.Errorf("%w: nil result", contracts.ErrInvalidRequest)
	}

	k.mu.Lock()
	pin, pinned := k.inFlight[req.ID]
	delete(k.inFlight, req.ID)
	k.mu.Unlock()

	contract := pin.contract
	op := pin.op
	if !pinned {
		// Process restart between phases: fall back to the live contract
		// and manifest. Conservative either way.
		contract = k.library.Resolve(req.Operation)
		op, _ = k.registry.Lookup(req.Operation)
	}

	results := k.checker.CheckPost(ctx, contract, req, result)
	passed := contracts.AllPassed(results) && result.Success

	post = &contracts.PostDecision{
		RequestID:  req.ID,
		Verdict:    contracts.PostVerdictPass,
		Reason:     contracts.ReasonApproved,
		Conditions: results,
	}
	if !passed {
		post.Verdict = contracts.PostVerdictFail
		post.Reason = outcomeReason(results, result)
		post.CriticalFailure = criticalFailure(results, result, op)
	}

	if k.machine != nil && !passed {
		k.machine.RecordFailure(ctx, req.ID, post.CriticalFailure)
	}
	if k.reputation != nil {
		k.reputation.RecordOutcome(req.Agent, passed)
	}

	now := k.clock.Now()
	post.RecordedAt = now
	rec := &contracts.DecisionRecord{
		RequestID:     req.ID,
		Phase:         contracts.PhaseOutcome,
		EventType:     contracts.EventOutcome,
		Timestamp:     now,
		Agent:         req.Agent,
		Operation:     req.Operation,
		RiskCategory:  req.RiskCategory,
		AutonomyLevel: pin.level,
		Verdict:       string(post.Verdict),
		Reason:        post.Reason,
		Conditions:    results,
		Payload:       result.Output,
		LatencyMicros: now.Sub(start).Microseconds(),
	}

	auditCtx, cancel := context.WithTimeout(ctx, k.cfg.AuditTimeout)
	appendErr := k.audit.Append(auditCtx, rec)
	cancel()
	if appendErr != nil {
		post.Verdict = contracts.PostVerdictFail
		post.Reason = contracts.ReasonAuditFailed
		k.logger.Error("outcome audit append failed", "request_id", req.ID, "error", appendErr)
	} else {
		post.RecordDigest = rec.Digest
	}

	k.observe(BarrierOutcome, req.ID, post.Verdict == contracts.PostVerdictFail, start)
	return post, nil
}

// outcomeReason picks the taxonomy reason for a failed outcome: a failed
// invariant outranks a failed post-condition, which outranks a plain
// execution failure.
func outcomeReason(results []contracts.ConditionResult, result *contracts.OperationResult) contracts.DecisionReason {
	reason := contracts.ReasonInternalError
	if !result.Success {
		reason = contracts.ReasonPostConditionFailed
	}
	for _, r := range contracts.FailedConditions(results) {
		if r.Kind == contracts.ConditionInvariant {
			return contracts.ReasonInvariantViolated
		}
		reason = contracts.ReasonPostConditionFailed
	}
	return reason
}

// criticalFailure grades an outcome failure. A failed critical-severity
// condition is always critical; a plain execution failure is critical for
// the high-risk bands.
func criticalFailure(results []contracts.ConditionResult, result *contracts.OperationResult, op *registry.Operation) bool {
	for _, r := range contracts.FailedConditions(results) {
		if r.Severity == contracts.SeverityCritical {
			return true
		}
	}
	if !result.Success && op != nil && op.RiskCategory.Weight() >= 0.8 {
		return true
	}
	return false
}

func (k *Kernel) observe(barrier, requestID string, blocked bool, start time.Time) {
	if k.observer == nil {
		return
	}
	k.observer.RecordObservation(barrier, metrics.Observation{
		RequestID: requestID,
		Blocked:   blocked,
		Latency:   k.clock.Now().Sub(start),
	})
}

func requestID(req *contracts.OperationRequest) string {
	if req == nil {
		return ""
	}
	return req.ID
}

func requestAgent(req *contracts.OperationRequest) string {
	if req == nil {
		return ""
	}
	return req.Agent
}

func requestOperation(req *contracts.OperationRequest) string {
	if req == nil {
		return ""
	}
	return req.Operation
}
