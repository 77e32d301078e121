package intent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/ember6784/archon-ai/pkg/analyzer"
	"github.com/ember6784/archon-ai/pkg/canonicalize"
	"github.com/ember6784/archon-ai/pkg/contracts"
	"github.com/ember6784/archon-ai/pkg/pathguard"
)

// celCostLimit bounds one predicate evaluation. A runaway expression fails
// its condition instead of stalling the decision pipeline.
const celCostLimit = 1_000_000

// Checker evaluates contracts. Every condition is always evaluated (no
// short-circuit across conditions), so a caller sees the full violation
// set; the aggregate passes only when every condition passes. Compiled CEL
// programs are cached per expression under double-checked locking.
type Checker struct {
	env    *cel.Env
	logger *slog.Logger

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewChecker builds a Checker with the standard activation environment:
// "request" (identifying fields), "payload", and "result" maps.
func NewChecker(logger *slog.Logger) (*Checker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("result", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("intent: creating CEL env: %w", err)
	}
	return &Checker{
		env:      env,
		logger:   logger.With("component", "intent"),
		programs: make(map[string]cel.Program),
	}, nil
}

// CheckPre evaluates the contract's pre-conditions followed by its
// invariants against the request.
func (ch *Checker) CheckPre(ctx context.Context, c *Contract, req *contracts.OperationRequest) []contracts.ConditionResult {
	results := make([]contracts.ConditionResult, 0, len(c.Pre)+len(c.Invariants))
	for i := range c.Pre {
		results = append(results, ch.evaluate(ctx, &c.Pre[i], contracts.ConditionPre, req, nil))
	}
	for i := range c.Invariants {
		results = append(results, ch.evaluate(ctx, &c.Invariants[i], contracts.ConditionInvariant, req, nil))
	}
	return results
}

// CheckPost evaluates the contract's post-conditions followed by its
// invariants against the request and the reported outcome. Path conditions
// re-resolve at this point, so a target swapped between decision and use
// is caught here.
func (ch *Checker) CheckPost(ctx context.Context, c *Contract, req *contracts.OperationRequest, result *contracts.OperationResult) []contracts.ConditionResult {
	results := make([]contracts.ConditionResult, 0, len(c.Post)+len(c.Invariants))
	for i := range c.Post {
		results = append(results, ch.evaluate(ctx, &c.Post[i], contracts.ConditionPost, req, result))
	}
	for i := range c.Invariants {
		results = append(results, ch.evaluate(ctx, &c.Invariants[i], contracts.ConditionInvariant, req, result))
	}
	return results
}

// evaluate runs one condition. A panic inside any checker is recovered and
// reported as a failed condition: unsafe by default, never a crash.
func (ch *Checker) evaluate(ctx context.Context, cond *Condition, kind contracts.ConditionKind, req *contracts.OperationRequest, result *contracts.OperationResult) (out contracts.ConditionResult) {
	out = contracts.ConditionResult{
		Condition: cond.Name,
		Kind:      kind,
		Severity:  cond.severity(),
	}
	defer func() {
		if r := recover(); r != nil {
			ch.logger.Error("condition evaluation panicked",
				"condition", cond.Name, "type", string(cond.Type), "panic", fmt.Sprint(r))
			out.Passed = false
			out.Message = fmt.Sprintf("internal error evaluating condition: %v", r)
		}
	}()

	switch cond.Type {
	case TypePath:
		out.Passed, out.Message = ch.evalPath(cond, req)
	case TypeCode:
		out.Passed, out.Message = ch.evalCode(ctx, cond, req)
	case TypeThreshold:
		out.Passed, out.Message = ch.evalThreshold(cond, req, result)
	case TypePredicate:
		out.Passed, out.Message = ch.evalPredicate(cond, req, result)
	default:
		out.Passed = false
		out.Message = fmt.Sprintf("unknown condition type %q", cond.Type)
	}
	return out
}

func (ch *Checker) evalPath(cond *Condition, req *contracts.OperationRequest) (bool, string) {
	path, ok := req.PayloadString(cond.field())
	if !ok {
		if cond.Required {
			return false, fmt.Sprintf("required path field %q missing", cond.field())
		}
		return true, ""
	}
	policy := pathguard.DefaultPolicy()
	if cond.PathPolicy != nil {
		policy = *cond.PathPolicy
	}
	res := pathguard.Validate(path, policy)
	if !res.Valid {
		return false, res.Reason
	}
	return true, ""
}

func (ch *Checker) evalCode(ctx context.Context, cond *Condition, req *contracts.OperationRequest) (bool, string) {
	code, ok := req.PayloadString(cond.field())
	if !ok {
		if cond.Required {
			return false, fmt.Sprintf("required code field %q missing", cond.field())
		}
		return true, ""
	}

	sub := analyzer.Submission{Source: []byte(code)}
	if artifactB64, ok := req.PayloadString("artifact"); ok && artifactB64 != "" {
		artifact, err := base64.StdEncoding.DecodeString(artifactB64)
		if err != nil {
			return false, fmt.Sprintf("artifact is not valid base64: %v", err)
		}
		sub.Artifact = artifact
	}

	a := analyzer.New(analyzer.Config{Tier: cond.Tier, AllowImports: cond.AllowImports})
	res := a.AnalyzeSubmission(ctx, sub)
	if res.Safe {
		return true, ""
	}
	return false, summarizeViolations(res.Violations)
}

func summarizeViolations(violations []analyzer.Violation) string {
	if len(violations) == 0 {
		return "analysis failed"
	}
	msg := fmt.Sprintf("%s: %s", violations[0].Code, violations[0].Message)
	if len(violations) > 1 {
		msg = fmt.Sprintf("%s (+%d more)", msg, len(violations)-1)
	}
	return msg
}

func (ch *Checker) evalThreshold(cond *Condition, req *contracts.OperationRequest, result *contracts.OperationResult) (bool, string) {
	observed, present, err := observe(cond, req, result)
	if err != nil {
		return false, err.Error()
	}
	if !present {
		if cond.Required {
			return false, fmt.Sprintf("required field %q missing for threshold check", cond.Field)
		}
		return true, ""
	}
	cmp := thresholdOps[cond.Op]
	if cmp == nil {
		return false, fmt.Sprintf("unknown threshold op %q", cond.Op)
	}
	if !cmp(observed, cond.Value) {
		return false, fmt.Sprintf("observed %g violates %s %g", observed, cond.Op, cond.Value)
	}
	return true, ""
}

// observe fetches the number a threshold condition compares. The bool
// reports whether the source field was present at all.
func observe(cond *Condition, req *contracts.OperationRequest, result *contracts.OperationResult) (float64, bool, error) {
	switch cond.source() {
	case SourcePayload:
		n, ok := req.PayloadNumber(cond.Field)
		return n, ok, nil
	case SourceResult:
		if result == nil {
			return 0, false, nil
		}
		n, ok := result.OutputNumber(cond.Field)
		return n, ok, nil
	case SourceFieldBytes:
		s, ok := req.PayloadString(cond.Field)
		if !ok {
			return 0, false, nil
		}
		return float64(len(s)), true, nil
	case SourcePayloadBytes:
		data, err := canonicalize.JCS(req.Payload)
		if err != nil {
			return 0, false, fmt.Errorf("payload not canonicalizable: %w", err)
		}
		return float64(len(data)), true, nil
	}
	return 0, false, fmt.Errorf("unknown threshold source %q", cond.Source)
}

func (ch *Checker) evalPredicate(cond *Condition, req *contracts.OperationRequest, result *contracts.OperationResult) (bool, string) {
	prg, err := ch.program(cond.Expression)
	if err != nil {
		// A malformed predicate denies what it guards; an unevaluable
		// contract must never approve anything.
		return false, fmt.Sprintf("predicate compile failed: %v", err)
	}

	activation := map[string]any{
		"request": map[string]any{
			"id":            req.ID,
			"agent":         req.Agent,
			"operation":     req.Operation,
			"risk_category": string(req.RiskCategory),
			"confidence":    req.Confidence,
			"issued_at":     req.IssuedAt.Unix(),
		},
		"payload": req.Payload,
		"result":  map[string]any{},
	}
	if result != nil && result.Output != nil {
		activation["result"] = result.Output
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Sprintf("predicate evaluation failed: %v", err)
	}
	passed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Sprintf("predicate yielded %T, want bool", out.Value())
	}
	if !passed {
		return false, fmt.Sprintf("predicate %q not satisfied", cond.Expression)
	}
	return true, ""
}

// program returns the cached compiled form of expr, compiling under
// double-checked locking on first use.
func (ch *Checker) program(expr string) (cel.Program, error) {
	ch.mu.RLock()
	prg, hit := ch.programs[expr]
	ch.mu.RUnlock()
	if hit {
		return prg, nil
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if prg, hit = ch.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := ch.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := ch.env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, err
	}
	ch.programs[expr] = prg
	return prg, nil
}
