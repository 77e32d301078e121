package intent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember6784/archon-ai/pkg/contracts"
	"github.com/ember6784/archon-ai/pkg/pathguard"
)

func newTestChecker(t *testing.T) *Checker {
	t.Helper()
	ch, err := NewChecker(nil)
	require.NoError(t, err)
	return ch
}

func testRequest(t *testing.T, operation string, payload map[string]any) *contracts.OperationRequest {
	t.Helper()
	req, err := contracts.NewOperationRequest("agent-7", operation, contracts.RiskWrite,
		payload, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return req
}

func TestCheckPreEvaluatesEveryCondition(t *testing.T) {
	ch := newTestChecker(t)
	contract := NewContract("multi", "1.0.0", "write_file").
		Pre(Condition{Name: "first_fails", Type: TypeThreshold, Source: SourcePayload,
			Field: "size", Op: "le", Value: 10, Required: true}).
		Pre(Condition{Name: "second_fails", Type: TypePredicate, Expression: `payload.size < 5.0`}).
		Pre(Condition{Name: "third_passes", Type: TypePredicate, Expression: `request.agent == "agent-7"`}).
		MustBuild()

	req := testRequest(t, "write_file", map[string]any{"size": float64(100)})
	results := ch.CheckPre(context.Background(), contract, req)

	// No short-circuit: all three conditions are reported.
	require.Len(t, results, 3)
	assert.False(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.True(t, results[2].Passed)
	assert.False(t, contracts.AllPassed(results))
	assert.Len(t, contracts.FailedConditions(results), 2)
}

func TestPathConditionDelegatesToPathguard(t *testing.T) {
	ch := newTestChecker(t)
	root := t.TempDir()
	policy := pathguard.WriterPolicy(root)
	contract := NewContract("paths", "1.0.0", "write_file").
		Pre(Condition{Name: "path_allowed", Type: TypePath, Required: true, PathPolicy: &policy}).
		MustBuild()

	inside := filepath.Join(root, "out.txt")
	require.NoError(t, os.WriteFile(inside, []byte("x"), 0o600))

	ok := ch.CheckPre(context.Background(), contract, testRequest(t, "write_file", map[string]any{"path": inside}))
	assert.True(t, contracts.AllPassed(ok))

	traversal := ch.CheckPre(context.Background(), contract,
		testRequest(t, "write_file", map[string]any{"path": root + "/../../etc/passwd"}))
	require.Len(t, traversal, 1)
	assert.False(t, traversal[0].Passed)

	missing := ch.CheckPre(context.Background(), contract, testRequest(t, "write_file", map[string]any{}))
	assert.False(t, missing[0].Passed, "required path field must not be skippable")
}

func TestCodeConditionFlagsDangerousSource(t *testing.T) {
	ch := newTestChecker(t)
	contract := NewContract("code", "1.0.0", "exec_code").
		Pre(Condition{Name: "code_safe", Type: TypeCode, Required: true}).
		MustBuild()

	safe := testRequest(t, "exec_code", map[string]any{
		"code": "package main\n\nfunc main() { _ = 1 + 1 }\n",
	})
	assert.True(t, contracts.AllPassed(ch.CheckPre(context.Background(), contract, safe)))

	dangerous := testRequest(t, "exec_code", map[string]any{
		"code": "package main\n\nimport \"os/exec\"\n\nfunc main() { exec.Command(\"sh\").Run() }\n",
	})
	results := ch.CheckPre(context.Background(), contract, dangerous)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Contains(t, results[0].Message, "forbidden_import")

	unparseable := testRequest(t, "exec_code", map[string]any{"code": "not go at all {{"})
	assert.False(t, contracts.AllPassed(ch.CheckPre(context.Background(), contract, unparseable)),
		"parse failure must be unsafe, not unknown")
}

func TestThresholdSources(t *testing.T) {
	ch := newTestChecker(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		cond    Condition
		payload map[string]any
		result  *contracts.OperationResult
		passed  bool
	}{
		{
			name: "payload number within bound",
			cond: Condition{Name: "c", Type: TypeThreshold, Source: SourcePayload,
				Field: "notional", Op: "le", Value: 100, Required: true},
			payload: map[string]any{"notional": float64(50)},
			passed:  true,
		},
		{
			name: "field bytes over bound",
			cond: Condition{Name: "c", Type: TypeThreshold, Source: SourceFieldBytes,
				Field: "content", Op: "le", Value: 4, Required: true},
			payload: map[string]any{"content": "too long"},
			passed:  false,
		},
		{
			name: "result number checked post",
			cond: Condition{Name: "c", Type: TypeThreshold, Source: SourceResult,
				Field: "bytes_written", Op: "le", Value: 10},
			payload: map[string]any{},
			result:  &contracts.OperationResult{Output: map[string]any{"bytes_written": float64(99)}},
			passed:  false,
		},
		{
			name: "optional absent field passes",
			cond: Condition{Name: "c", Type: TypeThreshold, Source: SourcePayload,
				Field: "notional", Op: "le", Value: 100},
			payload: map[string]any{},
			passed:  true,
		},
		{
			name: "required absent field fails",
			cond: Condition{Name: "c", Type: TypeThreshold, Source: SourcePayload,
				Field: "notional", Op: "le", Value: 100, Required: true},
			payload: map[string]any{},
			passed:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest(t, "trade_execute", tt.payload)
			res := ch.evaluate(ctx, &tt.cond, contracts.ConditionPre, req, tt.result)
			assert.Equal(t, tt.passed, res.Passed, res.Message)
		})
	}
}

func TestPredicateFailsClosed(t *testing.T) {
	ch := newTestChecker(t)
	req := testRequest(t, "write_file", map[string]any{"path": "/workspace/a"})

	compileError := Condition{Name: "bad", Type: TypePredicate, Expression: `this is not CEL (((`}
	res := ch.evaluate(context.Background(), &compileError, contracts.ConditionPre, req, nil)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "compile")

	nonBool := Condition{Name: "nonbool", Type: TypePredicate, Expression: `"a string"`}
	res = ch.evaluate(context.Background(), &nonBool, contracts.ConditionPre, req, nil)
	assert.False(t, res.Passed)

	evalError := Condition{Name: "missing", Type: TypePredicate, Expression: `payload.absent == 1.0`}
	res = ch.evaluate(context.Background(), &evalError, contracts.ConditionPre, req, nil)
	assert.False(t, res.Passed)
}

func TestPredicateProgramsAreCached(t *testing.T) {
	ch := newTestChecker(t)
	req := testRequest(t, "write_file", map[string]any{})
	cond := Condition{Name: "cached", Type: TypePredicate, Expression: `request.operation == "write_file"`}

	for i := 0; i < 3; i++ {
		res := ch.evaluate(context.Background(), &cond, contracts.ConditionPre, req, nil)
		assert.True(t, res.Passed)
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	assert.Len(t, ch.programs, 1)
}

func TestCheckPostRunsInvariantsAgain(t *testing.T) {
	ch := newTestChecker(t)
	contract := NewContract("inv", "1.0.0", "write_file").
		Post(Condition{Name: "exit_clean", Type: TypePredicate,
			Expression: `result.exit_code == 0.0`}).
		Invariant(Condition{Name: "agent_stable", Type: TypePredicate,
			Expression: `request.agent == "agent-7"`}).
		MustBuild()

	req := testRequest(t, "write_file", map[string]any{})
	results := ch.CheckPost(context.Background(), contract, req,
		&contracts.OperationResult{Output: map[string]any{"exit_code": float64(0)}})
	require.Len(t, results, 2)
	assert.True(t, contracts.AllPassed(results))
	assert.Equal(t, contracts.ConditionPost, results[0].Kind)
	assert.Equal(t, contracts.ConditionInvariant, results[1].Kind)
}

func TestDefaultContractIsConservative(t *testing.T) {
	ch := newTestChecker(t)
	fallback := DefaultContract()

	// A write attempt through the fallback fails the zero-byte budget.
	req := testRequest(t, "mystery_op", map[string]any{"content": "payload"})
	results := ch.CheckPre(context.Background(), fallback, req)
	assert.False(t, contracts.AllPassed(results))
}
