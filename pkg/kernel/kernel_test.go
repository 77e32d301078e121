package kernel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember6784/archon-ai/pkg/audit"
	"github.com/ember6784/archon-ai/pkg/autonomy"
	"github.com/ember6784/archon-ai/pkg/contracts"
	"github.com/ember6784/archon-ai/pkg/intent"
	"github.com/ember6784/archon-ai/pkg/pathguard"
	"github.com/ember6784/archon-ai/pkg/rbac"
	"github.com/ember6784/archon-ai/pkg/registry"
)

type harness struct {
	kernel  *Kernel
	store   *audit.MemoryStore
	log     *audit.Log
	machine *autonomy.Machine
	library *intent.Library
	auth    *rbac.StaticAuthorizer
	clock   *contracts.FixedClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clock := &contracts.FixedClock{Instant: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	store := audit.NewMemoryStore()
	log, err := audit.NewLog(ctx, store, clock, nil)
	require.NoError(t, err)

	machine, err := autonomy.NewMachine(ctx, autonomy.DefaultConfig(), clock, nil, log, nil, nil)
	require.NoError(t, err)

	library := intent.NewLibrary(log, nil)
	checker, err := intent.NewChecker(nil)
	require.NoError(t, err)

	reg := registry.New(library, nil)
	require.NoError(t, registry.RegisterDefaults(reg))

	auth := rbac.NewStaticAuthorizer()
	require.NoError(t, auth.Bind("agent-7", rbac.RoleAdmin))

	k, err := New(Deps{
		Registry:   reg,
		Authorizer: auth,
		Machine:    machine,
		Library:    library,
		Checker:    checker,
		Audit:      log,
		Clock:      clock,
	}, Config{})
	require.NoError(t, err)

	return &harness{kernel: k, store: store, log: log, machine: machine, library: library, auth: auth, clock: clock}
}

// installWritableContract rebinds write_file's contract to a policy rooted
// in a real temp dir so approval paths are reachable in tests.
func (h *harness) installWritableContract(t *testing.T, root string) {
	t.Helper()
	policy := pathguard.WriterPolicy(root)
	c := intent.NewContract("write-file", "9.9.9", "write_file").
		Pre(intent.Condition{Name: "path_writable", Type: intent.TypePath, Required: true, PathPolicy: &policy}).
		Post(intent.Condition{Name: "bytes_written_bounded", Type: intent.TypeThreshold,
			Source: intent.SourceResult, Field: "bytes_written", Op: "le", Value: 1 << 20}).
		Invariant(intent.Condition{Name: "path_still_writable", Type: intent.TypePath, Required: true, PathPolicy: &policy}).
		MustBuild()
	require.NoError(t, h.library.Install(context.Background(), []*intent.Contract{c}))
}

func request(t *testing.T, h *harness, operation string, risk contracts.RiskCategory, payload map[string]any) *contracts.OperationRequest {
	t.Helper()
	req, err := contracts.NewOperationRequest("agent-7", operation, risk, payload, h.clock.Now())
	require.NoError(t, err)
	return req
}

func lastRecord(t *testing.T, h *harness) *contracts.DecisionRecord {
	t.Helper()
	seq, _ := h.log.Head()
	rec, err := h.store.Get(context.Background(), seq)
	require.NoError(t, err)
	return rec
}

func TestUnknownOperationDeniedBeforeRBAC(t *testing.T) {
	h := newHarness(t)
	rbacCalled := false
	k, err := New(Deps{
		Registry: h.kernel.registry,
		Authorizer: rbac.AuthorizerFunc(func(ctx context.Context, identity, operation string) (bool, error) {
			rbacCalled = true
			return true, nil
		}),
		Machine: h.machine,
		Library: h.library,
		Checker: h.kernel.checker,
		Audit:   h.log,
		Clock:   h.clock,
	}, Config{})
	require.NoError(t, err)

	req := request(t, h, "format_disk", contracts.RiskDelete, map[string]any{})
	d, err := k.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, d.Verdict)
	assert.Equal(t, contracts.ReasonUnknownOperation, d.Reason)
	assert.False(t, rbacCalled, "whitelist miss must never reach RBAC")

	rec := lastRecord(t, h)
	assert.Equal(t, string(contracts.VerdictDeny), rec.Verdict)
	assert.Equal(t, req.ID, rec.RequestID)
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t)
	req, err := contracts.NewOperationRequest("stranger", "read_file", contracts.RiskRead,
		map[string]any{"path": "/workspace/a"}, h.clock.Now())
	require.NoError(t, err)

	d, err := h.kernel.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, d.Verdict)
	assert.Equal(t, contracts.ReasonPermissionDenied, d.Reason)
}

func TestUnreachableRBACDenies(t *testing.T) {
	h := newHarness(t)
	k, err := New(Deps{
		Registry: h.kernel.registry,
		Authorizer: rbac.AuthorizerFunc(func(ctx context.Context, identity, operation string) (bool, error) {
			return true, errors.New("rbac backend unreachable")
		}),
		Machine: h.machine,
		Library: h.library,
		Checker: h.kernel.checker,
		Audit:   h.log,
		Clock:   h.clock,
	}, Config{})
	require.NoError(t, err)

	req := request(t, h, "read_file", contracts.RiskRead, map[string]any{"path": "/workspace/a"})
	d, err := k.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, d.Verdict)
	assert.Equal(t, contracts.ReasonPermissionDenied, d.Reason)
}

func TestTraversalDeleteDeniedWithAuditRecord(t *testing.T) {
	h := newHarness(t)
	req := request(t, h, "delete_file", contracts.RiskDelete,
		map[string]any{"path": "../../etc/passwd"})

	d, err := h.kernel.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, d.Verdict)
	assert.Equal(t, contracts.ReasonPreConditionFailed, d.Reason)
	require.NotEmpty(t, d.Conditions)

	var pathFailed bool
	for _, c := range contracts.FailedConditions(d.Conditions) {
		if c.Condition == "path_not_allowed" {
			pathFailed = true
		}
	}
	assert.True(t, pathFailed, "the path condition must be the reported failure")

	rec := lastRecord(t, h)
	assert.Equal(t, string(contracts.VerdictDeny), rec.Verdict)
	assert.NotEqual(t, string(contracts.VerdictApprove), rec.Verdict)
}

func TestBlackLevelDeniesBeforeContract(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Two critical failures trip the panic sub-state.
	h.machine.RecordFailure(ctx, "req-a", true)
	h.machine.RecordFailure(ctx, "req-b", true)
	require.True(t, h.machine.Snapshot().Panic)

	req := request(t, h, "write_file", contracts.RiskWrite,
		map[string]any{"path": "/workspace/out.txt", "content": "x"})
	d, err := h.kernel.Decide(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, d.Verdict)
	assert.Equal(t, contracts.ReasonAutonomyRestricted, d.Reason)
	assert.Empty(t, d.Conditions, "contract must not be evaluated at a restricted level")

	// Liveness alone never clears panic.
	h.machine.RecordLiveness(ctx, "operator", "checking in")
	d, err = h.kernel.Decide(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonAutonomyRestricted, d.Reason)
}

func TestAmberEscalatesDeleteOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.clock.Advance(3 * time.Hour) // past the AMBER liveness threshold
	req := request(t, h, "delete_file", contracts.RiskDelete,
		map[string]any{"path": "/tmp/scratch"})
	d, err := h.kernel.Decide(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictEscalate, d.Verdict)
	assert.Equal(t, contracts.ReasonEscalated, d.Reason)
	assert.Equal(t, "AMBER", d.AutonomyLevel)
}

func TestApproveWritesLinkedAuditRecord(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	h.installWritableContract(t, root)

	req := request(t, h, "write_file", contracts.RiskWrite,
		map[string]any{"path": filepath.Join(root, "out.txt"), "content": "hello"})
	d, err := h.kernel.Decide(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictApprove, d.Verdict, d.Detail)
	assert.Equal(t, contracts.ReasonApproved, d.Reason)
	assert.NotEmpty(t, d.RecordDigest)
	assert.Empty(t, d.AuditError)

	rec := lastRecord(t, h)
	assert.Equal(t, d.RecordDigest, rec.Digest)
	assert.Equal(t, contracts.PhaseDecision, rec.Phase)
	assert.NoError(t, h.log.VerifyChain(context.Background(), 0, 0))
}

func TestAuditFailureFlipsApproveToDeny(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	h.installWritableContract(t, root)
	h.store.SetFailing(true)

	req := request(t, h, "write_file", contracts.RiskWrite,
		map[string]any{"path": filepath.Join(root, "out.txt"), "content": "hello"})
	d, err := h.kernel.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, d.Verdict)
	assert.Equal(t, contracts.ReasonAuditFailed, d.Reason)
	assert.NotEmpty(t, d.AuditError)
}

func TestAuditFailureOnDenyKeepsReason(t *testing.T) {
	h := newHarness(t)
	h.store.SetFailing(true)

	req := request(t, h, "format_disk", contracts.RiskDelete, map[string]any{})
	d, err := h.kernel.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, d.Verdict)
	assert.Equal(t, contracts.ReasonUnknownOperation, d.Reason, "denial reason survives the append failure")
	assert.NotEmpty(t, d.AuditError)
}

func TestDeclaredRiskMismatchDenied(t *testing.T) {
	h := newHarness(t)
	req := request(t, h, "delete_file", contracts.RiskRead, // understated
		map[string]any{"path": "/tmp/scratch"})
	d, err := h.kernel.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, d.Verdict)
	assert.Equal(t, contracts.ReasonPreConditionFailed, d.Reason)
	assert.Contains(t, d.Detail, "risk category")
}

func TestPayloadSchemaRejection(t *testing.T) {
	h := newHarness(t)
	req := request(t, h, "write_file", contracts.RiskWrite,
		map[string]any{"path": "/workspace/a"}) // missing content
	d, err := h.kernel.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, d.Verdict)
	assert.Equal(t, contracts.ReasonPreConditionFailed, d.Reason)
}

type denyingLimiter struct{ err error }

func (d denyingLimiter) Allow(ctx context.Context, agent string, multiplier float64) error {
	return d.err
}

func TestRateLimitDenies(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	h.installWritableContract(t, root)

	k, err := New(Deps{
		Registry:   h.kernel.registry,
		Authorizer: h.auth,
		Machine:    h.machine,
		Library:    h.library,
		Checker:    h.kernel.checker,
		Audit:      h.log,
		Limiter:    denyingLimiter{err: errors.New("bucket empty")},
		Clock:      h.clock,
	}, Config{})
	require.NoError(t, err)

	req := request(t, h, "write_file", contracts.RiskWrite,
		map[string]any{"path": filepath.Join(root, "out.txt"), "content": "x"})
	d, err := k.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictDeny, d.Verdict)
	assert.Equal(t, contracts.ReasonRateLimited, d.Reason)
}

func TestUnreportedOutcomesEvictOldestPin(t *testing.T) {
	h := newHarness(t)
	h.kernel.cfg.MaxInFlight = 2
	root := t.TempDir()
	h.installWritableContract(t, root)
	ctx := context.Background()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		req := request(t, h, "write_file", contracts.RiskWrite,
			map[string]any{"path": filepath.Join(root, fmt.Sprintf("f%d.txt", i)), "content": "x"})
		d, err := h.kernel.Decide(ctx, req)
		require.NoError(t, err)
		require.True(t, d.Approved())
		ids = append(ids, req.ID)
	}

	h.kernel.mu.Lock()
	size := len(h.kernel.inFlight)
	_, oldestPinned := h.kernel.inFlight[ids[0]]
	_, newestPinned := h.kernel.inFlight[ids[4]]
	h.kernel.mu.Unlock()

	assert.Equal(t, 2, size, "pin set stays at the configured bound")
	assert.False(t, oldestPinned, "oldest pin dropped first")
	assert.True(t, newestPinned)

	// A late report for a dropped pin still resolves via the live
	// contract instead of failing.
	evicted := request(t, h, "write_file", contracts.RiskWrite,
		map[string]any{"path": filepath.Join(root, "f0.txt"), "content": "x"})
	post, err := h.kernel.RecordOutcome(ctx, evicted, &contracts.OperationResult{
		RequestID: evicted.ID,
		Success:   true,
		Output:    map[string]any{"bytes_written": float64(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.PostVerdictPass, post.Verdict)
}

func TestRecordOutcomeHappyPath(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	h.installWritableContract(t, root)
	ctx := context.Background()

	req := request(t, h, "write_file", contracts.RiskWrite,
		map[string]any{"path": filepath.Join(root, "out.txt"), "content": "hello"})
	d, err := h.kernel.Decide(ctx, req)
	require.NoError(t, err)
	require.True(t, d.Approved())

	post, err := h.kernel.RecordOutcome(ctx, req, &contracts.OperationResult{
		RequestID: req.ID,
		Success:   true,
		Output:    map[string]any{"bytes_written": float64(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.PostVerdictPass, post.Verdict)
	assert.False(t, post.CriticalFailure)

	rec := lastRecord(t, h)
	assert.Equal(t, contracts.PhaseOutcome, rec.Phase)
	assert.Equal(t, req.ID, rec.RequestID)
	assert.NoError(t, h.log.VerifyChain(ctx, 0, 0))
}

func TestRecordOutcomePinsContractAcrossReload(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	h.installWritableContract(t, root)
	ctx := context.Background()

	req := request(t, h, "write_file", contracts.RiskWrite,
		map[string]any{"path": filepath.Join(root, "out.txt"), "content": "hello"})
	d, err := h.kernel.Decide(ctx, req)
	require.NoError(t, err)
	require.True(t, d.Approved())

	// Hot-reload a stricter contract mid-flight; the in-flight request
	// must still be judged by the version it was decided against.
	strict := intent.NewContract("write-file", "10.0.0", "write_file").
		Post(intent.Condition{Name: "always_fails", Type: intent.TypePredicate, Expression: `false`}).
		MustBuild()
	require.NoError(t, h.library.Install(ctx, []*intent.Contract{strict}))

	post, err := h.kernel.RecordOutcome(ctx, req, &contracts.OperationResult{
		RequestID: req.ID,
		Success:   true,
		Output:    map[string]any{"bytes_written": float64(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.PostVerdictPass, post.Verdict)
}

func TestCriticalOutcomesTripPanic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Approve two exec_code requests via a permissive override, then
	// report critical failures for both.
	c := intent.NewContract("exec-code", "9.9.9", "exec_code").
		Pre(intent.Condition{Name: "open", Type: intent.TypePredicate, Expression: `true`}).
		Post(intent.Condition{Name: "exit_clean", Type: intent.TypePredicate,
			Severity: contracts.SeverityCritical, Expression: `result.exit_code == 0.0`}).
		MustBuild()
	require.NoError(t, h.library.Install(ctx, []*intent.Contract{c}))

	for i := 0; i < 2; i++ {
		req, err := contracts.NewOperationRequest("agent-7", "exec_code", contracts.RiskExecute,
			map[string]any{"code": "package main\nfunc main() {}\n", "artifact": ""}, h.clock.Now())
		require.NoError(t, err)
		h.clock.Advance(time.Second)

		d, derr := h.kernel.Decide(ctx, req)
		require.NoError(t, derr)
		require.True(t, d.Approved(), d.Detail)

		post, perr := h.kernel.RecordOutcome(ctx, req, &contracts.OperationResult{
			RequestID: req.ID,
			Success:   false,
			Error:     "sandbox crashed",
			Output:    map[string]any{"exit_code": float64(137)},
		})
		require.NoError(t, perr)
		assert.Equal(t, contracts.PostVerdictFail, post.Verdict)
		assert.True(t, post.CriticalFailure)
	}

	snap := h.machine.Snapshot()
	assert.True(t, snap.Panic, "two critical outcomes must trip the panic sub-state")
	assert.Equal(t, autonomy.Black, snap.Level)
}

func TestDecisionUsesOneAutonomySnapshot(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	h.installWritableContract(t, root)

	req := request(t, h, "write_file", contracts.RiskWrite,
		map[string]any{"path": filepath.Join(root, "out.txt"), "content": "x"})
	d, err := h.kernel.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "GREEN", d.AutonomyLevel)

	rec := lastRecord(t, h)
	assert.Equal(t, "GREEN", rec.AutonomyLevel, "record carries the decision's own snapshot")
}
