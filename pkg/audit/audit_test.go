package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember6784/archon-ai/pkg/canonicalize"
	"github.com/ember6784/archon-ai/pkg/contracts"
)

func newTestLog(t *testing.T) (*Log, *MemoryStore, *contracts.FixedClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := &contracts.FixedClock{Instant: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	log, err := NewLog(context.Background(), store, clock, nil)
	require.NoError(t, err)
	return log, store, clock
}

func decisionRecord(i int) *contracts.DecisionRecord {
	return &contracts.DecisionRecord{
		RequestID:     "req-" + string(rune('a'+i)),
		Phase:         contracts.PhaseDecision,
		EventType:     contracts.EventDecision,
		Agent:         "agent-7",
		Operation:     "write_file",
		RiskCategory:  contracts.RiskWrite,
		AutonomyLevel: "GREEN",
		Verdict:       "APPROVE",
		Reason:        contracts.ReasonApproved,
		Payload:       map[string]any{"path": "/workspace/out.txt"},
	}
}

func TestAppendBuildsChain(t *testing.T) {
	log, _, _ := newTestLog(t)
	ctx := context.Background()

	prev := genesisDigest
	for i := 0; i < 5; i++ {
		rec := decisionRecord(i)
		require.NoError(t, log.Append(ctx, rec))
		assert.Equal(t, uint64(i+1), rec.Sequence)
		assert.Equal(t, prev, rec.PrevDigest)
		assert.NotEmpty(t, rec.Digest)
		assert.NotEmpty(t, rec.ID)
		prev = rec.Digest
	}

	seq, head := log.Head()
	assert.Equal(t, uint64(5), seq)
	assert.Equal(t, prev, head)
	assert.NoError(t, log.VerifyChain(ctx, 0, 0))
}

func TestAppendRedactsSensitivePayload(t *testing.T) {
	log, store, _ := newTestLog(t)
	ctx := context.Background()

	rec := decisionRecord(0)
	rec.Payload = map[string]any{
		"path":    "/workspace/out.txt",
		"api_key": "sk-live-123",
		"options": map[string]any{
			"github_token": "ghp_abc",
			"retries":      3,
		},
	}
	require.NoError(t, log.Append(ctx, rec))

	stored, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "/workspace/out.txt", stored.Payload["path"])
	assert.Equal(t, redactedValue, stored.Payload["api_key"])
	options := stored.Payload["options"].(map[string]any)
	assert.Equal(t, redactedValue, options["github_token"])
	assert.Equal(t, 3, options["retries"])
}

func TestAppendFailureLeavesChainIntact(t *testing.T) {
	log, store, _ := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, decisionRecord(0)))
	seqBefore, headBefore := log.Head()

	store.SetFailing(true)
	err := log.Append(ctx, decisionRecord(1))
	assert.ErrorIs(t, err, ErrAppendFailed)

	seq, head := log.Head()
	assert.Equal(t, seqBefore, seq)
	assert.Equal(t, headBefore, head)

	store.SetFailing(false)
	require.NoError(t, log.Append(ctx, decisionRecord(2)))
	seq, _ = log.Head()
	assert.Equal(t, seqBefore+1, seq)
	assert.NoError(t, log.VerifyChain(ctx, 0, 0))
}

func TestVerifyChainDetectsContentTamper(t *testing.T) {
	log, store, _ := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, decisionRecord(i)))
	}

	require.NoError(t, store.Tamper(3, func(rec *contracts.DecisionRecord) {
		rec.Verdict = "DENY"
	}))

	err := log.VerifyChain(ctx, 0, 0)
	assert.ErrorIs(t, err, ErrChainBroken)
	assert.Contains(t, err.Error(), "record 3")
}

func TestVerifyChainDetectsSplice(t *testing.T) {
	log, store, _ := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, decisionRecord(i)))
	}

	// Rewrite record 3 including its digest, as an attacker with store
	// access would. The break then surfaces at the next link.
	require.NoError(t, store.Tamper(3, func(rec *contracts.DecisionRecord) {
		rec.Verdict = "DENY"
		digest, err := canonicalize.ChainDigest(rec.PrevDigest, recordContent(rec))
		if err != nil {
			panic(err)
		}
		rec.Digest = digest
	}))

	err := log.VerifyChain(ctx, 0, 0)
	assert.ErrorIs(t, err, ErrChainBroken)
	assert.Contains(t, err.Error(), "record 4")
}

func TestVerifyChainSubrange(t *testing.T) {
	log, _, _ := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, log.Append(ctx, decisionRecord(i)))
	}
	assert.NoError(t, log.VerifyChain(ctx, 3, 5))
	assert.NoError(t, log.VerifyChain(ctx, 1, 1))
	assert.NoError(t, log.VerifyChain(ctx, 6, 6))
}

func TestNewLogRecoversChainAcrossRestart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := NewLog(ctx, store, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, first.Append(ctx, decisionRecord(i)))
	}
	seqBefore, headBefore := first.Head()

	second, err := NewLog(ctx, store, nil, nil)
	require.NoError(t, err)
	seq, head := second.Head()
	assert.Equal(t, seqBefore, seq)
	assert.Equal(t, headBefore, head)

	require.NoError(t, second.Append(ctx, decisionRecord(3)))
	assert.NoError(t, second.VerifyChain(ctx, 0, 0))
}

func TestSubscribeSeesDurableAppends(t *testing.T) {
	log, store, _ := newTestLog(t)
	ctx := context.Background()

	var seen []uint64
	log.Subscribe(func(rec *contracts.DecisionRecord) {
		seen = append(seen, rec.Sequence)
	})

	require.NoError(t, log.Append(ctx, decisionRecord(0)))
	store.SetFailing(true)
	_ = log.Append(ctx, decisionRecord(1))
	store.SetFailing(false)
	require.NoError(t, log.Append(ctx, decisionRecord(2)))

	assert.Equal(t, []uint64{1, 2}, seen)
}

func TestQueryFilters(t *testing.T) {
	log, _, _ := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		rec := decisionRecord(i)
		if i%2 == 1 {
			rec.Agent = "agent-9"
			rec.Verdict = "DENY"
			rec.Reason = contracts.ReasonPermissionDenied
		}
		require.NoError(t, log.Append(ctx, rec))
	}

	denied, err := log.Query(ctx, Filter{Agent: "agent-9", Verdict: "DENY"})
	require.NoError(t, err)
	assert.Len(t, denied, 2)

	limited, err := log.Query(ctx, Filter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, limited, 3)

	none, err := log.Query(ctx, Filter{Operation: "exec_code"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBuildFilterQueryPlaceholders(t *testing.T) {
	filter := Filter{
		Agent:   "agent-7",
		Verdict: "APPROVE",
		Since:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Limit:   10,
	}

	query, args := buildFilterQuery(filter, postgresPlaceholders)
	assert.Contains(t, query, "agent = $1")
	assert.Contains(t, query, "verdict = $2")
	assert.Contains(t, query, "timestamp_ns >= $3")
	assert.Contains(t, query, "ORDER BY sequence ASC")
	assert.Contains(t, query, "LIMIT 10")
	assert.Len(t, args, 3)

	query, args = buildFilterQuery(filter, sqlitePlaceholders)
	assert.Contains(t, query, "agent = ?")
	assert.Len(t, args, 3)
}
