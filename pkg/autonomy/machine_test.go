package autonomy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// stubRecorder captures transition records and can simulate audit outage.
type stubRecorder struct {
	records []*contracts.DecisionRecord
	err     error
}

func (r *stubRecorder) Append(_ context.Context, rec *contracts.DecisionRecord) error {
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, rec)
	return nil
}

func (r *stubRecorder) events(event contracts.EventType) []*contracts.DecisionRecord {
	var out []*contracts.DecisionRecord
	for _, rec := range r.records {
		if rec.EventType == event {
			out = append(out, rec)
		}
	}
	return out
}

func newTestMachine(t *testing.T) (*Machine, *MemoryStateStore, *contracts.FixedClock, *stubRecorder) {
	t.Helper()
	clock := &contracts.FixedClock{Instant: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := NewMemoryStateStore()
	rec := &stubRecorder{}
	m, err := NewMachine(context.Background(), DefaultConfig(), clock, store, rec, nil, nil)
	require.NoError(t, err)
	return m, store, clock, rec
}

func runCycles(m *Machine, n int) Snapshot {
	var snap Snapshot
	for i := 0; i < n; i++ {
		snap = m.BeginCycle(context.Background())
	}
	return snap
}

func TestLevelParseAndOrdering(t *testing.T) {
	for _, level := range []Level{Green, Amber, Red, Black} {
		parsed, err := ParseLevel(level.String())
		require.NoError(t, err)
		assert.Equal(t, level, parsed)
	}
	_, err := ParseLevel("PURPLE")
	assert.Error(t, err)

	assert.True(t, Black.MoreRestrictiveThan(Red))
	assert.True(t, Red.MoreRestrictiveThan(Amber))
	assert.True(t, Amber.MoreRestrictiveThan(Green))
	assert.False(t, Green.MoreRestrictiveThan(Amber))
}

// Every step up the ladder must strictly shrink the set of categories
// that are not denied, and anything allowed at a stricter level must be
// allowed at every looser one.
func TestAccessSurfaceShrinksMonotonically(t *testing.T) {
	categories := []contracts.RiskCategory{
		contracts.RiskRead, contracts.RiskWrite, contracts.RiskDelete,
		contracts.RiskExecute, contracts.RiskNetwork, contracts.RiskFinance,
	}
	levels := []Level{Green, Amber, Red, Black}

	notDenied := func(l Level) map[contracts.RiskCategory]bool {
		out := make(map[contracts.RiskCategory]bool)
		for _, c := range categories {
			if l.Access(c) != AccessDeny {
				out[c] = true
			}
		}
		return out
	}

	for i := 0; i < len(levels)-1; i++ {
		looser, stricter := notDenied(levels[i]), notDenied(levels[i+1])
		assert.Greater(t, len(looser), len(stricter),
			"%s surface must be larger than %s", levels[i], levels[i+1])
		for c := range stricter {
			assert.True(t, looser[c],
				"%s not denied at %s but denied at %s", c, levels[i+1], levels[i])
		}
	}

	assert.Equal(t, AccessAllow, Black.Access(contracts.RiskRead))
	assert.Equal(t, AccessDeny, Black.Access(contracts.RiskWrite))
	assert.Equal(t, AccessDeny, Green.Access(contracts.RiskCategory("unmapped")))
}

func TestSnapshotPanicDeniesAllButReads(t *testing.T) {
	snap := Snapshot{Level: Black, Panic: true}
	assert.Equal(t, AccessAllow, snap.Access(contracts.RiskRead))
	assert.Equal(t, AccessDeny, snap.Access(contracts.RiskWrite))
	assert.Equal(t, AccessDeny, snap.Access(contracts.RiskFinance))
}

func TestLivenessSilenceEscalates(t *testing.T) {
	m, _, clock, rec := newTestMachine(t)

	snap := m.BeginCycle(context.Background())
	assert.Equal(t, Green, snap.Level)

	clock.Advance(2 * time.Hour)
	snap = m.BeginCycle(context.Background())
	assert.Equal(t, Amber, snap.Level)

	clock.Advance(4 * time.Hour)
	snap = m.BeginCycle(context.Background())
	assert.Equal(t, Red, snap.Level)

	transitions := rec.events(contracts.EventAutonomyTransition)
	require.Len(t, transitions, 2)
	assert.Equal(t, "AMBER", transitions[0].AutonomyLevel)
	assert.Equal(t, "RED", transitions[1].AutonomyLevel)
}

func TestLivenessResetsLadderButCooldownGatesRecovery(t *testing.T) {
	m, _, clock, _ := newTestMachine(t)
	cfg := DefaultConfig()

	clock.Advance(3 * time.Hour)
	snap := m.BeginCycle(context.Background())
	require.Equal(t, Amber, snap.Level)

	m.RecordLiveness(context.Background(), "operator-1", "standup check-in")

	// Liveness alone must not de-escalate: the first clean cycle after the
	// reset still runs at AMBER.
	snap = m.BeginCycle(context.Background())
	assert.Equal(t, Amber, snap.Level, "liveness must not de-escalate on its own")

	// One cycle consumed above; after cooldown-1 further cycles the count
	// reaches the threshold and a single-step drop fires.
	snap = runCycles(m, cfg.CooldownCycles-1)
	assert.Equal(t, Green, snap.Level)
}

func TestCooldownBoundaryIsExact(t *testing.T) {
	m, _, clock, _ := newTestMachine(t)
	cfg := DefaultConfig()

	clock.Advance(3 * time.Hour)
	require.Equal(t, Amber, m.BeginCycle(context.Background()).Level)
	m.RecordLiveness(context.Background(), "operator-1", "ack")

	snap := runCycles(m, cfg.CooldownCycles-1)
	assert.Equal(t, Amber, snap.Level,
		"cycle t+cooldown-1 must not yet permit de-escalation")

	snap = m.BeginCycle(context.Background())
	assert.Equal(t, Green, snap.Level, "cycle t+cooldown may de-escalate")
}

func TestRedRecoversOneLevelPerCooldown(t *testing.T) {
	m, _, clock, _ := newTestMachine(t)
	cfg := DefaultConfig()

	clock.Advance(7 * time.Hour)
	require.Equal(t, Red, m.BeginCycle(context.Background()).Level)
	m.RecordLiveness(context.Background(), "operator-1", "back online")

	snap := runCycles(m, cfg.CooldownCycles)
	assert.Equal(t, Amber, snap.Level, "recovery must pass through AMBER")

	snap = runCycles(m, cfg.CooldownCycles)
	assert.Equal(t, Green, snap.Level)
}

func TestBacklogForcesAmber(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	cfg := DefaultConfig()

	m.ReportBacklog(context.Background(), cfg.BacklogThreshold-1)
	assert.Equal(t, Green, m.Snapshot().Level)

	m.ReportBacklog(context.Background(), cfg.BacklogThreshold)
	assert.Equal(t, Amber, m.Snapshot().Level)

	// Draining the backlog starts the cooldown; the level recovers only
	// after the required clean cycles.
	m.ReportBacklog(context.Background(), 0)
	assert.Equal(t, Amber, m.Snapshot().Level)
	snap := runCycles(m, cfg.CooldownCycles)
	assert.Equal(t, Green, snap.Level)
}

func TestCriticalFailuresTripPanic(t *testing.T) {
	m, _, _, rec := newTestMachine(t)

	m.RecordFailure(context.Background(), "req-1", true)
	snap := m.Snapshot()
	assert.False(t, snap.Panic)
	assert.Equal(t, Green, snap.Level)

	m.RecordFailure(context.Background(), "req-2", true)
	snap = m.Snapshot()
	assert.True(t, snap.Panic)
	assert.Equal(t, Black, snap.Level)

	transitions := rec.events(contracts.EventAutonomyTransition)
	require.Len(t, transitions, 1)
	assert.Equal(t, "BLACK", transitions[0].AutonomyLevel)
	assert.Contains(t, transitions[0].Detail, "critical failures")
}

func TestNonCriticalFailuresNeverPanic(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	for i := 0; i < 10; i++ {
		m.RecordFailure(context.Background(), "req-x", false)
	}
	snap := m.Snapshot()
	assert.False(t, snap.Panic)
	assert.Equal(t, Green, snap.Level)
}

func TestCriticalWindowExpiresOldFailures(t *testing.T) {
	m, _, clock, _ := newTestMachine(t)
	cfg := DefaultConfig()

	m.RecordFailure(context.Background(), "req-1", true)
	clock.Advance(cfg.CriticalWindow + time.Minute)
	m.RecordFailure(context.Background(), "req-2", true)

	snap := m.Snapshot()
	assert.False(t, snap.Panic, "failures outside the window must not combine")
	assert.Equal(t, 1, snap.CriticalFailures)
}

func TestPanicIgnoresLivenessAndCooldown(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	m.RecordFailure(context.Background(), "req-1", true)
	m.RecordFailure(context.Background(), "req-2", true)
	require.True(t, m.Snapshot().Panic)

	m.RecordLiveness(context.Background(), "operator-1", "I am here")
	snap := runCycles(m, 20)
	assert.True(t, snap.Panic, "panic must survive liveness and any number of cycles")
	assert.Equal(t, Black, snap.Level)
}

func newPanickedMachineWithClearance(t *testing.T) (*Machine, *ClearanceValidator, *MemoryKeyProvider, *contracts.FixedClock) {
	t.Helper()
	clock := &contracts.FixedClock{Instant: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	validator := NewClearanceValidator(DefaultClearancePolicy(), clock)
	key, err := NewMemoryKeyProvider()
	require.NoError(t, err)
	validator.RegisterKey("op-key-1", key.PublicKey())

	m, err := NewMachine(context.Background(), DefaultConfig(), clock, NewMemoryStateStore(), &stubRecorder{}, validator, nil)
	require.NoError(t, err)
	m.RecordFailure(context.Background(), "req-1", true)
	m.RecordFailure(context.Background(), "req-2", true)
	require.True(t, m.Snapshot().Panic)
	return m, validator, key, clock
}

func TestClearPanicRequiresValidCeremony(t *testing.T) {
	m, _, key, clock := newPanickedMachineWithClearance(t)

	forged := &ClearanceRequest{
		Operator:      "intruder",
		Justification: "trust me",
		Nonce:         "n-1",
		IssuedAtUnix:  clock.Now().Unix(),
		SignerKeyID:   "op-key-1",
		Signature:     "deadbeef",
	}
	err := m.ClearPanic(context.Background(), ClearanceGrant{Ceremony: forged})
	require.ErrorIs(t, err, ErrClearanceRejected)
	assert.True(t, m.Snapshot().Panic)

	signed := &ClearanceRequest{
		Operator:      "operator-1",
		Justification: "root cause fixed, deploy rolled back",
		Nonce:         "n-2",
		IssuedAtUnix:  clock.Now().Unix(),
		SignerKeyID:   "op-key-1",
	}
	require.NoError(t, SignClearance(key, signed))
	require.NoError(t, m.ClearPanic(context.Background(), ClearanceGrant{Ceremony: signed}))

	snap := m.Snapshot()
	assert.False(t, snap.Panic)
	assert.Equal(t, Red, snap.Level, "clearance must land on RED, not GREEN")
	assert.Equal(t, 0, snap.CriticalFailures)
}

func TestClearPanicWhenNotPanicked(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	err := m.ClearPanic(context.Background(), ClearanceGrant{})
	assert.ErrorIs(t, err, ErrNotInPanic)
}

func TestClearedPanicRecoversThroughLadder(t *testing.T) {
	m, _, key, clock := newPanickedMachineWithClearance(t)
	cfg := DefaultConfig()

	signed := &ClearanceRequest{
		Operator:      "operator-1",
		Justification: "incident closed",
		Nonce:         "n-9",
		IssuedAtUnix:  clock.Now().Unix(),
		SignerKeyID:   "op-key-1",
	}
	require.NoError(t, SignClearance(key, signed))
	require.NoError(t, m.ClearPanic(context.Background(), ClearanceGrant{Ceremony: signed}))
	m.RecordLiveness(context.Background(), "operator-1", "post-incident check")

	snap := runCycles(m, cfg.CooldownCycles)
	assert.Equal(t, Amber, snap.Level)
	snap = runCycles(m, cfg.CooldownCycles)
	assert.Equal(t, Green, snap.Level)
}

func TestStateSurvivesRestart(t *testing.T) {
	m, store, clock, _ := newTestMachine(t)

	m.RecordFailure(context.Background(), "req-1", true)
	m.RecordFailure(context.Background(), "req-2", true)
	before := m.BeginCycle(context.Background())
	require.True(t, before.Panic)

	restarted, err := NewMachine(context.Background(), DefaultConfig(), clock, store, &stubRecorder{}, nil, nil)
	require.NoError(t, err)

	after := restarted.Snapshot()
	assert.Equal(t, Black, after.Level, "restart must not launder BLACK back to GREEN")
	assert.True(t, after.Panic)
	assert.Equal(t, before.Cycle, after.Cycle)
	assert.Equal(t, before.LastLiveness, after.LastLiveness)
}

func TestEscalationAppliesEvenWhenPersistFails(t *testing.T) {
	m, store, clock, _ := newTestMachine(t)

	store.SetFailing(true)
	clock.Advance(3 * time.Hour)
	snap := m.BeginCycle(context.Background())
	assert.Equal(t, Amber, snap.Level, "restriction must win over a dead state store")
}

func TestDeescalationWaitsForHealthyStore(t *testing.T) {
	m, store, clock, _ := newTestMachine(t)
	cfg := DefaultConfig()

	clock.Advance(3 * time.Hour)
	require.Equal(t, Amber, m.BeginCycle(context.Background()).Level)
	m.RecordLiveness(context.Background(), "operator-1", "ack")

	store.SetFailing(true)
	snap := runCycles(m, cfg.CooldownCycles+2)
	assert.Equal(t, Amber, snap.Level, "de-escalation must not apply unpersisted")

	store.SetFailing(false)
	snap = m.BeginCycle(context.Background())
	assert.Equal(t, Green, snap.Level, "de-escalation resumes once the store recovers")
}

func TestDeescalationRequiresAudit(t *testing.T) {
	m, _, clock, rec := newTestMachine(t)
	cfg := DefaultConfig()

	clock.Advance(3 * time.Hour)
	require.Equal(t, Amber, m.BeginCycle(context.Background()).Level)
	m.RecordLiveness(context.Background(), "operator-1", "ack")

	rec.err = errors.New("audit store down")
	snap := runCycles(m, cfg.CooldownCycles+2)
	assert.Equal(t, Amber, snap.Level, "unauditable de-escalation must not happen")

	rec.err = nil
	snap = m.BeginCycle(context.Background())
	assert.Equal(t, Green, snap.Level)
}

func TestHistoryRecordsTransitions(t *testing.T) {
	m, _, clock, _ := newTestMachine(t)

	clock.Advance(3 * time.Hour)
	m.BeginCycle(context.Background())
	clock.Advance(4 * time.Hour)
	m.BeginCycle(context.Background())

	history := m.History()
	require.Len(t, history, 2)
	assert.Equal(t, Green, history[0].From)
	assert.Equal(t, Amber, history[0].To)
	assert.Equal(t, Amber, history[1].From)
	assert.Equal(t, Red, history[1].To)
	assert.NotEmpty(t, history[0].Reason)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := t.TempDir() + "/state/autonomy.json"
	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoState)

	saved := &PersistedState{
		Level:        "RED",
		Panic:        true,
		Since:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Cycle:        42,
		LastLiveness: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Backlog:      3,
		Criticals:    []time.Time{time.Date(2026, 3, 1, 8, 55, 0, 0, time.UTC)},
		UpdatedAt:    time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(context.Background(), saved))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, saved.Level, loaded.Level)
	assert.True(t, loaded.Panic)
	assert.Equal(t, saved.Cycle, loaded.Cycle)
	assert.True(t, saved.Since.Equal(loaded.Since))
	require.Len(t, loaded.Criticals, 1)
	assert.True(t, saved.Criticals[0].Equal(loaded.Criticals[0]))
}
