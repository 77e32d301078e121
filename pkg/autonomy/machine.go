package autonomy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

var (
	// ErrPanicActive is returned when a caller tries to de-escalate or
	// operate past an uncleared panic.
	ErrPanicActive = errors.New("autonomy: panic active, explicit clearance required")
	// ErrClearanceRejected is returned when panic clearance fails validation.
	ErrClearanceRejected = errors.New("autonomy: clearance rejected")
	// ErrNotInPanic is returned when clearing a machine that is not panicked.
	ErrNotInPanic = errors.New("autonomy: not in panic")
)

// Recorder receives autonomy transition records. The audit log's Append
// satisfies it.
type Recorder interface {
	Append(ctx context.Context, rec *contracts.DecisionRecord) error
}

// Config holds the transition thresholds.
type Config struct {
	// AmberAfter is the liveness silence that forces at least AMBER.
	AmberAfter time.Duration `json:"amber_after" yaml:"amber_after"`
	// RedAfter is the liveness silence that forces at least RED.
	RedAfter time.Duration `json:"red_after" yaml:"red_after"`
	// BacklogThreshold is the pending-escalation count that forces at
	// least AMBER.
	BacklogThreshold int `json:"backlog_threshold" yaml:"backlog_threshold"`
	// PanicThreshold is the count of recent critical failures that trips
	// the BLACK panic sub-state.
	PanicThreshold int `json:"panic_threshold" yaml:"panic_threshold"`
	// CriticalWindow bounds how long a critical failure counts as recent.
	CriticalWindow time.Duration `json:"critical_window" yaml:"critical_window"`
	// CooldownCycles is the number of consecutive clean decision cycles
	// required before each single-step de-escalation. Cycles, not wall
	// clock, so replaying requests cannot fast-forward recovery.
	CooldownCycles int `json:"cooldown_cycles" yaml:"cooldown_cycles"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		AmberAfter:       2 * time.Hour,
		RedAfter:         6 * time.Hour,
		BacklogThreshold: 5,
		PanicThreshold:   2,
		CriticalWindow:   30 * time.Minute,
		CooldownCycles:   3,
	}
}

// Snapshot is a consistent read of the machine taken under its lock. The
// kernel reads one snapshot per decision and uses it for the whole
// decision; a concurrent transition applies only to later decisions.
type Snapshot struct {
	Level            Level
	Panic            bool
	Since            time.Time
	Cycle            uint64
	LastLiveness     time.Time
	Backlog          int
	CriticalFailures int
}

// Access resolves a risk category against the snapshot. Panic overrides
// the level table for everything but reads.
func (s Snapshot) Access(category contracts.RiskCategory) Access {
	if s.Panic && category != contracts.RiskRead {
		return AccessDeny
	}
	return s.Level.Access(category)
}

// Transition is one recorded level change.
type Transition struct {
	From   Level     `json:"from"`
	To     Level     `json:"to"`
	Panic  bool      `json:"panic"`
	Reason string    `json:"reason"`
	Cycle  uint64    `json:"cycle"`
	At     time.Time `json:"at"`
}

// Machine is the single writer of the autonomy level. All mutation goes
// through its mutex; readers take Snapshots.
type Machine struct {
	mu        sync.Mutex
	cfg       Config
	clock     contracts.Clock
	store     StateStore
	recorder  Recorder
	clearance *ClearanceValidator
	logger    *slog.Logger

	level        Level
	panic        bool
	since        time.Time
	cycle        uint64
	cleanCycles  int
	lastLiveness time.Time
	backlog      int
	criticals    []time.Time
	history      []Transition
}

// NewMachine restores persisted state from the store (a restart must not
// reset BLACK to GREEN) and returns a ready machine. Store, recorder, and
// clearance may be nil in tests; a nil store means state is process-local.
func NewMachine(ctx context.Context, cfg Config, clock contracts.Clock, store StateStore, recorder Recorder, clearance *ClearanceValidator, logger *slog.Logger) (*Machine, error) {
	if clock == nil {
		clock = contracts.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		cfg:          cfg,
		clock:        clock,
		store:        store,
		recorder:     recorder,
		clearance:    clearance,
		logger:       logger.With("component", "autonomy"),
		level:        Green,
		since:        clock.Now(),
		lastLiveness: clock.Now(),
	}

	if store != nil {
		state, err := store.Load(ctx)
		switch {
		case errors.Is(err, ErrNoState):
			// First boot.
		case err != nil:
			return nil, fmt.Errorf("autonomy: restoring state: %w", err)
		default:
			level, perr := ParseLevel(state.Level)
			if perr != nil {
				return nil, perr
			}
			m.level = level
			m.panic = state.Panic
			m.since = state.Since
			m.cycle = state.Cycle
			m.lastLiveness = state.LastLiveness
			m.backlog = state.Backlog
			m.criticals = state.Criticals
			m.logger.Info("state restored",
				"level", m.level.String(), "panic", m.panic, "cycle", m.cycle)
		}
	}
	return m, nil
}

// Snapshot returns a consistent view without advancing the cycle.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// BeginCycle advances the decision-cycle counter, re-evaluates the ladder
// against the current clock, applies any due transition, and returns the
// snapshot the caller must use for the whole decision.
func (m *Machine) BeginCycle(ctx context.Context) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cycle++
	now := m.clock.Now()
	m.pruneCriticalsLocked(now)

	required, reason := m.requiredLevelLocked(now)

	switch {
	case required > m.level:
		m.cleanCycles = 0
		m.transitionLocked(ctx, required, m.panic, reason)
	case required < m.level:
		if m.panic {
			m.cleanCycles = 0
			break
		}
		m.cleanCycles++
		if m.cleanCycles >= m.cfg.CooldownCycles {
			err := m.transitionLocked(ctx, m.level-1,
				false, fmt.Sprintf("cooldown satisfied after %d clean cycles", m.cleanCycles))
			if err == nil {
				m.cleanCycles = 0
			}
		}
	default:
		m.cleanCycles = 0
	}

	// The cycle counter itself is durable state; cooldown progress is
	// deliberately not, so a restart can only delay de-escalation.
	m.saveLocked(ctx)

	return m.snapshotLocked()
}

// RecordLiveness registers a confirmed human contact. It resets the
// timer-driven ladder; de-escalation still waits for the cycle cooldown,
// and a panic is unaffected.
func (m *Machine) RecordLiveness(ctx context.Context, actor, note string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastLiveness = m.clock.Now()
	m.appendEventLocked(ctx, contracts.EventLiveness, actor,
		fmt.Sprintf("liveness confirmed: %s", note))
	m.saveLocked(ctx)
	m.logger.Info("liveness recorded", "actor", actor, "note", note)
}

// ReportBacklog updates the pending-escalation backlog size. Crossing the
// threshold escalates on the spot.
func (m *Machine) ReportBacklog(ctx context.Context, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.backlog = size
	now := m.clock.Now()
	if required, reason := m.requiredLevelLocked(now); required > m.level {
		m.cleanCycles = 0
		m.transitionLocked(ctx, required, m.panic, reason)
	}
	m.saveLocked(ctx)
}

// RecordFailure feeds an operation outcome into the failure counters.
// Critical failures accumulate toward the panic threshold; reaching it
// trips BLACK regardless of the time-based ladder.
func (m *Machine) RecordFailure(ctx context.Context, requestID string, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !critical {
		return
	}
	now := m.clock.Now()
	m.criticals = append(m.criticals, now)
	m.pruneCriticalsLocked(now)

	if len(m.criticals) >= m.cfg.PanicThreshold && !m.panic {
		m.cleanCycles = 0
		m.transitionLocked(ctx, Black, true,
			fmt.Sprintf("%d critical failures within %s (last: request %s)",
				len(m.criticals), m.cfg.CriticalWindow, requestID))
	}
	m.saveLocked(ctx)
}

// ClearPanic exits the BLACK panic sub-state. It requires a clearance
// grant that validates against the configured clearance validator; the
// cooldown never clears a panic on its own. On success the machine drops
// to RED and recovers through the normal ladder.
func (m *Machine) ClearPanic(ctx context.Context, grant ClearanceGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.panic {
		return ErrNotInPanic
	}
	if m.clearance == nil {
		return fmt.Errorf("%w: no clearance validator configured", ErrClearanceRejected)
	}
	operator, method, err := m.clearance.Authorize(grant)
	if err != nil {
		m.appendEventLocked(ctx, contracts.EventPanicClearance, operator,
			fmt.Sprintf("clearance rejected (%s): %v", method, err))
		return fmt.Errorf("%w: %v", ErrClearanceRejected, err)
	}

	m.appendEventLocked(ctx, contracts.EventPanicClearance, operator,
		fmt.Sprintf("panic cleared via %s", method))
	if err := m.transitionLocked(ctx, Red, false,
		fmt.Sprintf("panic cleared by %s via %s", operator, method)); err != nil {
		return fmt.Errorf("autonomy: clearing panic: %w", err)
	}
	m.criticals = nil
	m.cleanCycles = 0
	m.logger.Warn("panic cleared", "operator", operator, "method", method)
	return nil
}

// History returns a copy of the recorded transitions.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		Level:            m.level,
		Panic:            m.panic,
		Since:            m.since,
		Cycle:            m.cycle,
		LastLiveness:     m.lastLiveness,
		Backlog:          m.backlog,
		CriticalFailures: len(m.criticals),
	}
}

// requiredLevelLocked computes the minimum restriction the current
// triggers demand. Panic pins the requirement at BLACK.
func (m *Machine) requiredLevelLocked(now time.Time) (Level, string) {
	if m.panic {
		return Black, "panic active"
	}

	level, reason := Green, ""
	silence := now.Sub(m.lastLiveness)
	switch {
	case silence >= m.cfg.RedAfter:
		level = Red
		reason = fmt.Sprintf("no liveness signal for %s", silence.Truncate(time.Minute))
	case silence >= m.cfg.AmberAfter:
		level = Amber
		reason = fmt.Sprintf("no liveness signal for %s", silence.Truncate(time.Minute))
	}
	if m.backlog >= m.cfg.BacklogThreshold && level < Amber {
		level = Amber
		reason = fmt.Sprintf("escalation backlog at %d", m.backlog)
	}
	return level, reason
}

// transitionLocked applies a level change: the transition is audited and
// persisted before it becomes visible to readers. Escalations apply even
// if the audit append fails (restriction is the safe direction); a
// de-escalation whose audit or persist fails is abandoned and the error
// returned.
func (m *Machine) transitionLocked(ctx context.Context, to Level, panicState bool, reason string) error {
	from, fromPanic := m.level, m.panic
	escalating := to > from || (panicState && !fromPanic)

	tr := Transition{
		From:   from,
		To:     to,
		Panic:  panicState,
		Reason: reason,
		Cycle:  m.cycle,
		At:     m.clock.Now(),
	}

	if err := m.appendTransitionLocked(ctx, tr); err != nil && !escalating {
		m.logger.Error("de-escalation abandoned, audit unavailable",
			"from", from.String(), "to", to.String(), "error", err)
		return err
	}

	m.level = to
	m.panic = panicState
	m.since = tr.At
	m.history = append(m.history, tr)

	if err := m.saveLocked(ctx); err != nil && !escalating {
		// The expanded level was persisted nowhere; revert so a crash
		// cannot resurrect it unrecorded. The chain already holds the
		// transition record, so append a correction alongside it.
		m.level = from
		m.panic = fromPanic
		m.history = m.history[:len(m.history)-1]
		m.appendEventLocked(ctx, contracts.EventAutonomyTransition, "",
			fmt.Sprintf("transition %s -> %s reverted, state store unavailable", from, to))
		m.logger.Error("de-escalation reverted, state store unavailable", "error", err)
		return err
	}

	if to > from || panicState {
		m.logger.Warn("autonomy escalated",
			"from", from.String(), "to", to.String(), "panic", panicState, "reason", reason)
	} else {
		m.logger.Info("autonomy de-escalated",
			"from", from.String(), "to", to.String(), "reason", reason)
	}
	return nil
}

func (m *Machine) appendTransitionLocked(ctx context.Context, tr Transition) error {
	if m.recorder == nil {
		return nil
	}
	rec := &contracts.DecisionRecord{
		EventType:     contracts.EventAutonomyTransition,
		Timestamp:     tr.At,
		AutonomyLevel: tr.To.String(),
		Detail:        fmt.Sprintf("%s -> %s: %s", tr.From, tr.To, tr.Reason),
		Payload: map[string]any{
			"from":   tr.From.String(),
			"to":     tr.To.String(),
			"panic":  tr.Panic,
			"cycle":  tr.Cycle,
			"reason": tr.Reason,
		},
	}
	if err := m.recorder.Append(ctx, rec); err != nil {
		m.logger.Error("transition audit append failed", "error", err)
		return err
	}
	return nil
}

func (m *Machine) appendEventLocked(ctx context.Context, event contracts.EventType, actor, detail string) {
	if m.recorder == nil {
		return
	}
	rec := &contracts.DecisionRecord{
		EventType:     event,
		Timestamp:     m.clock.Now(),
		Agent:         actor,
		AutonomyLevel: m.level.String(),
		Detail:        detail,
	}
	if err := m.recorder.Append(ctx, rec); err != nil {
		m.logger.Error("event audit append failed", "event", string(event), "error", err)
	}
}

func (m *Machine) saveLocked(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	state := &PersistedState{
		Level:        m.level.String(),
		Panic:        m.panic,
		Since:        m.since,
		Cycle:        m.cycle,
		LastLiveness: m.lastLiveness,
		Backlog:      m.backlog,
		Criticals:    append([]time.Time(nil), m.criticals...),
		UpdatedAt:    m.clock.Now(),
	}
	if err := m.store.Save(ctx, state); err != nil {
		m.logger.Error("state persist failed", "error", err)
		return err
	}
	return nil
}

func (m *Machine) pruneCriticalsLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.CriticalWindow)
	i := 0
	for i < len(m.criticals) && m.criticals[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.criticals = m.criticals[i:]
	}
}
