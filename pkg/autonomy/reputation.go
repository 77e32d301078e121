package autonomy

import (
	"sync"
	"time"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// Reputation is the running trust score for one agent, derived from its
// decision and outcome history. Scores start at full trust and move with
// evidence; they feed the per-agent rate-limit multiplier (lower trust,
// tighter limits) but never approve anything on their own.
type Reputation struct {
	Agent        string    `json:"agent"`
	Total        int       `json:"total"`
	Rejections   int       `json:"rejections"`
	Forbidden    int       `json:"forbidden"`
	Successes    int       `json:"successes"`
	Failures     int       `json:"failures"`
	LastActivity time.Time `json:"last_activity"`
}

// Score computes trust in [0,1]. A fresh agent scores 1.0; rejections pull
// it down proportionally, forbidden attempts (unknown operations,
// permission violations) pull hard with a cap, and successful outcomes
// earn a small capped bonus.
func (r *Reputation) Score() float64 {
	score := 1.0
	if r.Total > 0 {
		rejectionRate := float64(r.Rejections) / float64(r.Total)
		score -= rejectionRate * 0.5
	}
	forbiddenPenalty := float64(r.Forbidden) * 0.15
	if forbiddenPenalty > 0.4 {
		forbiddenPenalty = 0.4
	}
	score -= forbiddenPenalty

	successBonus := float64(r.Successes) * 0.02
	if successBonus > 0.2 {
		successBonus = 0.2
	}
	score += successBonus

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Trusted reports whether the agent qualifies for standard treatment.
// Three or more forbidden attempts disqualify regardless of score.
func (r *Reputation) Trusted() bool {
	return r.Score() >= 0.7 && r.Forbidden < 3
}

// LimitMultiplier is the fraction of the baseline rate the agent is
// granted, in (0, 1]. Full trust keeps the full baseline; a degraded
// score tightens the limit proportionally, floored at 5%.
func (r *Reputation) LimitMultiplier() float64 {
	m := r.Score()
	if m < 0.05 {
		return 0.05
	}
	if m > 1 {
		return 1
	}
	return m
}

// ReputationTracker maintains per-agent reputations. All methods are safe
// for concurrent use.
type ReputationTracker struct {
	mu     sync.Mutex
	agents map[string]*Reputation
	clock  contracts.Clock
}

func NewReputationTracker(clock contracts.Clock) *ReputationTracker {
	if clock == nil {
		clock = contracts.SystemClock()
	}
	return &ReputationTracker{
		agents: make(map[string]*Reputation),
		clock:  clock,
	}
}

func (t *ReputationTracker) get(agent string) *Reputation {
	r, ok := t.agents[agent]
	if !ok {
		r = &Reputation{Agent: agent}
		t.agents[agent] = r
	}
	return r
}

// RecordDecision feeds one kernel verdict into the agent's history.
// Unknown-operation and permission denials count as forbidden attempts.
func (t *ReputationTracker) RecordDecision(agent string, verdict contracts.Verdict, reason contracts.DecisionReason) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(agent)
	r.Total++
	r.LastActivity = t.clock.Now()
	if verdict == contracts.VerdictDeny {
		r.Rejections++
		if reason == contracts.ReasonUnknownOperation || reason == contracts.ReasonPermissionDenied {
			r.Forbidden++
		}
	}
}

// RecordOutcome feeds one reported execution outcome into the history.
func (t *ReputationTracker) RecordOutcome(agent string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.get(agent)
	r.LastActivity = t.clock.Now()
	if success {
		r.Successes++
	} else {
		r.Failures++
	}
}

// Lookup returns a copy of the agent's reputation. A never-seen agent
// yields the full-trust zero value.
func (t *ReputationTracker) Lookup(agent string) Reputation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.agents[agent]; ok {
		return *r
	}
	return Reputation{Agent: agent}
}

// Multiplier returns the fraction of the baseline rate granted to the agent.
func (t *ReputationTracker) Multiplier(agent string) float64 {
	r := t.Lookup(agent)
	return r.LimitMultiplier()
}

// All returns copies of every tracked reputation.
func (t *ReputationTracker) All() []Reputation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Reputation, 0, len(t.agents))
	for _, r := range t.agents {
		out = append(out, *r)
	}
	return out
}
