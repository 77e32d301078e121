// Package autonomy implements the graduated autonomy state machine. The
// machine tracks one system-wide level, GREEN through BLACK, that narrows
// what risk categories the kernel may approve. Restriction is monotonic:
// every category permitted at a level is permitted at all less restrictive
// levels, and de-escalation is gated behind a decision-cycle cooldown so
// bursty failures cannot flap the level.
package autonomy

import (
	"fmt"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// Level is the system-wide autonomy level, ordered by restriction.
type Level int

const (
	// Green grants full autonomy within contracts.
	Green Level = iota
	// Amber restricts to read, write, and network work; destructive and
	// financial categories need escalation or are denied.
	Amber
	// Red restricts to reads; writes escalate to a human.
	Red
	// Black permits monitoring reads only.
	Black
)

func (l Level) String() string {
	switch l {
	case Green:
		return "GREEN"
	case Amber:
		return "AMBER"
	case Red:
		return "RED"
	case Black:
		return "BLACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(l))
	}
}

// ParseLevel converts a persisted level string back to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "GREEN":
		return Green, nil
	case "AMBER":
		return Amber, nil
	case "RED":
		return Red, nil
	case "BLACK":
		return Black, nil
	default:
		return Black, fmt.Errorf("autonomy: unknown level %q", s)
	}
}

// MoreRestrictiveThan reports whether l narrows the permitted set of o.
func (l Level) MoreRestrictiveThan(o Level) bool { return l > o }

// Access is the machine's answer for one risk category at one level.
type Access int

const (
	// AccessAllow lets the kernel proceed to contract evaluation.
	AccessAllow Access = iota
	// AccessEscalate routes the request to a human instead of approving.
	AccessEscalate
	// AccessDeny blocks the category outright at this level.
	AccessDeny
)

func (a Access) String() string {
	switch a {
	case AccessAllow:
		return "allow"
	case AccessEscalate:
		return "escalate"
	default:
		return "deny"
	}
}

// levelAccess is the per-level allow-list. Each level's allow set is a
// subset of the previous level's, and the combined allow+escalate surface
// shrinks strictly at every step down.
var levelAccess = map[Level]map[contracts.RiskCategory]Access{
	Green: {
		contracts.RiskRead:    AccessAllow,
		contracts.RiskWrite:   AccessAllow,
		contracts.RiskDelete:  AccessAllow,
		contracts.RiskExecute: AccessAllow,
		contracts.RiskNetwork: AccessAllow,
		contracts.RiskFinance: AccessAllow,
	},
	Amber: {
		contracts.RiskRead:    AccessAllow,
		contracts.RiskWrite:   AccessAllow,
		contracts.RiskNetwork: AccessAllow,
		contracts.RiskDelete:  AccessEscalate,
		contracts.RiskExecute: AccessEscalate,
		contracts.RiskFinance: AccessDeny,
	},
	Red: {
		contracts.RiskRead:  AccessAllow,
		contracts.RiskWrite: AccessEscalate,
	},
	Black: {
		contracts.RiskRead: AccessAllow,
	},
}

// Access returns the level's treatment of a risk category. Unknown
// categories are denied.
func (l Level) Access(category contracts.RiskCategory) Access {
	if access, ok := levelAccess[l][category]; ok {
		return access
	}
	return AccessDeny
}

// Permits reports whether the category may proceed without escalation.
func (l Level) Permits(category contracts.RiskCategory) bool {
	return l.Access(category) == AccessAllow
}
