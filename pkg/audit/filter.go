package audit

import (
	"time"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// Filter narrows a log query. Zero fields match everything; Limit 0 means
// no cap. Stores may push parts of the filter into SQL but must produce
// results identical to Matches.
type Filter struct {
	RequestID string
	Agent     string
	Operation string
	EventType contracts.EventType
	Verdict   string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Matches reports whether rec satisfies every set field.
func (f Filter) Matches(rec *contracts.DecisionRecord) bool {
	if f.RequestID != "" && rec.RequestID != f.RequestID {
		return false
	}
	if f.Agent != "" && rec.Agent != f.Agent {
		return false
	}
	if f.Operation != "" && rec.Operation != f.Operation {
		return false
	}
	if f.EventType != "" && rec.EventType != f.EventType {
		return false
	}
	if f.Verdict != "" && rec.Verdict != f.Verdict {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	return true
}
