// Package contracts holds the shared domain types that cross the kernel
// boundary: operation requests, verdicts, decision records, and the reason
// taxonomy. Every other package speaks these types; none of them carries
// behavior beyond construction and validation, so the package stays free of
// collaborator imports.
package contracts

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ember6784/archon-ai/pkg/canonicalize"
)

// RiskCategory bands every whitelisted operation into an ordered risk class.
// The autonomy machine grants or withholds whole bands, so the set is closed:
// an operation manifest naming an unknown band fails to load.
type RiskCategory string

const (
	RiskRead    RiskCategory = "read"
	RiskWrite   RiskCategory = "write"
	RiskDelete  RiskCategory = "delete"
	RiskExecute RiskCategory = "execute"
	RiskNetwork RiskCategory = "network"
	RiskFinance RiskCategory = "finance"
)

// riskWeights mirrors the per-operation risk table the kernel was tuned
// against: reads are free, financial effects are nearly forbidden.
var riskWeights = map[RiskCategory]float64{
	RiskRead:    0.0,
	RiskWrite:   0.3,
	RiskDelete:  0.8,
	RiskExecute: 0.9,
	RiskNetwork: 0.6,
	RiskFinance: 0.95,
}

// Weight returns the numeric risk weight in [0,1] for the category.
func (r RiskCategory) Weight() float64 { return riskWeights[r] }

// Valid reports whether r is one of the closed set of categories.
func (r RiskCategory) Valid() bool {
	_, ok := riskWeights[r]
	return ok
}

// ParseRiskCategory converts a wire string into a RiskCategory.
func ParseRiskCategory(s string) (RiskCategory, error) {
	r := RiskCategory(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown risk category %q", s)
	}
	return r, nil
}

// ErrInvalidRequest is returned by NewOperationRequest for structurally
// unusable submissions. The kernel never sees such a request; builders
// (gateway, tests) must handle it.
var ErrInvalidRequest = errors.New("invalid operation request")

// OperationRequest is the immutable unit of work submitted to the kernel.
// It identifies the whitelisted operation, the requesting agent, the declared
// risk band, and a structured payload. Confidence is advisory input from the
// debate collaborator; no kernel check ever reads it.
type OperationRequest struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Agent         string         `json:"agent"`
	Operation     string         `json:"operation"`
	RiskCategory  RiskCategory   `json:"risk_category"`
	Payload       map[string]any `json:"payload,omitempty"`
	Confidence    float64        `json:"confidence,omitempty"`
	IssuedAt      time.Time      `json:"issued_at"`
}

// NewOperationRequest validates inputs, deep-copies the payload, and derives
// the deterministic request ID. Two submissions with the same agent,
// operation, issue instant, and payload produce the same ID, which makes
// replayed requests visible in the audit chain.
func NewOperationRequest(agent, operation string, risk RiskCategory, payload map[string]any, issuedAt time.Time) (*OperationRequest, error) {
	agent = strings.TrimSpace(agent)
	operation = strings.TrimSpace(operation)
	if agent == "" {
		return nil, fmt.Errorf("%w: empty agent identity", ErrInvalidRequest)
	}
	if operation == "" {
		return nil, fmt.Errorf("%w: empty operation name", ErrInvalidRequest)
	}
	if !risk.Valid() {
		return nil, fmt.Errorf("%w: risk category %q", ErrInvalidRequest, risk)
	}
	if issuedAt.IsZero() {
		return nil, fmt.Errorf("%w: zero issue time", ErrInvalidRequest)
	}

	req := &OperationRequest{
		Agent:        agent,
		Operation:    operation,
		RiskCategory: risk,
		Payload:      copyPayload(payload),
		IssuedAt:     issuedAt.UTC(),
	}
	id, err := requestID(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.ID = id
	return req, nil
}

// requestID derives the 16-hex-char deterministic identifier from the
// canonical form of the request's identifying fields.
func requestID(req *OperationRequest) (string, error) {
	keys := make([]string, 0, len(req.Payload))
	for k := range req.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	digest, err := canonicalize.CanonicalHash(map[string]any{
		"agent":     req.Agent,
		"operation": req.Operation,
		"issued_at": req.IssuedAt.UnixNano(),
		"payload":   req.Payload,
		"keys":      keys,
	})
	if err != nil {
		return "", err
	}
	return digest[:16], nil
}

func copyPayload(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = copyPayload(t)
		case []any:
			cp := make([]any, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// PayloadString fetches a string field from the payload.
func (r *OperationRequest) PayloadString(key string) (string, bool) {
	v, ok := r.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PayloadNumber fetches a numeric field from the payload, accepting the
// integer and float forms JSON decoding produces.
func (r *OperationRequest) PayloadNumber(key string) (float64, bool) {
	v, ok := r.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// OperationResult is the caller-reported outcome of executing an approved
// operation, fed back through RecordOutcome for post-condition checking.
type OperationResult struct {
	RequestID   string         `json:"request_id"`
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Duration    time.Duration  `json:"duration"`
	CompletedAt time.Time      `json:"completed_at"`
}

// OutputNumber fetches a numeric field from the result output.
func (r *OperationResult) OutputNumber(key string) (float64, bool) {
	if r == nil || r.Output == nil {
		return 0, false
	}
	switch n := r.Output[key].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
