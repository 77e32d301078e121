// Package gateway bridges transport-level agent messages into kernel
// decisions. It is deliberately transport-agnostic: whatever carries the
// bytes (HTTP handler, message queue consumer, CLI), the only crossing
// point into the kernel is Bridge.Submit, and the only place correlation
// IDs are minted is here.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// Decider is the kernel surface the gateway needs.
type Decider interface {
	Decide(ctx context.Context, req *contracts.OperationRequest) (*contracts.Decision, error)
	RecordOutcome(ctx context.Context, req *contracts.OperationRequest, result *contracts.OperationResult) (*contracts.PostDecision, error)
}

// Inbound is one agent message before validation. Confidence is advisory
// collaborator input; it rides along on the request and is never read by
// any kernel check.
type Inbound struct {
	Channel    string          `json:"channel"`
	Sender     string          `json:"sender"`
	Body       json.RawMessage `json:"body"`
	Confidence float64         `json:"confidence,omitempty"`
}

// body is the wire shape of an operation submission.
type body struct {
	Operation    string         `json:"operation"`
	RiskCategory string         `json:"risk_category"`
	Payload      map[string]any `json:"payload"`
}

// Submission pairs the built request with its gateway envelope so the
// caller can report the outcome against the same request later.
type Submission struct {
	Request       *contracts.OperationRequest
	Decision      *contracts.Decision
	CorrelationID string
	Channel       string
}

// Bridge converts inbound messages to operation requests and routes them
// through the kernel.
type Bridge struct {
	kernel Decider
	clock  contracts.Clock
	logger *slog.Logger
}

// NewBridge returns a bridge over the given kernel. A nil clock uses the
// system clock.
func NewBridge(kernel Decider, clock contracts.Clock, logger *slog.Logger) (*Bridge, error) {
	if kernel == nil {
		return nil, fmt.Errorf("gateway: kernel is required")
	}
	if clock == nil {
		clock = contracts.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		kernel: kernel,
		clock:  clock,
		logger: logger.With("component", "gateway"),
	}, nil
}

// Build converts an inbound message into an OperationRequest without
// deciding it. The request carries a fresh correlation UUID distinct from
// its deterministic content-derived ID.
func (b *Bridge) Build(in Inbound) (*contracts.OperationRequest, error) {
	sender := strings.TrimSpace(in.Sender)
	if sender == "" {
		return nil, fmt.Errorf("%w: missing sender", contracts.ErrInvalidRequest)
	}
	if len(in.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", contracts.ErrInvalidRequest)
	}

	var parsed body
	dec := json.NewDecoder(strings.NewReader(string(in.Body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed body: %v", contracts.ErrInvalidRequest, err)
	}

	risk, err := contracts.ParseRiskCategory(parsed.RiskCategory)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidRequest, err)
	}

	req, err := contracts.NewOperationRequest(sender, parsed.Operation, risk, parsed.Payload, b.clock.Now())
	if err != nil {
		return nil, err
	}
	req.CorrelationID = uuid.NewString()
	req.Confidence = in.Confidence
	return req, nil
}

// Submit builds the request and runs it through the kernel's decision
// phase. Build failures never reach the kernel; the message is rejected
// at the boundary.
func (b *Bridge) Submit(ctx context.Context, in Inbound) (*Submission, error) {
	req, err := b.Build(in)
	if err != nil {
		b.logger.Warn("inbound rejected",
			"channel", in.Channel, "sender", in.Sender, "error", err)
		return nil, err
	}

	decision, err := b.kernel.Decide(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("gateway: deciding request %s: %w", req.ID, err)
	}

	b.logger.Info("inbound decided",
		"channel", in.Channel,
		"correlation_id", req.CorrelationID,
		"request_id", req.ID,
		"verdict", decision.Verdict)

	return &Submission{
		Request:       req,
		Decision:      decision,
		CorrelationID: req.CorrelationID,
		Channel:       in.Channel,
	}, nil
}

// Report forwards an execution result for a previously approved
// submission into the kernel's outcome phase.
func (b *Bridge) Report(ctx context.Context, sub *Submission, result *contracts.OperationResult) (*contracts.PostDecision, error) {
	if sub == nil || sub.Request == nil {
		return nil, fmt.Errorf("gateway: nil submission")
	}
	post, err := b.kernel.RecordOutcome(ctx, sub.Request, result)
	if err != nil {
		return nil, fmt.Errorf("gateway: recording outcome for %s: %w", sub.Request.ID, err)
	}
	return post, nil
}
