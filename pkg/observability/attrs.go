// Archon-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// Semantic convention attributes for the decision pipeline.
var (
	AttrRequestID = attribute.Key("archon.request.id")
	AttrAgent     = attribute.Key("archon.request.agent")
	AttrOperation = attribute.Key("archon.request.operation")
	AttrRisk      = attribute.Key("archon.request.risk_category")

	AttrVerdict  = attribute.Key("archon.decision.verdict")
	AttrReason   = attribute.Key("archon.decision.reason")
	AttrAutonomy = attribute.Key("archon.decision.autonomy_level")

	AttrOutcomeSuccess  = attribute.Key("archon.outcome.success")
	AttrOutcomeCritical = attribute.Key("archon.outcome.critical")

	AttrAuditSequence = attribute.Key("archon.audit.sequence")
	AttrAuditDigest   = attribute.Key("archon.audit.digest")
)

// RequestAttrs creates attributes for an incoming operation request.
func RequestAttrs(req *contracts.OperationRequest) []attribute.KeyValue {
	if req == nil {
		return nil
	}
	return []attribute.KeyValue{
		AttrRequestID.String(req.ID),
		AttrAgent.String(req.Agent),
		AttrOperation.String(req.Operation),
		AttrRisk.String(string(req.RiskCategory)),
	}
}

// DecisionAttrs creates attributes for a rendered verdict.
func DecisionAttrs(d *contracts.Decision) []attribute.KeyValue {
	if d == nil {
		return nil
	}
	return []attribute.KeyValue{
		AttrRequestID.String(d.RequestID),
		AttrVerdict.String(string(d.Verdict)),
		AttrReason.String(string(d.Reason)),
		AttrAutonomy.String(d.AutonomyLevel),
	}
}

// OutcomeAttrs creates attributes for a post-execution verdict.
func OutcomeAttrs(requestID string, success, critical bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRequestID.String(requestID),
		AttrOutcomeSuccess.Bool(success),
		AttrOutcomeCritical.Bool(critical),
	}
}

// AuditAttrs creates attributes for a chained audit append.
func AuditAttrs(sequence uint64, digest string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAuditSequence.Int64(int64(sequence)),
		AttrAuditDigest.String(digest),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
