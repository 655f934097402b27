// Broker-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Broker semantic convention attributes.
var (
	// Negotiation attributes
	AttrNegotiationID    = attribute.Key("ainp.negotiation.id")
	AttrNegotiationState = attribute.Key("ainp.negotiation.state")
	AttrNegotiationRound = attribute.Key("ainp.negotiation.round")
	AttrConvergenceScore = attribute.Key("ainp.negotiation.convergence_score")

	// Ledger attributes
	AttrAgentDID = attribute.Key("ainp.ledger.agent_did")
	AttrTxType   = attribute.Key("ainp.ledger.tx_type")
	AttrAmount   = attribute.Key("ainp.ledger.amount")

	// Settlement attributes
	AttrIntentID        = attribute.Key("ainp.settlement.intent_id")
	AttrSettlementState = attribute.Key("ainp.settlement.state")
	AttrSettlementTotal = attribute.Key("ainp.settlement.total")
)

// NegotiationOperation creates attributes for negotiation engine operations.
func NegotiationOperation(negotiationID, state string, round int64, score float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrNegotiationID.String(negotiationID),
		AttrNegotiationState.String(state),
		AttrNegotiationRound.Int64(round),
		AttrConvergenceScore.Float64(score),
	}
}

// LedgerOperation creates attributes for credit ledger operations.
func LedgerOperation(agentDID, txType string, amount int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentDID.String(agentDID),
		AttrTxType.String(txType),
		AttrAmount.Int64(amount),
	}
}

// SettlementOperation creates attributes for settlement coordinator operations.
func SettlementOperation(negotiationID, intentID, state string, total int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrNegotiationID.String(negotiationID),
		AttrIntentID.String(intentID),
		AttrSettlementState.String(state),
		AttrSettlementTotal.Int64(total),
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

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
