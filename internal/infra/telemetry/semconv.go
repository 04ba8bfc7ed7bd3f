package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used across copydesk instruments.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrTopic labels notification metrics by topic (new_order, order_update).
	AttrTopic = attribute.Key("topic")
	// AttrRole distinguishes parent and child principals.
	AttrRole = attribute.Key("account.role")
	// AttrOperation names the broker or store operation being measured.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrOutcome labels per-child fan-out results.
	AttrOutcome = attribute.Key("fanout.outcome")
	// AttrOrderStatus captures the order status reached by a transition.
	AttrOrderStatus = attribute.Key("order.status")
	// AttrTransactionType labels order metrics with BUY/SELL intent.
	AttrTransactionType = attribute.Key("order.transaction_type")
	// AttrErrorKind categorizes failures by the closed upstream error kinds.
	AttrErrorKind = attribute.Key("error.kind")
	// AttrReconcileSource names the status source feeding the reconciliation loop.
	AttrReconcileSource = attribute.Key("reconcile.source")
)

// Result values shared by counters.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// PlacementAttributes returns attributes for order placement metrics.
func PlacementAttributes(role, transactionType, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrRole.String(role),
		AttrResult.String(result),
	}
	if transactionType != "" {
		attrs = append(attrs, AttrTransactionType.String(transactionType))
	}
	return attrs
}

// FanOutAttributes returns attributes for per-child replication outcomes.
func FanOutAttributes(outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOutcome.String(outcome),
	}
}

// TopicAttributes returns attributes for publisher metrics.
func TopicAttributes(topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTopic.String(topic),
	}
}

// TransitionAttributes returns attributes for reconciliation transitions.
func TransitionAttributes(source, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrReconcileSource.String(source),
		AttrOrderStatus.String(status),
	}
}
