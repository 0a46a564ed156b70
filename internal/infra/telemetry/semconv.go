package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by ordersync instruments.
const (
	AttrEnvironment     = attribute.Key("environment")
	AttrTopic           = attribute.Key("topic")
	AttrResult          = attribute.Key("result")
	AttrReason          = attribute.Key("reason")
	AttrErrorType       = attribute.Key("error.type")
	AttrConnectionState = attribute.Key("connection.state")
	AttrOperation       = attribute.Key("operation")
	AttrOrderStatus     = attribute.Key("order.status")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// TopicAttributes labels per-topic stream metrics.
func TopicAttributes(topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTopic.String(topic),
	}
}

// ConnectionAttributes labels connection lifecycle metrics.
func ConnectionAttributes(state, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrConnectionState.String(state),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// ReconcileAttributes labels reconciliation outcomes.
func ReconcileAttributes(result, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrResult.String(result),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}

// OperationResultAttributes labels REST operations.
func OperationResultAttributes(operation, result, errorType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
	if errorType != "" {
		attrs = append(attrs, AttrErrorType.String(errorType))
	}
	return attrs
}
