package stream

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

type streamMetrics struct {
	connections    metric.Int64Counter
	messages       metric.Int64Counter
	dropped        metric.Int64Counter
	handlerErrors  metric.Int64Counter
	stateChanges   metric.Int64Counter
	backoffSeconds metric.Float64Histogram
}

var (
	metricsOnce sync.Once
	metricsInst streamMetrics
)

func loadMetrics() streamMetrics {
	metricsOnce.Do(func() {
		meter := otel.Meter("ordersync.stream")
		metricsInst.connections, _ = meter.Int64Counter("ordersync_stream_connections_total",
			metric.WithDescription("Connection attempts by outcome"),
			metric.WithUnit("{attempt}"))
		metricsInst.messages, _ = meter.Int64Counter("ordersync_stream_messages_total",
			metric.WithDescription("Data frames dispatched per topic"),
			metric.WithUnit("{message}"))
		metricsInst.dropped, _ = meter.Int64Counter("ordersync_stream_messages_dropped_total",
			metric.WithDescription("Data frames with no active handler"),
			metric.WithUnit("{message}"))
		metricsInst.handlerErrors, _ = meter.Int64Counter("ordersync_stream_handler_errors_total",
			metric.WithDescription("Handler failures captured by the dispatch loop"),
			metric.WithUnit("{error}"))
		metricsInst.stateChanges, _ = meter.Int64Counter("ordersync_stream_state_changes_total",
			metric.WithDescription("Connection state transitions"),
			metric.WithUnit("{transition}"))
		metricsInst.backoffSeconds, _ = meter.Float64Histogram("ordersync_stream_backoff_seconds",
			metric.WithDescription("Reconnect delays"),
			metric.WithUnit("s"))
	})
	return metricsInst
}

func (m streamMetrics) connection(ctx context.Context, state State, result string) {
	if m.connections != nil {
		m.connections.Add(ctx, 1, metric.WithAttributes(telemetry.ConnectionAttributes(state.String(), result)...))
	}
}

func (m streamMetrics) message(ctx context.Context, topic string) {
	if m.messages != nil {
		m.messages.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(topic)...))
	}
}

func (m streamMetrics) drop(ctx context.Context, topic string) {
	if m.dropped != nil {
		m.dropped.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(topic)...))
	}
}

func (m streamMetrics) handlerError(ctx context.Context, topic string) {
	if m.handlerErrors != nil {
		m.handlerErrors.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(topic)...))
	}
}

func (m streamMetrics) stateChange(to State) {
	if m.stateChanges != nil {
		m.stateChanges.Add(context.Background(), 1, metric.WithAttributes(telemetry.ConnectionAttributes(to.String(), "")...))
	}
}

func (m streamMetrics) backoff(ctx context.Context, seconds float64) {
	if m.backoffSeconds != nil {
		m.backoffSeconds.Record(ctx, seconds)
	}
}
