package ordersync

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

type syncMetrics struct {
	reconciled      metric.Int64Counter
	storageFailures metric.Int64Counter
	operations      metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metricsInst syncMetrics
)

func loadMetrics() syncMetrics {
	metricsOnce.Do(func() {
		meter := otel.Meter("ordersync.synchronizer")
		metricsInst.reconciled, _ = meter.Int64Counter("ordersync_reconcile_total",
			metric.WithDescription("Order updates by reconciliation decision"),
			metric.WithUnit("{update}"))
		metricsInst.storageFailures, _ = meter.Int64Counter("ordersync_storage_failures_total",
			metric.WithDescription("Order writes that exhausted their retries"),
			metric.WithUnit("{write}"))
		metricsInst.operations, _ = meter.Int64Counter("ordersync_exchange_operations_total",
			metric.WithDescription("Trade client calls by outcome"),
			metric.WithUnit("{call}"))
	})
	return metricsInst
}

func (m syncMetrics) reconcile(ctx context.Context, decision Decision, source string) {
	if m.reconciled == nil {
		return
	}
	result := telemetry.ResultSuccess
	if !decision.Accepted() {
		result = decision.String()
	}
	m.reconciled.Add(ctx, 1, metric.WithAttributes(telemetry.ReconcileAttributes(result, source)...))
}

func (m syncMetrics) storageFailure(ctx context.Context) {
	if m.storageFailures != nil {
		m.storageFailures.Add(ctx, 1)
	}
}

func (m syncMetrics) operation(ctx context.Context, op string, err error) {
	if m.operations == nil {
		return
	}
	result, errType := telemetry.ResultSuccess, ""
	if err != nil {
		result, errType = telemetry.ResultFailure, errorType(err)
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(op, result, errType)...))
}
