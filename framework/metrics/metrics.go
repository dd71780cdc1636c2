// Package metrics предоставляет метрики оркестратора саг на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics сборщик метрик саг
type Metrics struct {
	meter              metric.Meter
	sagasCreated       metric.Int64Counter
	sagasRejected      metric.Int64Counter
	sagasFinished      metric.Int64Counter
	sagasActive        metric.Int64UpDownCounter
	stepExecutions     metric.Int64Counter
	stepDuration       metric.Float64Histogram
	stepsRunning       metric.Int64UpDownCounter
	eventsPublished    metric.Int64Counter
	breakerTransitions metric.Int64Counter
	errorsTotal        metric.Int64Counter
}

// NewMetrics создает новый сборщик метрик на глобальном MeterProvider
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("sagaflow"))
}

// NewMetricsWithMeter создает сборщик метрик на указанном meter
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	if m.sagasCreated, err = meter.Int64Counter(
		"sagas_created_total",
		metric.WithDescription("Total number of sagas created"),
	); err != nil {
		return nil, err
	}

	if m.sagasRejected, err = meter.Int64Counter(
		"sagas_rejected_total",
		metric.WithDescription("Total number of sagas rejected by admission control"),
	); err != nil {
		return nil, err
	}

	if m.sagasFinished, err = meter.Int64Counter(
		"sagas_finished_total",
		metric.WithDescription("Total number of sagas reaching a terminal status"),
	); err != nil {
		return nil, err
	}

	if m.sagasActive, err = meter.Int64UpDownCounter(
		"sagas_active",
		metric.WithDescription("Number of sagas in a non-terminal status"),
	); err != nil {
		return nil, err
	}

	if m.stepExecutions, err = meter.Int64Counter(
		"step_executions_total",
		metric.WithDescription("Total number of step invocations"),
	); err != nil {
		return nil, err
	}

	if m.stepDuration, err = meter.Float64Histogram(
		"step_duration_seconds",
		metric.WithDescription("Step invocation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.stepsRunning, err = meter.Int64UpDownCounter(
		"steps_running",
		metric.WithDescription("Number of step invocations in flight"),
	); err != nil {
		return nil, err
	}

	if m.eventsPublished, err = meter.Int64Counter(
		"events_published_total",
		metric.WithDescription("Total number of saga lifecycle events published"),
	); err != nil {
		return nil, err
	}

	if m.breakerTransitions, err = meter.Int64Counter(
		"circuit_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions"),
	); err != nil {
		return nil, err
	}

	if m.errorsTotal, err = meter.Int64Counter(
		"errors_total",
		metric.WithDescription("Total number of errors"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordSagaCreated учитывает созданную сагу
func (m *Metrics) RecordSagaCreated(ctx context.Context, sagaType string) {
	if m == nil {
		return
	}
	m.sagasCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("saga_type", sagaType)))
	m.sagasActive.Add(ctx, 1)
}

// RecordSagaRejected учитывает отказ в создании саги
func (m *Metrics) RecordSagaRejected(ctx context.Context, sagaType, reason string) {
	if m == nil {
		return
	}
	m.sagasRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("reason", reason),
	))
}

// RecordSagaFinished учитывает переход саги в терминальный статус
func (m *Metrics) RecordSagaFinished(ctx context.Context, sagaType, status string) {
	if m == nil {
		return
	}
	m.sagasFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("status", status),
	))
	m.sagasActive.Add(ctx, -1)
}

// RecordStepExecution записывает метрику вызова шага
func (m *Metrics) RecordStepExecution(ctx context.Context, service, action string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("action", action),
		attribute.Bool("success", success),
	}

	m.stepExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if !success {
		m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", "step"),
			attribute.String("service", service),
		))
	}
}

// IncrementRunningSteps увеличивает счетчик выполняемых шагов
func (m *Metrics) IncrementRunningSteps(ctx context.Context) {
	if m == nil {
		return
	}
	m.stepsRunning.Add(ctx, 1)
}

// DecrementRunningSteps уменьшает счетчик выполняемых шагов
func (m *Metrics) DecrementRunningSteps(ctx context.Context) {
	if m == nil {
		return
	}
	m.stepsRunning.Add(ctx, -1)
}

// RecordEvent записывает метрику публикации события
func (m *Metrics) RecordEvent(ctx context.Context, eventType string, success bool) {
	if m == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventType),
		attribute.Bool("success", success),
	))
	if !success {
		m.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "publish")))
	}
}

// RecordBreakerTransition записывает смену состояния circuit breaker
func (m *Metrics) RecordBreakerTransition(ctx context.Context, service, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("to", to),
	))
}

// RecordError учитывает ошибку произвольного типа
func (m *Metrics) RecordError(ctx context.Context, errType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errType)))
}
