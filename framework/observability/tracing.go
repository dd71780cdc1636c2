// Copyright 2024 Potter Framework Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability предоставляет трассировку шагов саг, propagation correlation ID
// и health checks для ops сервера.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/akriventsev/sagaflow/framework/core"
)

const (
	// CorrelationIDHeader заголовок correlation ID для исходящих и входящих запросов
	CorrelationIDHeader = "X-Correlation-ID"

	tracerName = "sagaflow"
)

// TracingConfig конфигурация для distributed tracing
type TracingConfig struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	Exporter         string // "jaeger", "zipkin", "otlp", "stdout"
	ExporterEndpoint string
	SamplingRate     float64 // 0.0 - 1.0
	Environment      string  // "development", "staging", "production"
}

// DefaultTracingConfig возвращает конфигурацию по умолчанию (трассировка выключена)
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:        false,
		ServiceName:    "saga-coordinator",
		ServiceVersion: "dev",
		Exporter:       "stdout",
		SamplingRate:   1.0,
		Environment:    "development",
	}
}

// TracingManager менеджер для distributed tracing
type TracingManager struct {
	config   TracingConfig
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	running  bool
	mu       sync.RWMutex
}

// NewTracingManager создает новый TracingManager. Propagator W3C trace context
// регистрируется всегда, чтобы traceparent уходил в downstream сервисы.
func NewTracingManager(config TracingConfig) (*TracingManager, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !config.Enabled {
		return &TracingManager{config: config, tracer: otel.Tracer(tracerName)}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := createExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(config.SamplingRate)
	if config.SamplingRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if config.SamplingRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)

	return &TracingManager{
		config:   config,
		tracer:   tp.Tracer(tracerName),
		provider: tp,
	}, nil
}

// createExporter создает exporter на основе конфигурации
func createExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case "jaeger":
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.ExporterEndpoint)))
	case "zipkin":
		return zipkin.New(config.ExporterEndpoint)
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(config.ExporterEndpoint),
			otlptracehttp.WithInsecure(),
		)
		return otlptrace.New(context.Background(), client)
	case "", "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, core.Errorf(core.ErrInvalidConfig, "unsupported trace exporter: %s", config.Exporter)
	}
}

// Start запускает tracing (lifecycle)
func (tm *TracingManager) Start(ctx context.Context) error {
	tm.mu.Lock()
	tm.running = true
	tm.mu.Unlock()
	return nil
}

// Stop сбрасывает накопленные spans и останавливает provider
func (tm *TracingManager) Stop(ctx context.Context) error {
	tm.mu.Lock()
	tm.running = false
	tm.mu.Unlock()

	if tm.provider != nil {
		return tm.provider.Shutdown(ctx)
	}
	return nil
}

// IsRunning проверяет статус
func (tm *TracingManager) IsRunning() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.running
}

func (tm *TracingManager) Name() string {
	return "tracing"
}

func (tm *TracingManager) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Tracer возвращает tracer для создания spans
func (tm *TracingManager) Tracer() trace.Tracer {
	if tm.tracer == nil {
		return otel.Tracer(tracerName)
	}
	return tm.tracer
}

// HTTPTracingMiddleware Gin middleware для инструментации запросов ops сервера
func HTTPTracingMiddleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		tracer := otel.Tracer(serviceName)
		ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", c.Request.Method, c.FullPath()),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.url", c.Request.URL.String()),
			attribute.String("http.route", c.FullPath()),
		)

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}
	}
}

// ExtractCorrelationID извлекает correlation ID из baggage, иначе trace ID текущего span
func ExtractCorrelationID(ctx context.Context) string {
	if member := baggage.FromContext(ctx).Member(correlationBaggageKey); member.Value() != "" {
		return member.Value()
	}

	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.TraceID().IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// ключ baggage: имена членов baggage должны быть токенами без заглавных букв
const correlationBaggageKey = "correlation_id"

// InjectCorrelationID добавляет correlation ID в baggage контекста
func InjectCorrelationID(ctx context.Context, correlationID string) context.Context {
	member, err := baggage.NewMember(correlationBaggageKey, correlationID)
	if err != nil {
		return ctx
	}
	b, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, b)
}

// PropagateCorrelationID пишет X-Correlation-ID и traceparent в заголовки исходящего запроса
func PropagateCorrelationID(ctx context.Context, headers http.Header) {
	if correlationID := ExtractCorrelationID(ctx); correlationID != "" {
		headers.Set(CorrelationIDHeader, correlationID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// CorrelationIDMiddleware Gin middleware: берет X-Correlation-ID из запроса или генерирует новый
func CorrelationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		correlationID := c.GetHeader(CorrelationIDHeader)
		if correlationID == "" {
			if sc := trace.SpanFromContext(ctx).SpanContext(); sc.TraceID().IsValid() {
				correlationID = sc.TraceID().String()
			} else {
				correlationID = uuid.New().String()
			}
		}

		c.Request = c.Request.WithContext(InjectCorrelationID(ctx, correlationID))
		c.Writer.Header().Set(CorrelationIDHeader, correlationID)
		c.Next()
	}
}

// TraceStep оборачивает вызов шага саги в span saga.step.<stepName>
func TraceStep(ctx context.Context, sagaID, stepName, service, action string, compensation bool, fn func(context.Context) bool) bool {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "saga.step."+stepName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("saga.id", sagaID),
		attribute.String("saga.step", stepName),
		attribute.String("saga.service", service),
		attribute.String("saga.action", action),
		attribute.Bool("saga.compensation", compensation),
	)

	success := fn(ctx)
	span.SetAttributes(attribute.Bool("saga.step.success", success))
	if !success {
		span.SetStatus(codes.Error, "step failed")
	}
	return success
}

// TraceEvent обертка для публикации событий с автоматической инструментацией
func TraceEvent(ctx context.Context, eventType string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "event."+eventType, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(attribute.String("event.type", eventType))

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("event.success", err == nil))
	return err
}
