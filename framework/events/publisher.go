package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/metrics"
	"github.com/akriventsev/sagaflow/framework/transport"
)

// DefaultTopic топик событий саг
const DefaultTopic = "saga-events"

// RetryConfig конфигурация retry для публикатора
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig возвращает конфигурацию retry по умолчанию
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// BusPublisher публикует события саг в message bus.
// Subject сообщения равен routing key события (saga.started, ...).
type BusPublisher struct {
	publisher transport.Publisher
	topic     string
	retry     RetryConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewBusPublisher создает публикатор поверх transport.Publisher
func NewBusPublisher(publisher transport.Publisher, logger *zap.Logger) *BusPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusPublisher{
		publisher: publisher,
		topic:     DefaultTopic,
		retry:     DefaultRetryConfig(),
		logger:    logger,
	}
}

// WithTopic задает имя топика для заголовка topic
func (p *BusPublisher) WithTopic(topic string) *BusPublisher {
	if topic != "" {
		p.topic = topic
	}
	return p
}

// WithRetry настраивает retry логику
func (p *BusPublisher) WithRetry(config RetryConfig) *BusPublisher {
	p.retry = config
	return p
}

// WithMetrics подключает метрики публикации
func (p *BusPublisher) WithMetrics(m *metrics.Metrics) *BusPublisher {
	p.metrics = m
	return p
}

// Publish сериализует событие в JSON и публикует его с retry
func (p *BusPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		p.metrics.RecordEvent(ctx, event.EventType(), false)
		return fmt.Errorf("failed to marshal event %s: %w", event.EventType(), err)
	}

	headers := map[string]string{
		transport.HeaderEventID:     event.EventID(),
		transport.HeaderEventType:   event.EventType(),
		transport.HeaderAggregateID: event.AggregateID(),
		transport.HeaderTopic:       p.topic,
	}
	if id := event.Metadata().CorrelationID(); id != "" {
		headers[transport.HeaderCorrelationID] = id
	}

	err = p.publishWithRetry(ctx, event.EventType(), data, headers)
	p.metrics.RecordEvent(ctx, event.EventType(), err == nil)
	if err != nil {
		p.logger.Error("failed to publish saga event",
			zap.String("event_type", event.EventType()),
			zap.String("saga_id", event.AggregateID()),
			zap.Error(err))
		return err
	}

	p.logger.Debug("saga event published",
		zap.String("event_type", event.EventType()),
		zap.String("saga_id", event.AggregateID()))
	return nil
}

func (p *BusPublisher) publishWithRetry(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	attempts := p.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := p.retry.InitialDelay

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * p.retry.BackoffMultiplier)
			if p.retry.MaxDelay > 0 && delay > p.retry.MaxDelay {
				delay = p.retry.MaxDelay
			}
		}

		err := p.publisher.Publish(ctx, subject, data, headers)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("publish failed after %d attempts: %w", attempts, lastErr)
}

// RecordingPublisher хранит опубликованные события в памяти.
// Используется в тестах и в standalone режиме без брокера.
type RecordingPublisher struct {
	mu        sync.Mutex
	published []Event
	failWith  error
	failTypes map[string]struct{}
}

// NewRecordingPublisher создает публикатор в памяти
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{failTypes: make(map[string]struct{})}
}

// FailWith заставляет публикацию событий указанных типов (всех, если типы не заданы)
// возвращать err. nil снимает сбой.
func (p *RecordingPublisher) FailWith(err error, eventTypes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
	p.failTypes = make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		p.failTypes[t] = struct{}{}
	}
}

func (p *RecordingPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failWith != nil {
		if _, ok := p.failTypes[event.EventType()]; ok || len(p.failTypes) == 0 {
			return p.failWith
		}
	}
	p.published = append(p.published, event)
	return nil
}

// Events возвращает копию опубликованных событий
func (p *RecordingPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Event, len(p.published))
	copy(result, p.published)
	return result
}

// EventsOfType возвращает опубликованные события заданного типа
func (p *RecordingPublisher) EventsOfType(eventType string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []Event
	for _, e := range p.published {
		if e.EventType() == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Types возвращает типы событий в порядке публикации
func (p *RecordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]string, len(p.published))
	for i, e := range p.published {
		result[i] = e.EventType()
	}
	return result
}

// Reset очищает журнал событий
func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = nil
}
