package messagebus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
)

// KafkaConfig конфигурация для Kafka адаптера
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	Compression   string // none, gzip, snappy, lz4, zstd
	BatchSize     int
	FlushInterval time.Duration
	RequiredAcks  int // 0, 1, -1 (all)
	MaxAttempts   int
	WriteTimeout  time.Duration
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		if broker == "" {
			return fmt.Errorf("broker[%d] cannot be empty", i)
		}
		if !strings.Contains(broker, ":") {
			return fmt.Errorf("broker[%d] must be in format host:port", i)
		}
	}
	if c.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		Topic:         "saga-events",
		Compression:   "snappy",
		BatchSize:     100,
		FlushInterval: 10 * time.Millisecond,
		RequiredAcks:  -1,
		MaxAttempts:   3,
		WriteTimeout:  10 * time.Second,
	}
}

// messageWriter часть kafka.Writer, которую использует адаптер
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAdapter публикует события саг в Kafka: один топик, key = routing key
type KafkaAdapter struct {
	config  KafkaConfig
	writer  messageWriter
	mu      sync.RWMutex
	running bool
	logger  *zap.Logger
}

// NewKafkaAdapter создает Kafka адаптер
func NewKafkaAdapter(config KafkaConfig, logger *zap.Logger) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Async:        false,
		BatchSize:    config.BatchSize,
		BatchTimeout: config.FlushInterval,
		MaxAttempts:  config.MaxAttempts,
		WriteTimeout: config.WriteTimeout,
		Compression:  getCompression(config.Compression),
	}

	return &KafkaAdapter{config: config, writer: writer, logger: logger}, nil
}

// getCompression преобразует строку в kafka.Compression
func getCompression(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.running = true
	return nil
}

// Stop закрывает writer (реализация core.Lifecycle)
func (k *KafkaAdapter) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.running {
		return nil
	}
	k.running = false
	if err := k.writer.Close(); err != nil {
		k.logger.Warn("failed to close kafka writer", zap.Error(err))
		return err
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// Name возвращает имя компонента (реализация core.Component)
func (k *KafkaAdapter) Name() string {
	return "kafka-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (k *KafkaAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish пишет сообщение в топик саг; key = subject (routing key)
func (k *KafkaAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	k.mu.RLock()
	running := k.running
	k.mu.RUnlock()

	if !running {
		return ErrAdapterNotRunning
	}

	if err := k.writer.WriteMessages(ctx, k.buildMessage(subject, data, headers)); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

func (k *KafkaAdapter) buildMessage(subject string, data []byte, headers map[string]string) kafka.Message {
	kafkaHeaders := make([]kafka.Header, 0, len(headers)+1)
	kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: "routing_key", Value: []byte(subject)})
	for key, value := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: key, Value: []byte(value)})
	}

	return kafka.Message{
		Topic:   k.config.Topic,
		Key:     []byte(subject),
		Value:   data,
		Headers: kafkaHeaders,
		Time:    time.Now(),
	}
}
