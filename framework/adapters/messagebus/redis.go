package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
)

// RedisConfig конфигурация для Redis адаптера
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int
	StreamMaxLen int64  // 0 = без ограничений
	StreamName   string // префикс stream: <StreamName>:<routing key>
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.StreamName == "" {
		return fmt.Errorf("StreamName cannot be empty")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MaxRetries:   3,
		StreamMaxLen: 10000,
		StreamName:   "saga-events",
	}
}

// RedisAdapter публикует события саг в Redis Streams
type RedisAdapter struct {
	config  RedisConfig
	client  *redis.Client
	owned   bool
	mu      sync.RWMutex
	running bool
	logger  *zap.Logger
}

// NewRedisAdapter создает Redis адаптер и проверяет подключение
func NewRedisAdapter(ctx context.Context, config RedisConfig, logger *zap.Logger) (*RedisAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	a := NewRedisAdapterFromClient(client, config, logger)
	a.owned = true
	return a, nil
}

// NewRedisAdapterFromClient создает адаптер поверх существующего клиента
func NewRedisAdapterFromClient(client *redis.Client, config RedisConfig, logger *zap.Logger) *RedisAdapter {
	if config.StreamName == "" {
		config.StreamName = DefaultRedisConfig().StreamName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisAdapter{config: config, client: client, logger: logger}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	r.running = false
	if r.owned {
		return r.client.Close()
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RedisAdapter) Name() string {
	return "redis-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RedisAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish добавляет сообщение в stream (XADD)
func (r *RedisAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()

	if !running {
		return ErrAdapterNotRunning
	}

	values := map[string]interface{}{
		"data": string(data),
	}
	if len(headers) > 0 {
		headersJSON, err := json.Marshal(headers)
		if err != nil {
			return fmt.Errorf("failed to marshal headers: %w", err)
		}
		values["headers"] = string(headersJSON)
	}

	args := redis.XAddArgs{
		Stream: r.StreamFor(subject),
		Values: values,
	}
	// приблизительный MAXLEN для производительности
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, &args).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// StreamFor возвращает имя stream для routing key
func (r *RedisAdapter) StreamFor(subject string) string {
	return r.config.StreamName + ":" + subject
}

// HealthCheck проверяет доступность Redis
func (r *RedisAdapter) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
