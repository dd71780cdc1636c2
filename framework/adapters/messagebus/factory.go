package messagebus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
	"github.com/akriventsev/sagaflow/framework/transport"
)

var (
	// ErrAdapterNotRunning публикация до Start или после Stop
	ErrAdapterNotRunning = errors.New("messagebus: adapter is not running")
	// ErrPublishFailed брокер отклонил сообщение
	ErrPublishFailed = errors.New("messagebus: publish failed")
)

// Bus адаптер брокера: публикатор с жизненным циклом
type Bus interface {
	transport.Publisher
	core.Lifecycle
	core.Component
}

// Creator создает адаптер по конфигурации
type Creator func(ctx context.Context, config interface{}, logger *zap.Logger) (Bus, error)

// Factory фабрика адаптеров по типу брокера
type Factory struct {
	creators map[string]Creator
	mu       sync.RWMutex
}

// NewFactory создает фабрику со встроенными адаптерами nats, kafka, redis, inmemory
func NewFactory() *Factory {
	f := &Factory{creators: make(map[string]Creator)}

	_ = f.Register("nats", func(ctx context.Context, config interface{}, logger *zap.Logger) (Bus, error) {
		cfg, ok := config.(NATSConfig)
		if !ok {
			return nil, fmt.Errorf("invalid NATS config type: %T", config)
		}
		return NewNATSAdapter(cfg, logger)
	})

	_ = f.Register("kafka", func(ctx context.Context, config interface{}, logger *zap.Logger) (Bus, error) {
		cfg, ok := config.(KafkaConfig)
		if !ok {
			return nil, fmt.Errorf("invalid Kafka config type: %T", config)
		}
		return NewKafkaAdapter(cfg, logger)
	})

	_ = f.Register("redis", func(ctx context.Context, config interface{}, logger *zap.Logger) (Bus, error) {
		cfg, ok := config.(RedisConfig)
		if !ok {
			return nil, fmt.Errorf("invalid Redis config type: %T", config)
		}
		return NewRedisAdapter(ctx, cfg, logger)
	})

	_ = f.Register("inmemory", func(ctx context.Context, config interface{}, logger *zap.Logger) (Bus, error) {
		cfg, ok := config.(InMemoryConfig)
		if !ok {
			cfg = DefaultInMemoryConfig()
		}
		return NewInMemoryAdapter(cfg, logger), nil
	})

	return f
}

// Create создает адаптер указанного типа
func (f *Factory) Create(ctx context.Context, busType string, config interface{}, logger *zap.Logger) (Bus, error) {
	f.mu.RLock()
	creator, exists := f.creators[busType]
	f.mu.RUnlock()

	if !exists {
		return nil, core.Errorf(core.ErrInvalidConfig, "unknown message bus type: %s", busType)
	}

	adapter, err := creator(ctx, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", busType, err)
	}
	return adapter, nil
}

// Register регистрирует адаптер
func (f *Factory) Register(name string, creator Creator) error {
	if name == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}
	if creator == nil {
		return fmt.Errorf("creator function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[name]; exists {
		return fmt.Errorf("adapter %s already registered", name)
	}
	f.creators[name] = creator
	return nil
}

// ListRegistered возвращает отсортированный список зарегистрированных адаптеров
func (f *Factory) ListRegistered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateConfig валидирует конфигурацию для указанного типа адаптера
func (f *Factory) ValidateConfig(busType string, config interface{}) error {
	var err error
	switch busType {
	case "nats":
		cfg, ok := config.(NATSConfig)
		if !ok {
			return core.NewError(core.ErrInvalidConfig, "invalid NATS config type")
		}
		err = cfg.Validate()
	case "kafka":
		cfg, ok := config.(KafkaConfig)
		if !ok {
			return core.NewError(core.ErrInvalidConfig, "invalid Kafka config type")
		}
		err = cfg.Validate()
	case "redis":
		cfg, ok := config.(RedisConfig)
		if !ok {
			return core.NewError(core.ErrInvalidConfig, "invalid Redis config type")
		}
		err = cfg.Validate()
	case "inmemory":
		return nil
	default:
		return core.Errorf(core.ErrInvalidConfig, "unknown message bus type: %s", busType)
	}

	if err != nil {
		return core.Wrap(err, core.ErrInvalidConfig, busType+" config is invalid")
	}
	return nil
}
