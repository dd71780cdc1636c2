package messagebus

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
	"github.com/akriventsev/sagaflow/framework/transport"
)

// InMemoryConfig конфигурация для InMemory адаптера
type InMemoryConfig struct {
	EnableOrdering bool // синхронная доставка в порядке публикации
}

// DefaultInMemoryConfig возвращает конфигурацию InMemory по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{EnableOrdering: true}
}

// InMemoryAdapter шина в памяти с NATS-style wildcard подписками.
// Используется в standalone режиме и в тестах.
type InMemoryAdapter struct {
	config      InMemoryConfig
	subscribers map[string][]transport.MessageHandler
	mu          sync.RWMutex
	running     bool
	logger      *zap.Logger
}

// NewInMemoryAdapter создает новый InMemory адаптер
func NewInMemoryAdapter(config InMemoryConfig, logger *zap.Logger) *InMemoryAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryAdapter{
		config:      config,
		subscribers: make(map[string][]transport.MessageHandler),
		logger:      logger,
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) IsRunning() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.running
}

// Name возвращает имя компонента (реализация core.Component)
func (i *InMemoryAdapter) Name() string {
	return "inmemory-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (i *InMemoryAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish доставляет сообщение всем подписчикам, чей паттерн совпадает с subject
func (i *InMemoryAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	i.mu.RLock()
	if !i.running {
		i.mu.RUnlock()
		return ErrAdapterNotRunning
	}
	var handlers []transport.MessageHandler
	for pattern, h := range i.subscribers {
		if matchSubject(subject, pattern) {
			handlers = append(handlers, h...)
		}
	}
	i.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	msg := &transport.Message{
		Subject: subject,
		Data:    data,
		Headers: headers,
	}

	for _, handler := range handlers {
		if i.config.EnableOrdering {
			i.deliver(ctx, handler, msg)
		} else {
			go i.deliver(ctx, handler, msg)
		}
	}
	return nil
}

func (i *InMemoryAdapter) deliver(ctx context.Context, handler transport.MessageHandler, msg *transport.Message) {
	if err := handler(ctx, msg); err != nil {
		i.logger.Warn("in-memory subscriber failed",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}

// Subscribe подписывается на subject или wildcard паттерн (* и >)
func (i *InMemoryAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subscribers[subject] = append(i.subscribers[subject], handler)
	return nil
}

// Unsubscribe отписывается от subject
func (i *InMemoryAdapter) Unsubscribe(subject string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.subscribers, subject)
	return nil
}

// GetSubscriberCount возвращает количество подписчиков для subject
func (i *InMemoryAdapter) GetSubscriberCount(subject string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.subscribers[subject])
}

// matchSubject проверяет соответствие subject с wildcard паттерном.
// * совпадает с одним токеном, > со всеми оставшимися.
func matchSubject(subject, pattern string) bool {
	subjectParts := strings.Split(subject, ".")
	patternParts := strings.Split(pattern, ".")

	for idx, part := range patternParts {
		if part == ">" {
			return idx < len(subjectParts)
		}
		if idx >= len(subjectParts) {
			return false
		}
		if part != "*" && part != subjectParts[idx] {
			return false
		}
	}

	return len(patternParts) == len(subjectParts)
}
