// Package invoke вызывает действия downstream сервисов по HTTP и нормализует результат.
package invoke

import (
	"fmt"
	"net/http"
	"time"

	"github.com/akriventsev/sagaflow/framework/metrics"
)

// Config конфигурация ServiceInvoker
type Config struct {
	// Services имя сервиса -> базовый URL
	Services         map[string]string
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	FailureThreshold uint32
	RecoveryTime     time.Duration
	HealthPath       string
}

// DefaultServices возвращает адреса сервисов по умолчанию
func DefaultServices() map[string]string {
	return map[string]string{
		"user-service":       "http://localhost:8081",
		"deal-service":       "http://localhost:8082",
		"commission-service": "http://localhost:8083",
		"lead-service":       "http://localhost:8084",
		"product-service":    "http://localhost:8085",
	}
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Services:         DefaultServices(),
		ConnectTimeout:   5 * time.Second,
		ReadTimeout:      30 * time.Second,
		FailureThreshold: 5,
		RecoveryTime:     60 * time.Second,
		HealthPath:       "/actuator/health",
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.FailureThreshold == 0 {
		return fmt.Errorf("failure threshold must be positive")
	}
	if c.RecoveryTime <= 0 {
		return fmt.Errorf("recovery time must be positive")
	}
	if c.ConnectTimeout <= 0 || c.ReadTimeout <= 0 {
		return fmt.Errorf("connect and read timeouts must be positive")
	}
	for name, url := range c.Services {
		if name == "" || url == "" {
			return fmt.Errorf("service endpoint %q=%q is incomplete", name, url)
		}
	}
	return nil
}

// Option функция настройки ServiceInvoker
type Option func(*ServiceInvoker)

// WithHTTPClient подменяет HTTP клиент
func WithHTTPClient(client *http.Client) Option {
	return func(i *ServiceInvoker) {
		i.client = client
	}
}

// WithSerializer подменяет сериализатор параметров
func WithSerializer(serializer Serializer) Option {
	return func(i *ServiceInvoker) {
		i.serializer = serializer
	}
}

// WithRoutes задает таблицу маршрутов
func WithRoutes(routes *RouteTable) Option {
	return func(i *ServiceInvoker) {
		i.routes = routes
	}
}

// WithMetrics подключает метрики переключений circuit breaker
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *ServiceInvoker) {
		i.metrics = m
	}
}
