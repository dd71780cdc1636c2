// Package messagebus предоставляет адаптеры брокеров для публикации событий саг.
package messagebus

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
)

// NATSConfig конфигурация для NATS адаптера
type NATSConfig struct {
	URL               string
	Topic             string // префикс subject: <Topic>.<routing key>
	MaxReconnects     int
	ReconnectWait     time.Duration
	DrainTimeout      time.Duration
	ConnectionTimeout time.Duration
	TLS               *tls.Config
	Token             string
	Username          string
	Password          string
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "nats://") && !strings.HasPrefix(c.URL, "tls://") {
		return fmt.Errorf("URL must start with nats:// or tls://")
	}
	return nil
}

// DefaultNATSConfig возвращает конфигурацию NATS по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               "nats://localhost:4222",
		Topic:             "saga-events",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		DrainTimeout:      30 * time.Second,
		ConnectionTimeout: 5 * time.Second,
	}
}

// NATSAdapter публикует события саг в NATS
type NATSAdapter struct {
	config  NATSConfig
	conn    *nats.Conn
	owned   bool
	mu      sync.RWMutex
	running bool
	logger  *zap.Logger
}

// NewNATSAdapter создает NATS адаптер; подключение устанавливается в Start
func NewNATSAdapter(config NATSConfig, logger *zap.Logger) (*NATSAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}
	if config.Topic == "" {
		config.Topic = DefaultNATSConfig().Topic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSAdapter{config: config, logger: logger}, nil
}

// NewNATSAdapterFromConn создает адаптер поверх существующего подключения
func NewNATSAdapterFromConn(conn *nats.Conn, topic string, logger *zap.Logger) *NATSAdapter {
	if topic == "" {
		topic = DefaultNATSConfig().Topic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := DefaultNATSConfig()
	cfg.Topic = topic
	return &NATSAdapter{
		config:  cfg,
		conn:    conn,
		running: true,
		logger:  logger,
	}
}

// Start подключается к NATS (реализация core.Lifecycle)
func (n *NATSAdapter) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return nil
	}

	opts := []nats.Option{
		nats.MaxReconnects(n.config.MaxReconnects),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.Timeout(n.config.ConnectionTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if n.config.TLS != nil {
		opts = append(opts, nats.Secure(n.config.TLS))
	}
	if n.config.Token != "" {
		opts = append(opts, nats.Token(n.config.Token))
	}
	if n.config.Username != "" && n.config.Password != "" {
		opts = append(opts, nats.UserInfo(n.config.Username, n.config.Password))
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return core.Wrap(err, core.ErrInfrastructureFailure, "failed to connect to NATS")
	}

	n.conn = conn
	n.owned = true
	n.running = true
	return nil
}

// Stop дренирует и закрывает подключение (реализация core.Lifecycle)
func (n *NATSAdapter) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}
	n.running = false

	if n.conn == nil || !n.owned {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}

	deadline := time.Now().Add(n.config.DrainTimeout)
	for !n.conn.IsClosed() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			n.conn.Close()
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	n.conn.Close()
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (n *NATSAdapter) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Name возвращает имя компонента (реализация core.Component)
func (n *NATSAdapter) Name() string {
	return "nats-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (n *NATSAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение в subject <topic>.<routing key>
func (n *NATSAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	n.mu.RLock()
	conn, running := n.conn, n.running
	n.mu.RUnlock()

	if !running || conn == nil {
		return ErrAdapterNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := conn.PublishMsg(n.buildMsg(subject, data, headers)); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

func (n *NATSAdapter) buildMsg(subject string, data []byte, headers map[string]string) *nats.Msg {
	msg := nats.NewMsg(n.config.Topic + "." + subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	return msg
}

// HealthCheck проверяет состояние подключения
func (n *NATSAdapter) HealthCheck(ctx context.Context) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.conn == nil || !n.conn.IsConnected() {
		return core.NewError(core.ErrInfrastructureFailure, "nats is not connected")
	}
	return nil
}
