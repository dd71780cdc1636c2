package coordinator

import (
	"time"

	"github.com/akriventsev/sagaflow/framework/core"
)

// Config конфигурация координатора
type Config struct {
	DefaultTimeout           time.Duration
	MaxRetries               int
	RetryInterval            time.Duration
	CompensationEnabled      bool
	CleanupInterval          time.Duration
	RetentionPeriod          time.Duration
	MaxConcurrentSagas       int // 0 = без ограничения
	TimeoutCheckInterval     time.Duration
	StepTimeoutCheckInterval time.Duration
	OutcomeBuffer            int
	// EventBuffer очередь событий шагов и завершения, публикуемых вне цикла
	EventBuffer              int
	PublishTimeout           time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:           5 * time.Minute,
		MaxRetries:               3,
		RetryInterval:            time.Second,
		CompensationEnabled:      true,
		CleanupInterval:          10 * time.Minute,
		RetentionPeriod:          time.Hour,
		MaxConcurrentSagas:       1000,
		TimeoutCheckInterval:     30 * time.Second,
		StepTimeoutCheckInterval: 10 * time.Second,
		OutcomeBuffer:            256,
		EventBuffer:              1024,
		PublishTimeout:           5 * time.Second,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	switch {
	case c.DefaultTimeout <= 0:
		return core.NewError(core.ErrInvalidConfig, "default timeout must be positive")
	case c.MaxRetries < 0:
		return core.NewError(core.ErrInvalidConfig, "max retries cannot be negative")
	case c.RetryInterval <= 0:
		return core.NewError(core.ErrInvalidConfig, "retry interval must be positive")
	case c.CleanupInterval <= 0:
		return core.NewError(core.ErrInvalidConfig, "cleanup interval must be positive")
	case c.RetentionPeriod < 0:
		return core.NewError(core.ErrInvalidConfig, "retention period cannot be negative")
	case c.MaxConcurrentSagas < 0:
		return core.NewError(core.ErrInvalidConfig, "max concurrent sagas cannot be negative")
	case c.TimeoutCheckInterval <= 0 || c.StepTimeoutCheckInterval <= 0:
		return core.NewError(core.ErrInvalidConfig, "timeout check intervals must be positive")
	case c.OutcomeBuffer < 0:
		return core.NewError(core.ErrInvalidConfig, "outcome buffer cannot be negative")
	case c.EventBuffer <= 0:
		return core.NewError(core.ErrInvalidConfig, "event buffer must be positive")
	case c.PublishTimeout <= 0:
		return core.NewError(core.ErrInvalidConfig, "publish timeout must be positive")
	}
	return nil
}
