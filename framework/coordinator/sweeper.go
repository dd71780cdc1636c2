package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
)

// StepSweeper очистка зависших выполнений шагов (реализуется engine.ExecutionEngine)
type StepSweeper interface {
	CleanupTimeoutSteps() int
}

type sweepJob struct {
	name     string
	interval time.Duration
	fn       func()
}

// Sweeper запускает периодические проверки по расписанию
type Sweeper struct {
	coordinator *Coordinator
	steps       StepSweeper
	config      Config
	logger      *zap.Logger
	cron        *cron.Cron
	mu          sync.Mutex
	running     bool
}

// NewSweeper создает планировщик проверок. steps может быть nil.
func NewSweeper(coordinator *Coordinator, steps StepSweeper, config Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		coordinator: coordinator,
		steps:       steps,
		config:      config,
		logger:      logger,
	}
}

// Start регистрирует задачи и запускает планировщик
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	c := cron.New()
	jobs := []sweepJob{
		{"saga-timeouts", s.config.TimeoutCheckInterval, s.sweepTimeouts},
		{"saga-cleanup", s.config.CleanupInterval, s.sweepFinished},
	}
	if s.steps != nil {
		jobs = append(jobs, sweepJob{"step-timeouts", s.config.StepTimeoutCheckInterval, s.sweepSteps})
	}

	for _, job := range jobs {
		if _, err := c.AddFunc("@every "+job.interval.String(), job.fn); err != nil {
			return core.Wrap(err, core.ErrInvalidConfig, fmt.Sprintf("failed to schedule %s", job.name))
		}
	}

	c.Start()
	s.cron = c
	s.running = true
	s.logger.Info("saga sweeper started",
		zap.Duration("timeout_check_interval", s.config.TimeoutCheckInterval),
		zap.Duration("cleanup_interval", s.config.CleanupInterval),
		zap.Duration("step_timeout_check_interval", s.config.StepTimeoutCheckInterval))
	return nil
}

// Stop останавливает планировщик и ждет выполняющиеся задачи
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли планировщик
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Name возвращает имя компонента (реализация core.Component)
func (s *Sweeper) Name() string {
	return "saga-sweeper"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *Sweeper) Type() core.ComponentType {
	return core.ComponentTypeWorker
}

func (s *Sweeper) sweepTimeouts() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.TimeoutCheckInterval)
	defer cancel()

	n, err := s.coordinator.HandleTimeoutSagas(ctx)
	if err != nil {
		s.logger.Warn("saga timeout sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("timed out sagas failed", zap.Int("count", n))
	}
}

func (s *Sweeper) sweepFinished() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.CleanupInterval)
	defer cancel()

	if _, err := s.coordinator.CleanupCompletedSagas(ctx); err != nil {
		s.logger.Warn("saga cleanup sweep failed", zap.Error(err))
	}
}

func (s *Sweeper) sweepSteps() {
	if n := s.steps.CleanupTimeoutSteps(); n > 0 {
		s.logger.Info("timed out step executions cleaned up", zap.Int("count", n))
	}
}
