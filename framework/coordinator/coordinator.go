// Package coordinator управляет жизненным циклом саг: единый цикл переходов,
// admission control, повторы, компенсация и периодические проверки.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
	"github.com/akriventsev/sagaflow/framework/engine"
	"github.com/akriventsev/sagaflow/framework/events"
	"github.com/akriventsev/sagaflow/framework/metrics"
	"github.com/akriventsev/sagaflow/framework/observability"
	"github.com/akriventsev/sagaflow/framework/saga"
)

// StepExecutor асинхронное выполнение шагов (реализуется engine.ExecutionEngine)
type StepExecutor interface {
	ExecuteStepAsync(sagaID string, step *saga.Step) *engine.StepFuture
	ExecuteCompensationAsync(sagaID string, step *saga.Step) *engine.StepFuture
	RetryStep(sagaID string, step *saga.Step) *engine.StepFuture
	CancelStepExecution(sagaID, stepName string) bool
}

// Option функция настройки координатора
type Option func(*Coordinator)

// WithExecutor подключает движок: координатор сам запускает шаги, повторы и компенсацию
func WithExecutor(executor StepExecutor) Option {
	return func(c *Coordinator) {
		c.executor = executor
	}
}

// WithMetrics подключает метрики саг
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock подменяет источник времени для проверок таймаута и хранения
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

type command struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// Coordinator владеет реестром саг. Все переходы выполняются в одной горутине цикла.
type Coordinator struct {
	config        Config
	store         saga.Store
	publisher     events.EventPublisher
	executor      StepExecutor
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           func() time.Time
	commands      chan command
	outcomes      chan saga.StepOutcome
	compensations chan compensationResult
	events        chan events.Event
	quit          chan struct{}
	loopDone      chan struct{}
	publisherDone chan struct{}
	baseCtx       context.Context
	cancelBase    context.CancelFunc
	mu            sync.Mutex
	running       bool
	stopOnce      sync.Once
}

// NewCoordinator создает координатор. Цикл запускается в Start.
func NewCoordinator(config Config, store saga.Store, publisher events.EventPublisher, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = saga.NewInMemoryStore()
	}
	if publisher == nil {
		publisher = events.NewRecordingPublisher()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		config:        config,
		store:         store,
		publisher:     publisher,
		logger:        logger,
		now:           time.Now,
		commands:      make(chan command),
		outcomes:      make(chan saga.StepOutcome, config.OutcomeBuffer),
		compensations: make(chan compensationResult, 16),
		events:        make(chan events.Event, config.EventBuffer),
		quit:          make(chan struct{}),
		loopDone:      make(chan struct{}),
		publisherDone: make(chan struct{}),
		baseCtx:       baseCtx,
		cancelBase:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AttachExecutor подключает движок после создания, движок получает координатор как reporter.
// Вызывается до Start.
func (c *Coordinator) AttachExecutor(executor StepExecutor) {
	c.executor = executor
}

// Name возвращает имя компонента
func (c *Coordinator) Name() string {
	return "saga-coordinator"
}

// Type возвращает тип компонента
func (c *Coordinator) Type() core.ComponentType {
	return core.ComponentTypeOrchestrator
}

// Start запускает цикл переходов
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	select {
	case <-c.quit:
		return core.NewError(core.ErrInvalidState, "coordinator has been stopped")
	default:
	}

	c.running = true
	go c.loop()
	go c.publishLoop()
	c.logger.Info("saga coordinator started",
		zap.Int("max_concurrent_sagas", c.config.MaxConcurrentSagas),
		zap.Bool("compensation_enabled", c.config.CompensationEnabled),
		zap.Bool("executor_attached", c.executor != nil))
	return nil
}

// Stop останавливает цикл, ждет его завершения и отправки очереди событий
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	wasRunning := c.running
	c.running = false
	c.mu.Unlock()

	c.stopOnce.Do(func() {
		c.cancelBase()
		close(c.quit)
	})
	if !wasRunning {
		return nil
	}

	for _, done := range []chan struct{}{c.loopDone, c.publisherDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.logger.Info("saga coordinator stopped")
	return nil
}

// IsRunning проверяет, запущен ли цикл
func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) loop() {
	defer close(c.loopDone)
	for {
		select {
		case cmd := <-c.commands:
			c.execute(cmd)
		case outcome := <-c.outcomes:
			c.applyOutcome(outcome)
		case result := <-c.compensations:
			c.guard("compensation result", func() { c.applyCompensation(result) })
		case <-c.quit:
			return
		}
	}
}

func (c *Coordinator) execute(cmd command) {
	if err := cmd.ctx.Err(); err != nil {
		cmd.reply <- err
		return
	}
	var err error
	c.guard("command", func() { err = cmd.fn(cmd.ctx) })
	cmd.reply <- err
}

// guard перехватывает панику, чтобы цикл продолжал работу
func (c *Coordinator) guard(what string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			c.logger.Error("coordinator loop recovered from panic", zap.String("in", what), zap.Any("panic", r))
			c.metrics.RecordError(context.Background(), "coordinator_panic")
		}
	}()
	fn()
	return false
}

// do выполняет fn в цикле и ждет результат. Принятая циклом команда выполняется
// до конца, и ее ответ ожидается независимо от ctx. Сам fn получает ctx для ввода-вывода.
func (c *Coordinator) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.IsRunning() {
		return core.NewError(core.ErrInvalidState, "coordinator is not running")
	}

	reply := make(chan error, 1)
	var panicked bool
	wrapped := func(ctx context.Context) error {
		var err error
		panicked = c.guard("command", func() { err = fn(ctx) })
		return err
	}

	select {
	case c.commands <- command{ctx: ctx, fn: wrapped, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return core.NewError(core.ErrInvalidState, "coordinator is not running")
	}

	err := <-reply
	if panicked {
		return core.NewError(core.ErrInfrastructureFailure, "internal coordinator error")
	}
	return err
}

// ReportOutcome принимает результат шага от движка. Никогда не блокирует вызывающего.
func (c *Coordinator) ReportOutcome(outcome saga.StepOutcome) {
	select {
	case c.outcomes <- outcome:
		return
	case <-c.quit:
		return
	default:
	}
	go func() {
		select {
		case c.outcomes <- outcome:
		case <-c.quit:
		}
	}()
}

func (c *Coordinator) applyOutcome(o saga.StepOutcome) {
	c.guard("step outcome", func() {
		err := c.handleStepCompletion(c.baseCtx, o.SagaID, o.StepName, o.Success, o.Result, o.Error)
		if err != nil {
			c.logger.Warn("step outcome ignored",
				zap.String("saga_id", o.SagaID),
				zap.String("step_name", o.StepName),
				zap.Bool("success", o.Success),
				zap.Error(err))
		}
	})
}

// load загружает сагу внутри цикла
func (c *Coordinator) load(ctx context.Context, sagaID string) (*saga.Transaction, error) {
	t, err := c.store.Load(ctx, sagaID)
	if err != nil {
		if core.IsCode(err, core.ErrNotFound) {
			return nil, core.NewError(core.ErrNotFound, "saga not found")
		}
		return nil, core.Wrap(err, core.ErrInfrastructureFailure, "failed to load saga")
	}
	return t, nil
}

func (c *Coordinator) save(ctx context.Context, t *saga.Transaction) error {
	if err := c.store.Save(ctx, t); err != nil {
		c.logger.Error("failed to save saga", zap.String("saga_id", t.ID()), zap.Error(err))
		return core.Wrap(err, core.ErrInfrastructureFailure, "failed to save saga")
	}
	return nil
}

// publish публикует событие с ограничением PublishTimeout; ошибка возвращается вызывающему
func (c *Coordinator) publish(ctx context.Context, event events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
	defer cancel()
	return observability.TraceEvent(ctx, event.EventType(), func(ctx context.Context) error {
		return c.publisher.Publish(ctx, event)
	})
}

// publishBestEffort ставит событие в очередь publishLoop и не ждет брокер.
// При переполненной очереди событие отбрасывается.
func (c *Coordinator) publishBestEffort(_ context.Context, event events.Event) {
	select {
	case c.events <- event:
	default:
		c.logger.Warn("event queue is full, event dropped",
			zap.String("event_type", event.EventType()),
			zap.String("saga_id", event.AggregateID()),
			zap.Int("event_buffer", c.config.EventBuffer))
		c.metrics.RecordError(context.Background(), "event_dropped")
	}
}

// publishLoop публикует события из очереди по одному, сохраняя порядок.
// После остановки цикла переходов дочищает очередь.
func (c *Coordinator) publishLoop() {
	defer close(c.publisherDone)
	for {
		select {
		case event := <-c.events:
			c.publishQueued(event)
		case <-c.loopDone:
			for {
				select {
				case event := <-c.events:
					c.publishQueued(event)
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) publishQueued(event events.Event) {
	if err := c.publish(context.Background(), event); err != nil {
		c.logger.Warn("event publish failed",
			zap.String("event_type", event.EventType()),
			zap.String("saga_id", event.AggregateID()),
			zap.Error(err))
	}
}

// finish публикует терминальное событие и учитывает метрику
func (c *Coordinator) finish(ctx context.Context, t *saga.Transaction) {
	c.metrics.RecordSagaFinished(ctx, t.SagaType(), t.Status().String())
	c.logger.Info("saga finished",
		zap.String("saga_id", t.ID()),
		zap.String("status", t.Status().String()),
		zap.String("reason", t.FailureReason()))
	if event := saga.NewSagaFinishedEvent(t); event != nil {
		c.publishBestEffort(ctx, event)
	}
}
