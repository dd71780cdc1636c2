// Package engine асинхронно выполняет шаги саг через ServiceInvoker и сообщает результат координатору.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
	"github.com/akriventsev/sagaflow/framework/invoke"
	"github.com/akriventsev/sagaflow/framework/metrics"
	"github.com/akriventsev/sagaflow/framework/observability"
	"github.com/akriventsev/sagaflow/framework/saga"
	"github.com/akriventsev/sagaflow/framework/workerpool"
)

const (
	msgStepTimedOut   = "step execution timed out"
	msgEngineShutdown = "execution exception: engine is shut down"
	msgPoolSaturated  = "execution exception: worker pool saturated"
)

// Invoker вызывает action сервиса
type Invoker interface {
	Invoke(ctx context.Context, serviceName, action string, params map[string]interface{}) invoke.Result
}

// OutcomeReporter получает результат выполнения шага (реализуется координатором)
type OutcomeReporter interface {
	ReportOutcome(outcome saga.StepOutcome)
}

// Config конфигурация движка
type Config struct {
	// StepTimeout используется для шагов без собственного таймаута
	StepTimeout   time.Duration
	RetryInterval time.Duration
	MaxRetryDelay time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		StepTimeout:   30 * time.Second,
		RetryInterval: time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Option функция настройки движка
type Option func(*ExecutionEngine)

// WithMetrics подключает метрики выполнения шагов
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *ExecutionEngine) {
		e.metrics = m
	}
}

// ExecutionEngine выполняет шаги асинхронно в пуле воркеров
type ExecutionEngine struct {
	config   Config
	invoker  Invoker
	reporter OutcomeReporter
	pool     *workerpool.Pool
	tracked  *xsync.MapOf[string, *execution]
	shutdown atomic.Bool
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewExecutionEngine создает новый движок. Пул принадлежит движку и останавливается в Shutdown.
func NewExecutionEngine(config Config, invoker Invoker, reporter OutcomeReporter, pool *workerpool.Pool, logger *zap.Logger, opts ...Option) *ExecutionEngine {
	defaults := DefaultConfig()
	if config.StepTimeout <= 0 {
		config.StepTimeout = defaults.StepTimeout
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pool == nil {
		pool = workerpool.New(workerpool.DefaultConfig(), logger)
	}

	e := &ExecutionEngine{
		config:   config,
		invoker:  invoker,
		reporter: reporter,
		pool:     pool,
		tracked:  xsync.NewMapOf[string, *execution](),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name возвращает имя компонента
func (e *ExecutionEngine) Name() string {
	return "execution-engine"
}

// Type возвращает тип компонента
func (e *ExecutionEngine) Type() core.ComponentType {
	return core.ComponentTypeWorker
}

// Start ничего не делает: воркеры запускаются при создании пула
func (e *ExecutionEngine) Start(ctx context.Context) error {
	return nil
}

// Stop вызывает Shutdown
func (e *ExecutionEngine) Stop(ctx context.Context) error {
	return e.Shutdown(ctx)
}

// IsRunning true до Shutdown
func (e *ExecutionEngine) IsRunning() bool {
	return !e.shutdown.Load()
}

// ExecuteStepAsync выполняет forward action шага и сообщает результат координатору
func (e *ExecutionEngine) ExecuteStepAsync(sagaID string, step *saga.Step) *StepFuture {
	return e.submit(sagaID, step.Clone(), false, 0)
}

// ExecuteCompensationAsync выполняет compensation action; координатору результат не сообщается
func (e *ExecutionEngine) ExecuteCompensationAsync(sagaID string, step *saga.Step) *StepFuture {
	return e.submit(sagaID, step.Clone(), true, 0)
}

// RetryStep повторяет шаг после задержки retryInterval*2^retryCount. Вызывающий не блокируется.
func (e *ExecutionEngine) RetryStep(sagaID string, step *saga.Step) *StepFuture {
	s := step.Clone()
	return e.submit(sagaID, s, false, e.RetryDelay(s.RetryCount()))
}

// RetryDelay возвращает задержку перед повтором, ограниченную MaxRetryDelay
func (e *ExecutionEngine) RetryDelay(retryCount int) time.Duration {
	delay := e.config.RetryInterval
	for n := 0; n < retryCount; n++ {
		delay *= 2
		if delay >= e.config.MaxRetryDelay {
			return e.config.MaxRetryDelay
		}
	}
	if delay > e.config.MaxRetryDelay {
		return e.config.MaxRetryDelay
	}
	return delay
}

func (e *ExecutionEngine) submit(sagaID string, step *saga.Step, compensation bool, delay time.Duration) *StepFuture {
	future := newStepFuture()

	action := step.ForwardAction()
	if compensation {
		action = step.CompensationAction()
	}

	timeout := step.Timeout()
	if timeout <= 0 {
		timeout = e.config.StepTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	exec := &execution{
		key:          trackingKey(sagaID, step.Name(), compensation),
		sagaID:       sagaID,
		stepName:     step.Name(),
		service:      step.ServiceName(),
		action:       action,
		compensation: compensation,
		startTime:    time.Now().Add(delay),
		timeout:      timeout,
		cancel:       cancel,
		future:       future,
	}
	future.cancel = func() { e.cancelExecution(exec) }

	if e.shutdown.Load() {
		cancel()
		exec.finish(stateFinished)
		e.deliver(exec, failedResult(msgEngineShutdown))
		return future
	}

	if prev, loaded := e.tracked.LoadAndStore(exec.key, exec); loaded {
		e.logger.Warn("replacing in-flight step execution",
			zap.String("saga_id", sagaID),
			zap.String("step_name", step.Name()))
		e.cancelExecution(prev)
		// вытесненное исполнение уже не в таблице, untrack его не учтет
		e.metrics.DecrementRunningSteps(ctx)
	}
	e.metrics.IncrementRunningSteps(ctx)

	err := e.pool.SubmitDetached(func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}

		start := time.Now()
		res := e.invoke(ctx, sagaID, step, action, compensation)
		result := StepResult{
			Success:         res.Success,
			Result:          res.Data,
			ErrorMessage:    res.ErrorMessage,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}
		e.metrics.RecordStepExecution(ctx, exec.service, action, time.Since(start), res.Success)

		if !exec.finish(stateFinished) {
			return
		}
		e.untrack(exec)
		cancel()
		e.deliver(exec, result)
	})
	if err != nil {
		msg := msgPoolSaturated
		if errors.Is(err, workerpool.ErrPoolClosed) {
			msg = msgEngineShutdown
		}
		e.logger.Warn("step submission rejected",
			zap.String("saga_id", sagaID),
			zap.String("step_name", step.Name()),
			zap.Error(err))
		if exec.finish(stateFinished) {
			e.untrack(exec)
			cancel()
			e.deliver(exec, failedResult(msg))
		}
	}
	return future
}

// invoke вызывает сервис; паника и отсутствие invoker превращаются в "execution exception"
func (e *ExecutionEngine) invoke(ctx context.Context, sagaID string, step *saga.Step, action string, compensation bool) (res invoke.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("step execution panicked",
				zap.String("saga_id", sagaID),
				zap.String("step_name", step.Name()),
				zap.Any("panic", r))
			res = invoke.Result{ErrorMessage: fmt.Sprintf("execution exception: %v", r)}
		}
	}()

	if compensation && action == "" {
		return invoke.Result{Success: true, Data: map[string]interface{}{}}
	}
	if e.invoker == nil {
		return invoke.Result{ErrorMessage: "execution exception: no service invoker configured"}
	}

	params := step.Input()
	if compensation {
		params = compensationParams(step)
	}

	observability.TraceStep(ctx, sagaID, step.Name(), step.ServiceName(), action, compensation, func(ctx context.Context) bool {
		res = e.invoker.Invoke(ctx, step.ServiceName(), action, params)
		return res.Success
	})
	return res
}

// compensationParams входные параметры шага, дополненные результатом forward action
func compensationParams(step *saga.Step) map[string]interface{} {
	params := make(map[string]interface{}, len(step.Input())+len(step.Output()))
	for k, v := range step.Input() {
		params[k] = v
	}
	for k, v := range step.Output() {
		params[k] = v
	}
	return params
}

// deliver завершает future и, для forward выполнений, сообщает результат координатору
func (e *ExecutionEngine) deliver(exec *execution, result StepResult) {
	exec.future.resolve(result)
	if exec.compensation || e.reporter == nil {
		return
	}
	e.reporter.ReportOutcome(saga.StepOutcome{
		SagaID:        exec.sagaID,
		StepName:      exec.stepName,
		Success:       result.Success,
		Result:        result.Result,
		Error:         result.ErrorMessage,
		ExecutionTime: time.Duration(result.ExecutionTimeMs) * time.Millisecond,
	})
}

// untrack удаляет выполнение из таблицы, только если оно не было заменено
func (e *ExecutionEngine) untrack(exec *execution) {
	removed := false
	e.tracked.Compute(exec.key, func(current *execution, loaded bool) (*execution, bool) {
		if !loaded {
			return nil, true
		}
		if current == exec {
			removed = true
			return nil, true
		}
		return current, false
	})
	if removed {
		e.metrics.DecrementRunningSteps(context.Background())
	}
}

func (e *ExecutionEngine) cancelExecution(exec *execution) bool {
	if !exec.finish(stateCancelled) {
		return false
	}
	exec.cancel()
	e.untrack(exec)
	exec.future.resolveCancelled()
	return true
}

// CancelStepExecution отменяет forward выполнение шага. false, если шаг не отслеживается.
func (e *ExecutionEngine) CancelStepExecution(sagaID, stepName string) bool {
	exec, ok := e.tracked.Load(trackingKey(sagaID, stepName, false))
	if !ok {
		return false
	}
	if !e.cancelExecution(exec) {
		return false
	}
	e.logger.Info("step execution cancelled",
		zap.String("saga_id", sagaID),
		zap.String("step_name", stepName))
	return true
}

// GetStepExecutionStatus возвращает состояние forward выполнения шага
func (e *ExecutionEngine) GetStepExecutionStatus(sagaID, stepName string) ExecutionStatus {
	exec, ok := e.tracked.Load(trackingKey(sagaID, stepName, false))
	if !ok {
		return ExecutionStatus{SagaID: sagaID, StepName: stepName}
	}
	elapsed := exec.elapsed(time.Now())
	return ExecutionStatus{
		SagaID:    sagaID,
		StepName:  stepName,
		Running:   true,
		StartTime: exec.startTime,
		Timeout:   exec.timeout,
		Elapsed:   elapsed,
		IsTimeout: elapsed > exec.timeout,
	}
}

// GetRunningStepCount возвращает число отслеживаемых выполнений
func (e *ExecutionEngine) GetRunningStepCount() int {
	return e.tracked.Size()
}

// CleanupTimeoutSteps отменяет просроченные выполнения и сообщает о таймауте. Возвращает их число.
func (e *ExecutionEngine) CleanupTimeoutSteps() int {
	now := time.Now()
	var expired []*execution
	e.tracked.Range(func(key string, exec *execution) bool {
		if exec.elapsed(now) > exec.timeout {
			expired = append(expired, exec)
		}
		return true
	})

	cleaned := 0
	for _, exec := range expired {
		if !exec.finish(stateTimedOut) {
			continue
		}
		exec.cancel()
		e.untrack(exec)
		e.logger.Warn("step execution timed out",
			zap.String("saga_id", exec.sagaID),
			zap.String("step_name", exec.stepName),
			zap.Duration("timeout", exec.timeout))
		e.metrics.RecordError(context.Background(), "step_timeout")
		e.deliver(exec, failedResult(msgStepTimedOut))
		cleaned++
	}
	return cleaned
}

// Shutdown отменяет все выполнения и останавливает пул. Новые запросы завершаются ошибкой.
func (e *ExecutionEngine) Shutdown(ctx context.Context) error {
	if !e.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	cancelled := 0
	e.tracked.Range(func(key string, exec *execution) bool {
		if e.cancelExecution(exec) {
			cancelled++
		}
		return true
	})
	e.logger.Info("execution engine shut down", zap.Int("cancelled", cancelled))

	return e.pool.Shutdown(ctx)
}
