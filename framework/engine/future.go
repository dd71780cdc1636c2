package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrExecutionCancelled выполнение шага отменено
var ErrExecutionCancelled = errors.New("step execution cancelled")

// StepResult результат выполнения шага
type StepResult struct {
	Success         bool                   `json:"success"`
	Result          map[string]interface{} `json:"result,omitempty"`
	ErrorMessage    string                 `json:"errorMessage,omitempty"`
	ExecutionTimeMs int64                  `json:"executionTimeMs"`
}

func failedResult(message string) StepResult {
	return StepResult{Success: false, ErrorMessage: message}
}

// StepFuture результат асинхронного выполнения шага
type StepFuture struct {
	done      chan struct{}
	result    StepResult
	once      sync.Once
	cancelled atomic.Bool
	cancel    func()
}

func newStepFuture() *StepFuture {
	return &StepFuture{done: make(chan struct{})}
}

// resolve завершает future; повторные вызовы игнорируются
func (f *StepFuture) resolve(result StepResult) bool {
	resolved := false
	f.once.Do(func() {
		f.result = result
		close(f.done)
		resolved = true
	})
	return resolved
}

func (f *StepFuture) resolveCancelled() {
	f.cancelled.Store(true)
	f.resolve(failedResult(ErrExecutionCancelled.Error()))
}

// Wait ждет результат или отмену ctx. Для отмененного выполнения возвращает ErrExecutionCancelled.
func (f *StepFuture) Wait(ctx context.Context) (StepResult, error) {
	select {
	case <-f.done:
		if f.cancelled.Load() {
			return f.result, ErrExecutionCancelled
		}
		return f.result, nil
	case <-ctx.Done():
		return StepResult{}, ctx.Err()
	}
}

// Done закрывается после завершения выполнения
func (f *StepFuture) Done() <-chan struct{} {
	return f.done
}

// Cancel отменяет выполнение; поздний результат будет отброшен
func (f *StepFuture) Cancel() {
	if f.cancel != nil {
		f.cancel()
		return
	}
	f.resolveCancelled()
}

// Cancelled true, если выполнение было отменено
func (f *StepFuture) Cancelled() bool {
	return f.cancelled.Load()
}
