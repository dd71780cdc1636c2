// Package saga предоставляет модель саги: транзакцию, шаги и их конечные автоматы.
package saga

import (
	"strings"
	"time"

	"github.com/akriventsev/sagaflow/framework/core"
)

const (
	// DefaultStepMaxRetries количество повторов шага по умолчанию
	DefaultStepMaxRetries = 3
	// DefaultStepTimeout таймаут шага по умолчанию
	DefaultStepTimeout = 30 * time.Second
)

// Step шаг саги: вызов forward action сервиса и опциональное компенсирующее действие
type Step struct {
	name                    string
	serviceName             string
	forwardAction           string
	compensationAction      string
	order                   int
	status                  StepStatus
	retryCount              int
	maxRetries              int
	maxRetriesSet           bool
	timeout                 time.Duration
	compensable             bool
	input                   map[string]interface{}
	output                  map[string]interface{}
	errorMessage            string
	startedAt               time.Time
	completedAt             time.Time
	compensationStartedAt   time.Time
	compensationCompletedAt time.Time
}

// NewStep создает шаг в статусе PENDING. Пустой compensationAction означает
// отсутствие компенсации; nil input заменяется пустой картой.
func NewStep(name, serviceName, forwardAction, compensationAction string, input map[string]interface{}) *Step {
	if input == nil {
		input = make(map[string]interface{})
	}
	return &Step{
		name:               name,
		serviceName:        serviceName,
		forwardAction:      forwardAction,
		compensationAction: compensationAction,
		status:             StepStatusPending,
		maxRetries:         DefaultStepMaxRetries,
		timeout:            DefaultStepTimeout,
		compensable:        true,
		input:              input,
		output:             make(map[string]interface{}),
	}
}

// WithMaxRetries устанавливает лимит повторов. Шаг без явного лимита
// получает лимит саги при AddStep.
func (s *Step) WithMaxRetries(maxRetries int) *Step {
	if maxRetries >= 0 {
		s.maxRetries = maxRetries
		s.maxRetriesSet = true
	}
	return s
}

// WithTimeout устанавливает таймаут выполнения
func (s *Step) WithTimeout(timeout time.Duration) *Step {
	if timeout > 0 {
		s.timeout = timeout
	}
	return s
}

// WithCompensable включает/выключает компенсацию шага
func (s *Step) WithCompensable(compensable bool) *Step {
	s.compensable = compensable
	return s
}

func (s *Step) Name() string                       { return s.name }
func (s *Step) ServiceName() string                { return s.serviceName }
func (s *Step) ForwardAction() string              { return s.forwardAction }
func (s *Step) CompensationAction() string         { return s.compensationAction }
func (s *Step) Order() int                         { return s.order }
func (s *Step) Status() StepStatus                 { return s.status }
func (s *Step) RetryCount() int                    { return s.retryCount }
func (s *Step) MaxRetries() int                    { return s.maxRetries }
func (s *Step) Timeout() time.Duration             { return s.timeout }
func (s *Step) Compensable() bool                  { return s.compensable }
func (s *Step) Input() map[string]interface{}      { return s.input }
func (s *Step) Output() map[string]interface{}     { return s.output }
func (s *Step) ErrorMessage() string               { return s.errorMessage }
func (s *Step) StartedAt() time.Time               { return s.startedAt }
func (s *Step) CompletedAt() time.Time             { return s.completedAt }
func (s *Step) CompensationStartedAt() time.Time   { return s.compensationStartedAt }
func (s *Step) CompensationCompletedAt() time.Time { return s.compensationCompletedAt }

// Start переводит шаг в RUNNING. Допустим из PENDING, а также из FAILED
// при повторной попытке.
func (s *Step) Start() error {
	if s.status != StepStatusPending && s.status != StepStatusFailed {
		return s.transitionError("start")
	}
	s.status = StepStatusRunning
	s.startedAt = time.Now()
	s.completedAt = time.Time{}
	return nil
}

// Complete завершает шаг успешно
func (s *Step) Complete(result map[string]interface{}) error {
	if s.status != StepStatusRunning {
		return s.transitionError("complete")
	}
	if result == nil {
		result = make(map[string]interface{})
	}
	s.status = StepStatusCompleted
	s.output = result
	s.errorMessage = ""
	s.completedAt = time.Now()
	return nil
}

// Fail завершает шаг с ошибкой
func (s *Step) Fail(message string) error {
	if s.status != StepStatusRunning {
		return s.transitionError("fail")
	}
	s.status = StepStatusFailed
	s.errorMessage = message
	s.completedAt = time.Now()
	return nil
}

// Skip переводит шаг в SKIPPED из любого статуса
func (s *Step) Skip() {
	s.status = StepStatusSkipped
	s.completedAt = time.Now()
}

// StartCompensation начинает компенсацию завершенного шага
func (s *Step) StartCompensation() error {
	if !s.NeedsCompensation() {
		return s.transitionError("start compensation")
	}
	s.status = StepStatusCompensating
	s.compensationStartedAt = time.Now()
	return nil
}

// CompleteCompensation фиксирует успешную компенсацию
func (s *Step) CompleteCompensation() error {
	if s.status != StepStatusCompensating {
		return s.transitionError("complete compensation")
	}
	s.status = StepStatusCompensated
	s.compensationCompletedAt = time.Now()
	return nil
}

// FailCompensation фиксирует неудачную компенсацию
func (s *Step) FailCompensation(message string) error {
	if s.status != StepStatusCompensating {
		return s.transitionError("fail compensation")
	}
	s.status = StepStatusCompensationFailed
	s.errorMessage = message
	s.compensationCompletedAt = time.Now()
	return nil
}

// NeedsCompensation true только для завершенного компенсируемого шага с компенсирующим действием
func (s *Step) NeedsCompensation() bool {
	return s.compensable && strings.TrimSpace(s.compensationAction) != "" && s.status == StepStatusCompleted
}

// IsCompleted true для любого терминального статуса прямого пути
func (s *Step) IsCompleted() bool {
	switch s.status {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// IsSuccess true только для COMPLETED
func (s *Step) IsSuccess() bool {
	return s.status == StepStatusCompleted
}

// CanRetry проверяет, остался ли бюджет повторов
func (s *Step) CanRetry() bool {
	return s.retryCount < s.maxRetries
}

// IncrementRetryCount увеличивает счетчик повторов
func (s *Step) IncrementRetryCount() {
	s.retryCount++
}

// ExecutionDuration возвращает длительность выполнения; false пока шаг не завершен
func (s *Step) ExecutionDuration() (time.Duration, bool) {
	if s.startedAt.IsZero() || s.completedAt.IsZero() {
		return 0, false
	}
	return s.completedAt.Sub(s.startedAt), true
}

// IsTimeout проверяет превышение таймаута на текущий момент
func (s *Step) IsTimeout() bool {
	return s.IsTimeoutAt(time.Now())
}

// IsTimeoutAt проверяет превышение таймаута относительно now
func (s *Step) IsTimeoutAt(now time.Time) bool {
	if s.startedAt.IsZero() || s.status != StepStatusRunning {
		return false
	}
	return now.Sub(s.startedAt) > s.timeout
}

// Validate проверяет корректность шага
func (s *Step) Validate() error {
	switch {
	case strings.TrimSpace(s.name) == "":
		return core.NewError(core.ErrValidationFailed, "step name is blank")
	case strings.TrimSpace(s.serviceName) == "":
		return core.Errorf(core.ErrValidationFailed, "step %s: service name is blank", s.name)
	case strings.TrimSpace(s.forwardAction) == "":
		return core.Errorf(core.ErrValidationFailed, "step %s: forward action is blank", s.name)
	case s.order < 0:
		return core.Errorf(core.ErrValidationFailed, "step %s: negative step order %d", s.name, s.order)
	case !s.status.Valid():
		return core.Errorf(core.ErrValidationFailed, "step %s: invalid status %q", s.name, s.status)
	}
	return nil
}

// Clone возвращает глубокую копию шага
func (s *Step) Clone() *Step {
	c := *s
	c.input = cloneMap(s.input)
	c.output = cloneMap(s.output)
	return &c
}

func (s *Step) transitionError(op string) error {
	return core.Errorf(core.ErrInvalidState, "step %s: cannot %s from status %s", s.name, op, s.status)
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
