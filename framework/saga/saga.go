package saga

import (
	"strings"
	"time"

	"github.com/akriventsev/sagaflow/framework/core"
)

const (
	// DefaultTransactionMaxRetries лимит повторов саги по умолчанию
	DefaultTransactionMaxRetries = 3
	// DefaultTransactionTimeout таймаут саги по умолчанию
	DefaultTransactionTimeout = 5 * time.Minute
)

// Transaction сага: упорядоченная последовательность шагов и ее статус.
// Экземпляр принадлежит реестру координатора и изменяется только через него.
type Transaction struct {
	id                  string
	sagaType            string
	correlationID       string
	initiatorID         string
	status              TransactionStatus
	steps               []*Step
	currentStepIndex    int
	retryCount          int
	maxRetries          int
	timeout             time.Duration
	businessContext     map[string]interface{}
	createdAt           time.Time
	updatedAt           time.Time
	startedAt           time.Time
	completedAt         time.Time
	failedAt            time.Time
	failureReason       string
	compensationEnabled bool
}

// TransactionOption опция создания саги
type TransactionOption func(*Transaction)

// WithTimeout задает таймаут саги
func WithTimeout(timeout time.Duration) TransactionOption {
	return func(t *Transaction) {
		if timeout > 0 {
			t.timeout = timeout
		}
	}
}

// WithMaxRetries задает лимит повторов саги, он же лимит по умолчанию для ее шагов
func WithMaxRetries(maxRetries int) TransactionOption {
	return func(t *Transaction) {
		if maxRetries >= 0 {
			t.maxRetries = maxRetries
		}
	}
}

// WithCompensation включает/выключает компенсацию
func WithCompensation(enabled bool) TransactionOption {
	return func(t *Transaction) {
		t.compensationEnabled = enabled
	}
}

// NewTransaction создает сагу в статусе CREATED
func NewTransaction(sagaType, correlationID, initiatorID string, businessContext map[string]interface{}, opts ...TransactionOption) *Transaction {
	if businessContext == nil {
		businessContext = make(map[string]interface{})
	}
	now := time.Now()
	t := &Transaction{
		id:                  NewSagaID(),
		sagaType:            sagaType,
		correlationID:       correlationID,
		initiatorID:         initiatorID,
		status:              TransactionStatusCreated,
		steps:               make([]*Step, 0),
		maxRetries:          DefaultTransactionMaxRetries,
		timeout:             DefaultTransactionTimeout,
		businessContext:     businessContext,
		createdAt:           now,
		updatedAt:           now,
		compensationEnabled: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transaction) ID() string                              { return t.id }
func (t *Transaction) SagaType() string                        { return t.sagaType }
func (t *Transaction) CorrelationID() string                   { return t.correlationID }
func (t *Transaction) InitiatorID() string                     { return t.initiatorID }
func (t *Transaction) Status() TransactionStatus               { return t.status }
func (t *Transaction) CurrentStepIndex() int                   { return t.currentStepIndex }
func (t *Transaction) RetryCount() int                         { return t.retryCount }
func (t *Transaction) MaxRetries() int                         { return t.maxRetries }
func (t *Transaction) Timeout() time.Duration                  { return t.timeout }
func (t *Transaction) BusinessContext() map[string]interface{} { return t.businessContext }
func (t *Transaction) CreatedAt() time.Time                    { return t.createdAt }
func (t *Transaction) UpdatedAt() time.Time                    { return t.updatedAt }
func (t *Transaction) StartedAt() time.Time                    { return t.startedAt }
func (t *Transaction) CompletedAt() time.Time                  { return t.completedAt }
func (t *Transaction) FailedAt() time.Time                     { return t.failedAt }
func (t *Transaction) FailureReason() string                   { return t.failureReason }
func (t *Transaction) CompensationEnabled() bool               { return t.compensationEnabled }

// Steps возвращает шаги саги в порядке выполнения
func (t *Transaction) Steps() []*Step {
	return t.steps
}

// Step возвращает шаг по имени
func (t *Transaction) Step(name string) (*Step, bool) {
	for _, s := range t.steps {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

// AddStep добавляет шаг; stepOrder равен индексу вставки
func (t *Transaction) AddStep(step *Step) error {
	if step == nil {
		return core.NewError(core.ErrValidationFailed, "step is nil")
	}
	if t.status != TransactionStatusCreated {
		return core.Errorf(core.ErrInvalidState, "saga %s: cannot add step in status %s", t.id, t.status)
	}
	if _, exists := t.Step(step.name); exists {
		return core.Errorf(core.ErrValidationFailed, "saga %s: duplicate step name %s", t.id, step.name)
	}
	if !step.maxRetriesSet {
		step.maxRetries = t.maxRetries
	}
	step.order = len(t.steps)
	t.steps = append(t.steps, step)
	t.touch()
	return nil
}

// CurrentStep возвращает steps[currentStepIndex]
func (t *Transaction) CurrentStep() (*Step, bool) {
	if t.currentStepIndex < 0 || t.currentStepIndex >= len(t.steps) {
		return nil, false
	}
	return t.steps[t.currentStepIndex], true
}

// CompletedSteps возвращает steps[0..currentStepIndex] включительно
func (t *Transaction) CompletedSteps() []*Step {
	end := t.currentStepIndex + 1
	if end > len(t.steps) {
		end = len(t.steps)
	}
	result := make([]*Step, end)
	copy(result, t.steps[:end])
	return result
}

// Start переводит сагу CREATED → RUNNING
func (t *Transaction) Start() error {
	if t.status != TransactionStatusCreated {
		return t.transitionError("start")
	}
	t.status = TransactionStatusRunning
	t.startedAt = time.Now()
	t.touch()
	return nil
}

// Complete переводит сагу RUNNING → COMPLETED
func (t *Transaction) Complete() error {
	if t.status != TransactionStatusRunning {
		return t.transitionError("complete")
	}
	t.status = TransactionStatusCompleted
	t.completedAt = time.Now()
	t.touch()
	return nil
}

// StartCompensation переводит сагу RUNNING → COMPENSATING
func (t *Transaction) StartCompensation(reason string) error {
	if t.status != TransactionStatusRunning {
		return t.transitionError("start compensation")
	}
	t.status = TransactionStatusCompensating
	t.failureReason = reason
	t.failedAt = time.Now()
	t.touch()
	return nil
}

// CompleteCompensation переводит сагу COMPENSATING → COMPENSATED
func (t *Transaction) CompleteCompensation() error {
	if t.status != TransactionStatusCompensating {
		return t.transitionError("complete compensation")
	}
	t.status = TransactionStatusCompensated
	t.completedAt = time.Now()
	t.touch()
	return nil
}

// Fail переводит нетерминальную сагу в FAILED
func (t *Transaction) Fail(reason string) error {
	if t.status.IsTerminal() {
		return t.transitionError("fail")
	}
	t.status = TransactionStatusFailed
	t.failureReason = reason
	t.failedAt = time.Now()
	t.touch()
	return nil
}

// MoveToNextStep продвигает индекс, если следующий шаг существует
func (t *Transaction) MoveToNextStep() bool {
	if t.currentStepIndex+1 >= len(t.steps) {
		return false
	}
	t.currentStepIndex++
	t.touch()
	return true
}

// CanRetry проверяет бюджет повторов саги
func (t *Transaction) CanRetry() bool {
	return t.retryCount < t.maxRetries
}

// IncrementRetryCount увеличивает счетчик повторов саги
func (t *Transaction) IncrementRetryCount() {
	t.retryCount++
	t.touch()
}

// IsTimeout проверяет превышение таймаута на текущий момент
func (t *Transaction) IsTimeout() bool {
	return t.IsTimeoutAt(time.Now())
}

// IsTimeoutAt false до Start и для терминальных статусов
func (t *Transaction) IsTimeoutAt(now time.Time) bool {
	if t.startedAt.IsZero() || t.status.IsTerminal() {
		return false
	}
	return now.Sub(t.startedAt) > t.timeout
}

// EndedAt возвращает момент перехода в терминальный статус
func (t *Transaction) EndedAt() time.Time {
	if !t.completedAt.IsZero() {
		return t.completedAt
	}
	return t.failedAt
}

// Validate проверяет сагу и все ее шаги
func (t *Transaction) Validate() error {
	switch {
	case strings.TrimSpace(t.id) == "":
		return core.NewError(core.ErrValidationFailed, "saga id is blank")
	case strings.TrimSpace(t.sagaType) == "":
		return core.NewError(core.ErrValidationFailed, "saga type is blank")
	case strings.TrimSpace(t.correlationID) == "":
		return core.NewError(core.ErrValidationFailed, "correlation id is blank")
	case !t.status.Valid():
		return core.Errorf(core.ErrValidationFailed, "invalid saga status %q", t.status)
	case t.currentStepIndex < 0 || t.currentStepIndex > len(t.steps):
		return core.Errorf(core.ErrValidationFailed, "current step index %d out of range", t.currentStepIndex)
	}
	for _, s := range t.steps {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone возвращает глубокую копию саги
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.businessContext = cloneMap(t.businessContext)
	c.steps = make([]*Step, len(t.steps))
	for i, s := range t.steps {
		c.steps[i] = s.Clone()
	}
	return &c
}

func (t *Transaction) touch() {
	t.updatedAt = time.Now()
}

func (t *Transaction) transitionError(op string) error {
	return core.Errorf(core.ErrInvalidState, "saga %s: cannot %s from status %s", t.id, op, t.status)
}
