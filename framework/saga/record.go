package saga

import (
	"fmt"
	"time"
)

// StepRecord плоское сериализуемое представление шага
type StepRecord struct {
	Name                    string                 `json:"stepName" bson:"stepName"`
	ServiceName             string                 `json:"serviceName" bson:"serviceName"`
	ForwardAction           string                 `json:"forwardAction" bson:"forwardAction"`
	CompensationAction      string                 `json:"compensationAction,omitempty" bson:"compensationAction,omitempty"`
	Order                   int                    `json:"stepOrder" bson:"stepOrder"`
	Status                  string                 `json:"status" bson:"status"`
	RetryCount              int                    `json:"retryCount" bson:"retryCount"`
	MaxRetries              int                    `json:"maxRetries" bson:"maxRetries"`
	TimeoutMillis           int64                  `json:"timeoutMillis" bson:"timeoutMillis"`
	Compensable             bool                   `json:"compensable" bson:"compensable"`
	Input                   map[string]interface{} `json:"inputParameters" bson:"inputParameters"`
	Output                  map[string]interface{} `json:"outputResult" bson:"outputResult"`
	ErrorMessage            string                 `json:"errorMessage,omitempty" bson:"errorMessage,omitempty"`
	StartedAt               time.Time              `json:"startedAt" bson:"startedAt"`
	CompletedAt             time.Time              `json:"completedAt" bson:"completedAt"`
	CompensationStartedAt   time.Time              `json:"compensationStartedAt" bson:"compensationStartedAt"`
	CompensationCompletedAt time.Time              `json:"compensationCompletedAt" bson:"compensationCompletedAt"`
}

// TransactionRecord плоское сериализуемое представление саги для хранилищ
type TransactionRecord struct {
	SagaID              string                 `json:"sagaId" bson:"_id"`
	SagaType            string                 `json:"sagaType" bson:"sagaType"`
	CorrelationID       string                 `json:"correlationId" bson:"correlationId"`
	InitiatorID         string                 `json:"initiatorId" bson:"initiatorId"`
	Status              string                 `json:"status" bson:"status"`
	Steps               []StepRecord           `json:"steps" bson:"steps"`
	CurrentStepIndex    int                    `json:"currentStepIndex" bson:"currentStepIndex"`
	RetryCount          int                    `json:"retryCount" bson:"retryCount"`
	MaxRetries          int                    `json:"maxRetries" bson:"maxRetries"`
	TimeoutMillis       int64                  `json:"timeoutMillis" bson:"timeoutMillis"`
	BusinessContext     map[string]interface{} `json:"businessContext" bson:"businessContext"`
	CreatedAt           time.Time              `json:"createdAt" bson:"createdAt"`
	UpdatedAt           time.Time              `json:"updatedAt" bson:"updatedAt"`
	StartedAt           time.Time              `json:"startedAt" bson:"startedAt"`
	CompletedAt         time.Time              `json:"completedAt" bson:"completedAt"`
	FailedAt            time.Time              `json:"failedAt" bson:"failedAt"`
	FailureReason       string                 `json:"failureReason,omitempty" bson:"failureReason,omitempty"`
	CompensationEnabled bool                   `json:"compensationEnabled" bson:"compensationEnabled"`
}

// Snapshot возвращает сериализуемую копию саги
func (t *Transaction) Snapshot() TransactionRecord {
	steps := make([]StepRecord, len(t.steps))
	for i, s := range t.steps {
		steps[i] = s.record()
	}
	return TransactionRecord{
		SagaID:              t.id,
		SagaType:            t.sagaType,
		CorrelationID:       t.correlationID,
		InitiatorID:         t.initiatorID,
		Status:              string(t.status),
		Steps:               steps,
		CurrentStepIndex:    t.currentStepIndex,
		RetryCount:          t.retryCount,
		MaxRetries:          t.maxRetries,
		TimeoutMillis:       t.timeout.Milliseconds(),
		BusinessContext:     cloneMap(t.businessContext),
		CreatedAt:           t.createdAt,
		UpdatedAt:           t.updatedAt,
		StartedAt:           t.startedAt,
		CompletedAt:         t.completedAt,
		FailedAt:            t.failedAt,
		FailureReason:       t.failureReason,
		CompensationEnabled: t.compensationEnabled,
	}
}

// RestoreTransaction восстанавливает сагу из записи хранилища
func RestoreTransaction(r TransactionRecord) (*Transaction, error) {
	status, err := ParseTransactionStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("saga %s: %w", r.SagaID, err)
	}

	steps := make([]*Step, len(r.Steps))
	for i, sr := range r.Steps {
		s, err := restoreStep(sr)
		if err != nil {
			return nil, fmt.Errorf("saga %s: %w", r.SagaID, err)
		}
		steps[i] = s
	}

	businessContext := r.BusinessContext
	if businessContext == nil {
		businessContext = make(map[string]interface{})
	}

	return &Transaction{
		id:                  r.SagaID,
		sagaType:            r.SagaType,
		correlationID:       r.CorrelationID,
		initiatorID:         r.InitiatorID,
		status:              status,
		steps:               steps,
		currentStepIndex:    r.CurrentStepIndex,
		retryCount:          r.RetryCount,
		maxRetries:          r.MaxRetries,
		timeout:             time.Duration(r.TimeoutMillis) * time.Millisecond,
		businessContext:     businessContext,
		createdAt:           r.CreatedAt,
		updatedAt:           r.UpdatedAt,
		startedAt:           r.StartedAt,
		completedAt:         r.CompletedAt,
		failedAt:            r.FailedAt,
		failureReason:       r.FailureReason,
		compensationEnabled: r.CompensationEnabled,
	}, nil
}

func (s *Step) record() StepRecord {
	return StepRecord{
		Name:                    s.name,
		ServiceName:             s.serviceName,
		ForwardAction:           s.forwardAction,
		CompensationAction:      s.compensationAction,
		Order:                   s.order,
		Status:                  string(s.status),
		RetryCount:              s.retryCount,
		MaxRetries:              s.maxRetries,
		TimeoutMillis:           s.timeout.Milliseconds(),
		Compensable:             s.compensable,
		Input:                   cloneMap(s.input),
		Output:                  cloneMap(s.output),
		ErrorMessage:            s.errorMessage,
		StartedAt:               s.startedAt,
		CompletedAt:             s.completedAt,
		CompensationStartedAt:   s.compensationStartedAt,
		CompensationCompletedAt: s.compensationCompletedAt,
	}
}

func restoreStep(r StepRecord) (*Step, error) {
	status, err := ParseStepStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", r.Name, err)
	}
	input := r.Input
	if input == nil {
		input = make(map[string]interface{})
	}
	output := r.Output
	if output == nil {
		output = make(map[string]interface{})
	}
	return &Step{
		name:                    r.Name,
		serviceName:             r.ServiceName,
		forwardAction:           r.ForwardAction,
		compensationAction:      r.CompensationAction,
		order:                   r.Order,
		status:                  status,
		retryCount:              r.RetryCount,
		maxRetries:              r.MaxRetries,
		maxRetriesSet:           true,
		timeout:                 time.Duration(r.TimeoutMillis) * time.Millisecond,
		compensable:             r.Compensable,
		input:                   input,
		output:                  output,
		errorMessage:            r.ErrorMessage,
		startedAt:               r.StartedAt,
		completedAt:             r.CompletedAt,
		compensationStartedAt:   r.CompensationStartedAt,
		compensationCompletedAt: r.CompensationCompletedAt,
	}, nil
}
