package saga

import (
	"time"

	"github.com/akriventsev/sagaflow/framework/events"
)

// Routing keys событий жизненного цикла саги
const (
	EventSagaStarted       = "saga.started"
	EventSagaStepCompleted = "saga.stepCompleted"
	EventSagaCompleted     = "saga.completed"
	EventSagaCompensated   = "saga.compensated"
	EventSagaFailed        = "saga.failed"
)

// SagaStartedEvent публикуется при создании саги
type SagaStartedEvent struct {
	*events.BaseEvent `json:"-"`
	SagaID            string    `json:"sagaId"`
	SagaType          string    `json:"sagaType"`
	CorrelationID     string    `json:"correlationId"`
	InitiatorID       string    `json:"initiatorId"`
	Timestamp         time.Time `json:"timestamp"`
}

// NewSagaStartedEvent создает событие начала саги
func NewSagaStartedEvent(t *Transaction) *SagaStartedEvent {
	return &SagaStartedEvent{
		BaseEvent:     events.NewBaseEvent(EventSagaStarted, t.ID()).WithCorrelationID(t.CorrelationID()),
		SagaID:        t.ID(),
		SagaType:      t.SagaType(),
		CorrelationID: t.CorrelationID(),
		InitiatorID:   t.InitiatorID(),
		Timestamp:     time.Now(),
	}
}

// SagaStepCompletedEvent публикуется по результату каждого шага
type SagaStepCompletedEvent struct {
	*events.BaseEvent `json:"-"`
	SagaID            string    `json:"sagaId"`
	StepName          string    `json:"stepName"`
	StepIndex         int       `json:"stepIndex"`
	Success           bool      `json:"success"`
	ErrorMessage      string    `json:"errorMessage,omitempty"`
	CorrelationID     string    `json:"correlationId"`
	Timestamp         time.Time `json:"timestamp"`
}

// NewSagaStepCompletedEvent создает событие завершения шага
func NewSagaStepCompletedEvent(t *Transaction, step *Step, success bool, errorMessage string) *SagaStepCompletedEvent {
	return &SagaStepCompletedEvent{
		BaseEvent:     events.NewBaseEvent(EventSagaStepCompleted, t.ID()).WithCorrelationID(t.CorrelationID()),
		SagaID:        t.ID(),
		StepName:      step.Name(),
		StepIndex:     step.Order(),
		Success:       success,
		ErrorMessage:  errorMessage,
		CorrelationID: t.CorrelationID(),
		Timestamp:     time.Now(),
	}
}

// SagaFinishedEvent публикуется при переходе саги в терминальный статус
// (saga.completed, saga.compensated, saga.failed)
type SagaFinishedEvent struct {
	*events.BaseEvent `json:"-"`
	SagaID            string    `json:"sagaId"`
	SagaType          string    `json:"sagaType"`
	Status            string    `json:"status"`
	Reason            string    `json:"reason,omitempty"`
	CorrelationID     string    `json:"correlationId"`
	DurationMillis    int64     `json:"durationMillis"`
	Timestamp         time.Time `json:"timestamp"`
}

// NewSagaFinishedEvent создает терминальное событие по текущему статусу саги.
// Для нетерминального статуса возвращает nil.
func NewSagaFinishedEvent(t *Transaction) *SagaFinishedEvent {
	var eventType string
	switch t.Status() {
	case TransactionStatusCompleted:
		eventType = EventSagaCompleted
	case TransactionStatusCompensated:
		eventType = EventSagaCompensated
	case TransactionStatusFailed:
		eventType = EventSagaFailed
	default:
		return nil
	}

	var duration time.Duration
	if !t.StartedAt().IsZero() {
		duration = t.EndedAt().Sub(t.StartedAt())
	}

	return &SagaFinishedEvent{
		BaseEvent:      events.NewBaseEvent(eventType, t.ID()).WithCorrelationID(t.CorrelationID()),
		SagaID:         t.ID(),
		SagaType:       t.SagaType(),
		Status:         t.Status().String(),
		Reason:         t.FailureReason(),
		CorrelationID:  t.CorrelationID(),
		DurationMillis: duration.Milliseconds(),
		Timestamp:      time.Now(),
	}
}
