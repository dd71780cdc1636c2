package engine

import (
	"context"
	"sync/atomic"
	"time"
)

const compensationSuffix = "#compensation"

// состояния отслеживаемого выполнения; переход из stateRunning выполняется один раз
const (
	stateRunning int32 = iota
	stateFinished
	stateCancelled
	stateTimedOut
)

// execution отслеживаемое выполнение шага
type execution struct {
	key          string
	sagaID       string
	stepName     string
	service      string
	action       string
	compensation bool
	startTime    time.Time
	timeout      time.Duration
	cancel       context.CancelFunc
	future       *StepFuture
	state        atomic.Int32
}

// finish переводит выполнение из running в to; true только для первого вызова
func (x *execution) finish(to int32) bool {
	return x.state.CompareAndSwap(stateRunning, to)
}

func (x *execution) elapsed(now time.Time) time.Duration {
	if now.Before(x.startTime) {
		return 0
	}
	return now.Sub(x.startTime)
}

func trackingKey(sagaID, stepName string, compensation bool) string {
	key := sagaID + "/" + stepName
	if compensation {
		key += compensationSuffix
	}
	return key
}

// ExecutionStatus состояние выполнения шага для интроспекции
type ExecutionStatus struct {
	SagaID    string        `json:"sagaId"`
	StepName  string        `json:"stepName"`
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"startTime,omitempty"`
	Timeout   time.Duration `json:"timeout"`
	Elapsed   time.Duration `json:"elapsedTime"`
	IsTimeout bool          `json:"isTimeout"`
}
