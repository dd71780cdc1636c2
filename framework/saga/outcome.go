package saga

import "time"

// StepOutcome результат выполнения шага, передаваемый движком координатору
type StepOutcome struct {
	SagaID        string
	StepName      string
	Success       bool
	Result        map[string]interface{}
	Error         string
	Compensation  bool
	ExecutionTime time.Duration
}
