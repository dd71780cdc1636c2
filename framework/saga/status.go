package saga

import (
	"fmt"
)

// TransactionStatus статус саги
type TransactionStatus string

const (
	TransactionStatusCreated      TransactionStatus = "CREATED"
	TransactionStatusRunning      TransactionStatus = "RUNNING"
	TransactionStatusCompleted    TransactionStatus = "COMPLETED"
	TransactionStatusCompensating TransactionStatus = "COMPENSATING"
	TransactionStatusCompensated  TransactionStatus = "COMPENSATED"
	TransactionStatusFailed       TransactionStatus = "FAILED"
)

// TerminalTransactionStatuses статусы, из которых нет переходов
var TerminalTransactionStatuses = []TransactionStatus{
	TransactionStatusCompleted,
	TransactionStatusCompensated,
	TransactionStatusFailed,
}

// ActiveTransactionStatuses нетерминальные статусы
var ActiveTransactionStatuses = []TransactionStatus{
	TransactionStatusCreated,
	TransactionStatusRunning,
	TransactionStatusCompensating,
}

func (s TransactionStatus) String() string {
	return string(s)
}

// IsTerminal проверяет, является ли статус терминальным
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionStatusCompleted, TransactionStatusCompensated, TransactionStatusFailed:
		return true
	case TransactionStatusCreated, TransactionStatusRunning, TransactionStatusCompensating:
		return false
	default:
		return false
	}
}

// Valid проверяет принадлежность значения перечислению
func (s TransactionStatus) Valid() bool {
	_, err := ParseTransactionStatus(string(s))
	return err == nil
}

// ParseTransactionStatus разбирает статус саги
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch TransactionStatus(s) {
	case TransactionStatusCreated,
		TransactionStatusRunning,
		TransactionStatusCompleted,
		TransactionStatusCompensating,
		TransactionStatusCompensated,
		TransactionStatusFailed:
		return TransactionStatus(s), nil
	default:
		return "", fmt.Errorf("unknown transaction status: %q", s)
	}
}

// StepStatus статус шага саги
type StepStatus string

const (
	StepStatusPending            StepStatus = "PENDING"
	StepStatusRunning            StepStatus = "RUNNING"
	StepStatusCompleted          StepStatus = "COMPLETED"
	StepStatusFailed             StepStatus = "FAILED"
	StepStatusSkipped            StepStatus = "SKIPPED"
	StepStatusCompensating       StepStatus = "COMPENSATING"
	StepStatusCompensated        StepStatus = "COMPENSATED"
	StepStatusCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

func (s StepStatus) String() string {
	return string(s)
}

// Valid проверяет принадлежность значения перечислению
func (s StepStatus) Valid() bool {
	_, err := ParseStepStatus(string(s))
	return err == nil
}

// ParseStepStatus разбирает статус шага
func ParseStepStatus(s string) (StepStatus, error) {
	switch StepStatus(s) {
	case StepStatusPending,
		StepStatusRunning,
		StepStatusCompleted,
		StepStatusFailed,
		StepStatusSkipped,
		StepStatusCompensating,
		StepStatusCompensated,
		StepStatusCompensationFailed:
		return StepStatus(s), nil
	default:
		return "", fmt.Errorf("unknown step status: %q", s)
	}
}
