// Package core предоставляет систему ошибок саг.
package core

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Коды ошибок
const (
	ErrNotFound              = "NOT_FOUND"
	ErrInvalidState          = "INVALID_STATE"
	ErrValidationFailed      = "VALIDATION_FAILED"
	ErrTransientStepFailure  = "TRANSIENT_STEP_FAILURE"
	ErrTerminalStepFailure   = "TERMINAL_STEP_FAILURE"
	ErrTimeout               = "TIMEOUT"
	ErrInfrastructureFailure = "INFRASTRUCTURE_FAILURE"
	ErrCapacityExceeded      = "CAPACITY_EXCEEDED"
	ErrInvalidConfig         = "INVALID_CONFIG"
)

// FrameworkError базовый тип ошибки
type FrameworkError struct {
	Code       string
	Message    string
	Cause      error
	StackTrace string
}

// Error реализует интерфейс error
func (e *FrameworkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *FrameworkError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду
func (e *FrameworkError) Is(target error) bool {
	if t, ok := target.(*FrameworkError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext добавляет контекст к сообщению
func (e *FrameworkError) WithContext(context string) *FrameworkError {
	return &FrameworkError{
		Code:       e.Code,
		Message:    fmt.Sprintf("%s: %s", context, e.Message),
		Cause:      e.Cause,
		StackTrace: e.StackTrace,
	}
}

// NewError создает новую ошибку
func NewError(code, message string) *FrameworkError {
	return &FrameworkError{
		Code:       code,
		Message:    message,
		StackTrace: captureStackTrace(),
	}
}

// Errorf создает ошибку с форматированным сообщением
func Errorf(code, format string, args ...interface{}) *FrameworkError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap оборачивает существующую ошибку
func Wrap(err error, code, message string) *FrameworkError {
	if err == nil {
		return nil
	}
	return &FrameworkError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
}

// CodeOf возвращает код ошибки или пустую строку для посторонних ошибок
func CodeOf(err error) string {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode проверяет, что в цепочке есть FrameworkError с указанным кодом
func IsCode(err error, code string) bool {
	return err != nil && errors.Is(err, &FrameworkError{Code: code})
}

func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)

	// первые строки относятся к самой captureStackTrace
	lines := strings.Split(string(buf[:n]), "\n")
	if len(lines) > 4 {
		lines = lines[4:]
	}
	return strings.Join(lines, "\n")
}
