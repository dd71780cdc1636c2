package invoke

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// statusError ответ сервиса вне диапазона 2xx
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP call failed: status %d", e.code)
}

// breakerFor возвращает circuit breaker сервиса, создавая его при первом обращении
func (i *ServiceInvoker) breakerFor(service string) *gobreaker.CircuitBreaker {
	cb, _ := i.breakers.LoadOrCompute(service, func() *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        service,
			MaxRequests: 1,
			Timeout:     i.config.RecoveryTime,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= i.config.FailureThreshold
			},
			IsSuccessful: func(err error) bool {
				// отмена вызова движком не считается отказом сервиса
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				i.logger.Warn("circuit breaker state changed",
					zap.String("service", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				i.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		})
	})
	return cb
}

// BreakerState возвращает состояние circuit breaker сервиса: closed, half-open, open
func (i *ServiceInvoker) BreakerState(service string) string {
	cb, ok := i.breakers.Load(service)
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
