package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
	"github.com/akriventsev/sagaflow/framework/saga"
)

// CreateSaga создает сагу и регистрирует ее только после успешной публикации saga.started
func (c *Coordinator) CreateSaga(
	ctx context.Context,
	sagaType, correlationID, initiatorID string,
	businessCtx map[string]interface{},
	steps []*saga.Step,
	opts ...saga.TransactionOption,
) (*saga.Transaction, error) {
	var created *saga.Transaction
	err := c.do(ctx, func(ctx context.Context) error {
		if c.config.MaxConcurrentSagas > 0 {
			active, err := c.store.CountActive(ctx)
			if err != nil {
				return core.Wrap(err, core.ErrInfrastructureFailure, "failed to count active sagas")
			}
			if active >= c.config.MaxConcurrentSagas {
				c.metrics.RecordSagaRejected(ctx, sagaType, "capacity")
				return core.Errorf(core.ErrCapacityExceeded,
					"max concurrent sagas reached: %d", c.config.MaxConcurrentSagas)
			}
		}

		defaults := []saga.TransactionOption{
			saga.WithTimeout(c.config.DefaultTimeout),
			saga.WithMaxRetries(c.config.MaxRetries),
			saga.WithCompensation(c.config.CompensationEnabled),
		}
		t := saga.NewTransaction(sagaType, correlationID, initiatorID, businessCtx, append(defaults, opts...)...)
		for _, step := range steps {
			if step == nil {
				c.metrics.RecordSagaRejected(ctx, sagaType, "validation")
				return core.NewError(core.ErrValidationFailed, "step is nil")
			}
			if err := t.AddStep(step.Clone()); err != nil {
				c.metrics.RecordSagaRejected(ctx, sagaType, "validation")
				return err
			}
		}
		if err := t.Validate(); err != nil {
			c.metrics.RecordSagaRejected(ctx, sagaType, "validation")
			return err
		}

		if err := c.publish(ctx, saga.NewSagaStartedEvent(t)); err != nil {
			c.metrics.RecordSagaRejected(ctx, sagaType, "publish")
			c.logger.Error("saga discarded: started event not published",
				zap.String("saga_id", t.ID()),
				zap.String("saga_type", sagaType),
				zap.Error(err))
			return core.Wrap(err, core.ErrInfrastructureFailure, "failed to publish saga started event")
		}
		if err := c.save(ctx, t); err != nil {
			return err
		}

		c.metrics.RecordSagaCreated(ctx, sagaType)
		c.logger.Info("saga created",
			zap.String("saga_id", t.ID()),
			zap.String("saga_type", sagaType),
			zap.String("correlation_id", correlationID),
			zap.Int("steps", len(t.Steps())))
		created = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// StartSaga переводит сагу и ее первый шаг в RUNNING
func (c *Coordinator) StartSaga(ctx context.Context, sagaID string) error {
	return c.do(ctx, func(ctx context.Context) error {
		t, err := c.load(ctx, sagaID)
		if err != nil {
			return err
		}
		if t.Status() != saga.TransactionStatusCreated {
			return core.Errorf(core.ErrInvalidState, "invalid state: %s", t.Status())
		}
		if err := t.Start(); err != nil {
			return err
		}

		step, ok := t.CurrentStep()
		if !ok {
			if err := t.Complete(); err != nil {
				return err
			}
			if err := c.save(ctx, t); err != nil {
				return err
			}
			c.finish(ctx, t)
			return nil
		}
		if err := step.Start(); err != nil {
			return err
		}
		if err := c.save(ctx, t); err != nil {
			return err
		}

		c.logger.Info("saga started", zap.String("saga_id", sagaID), zap.String("step_name", step.Name()))
		if c.executor != nil {
			c.executor.ExecuteStepAsync(sagaID, step)
		}
		return nil
	})
}

// HandleStepCompletion применяет результат текущего шага.
// Поздние и повторные вызовы отклоняются с INVALID_STATE.
func (c *Coordinator) HandleStepCompletion(
	ctx context.Context,
	sagaID, stepName string,
	success bool,
	result map[string]interface{},
	errMsg string,
) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.handleStepCompletion(ctx, sagaID, stepName, success, result, errMsg)
	})
}

func (c *Coordinator) handleStepCompletion(
	ctx context.Context,
	sagaID, stepName string,
	success bool,
	result map[string]interface{},
	errMsg string,
) error {
	t, err := c.load(ctx, sagaID)
	if err != nil {
		return err
	}
	if t.Status() != saga.TransactionStatusRunning {
		return core.Errorf(core.ErrInvalidState, "invalid state: %s", t.Status())
	}
	step, ok := t.CurrentStep()
	if !ok || step.Name() != stepName {
		return core.NewError(core.ErrInvalidState, "current step mismatch")
	}
	// повторный отчет в режиме без движка: шаг ждет повтора в FAILED
	if step.Status() == saga.StepStatusFailed && step.CanRetry() {
		if err := step.Start(); err != nil {
			return err
		}
	}
	if step.Status() != saga.StepStatusRunning {
		return core.Errorf(core.ErrInvalidState, "step %s is not running: %s", stepName, step.Status())
	}

	if success {
		return c.advance(ctx, t, step, result)
	}
	return c.failStep(ctx, t, step, errMsg)
}

func (c *Coordinator) advance(ctx context.Context, t *saga.Transaction, step *saga.Step, result map[string]interface{}) error {
	if err := step.Complete(result); err != nil {
		return err
	}
	c.publishBestEffort(ctx, saga.NewSagaStepCompletedEvent(t, step, true, ""))

	if t.MoveToNextStep() {
		next, _ := t.CurrentStep()
		if err := next.Start(); err != nil {
			return err
		}
		if err := c.save(ctx, t); err != nil {
			return err
		}
		c.logger.Debug("saga advanced",
			zap.String("saga_id", t.ID()),
			zap.String("step_name", next.Name()),
			zap.Int("step_index", t.CurrentStepIndex()))
		if c.executor != nil {
			c.executor.ExecuteStepAsync(t.ID(), next)
		}
		return nil
	}

	if err := t.Complete(); err != nil {
		return err
	}
	if err := c.save(ctx, t); err != nil {
		return err
	}
	c.finish(ctx, t)
	return nil
}

func (c *Coordinator) failStep(ctx context.Context, t *saga.Transaction, step *saga.Step, errMsg string) error {
	if err := step.Fail(errMsg); err != nil {
		return err
	}
	step.IncrementRetryCount()
	c.publishBestEffort(ctx, saga.NewSagaStepCompletedEvent(t, step, false, errMsg))

	if step.CanRetry() {
		c.logger.Info("step failed, retrying",
			zap.String("saga_id", t.ID()),
			zap.String("step_name", step.Name()),
			zap.Int("retry_count", step.RetryCount()),
			zap.Int("max_retries", step.MaxRetries()),
			zap.String("error", errMsg))
		if c.executor == nil {
			return c.save(ctx, t)
		}
		if err := step.Start(); err != nil {
			return err
		}
		if err := c.save(ctx, t); err != nil {
			return err
		}
		c.executor.RetryStep(t.ID(), step)
		return nil
	}

	reason := "step execution failed: " + errMsg
	c.logger.Warn("step failed terminally",
		zap.String("saga_id", t.ID()),
		zap.String("step_name", step.Name()),
		zap.Int("retry_count", step.RetryCount()),
		zap.String("error", errMsg))

	if !t.CompensationEnabled() {
		if err := t.Fail(reason); err != nil {
			return err
		}
		if err := c.save(ctx, t); err != nil {
			return err
		}
		c.finish(ctx, t)
		return nil
	}

	if err := t.StartCompensation(reason); err != nil {
		return err
	}
	return c.beginCompensation(ctx, t)
}

// GetSaga возвращает копию саги
func (c *Coordinator) GetSaga(ctx context.Context, sagaID string) (*saga.Transaction, error) {
	var found *saga.Transaction
	err := c.do(ctx, func(ctx context.Context) error {
		t, err := c.load(ctx, sagaID)
		if err != nil {
			return err
		}
		found = t.Clone()
		return nil
	})
	return found, err
}

// ListSagas возвращает копии саг с указанными статусами (все, если статусы не заданы)
func (c *Coordinator) ListSagas(ctx context.Context, statuses ...saga.TransactionStatus) ([]*saga.Transaction, error) {
	var list []*saga.Transaction
	err := c.do(ctx, func(ctx context.Context) error {
		sagas, err := c.store.List(ctx, statuses...)
		if err != nil {
			return core.Wrap(err, core.ErrInfrastructureFailure, "failed to list sagas")
		}
		list = make([]*saga.Transaction, 0, len(sagas))
		for _, t := range sagas {
			list = append(list, t.Clone())
		}
		return nil
	})
	return list, err
}

// GetActiveSagaCount возвращает число саг в нетерминальном статусе
func (c *Coordinator) GetActiveSagaCount(ctx context.Context) (int, error) {
	var count int
	err := c.do(ctx, func(ctx context.Context) error {
		n, err := c.store.CountActive(ctx)
		if err != nil {
			return core.Wrap(err, core.ErrInfrastructureFailure, "failed to count active sagas")
		}
		count = n
		return nil
	})
	return count, err
}

// HealthCheck проверяет, что цикл переходов отвечает
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	_, err := c.GetActiveSagaCount(ctx)
	return err
}
