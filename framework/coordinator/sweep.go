package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/core"
	"github.com/akriventsev/sagaflow/framework/saga"
)

const timeoutReason = "transaction execution timed out"

// HandleTimeoutSagas переводит в FAILED нетерминальные саги с истекшим таймаутом
func (c *Coordinator) HandleTimeoutSagas(ctx context.Context) (int, error) {
	var count int
	err := c.do(ctx, func(ctx context.Context) error {
		active, err := c.store.List(ctx, saga.ActiveTransactionStatuses...)
		if err != nil {
			return core.Wrap(err, core.ErrInfrastructureFailure, "failed to list active sagas")
		}

		now := c.now()
		for _, t := range active {
			if !t.IsTimeoutAt(now) {
				continue
			}
			if step, ok := t.CurrentStep(); ok && step.Status() == saga.StepStatusRunning {
				if c.executor != nil {
					c.executor.CancelStepExecution(t.ID(), step.Name())
				}
				_ = step.Fail(timeoutReason)
			}
			if err := t.Fail(timeoutReason); err != nil {
				continue
			}
			if err := c.save(ctx, t); err != nil {
				return err
			}
			c.logger.Warn("saga timed out",
				zap.String("saga_id", t.ID()),
				zap.Duration("timeout", t.Timeout()))
			c.finish(ctx, t)
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CleanupCompletedSagas удаляет терминальные саги старше RetentionPeriod
func (c *Coordinator) CleanupCompletedSagas(ctx context.Context) (int, error) {
	var count int
	err := c.do(ctx, func(ctx context.Context) error {
		finished, err := c.store.List(ctx, saga.TerminalTransactionStatuses...)
		if err != nil {
			return core.Wrap(err, core.ErrInfrastructureFailure, "failed to list finished sagas")
		}

		cutoff := c.now().Add(-c.config.RetentionPeriod)
		for _, t := range finished {
			if !t.Status().IsTerminal() {
				continue
			}
			if c.config.RetentionPeriod > 0 && !t.EndedAt().Before(cutoff) {
				continue
			}
			if err := c.store.Delete(ctx, t.ID()); err != nil {
				if core.IsCode(err, core.ErrNotFound) {
					continue
				}
				return core.Wrap(err, core.ErrInfrastructureFailure, "failed to delete saga")
			}
			count++
		}
		if count > 0 {
			c.logger.Info("finished sagas cleaned up", zap.Int("count", count))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
