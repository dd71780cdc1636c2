package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/saga"
)

// stepCompensation итог компенсации одного шага
type stepCompensation struct {
	stepName  string
	attempted bool
	success   bool
	err       string
}

// compensationResult результат компенсации саги, возвращаемый в цикл
type compensationResult struct {
	sagaID string
	steps  []stepCompensation
}

// beginCompensation помечает шаги к компенсации и запускает их в обратном порядке.
// Без движка сага сразу переходит в COMPENSATED.
func (c *Coordinator) beginCompensation(ctx context.Context, t *saga.Transaction) error {
	var pending []*saga.Step
	if c.executor != nil {
		completed := t.CompletedSteps()
		for i := len(completed) - 1; i >= 0; i-- {
			if completed[i].NeedsCompensation() {
				pending = append(pending, completed[i])
			}
		}
	}

	if len(pending) == 0 {
		if err := t.CompleteCompensation(); err != nil {
			return err
		}
		if err := c.save(ctx, t); err != nil {
			return err
		}
		c.finish(ctx, t)
		return nil
	}

	snapshots := make([]*saga.Step, 0, len(pending))
	for _, step := range pending {
		if err := step.StartCompensation(); err != nil {
			return err
		}
		snapshots = append(snapshots, step.Clone())
	}
	if err := c.save(ctx, t); err != nil {
		return err
	}

	c.logger.Info("saga compensation started",
		zap.String("saga_id", t.ID()),
		zap.Int("steps", len(snapshots)),
		zap.String("reason", t.FailureReason()))

	go c.compensate(t.ID(), snapshots)
	return nil
}

// compensate выполняет компенсации последовательно и останавливается на первой ошибке
func (c *Coordinator) compensate(sagaID string, steps []*saga.Step) {
	result := compensationResult{sagaID: sagaID, steps: make([]stepCompensation, len(steps))}
	for i, step := range steps {
		result.steps[i].stepName = step.Name()
	}

	for i, step := range steps {
		future := c.executor.ExecuteCompensationAsync(sagaID, step)
		res, err := future.Wait(c.baseCtx)
		result.steps[i].attempted = true
		switch {
		case err != nil:
			result.steps[i].err = err.Error()
		case !res.Success:
			result.steps[i].err = res.ErrorMessage
		default:
			result.steps[i].success = true
			continue
		}
		c.logger.Error("step compensation failed",
			zap.String("saga_id", sagaID),
			zap.String("step_name", step.Name()),
			zap.String("error", result.steps[i].err))
		break
	}

	select {
	case c.compensations <- result:
	case <-c.quit:
	}
}

// applyCompensation фиксирует итог компенсации в саге
func (c *Coordinator) applyCompensation(result compensationResult) {
	ctx := c.baseCtx
	t, err := c.load(ctx, result.sagaID)
	if err != nil {
		c.logger.Warn("compensation result for unknown saga", zap.String("saga_id", result.sagaID), zap.Error(err))
		return
	}

	var failure string
	for _, sc := range result.steps {
		step, ok := t.Step(sc.stepName)
		if !ok || step.Status() != saga.StepStatusCompensating {
			continue
		}
		switch {
		case sc.success:
			_ = step.CompleteCompensation()
		case sc.attempted:
			_ = step.FailCompensation(sc.err)
			if failure == "" {
				failure = fmt.Sprintf("compensation failed: step %s: %s", sc.stepName, sc.err)
			}
		default:
			_ = step.FailCompensation("compensation aborted")
		}
	}

	// сага могла завершиться по таймауту, пока шли компенсации
	if t.Status() != saga.TransactionStatusCompensating {
		if err := c.save(ctx, t); err != nil {
			c.logger.Warn("failed to record compensation outcome", zap.String("saga_id", t.ID()), zap.Error(err))
		}
		return
	}

	if failure == "" {
		err = t.CompleteCompensation()
	} else {
		err = t.Fail(failure)
	}
	if err != nil {
		c.logger.Warn("compensation transition rejected", zap.String("saga_id", t.ID()), zap.Error(err))
		return
	}
	if err := c.save(ctx, t); err != nil {
		return
	}
	c.finish(ctx, t)
}
