package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/saga"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) CleanupTimeoutSteps() int {
	s.calls.Add(1)
	return 0
}

func TestSweeper_RunsScheduledJobs(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.TimeoutCheckInterval = time.Second
	cfg.StepTimeoutCheckInterval = time.Second
	cfg.CleanupInterval = time.Second
	cfg.RetentionPeriod = 0
	c, _, _ := newStandalone(t, cfg)

	expiring, err := c.CreateSaga(ctx, "T", "corr-1", "user", nil, registrationSteps(), saga.WithTimeout(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, c.StartSaga(ctx, expiring.ID()))

	steps := &countingSweeper{}
	sweeper := NewSweeper(c, steps, cfg, zap.NewNop())
	require.NoError(t, sweeper.Start(ctx))
	assert.True(t, sweeper.IsRunning())
	t.Cleanup(func() { _ = sweeper.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		return steps.calls.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)

	// таймаут переводит сагу в FAILED, затем очистка удаляет ее
	require.Eventually(t, func() bool {
		list, err := c.ListSagas(ctx)
		return err == nil && len(list) == 0
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, sweeper.Stop(ctx))
	assert.False(t, sweeper.IsRunning())
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	c, _, _ := newStandalone(t, testConfig())
	sweeper := NewSweeper(c, nil, testConfig(), nil)
	assert.NoError(t, sweeper.Stop(context.Background()))
}
