package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/akriventsev/sagaflow/framework/invoke"
	"github.com/akriventsev/sagaflow/framework/metrics"
	"github.com/akriventsev/sagaflow/framework/saga"
	"github.com/akriventsev/sagaflow/framework/workerpool"
)

type invokerFunc func(ctx context.Context, service, action string, params map[string]interface{}) invoke.Result

func (f invokerFunc) Invoke(ctx context.Context, service, action string, params map[string]interface{}) invoke.Result {
	return f(ctx, service, action, params)
}

type recordingReporter struct {
	mu       sync.Mutex
	outcomes []saga.StepOutcome
	notify   chan saga.StepOutcome
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{notify: make(chan saga.StepOutcome, 16)}
}

func (r *recordingReporter) ReportOutcome(outcome saga.StepOutcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
	r.notify <- outcome
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

func (r *recordingReporter) next(t *testing.T) saga.StepOutcome {
	t.Helper()
	select {
	case o := <-r.notify:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome reported")
		return saga.StepOutcome{}
	}
}

func newTestEngine(t *testing.T, inv Invoker, reporter OutcomeReporter, cfg Config) *ExecutionEngine {
	t.Helper()
	pool := workerpool.New(workerpool.Config{Size: 4, QueueCapacity: 16}, zap.NewNop())
	e := NewExecutionEngine(cfg, inv, reporter, pool, zap.NewNop())
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func waitResult(t *testing.T, f *StepFuture) (StepResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestExecuteStepAsync_ReportsSuccessOnce(t *testing.T) {
	var gotService, gotAction string
	inv := invokerFunc(func(ctx context.Context, service, action string, params map[string]interface{}) invoke.Result {
		gotService, gotAction = service, action
		return invoke.Result{Success: true, Data: map[string]interface{}{"userId": "U-1"}}
	})
	reporter := newRecordingReporter()
	e := newTestEngine(t, inv, reporter, DefaultConfig())

	step := saga.NewStep("createUser", "user-service", "createUser", "deleteUser", map[string]interface{}{"email": "a@b.c"})
	res, err := waitResult(t, e.ExecuteStepAsync("SAGA-1", step))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "U-1", res.Result["userId"])
	assert.Equal(t, "user-service", gotService)
	assert.Equal(t, "createUser", gotAction)

	outcome := reporter.next(t)
	assert.Equal(t, "SAGA-1", outcome.SagaID)
	assert.Equal(t, "createUser", outcome.StepName)
	assert.True(t, outcome.Success)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, reporter.count())
	assert.Equal(t, 0, e.GetRunningStepCount())
}

func TestExecuteStepAsync_PanicBecomesFailure(t *testing.T) {
	inv := invokerFunc(func(ctx context.Context, service, action string, params map[string]interface{}) invoke.Result {
		panic("nil map write")
	})
	reporter := newRecordingReporter()
	e := newTestEngine(t, inv, reporter, DefaultConfig())

	res, err := waitResult(t, e.ExecuteStepAsync("SAGA-1", saga.NewStep("s", "svc", "act", "", nil)))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "execution exception: nil map write", res.ErrorMessage)

	outcome := reporter.next(t)
	assert.False(t, outcome.Success)
	assert.Equal(t, "execution exception: nil map write", outcome.Error)
}

func TestCancelStepExecution_SuppressesLateResult(t *testing.T) {
	release := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, service, action string, params map[string]interface{}) invoke.Result {
		<-release
		return invoke.Result{Success: true}
	})
	reporter := newRecordingReporter()
	e := newTestEngine(t, inv, reporter, DefaultConfig())

	future := e.ExecuteStepAsync("SAGA-1", saga.NewStep("reserve", "deal-service", "reserveDeal", "", nil))
	assert.Eventually(t, func() bool { return e.GetStepExecutionStatus("SAGA-1", "reserve").Running }, time.Second, 5*time.Millisecond)

	assert.True(t, e.CancelStepExecution("SAGA-1", "reserve"))
	assert.False(t, e.CancelStepExecution("SAGA-1", "reserve"))
	assert.False(t, e.CancelStepExecution("SAGA-1", "unknown"))

	_, err := waitResult(t, future)
	assert.ErrorIs(t, err, ErrExecutionCancelled)
	assert.True(t, future.Cancelled())

	close(release)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, reporter.count())
	assert.Equal(t, 0, e.GetRunningStepCount())
}

func TestGetStepExecutionStatus_Untracked(t *testing.T) {
	e := newTestEngine(t, nil, nil, DefaultConfig())
	status := e.GetStepExecutionStatus("SAGA-X", "missing")
	assert.False(t, status.Running)
	assert.Equal(t, "SAGA-X", status.SagaID)
	assert.Zero(t, status.Timeout)
	assert.True(t, status.StartTime.IsZero())
}

func TestCleanupTimeoutSteps(t *testing.T) {
	release := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, service, action string, params map[string]interface{}) invoke.Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return invoke.Result{Success: true}
	})
	reporter := newRecordingReporter()
	e := newTestEngine(t, inv, reporter, DefaultConfig())
	defer close(release)

	slow := saga.NewStep("slow", "deal-service", "reserveDeal", "", nil).WithTimeout(10 * time.Millisecond)
	fast := saga.NewStep("patient", "deal-service", "reserveDeal", "", nil).WithTimeout(time.Minute)
	slowFuture := e.ExecuteStepAsync("SAGA-1", slow)
	e.ExecuteStepAsync("SAGA-2", fast)

	time.Sleep(30 * time.Millisecond)
	status := e.GetStepExecutionStatus("SAGA-1", "slow")
	assert.True(t, status.IsTimeout)

	assert.Equal(t, 1, e.CleanupTimeoutSteps())
	assert.Equal(t, 0, e.CleanupTimeoutSteps())

	outcome := reporter.next(t)
	assert.Equal(t, "slow", outcome.StepName)
	assert.False(t, outcome.Success)
	assert.Equal(t, "step execution timed out", outcome.Error)

	res, err := waitResult(t, slowFuture)
	require.NoError(t, err)
	assert.Equal(t, "step execution timed out", res.ErrorMessage)

	assert.Equal(t, 1, e.GetRunningStepCount())
	assert.True(t, e.GetStepExecutionStatus("SAGA-2", "patient").Running)
}

func TestExecuteCompensationAsync(t *testing.T) {
	var gotParams map[string]interface{}
	var calls atomic.Int32
	inv := invokerFunc(func(ctx context.Context, service, action string, params map[string]interface{}) invoke.Result {
		calls.Add(1)
		gotParams = params
		assert.Equal(t, "deleteUser", action)
		return invoke.Result{Success: true, Data: map[string]interface{}{}}
	})
	reporter := newRecordingReporter()
	e := newTestEngine(t, inv, reporter, DefaultConfig())

	step := saga.NewStep("createUser", "user-service", "createUser", "deleteUser", map[string]interface{}{"email": "a@b.c"})
	require.NoError(t, step.Start())
	require.NoError(t, step.Complete(map[string]interface{}{"userId": "U-1"}))

	res, err := waitResult(t, e.ExecuteCompensationAsync("SAGA-1", step))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "a@b.c", gotParams["email"])
	assert.Equal(t, "U-1", gotParams["userId"])

	noComp := saga.NewStep("notify", "lead-service", "notifyLead", "", nil)
	res, err = waitResult(t, e.ExecuteCompensationAsync("SAGA-1", noComp))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), calls.Load())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, reporter.count())
}

func TestRetryStep_DelaysWithBackoff(t *testing.T) {
	var invokedAt atomic.Int64
	inv := invokerFunc(func(ctx context.Context, service, action string, params map[string]interface{}) invoke.Result {
		invokedAt.Store(time.Now().UnixNano())
		return invoke.Result{Success: true}
	})
	reporter := newRecordingReporter()
	e := newTestEngine(t, inv, reporter, Config{RetryInterval: 10 * time.Millisecond, MaxRetryDelay: time.Second})

	step := saga.NewStep("s", "svc", "act", "", nil)
	step.IncrementRetryCount()
	step.IncrementRetryCount()

	submitted := time.Now()
	future := e.RetryStep("SAGA-1", step)
	assert.False(t, isDone(future))

	_, err := waitResult(t, future)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Duration(invokedAt.Load()-submitted.UnixNano()), 40*time.Millisecond)
	assert.True(t, reporter.next(t).Success)
}

func isDone(f *StepFuture) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}

func TestRetryDelay(t *testing.T) {
	e := newTestEngine(t, nil, nil, Config{RetryInterval: time.Second, MaxRetryDelay: 10 * time.Second})

	assert.Equal(t, time.Second, e.RetryDelay(0))
	assert.Equal(t, 2*time.Second, e.RetryDelay(1))
	assert.Equal(t, 8*time.Second, e.RetryDelay(3))
	assert.Equal(t, 10*time.Second, e.RetryDelay(4))
	assert.Equal(t, 10*time.Second, e.RetryDelay(62))
}

func TestDuplicateExecutionReplacesOlder(t *testing.T) {
	release := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, service, action string, params map[string]interface{}) invoke.Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return invoke.Result{Success: true}
	})
	reporter := newRecordingReporter()
	e := newTestEngine(t, inv, reporter, DefaultConfig())

	step := saga.NewStep("s", "svc", "act", "", nil)
	first := e.ExecuteStepAsync("SAGA-1", step)
	second := e.ExecuteStepAsync("SAGA-1", step)

	_, err := waitResult(t, first)
	assert.ErrorIs(t, err, ErrExecutionCancelled)
	assert.Equal(t, 1, e.GetRunningStepCount())

	close(release)
	res, err := waitResult(t, second)
	require.NoError(t, err)
	assert.True(t, res.Success)
	reporter.next(t)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, reporter.count())
}

func runningStepsGauge(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "steps_running" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestDuplicateExecutionKeepsRunningGaugeBalanced(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()
	m, err := metrics.NewMetricsWithMeter(provider.Meter("test"))
	require.NoError(t, err)

	release := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, service, action string, params map[string]interface{}) invoke.Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return invoke.Result{Success: true}
	})
	reporter := newRecordingReporter()
	pool := workerpool.New(workerpool.Config{Size: 4, QueueCapacity: 16}, zap.NewNop())
	e := NewExecutionEngine(DefaultConfig(), inv, reporter, pool, zap.NewNop(), WithMetrics(m))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	step := saga.NewStep("s", "svc", "act", "", nil)
	first := e.ExecuteStepAsync("SAGA-1", step)
	second := e.ExecuteStepAsync("SAGA-1", step)
	third := e.ExecuteStepAsync("SAGA-1", step)

	for _, f := range []*StepFuture{first, second} {
		_, err := waitResult(t, f)
		assert.ErrorIs(t, err, ErrExecutionCancelled)
	}
	assert.Equal(t, int64(1), runningStepsGauge(t, reader))

	close(release)
	_, err = waitResult(t, third)
	require.NoError(t, err)
	reporter.next(t)

	assert.Eventually(t, func() bool {
		return runningStepsGauge(t, reader) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, e.GetRunningStepCount())
}

func TestShutdown(t *testing.T) {
	release := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, service, action string, params map[string]interface{}) invoke.Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return invoke.Result{Success: true}
	})
	reporter := newRecordingReporter()
	e := newTestEngine(t, inv, reporter, DefaultConfig())
	defer close(release)

	running := e.ExecuteStepAsync("SAGA-1", saga.NewStep("s", "svc", "act", "", nil))
	require.NoError(t, e.Shutdown(context.Background()))
	assert.False(t, e.IsRunning())
	assert.Equal(t, 0, e.GetRunningStepCount())

	_, err := waitResult(t, running)
	assert.ErrorIs(t, err, ErrExecutionCancelled)

	res, err := waitResult(t, e.ExecuteStepAsync("SAGA-2", saga.NewStep("s", "svc", "act", "", nil)))
	require.NoError(t, err)
	assert.Equal(t, "execution exception: engine is shut down", res.ErrorMessage)

	outcome := reporter.next(t)
	assert.Equal(t, "SAGA-2", outcome.SagaID)
	assert.Equal(t, 1, reporter.count())
}

func TestPoolSaturationBecomesFailure(t *testing.T) {
	release := make(chan struct{})
	inv := invokerFunc(func(ctx context.Context, service, action string, params map[string]interface{}) invoke.Result {
		<-release
		return invoke.Result{Success: true}
	})
	reporter := newRecordingReporter()
	pool := workerpool.New(workerpool.Config{Size: 1, QueueCapacity: 1}, zap.NewNop())
	e := NewExecutionEngine(DefaultConfig(), inv, reporter, pool, zap.NewNop())

	// первая задача занимает единственный воркер, вторая заполняет очередь
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, pool.Submit(func() {}))

	res, err := waitResult(t, e.ExecuteStepAsync("SAGA-1", saga.NewStep("s", "svc", "act", "", nil)))
	require.NoError(t, err)
	assert.Equal(t, "execution exception: worker pool saturated", res.ErrorMessage)
	assert.Equal(t, "execution exception: worker pool saturated", reporter.next(t).Error)
	assert.Equal(t, 0, e.GetRunningStepCount())

	close(release)
	require.NoError(t, e.Shutdown(context.Background()))
}
